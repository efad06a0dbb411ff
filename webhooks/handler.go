package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"

	"github.com/goliatone/go-leads/core"
)

const (
	defaultMaxRequestBodyBytes int64 = 1 << 20

	contentTypeJSON = "application/json"
	contentTypeForm = "application/x-www-form-urlencoded"
)

// IntakeSubmitter is the slice of the intake service the handler needs.
type IntakeSubmitter interface {
	Submit(ctx context.Context, req core.IntakeRequest) (core.IntakeResult, error)
}

// Handler serves the public webform endpoint. It decodes JSON or
// form-encoded bodies into the raw payload map and attaches request
// provenance; everything else is the intake service's job.
type Handler struct {
	intake       IntakeSubmitter
	logger       core.Logger
	trustProxy   bool
	maxBodyBytes int64
}

type HandlerOption func(*Handler)

func WithLogger(logger core.Logger) HandlerOption {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithTrustProxyHeaders controls whether X-Forwarded-For is honored when
// resolving the client address. Enable only behind a trusted proxy.
func WithTrustProxyHeaders(trust bool) HandlerOption {
	return func(h *Handler) {
		h.trustProxy = trust
	}
}

func WithMaxBodyBytes(limit int64) HandlerOption {
	return func(h *Handler) {
		if limit > 0 {
			h.maxBodyBytes = limit
		}
	}
}

func NewHandler(intake IntakeSubmitter, options ...HandlerOption) (*Handler, error) {
	if intake == nil {
		return nil, fmt.Errorf("webhooks: intake submitter is required")
	}
	handler := &Handler{
		intake:       intake,
		logger:       glog.Nop(),
		trustProxy:   true,
		maxBodyBytes: defaultMaxRequestBodyBytes,
	}
	for _, opt := range options {
		if opt != nil {
			opt(handler)
		}
	}
	return handler, nil
}

// Routes returns the handler's mux: POST /leads/webform and GET /healthz.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /leads/webform", h.handleWebform)
	mux.HandleFunc("GET /healthz", h.handleHealth)
	return mux
}

type webformResponse struct {
	SubmissionID string `json:"submission_id"`
	Status       string `json:"status"`
	Queued       bool   `json:"queued"`
	QueueError   string `json:"queue_error,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Message  string `json:"message"`
	TextCode string `json:"text_code"`
}

func (h *Handler) handleWebform(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.intake == nil {
		writeJSON(w, http.StatusInternalServerError, errorEnvelope{Error: errorBody{
			Message:  "webform handler is not configured",
			TextCode: core.LeadsErrorInternal,
		}})
		return
	}

	payload, err := h.decodePayload(r)
	if err != nil {
		h.logger.Warn("webform payload decode failed", "error", err)
		writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: errorBody{
			Message:  err.Error(),
			TextCode: core.LeadsErrorBadInput,
		}})
		return
	}

	result, err := h.intake.Submit(r.Context(), core.IntakeRequest{
		Payload:   payload,
		Source:    strings.TrimSpace(r.URL.Query().Get("source")),
		IPAddress: h.clientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	status := http.StatusCreated
	if !result.Queued {
		// Persisted but not yet on the queue; a re-drive picks it up.
		status = http.StatusAccepted
	}
	writeJSON(w, status, webformResponse{
		SubmissionID: result.Submission.ID,
		Status:       string(result.Submission.Status),
		Queued:       result.Queued,
		QueueError:   result.QueueError,
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) decodePayload(r *http.Request) (map[string]any, error) {
	if r.Body != nil {
		r.Body = http.MaxBytesReader(nil, r.Body, h.bodyLimit())
	}

	mediaType := strings.ToLower(strings.TrimSpace(r.Header.Get("Content-Type")))
	if parsed, _, err := mime.ParseMediaType(mediaType); err == nil {
		mediaType = parsed
	}

	switch mediaType {
	case contentTypeForm:
		if err := r.ParseForm(); err != nil {
			return nil, fmt.Errorf("webhooks: malformed form body: %v", err)
		}
		return formPayload(r.PostForm), nil
	case "multipart/form-data":
		if err := r.ParseMultipartForm(h.bodyLimit()); err != nil {
			return nil, fmt.Errorf("webhooks: malformed multipart body: %v", err)
		}
		if r.MultipartForm != nil {
			return formPayload(r.MultipartForm.Value), nil
		}
		return formPayload(r.PostForm), nil
	case contentTypeJSON, "":
		payload := map[string]any{}
		decoder := json.NewDecoder(r.Body)
		if err := decoder.Decode(&payload); err != nil {
			if err == io.EOF {
				return nil, fmt.Errorf("webhooks: request body is required")
			}
			return nil, fmt.Errorf("webhooks: malformed json body: %v", err)
		}
		return payload, nil
	default:
		return nil, fmt.Errorf("webhooks: unsupported content type %q", mediaType)
	}
}

// formPayload flattens url.Values-shaped form data to the first value per
// field, matching how webform vendors post.
func formPayload(values map[string][]string) map[string]any {
	payload := make(map[string]any, len(values))
	for key, fieldValues := range values {
		if len(fieldValues) == 0 {
			continue
		}
		payload[key] = fieldValues[0]
	}
	return payload
}

// clientIP prefers the first X-Forwarded-For hop when proxy headers are
// trusted, otherwise the socket peer address.
func (h *Handler) clientIP(r *http.Request) string {
	if h.trustProxy {
		if forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); forwarded != "" {
			if first, _, found := strings.Cut(forwarded, ","); found || first != "" {
				return strings.TrimSpace(first)
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	body := errorBody{
		Message:  "An unexpected error occurred",
		TextCode: core.LeadsErrorInternal,
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		if richErr.Code != 0 {
			status = richErr.Code
		}
		if strings.TrimSpace(richErr.Message) != "" {
			body.Message = richErr.Message
		}
		if strings.TrimSpace(richErr.TextCode) != "" {
			body.TextCode = richErr.TextCode
		}
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("webform request failed",
			"error", err,
			"path", r.URL.Path,
			"status", status,
		)
	}
	writeJSON(w, status, errorEnvelope{Error: body})
}

func (h *Handler) bodyLimit() int64 {
	if h != nil && h.maxBodyBytes > 0 {
		return h.maxBodyBytes
	}
	return defaultMaxRequestBodyBytes
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
