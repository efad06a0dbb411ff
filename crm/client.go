// Package crm implements the Total Expert API client: client-credentials
// token management plus contact create/read/search. The upsert call is the
// only operation the sync pipeline depends on; lookups exist for operator
// tooling.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"

	"github.com/goliatone/go-leads/core"
)

const (
	contactsPath       = "/v1/contacts"
	contactsSearchPath = "/v1/contacts/search"

	defaultRequestTimeout   = 15 * time.Second
	maxAPIResponseBodyBytes = 1 << 20 // 1 MiB
	maxErrorBodyBytes       = 500
)

// Config carries provider connection settings. Credentials are required; the
// rest falls back to API defaults.
type Config struct {
	BaseURL        string
	ClientID       string
	ClientSecret   string
	SourceTag      string
	RequestTimeout time.Duration
	SafetyMargin   time.Duration
	Now            func() time.Time
	HTTPClient     HTTPDoer
	Logger         core.Logger
	TokenSource    TokenSource
}

// Client talks to the Total Expert REST API. Safe for concurrent use.
type Client struct {
	baseURL    string
	sourceTag  string
	timeout    time.Duration
	httpClient HTTPDoer
	tokens     TokenSource
	logger     core.Logger
}

func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("crm: base url is required")
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := glog.Ensure(cfg.Logger)

	tokens := cfg.TokenSource
	if tokens == nil {
		cache, err := newTokenCache(tokenCacheConfig{
			TokenURL:     baseURL + tokenPath,
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			SafetyMargin: cfg.SafetyMargin,
			Now:          cfg.Now,
			HTTPClient:   httpClient,
		})
		if err != nil {
			return nil, err
		}
		tokens = cache
	}

	return &Client{
		baseURL:    baseURL,
		sourceTag:  strings.TrimSpace(cfg.SourceTag),
		timeout:    timeout,
		httpClient: httpClient,
		tokens:     tokens,
		logger:     logger,
	}, nil
}

// NewClientFromConfig builds a client from the pipeline configuration block.
func NewClientFromConfig(cfg core.CRMConfig, options ...func(*Config)) (*Client, error) {
	config := Config{
		BaseURL:        cfg.BaseURL,
		ClientID:       cfg.ClientID,
		ClientSecret:   cfg.ClientSecret,
		SourceTag:      cfg.SourceTag,
		RequestTimeout: cfg.RequestTimeout(),
		SafetyMargin:   cfg.TokenSafetyMargin(),
	}
	for _, opt := range options {
		if opt != nil {
			opt(&config)
		}
	}
	return NewClient(config)
}

type contactPayload struct {
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	OwnerID   string `json:"ownerId"`
	Source    string `json:"source,omitempty"`
}

type contactResponse struct {
	ID        string `json:"id"`
	ContactID string `json:"contactId"`
}

func (r contactResponse) contactID() string {
	if id := strings.TrimSpace(r.ID); id != "" {
		return id
	}
	return strings.TrimSpace(r.ContactID)
}

// UpsertContact creates or updates a contact. The provider keys on
// owner+identity fields, so repeating the call with the same contact is safe.
// Defects that no retry can fix are reported as validation errors before any
// network traffic.
func (c *Client) UpsertContact(ctx context.Context, contact core.Contact) (string, error) {
	if c == nil {
		return "", fmt.Errorf("crm: client is nil")
	}
	ownerID := strings.TrimSpace(contact.OwnerID)
	if ownerID == "" {
		return "", goerrors.New("crm: contact owner id is required", goerrors.CategoryValidation).
			WithTextCode(core.LeadsErrorOwnerUnroutable)
	}
	email := strings.TrimSpace(contact.Email)
	phone := strings.TrimSpace(contact.Phone)
	if email == "" && phone == "" {
		return "", goerrors.New("crm: contact requires an email or phone", goerrors.CategoryValidation).
			WithTextCode(core.LeadsErrorBadInput)
	}

	source := strings.TrimSpace(contact.Source)
	if source == "" {
		source = c.sourceTag
	}
	payload := contactPayload{
		FirstName: strings.TrimSpace(contact.FirstName),
		LastName:  strings.TrimSpace(contact.LastName),
		Email:     email,
		Phone:     phone,
		OwnerID:   ownerID,
		Source:    source,
	}

	var parsed contactResponse
	if err := c.doJSON(ctx, http.MethodPost, c.baseURL+contactsPath, nil, payload, &parsed); err != nil {
		return "", err
	}
	contactID := parsed.contactID()
	if contactID == "" {
		return "", goerrors.New("crm: contact response missing id", goerrors.CategoryExternal).
			WithTextCode(core.LeadsErrorCRMRejected)
	}
	c.logger.Debug("contact upserted", "owner_id", ownerID, "contact_id", contactID)
	return contactID, nil
}

// GetContact fetches one contact by provider id.
func (c *Client) GetContact(ctx context.Context, contactID string) (map[string]any, error) {
	if c == nil {
		return nil, fmt.Errorf("crm: client is nil")
	}
	contactID = strings.TrimSpace(contactID)
	if contactID == "" {
		return nil, goerrors.New("crm: contact id is required", goerrors.CategoryBadInput).
			WithTextCode(core.LeadsErrorBadInput)
	}
	var parsed map[string]any
	endpoint := c.baseURL + contactsPath + "/" + url.PathEscape(contactID)
	if err := c.doJSON(ctx, http.MethodGet, endpoint, nil, nil, &parsed); err != nil {
		return nil, err
	}
	return parsed, nil
}

// SearchContacts looks contacts up by email or phone. At least one filter is
// required.
func (c *Client) SearchContacts(ctx context.Context, email, phone string) ([]map[string]any, error) {
	if c == nil {
		return nil, fmt.Errorf("crm: client is nil")
	}
	email = strings.TrimSpace(email)
	phone = strings.TrimSpace(phone)
	if email == "" && phone == "" {
		return nil, goerrors.New("crm: search requires an email or phone filter", goerrors.CategoryBadInput).
			WithTextCode(core.LeadsErrorBadInput)
	}
	query := url.Values{}
	if email != "" {
		query.Set("email", email)
	}
	if phone != "" {
		query.Set("phone", phone)
	}

	var parsed []map[string]any
	if err := c.doJSON(ctx, http.MethodGet, c.baseURL+contactsSearchPath, query, nil, &parsed); err != nil {
		return nil, err
	}
	return parsed, nil
}

func (c *Client) doJSON(ctx context.Context, method, endpoint string, query url.Values, requestBody any, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryExternal, "crm: acquire access token failed").
			WithTextCode(core.LeadsErrorCRMRejected)
	}

	status, body, err := c.roundTrip(ctx, method, endpoint, query, requestBody, token)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized {
		// Token revoked ahead of its advertised expiry; refresh once.
		c.tokens.Invalidate()
		token, err = c.tokens.Token(ctx)
		if err != nil {
			return goerrors.Wrap(err, goerrors.CategoryExternal, "crm: refresh access token failed").
				WithTextCode(core.LeadsErrorCRMRejected)
		}
		status, body, err = c.roundTrip(ctx, method, endpoint, query, requestBody, token)
		if err != nil {
			return err
		}
	}

	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		return apiError(status, body)
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryExternal, "crm: decode api response failed").
			WithTextCode(core.LeadsErrorCRMRejected)
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, method, endpoint string, query url.Values, requestBody any, token string) (int, []byte, error) {
	requestCtx := ctx
	cancel := func() {}
	if c.timeout > 0 {
		requestCtx, cancel = context.WithTimeout(ctx, c.timeout)
	}
	defer cancel()

	var reader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return 0, nil, goerrors.Wrap(err, goerrors.CategoryInternal, "crm: encode api request failed")
		}
		reader = bytes.NewReader(encoded)
	}
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	httpReq, err := http.NewRequestWithContext(requestCtx, method, endpoint, reader)
	if err != nil {
		return 0, nil, goerrors.Wrap(err, goerrors.CategoryInternal, "crm: build api request failed")
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Accept", "application/json")
	if requestBody != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	response, err := c.httpClient.Do(httpReq)
	if err != nil {
		return 0, nil, goerrors.Wrap(err, goerrors.CategoryExternal, "crm: api request failed").
			WithTextCode(core.LeadsErrorCRMRejected)
	}
	defer response.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(response.Body, maxAPIResponseBodyBytes+1))
	if readErr != nil {
		return 0, nil, goerrors.Wrap(readErr, goerrors.CategoryExternal, "crm: read api response failed").
			WithTextCode(core.LeadsErrorCRMRejected)
	}
	if int64(len(body)) > maxAPIResponseBodyBytes {
		return 0, nil, goerrors.New(
			fmt.Sprintf("crm: api response exceeds %d bytes", maxAPIResponseBodyBytes),
			goerrors.CategoryExternal,
		).WithTextCode(core.LeadsErrorCRMRejected)
	}
	return response.StatusCode, body, nil
}

// apiError classifies a non-2xx response. Client errors other than timeouts
// and throttling are permanent; everything else is worth a retry.
func apiError(status int, body []byte) *goerrors.Error {
	detail := core.TruncateErrorText(string(body), maxErrorBodyBytes)
	message := fmt.Sprintf("crm: api error (%d)", status)
	if detail != "" {
		message = fmt.Sprintf("%s: %s", message, detail)
	}
	category := goerrors.CategoryExternal
	if status >= 400 && status < 500 &&
		status != http.StatusRequestTimeout && status != http.StatusTooManyRequests {
		category = goerrors.CategoryOperation
	}
	return goerrors.New(message, category).
		WithTextCode(core.LeadsErrorCRMRejected).
		WithCode(status)
}

var _ core.CRMClient = (*Client)(nil)
