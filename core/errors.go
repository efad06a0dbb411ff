package core

import (
	"errors"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	LeadsErrorBadInput           = "LEADS_BAD_INPUT"
	LeadsErrorAgentNotFound      = "LEADS_AGENT_NOT_FOUND"
	LeadsErrorSubmissionNotFound = "LEADS_SUBMISSION_NOT_FOUND"
	LeadsErrorQueueUnavailable   = "LEADS_QUEUE_UNAVAILABLE"
	LeadsErrorCRMRejected        = "LEADS_CRM_REJECTED"
	LeadsErrorOwnerUnroutable    = "LEADS_OWNER_UNROUTABLE"
	LeadsErrorInternal           = "LEADS_INTERNAL_ERROR"
)

func leadsErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureLeadsErrorEnvelope(richErr)
	}

	switch {
	case errors.Is(err, ErrAgentNotFound):
		return newLeadsError(err.Error(), goerrors.CategoryNotFound, LeadsErrorAgentNotFound)
	case errors.Is(err, ErrSubmissionNotFound):
		return newLeadsError(err.Error(), goerrors.CategoryNotFound, LeadsErrorSubmissionNotFound)
	case errors.Is(err, ErrQueueUnavailable):
		return newLeadsError(err.Error(), goerrors.CategoryExternal, LeadsErrorQueueUnavailable)
	case errors.Is(err, ErrInvalidSubmissionStatusTransition):
		return newLeadsError(err.Error(), goerrors.CategoryConflict, LeadsErrorInternal)
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "owner id"):
		return newLeadsError(err.Error(), goerrors.CategoryOperation, LeadsErrorOwnerUnroutable)
	case strings.Contains(msg, "crm"):
		return newLeadsError(err.Error(), goerrors.CategoryExternal, LeadsErrorCRMRejected)
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"), strings.Contains(msg, "malformed"):
		return newLeadsError(err.Error(), goerrors.CategoryBadInput, LeadsErrorBadInput)
	}

	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensureLeadsErrorEnvelope(mapped)
}

func newLeadsError(message string, category goerrors.Category, textCode string) *goerrors.Error {
	return ensureLeadsErrorEnvelope(
		goerrors.New(message, category).
			WithTextCode(textCode),
	)
}

func ensureLeadsErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = leadsHTTPStatus(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultLeadsTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultLeadsTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return LeadsErrorBadInput
	case goerrors.CategoryNotFound:
		return LeadsErrorAgentNotFound
	case goerrors.CategoryExternal:
		return LeadsErrorCRMRejected
	case goerrors.CategoryOperation:
		return LeadsErrorOwnerUnroutable
	default:
		return LeadsErrorInternal
	}
}

func leadsHTTPStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryExternal:
		return http.StatusBadGateway
	case goerrors.CategoryOperation:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
