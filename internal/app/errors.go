package app

import (
	"errors"
	"fmt"
	"net/http"

	"neura/api/internal/auth"
	"neura/api/internal/collab"
	"neura/api/internal/gitrepo"
	"neura/api/internal/session"
	"neura/api/internal/store"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

var errUnauthorized = domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, collab.ErrDocumentNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Document not found", nil
	case errors.Is(err, gitrepo.ErrRevisionNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Revision not found", nil
	case errors.Is(err, gitrepo.ErrNoHistory):
		return http.StatusNotFound, "NOT_FOUND", "Document has no saved history", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken),
		errors.Is(err, session.ErrTicketNotFound), errors.Is(err, errNoCredential):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
