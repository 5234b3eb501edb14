package collab

import "errors"

var (
	// ErrUnknownSession marks an event addressed to a document with no live
	// replica. It is never reported to clients.
	ErrUnknownSession = errors.New("unknown session")
	// ErrTransportFailure is returned by a Transport that cannot take a frame.
	ErrTransportFailure = errors.New("transport failure")
	// ErrForbidden marks an event the participant's role does not allow.
	ErrForbidden = errors.New("forbidden")
	// ErrDocumentNotFound is returned by an AccessChecker for documents that
	// do not exist.
	ErrDocumentNotFound = errors.New("document not found")
)

// Codes carried by join-error and update-error.
const (
	CodeBadRequest      = "BAD_REQUEST"
	CodeUnauthenticated = "UNAUTHENTICATED"
	CodeForbidden       = "FORBIDDEN"
	CodeNotFound        = "NOT_FOUND"
	CodeInternal        = "INTERNAL"
	CodeMalformedUpdate = "MALFORMED_UPDATE"
)
