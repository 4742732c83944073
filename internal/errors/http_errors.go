package errors

import (
	"encoding/json"
	"net/http"
)

type HTTPError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// HandleHTTPError handles http errors
func HandleHTTPError(w http.ResponseWriter, err error) {
	httpErr := ToHTTPError(err)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpErr.Code)
	json.NewEncoder(w).Encode(httpErr)
}

// ToHTTPError maps the error taxonomy onto status codes. Anything unknown becomes a
// generic 500 so provider messages never reach the client.
func ToHTTPError(err error) *HTTPError {
	var (
		badRequest   *BadRequestError
		notFound     *NotFoundError
		duplicate    *TransactionDuplicateError
		conflict     *ConflictError
		verification *VerificationError
		transition   *InvalidTransitionError
		unauthorized *UnauthorizedError
	)
	switch {
	case As(err, &badRequest):
		return &HTTPError{Code: http.StatusBadRequest, Message: badRequest.Error()}
	case As(err, &notFound):
		return &HTTPError{Code: http.StatusNotFound, Message: notFound.Error()}
	case As(err, &duplicate):
		return &HTTPError{Code: http.StatusUnprocessableEntity, Message: duplicate.Error()}
	case As(err, &conflict):
		return &HTTPError{Code: http.StatusConflict, Message: conflict.Error()}
	case As(err, &verification):
		return &HTTPError{Code: http.StatusUnprocessableEntity, Message: verification.Message}
	case As(err, &transition):
		return &HTTPError{Code: http.StatusConflict, Message: transition.Error()}
	case As(err, &unauthorized):
		return &HTTPError{Code: http.StatusUnauthorized, Message: unauthorized.Error()}
	default:
		return &HTTPError{Code: http.StatusInternalServerError, Message: "Internal server error"}
	}
}
