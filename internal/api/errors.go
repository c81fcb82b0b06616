// Structured API error types and JSON response writers, mapping the runtime
// error taxonomy onto HTTP at this boundary only: the orchestration core
// never deals in status codes.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/zeroshot/fleet/internal/api/dto"
	"github.com/zeroshot/fleet/internal/errs"
)

// apiError is a concrete error with status code, error code, optional
// details, and an optional wrapped cause.
type apiError struct {
	statusCode int
	code       dto.ErrorCode
	message    string
	details    map[string]any
	wrappedErr error
}

func (e *apiError) Error() string {
	if e.wrappedErr != nil {
		return fmt.Sprintf("%s: %v", e.message, e.wrappedErr)
	}
	return e.message
}

func (e *apiError) StatusCode() int         { return e.statusCode }
func (e *apiError) Code() dto.ErrorCode     { return e.code }
func (e *apiError) Details() map[string]any { return e.details }
func (e *apiError) Unwrap() error           { return e.wrappedErr }

// Wrap attaches an underlying cause.
func (e *apiError) Wrap(err error) *apiError {
	e.wrappedErr = err
	return e
}

func badRequest(msg string) *apiError {
	return &apiError{statusCode: http.StatusBadRequest, code: dto.CodeBadRequest, message: msg}
}

func notFound(resource string) *apiError {
	return &apiError{statusCode: http.StatusNotFound, code: dto.CodeNotFound, message: resource + " not found"}
}

func conflict(msg string) *apiError {
	return &apiError{statusCode: http.StatusConflict, code: dto.CodeConflict, message: msg}
}

// fromRuntime translates a core error into an apiError using the sentinel
// taxonomy.
func fromRuntime(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errs.ErrNotFound):
		return notFound("cluster").Wrap(err)
	case errors.Is(err, errs.ErrConflict):
		return conflict(err.Error())
	case errors.Is(err, errs.ErrConfiguration):
		return badRequest(err.Error())
	default:
		return err
	}
}

// writeError writes a structured JSON error response. If err implements
// dto.ErrorWithStatus the status, code and details come from it; otherwise
// 500.
func writeError(w http.ResponseWriter, err error) {
	statusCode := http.StatusInternalServerError
	code := dto.CodeInternalError
	var details map[string]any

	var ews dto.ErrorWithStatus
	if errors.As(err, &ews) {
		statusCode = ews.StatusCode()
		code = ews.Code()
		details = ews.Details()
	}

	slog.Error("handler error", "err", err, "statusCode", statusCode, "code", code)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	resp := dto.ErrorResponse{
		Error:   dto.ErrorDetails{Code: code, Message: err.Error()},
		Details: details,
	}
	if encErr := json.NewEncoder(w).Encode(resp); encErr != nil {
		slog.Warn("failed to encode error response", "err", encErr)
	}
}

// writeJSONResponse writes a JSON success response or a structured error
// response, unifying both paths into a single call.
func writeJSONResponse[Out any](w http.ResponseWriter, output *Out, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if encErr := json.NewEncoder(w).Encode(output); encErr != nil {
		slog.Warn("failed to encode JSON response", "err", encErr)
	}
}
