package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"order-fulfillment/internal/domain"
)

const (
	problemValidation = "validation_error"
	problemNotFound   = "not_found"
	problemConflict   = "invalid_transition"
	problemTransient  = "transient_failure"
	problemInternal   = "internal_error"
)

func WriteJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func WriteProblem(w http.ResponseWriter, code int, typ, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(Problem{
		Type:   typ,
		Title:  http.StatusText(code),
		Status: code,
		Detail: detail,
	})
}

// WriteError answers with the problem body for err's kind.
func WriteError(w http.ResponseWriter, err error) {
	code, typ := classify(err)
	WriteProblem(w, code, typ, err.Error())
}

// classify maps an error kind to its HTTP status and problem type.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, problemValidation
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, problemNotFound
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict, problemConflict
	case errors.Is(err, domain.ErrTransient):
		return http.StatusServiceUnavailable, problemTransient
	}
	return http.StatusInternalServerError, problemInternal
}

// errorFor is the inverse of classify, used by the HTTP client.
func errorFor(p Problem) error {
	var kind error
	switch {
	case p.Status == http.StatusBadRequest:
		kind = domain.ErrValidation
	case p.Status == http.StatusNotFound:
		kind = domain.ErrNotFound
	case p.Status == http.StatusConflict:
		kind = domain.ErrInvalidTransition
	case p.Status >= 500 || p.Status == http.StatusTooManyRequests || p.Status == http.StatusRequestTimeout:
		kind = domain.ErrTransient
	default:
		return &StatusError{Problem: p}
	}
	return fmt.Errorf("%w: %w", kind, &StatusError{Problem: p})
}

// StatusError carries the problem body of a non-2xx response.
type StatusError struct {
	Problem Problem
}

func (e *StatusError) Error() string {
	if e.Problem.Detail != "" {
		return e.Problem.Title + ": " + e.Problem.Detail
	}
	return e.Problem.Title
}
