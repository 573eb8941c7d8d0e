package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/Trustflow-Network-Labs/settlement-node/internal/payment"
)

const maxBodyBytes = 64 * 1024

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
	// RetryAfter is set for throttled requests, in seconds
	RetryAfter int64 `json:"retry_after,omitempty"`
}

func (s *APIServer) sendJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Debug(fmt.Sprintf("Failed to write response: %v", err), "api")
	}
}

func (s *APIServer) sendError(w http.ResponseWriter, message string, status int) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}

// sendServiceError maps a settlement error to its HTTP status
func (s *APIServer) sendServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	body := ErrorResponse{Error: err.Error(), Retryable: payment.IsRetryable(err)}

	var limitErr *payment.LimitError
	if errors.As(err, &limitErr) {
		wait := limitErr.RetryAfter(time.Now())
		body.RetryAfter = int64(math.Ceil(wait.Seconds()))
		w.Header().Set("Retry-After", strconv.FormatInt(body.RetryAfter, 10))
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error(fmt.Sprintf("Request failed: %v", err), "api")
	}
	s.sendJSON(w, status, body)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, payment.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, payment.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, payment.ErrNetworkUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, payment.ErrSignerUnavailable):
		return http.StatusFailedDependency
	case errors.Is(err, payment.ErrWrongNetwork), errors.Is(err, payment.ErrDuplicateTransaction):
		return http.StatusConflict
	case errors.Is(err, payment.ErrSubmissionFailed):
		return http.StatusBadGateway
	case errors.Is(err, payment.ErrRateLimited), errors.Is(err, payment.ErrDailyCapExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, payment.ErrVerificationFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, payment.ErrExpired):
		return http.StatusGone
	case errors.Is(err, payment.ErrNotYetFinal):
		return http.StatusAccepted
	}
	return http.StatusInternalServerError
}

// decodeBody reads a JSON body into dst and runs its validate tags
func (s *APIServer) decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: request body is required", payment.ErrValidation)
		}
		return fmt.Errorf("%w: invalid request body: %v", payment.ErrValidation, err)
	}

	if err := s.validate.Struct(dst); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			return fmt.Errorf("%w: %s", payment.ErrValidation, describeFieldErrors(fieldErrs))
		}
		return fmt.Errorf("%w: %v", payment.ErrValidation, err)
	}
	return nil
}

func describeFieldErrors(errs validator.ValidationErrors) string {
	parts := make([]string, 0, len(errs))
	for _, fe := range errs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s must satisfy %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s is %s", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(parts, ", ")
}

// pagination reads limit and offset query parameters
func pagination(r *http.Request) (limit, offset int, err error) {
	query := r.URL.Query()
	if v := query.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			return 0, 0, fmt.Errorf("%w: invalid limit %q", payment.ErrValidation, v)
		}
	}
	if v := query.Get("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil || offset < 0 {
			return 0, 0, fmt.Errorf("%w: invalid offset %q", payment.ErrValidation, v)
		}
	}
	return limit, offset, nil
}
