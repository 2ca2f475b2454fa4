package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrTaskNotFound is matched by API errors with status 404
	ErrTaskNotFound = errors.New("task not found")

	// ErrMalformedResponse is returned when a 2xx body cannot be used
	ErrMalformedResponse = errors.New("malformed response from transcription service")
)

// APIError is a non-2xx answer from the transcription service
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	return e.Detail
}

// HTTPStatus exposes the status code to retry classification
func (e *APIError) HTTPStatus() int {
	return e.StatusCode
}

// Is lets errors.Is(err, ErrTaskNotFound) match 404 answers
func (e *APIError) Is(target error) bool {
	return target == ErrTaskNotFound && e.StatusCode == http.StatusNotFound
}

// errorBody covers the shapes the service uses for failures: FastAPI
// {"detail": "..."} or {"detail": [{"msg": ...}]}, and {"error": "..."}.
type errorBody struct {
	Detail  json.RawMessage `json:"detail"`
	Error   string          `json:"error"`
	Message string          `json:"message"`
}

func newAPIError(statusCode int, status string, body []byte) *APIError {
	e := &APIError{StatusCode: statusCode}

	var eb errorBody
	if err := json.Unmarshal(body, &eb); err == nil {
		e.Detail = detailText(eb.Detail)
		if e.Detail == "" {
			e.Detail = eb.Error
		}
		if e.Detail == "" {
			e.Detail = eb.Message
		}
	}

	if e.Detail == "" {
		if status == "" {
			status = fmt.Sprintf("%d %s", statusCode, http.StatusText(statusCode))
		}
		e.Detail = fmt.Sprintf("transcription service returned %s", status)
	}
	return e
}

func detailText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var items []struct {
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(raw, &items); err == nil {
		msgs := make([]string, 0, len(items))
		for _, it := range items {
			if it.Msg != "" {
				msgs = append(msgs, it.Msg)
			}
		}
		return strings.Join(msgs, "; ")
	}
	return ""
}
