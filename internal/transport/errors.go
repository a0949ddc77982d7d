package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrUnauthenticated means the session is gone: renewal failed or the
// renewed credentials were rejected too. Retrying will not help.
var ErrUnauthenticated = errors.New("transport: unauthenticated")

// RequestError is a non-authentication failure. Status is 0 when the request
// never produced an HTTP response.
type RequestError struct {
	Status  int
	Message string
	Code    string
	Err     error
}

func (e *RequestError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("transport: request failed: %s", e.Message)
	}
	return fmt.Sprintf("transport: HTTP %d: %s", e.Status, e.Message)
}

func (e *RequestError) Unwrap() error { return e.Err }

// errorBody is the structured error envelope returned by the API.
type errorBody struct {
	Detail    json.RawMessage `json:"detail"`
	ErrorCode string          `json:"error_code"`
	Message   string          `json:"message"`
}

// newRequestError builds a RequestError from a failed response body. The
// message comes from the structured body when present, else from the status.
func newRequestError(status int, body []byte) *RequestError {
	re := &RequestError{Status: status}
	var eb errorBody
	if len(body) > 0 && json.Unmarshal(body, &eb) == nil {
		re.Code = eb.ErrorCode
		re.Message = detailText(eb.Detail)
		if re.Message == "" {
			re.Message = eb.Message
		}
	}
	if re.Message == "" {
		re.Message = genericMessage(status)
	}
	return re
}

// detailText accepts both `"detail": "text"` and validation-style
// `"detail": [{"msg": "..."}]` bodies.
func detailText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var items []struct {
		Msg string `json:"msg"`
	}
	if json.Unmarshal(raw, &items) == nil {
		var msgs []string
		for _, it := range items {
			if it.Msg != "" {
				msgs = append(msgs, it.Msg)
			}
		}
		return strings.Join(msgs, "; ")
	}
	return ""
}

func genericMessage(status int) string {
	if text := http.StatusText(status); text != "" {
		return fmt.Sprintf("HTTP %d %s", status, text)
	}
	return fmt.Sprintf("HTTP %d", status)
}
