// Package httpx provides the JSON response envelope shared by every API endpoint.
package httpx

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

// Envelope is the uniform response body: {success, message, data, code}.
type Envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data"`
	Code    int    `json:"code"`
}

// JSON sends a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// OK writes a successful envelope.
func OK(w http.ResponseWriter, status int, message string, data any) {
	JSON(w, status, Envelope{Success: true, Message: message, Data: data, Code: status})
}

// Fail writes a failed envelope. data may carry field level details.
func Fail(w http.ResponseWriter, status int, message string, data any) {
	JSON(w, status, Envelope{Success: false, Message: message, Data: data, Code: status})
}

// DecodeJSON decodes the request body into target. An empty body leaves target untouched.
func DecodeJSON(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}
