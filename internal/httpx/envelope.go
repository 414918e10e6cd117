package httpx

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// StatusError reports a non-200 response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: HTTP %d", redact(e.URL), e.StatusCode)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var e *StatusError
	return errors.As(err, &e) && e.StatusCode == code
}

// ErrNoData is returned when the envelope decodes but carries no data.
var ErrNoData = errors.New("response has no data")

// APIError is a non-zero envelope code.
type APIError struct {
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %s: %s", e.Code, e.Message)
}

// Envelope is the {code, message, data} wrapper used by the metadata API.
type Envelope struct {
	Code    json.RawMessage `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// code normalises numeric and string codes; the API sends both.
func (e Envelope) code() string {
	return strings.Trim(string(bytes.TrimSpace(e.Code)), `"`)
}

// DecodeEnvelope checks the status, decodes the envelope and unmarshals its
// data into out. A null or absent data field yields ErrNoData.
func DecodeEnvelope(resp *http.Response, out any) error {
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return &StatusError{URL: resp.Request.URL.String(), StatusCode: resp.StatusCode}
	}
	var env Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if c := env.code(); c != "" && c != "0" {
		return &APIError{Code: c, Message: env.Message}
	}
	data := bytes.TrimSpace(env.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return ErrNoData
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}

// redact strips the query string, which carries tokens once signed.
func redact(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		return raw[:i]
	}
	return raw
}
