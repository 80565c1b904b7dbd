package api

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/felixgeelhaar/portalsync/internal/errors"
)

// envelope is the wire shape of every response. Exactly one of Data or
// Error is meaningful: success bodies are {data, message?}, failures are
// {error: {message, statusCode, fields?}}.
type envelope struct {
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message,omitempty"`
	Error   *errorBody      `json:"error,omitempty"`
}

type errorBody struct {
	Message    string            `json:"message"`
	StatusCode int               `json:"statusCode"`
	Fields     map[string]string `json:"fields,omitempty"`
}

// decodeEnvelope validates a response body at the boundary and decodes
// the data member into out. It yields a classified error for error
// envelopes, non-2xx statuses and malformed bodies.
func decodeEnvelope(status int, body []byte, out any) (string, error) {
	trimmed := bytes.TrimSpace(body)

	if status < 200 || status >= 300 {
		return "", errorFromBody(status, trimmed)
	}

	if len(trimmed) == 0 {
		return "", nil
	}

	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return "", errors.NewInvalidEnvelopeError(err)
	}

	if env.Error != nil {
		code := env.Error.StatusCode
		if code < 400 {
			code = 500
		}
		return "", errors.FromStatus(code, env.Error.Message).WithFields(env.Error.Fields)
	}

	if out != nil {
		if len(env.Data) == 0 || string(env.Data) == "null" {
			return env.Message, errors.NewInvalidEnvelopeError(fmt.Errorf("response has no data"))
		}
		if err := json.Unmarshal(env.Data, out); err != nil {
			return env.Message, errors.NewInvalidEnvelopeError(err)
		}
	}

	return env.Message, nil
}

func errorFromBody(status int, body []byte) error {
	var env envelope
	if len(body) > 0 && json.Unmarshal(body, &env) == nil && env.Error != nil {
		return errors.FromStatus(status, env.Error.Message).WithFields(env.Error.Fields)
	}

	// Some endpoints answer with a bare {message}.
	var bare struct {
		Message string `json:"message"`
	}
	if len(body) > 0 && json.Unmarshal(body, &bare) == nil && bare.Message != "" {
		return errors.FromStatus(status, bare.Message)
	}

	return errors.FromStatus(status, "")
}
