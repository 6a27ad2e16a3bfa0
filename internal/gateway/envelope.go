package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Envelope is the uniform response body for every gateway route.
type Envelope struct {
	Status   string          `json:"status"`
	Message  string          `json:"message"`
	Data     json.RawMessage `json:"data"`
	Errors   []ErrorDetail   `json:"errors"`
	Metadata Metadata        `json:"metadata"`
}

// ErrorDetail describes one classified failure.
type ErrorDetail struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

// Metadata carries the correlation identifier on every response.
type Metadata struct {
	RequestID string `json:"requestId"`
	Timestamp string `json:"timestamp"`
}

func newMetadata(requestID string) Metadata {
	return Metadata{
		RequestID: requestID,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

func writeSuccess(w http.ResponseWriter, logger zerolog.Logger, status int, data []byte, requestID string) {
	body := data
	if !json.Valid(body) {
		// Downstream returned non-JSON; carry it as a JSON string
		quoted, _ := json.Marshal(string(body))
		body = quoted
	}
	if len(body) == 0 {
		body = []byte("null")
	}

	env := Envelope{
		Status:   "success",
		Message:  "ok",
		Data:     body,
		Errors:   []ErrorDetail{},
		Metadata: newMetadata(requestID),
	}
	if status >= http.StatusBadRequest {
		env.Status = "error"
		env.Message = http.StatusText(status)
	}

	writeEnvelope(w, logger, status, requestID, env)
}

func writeError(w http.ResponseWriter, logger zerolog.Logger, cls *ClassifiedError, requestID string) {
	detail := cls.Message
	if cls.Err != nil {
		detail = cls.Err.Error()
	}

	env := Envelope{
		Status:  "error",
		Message: cls.Message,
		Data:    json.RawMessage("null"),
		Errors: []ErrorDetail{
			{Kind: string(cls.Kind), Detail: detail},
		},
		Metadata: newMetadata(requestID),
	}

	writeEnvelope(w, logger, cls.Status, requestID, env)
}

func writeEnvelope(w http.ResponseWriter, logger zerolog.Logger, status int, requestID string, env Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(RequestIDHeader, requestID)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		logger.Error().Err(err).Str("request_id", requestID).Msg("Failed to write response envelope")
	}
}
