package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"ibn-ledger/gateway/internal/fabric"
	"ibn-ledger/gateway/internal/lifecycle"
	"ibn-ledger/gateway/internal/platform/breaker"
	"ibn-ledger/gateway/internal/queue"
)

// Responses follow the dashboard contract: {"success": true, "data": ...} or
// {"success": false, "error": "..."}.

func writeData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"data":    data,
	})
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error":   message,
	})
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, lifecycle.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, lifecycle.ErrDeployInProgress):
		return http.StatusConflict
	case errors.Is(err, lifecycle.ErrDeploymentNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, breaker.ErrCircuitOpen),
		errors.Is(err, fabric.ErrConnectionTimeout),
		errors.Is(err, fabric.ErrConnectionFailed),
		errors.Is(err, fabric.ErrPoolExhausted),
		errors.Is(err, fabric.ErrPoolClosed),
		errors.Is(err, queue.ErrQueueClosed),
		errors.Is(err, queue.ErrQueueCleared):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// payloadJSON keeps chaincode JSON responses as JSON and wraps everything
// else as a string.
func payloadJSON(payload []byte) any {
	if len(payload) == 0 {
		return nil
	}
	if json.Valid(payload) {
		return json.RawMessage(payload)
	}
	return string(payload)
}
