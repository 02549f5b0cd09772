package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"llmd/internal/llm"
	"llmd/internal/manager"
	"llmd/pkg/types"
)

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, kind, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Kind: kind, Code: status})
}

// writeError maps err onto an HTTP status and writes it.
func writeError(w http.ResponseWriter, err error) int {
	status := statusFor(err)
	kind := string(llm.KindOf(err))
	if !errors.As(err, new(*llm.Error)) {
		kind = ""
	}
	writeJSONError(w, status, kind, err.Error())
	return status
}

func statusFor(err error) int {
	if manager.IsModelNotRunning(err) {
		return http.StatusConflict
	}
	switch llm.KindOf(err) {
	case llm.KindBackendNotFound, llm.KindModelNotFound:
		return http.StatusNotFound
	case llm.KindBackendNotRunning, llm.KindDisposed:
		return http.StatusServiceUnavailable
	case llm.KindBoot, llm.KindHTTP, llm.KindSerialization:
		return http.StatusBadGateway
	case llm.KindIO:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
