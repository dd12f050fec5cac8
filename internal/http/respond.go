package httpx

import (
	"encoding/json"
	"net/http"

	"github.com/sungreong/openstream-gallery/internal/fault"
)

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeFault maps a service error onto an HTTP status by its fault kind.
func writeFault(w http.ResponseWriter, err error) {
	writeError(w, statusForFault(err), err.Error())
}

func statusForFault(err error) int {
	switch fault.KindOf(err) {
	case fault.KindInvalidInput:
		return http.StatusBadRequest
	case fault.KindConflict, fault.KindCanceled:
		return http.StatusConflict
	case fault.KindNotFound:
		return http.StatusNotFound
	case fault.KindTransient:
		return http.StatusServiceUnavailable
	case fault.KindBuildFailure:
		return http.StatusUnprocessableEntity
	case fault.KindDeployFailure, fault.KindConfigDrift:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
