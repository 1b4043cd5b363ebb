package httpx

import (
	"encoding/json"
	"net/http"
)

// writeJSON writes a JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// respondSuccess wraps payload in the API success envelope.
func respondSuccess(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, map[string]any{"success": true, "data": data})
}

// respondError wraps msg in the API failure envelope.
func respondError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}

// respondWebhook uses the status/message envelope the webhook callers expect.
func respondWebhook(w http.ResponseWriter, status int, state, msg string, data any) {
	payload := map[string]any{"status": state, "message": msg}
	if data != nil {
		payload["data"] = data
	}
	writeJSON(w, status, payload)
}
