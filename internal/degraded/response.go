package degraded

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// WriteUnavailable writes the structured 503 response route handlers
// return verbatim when a gated feature is disabled.
func WriteUnavailable(w http.ResponseWriter, feature string, retryAfterSec int) {
	if retryAfterSec <= 0 {
		retryAfterSec = 300
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	w.WriteHeader(http.StatusServiceUnavailable)
	_ = json.NewEncoder(w).Encode(struct {
		Success      bool   `json:"success"`
		Error        string `json:"error"`
		Message      string `json:"message"`
		DegradedMode bool   `json:"degradedMode"`
	}{
		Success:      false,
		Error:        "Service temporarily unavailable",
		Message:      "The " + feature + " feature is temporarily disabled while the system recovers. Please try again later.",
		DegradedMode: true,
	})
}
