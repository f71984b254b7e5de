package api

import (
	"encoding/json"
	"net/http"

	"github.com/zoff-tech/go-contactsync/pkg/failures"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err as a failures envelope. Unclassified errors are
// logged and answered with a generic 500.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := failures.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			"path", r.URL.Path, "code", failures.TextCode(err), "error", err,
			"request_id", requestIDFromContext(r.Context()))
	}
	writeJSON(w, status, failures.ToEnvelope(err))
}
