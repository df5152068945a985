package web

import (
	"net/http"

	"telegram-ingest-fabric/internal/infra/logger"
)

// writeResponse writes data and logs (rather than panics) on a failed write —
// the client is usually just gone by then.
func writeResponse(w http.ResponseWriter, data []byte) {
	if _, err := w.Write(data); err != nil {
		logger.Errorf("web: failed to write response: %v", err)
	}
}
