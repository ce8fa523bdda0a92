package handlers

import (
	"net/http"

	"gatewatch/internal/services/stream"
)

// StreamHandler serves the annotated MJPEG stream of the lane named in the path.
func StreamHandler(streams *stream.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := streams.Handler(r.PathValue("lane"))
		if h == nil {
			http.NotFound(w, r)
			return
		}
		h.ServeHTTP(w, r)
	}
}
