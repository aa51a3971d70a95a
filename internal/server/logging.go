package server

import (
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.code = code
	sr.ResponseWriter.WriteHeader(code)
}

// AccessLogger logs one line per request with method, path, status,
// duration, remote, and req_id, following the teacher's
// internal/middleware.AccessLogger shape.
func AccessLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sr := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sr, r)

		log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", sr.code).
			Dur("duration", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Str("req_id", chimw.GetReqID(r.Context())).
			Msg("http_request")
	})
}
