// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package middleware

import (
	"encoding/json"
	"net/http"
	"runtime/debug"

	"github.com/rs/zerolog/log"
)

// Recovery catches panics escaping a handler. When no response has started it
// returns a generic JSON 500; when a stream is already underway it only logs,
// since the status line and headers are committed and nothing structured can
// follow partial output.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}

			log.Error().
				Str("request_id", GetRequestID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Msg("panic in handler")

			if sw, ok := w.(*statusWriter); ok && sw.wrote {
				return
			}

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "Internal server error"})
		}()

		next.ServeHTTP(w, r)
	})
}
