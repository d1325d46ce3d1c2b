package middleware

import "net/http"

// CORS allows browser clients on other origins to reach the API, including
// the headers the reconnect endpoints expose.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, HEAD, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-User-ID")
		h.Set("Access-Control-Expose-Headers", "X-Stream-Status, X-Stream-Complete, X-Chunk-Count, X-Conversation-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
