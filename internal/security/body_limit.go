package security

import "net/http"

// BodySizeLimit caps request bodies at max bytes. A declared length over
// the cap is refused with 413; reads past the cap fail with
// *http.MaxBytesError.
func BodySizeLimit(max int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if max > 0 && r.Body != nil {
				if r.ContentLength > max {
					WriteJSONError(w, r, http.StatusRequestEntityTooLarge, "Request body too large")
					return
				}
				r.Body = http.MaxBytesReader(w, r.Body, max)
			}
			next.ServeHTTP(w, r)
		})
	}
}
