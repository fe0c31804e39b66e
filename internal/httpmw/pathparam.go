package httpmw

import (
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
)

// PathParam returns the decoded value of a chi URL parameter. chi matches
// against RawPath when the request has one, so "%2F" reaches the handler
// still escaped; without a RawPath the parameter is already decoded.
// ok is false for a malformed escape.
func PathParam(r *http.Request, name string) (string, bool) {
	v := chi.URLParam(r, name)
	if r.URL.RawPath == "" {
		return v, true
	}
	u, err := url.PathUnescape(v)
	if err != nil {
		return "", false
	}
	return u, true
}
