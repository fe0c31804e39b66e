// Package httpmw holds the HTTP middleware shared by the public and admin
// listeners.
//
// httpserver.NewHandler composes them outermost first: security headers,
// panic recovery, request ID, client IP, front-door rate limiting, OTel
// tracing, trace and policy response headers, metrics, request logging and
// the chi router.
//
// Request logs never carry query strings, user agents or other
// caller-controlled headers.
package httpmw
