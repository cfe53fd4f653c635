// Package ferrors defines the error taxonomy from the gateway's error
// handling design: seven categories distinguishing how a failure is
// caused, logged, and surfaced to a caller, each carrying a short reason
// code that is safe to expose on the wire via the x-ferrum-error header.
package ferrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Category classifies a gateway error for logging and response mapping.
type Category string

const (
	CategoryConfig  Category = "config"  // validation, parse, uniqueness
	CategorySource  Category = "source"  // DB unreachable, RPC disconnect, file IO
	CategoryAuth    Category = "auth"    // admin/CP/DP JWT invalid, plugin auth failure
	CategoryRoute   Category = "route"   // no match
	CategoryUpstream Category = "upstream" // connect/read/write/timeout, TLS, DNS
	CategoryLimit   Category = "limit"   // header/body size
	CategoryPlugin  Category = "plugin"  // config invalid, runtime panic
)

// Error is the gateway's typed error carrying the header reason code and
// the HTTP status its category maps to by default. Components may wrap
// it with fmt.Errorf("...: %w", err) for added context; Category/Code
// survive unwrapping via errors.As.
type Error struct {
	Category Category
	Code     string // short reason code, exposed verbatim as x-ferrum-error
	Status   int    // default HTTP status for this error; callers may override
	Err      error  // underlying cause, if any
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(cat Category, code string, status int, cause error) *Error {
	return &Error{Category: cat, Code: code, Status: status, Err: cause}
}

// Config wraps a configuration validation/parse/uniqueness failure.
func Config(code string, cause error) *Error {
	return newErr(CategoryConfig, code, http.StatusInternalServerError, cause)
}

// Source wraps a distribution-source failure (DB, CP RPC, file IO). These
// are never fatal at runtime: the caller logs and retries with backoff.
func Source(code string, cause error) *Error {
	return newErr(CategorySource, code, http.StatusServiceUnavailable, cause)
}

// Auth wraps an authentication/authorization failure. status defaults to
// 401; RPC callers map this to Unauthenticated instead.
func Auth(code string, cause error) *Error {
	return newErr(CategoryAuth, code, http.StatusUnauthorized, cause)
}

// Route wraps a routing miss (404).
func Route(code string) *Error {
	return newErr(CategoryRoute, code, http.StatusNotFound, nil)
}

// Upstream wraps a backend connect/read/write/timeout/TLS/DNS failure.
// status should be 502 for connect/DNS/TLS failures and 504 for timeouts.
func Upstream(code string, status int, cause error) *Error {
	return newErr(CategoryUpstream, code, status, cause)
}

// Limit wraps a header/body size violation (413/431).
func Limit(code string, status int) *Error {
	return newErr(CategoryLimit, code, status, nil)
}

// Plugin wraps a plugin configuration or runtime failure (500 for
// runtime panics recovered mid-pipeline).
func Plugin(code string, cause error) *Error {
	return newErr(CategoryPlugin, code, http.StatusInternalServerError, cause)
}

// As extracts a *Error from err's chain, if present.
func As(err error) (*Error, bool) {
	var fe *Error
	ok := errors.As(err, &fe)
	return fe, ok
}

// Header is the response header carrying the reason code (§7).
const Header = "x-ferrum-error"

// WriteHeader sets the x-ferrum-error header on w if err carries a
// *Error; it is a no-op otherwise. Callers are responsible for writing
// the status code and body separately.
func WriteHeader(w http.ResponseWriter, err error) {
	if fe, ok := As(err); ok {
		w.Header().Set(Header, string(fe.Category)+"-"+fe.Code)
	}
}

// Reason codes used across the gateway. Not exhaustive: components may
// mint additional codes local to their own failures as long as they
// stay within one of the Category buckets above.
const (
	CodeListenPathConflict   = "listen-path-conflict"
	CodeInvalidField         = "invalid-field"
	CodeMissingRequired      = "missing-required"
	CodeReferenceNotFound    = "reference-not-found"
	CodeSourceUnreachable    = "source-unreachable"
	CodeStreamDisconnected   = "stream-disconnected"
	CodeFileUnreadable       = "file-unreadable"
	CodeInvalidCredential    = "invalid-credential"
	CodeJWTInvalid           = "jwt-invalid"
	CodeNoIdentifiedConsumer = "no-identified-consumer"
	CodeRouteMiss            = "route-miss"
	CodeUpstreamConnect      = "upstream-connect"
	CodeUpstreamTimeout      = "upstream-timeout"
	CodeUpstreamTLS          = "upstream-tls"
	CodeDNSFailure           = "dns-failure"
	CodeHeaderTooLarge       = "header-too-large"
	CodeBodyTooLarge         = "body-too-large"
	CodePluginConfigInvalid  = "plugin-config-invalid"
	CodePluginPanic          = "plugin-panic"
)
