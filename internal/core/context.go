package core

import (
	"context"
	"net/http"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	credentialsKey
)

// WithRequestID attaches the id echoed in the X-Request-ID header.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// GetRequestID returns the request id, or "" outside a request.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithCredentials attaches the credential headers of the page a command came
// from, so fetches made on its behalf are stored in that client's partition.
// Only Cookie and Authorization are kept.
func WithCredentials(ctx context.Context, h http.Header) context.Context {
	creds := Credentials(h)
	if len(creds) == 0 {
		return ctx
	}
	return context.WithValue(ctx, credentialsKey, creds)
}

// CredentialsFrom returns a copy of the credential headers attached to ctx,
// or an empty header.
func CredentialsFrom(ctx context.Context) http.Header {
	h, _ := ctx.Value(credentialsKey).(http.Header)
	if h == nil {
		return http.Header{}
	}
	return h.Clone()
}
