package core

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"slices"
	"sort"
	"strings"
)

// credentialHeaders tie a request to one user.
var credentialHeaders = []string{"Authorization", "Cookie"}

// HasCredentials reports whether h carries a cookie or an Authorization header.
func HasCredentials(h http.Header) bool {
	for _, name := range credentialHeaders {
		if h.Get(name) != "" {
			return true
		}
	}
	return false
}

// Credentials returns a copy of the credential headers of h.
func Credentials(h http.Header) http.Header {
	out := http.Header{}
	for _, name := range credentialHeaders {
		for _, v := range h.Values(name) {
			out.Add(name, v)
		}
	}
	return out
}

// Identity derives the private partition of a client from its credentials.
// A partition plays the role of one browser profile: its cache entries and
// its windows are never visible to another partition.
type Identity struct {
	// SessionCookies names the cookies that identify a user. When empty every
	// cookie counts, so any change of cookies starts a new partition.
	SessionCookies []string
}

// Partition returns an opaque id for the credentials in h, or "" when h
// carries none of them.
func (id Identity) Partition(h http.Header) string {
	var parts []string
	if auth := h.Get("Authorization"); auth != "" {
		parts = append(parts, "authorization\x00"+auth)
	}
	for _, c := range (&http.Request{Header: h}).Cookies() {
		if len(id.SessionCookies) == 0 || slices.Contains(id.SessionCookies, c.Name) {
			parts = append(parts, "cookie\x00"+c.Name+"\x00"+c.Value)
		}
	}
	if len(parts) == 0 {
		return ""
	}
	sort.Strings(parts)
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x01")))
	return hex.EncodeToString(sum[:16])
}
