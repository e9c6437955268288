package cache

import (
	"net/http"

	"chatus/internal/core"
)

// strippedHeaders are removed from every response before it is written.
var strippedHeaders = []string{"Set-Cookie", "Set-Cookie2"}

// Storable reports whether resp may be written to a namespace at all: a 2xx
// status other than 206 Partial Content, without a no-store directive.
func Storable(resp *core.Response) bool {
	return resp.OK() &&
		resp.StatusCode != http.StatusPartialContent &&
		!resp.HasCacheDirective("no-store")
}

// Shared reports whether the response to req may be served to any client.
// Responses that set cookies or are marked private never are. A response to
// a request carrying credentials is shared only when marked public.
func Shared(req *core.Request, resp *core.Response) bool {
	if resp.HasCacheDirective("private") || len(resp.Header.Values("Set-Cookie")) > 0 {
		return false
	}
	if !core.HasCredentials(req.Header) {
		return true
	}
	return resp.HasCacheDirective("public")
}

// partitionKey scopes key to one client. Request keys always start with "/",
// so a partitioned key never equals a shared one.
func partitionKey(partition, key string) string {
	return "~" + partition + key
}

// StorageKey returns the key resp to req is written under, and false when it
// must not be written. Private responses go to the requesting client's
// partition; without one they are not stored.
func (m *Manager) StorageKey(req *core.Request, resp *core.Response) (string, bool) {
	if !Storable(resp) {
		return "", false
	}
	if Shared(req, resp) {
		return req.Key(), true
	}
	partition := m.identity.Partition(req.Header)
	if partition == "" {
		return "", false
	}
	return partitionKey(partition, req.Key()), true
}

// lookupKeys lists the keys req may be answered from, most specific first:
// the client's own partition, then the shared entry.
func (m *Manager) lookupKeys(req *core.Request) []string {
	key := req.Key()
	if partition := m.identity.Partition(req.Header); partition != "" {
		return []string{partitionKey(partition, key), key}
	}
	return []string{key}
}
