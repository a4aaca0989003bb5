// Package identity derives stable caller fingerprints from the dual identity
// (X-User-ID header + network peer) presented on each request.
package identity

import (
	"fmt"
	"hash/fnv"
	"net"
	"net/http"
	"strings"
)

// CallerIdentity is what the HTTP layer knows about a caller.
type CallerIdentity struct {
	UserID   string // empty when the header is absent
	PeerAddr string
}

// FromRequest extracts the caller identity from a request. The leftmost entry
// of X-Forwarded-For is the original client; without it we fall back to the
// direct peer address.
func FromRequest(r *http.Request) CallerIdentity {
	userID := strings.TrimSpace(r.Header.Get("X-User-ID"))

	peer := r.RemoteAddr
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		peer = strings.TrimSpace(strings.Split(fwd, ",")[0])
	} else if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		// SplitHostPort keeps the full IPv6 address intact; a naive split on
		// ':' would collapse distinct v6 peers onto one fingerprint.
		peer = host
	}
	if peer == "" {
		peer = "unknown"
	}

	return CallerIdentity{UserID: userID, PeerAddr: peer}
}

// Fingerprint returns an opaque identifier for the caller. Equality is the
// only contract; callers must not parse it. Same (user_id, peer) always
// hashes identically, and a missing user_id degrades to the peer alone.
func Fingerprint(id CallerIdentity) string {
	h := fnv.New64a()
	h.Write([]byte(id.UserID))
	h.Write([]byte{'|'})
	h.Write([]byte(id.PeerAddr))
	return fmt.Sprintf("fp-%016x", h.Sum64())
}
