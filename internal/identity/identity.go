// ABOUTME: Deterministic subscriber identity derivation from credentials.
// ABOUTME: The same username/password pair always maps to the same UUID.

package identity

import (
	"github.com/google/uuid"
)

// FromCredentials derives a subscriber's UUID from their credentials.
// It computes a version 5 (SHA-1) UUID over the RFC 4122 DNS namespace of
// "username:password", so repeated calls with the same credentials reproduce
// the same identifier on every host. This is what lets the reconciler rebuild
// a lost or malformed link without persisting the UUID anywhere.
func FromCredentials(username, password string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceDNS, []byte(username+":"+password))
}

// Email builds the human-readable tag attached to a subscriber's
// access-control entry, e.g. "alice@vpn.example". The tag acts as a
// secondary key in the client list: at most one entry may carry it.
func Email(username, domain string) string {
	return username + "@" + domain
}
