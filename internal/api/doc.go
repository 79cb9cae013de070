// Package api implements the HTTP admin API for subscription management.
//
// The wire format is frozen: deployed admin tooling depends on the exact
// request and response shapes, including the flat route namespace
// (/login, /add, /users, /patch/{username}, /link) and subscription rows
// carrying their password. Changes here must stay byte-compatible.
//
// Mutating endpoints apply access changes to the proxy immediately so a
// toggled or newly linked subscriber does not wait for the next sweep.
// Those immediate writes are best effort; the reconciler repairs anything
// that fails partway.
//
// /login and /link are rate limited per source IP. /health, /metrics and
// /docs take no token: the service typically sits on a private tailnet and
// the deployed monitoring scrapes them unauthenticated.
package api
