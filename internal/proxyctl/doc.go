// Package proxyctl drives the lifecycle of the external Xray proxy process
// through systemctl.
//
// The proxy cannot live-reload its client list, so every access-control
// change is applied with a full unit restart. All operations are best-effort
// and non-throwing: instead of Go errors they return a Result whose Outcome
// distinguishes "ran and succeeded", "ran and reported failure", "timed
// out", and "binary or unit unavailable", so callers can pick a retry policy
// per failure class. A failed restart never corrupts anything: the document
// on disk already reflects desired state and the next sweep retries.
//
// Every command is bounded by a timeout (3s for status queries, 10s for
// restarts and config validation) on top of whatever deadline the caller's
// context carries.
package proxyctl
