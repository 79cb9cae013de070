// Package reconcile implements the periodic sweep that keeps the proxy's
// access list in agreement with the subscription database.
//
// The subscription rows are the source of truth. Each sweep walks every row
// and converges two properties: the row carries a current-format connection
// link, and the access document contains an entry exactly when the row is
// active. Divergence in either direction (rows toggled through the API,
// links from an older deployment, entries orphaned by hand edits) is healed
// on the next tick.
//
// # Sweep Order
//
// A sweep runs three phases in a fixed order:
//
//  1. Integrity pass: duplicate access entries are collapsed, the proxy
//     config file is validated, and the service is started if it is not
//     running.
//  2. Row processing: for each subscription row, the stored link is issued
//     or regenerated as needed, then the access entry is added or removed
//     to match the active flag. Rows are independent; a failure on one row
//     is recorded in the report and the sweep continues.
//  3. Restart: if anything changed the access document, a single service
//     restart is issued at the end. N row changes never cause more than
//     one restart.
//
// # Identifier Stability
//
// A row's access identifier is derived deterministically from its
// credentials, so deactivating and later reactivating a subscription
// restores the same identifier and existing client configurations keep
// working. Regeneration of a stored link (legacy format, stale display
// name) preserves the identifier already embedded in it; only a link that
// no longer decodes is re-derived.
//
// # Restart Handling
//
// The need for a restart is tracked as a pending flag on the Reconciler.
// When a restart fails, or is withheld because pre-restart validation
// rejected the config file, the flag survives to the next sweep and the
// restart is retried even if that sweep changes nothing.
package reconcile
