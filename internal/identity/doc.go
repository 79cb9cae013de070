// Package identity derives stable subscriber identifiers from credentials
// so that links and access-control entries can be rebuilt without storing
// the identifier separately.
package identity
