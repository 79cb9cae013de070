// Package vless encodes and decodes shareable VLESS Reality connection
// links.
//
// A link embeds a subscriber identifier plus the server's static transport
// parameters:
//
//	vless://<id>@<host>:<port>?type=tcp&security=reality&pbk=...&fp=...&sni=...&sid=...&encryption=none#<name>
//
// The parameters come from configuration at encode time, so re-encoding an
// existing identifier with fresh configuration is the sanctioned way to
// migrate a deployed link without changing the identity inside it. Decoding
// is tolerant: malformed input yields an error, and callers fall back to
// re-deriving the identifier from credentials.
package vless
