// ABOUTME: VLESS Reality link codec: encode an identifier plus server
// ABOUTME: parameters into a vless:// URI and extract the identifier back out.

package vless

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Scheme is the URI scheme of every link this package produces.
const Scheme = "vless"

// Link decode errors. Callers treat any of them as "no usable identifier".
var (
	ErrNotVLESS = errors.New("not a vless link")
	ErrNoID     = errors.New("link carries no identifier")
)

// Params holds the static connection parameters embedded in every link.
// They are opaque to this package: changing them changes the encoded link
// but never the identifier inside it.
type Params struct {
	Host        string // public address subscribers connect to
	Port        int
	PublicKey   string // Reality public key (pbk)
	Fingerprint string // TLS fingerprint to mimic (fp)
	ServerName  string // camouflage SNI (sni)
	ShortID     string // Reality short id (sid)
	Remark      string // display name shown in client apps
}

// Encode builds a shareable link for the given identifier. The query
// parameter order is fixed: deployed clients hold links in exactly this
// shape, and regenerated links must stay byte-comparable against them.
func Encode(id string, p Params) string {
	return fmt.Sprintf("%s://%s@%s:%d?type=tcp&security=reality&pbk=%s&fp=%s&sni=%s&sid=%s&encryption=none#%s",
		Scheme, id, p.Host, p.Port, p.PublicKey, p.Fingerprint, p.ServerName, p.ShortID, quote(p.Remark))
}

// ExtractID returns the identifier embedded in a link. Wrong scheme or a
// missing user part is an error, never a panic: the caller falls back to
// re-deriving the identifier from credentials.
func ExtractID(link string) (string, error) {
	rest, ok := strings.CutPrefix(link, Scheme+"://")
	if !ok {
		return "", ErrNotVLESS
	}
	id, _, ok := strings.Cut(rest, "@")
	if !ok || id == "" {
		return "", ErrNoID
	}
	return id, nil
}

// Remark returns the decoded display name from the link's fragment, or ""
// when the link has no fragment or it cannot be decoded.
func Remark(link string) string {
	i := strings.LastIndex(link, "#")
	if i < 0 {
		return ""
	}
	decoded, err := url.PathUnescape(link[i+1:])
	if err != nil {
		return ""
	}
	return decoded
}

// IsReality reports whether the link carries the current Reality security
// parameters. Links predating the Reality rollout lack them and get
// regenerated by the reconciler.
func IsReality(link string) bool {
	return strings.Contains(link, "security=reality")
}

// quote percent-encodes a remark for the URI fragment. Everything outside
// the RFC 3986 unreserved set is escaped, including spaces as %20 rather
// than "+", which is what client apps expect in fragments.
func quote(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
