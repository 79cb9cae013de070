// ABOUTME: Typed model of the Xray configuration document and its seed
// ABOUTME: skeleton. Only the VLESS client list is interpreted here.

package xray

import (
	"encoding/json"
)

// Client is one authorized identity in the inbound's client list.
type Client struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Flow  string `json:"flow"`
}

// InboundSettings holds the VLESS inbound's client list.
type InboundSettings struct {
	Clients    []Client        `json:"clients"`
	Decryption string          `json:"decryption"`
	Fallbacks  json.RawMessage `json:"fallbacks,omitempty"`
}

// Inbound is one listener in the document. Everything except Settings is
// opaque to this package.
type Inbound struct {
	Port           int             `json:"port"`
	Protocol       string          `json:"protocol"`
	Settings       InboundSettings `json:"settings"`
	StreamSettings json.RawMessage `json:"streamSettings,omitempty"`
	Sniffing       json.RawMessage `json:"sniffing,omitempty"`
}

// Document is the proxy's full configuration. The client list inside the
// first inbound is the only part this package reads or writes; the raw
// sections round-trip untouched.
type Document struct {
	Log       json.RawMessage `json:"log,omitempty"`
	Inbounds  []Inbound       `json:"inbounds,omitempty"`
	Outbounds json.RawMessage `json:"outbounds,omitempty"`
	Routing   json.RawMessage `json:"routing,omitempty"`
}

// Empty reports whether the document has no inbound to hold clients. A
// missing or unreadable file loads as an empty document.
func (d *Document) Empty() bool {
	return d == nil || len(d.Inbounds) == 0
}

// Clients returns the first inbound's client list. Empty documents have no
// clients.
func (d *Document) Clients() []Client {
	if d.Empty() {
		return nil
	}
	return d.Inbounds[0].Settings.Clients
}

// ContainsID reports whether an entry with the given identifier exists.
func (d *Document) ContainsID(id string) bool {
	for _, c := range d.Clients() {
		if c.ID == id {
			return true
		}
	}
	return false
}

// setClients replaces the first inbound's client list. No-op on an empty
// document; callers seed via GetOrCreate first.
func (d *Document) setClients(clients []Client) {
	if d.Empty() {
		return
	}
	d.Inbounds[0].Settings.Clients = clients
}

// Seed holds the configuration baked into a freshly created document.
type Seed struct {
	Port       int    // inbound listen port
	ServerName string // site the Reality handshake camouflages as
	PrivateKey string // Reality private key
	ShortID    string // Reality short id offered to clients
}

// Static document sections, identical for every deployment.
var (
	defaultLog       = json.RawMessage(`{"loglevel":"warning"}`)
	defaultSniffing  = json.RawMessage(`{"enabled":true,"destOverride":["http","tls"]}`)
	defaultOutbounds = json.RawMessage(`[{"protocol":"freedom","settings":{}},{"protocol":"blackhole","settings":{},"tag":"blocked"}]`)
	defaultRouting   = json.RawMessage(`{"rules":[{"type":"field","ip":["geoip:private"],"outboundTag":"blocked"}]}`)
)

type realitySettings struct {
	Show        bool     `json:"show"`
	Dest        string   `json:"dest"`
	ServerNames []string `json:"serverNames"`
	PrivateKey  string   `json:"privateKey"`
	ShortIDs    []string `json:"shortIds"`
}

type streamSettings struct {
	Network         string          `json:"network"`
	Security        string          `json:"security"`
	RealitySettings realitySettings `json:"realitySettings"`
	TCPSettings     struct{}        `json:"tcpSettings"`
}

// NewDocument builds the minimal working document: one VLESS Reality inbound
// with an empty client list, direct egress, private ranges blackholed.
func NewDocument(seed Seed) *Document {
	stream, err := json.Marshal(streamSettings{
		Network:  "tcp",
		Security: "reality",
		RealitySettings: realitySettings{
			Show:        false,
			Dest:        seed.ServerName + ":443",
			ServerNames: []string{seed.ServerName, "www." + seed.ServerName},
			PrivateKey:  seed.PrivateKey,
			ShortIDs:    []string{seed.ShortID},
		},
	})
	if err != nil {
		panic("xray: failed to marshal stream settings: " + err.Error())
	}

	return &Document{
		Log: defaultLog,
		Inbounds: []Inbound{{
			Port:     seed.Port,
			Protocol: "vless",
			Settings: InboundSettings{
				Clients:    []Client{},
				Decryption: "none",
				Fallbacks:  json.RawMessage(`[]`),
			},
			StreamSettings: stream,
			Sniffing:       defaultSniffing,
		}},
		Outbounds: defaultOutbounds,
		Routing:   defaultRouting,
	}
}

// dedupeClients drops entries violating the uniqueness invariants. Duplicate
// identifiers keep the first occurrence; duplicate non-empty emails keep the
// last, evicting the earlier holder. Returns the cleaned list and how many
// entries were dropped.
func dedupeClients(clients []Client) ([]Client, int) {
	seenIDs := make(map[string]bool, len(clients))
	emailHolder := make(map[string]string, len(clients)) // email -> id currently kept
	kept := make([]Client, 0, len(clients))
	fixed := 0

	for _, c := range clients {
		if seenIDs[c.ID] {
			fixed++
			continue
		}
		seenIDs[c.ID] = true

		if c.Email != "" {
			if prev, ok := emailHolder[c.Email]; ok {
				out := kept[:0]
				for _, k := range kept {
					if k.ID != prev {
						out = append(out, k)
					}
				}
				kept = out
				fixed++
			}
			emailHolder[c.Email] = c.ID
		}
		kept = append(kept, c)
	}

	return kept, fixed
}
