// ABOUTME: Tests for the VLESS link codec.
// ABOUTME: Pins the exact wire format and the encode/decode round-trip.

package vless

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testParams() Params {
	return Params{
		Host:        "vpn.example.com",
		Port:        443,
		PublicKey:   "xTxkoRJKg5CbLkTYceCTVwU9RPDMxwqeILMSPYEtV0M",
		Fingerprint: "chrome",
		ServerName:  "www.microsoft.com",
		ShortID:     "6ba85179e30d4fc2",
		Remark:      "Halcyon VPN 🚀",
	}
}

func TestEncode_WireFormat(t *testing.T) {
	// Byte-exact: deployed clients hold links in this shape, so neither the
	// parameter order nor the remark encoding may drift.
	link := Encode("0243315f-40ac-5c97-a42c-5a3f28af9d69", testParams())

	want := "vless://0243315f-40ac-5c97-a42c-5a3f28af9d69@vpn.example.com:443" +
		"?type=tcp&security=reality" +
		"&pbk=xTxkoRJKg5CbLkTYceCTVwU9RPDMxwqeILMSPYEtV0M" +
		"&fp=chrome&sni=www.microsoft.com&sid=6ba85179e30d4fc2" +
		"&encryption=none#Halcyon%20VPN%20%F0%9F%9A%80"
	assert.Equal(t, want, link)
}

func TestEncode_RemarkEscaping(t *testing.T) {
	p := testParams()

	p.Remark = "plain"
	assert.Contains(t, Encode("id", p), "#plain")

	// Spaces become %20, never "+".
	p.Remark = "a b"
	assert.Contains(t, Encode("id", p), "#a%20b")

	p.Remark = ""
	link := Encode("id", p)
	assert.Equal(t, "#", link[len(link)-1:])
}

func TestExtractID_RoundTrip(t *testing.T) {
	// The identifier survives encoding regardless of the parameters around it.
	ids := []string{
		"0243315f-40ac-5c97-a42c-5a3f28af9d69",
		"12380856-dba1-59bd-97d6-00bf11535d9a",
	}
	params := []Params{
		testParams(),
		{Host: "10.0.0.1", Port: 8443, PublicKey: "k", Fingerprint: "firefox", ServerName: "example.org", ShortID: "01ab", Remark: ""},
		{Host: "vpn.example.com", Port: 443, Remark: "имя с пробелами"},
	}

	for _, id := range ids {
		for _, p := range params {
			got, err := ExtractID(Encode(id, p))
			require.NoError(t, err)
			assert.Equal(t, id, got)
		}
	}
}

func TestExtractID_Malformed(t *testing.T) {
	tests := []struct {
		name string
		link string
		want error
	}{
		{"empty", "", ErrNotVLESS},
		{"wrong scheme", "trojan://abc@host:443", ErrNotVLESS},
		{"scheme only", "vless://", ErrNoID},
		{"no user separator", "vless://host:443?type=tcp", ErrNoID},
		{"empty identifier", "vless://@host:443", ErrNoID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractID(tt.link)
			assert.ErrorIs(t, err, tt.want)
			assert.Empty(t, got)
		})
	}
}

func TestRemark(t *testing.T) {
	p := testParams()
	link := Encode("id", p)

	// Decodes back to the original display name, emoji included.
	assert.Equal(t, "Halcyon VPN 🚀", Remark(link))

	assert.Equal(t, "", Remark("vless://id@h:1?type=tcp"), "no fragment")
	assert.Equal(t, "", Remark("vless://id@h:1?x=1#bad%zz"), "undecodable fragment")
}

func TestIsReality(t *testing.T) {
	assert.True(t, IsReality(Encode("id", testParams())))
	assert.False(t, IsReality("vless://id@host:443?type=tcp&security=tls#old"))
	assert.False(t, IsReality(""))
}
