package asmodel

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseAccess(t *testing.T) {
	cases := map[string]Access{
		"NONE":  AccessNone,
		"READ":  AccessRead,
		"WRITE": AccessWrite,
		"RPC":   AccessRPC,
	}
	for tok, want := range cases {
		got, ok := ParseAccess(tok)
		assert.True(t, ok, tok)
		assert.Equal(t, want, got)
	}
	_, ok := ParseAccess("BOGUS")
	assert.False(t, ok)
}

func TestAccessOrdering(t *testing.T) {
	assert.True(t, AccessRPC > AccessWrite)
	assert.True(t, AccessWrite > AccessRead)
	assert.True(t, AccessRead > AccessNone)
}

func TestAccessBitmask(t *testing.T) {
	assert.Equal(t, uint8(0), AccessNone.Bitmask())
	assert.Equal(t, uint8(1), AccessRead.Bitmask())
	assert.Equal(t, uint8(2), AccessWrite.Bitmask())
	assert.Equal(t, uint8(4), AccessRPC.Bitmask())
}

func TestParseProtocol(t *testing.T) {
	for _, tok := range []string{"tcp", "TCP"} {
		p, ok := ParseProtocol(tok)
		assert.True(t, ok)
		assert.Equal(t, ProtocolPlain, p)
	}
	for _, tok := range []string{"tls", "TLS"} {
		p, ok := ParseProtocol(tok)
		assert.True(t, ok)
		assert.Equal(t, ProtocolSecure, p)
	}
	_, ok := ParseProtocol("quic")
	assert.False(t, ok)
}
