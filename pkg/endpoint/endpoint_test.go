package endpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHostAndPort(t *testing.T) {
	ep, err := Parse("vault.example:443")
	require.NoError(t, err)
	assert.Equal(t, "vault.example:443", ep.HostAndPort)
	assert.Equal(t, "vault.example", ep.Host)
	assert.Equal(t, 443, ep.Port)
	assert.True(t, ep.HasPort)
}

func TestParseHostOnly(t *testing.T) {
	ep, err := Parse("vault.example")
	require.NoError(t, err)
	assert.Equal(t, "vault.example", ep.HostAndPort)
	assert.False(t, ep.HasPort)
}

func TestParseStripsScheme(t *testing.T) {
	ep, err := Parse("https://vault.example:443/")
	require.NoError(t, err)
	assert.Equal(t, "vault.example:443", ep.HostAndPort)
}

func TestParseInvalid(t *testing.T) {
	cases := []string{"", "host:notaport", "host:999999", "a:b:c"}
	for _, c := range cases {
		_, err := Parse(c)
		assert.Error(t, err, c)
	}
}

func TestCopyIsIndependent(t *testing.T) {
	ep, err := Parse("vault.example:443")
	require.NoError(t, err)
	cp := ep.Copy()
	cp.Host = "mutated"
	assert.NotEqual(t, ep.Host, cp.Host)
}
