// Copyright (c) 2026 Wiresmith Authors
// SPDX-License-Identifier: MIT

package netconfig

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderParseRoundTrip(t *testing.T) {
	iface := interfaceSection{PrivateKey: "priv-key", ListenPort: 51820, Address: "10.10.0.1/16"}
	peers := []peerSection{
		{PublicKey: "peer-b", AllowedIPs: "10.10.0.3/32", Endpoint: "198.51.100.2:51820", PersistentKeepalive: 25},
		{PublicKey: "peer-a", AllowedIPs: "10.10.0.2/32", Endpoint: "198.51.100.1:51820", PersistentKeepalive: 25},
	}

	data := renderConfig(iface, peers)

	gotIface, gotPeers, err := parseConfig(data)
	require.NoError(t, err)
	assert.Equal(t, iface, gotIface)
	require.Len(t, gotPeers, 2)
	// renderConfig sorts by public key for idempotence.
	assert.Equal(t, "peer-a", gotPeers[0].PublicKey)
	assert.Equal(t, "peer-b", gotPeers[1].PublicKey)
}

func TestRenderConfig_IsIdempotentAcrossInputOrder(t *testing.T) {
	iface := interfaceSection{PrivateKey: "priv-key", ListenPort: 51820, Address: "10.10.0.1/16"}
	peersA := []peerSection{
		{PublicKey: "peer-a", AllowedIPs: "10.10.0.2/32", Endpoint: "198.51.100.1:51820", PersistentKeepalive: 25},
		{PublicKey: "peer-b", AllowedIPs: "10.10.0.3/32", Endpoint: "198.51.100.2:51820", PersistentKeepalive: 25},
	}
	peersB := []peerSection{peersA[1], peersA[0]}

	assert.Equal(t, renderConfig(iface, peersA), renderConfig(iface, peersB))
}

func TestParseConfig_NoPeers(t *testing.T) {
	data := renderConfig(interfaceSection{PrivateKey: "k", ListenPort: 51820, Address: "10.0.0.1/24"}, nil)
	iface, peers, err := parseConfig(data)
	require.NoError(t, err)
	assert.Empty(t, peers)
	assert.Equal(t, "k", iface.PrivateKey)
}

func TestParseConfig_MissingInterfaceSection(t *testing.T) {
	_, _, err := parseConfig([]byte("[Peer]\nPublicKey = x\n"))
	assert.ErrorContains(t, err, "missing [Interface] section")
}

func TestParseConfig_UnknownKey(t *testing.T) {
	_, _, err := parseConfig([]byte("[Interface]\nBogus = value\n"))
	assert.ErrorContains(t, err, "unknown [Interface] key")
}

func TestParseConfig_MalformedLine(t *testing.T) {
	_, _, err := parseConfig([]byte("[Interface]\nnotakeyvalue\n"))
	assert.ErrorContains(t, err, "expected key = value")
}

func TestRenderNetworkCompanion(t *testing.T) {
	data := renderNetworkCompanion("wg0")
	assert.Contains(t, string(data), "Name = wg0")
	assert.Contains(t, string(data), "DHCP = no")
}
