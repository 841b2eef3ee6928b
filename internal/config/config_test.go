// Copyright (c) 2026 Wiresmith Authors
// SPDX-License-Identifier: MIT

package config

import (
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildCmd(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "wiresmith"}
	RegisterFlags(cmd)
	require.NoError(t, cmd.Flags().Parse(args))
	return cmd
}

func TestFromFlags_Valid(t *testing.T) {
	cmd := buildCmd(t,
		"--network", "10.10.0.0/16",
		"--endpoint-interface", "eth0",
	)

	cfg, err := FromFlags(cmd)
	require.NoError(t, err)
	assert.Equal(t, "10.10.0.0/16", cfg.Network.String())
	assert.Equal(t, DefaultUpdatePeriod, cfg.UpdatePeriod)
	assert.Equal(t, DefaultWGInterface, cfg.WGInterface)
	assert.Equal(t, DefaultWGPort, cfg.WGPort)
	assert.Nil(t, cfg.Address)
}

func TestFromFlags_MissingNetwork(t *testing.T) {
	cmd := buildCmd(t, "--endpoint-interface", "eth0")
	_, err := FromFlags(cmd)
	assert.ErrorContains(t, err, "--network is required")
}

func TestFromFlags_InvalidCIDR(t *testing.T) {
	cmd := buildCmd(t, "--network", "not-a-cidr", "--endpoint-interface", "eth0")
	_, err := FromFlags(cmd)
	assert.ErrorContains(t, err, "invalid --network CIDR")
}

func TestFromFlags_EndpointOptionsMutuallyExclusive(t *testing.T) {
	cmd := buildCmd(t, "--network", "10.10.0.0/16")
	_, err := FromFlags(cmd)
	assert.ErrorContains(t, err, "exactly one of --endpoint-interface or --endpoint-address")
}

func TestFromFlags_BothEndpointOptionsRejected(t *testing.T) {
	cmd := buildCmd(t, "--network", "10.10.0.0/16", "--endpoint-interface", "eth0", "--endpoint-address", "203.0.113.1")
	_, err := FromFlags(cmd)
	assert.ErrorContains(t, err, "exactly one of --endpoint-interface or --endpoint-address")
}

func TestFromFlags_FixedAddressOutsideCIDR(t *testing.T) {
	cmd := buildCmd(t, "--network", "10.10.0.0/16", "--endpoint-interface", "eth0", "--address", "192.168.1.5")
	_, err := FromFlags(cmd)
	assert.ErrorContains(t, err, "not inside --network")
}

func TestFromFlags_FixedAddressInsideCIDR(t *testing.T) {
	cmd := buildCmd(t, "--network", "10.10.0.0/16", "--endpoint-interface", "eth0", "--address", "10.10.0.5")
	cfg, err := FromFlags(cmd)
	require.NoError(t, err)
	require.NotNil(t, cfg.Address)
	assert.Equal(t, "10.10.0.5", cfg.Address.String())
}

func TestFromFlags_InvalidUpdatePeriod(t *testing.T) {
	cmd := buildCmd(t, "--network", "10.10.0.0/16", "--endpoint-interface", "eth0", "--update-period", "0s")
	_, err := FromFlags(cmd)
	assert.ErrorContains(t, err, "--update-period must be positive")
}

func TestFromFlags_NegativePeerTimeoutRejected(t *testing.T) {
	cmd := buildCmd(t, "--network", "10.10.0.0/16", "--endpoint-interface", "eth0", "--peer-timeout=-1s")
	_, err := FromFlags(cmd)
	assert.ErrorContains(t, err, "--peer-timeout must be >= 0")
}

func TestFromFlags_ZeroPeerTimeoutAllowed(t *testing.T) {
	cmd := buildCmd(t, "--network", "10.10.0.0/16", "--endpoint-interface", "eth0", "--peer-timeout", "0s")
	cfg, err := FromFlags(cmd)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), cfg.PeerTimeout)
}

func TestFromFlags_InvalidWGPort(t *testing.T) {
	cmd := buildCmd(t, "--network", "10.10.0.0/16", "--endpoint-interface", "eth0", "--wg-port", "70000")
	_, err := FromFlags(cmd)
	assert.ErrorContains(t, err, "out of range")
}

func TestFromFlags_UnsupportedNetworkBackend(t *testing.T) {
	cmd := buildCmd(t, "--network", "10.10.0.0/16", "--endpoint-interface", "eth0", "--network-backend", "nmcli")
	_, err := FromFlags(cmd)
	assert.ErrorContains(t, err, "unsupported --network-backend")
}

func TestFromFlags_AggregatesMultipleErrors(t *testing.T) {
	cmd := buildCmd(t, "--update-period", "0s")
	_, err := FromFlags(cmd)
	require.Error(t, err)
	assert.ErrorContains(t, err, "--network is required")
	assert.ErrorContains(t, err, "--update-period must be positive")
	assert.ErrorContains(t, err, "exactly one of --endpoint-interface or --endpoint-address")
}

func TestHandshakeGraceWindow(t *testing.T) {
	tests := []struct {
		name   string
		period time.Duration
		want   time.Duration
	}{
		{name: "short update period floors at 3 minutes", period: 10 * time.Second, want: 3 * time.Minute},
		{name: "long update period dominates", period: 5 * time.Minute, want: 10 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{UpdatePeriod: tt.period}
			assert.Equal(t, tt.want, cfg.HandshakeGraceWindow())
		})
	}
}
