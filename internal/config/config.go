// Copyright (c) 2026 Wiresmith Authors
// SPDX-License-Identifier: MIT

// Package config assembles and validates the process-local, immutable
// mesh configuration described by wiresmith's CLI surface.
package config

import (
	"fmt"
	"net"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
)

// Default flag values, per the CLI surface.
const (
	DefaultConsulAddress  = "http://127.0.0.1:8500"
	DefaultConsulPrefix   = "wiresmith"
	DefaultUpdatePeriod   = 10 * time.Second
	DefaultWGInterface    = "wg0"
	DefaultWGPort         = 51820
	DefaultPeerTimeout    = 10 * time.Minute
	DefaultNetworkBackend = "networkd"
	DefaultNetworkdDir    = "/etc/systemd/network/"

	// KVSessionTTL and LockWaitTimeout are fixed per spec (not exposed as
	// flags) but are part of the process-local mesh configuration.
	KVSessionTTL    = 15 * time.Second
	LockWaitTimeout = 15 * time.Second

	// BackendCallTimeout bounds every individual KV/kernel/filesystem
	// call made during a tick.
	BackendCallTimeout = 15 * time.Second
)

// Config holds all configuration for a wiresmith process. It is built
// once from CLI flags and never mutated afterward.
type Config struct {
	Network *net.IPNet

	ConsulAddress       string
	ConsulToken         string
	ConsulPrefix        string
	ConsulDatacenter    string
	ConsulTLSSkipVerify bool

	UpdatePeriod time.Duration
	PeerTimeout  time.Duration

	WGInterface string
	WGPort      int

	NetworkBackend string
	NetworkdDir    string

	EndpointInterface string
	EndpointAddress   string

	// Address is the operator-supplied fixed mesh address, or nil to
	// allocate one.
	Address net.IP

	Verbose bool
}

// RegisterFlags adds wiresmith's CLI flags to cmd, matching the flag
// table in §6 of the specification.
func RegisterFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("network", "", "mesh CIDR (required)")
	flags.String("consul-address", DefaultConsulAddress, "HTTP base URL of the KV backend")
	flags.String("consul-token", "", "bearer token for the KV backend")
	flags.String("consul-prefix", DefaultConsulPrefix, "KV key prefix")
	flags.String("consul-datacenter", "", "KV datacenter selector")
	flags.Bool("consul-tls-skip-verify", false, "skip TLS verification when talking to the KV backend")
	flags.Duration("update-period", DefaultUpdatePeriod, "tick interval")
	flags.String("wg-interface", DefaultWGInterface, "WireGuard interface name")
	flags.Int("wg-port", DefaultWGPort, "WireGuard UDP port")
	flags.Duration("peer-timeout", DefaultPeerTimeout, "stale-peer horizon; 0 disables GC")
	flags.String("endpoint-interface", "", "network interface to learn the public endpoint from")
	flags.String("endpoint-address", "", "explicit public endpoint host[:port]")
	flags.String("network-backend", DefaultNetworkBackend, "network-config backend (only \"networkd\" today)")
	flags.String("networkd-dir", DefaultNetworkdDir, "directory for generated networkd config")
	flags.StringP("address", "a", "", "optional fixed mesh address")
	flags.BoolP("verbose", "v", false, "enable debug logging")
}

// FromFlags builds and validates a Config from the flags registered by
// RegisterFlags. All validation errors are collected and returned
// together so the operator sees every problem in one fatal report.
func FromFlags(cmd *cobra.Command) (*Config, error) {
	flags := cmd.Flags()

	var merr *multierror.Error

	networkStr, _ := flags.GetString("network")
	var network *net.IPNet
	if networkStr == "" {
		merr = multierror.Append(merr, fmt.Errorf("--network is required"))
	} else {
		_, parsed, err := net.ParseCIDR(networkStr)
		if err != nil {
			merr = multierror.Append(merr, fmt.Errorf("invalid --network CIDR %q: %w", networkStr, err))
		} else {
			network = parsed
		}
	}

	backend, _ := flags.GetString("network-backend")
	if backend != DefaultNetworkBackend {
		merr = multierror.Append(merr, fmt.Errorf("unsupported --network-backend %q: only %q is valid today", backend, DefaultNetworkBackend))
	}

	endpointIface, _ := flags.GetString("endpoint-interface")
	endpointAddr, _ := flags.GetString("endpoint-address")
	if (endpointIface == "") == (endpointAddr == "") {
		merr = multierror.Append(merr, fmt.Errorf("exactly one of --endpoint-interface or --endpoint-address is required"))
	}

	var fixedAddr net.IP
	addrStr, _ := flags.GetString("address")
	if addrStr != "" {
		fixedAddr = net.ParseIP(addrStr)
		if fixedAddr == nil {
			merr = multierror.Append(merr, fmt.Errorf("invalid --address %q", addrStr))
		} else if network != nil && !network.Contains(fixedAddr) {
			merr = multierror.Append(merr, fmt.Errorf("--address %s is not inside --network %s", addrStr, networkStr))
		}
	}

	updatePeriod, _ := flags.GetDuration("update-period")
	if updatePeriod <= 0 {
		merr = multierror.Append(merr, fmt.Errorf("--update-period must be positive"))
	}

	peerTimeout, _ := flags.GetDuration("peer-timeout")
	if peerTimeout < 0 {
		merr = multierror.Append(merr, fmt.Errorf("--peer-timeout must be >= 0"))
	}

	wgPort, _ := flags.GetInt("wg-port")
	if wgPort <= 0 || wgPort > 65535 {
		merr = multierror.Append(merr, fmt.Errorf("--wg-port %d out of range", wgPort))
	}

	if err := merr.ErrorOrNil(); err != nil {
		return nil, &UsageError{Err: err}
	}

	consulAddress, _ := flags.GetString("consul-address")
	consulToken, _ := flags.GetString("consul-token")
	consulPrefix, _ := flags.GetString("consul-prefix")
	consulDC, _ := flags.GetString("consul-datacenter")
	consulTLSSkip, _ := flags.GetBool("consul-tls-skip-verify")
	wgInterface, _ := flags.GetString("wg-interface")
	networkdDir, _ := flags.GetString("networkd-dir")
	verbose, _ := flags.GetBool("verbose")

	return &Config{
		Network:             network,
		ConsulAddress:       consulAddress,
		ConsulToken:         consulToken,
		ConsulPrefix:        consulPrefix,
		ConsulDatacenter:    consulDC,
		ConsulTLSSkipVerify: consulTLSSkip,
		UpdatePeriod:        updatePeriod,
		PeerTimeout:         peerTimeout,
		WGInterface:         wgInterface,
		WGPort:              wgPort,
		NetworkBackend:      backend,
		NetworkdDir:         networkdDir,
		EndpointInterface:   endpointIface,
		EndpointAddress:     endpointAddr,
		Address:             fixedAddr,
		Verbose:             verbose,
	}, nil
}

// UsageError wraps a CLI validation failure from FromFlags. cmd/wiresmith
// exits with status 2 for these, per §6's "exit code 2 on usage error,"
// distinguishing a bad invocation from a runtime fatal error (status 1).
type UsageError struct {
	Err error
}

func (e *UsageError) Error() string { return e.Err.Error() }
func (e *UsageError) Unwrap() error { return e.Err }

// HandshakeGraceWindow is the greater of 2×update_period and 3 minutes,
// per §4.5's tie-break rule: below it, an unobserved peer's "never"
// last-tx does not trigger garbage collection.
func (c *Config) HandshakeGraceWindow() time.Duration {
	twice := 2 * c.UpdatePeriod
	const floor = 3 * time.Minute
	if twice > floor {
		return twice
	}
	return floor
}
