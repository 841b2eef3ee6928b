// Copyright (c) 2026 Wiresmith Authors
// SPDX-License-Identifier: MIT

// Package meshpeer defines the on-wire Peer record and its conversion to
// a WireGuard configuration fragment.
package meshpeer

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// PersistentKeepalive is the fixed keepalive interval applied to every
// generated peer section.
const PersistentKeepalive = 25 * time.Second

// Peer is the published record for a single mesh member: its identity,
// its publicly reachable endpoint, and its address inside the mesh CIDR.
type Peer struct {
	PublicKey string
	Endpoint  string
	Address   net.IP
}

// wireFormat is the compact JSON shape Peer is encoded/decoded as.
type wireFormat struct {
	PublicKey string `json:"public_key"`
	Endpoint  string `json:"endpoint"`
	Address   string `json:"address"`
}

// Encode marshals p to its canonical compact-JSON wire form.
func (p *Peer) Encode() ([]byte, error) {
	return json.Marshal(wireFormat{
		PublicKey: p.PublicKey,
		Endpoint:  p.Endpoint,
		Address:   p.Address.String(),
	})
}

// Decode parses a Peer record from JSON, rejecting records whose address
// lies outside mesh or whose public key / endpoint are malformed.
func Decode(data []byte, mesh *net.IPNet) (*Peer, error) {
	var w wireFormat
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode peer: %w", err)
	}

	if err := ValidatePublicKey(w.PublicKey); err != nil {
		return nil, fmt.Errorf("decode peer: %w", err)
	}

	if _, _, err := ParseEndpoint(w.Endpoint); err != nil {
		return nil, fmt.Errorf("decode peer: invalid endpoint: %w", err)
	}

	addr := net.ParseIP(w.Address)
	if addr == nil {
		return nil, fmt.Errorf("decode peer: invalid address %q", w.Address)
	}
	if mesh != nil && !mesh.Contains(addr) {
		return nil, fmt.Errorf("decode peer: address %s is outside mesh CIDR %s", addr, mesh)
	}

	return &Peer{PublicKey: w.PublicKey, Endpoint: w.Endpoint, Address: addr}, nil
}

// ValidatePublicKey checks that key is the standard WireGuard base64
// form: exactly 44 characters, trailing '=', decoding to 32 bytes.
func ValidatePublicKey(key string) error {
	if len(key) != 44 || !strings.HasSuffix(key, "=") {
		return fmt.Errorf("public key %q is not 44 base64 characters with trailing '='", key)
	}
	decoded, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return fmt.Errorf("public key %q is not valid base64: %w", key, err)
	}
	if len(decoded) != 32 {
		return fmt.Errorf("public key %q decodes to %d bytes, want 32", key, len(decoded))
	}
	return nil
}

// ParseEndpoint splits host:port, un-bracketing an IPv6 host if present.
func ParseEndpoint(s string) (host string, port uint16, err error) {
	h, p, err := net.SplitHostPort(s)
	if err != nil {
		return "", 0, err
	}
	parsedPort, err := strconv.ParseUint(p, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q: %w", p, err)
	}
	return h, uint16(parsedPort), nil
}

// FormatEndpoint joins host and port into host:port form, bracketing an
// IPv6 host.
func FormatEndpoint(host string, port uint16) string {
	return net.JoinHostPort(host, strconv.Itoa(int(port)))
}

// HostPrefixLen returns the AllowedIPs prefix length for addr: /32 for
// IPv4, /128 for IPv6.
func HostPrefixLen(addr net.IP) int {
	if addr.To4() != nil {
		return 32
	}
	return 128
}

// WireGuardSection is the rendered form of a single [Peer] section in the
// local network-config artifact.
type WireGuardSection struct {
	PublicKey           string
	AllowedIPs          string
	Endpoint            string
	PersistentKeepalive time.Duration
}

// ToWireGuardSection converts p into the [Peer] section fragment
// described by §4.2: AllowedIPs is the single address/host-prefix, and
// PersistentKeepalive is fixed at 25s.
func (p *Peer) ToWireGuardSection() WireGuardSection {
	return WireGuardSection{
		PublicKey:           p.PublicKey,
		AllowedIPs:          fmt.Sprintf("%s/%d", p.Address.String(), HostPrefixLen(p.Address)),
		Endpoint:            p.Endpoint,
		PersistentKeepalive: PersistentKeepalive,
	}
}
