// Copyright (c) 2026 Wiresmith Authors
// SPDX-License-Identifier: MIT

package netconfig

import (
	"bufio"
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

type interfaceSection struct {
	PrivateKey string
	ListenPort int
	Address    string
}

type peerSection struct {
	PublicKey           string
	AllowedIPs          string
	Endpoint            string
	PersistentKeepalive int
}

// renderConfig serializes iface and peers into the INI artifact
// described by §6: one [Interface] section, zero or more [Peer]
// sections. Peers are sorted by public key so that repeated ticks with
// identical input produce byte-identical output, per the config
// idempotence testable property.
func renderConfig(iface interfaceSection, peers []peerSection) []byte {
	sorted := make([]peerSection, len(peers))
	copy(sorted, peers)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PublicKey < sorted[j].PublicKey })

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "[Interface]\n")
	fmt.Fprintf(&buf, "PrivateKey = %s\n", iface.PrivateKey)
	fmt.Fprintf(&buf, "ListenPort = %d\n", iface.ListenPort)
	fmt.Fprintf(&buf, "Address = %s\n", iface.Address)

	for _, p := range sorted {
		fmt.Fprintf(&buf, "\n[Peer]\n")
		fmt.Fprintf(&buf, "PublicKey = %s\n", p.PublicKey)
		fmt.Fprintf(&buf, "AllowedIPs = %s\n", p.AllowedIPs)
		fmt.Fprintf(&buf, "Endpoint = %s\n", p.Endpoint)
		fmt.Fprintf(&buf, "PersistentKeepalive = %d\n", p.PersistentKeepalive)
	}

	return buf.Bytes()
}

// renderNetworkCompanion produces the minimal .network file that tells
// networkd to manage the interface wiresmith owns.
func renderNetworkCompanion(interfaceName string) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "[Match]\nName = %s\n\n[Network]\nDHCP = no\n", interfaceName)
	return buf.Bytes()
}

// parseConfig parses the INI artifact back into its interface and peer
// sections. It returns an error for any content that is not valid
// [Interface]/[Peer] INI.
func parseConfig(data []byte) (interfaceSection, []peerSection, error) {
	var iface interfaceSection
	var peers []peerSection
	var current *peerSection
	sawInterface := false

	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case line == "[Interface]":
			sawInterface = true
			current = nil
			continue
		case line == "[Peer]":
			peers = append(peers, peerSection{})
			current = &peers[len(peers)-1]
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return interfaceSection{}, nil, fmt.Errorf("line %d: expected key = value, got %q", lineNo, line)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		if current != nil {
			if err := setPeerField(current, key, value); err != nil {
				return interfaceSection{}, nil, fmt.Errorf("line %d: %w", lineNo, err)
			}
			continue
		}

		if err := setInterfaceField(&iface, key, value); err != nil {
			return interfaceSection{}, nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return interfaceSection{}, nil, err
	}
	if !sawInterface {
		return interfaceSection{}, nil, fmt.Errorf("missing [Interface] section")
	}

	return iface, peers, nil
}

func setInterfaceField(iface *interfaceSection, key, value string) error {
	switch key {
	case "PrivateKey":
		iface.PrivateKey = value
	case "ListenPort":
		port, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid ListenPort %q: %w", value, err)
		}
		iface.ListenPort = port
	case "Address":
		iface.Address = value
	default:
		return fmt.Errorf("unknown [Interface] key %q", key)
	}
	return nil
}

func setPeerField(peer *peerSection, key, value string) error {
	switch key {
	case "PublicKey":
		peer.PublicKey = value
	case "AllowedIPs":
		peer.AllowedIPs = value
	case "Endpoint":
		peer.Endpoint = value
	case "PersistentKeepalive":
		ka, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid PersistentKeepalive %q: %w", value, err)
		}
		peer.PersistentKeepalive = ka
	default:
		return fmt.Errorf("unknown [Peer] key %q", key)
	}
	return nil
}
