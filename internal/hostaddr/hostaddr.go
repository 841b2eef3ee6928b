// Copyright (c) 2026 Wiresmith Authors
// SPDX-License-Identifier: MIT

// Package hostaddr implements the endpoint-resolution collaborator named
// in §6: turning an interface name into the public endpoint address
// wiresmith advertises for itself.
package hostaddr

import (
	"fmt"
	"net"

	"github.com/wiresmith/wiresmith/internal/meshpeer"
)

// FromInterface returns the first global-scope address configured on
// interfaceName, preferring preferV4 when both families are present.
func FromInterface(interfaceName string, preferV4 bool) (net.IP, error) {
	iface, err := net.InterfaceByName(interfaceName)
	if err != nil {
		return nil, fmt.Errorf("find interface %s: %w", interfaceName, err)
	}

	addrs, err := iface.Addrs()
	if err != nil {
		return nil, fmt.Errorf("list addresses on %s: %w", interfaceName, err)
	}

	var v4, v6 net.IP
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipNet.IP
		if !isGlobalUnicast(ip) {
			continue
		}
		if ip4 := ip.To4(); ip4 != nil {
			if v4 == nil {
				v4 = ip4
			}
		} else if v6 == nil {
			v6 = ip
		}
	}

	if preferV4 && v4 != nil {
		return v4, nil
	}
	if !preferV4 && v6 != nil {
		return v6, nil
	}
	if v4 != nil {
		return v4, nil
	}
	if v6 != nil {
		return v6, nil
	}
	return nil, fmt.Errorf("interface %s has no global-scope address", interfaceName)
}

func isGlobalUnicast(ip net.IP) bool {
	return ip.IsGlobalUnicast()
}

// Resolve computes the final host:port endpoint to advertise, given
// exactly one of interfaceName or explicitAddress (mutually exclusive,
// enforced by config.FromFlags), the mesh CIDR (used to pick an address
// family when resolving from an interface), and the WireGuard listen
// port used as a default when explicitAddress omits one.
func Resolve(interfaceName, explicitAddress string, mesh *net.IPNet, port int) (string, error) {
	if explicitAddress != "" {
		if _, _, err := net.SplitHostPort(explicitAddress); err == nil {
			return explicitAddress, nil
		}
		return net.JoinHostPort(explicitAddress, fmt.Sprintf("%d", port)), nil
	}

	preferV4 := mesh == nil || mesh.IP.To4() != nil
	ip, err := FromInterface(interfaceName, preferV4)
	if err != nil {
		return "", err
	}
	return meshpeer.FormatEndpoint(ip.String(), uint16(port)), nil
}
