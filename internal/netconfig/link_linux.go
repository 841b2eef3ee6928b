// Copyright (c) 2026 Wiresmith Authors
// SPDX-License-Identifier: MIT

//go:build linux

package netconfig

import (
	"fmt"

	"github.com/vishvananda/netlink"
)

// linkIsUp reports whether interfaceName currently exists and is up,
// used after a reload to confirm networkd actually applied the new
// configuration rather than silently leaving the link administratively
// down.
func linkIsUp(interfaceName string) (bool, error) {
	link, err := netlink.LinkByName(interfaceName)
	if err != nil {
		return false, fmt.Errorf("find interface %s: %w", interfaceName, err)
	}
	return link.Attrs().Flags&netlink.FlagUp != 0, nil
}
