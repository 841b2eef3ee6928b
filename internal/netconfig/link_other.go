// Copyright (c) 2026 Wiresmith Authors
// SPDX-License-Identifier: MIT

//go:build !linux

package netconfig

import "fmt"

// linkIsUp is unsupported outside Linux; wiresmith's networkd backend is
// Linux-only, matching spec.md's "networkd" requirement.
func linkIsUp(interfaceName string) (bool, error) {
	return false, fmt.Errorf("link state query is only supported on linux")
}
