// Copyright (c) 2026 Wiresmith Authors
// SPDX-License-Identifier: MIT

// Package netconfig is the Network-Config Backend: it writes and reads
// the local WireGuard configuration file consumed by the host's
// networkd-style network manager, and queries kernel state for per-peer
// liveness. It is a narrow capability set the reconciler is parametric
// over; Backend is implemented concretely by *FileBackend.
package netconfig

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/wiresmith/wiresmith/internal/meshpeer"
)

// ErrConfigInvalid is returned by LoadOrCreateLocal when an existing
// config file cannot be parsed, or its address lies outside the mesh
// CIDR. Per the resolved open question in §9, wiresmith refuses and
// exits fatally rather than silently regenerating keys.
var ErrConfigInvalid = errors.New("netconfig: existing local config is invalid")

// LocalIdentity is the host-owned state loaded or created on first
// launch: the key pair and the interface's assigned mesh address.
type LocalIdentity struct {
	PrivateKey string
	PublicKey  string
	Address    net.IP
}

// ObservedPeer is a single entry returned by ObservePeers: the peer's
// public key and the last time data was observed flowing to/from it, or
// the zero time if never observed.
type ObservedPeer struct {
	PublicKey string
	LastTx    time.Time // zero value means "never"
}

// Backend is the narrow capability set the reconciler drives to manage
// the local WireGuard configuration artifact.
type Backend interface {
	// LoadOrCreateLocal returns the host's key pair and mesh address. If
	// a config file for interfaceName already exists, it is parsed and
	// its contents are authoritative; otherwise a new key pair is
	// generated. A new key pair is not written to disk here: it is
	// persisted only when the first Apply writes the config file.
	// addrHint, if non-nil, is used as the mesh address for a brand-new
	// config.
	LoadOrCreateLocal(ctx context.Context, interfaceName string, port int, mesh *net.IPNet, endpoint string, addrHint net.IP) (*LocalIdentity, error)

	// Apply rewrites the on-disk config to contain self's interface
	// section and exactly peers' [Peer] sections, atomically, and
	// triggers the host's interface reload.
	Apply(ctx context.Context, self *LocalIdentity, port int, peers []*meshpeer.Peer) error

	// ObservePeers queries the kernel for per-peer last-data-transmission
	// timestamps.
	ObservePeers(ctx context.Context) ([]ObservedPeer, error)

	// Close releases any resources (kernel control sockets, file locks)
	// held by the backend.
	Close() error
}

// ConfigInvalidError wraps the underlying parse/validation failure.
type ConfigInvalidError struct {
	Path string
	Err  error
}

func (e *ConfigInvalidError) Error() string {
	return fmt.Sprintf("netconfig: invalid config at %s: %v", e.Path, e.Err)
}

func (e *ConfigInvalidError) Unwrap() error { return e.Err }

func (e *ConfigInvalidError) Is(target error) bool { return target == ErrConfigInvalid }
