// Copyright (c) 2026 Wiresmith Authors
// SPDX-License-Identifier: MIT

package netconfig

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/wiresmith/wiresmith/internal/logging"
	"github.com/wiresmith/wiresmith/internal/meshpeer"
)

// FileBackend is the concrete Backend writing systemd-networkd-style
// `.netdev`/`.network` files under a configured directory.
type FileBackend struct {
	dir           string
	interfaceName string
	mesh          *net.IPNet
	log           *logging.Logger

	fileLock *flock.Flock
	tracker  *txTracker
	wg       *wgctrlDevice
}

// NewFileBackend constructs a FileBackend for interfaceName, rooted at
// dir (the --networkd-dir value), for the given mesh CIDR.
func NewFileBackend(dir, interfaceName string, mesh *net.IPNet, log *logging.Logger) (*FileBackend, error) {
	lockPath := filepath.Join(dir, "."+interfaceName+".wiresmith.lock")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create networkd dir: %w", err)
	}

	wg, err := newWgctrlDevice(interfaceName)
	if err != nil {
		log.Warnf("wgctrl unavailable, peer liveness observation disabled: %v", err)
	}

	return &FileBackend{
		dir:           dir,
		interfaceName: interfaceName,
		mesh:          mesh,
		log:           log,
		fileLock:      flock.New(lockPath),
		tracker:       newTxTracker(),
		wg:            wg,
	}, nil
}

func (b *FileBackend) netdevPath() string {
	return filepath.Join(b.dir, b.interfaceName+".netdev")
}

func (b *FileBackend) networkPath() string {
	return filepath.Join(b.dir, b.interfaceName+".network")
}

// LoadOrCreateLocal implements Backend.
func (b *FileBackend) LoadOrCreateLocal(ctx context.Context, interfaceName string, port int, mesh *net.IPNet, endpoint string, addrHint net.IP) (*LocalIdentity, error) {
	locked, err := b.fileLock.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("acquire local config lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("local config lock held by another process")
	}
	defer b.fileLock.Unlock()

	path := b.netdevPath()
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read existing config: %w", err)
		}
		return b.createLocal(port, mesh, addrHint)
	}

	iface, _, err := parseConfig(data)
	if err != nil {
		return nil, &ConfigInvalidError{Path: path, Err: err}
	}

	publicKey, err := derivePublicKey(iface.PrivateKey)
	if err != nil {
		return nil, &ConfigInvalidError{Path: path, Err: fmt.Errorf("recover public key: %w", err)}
	}

	addrStr, _, _ := strings.Cut(iface.Address, "/")
	addr := net.ParseIP(addrStr)
	if addr == nil {
		return nil, &ConfigInvalidError{Path: path, Err: fmt.Errorf("unparseable interface address %q", iface.Address)}
	}
	if mesh != nil && !mesh.Contains(addr) {
		return nil, &ConfigInvalidError{Path: path, Err: fmt.Errorf("address %s is outside mesh CIDR %s", addr, mesh)}
	}

	return &LocalIdentity{PrivateKey: iface.PrivateKey, PublicKey: publicKey, Address: addr}, nil
}

func (b *FileBackend) createLocal(port int, mesh *net.IPNet, addrHint net.IP) (*LocalIdentity, error) {
	priv, pub, err := generateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate key pair: %w", err)
	}

	var addr net.IP
	if addrHint != nil {
		if mesh != nil && !mesh.Contains(addrHint) {
			return nil, fmt.Errorf("address hint %s is outside mesh CIDR %s", addrHint, mesh)
		}
		addr = addrHint
	}

	return &LocalIdentity{PrivateKey: priv, PublicKey: pub, Address: addr}, nil
}

// Apply implements Backend: it atomically rewrites the .netdev (and
// .network companion) file and triggers a networkd reload.
func (b *FileBackend) Apply(ctx context.Context, self *LocalIdentity, port int, peers []*meshpeer.Peer) error {
	if self.Address == nil {
		return fmt.Errorf("apply: local mesh address is not yet assigned")
	}

	prefixLen, _ := b.mesh.Mask.Size()
	iface := interfaceSection{
		PrivateKey: self.PrivateKey,
		ListenPort: port,
		Address:    fmt.Sprintf("%s/%d", self.Address, prefixLen),
	}

	peerSections := make([]peerSection, 0, len(peers))
	for _, p := range peers {
		section := p.ToWireGuardSection()
		peerSections = append(peerSections, peerSection{
			PublicKey:           section.PublicKey,
			AllowedIPs:          section.AllowedIPs,
			Endpoint:            section.Endpoint,
			PersistentKeepalive: int(section.PersistentKeepalive.Seconds()),
		})
	}

	netdevContent := renderConfig(iface, peerSections)
	if err := atomicWriteFile(b.netdevPath(), netdevContent, 0o600); err != nil {
		return fmt.Errorf("write netdev config: %w", err)
	}

	networkContent := renderNetworkCompanion(b.interfaceName)
	if err := atomicWriteFile(b.networkPath(), networkContent, 0o644); err != nil {
		return fmt.Errorf("write network companion: %w", err)
	}

	b.reload(ctx)
	return nil
}

// reload triggers the host's networkd reload mechanism. Failures are
// logged but not fatal: the config files themselves are always correct;
// a reload hiccup self-heals on the next successful tick.
func (b *FileBackend) reload(ctx context.Context) {
	cmd := exec.CommandContext(ctx, "networkctl", "reload")
	if err := cmd.Run(); err != nil {
		b.log.Warnf("networkctl reload failed: %v", err)
		return
	}

	if up, err := linkIsUp(b.interfaceName); err != nil {
		b.log.Debugf("could not verify link state for %s: %v", b.interfaceName, err)
	} else if !up {
		b.log.Warnf("interface %s is not up after reload", b.interfaceName)
	}
}

// ObservePeers implements Backend.
func (b *FileBackend) ObservePeers(ctx context.Context) ([]ObservedPeer, error) {
	if b.wg == nil {
		return nil, fmt.Errorf("observe peers: kernel WireGuard control unavailable")
	}
	stats, err := b.wg.peerStats(b.interfaceName)
	if err != nil {
		return nil, fmt.Errorf("observe peers: %w", err)
	}
	return b.tracker.update(stats), nil
}

// Close releases the backend's kernel control handle.
func (b *FileBackend) Close() error {
	if b.wg != nil {
		return b.wg.close()
	}
	return nil
}

// atomicWriteFile writes data to path by creating a temp sibling file,
// fsyncing it, and renaming it into place, so readers never observe a
// partial or empty file.
func atomicWriteFile(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if info, statErr := os.Stat(path); statErr == nil {
		mode = info.Mode()
	}

	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, mode); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file into place: %w", err)
	}
	return nil
}
