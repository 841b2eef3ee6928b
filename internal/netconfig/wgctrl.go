// Copyright (c) 2026 Wiresmith Authors
// SPDX-License-Identifier: MIT

package netconfig

import (
	"fmt"
	"sync"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl"
)

// peerStat is a single kernel-observed peer counter sample.
type peerStat struct {
	PublicKey string
	RxBytes   int64
	TxBytes   int64
}

// wgctrlDevice queries the kernel WireGuard device via the standard
// wgctrl userspace control socket.
type wgctrlDevice struct {
	client        *wgctrl.Client
	interfaceName string
}

func newWgctrlDevice(interfaceName string) (*wgctrlDevice, error) {
	client, err := wgctrl.New()
	if err != nil {
		return nil, fmt.Errorf("create wgctrl client: %w", err)
	}
	return &wgctrlDevice{client: client, interfaceName: interfaceName}, nil
}

func (d *wgctrlDevice) peerStats(interfaceName string) ([]peerStat, error) {
	device, err := d.client.Device(interfaceName)
	if err != nil {
		return nil, fmt.Errorf("query device %s: %w", interfaceName, err)
	}

	stats := make([]peerStat, len(device.Peers))
	for i, p := range device.Peers {
		stats[i] = peerStat{
			PublicKey: p.PublicKey.String(),
			RxBytes:   p.ReceiveBytes,
			TxBytes:   p.TransmitBytes,
		}
	}
	return stats, nil
}

func (d *wgctrlDevice) close() error {
	return d.client.Close()
}

// txState is the tracker's bookkeeping for a single peer's byte
// counters, used to detect "last data transmission" ourselves: wgctrl
// exposes cumulative counters and a last-handshake time, but not a
// last-data-transmission timestamp, so the tracker treats any increase
// in the cumulative counters since the previous tick as "transmission
// observed now," per the resolution of the open question in §9.
type txState struct {
	rxBytes    int64
	txBytes    int64
	lastChange time.Time
}

// txTracker remembers the previous tick's byte counters per peer so
// ObservePeers can report a last-data-transmission timestamp instead of
// wgctrl's raw cumulative counters.
type txTracker struct {
	mu    sync.Mutex
	state map[string]*txState
}

func newTxTracker() *txTracker {
	return &txTracker{state: make(map[string]*txState)}
}

// update folds a fresh sample of kernel counters into the tracker and
// returns the resulting last-tx observations. A peer's first sample only
// establishes its baseline and is reported as "never": a single sample
// cannot distinguish "just joined, already flowing" from "counters
// inherited from a stale tracker." After that, a peer reports the time of
// the latest sample in which either counter increased, and stays "never"
// until such a sample is seen. Peers missing from a sample are forgotten.
func (t *txTracker) update(stats []peerStat) []ObservedPeer {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	seen := make(map[string]bool, len(stats))
	out := make([]ObservedPeer, 0, len(stats))

	for _, s := range stats {
		seen[s.PublicKey] = true
		prev, ok := t.state[s.PublicKey]
		if !ok {
			t.state[s.PublicKey] = &txState{rxBytes: s.RxBytes, txBytes: s.TxBytes}
			out = append(out, ObservedPeer{PublicKey: s.PublicKey})
			continue
		}

		if s.RxBytes > prev.rxBytes || s.TxBytes > prev.txBytes {
			prev.lastChange = now
		}
		prev.rxBytes = s.RxBytes
		prev.txBytes = s.TxBytes

		out = append(out, ObservedPeer{PublicKey: s.PublicKey, LastTx: prev.lastChange})
	}

	for key := range t.state {
		if !seen[key] {
			delete(t.state, key)
		}
	}

	return out
}
