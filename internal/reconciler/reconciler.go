// Copyright (c) 2026 Wiresmith Authors
// SPDX-License-Identifier: MIT

// Package reconciler implements the distributed reconciliation loop:
// the state machine that owns the local identity, drives the periodic
// tick, applies the KV locking protocol, publishes self, garbage-collects
// dead peers, reconciles local WireGuard config, and handles graceful
// shutdown.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/wiresmith/wiresmith/internal/addralloc"
	"github.com/wiresmith/wiresmith/internal/config"
	"github.com/wiresmith/wiresmith/internal/kv"
	"github.com/wiresmith/wiresmith/internal/logging"
	"github.com/wiresmith/wiresmith/internal/meshpeer"
	"github.com/wiresmith/wiresmith/internal/netconfig"
)

// ErrAddressInUse is returned when an operator-supplied fixed address
// collides with an existing peer's address; it is fatal, per §7.
var ErrAddressInUse = errors.New("reconciler: mesh address already in use by another peer")

// Reconciler drives the control loop described in §4.5.
type Reconciler struct {
	cfg     *config.Config
	kv      kv.Client
	backend netconfig.Backend
	log     *logging.Logger

	endpoint        string
	explicitAddress bool

	self      *netconfig.LocalIdentity
	sessionID string

	// configuredPeers is the set of peer public keys the local config
	// currently contains, as of the end of the last successful step 5.
	// GC in step 4 only considers peers the local WireGuard "currently
	// configures," which is this snapshot, not the freshly-read P.
	configuredPeers map[string]bool

	// firstSeen records when this process first observed each peer's
	// public key in the remote peer set, protecting recently-joined
	// peers from premature GC.
	firstSeen map[string]time.Time

	now func() time.Time
}

// New constructs a Reconciler in the INIT state: it loads or creates the
// local key pair and address, creates a KV session, and records the
// already-resolved local endpoint.
func New(ctx context.Context, cfg *config.Config, kvClient kv.Client, backend netconfig.Backend, endpoint string, log *logging.Logger) (*Reconciler, error) {
	loadCtx, cancel := context.WithTimeout(ctx, config.BackendCallTimeout)
	defer cancel()

	self, err := backend.LoadOrCreateLocal(loadCtx, cfg.WGInterface, cfg.WGPort, cfg.Network, endpoint, cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("load or create local identity: %w", err)
	}

	hostname, _ := os.Hostname()
	sessionName := hostname
	if sessionName == "" {
		sessionName = "wiresmith"
	}

	sessionCtx, sessionCancel := context.WithTimeout(ctx, config.BackendCallTimeout)
	defer sessionCancel()
	sessionID, err := kvClient.CreateSession(sessionCtx, config.KVSessionTTL.String(), sessionName)
	if err != nil {
		return nil, fmt.Errorf("create kv session: %w", err)
	}

	return &Reconciler{
		cfg:             cfg,
		kv:              kvClient,
		backend:         backend,
		log:             log,
		endpoint:        endpoint,
		explicitAddress: cfg.Address != nil,
		self:            self,
		sessionID:       sessionID,
		configuredPeers: make(map[string]bool),
		firstSeen:       make(map[string]time.Time),
		now:             time.Now,
	}, nil
}

func (r *Reconciler) lockKey() string           { return r.cfg.ConsulPrefix + "/.lock" }
func (r *Reconciler) peersPrefix() string       { return r.cfg.ConsulPrefix + "/peers/" }
func (r *Reconciler) peerKey(pub string) string { return r.peersPrefix() + pub }

// Run enters RUNNING and ticks forever on the configured period until a
// SIGINT/SIGTERM triggers SHUTTING DOWN, or a fatal error occurs.
func (r *Reconciler) Run(ctx context.Context) error {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(r.cfg.UpdatePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-sigCtx.Done():
			r.log.Infof("shutdown signal received")
			return r.shutdown()
		case <-ticker.C:
			if err := r.tick(ctx); err != nil {
				r.log.Errorf("fatal error, exiting: %v", err)
				return err
			}
		}
	}
}

// withTimeout derives a bounded-duration context for a single backend
// call, per §5's "individual backend calls have a 15-second timeout."
func (r *Reconciler) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, config.BackendCallTimeout)
}

// tick executes one iteration of steps 1-6 of §4.5. It returns a non-nil
// error only for the fatal cases (address-in-use); transient and
// recoverable failures are logged and cause the tick to be abandoned,
// returning nil so Run proceeds to the next tick.
func (r *Reconciler) tick(ctx context.Context) error {
	tickID := uuid.NewString()[:8]

	// Step 1: acquire lock.
	lockCtx, cancel := r.withTimeout(ctx)
	acquired, err := r.kv.AcquireLock(lockCtx, r.lockKey(), r.sessionID, config.LockWaitTimeout.String())
	cancel()
	if err != nil {
		r.log.Warnf("tick %s: lock acquisition error: %v", tickID, err)
		return nil
	}
	if !acquired {
		r.log.Warnf("tick %s: lock contention, skipping tick", tickID)
		return nil
	}
	defer func() {
		releaseCtx, cancel := r.withTimeout(context.Background())
		defer cancel()
		if err := r.kv.ReleaseLock(releaseCtx, r.lockKey(), r.sessionID); err != nil {
			r.log.Warnf("tick %s: lock release error: %v", tickID, err)
		}
	}()

	return r.tickLocked(ctx, tickID)
}

// tickLocked implements steps 2-5, assuming the caller holds the lock and
// will release it on return (including on panic, via the caller's defer).
func (r *Reconciler) tickLocked(ctx context.Context, tickID string) error {
	// Step 2: read world.
	listCtx, cancel := r.withTimeout(ctx)
	entries, err := r.kv.List(listCtx, r.peersPrefix())
	cancel()
	if err != nil {
		r.log.Warnf("tick %s: list peers error: %v", tickID, err)
		return nil
	}

	peers := make([]*meshpeer.Peer, 0, len(entries))
	for _, e := range entries {
		p, err := meshpeer.Decode(e.Value, r.cfg.Network)
		if err != nil {
			r.log.Warnf("tick %s: skipping unparseable peer record at %s: %v", tickID, e.Key, err)
			continue
		}
		peers = append(peers, p)
	}

	now := r.now()
	for _, p := range peers {
		if _, ok := r.firstSeen[p.PublicKey]; !ok {
			r.firstSeen[p.PublicKey] = now
		}
	}

	mePub := r.self.PublicKey

	// Step 3: determine self.
	peers, fatalErr := r.determineSelf(ctx, tickID, peers, mePub)
	if fatalErr != nil {
		return fatalErr
	}
	if peers == nil {
		// Address exhaustion or a transient publish error: abort the
		// tick, already logged by determineSelf.
		return nil
	}

	// Step 4: garbage-collect dead peers.
	beforeGC := len(peers)
	peers = r.garbageCollect(ctx, tickID, peers, mePub, now)
	collected := beforeGC - len(peers)

	// Step 5: reconcile local config.
	others := make([]*meshpeer.Peer, 0, len(peers))
	for _, p := range peers {
		if p.PublicKey != mePub {
			others = append(others, p)
		}
	}

	applyCtx, cancel := r.withTimeout(ctx)
	err = r.backend.Apply(applyCtx, r.self, r.cfg.WGPort, others)
	cancel()
	if err != nil {
		r.log.Warnf("tick %s: apply local config error: %v", tickID, err)
		return nil
	}

	configured := make(map[string]bool, len(others))
	for _, p := range others {
		configured[p.PublicKey] = true
	}
	r.configuredPeers = configured

	r.log.Infof("tick %s: peers=%d gc=%d configured=%d", tickID, len(peers), collected, len(others))

	return nil
}

// determineSelf implements step 3, including the tie-break rule that
// re-detects a stale self record: if any other peer carries our
// currently-held address, our record is treated as stale and dropped,
// forcing re-allocation. It returns the possibly-mutated peer set, or
// (nil, nil) if the tick should be abandoned without error, or
// (nil, err) for a fatal error.
func (r *Reconciler) determineSelf(ctx context.Context, tickID string, peers []*meshpeer.Peer, mePub string) ([]*meshpeer.Peer, error) {
	meIndex := -1
	for i, p := range peers {
		if p.PublicKey == mePub {
			meIndex = i
		}
	}

	if r.self.Address != nil {
		if conflict := findOtherWithAddress(peers, mePub, r.self.Address); conflict != nil {
			if r.explicitAddress {
				r.log.Errorf("tick %s: fixed address %s already used by peer %s", tickID, r.self.Address, conflict.PublicKey)
				return nil, fmt.Errorf("%w: %s", ErrAddressInUse, r.self.Address)
			}

			r.log.Warnf("tick %s: our address %s collided with peer %s, re-allocating", tickID, r.self.Address, conflict.PublicKey)
			if meIndex >= 0 {
				delCtx, cancel := r.withTimeout(ctx)
				if err := r.kv.Delete(delCtx, r.peerKey(mePub)); err != nil {
					r.log.Warnf("tick %s: delete stale self record error: %v", tickID, err)
				}
				cancel()
				peers = append(peers[:meIndex], peers[meIndex+1:]...)
				meIndex = -1
			}
			r.self.Address = nil
		}
	}

	if meIndex >= 0 {
		return peers, nil
	}

	addr := r.self.Address
	if addr == nil {
		used := make(map[string]bool, len(peers))
		for _, p := range peers {
			used[p.Address.String()] = true
		}
		allocated, err := addralloc.Lowest(r.cfg.Network, used)
		if err != nil {
			r.log.Errorf("tick %s: address allocation error: %v", tickID, err)
			return nil, nil
		}
		addr = allocated
	}

	self := &meshpeer.Peer{PublicKey: mePub, Endpoint: r.endpoint, Address: addr}
	data, err := self.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode self record: %w", err)
	}

	putCtx, cancel := r.withTimeout(ctx)
	err = r.kv.Put(putCtx, r.peerKey(mePub), data, kv.OwnershipSession, r.sessionID)
	cancel()
	if err != nil {
		r.log.Warnf("tick %s: publish self record error: %v", tickID, err)
		return nil, nil
	}

	r.self.Address = addr
	peers = append(peers, self)
	return peers, nil
}

func findOtherWithAddress(peers []*meshpeer.Peer, excludePub string, addr net.IP) *meshpeer.Peer {
	for _, p := range peers {
		if p.PublicKey != excludePub && p.Address.Equal(addr) {
			return p
		}
	}
	return nil
}

// garbageCollect implements step 4: delete remote peer records whose
// liveness has expired, protecting newly-joined peers via firstSeen and
// the handshake grace window.
func (r *Reconciler) garbageCollect(ctx context.Context, tickID string, peers []*meshpeer.Peer, mePub string, now time.Time) []*meshpeer.Peer {
	if r.cfg.PeerTimeout <= 0 {
		return peers
	}

	obsCtx, cancel := r.withTimeout(ctx)
	observed, err := r.backend.ObservePeers(obsCtx)
	cancel()
	if err != nil {
		r.log.Warnf("tick %s: observe peers error, skipping GC: %v", tickID, err)
		return peers
	}

	lastTx := make(map[string]time.Time, len(observed))
	for _, o := range observed {
		lastTx[o.PublicKey] = o.LastTx
	}

	grace := r.cfg.HandshakeGraceWindow()
	stale := make(map[string]bool)

	for _, p := range peers {
		if p.PublicKey == mePub {
			continue
		}
		if !r.configuredPeers[p.PublicKey] {
			continue
		}

		known := now.Sub(r.firstSeen[p.PublicKey])
		if known < r.cfg.PeerTimeout {
			continue
		}

		tx, observed := lastTx[p.PublicKey]
		switch {
		case !observed || tx.IsZero():
			if known >= grace {
				stale[p.PublicKey] = true
			}
		case now.Sub(tx) > r.cfg.PeerTimeout:
			stale[p.PublicKey] = true
		}
	}

	if len(stale) == 0 {
		return peers
	}

	remaining := make([]*meshpeer.Peer, 0, len(peers))
	for _, p := range peers {
		if stale[p.PublicKey] {
			delCtx, cancel := r.withTimeout(ctx)
			if err := r.kv.Delete(delCtx, r.peerKey(p.PublicKey)); err != nil {
				r.log.Warnf("tick %s: delete stale peer %s error: %v", tickID, p.PublicKey, err)
			}
			cancel()
			delete(r.firstSeen, p.PublicKey)
			continue
		}
		remaining = append(remaining, p)
	}

	return remaining
}

// shutdown implements SHUTTING DOWN: best-effort lock acquisition,
// delete the local peer record, release, destroy the session. It always
// deletes the record even if the lock could not be acquired, since
// session destruction would remove it anyway.
func (r *Reconciler) shutdown() error {
	ctx := context.Background()

	lockCtx, cancel := context.WithTimeout(ctx, config.LockWaitTimeout)
	acquired, err := r.kv.AcquireLock(lockCtx, r.lockKey(), r.sessionID, config.LockWaitTimeout.String())
	cancel()
	if err != nil {
		r.log.Warnf("shutdown: lock acquisition error: %v", err)
	}

	delCtx, delCancel := context.WithTimeout(ctx, config.BackendCallTimeout)
	if err := r.kv.Delete(delCtx, r.peerKey(r.self.PublicKey)); err != nil {
		r.log.Warnf("shutdown: delete self record error: %v", err)
	}
	delCancel()

	if acquired {
		relCtx, relCancel := context.WithTimeout(ctx, config.BackendCallTimeout)
		if err := r.kv.ReleaseLock(relCtx, r.lockKey(), r.sessionID); err != nil {
			r.log.Warnf("shutdown: lock release error: %v", err)
		}
		relCancel()
	}

	destroyCtx, destroyCancel := context.WithTimeout(ctx, config.BackendCallTimeout)
	if err := r.kv.DestroySession(destroyCtx, r.sessionID); err != nil {
		r.log.Warnf("shutdown: destroy session error: %v", err)
	}
	destroyCancel()

	if err := r.backend.Close(); err != nil {
		r.log.Warnf("shutdown: close backend error: %v", err)
	}

	r.log.Infof("shutdown complete")
	return nil
}
