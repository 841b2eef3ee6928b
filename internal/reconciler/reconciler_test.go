// Copyright (c) 2026 Wiresmith Authors
// SPDX-License-Identifier: MIT

package reconciler

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wiresmith/wiresmith/internal/config"
	"github.com/wiresmith/wiresmith/internal/kv"
	"github.com/wiresmith/wiresmith/internal/logging"
	"github.com/wiresmith/wiresmith/internal/meshpeer"
	"github.com/wiresmith/wiresmith/internal/netconfig"
)

// fakeKV is a hand-rolled in-memory kv.Client for exercising the
// reconciler's tick logic without a real Consul-compatible backend.
type fakeKV struct {
	mu    sync.Mutex
	store map[string][]byte

	acquireErr error
	acquireOK  bool
	listErr    error
	putErr     error
	deleteErr  error
}

func newFakeKV() *fakeKV {
	return &fakeKV{store: make(map[string][]byte), acquireOK: true}
}

func (f *fakeKV) Get(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.store[key]
	if !ok {
		return nil, kv.ErrNotFound
	}
	return v, nil
}

func (f *fakeKV) List(ctx context.Context, prefix string) ([]kv.Entry, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var entries []kv.Entry
	for k, v := range f.store {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			entries = append(entries, kv.Entry{Key: k, Value: v})
		}
	}
	return entries, nil
}

func (f *fakeKV) Put(ctx context.Context, key string, value []byte, ownership kv.Ownership, sessionID string) error {
	if f.putErr != nil {
		return f.putErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.store[key] = value
	return nil
}

func (f *fakeKV) Delete(ctx context.Context, key string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.store, key)
	return nil
}

func (f *fakeKV) CreateSession(ctx context.Context, ttl string, name string) (string, error) {
	return "session-1", nil
}

func (f *fakeKV) DestroySession(ctx context.Context, sessionID string) error { return nil }

func (f *fakeKV) AcquireLock(ctx context.Context, key string, sessionID string, wait string) (bool, error) {
	if f.acquireErr != nil {
		return false, f.acquireErr
	}
	return f.acquireOK, nil
}

func (f *fakeKV) ReleaseLock(ctx context.Context, key string, sessionID string) error { return nil }

func (f *fakeKV) put(t *testing.T, prefix string, p *meshpeer.Peer) {
	t.Helper()
	data, err := p.Encode()
	require.NoError(t, err)
	f.mu.Lock()
	f.store[prefix+p.PublicKey] = data
	f.mu.Unlock()
}

// fakeBackend is a hand-rolled netconfig.Backend.
type fakeBackend struct {
	identity    *netconfig.LocalIdentity
	applied     []*meshpeer.Peer
	appliedSelf *netconfig.LocalIdentity
	observed    []netconfig.ObservedPeer
	applyErr    error
	observeErr  error
}

func (b *fakeBackend) LoadOrCreateLocal(ctx context.Context, interfaceName string, port int, mesh *net.IPNet, endpoint string, addrHint net.IP) (*netconfig.LocalIdentity, error) {
	return b.identity, nil
}

func (b *fakeBackend) Apply(ctx context.Context, self *netconfig.LocalIdentity, port int, peers []*meshpeer.Peer) error {
	if b.applyErr != nil {
		return b.applyErr
	}
	b.appliedSelf = self
	b.applied = peers
	return nil
}

func (b *fakeBackend) ObservePeers(ctx context.Context) ([]netconfig.ObservedPeer, error) {
	return b.observed, b.observeErr
}

func (b *fakeBackend) Close() error { return nil }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	_, mesh, err := net.ParseCIDR("10.10.0.0/16")
	require.NoError(t, err)
	return &config.Config{
		Network:      mesh,
		ConsulPrefix: "wiresmith",
		UpdatePeriod: 10 * time.Second,
		PeerTimeout:  0,
		WGInterface:  "wg0",
		WGPort:       51820,
	}
}

func newTestReconciler(t *testing.T, cfg *config.Config, kvClient *fakeKV, backend *fakeBackend, endpoint string) *Reconciler {
	t.Helper()
	r, err := New(context.Background(), cfg, kvClient, backend, endpoint, logging.New(false))
	require.NoError(t, err)
	return r
}

func TestTick_FirstTickAllocatesAndPublishesSelf(t *testing.T) {
	cfg := testConfig(t)
	kvClient := newFakeKV()
	backend := &fakeBackend{identity: &netconfig.LocalIdentity{PrivateKey: "priv", PublicKey: "self-pub"}}

	r := newTestReconciler(t, cfg, kvClient, backend, "203.0.113.5:51820")

	require.NoError(t, r.tick(context.Background()))

	require.NotNil(t, r.self.Address)
	assert.Equal(t, "10.10.0.1", r.self.Address.String())
	assert.Empty(t, backend.applied)

	data, ok := kvClient.store["wiresmith/peers/self-pub"]
	require.True(t, ok)
	published, err := meshpeer.Decode(data, cfg.Network)
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.5:51820", published.Endpoint)
	assert.Equal(t, "10.10.0.1", published.Address.String())
}

func TestTick_ReusesAlreadyRegisteredSelfAndConfiguresOthers(t *testing.T) {
	cfg := testConfig(t)
	kvClient := newFakeKV()
	backend := &fakeBackend{identity: &netconfig.LocalIdentity{PrivateKey: "priv", PublicKey: "self-pub", Address: net.ParseIP("10.10.0.7")}}

	other := &meshpeer.Peer{PublicKey: "other-pub", Endpoint: "203.0.113.9:51820", Address: net.ParseIP("10.10.0.2")}
	kvClient.put(t, "wiresmith/peers/", other)
	self := &meshpeer.Peer{PublicKey: "self-pub", Endpoint: "203.0.113.5:51820", Address: net.ParseIP("10.10.0.7")}
	kvClient.put(t, "wiresmith/peers/", self)

	r := newTestReconciler(t, cfg, kvClient, backend, "203.0.113.5:51820")
	require.NoError(t, r.tick(context.Background()))

	require.Len(t, backend.applied, 1)
	assert.Equal(t, "other-pub", backend.applied[0].PublicKey)
	assert.True(t, r.self.Address.Equal(net.ParseIP("10.10.0.7")))
}

func TestTick_FixedAddressCollisionIsFatal(t *testing.T) {
	cfg := testConfig(t)
	cfg.Address = net.ParseIP("10.10.0.9")
	kvClient := newFakeKV()
	backend := &fakeBackend{identity: &netconfig.LocalIdentity{PrivateKey: "priv", PublicKey: "self-pub", Address: net.ParseIP("10.10.0.9")}}

	other := &meshpeer.Peer{PublicKey: "other-pub", Endpoint: "203.0.113.9:51820", Address: net.ParseIP("10.10.0.9")}
	kvClient.put(t, "wiresmith/peers/", other)

	r := newTestReconciler(t, cfg, kvClient, backend, "203.0.113.5:51820")

	err := r.tick(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAddressInUse))
}

func TestTick_CollisionOnAllocatedAddressReallocates(t *testing.T) {
	cfg := testConfig(t)
	kvClient := newFakeKV()
	backend := &fakeBackend{identity: &netconfig.LocalIdentity{PrivateKey: "priv", PublicKey: "self-pub", Address: net.ParseIP("10.10.0.9")}}

	other := &meshpeer.Peer{PublicKey: "other-pub", Endpoint: "203.0.113.9:51820", Address: net.ParseIP("10.10.0.9")}
	kvClient.put(t, "wiresmith/peers/", other)
	self := &meshpeer.Peer{PublicKey: "self-pub", Endpoint: "203.0.113.5:51820", Address: net.ParseIP("10.10.0.9")}
	kvClient.put(t, "wiresmith/peers/", self)

	r := newTestReconciler(t, cfg, kvClient, backend, "203.0.113.5:51820")
	require.NoError(t, r.tick(context.Background()))

	// self re-allocated to the lowest free address, since .9 collided and
	// .1 through .8 (minus "other" at .9, which is irrelevant) are free.
	assert.Equal(t, "10.10.0.1", r.self.Address.String())

	data, ok := kvClient.store["wiresmith/peers/self-pub"]
	require.True(t, ok)
	published, err := meshpeer.Decode(data, cfg.Network)
	require.NoError(t, err)
	assert.Equal(t, "10.10.0.1", published.Address.String())
}

func TestTick_GarbageCollectsStalePeerPastTimeout(t *testing.T) {
	cfg := testConfig(t)
	cfg.PeerTimeout = 1 * time.Minute
	kvClient := newFakeKV()
	backend := &fakeBackend{
		identity: &netconfig.LocalIdentity{PrivateKey: "priv", PublicKey: "self-pub", Address: net.ParseIP("10.10.0.1")},
		observed: []netconfig.ObservedPeer{{PublicKey: "stale-pub", LastTx: time.Time{}.Add(time.Hour)}},
	}

	stale := &meshpeer.Peer{PublicKey: "stale-pub", Endpoint: "203.0.113.9:51820", Address: net.ParseIP("10.10.0.2")}
	kvClient.put(t, "wiresmith/peers/", stale)

	r := newTestReconciler(t, cfg, kvClient, backend, "203.0.113.5:51820")
	fixedNow := time.Time{}.Add(10 * time.Hour)
	r.now = func() time.Time { return fixedNow }

	// stale-pub known since far enough in the past that it clears the
	// peer-timeout protection window, and its last observed transmission
	// is well past peer-timeout too.
	r.firstSeen["stale-pub"] = fixedNow.Add(-1 * time.Hour)
	r.configuredPeers["stale-pub"] = true
	backend.observed[0].LastTx = fixedNow.Add(-5 * time.Minute)

	require.NoError(t, r.tick(context.Background()))

	assert.Empty(t, backend.applied)
	_, ok := kvClient.store["wiresmith/peers/stale-pub"]
	assert.False(t, ok)
}

func TestTick_ProtectsRecentlyJoinedPeerFromGC(t *testing.T) {
	cfg := testConfig(t)
	cfg.PeerTimeout = 1 * time.Minute
	kvClient := newFakeKV()
	backend := &fakeBackend{
		identity: &netconfig.LocalIdentity{PrivateKey: "priv", PublicKey: "self-pub", Address: net.ParseIP("10.10.0.1")},
		observed: nil, // never observed by the kernel yet
	}

	fresh := &meshpeer.Peer{PublicKey: "fresh-pub", Endpoint: "203.0.113.9:51820", Address: net.ParseIP("10.10.0.2")}
	kvClient.put(t, "wiresmith/peers/", fresh)

	r := newTestReconciler(t, cfg, kvClient, backend, "203.0.113.5:51820")
	// Simulate that this peer was already locally configured, but we only
	// just discovered it this tick (firstSeen is populated during tick,
	// before GC runs).
	r.configuredPeers["fresh-pub"] = true

	require.NoError(t, r.tick(context.Background()))

	require.Len(t, backend.applied, 1)
	assert.Equal(t, "fresh-pub", backend.applied[0].PublicKey)
	_, ok := kvClient.store["wiresmith/peers/fresh-pub"]
	assert.True(t, ok)
}

func TestTick_AbortsOnListError(t *testing.T) {
	cfg := testConfig(t)
	kvClient := newFakeKV()
	kvClient.listErr = kv.NewTransientError("list", errors.New("timeout"))
	backend := &fakeBackend{identity: &netconfig.LocalIdentity{PrivateKey: "priv", PublicKey: "self-pub"}}

	r := newTestReconciler(t, cfg, kvClient, backend, "203.0.113.5:51820")
	assert.NoError(t, r.tick(context.Background()))
	assert.Empty(t, backend.applied)
	assert.Nil(t, backend.appliedSelf)
}
