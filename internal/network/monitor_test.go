package network

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWatcher struct {
	mu     sync.Mutex
	active bool
	events chan struct{}
}

func newFakeWatcher(active bool) *fakeWatcher {
	return &fakeWatcher{active: active, events: make(chan struct{})}
}

func (w *fakeWatcher) Watch(ctx context.Context) <-chan struct{} { return w.events }

func (w *fakeWatcher) HasActiveInterface() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active
}

func (w *fakeWatcher) set(active bool) {
	w.mu.Lock()
	w.active = active
	w.mu.Unlock()
	w.events <- struct{}{}
}

type fakeResolver struct {
	mu      sync.Mutex
	err     error
	lookups int
	hang    bool
}

func (r *fakeResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	r.mu.Lock()
	r.lookups++
	err, hang := r.err, r.hang
	r.mu.Unlock()

	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return []string{"142.250.1.1"}, nil
}

func (r *fakeResolver) setErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *fakeResolver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookups
}

func TestBaselineOnline(t *testing.T) {
	m := NewMonitor(newFakeWatcher(true), &fakeResolver{}, Options{Timeout: time.Second})
	defer m.Close()

	m.Initialize(context.Background())

	assert.True(t, m.CurrentlyOnline())
	history := m.History()
	require.Len(t, history, 1)
	assert.Equal(t, "baseline", history[0].Reason)
}

func TestNoInterfaceSkipsLookup(t *testing.T) {
	resolver := &fakeResolver{}
	m := NewMonitor(newFakeWatcher(false), resolver, Options{Timeout: time.Second})
	defer m.Close()

	m.Initialize(context.Background())

	assert.False(t, m.CurrentlyOnline())
	assert.Zero(t, resolver.count())
}

func TestLookupTimeoutMeansOffline(t *testing.T) {
	m := NewMonitor(newFakeWatcher(true), &fakeResolver{hang: true}, Options{Timeout: 20 * time.Millisecond})
	defer m.Close()

	m.Initialize(context.Background())
	assert.False(t, m.CurrentlyOnline())
}

func TestEmitsOnlyVerifiedTransitions(t *testing.T) {
	watcher := newFakeWatcher(true)
	resolver := &fakeResolver{}
	m := NewMonitor(watcher, resolver, Options{Timeout: time.Second})
	defer m.Close()

	m.Initialize(context.Background())
	transitions := m.OnTransition()

	// interface up but the lookup fails: offline
	resolver.setErr(errors.New("no such host"))
	watcher.set(true)
	assert.False(t, <-transitions)

	// another event with the same outcome does not emit
	watcher.set(true)
	require.Eventually(t, func() bool { return resolver.count() == 3 }, time.Second, 5*time.Millisecond)
	select {
	case v := <-transitions:
		t.Fatalf("unexpected transition to %v", v)
	case <-time.After(20 * time.Millisecond):
	}

	resolver.setErr(nil)
	watcher.set(true)
	assert.True(t, <-transitions)
	assert.True(t, m.CurrentlyOnline())
	assert.Len(t, m.History(), 3)
}

func TestForceRecheck(t *testing.T) {
	resolver := &fakeResolver{err: &net.DNSError{Err: "no such host", Name: "google.com"}}
	m := NewMonitor(newFakeWatcher(true), resolver, Options{Timeout: time.Second})
	defer m.Close()

	m.Initialize(context.Background())
	require.False(t, m.CurrentlyOnline())

	resolver.setErr(nil)
	assert.True(t, m.ForceRecheck(context.Background()))
	assert.True(t, m.CurrentlyOnline())
}

func TestCloseClosesSubscriptions(t *testing.T) {
	m := NewMonitor(newFakeWatcher(true), &fakeResolver{}, Options{})
	m.Initialize(context.Background())
	ch := m.OnTransition()

	m.Close()
	_, ok := <-ch
	assert.False(t, ok)

	_, ok = <-m.OnTransition()
	assert.False(t, ok)
}

func TestPollingWatcherSignature(t *testing.T) {
	w := NewPollingWatcher(time.Millisecond)
	w.interfaces = func() ([]net.Interface, error) {
		return []net.Interface{
			{Name: "lo", Flags: net.FlagUp | net.FlagLoopback},
			{Name: "wlan0", Flags: net.FlagUp},
			{Name: "eth0", Flags: 0},
		}, nil
	}
	assert.True(t, w.HasActiveInterface())
	assert.Equal(t, "wlan0", w.signature())

	w.interfaces = func() ([]net.Interface, error) {
		return []net.Interface{{Name: "lo", Flags: net.FlagUp | net.FlagLoopback}}, nil
	}
	assert.False(t, w.HasActiveInterface())
}
