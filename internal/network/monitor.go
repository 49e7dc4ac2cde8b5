package network

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/xelth-com/ecosyncgo/internal/logger"
)

const historyLimit = 100

// Resolver performs the verification lookup; *net.Resolver satisfies it
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// InterfaceWatcher reports raw interface changes. Events are hints only;
// the monitor verifies every one of them.
type InterfaceWatcher interface {
	// Watch emits after each interface change until ctx is done
	Watch(ctx context.Context) <-chan struct{}
	// HasActiveInterface reports whether a non-loopback interface is up
	HasActiveInterface() bool
}

// Transition is one flip of the verified state
type Transition struct {
	Online    bool      `json:"online"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// Options configures the verification lookup
type Options struct {
	Host    string
	Timeout time.Duration
}

// Monitor turns interface events into a verified online/offline state
type Monitor struct {
	mu      sync.RWMutex
	online  bool
	history []Transition
	subs    []chan bool
	started bool
	closed  bool

	// checkMu serializes verification so transitions are applied in order
	checkMu sync.Mutex

	watcher  InterfaceWatcher
	resolver Resolver
	host     string
	timeout  time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a monitor; nil collaborators fall back to the system ones
func NewMonitor(watcher InterfaceWatcher, resolver Resolver, opts Options) *Monitor {
	if watcher == nil {
		watcher = NewPollingWatcher(2 * time.Second)
	}
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	if opts.Host == "" {
		opts.Host = "google.com"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}

	return &Monitor{
		watcher:  watcher,
		resolver: resolver,
		host:     opts.Host,
		timeout:  opts.Timeout,
		history:  make([]Transition, 0),
	}
}

// Initialize establishes the baseline with one verified check and starts
// following interface events. Later calls are no-ops.
func (m *Monitor) Initialize(ctx context.Context) {
	m.mu.Lock()
	if m.started || m.closed {
		m.mu.Unlock()
		return
	}
	m.started = true
	loopCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()

	m.checkMu.Lock()
	online := m.verify(ctx)
	m.mu.Lock()
	m.online = online
	m.record(online, "baseline")
	m.mu.Unlock()
	m.checkMu.Unlock()

	logger.Component("network").WithField("online", online).Info("Reachability baseline established")

	events := m.watcher.Watch(loopCtx)
	go m.loop(loopCtx, events)
}

func (m *Monitor) loop(ctx context.Context, events <-chan struct{}) {
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				return
			}
			m.recheck(ctx, "interface_change")
		}
	}
}

// CurrentlyOnline returns the last verified state
func (m *Monitor) CurrentlyOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// ForceRecheck verifies immediately and returns the resulting state
func (m *Monitor) ForceRecheck(ctx context.Context) bool {
	return m.recheck(ctx, "forced")
}

// OnTransition returns a channel receiving the new state after each verified flip.
// A reader that falls behind only sees the latest state.
func (m *Monitor) OnTransition() <-chan bool {
	ch := make(chan bool, 1)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		close(ch)
		return ch
	}
	m.subs = append(m.subs, ch)
	return ch
}

// History returns the recorded transitions, oldest first
func (m *Monitor) History() []Transition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

// Close stops the event loop and closes every subscription
func (m *Monitor) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs {
		close(ch)
	}
	m.subs = nil
}

func (m *Monitor) recheck(ctx context.Context, reason string) bool {
	m.checkMu.Lock()
	defer m.checkMu.Unlock()

	online := m.verify(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if online == m.online {
		return online
	}
	m.online = online
	m.record(online, reason)
	logger.Component("network").WithField("online", online).WithField("reason", reason).Info("Reachability changed")

	if m.closed {
		return online
	}
	for _, ch := range m.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- online:
		default:
		}
	}
	return online
}

// verify is cheap when no interface is up; otherwise it resolves the reachability host.
// Lookup failures and timeouts count as offline.
func (m *Monitor) verify(ctx context.Context) bool {
	if !m.watcher.HasActiveInterface() {
		return false
	}

	lookupCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	addrs, err := m.resolver.LookupHost(lookupCtx, m.host)
	if err != nil {
		logger.Component("network").WithError(err).Debug("Reachability lookup failed")
		return false
	}
	return len(addrs) > 0
}

// record appends to the history; caller holds mu
func (m *Monitor) record(online bool, reason string) {
	m.history = append(m.history, Transition{Online: online, Reason: reason, Timestamp: time.Now()})
	if len(m.history) > historyLimit {
		m.history = m.history[len(m.history)-historyLimit:]
	}
}
