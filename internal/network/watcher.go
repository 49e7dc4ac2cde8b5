package network

import (
	"context"
	"net"
	"sort"
	"strings"
	"time"
)

// PollingWatcher detects interface changes by polling the system interface list
type PollingWatcher struct {
	interval   time.Duration
	interfaces func() ([]net.Interface, error)
}

func NewPollingWatcher(interval time.Duration) *PollingWatcher {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &PollingWatcher{interval: interval, interfaces: net.Interfaces}
}

// Watch emits whenever the set of up, non-loopback interfaces changes
func (w *PollingWatcher) Watch(ctx context.Context) <-chan struct{} {
	events := make(chan struct{}, 1)

	go func() {
		defer close(events)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		last := w.signature()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				current := w.signature()
				if current == last {
					continue
				}
				last = current
				select {
				case events <- struct{}{}:
				default:
				}
			}
		}
	}()

	return events
}

func (w *PollingWatcher) HasActiveInterface() bool {
	return w.signature() != ""
}

// signature names every active interface; empty when none is up
func (w *PollingWatcher) signature() string {
	ifaces, err := w.interfaces()
	if err != nil {
		return ""
	}

	var names []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		names = append(names, iface.Name)
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}
