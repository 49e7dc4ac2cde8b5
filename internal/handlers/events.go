package handlers

import (
	"context"

	"github.com/xelth-com/ecosyncgo/internal/websocket"
)

// PumpEvents forwards pending-count and connectivity changes to websocket listeners
// until ctx is done or both sources are closed.
func PumpEvents(ctx context.Context, hub *websocket.Hub, pending <-chan int, transitions <-chan bool) {
	for pending != nil || transitions != nil {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-pending:
			if !ok {
				pending = nil
				continue
			}
			hub.Broadcast(websocket.EventPendingCount, map[string]int{"pending": n})
		case online, ok := <-transitions:
			if !ok {
				transitions = nil
				continue
			}
			hub.Broadcast(websocket.EventConnectivity, map[string]bool{"online": online})
		}
	}
}
