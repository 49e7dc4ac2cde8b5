package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xelth-com/ecosyncgo/internal/cache"
	"github.com/xelth-com/ecosyncgo/internal/config"
	"github.com/xelth-com/ecosyncgo/internal/logger"
	"github.com/xelth-com/ecosyncgo/internal/models"
	"github.com/xelth-com/ecosyncgo/internal/network"
	"github.com/xelth-com/ecosyncgo/internal/queue"
)

// ErrOffline is returned by operations that need a verified connection
var ErrOffline = errors.New("device is offline")

const (
	opQueueSync    = "queue_sync"
	opCacheRefresh = "cache_refresh"
)

// Monitor is the reachability surface the engine drives sync from
type Monitor interface {
	Initialize(ctx context.Context)
	CurrentlyOnline() bool
	OnTransition() <-chan bool
	ForceRecheck(ctx context.Context) bool
	History() []network.Transition
	Close()
}

// SyncRequest is one unit of work for the worker
type SyncRequest struct {
	Operation string
	Reason    string
}

// Status is the snapshot served to the UI
type Status struct {
	Running      bool                 `json:"running"`
	Online       bool                 `json:"online"`
	LastSync     *time.Time           `json:"last_sync,omitempty"`
	LastResult   *queue.SyncResult    `json:"last_result,omitempty"`
	PendingCount int                  `json:"pending_count"`
	FailedCount  int                  `json:"failed_count"`
	AuthRequired bool                 `json:"auth_required"`
	Message      string               `json:"message,omitempty"`
	CacheEntries int                  `json:"cache_entries"`
	CacheStale   bool                 `json:"cache_stale"`
	Viewport     *models.Bounds       `json:"viewport,omitempty"`
	Transitions  []network.Transition `json:"transitions,omitempty"`
}

// Engine wires reachability, the submission queue and the regional cache
type Engine struct {
	mu sync.RWMutex

	cfg     *config.SyncConfig
	queue   *queue.Queue
	cache   *cache.Cache
	monitor Monitor
	fetcher cache.Fetcher

	isRunning  bool
	lastSync   time.Time
	lastResult *queue.SyncResult
	viewport   *models.Bounds

	stopChan chan struct{}
	syncChan chan SyncRequest
	wg       sync.WaitGroup
}

// New creates an engine; Start begins following connectivity
func New(q *queue.Queue, c *cache.Cache, monitor Monitor, fetcher cache.Fetcher, cfg *config.SyncConfig) *Engine {
	if cfg == nil {
		cfg = config.DefaultSyncConfig()
	}
	return &Engine{
		cfg:      cfg,
		queue:    q,
		cache:    c,
		monitor:  monitor,
		fetcher:  fetcher,
		syncChan: make(chan SyncRequest, 16),
	}
}

// Start establishes the reachability baseline and starts the background loops
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.isRunning {
		e.mu.Unlock()
		return fmt.Errorf("engine already running")
	}
	e.isRunning = true
	e.stopChan = make(chan struct{})
	e.mu.Unlock()

	log := logger.Component("engine")
	log.Info("Sync engine starting")

	e.monitor.Initialize(ctx)
	transitions := e.monitor.OnTransition()

	e.wg.Add(2)
	go e.worker()
	go e.watchTransitions(transitions)

	if e.cfg.AutoSyncEnabled && e.cfg.AutoSyncInterval > 0 {
		e.wg.Add(1)
		go e.autoSyncLoop()
	}

	if e.cfg.SyncOnStartup && e.monitor.CurrentlyOnline() {
		e.RequestSync("startup")
	}

	log.WithField("online", e.monitor.CurrentlyOnline()).Info("Sync engine started")
	return nil
}

// Stop ends the background loops and waits for them
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.isRunning {
		e.mu.Unlock()
		return
	}
	e.isRunning = false
	close(e.stopChan)
	e.mu.Unlock()

	e.monitor.Close()
	e.wg.Wait()
	e.queue.Wait()
	logger.Component("engine").Info("Sync engine stopped")
}

// RequestSync schedules a queue sync pass. Requests beyond the buffer are dropped;
// the pass already scheduled covers them.
func (e *Engine) RequestSync(reason string) {
	e.request(SyncRequest{Operation: opQueueSync, Reason: reason})
}

// RequestCacheRefresh schedules a refresh of the last viewport
func (e *Engine) RequestCacheRefresh(reason string) {
	e.request(SyncRequest{Operation: opCacheRefresh, Reason: reason})
}

func (e *Engine) request(req SyncRequest) {
	select {
	case e.syncChan <- req:
	default:
		logger.Component("engine").WithField("op", req.Operation).Debug("Sync request buffer full, dropping request")
	}
}

// SyncNow runs a queue pass in the caller's goroutine
func (e *Engine) SyncNow(ctx context.Context) (*queue.SyncResult, error) {
	if !e.monitor.CurrentlyOnline() {
		return nil, ErrOffline
	}
	return e.runSync(ctx)
}

// RefreshViewport remembers bounds as the current viewport and brings the cache up to date for it
func (e *Engine) RefreshViewport(ctx context.Context, bounds models.Bounds) (*cache.RefreshResult, error) {
	if !bounds.Valid() {
		return nil, fmt.Errorf("invalid bounds %+v", bounds)
	}
	e.mu.Lock()
	e.viewport = &bounds
	e.mu.Unlock()

	if !e.monitor.CurrentlyOnline() {
		return nil, ErrOffline
	}
	return e.cache.Refresh(ctx, bounds, e.fetcher)
}

// Recheck re-verifies connectivity, e.g. after the user changed network settings
func (e *Engine) Recheck(ctx context.Context) bool {
	return e.monitor.ForceRecheck(ctx)
}

// GetSyncStatus returns the current engine, queue and cache state
func (e *Engine) GetSyncStatus(ctx context.Context) (*Status, error) {
	pending, err := e.queue.PendingCount(ctx)
	if err != nil {
		return nil, err
	}
	failed, err := e.queue.FailedCount(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := e.cache.Count(ctx)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	status := &Status{
		Running:      e.isRunning,
		Online:       e.monitor.CurrentlyOnline(),
		LastResult:   e.lastResult,
		PendingCount: pending,
		FailedCount:  failed,
		AuthRequired: e.queue.AuthRequired(),
		Message:      e.queue.LastMessage(),
		CacheEntries: entries,
		CacheStale:   e.cache.IsStale(ctx),
		Viewport:     e.viewport,
		Transitions:  e.monitor.History(),
	}
	if !e.lastSync.IsZero() {
		last := e.lastSync
		status.LastSync = &last
	}
	return status, nil
}

func (e *Engine) runSync(ctx context.Context) (*queue.SyncResult, error) {
	result, err := e.queue.Sync(ctx)
	if err != nil {
		return result, err
	}
	if !result.AlreadyRunning {
		e.mu.Lock()
		e.lastSync = result.Timestamp
		e.lastResult = result
		e.mu.Unlock()
	}
	return result, nil
}

func (e *Engine) worker() {
	defer e.wg.Done()
	for {
		select {
		case req := <-e.syncChan:
			e.process(req)
		case <-e.stopChan:
			return
		}
	}
}

func (e *Engine) process(req SyncRequest) {
	log := logger.Component("engine").WithField("op", req.Operation).WithField("reason", req.Reason)
	ctx := context.Background()

	switch req.Operation {
	case opQueueSync:
		result, err := e.runSync(ctx)
		if err != nil {
			log.WithError(err).Error("Queue sync failed")
			return
		}
		log.WithField("synced", result.Synced).WithField("failed", result.Failed).
			WithField("auth_required", result.AuthRequired).Info("Queue sync finished")

	case opCacheRefresh:
		e.mu.RLock()
		viewport := e.viewport
		e.mu.RUnlock()
		if viewport == nil || !e.monitor.CurrentlyOnline() {
			return
		}
		res, err := e.cache.Refresh(ctx, *viewport, e.fetcher)
		if err != nil {
			log.WithError(err).Warn("Cache refresh failed")
			return
		}
		log.WithField("fetched", res.Fetched).WithField("stored", res.Stored).Debug("Cache refresh finished")

	default:
		log.Warn("Unknown sync operation")
	}
}

// watchTransitions turns every offline→online flip into a sync and a cache refresh
func (e *Engine) watchTransitions(transitions <-chan bool) {
	defer e.wg.Done()
	for {
		select {
		case online, ok := <-transitions:
			if !ok {
				return
			}
			if online {
				logger.Component("engine").Info("Connectivity restored, scheduling sync")
				e.RequestSync("reconnect")
				e.RequestCacheRefresh("reconnect")
			}
		case <-e.stopChan:
			return
		}
	}
}

func (e *Engine) autoSyncLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.AutoSyncIntervalDuration())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if e.monitor.CurrentlyOnline() {
				e.RequestSync("auto")
			}
		case <-e.stopChan:
			return
		}
	}
}
