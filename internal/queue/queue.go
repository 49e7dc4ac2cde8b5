package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/xelth-com/ecosyncgo/internal/logger"
	"github.com/xelth-com/ecosyncgo/internal/media"
	"github.com/xelth-com/ecosyncgo/internal/models"
)

var (
	// ErrMediaMissing rejects a payload whose artifact is not on disk
	ErrMediaMissing = errors.New("media artifact does not exist")
	// ErrInvalidSeverity rejects severities outside 1..5
	ErrInvalidSeverity = errors.New("severity must be between 1 and 5")
	// ErrNotFound is returned for unknown submission ids
	ErrNotFound = errors.New("submission not found")
)

// Backend is the subset of the remote API that submission sync needs.
// No transaction spans several calls.
type Backend interface {
	CreateParentResource(ctx context.Context, fields map[string]interface{}) (string, error)
	UploadMedia(ctx context.Context, ownerID, resourceID string, data []byte) (string, error)
	CreateLinkRecord(ctx context.Context, resourceID, url string, isPrimary bool) error
	CreateDerivedAnalysisRecord(ctx context.Context, resourceID string, sceneLabels []string, counts map[string]int, peopleCount int) error
}

// SessionProvider resolves and refreshes the backend session.
// A nil session with a nil error means nobody is signed in.
type SessionProvider interface {
	CurrentSession(ctx context.Context) (*models.Session, error)
	Refresh(ctx context.Context) (*models.Session, error)
}

// Connectivity reports the verified online state
type Connectivity interface {
	CurrentlyOnline() bool
}

// Options tunes queue behaviour
type Options struct {
	MaxRetries       int
	RefreshThreshold time.Duration
	Now              func() time.Time
}

// Queue is the durable submission queue and the driver of submission sync
type Queue struct {
	store    *Store
	backend  Backend
	sessions SessionProvider
	media    media.Store
	net      Connectivity

	maxRetries       int
	refreshThreshold time.Duration
	now              func() time.Time

	// syncToken holds one token; a pass runs only while holding it
	syncToken chan struct{}

	mu           sync.RWMutex
	authRequired bool
	lastMessage  string

	subsMu      sync.Mutex
	subscribers []chan int
	closed      bool

	wg sync.WaitGroup
}

// New creates a queue over an opened store
func New(store *Store, backend Backend, sessions SessionProvider, mediaStore media.Store, net Connectivity, opts Options) *Queue {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	q := &Queue{
		store:            store,
		backend:          backend,
		sessions:         sessions,
		media:            mediaStore,
		net:              net,
		maxRetries:       opts.MaxRetries,
		refreshThreshold: opts.RefreshThreshold,
		now:              opts.Now,
		syncToken:        make(chan struct{}, 1),
	}
	q.syncToken <- struct{}{}
	return q
}

// MaxRetries returns the retry cap after which a record is frozen
func (q *Queue) MaxRetries() int {
	return q.maxRetries
}

// Enqueue validates and persists a new submission, then starts a sync pass when online
func (q *Queue) Enqueue(ctx context.Context, payload models.SubmissionPayload) (*models.PendingSubmission, error) {
	if payload.MediaPath != "" && !q.media.Exists(payload.MediaPath) {
		return nil, fmt.Errorf("%w: %s", ErrMediaMissing, payload.MediaPath)
	}
	if payload.Severity < 1 || payload.Severity > 5 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidSeverity, payload.Severity)
	}

	sub := &models.PendingSubmission{
		ID:               uuid.New().String(),
		MediaPath:        payload.MediaPath,
		PollutionType:    payload.PollutionType,
		Severity:         payload.Severity,
		Notes:            payload.Notes,
		Latitude:         payload.Latitude,
		Longitude:        payload.Longitude,
		Location:         payload.Location,
		ItemCounts:       payload.ItemCounts,
		AIBaselineCounts: payload.AIBaselineCounts,
		TotalWeightKg:    payload.TotalWeightKg,
		Points:           payload.Points,
		IsFlagged:        payload.IsFlagged,
		FraudScore:       payload.FraudScore,
		FraudWarnings:    payload.FraudWarnings,
		SceneLabels:      payload.SceneLabels,
		PeopleCount:      payload.PeopleCount,
		CreatedAt:        q.now().UTC(),
		State:            models.SyncStatePending,
	}
	applyDerived(sub)

	if err := q.store.Insert(ctx, sub); err != nil {
		return nil, fmt.Errorf("failed to persist submission: %w", err)
	}

	logger.Component("queue").WithFields(logrus.Fields{
		"id":   sub.ID,
		"seq":  sub.Seq,
		"type": sub.PollutionType,
	}).Info("Submission queued")
	q.notifyPending(ctx)

	if q.net != nil && q.net.CurrentlyOnline() {
		q.TriggerSync()
	}
	return sub, nil
}

// TriggerSync starts a sync pass in the background. A pass already running absorbs it.
func (q *Queue) TriggerSync() {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		if _, err := q.Sync(context.Background()); err != nil {
			logger.Component("queue").WithError(err).Warn("Background sync failed")
		}
	}()
}

// Wait blocks until background sync passes started by TriggerSync have returned
func (q *Queue) Wait() {
	q.wg.Wait()
}

// Get returns one submission
func (q *Queue) Get(ctx context.Context, id string) (*models.PendingSubmission, error) {
	sub, err := q.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, ErrNotFound
	}
	return sub, nil
}

// List returns every queued submission in enqueue order
func (q *Queue) List(ctx context.Context) ([]*models.PendingSubmission, error) {
	return q.store.List(ctx)
}

// PendingCount counts every record not yet synced
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	subs, err := q.store.List(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, sub := range subs {
		if sub.State != models.SyncStateSynced {
			n++
		}
	}
	return n, nil
}

// FailedCount counts records whose last attempt failed, frozen ones included
func (q *Queue) FailedCount(ctx context.Context) (int, error) {
	subs, err := q.store.List(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, sub := range subs {
		if sub.State == models.SyncStateFailed {
			n++
		}
	}
	return n, nil
}

// PendingCountStream returns a channel receiving the pending count after every change.
// The current count is delivered first. Slow readers only ever see the latest value.
func (q *Queue) PendingCountStream() <-chan int {
	ch := make(chan int, 1)
	n, err := q.PendingCount(context.Background())

	q.subsMu.Lock()
	defer q.subsMu.Unlock()
	if q.closed {
		close(ch)
		return ch
	}
	q.subscribers = append(q.subscribers, ch)
	if err == nil {
		publish(ch, n)
	}
	return ch
}

// RemoveFromQueue deletes a submission and its local artifact
func (q *Queue) RemoveFromQueue(ctx context.Context, id string) error {
	sub, err := q.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if sub == nil {
		return ErrNotFound
	}

	if _, err := q.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to remove submission %s: %w", id, err)
	}
	if sub.MediaPath != "" {
		if err := q.media.Delete(sub.MediaPath); err != nil {
			logger.Component("queue").WithError(err).WithField("id", id).Warn("Failed to delete artifact of removed submission")
		}
	}

	q.notifyPending(ctx)
	return nil
}

// ClearSynced drops any record left in the terminal synced state
func (q *Queue) ClearSynced(ctx context.Context) (int, error) {
	subs, err := q.store.List(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, sub := range subs {
		if sub.State != models.SyncStateSynced {
			continue
		}
		if _, err := q.store.Delete(ctx, sub.ID); err != nil {
			return removed, err
		}
		removed++
	}
	if removed > 0 {
		q.notifyPending(ctx)
	}
	return removed, nil
}

// Retry unfreezes a record: its retry budget starts over and it becomes pending again.
// A record a pass is currently uploading is returned unchanged.
func (q *Queue) Retry(ctx context.Context, id string) (*models.PendingSubmission, error) {
	sub, written, err := q.store.Mutate(ctx, id, func(cur *models.PendingSubmission) bool {
		if cur.State == models.SyncStateSyncing {
			return false
		}
		cur.State = models.SyncStatePending
		cur.RetryCount = 0
		cur.SetError(nil)
		return true
	})
	if err != nil {
		return nil, err
	}
	if written {
		q.notifyPending(ctx)
	}
	return sub, nil
}

// AuthRequired reports whether the last pass stopped for lack of a valid session
func (q *Queue) AuthRequired() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.authRequired
}

// ClearAuthRequired resets the flag after the user signed in again
func (q *Queue) ClearAuthRequired() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.authRequired = false
	q.lastMessage = ""
}

// LastMessage is the latest user-facing sync message, empty when none
func (q *Queue) LastMessage() string {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.lastMessage
}

// Close waits for background passes and closes every count stream
func (q *Queue) Close() {
	q.wg.Wait()

	q.subsMu.Lock()
	defer q.subsMu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for _, ch := range q.subscribers {
		close(ch)
	}
	q.subscribers = nil
}

func (q *Queue) setAuthRequired(msg string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.authRequired = true
	q.lastMessage = msg
}

func (q *Queue) notifyPending(ctx context.Context) {
	n, err := q.PendingCount(ctx)
	if err != nil {
		logger.Component("queue").WithError(err).Warn("Failed to count pending submissions")
		return
	}

	q.subsMu.Lock()
	defer q.subsMu.Unlock()
	for _, ch := range q.subscribers {
		publish(ch, n)
	}
}

// publish replaces whatever value is buffered with n
func publish(ch chan int, n int) {
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- n:
	default:
	}
}
