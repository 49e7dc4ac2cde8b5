package queue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xelth-com/ecosyncgo/internal/apierror"
	"github.com/xelth-com/ecosyncgo/internal/config"
	"github.com/xelth-com/ecosyncgo/internal/database"
	"github.com/xelth-com/ecosyncgo/internal/media"
	"github.com/xelth-com/ecosyncgo/internal/models"
	"github.com/xelth-com/ecosyncgo/internal/security"
)

var errServer = errors.New("server exploded")

// fakeBackend records every call in order and fails on demand
type fakeBackend struct {
	mu    sync.Mutex
	calls []string
	n     int

	// failOn maps "op#ordinal" (1-based per op) to the error it returns
	failOn  map[string]error
	opCount map[string]int

	block chan struct{}
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{failOn: map[string]error{}, opCount: map[string]int{}}
}

func (b *fakeBackend) record(op string) error {
	b.mu.Lock()
	b.calls = append(b.calls, op)
	b.opCount[op]++
	err := b.failOn[fmt.Sprintf("%s#%d", op, b.opCount[op])]
	block := b.block
	b.mu.Unlock()

	if block != nil && op == "parent" {
		<-block
	}
	return err
}

func (b *fakeBackend) CreateParentResource(ctx context.Context, fields map[string]interface{}) (string, error) {
	if err := b.record("parent"); err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.n++
	return fmt.Sprintf("report-%d", b.n), nil
}

func (b *fakeBackend) UploadMedia(ctx context.Context, ownerID, resourceID string, data []byte) (string, error) {
	if err := b.record("upload"); err != nil {
		return "", err
	}
	return "https://cdn.example.com/" + resourceID + ".jpg", nil
}

func (b *fakeBackend) CreateLinkRecord(ctx context.Context, resourceID, url string, isPrimary bool) error {
	return b.record("link")
}

func (b *fakeBackend) CreateDerivedAnalysisRecord(ctx context.Context, resourceID string, sceneLabels []string, counts map[string]int, peopleCount int) error {
	return b.record("analysis")
}

func (b *fakeBackend) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

type fakeSessions struct {
	session    *models.Session
	refreshed  *models.Session
	refreshErr error
	refreshes  int
}

func (s *fakeSessions) CurrentSession(ctx context.Context) (*models.Session, error) {
	return s.session, nil
}

func (s *fakeSessions) Refresh(ctx context.Context) (*models.Session, error) {
	s.refreshes++
	if s.refreshErr != nil {
		return nil, s.refreshErr
	}
	s.session = s.refreshed
	return s.refreshed, nil
}

type fakeNet struct{ online bool }

func (n fakeNet) CurrentlyOnline() bool { return n.online }

var testNow = time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)

func validSession() *fakeSessions {
	return &fakeSessions{session: &models.Session{UserID: "user-1", AccessToken: "tok", ExpiresAt: testNow.Add(time.Hour)}}
}

type harness struct {
	t       *testing.T
	db      *database.DB
	cipher  *security.StoreCipher
	dir     string
	backend *fakeBackend
	session *fakeSessions
	queue   *Queue
}

func newHarness(t *testing.T, sessions *fakeSessions) *harness {
	t.Helper()
	dir := t.TempDir()
	db, err := database.Open(config.DatabaseConfig{Driver: "sqlite", Path: filepath.Join(dir, "queue.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cipher, err := security.NewStoreCipher(bytes.Repeat([]byte{7}, security.KeyLength), security.StoreQueue)
	require.NoError(t, err)

	h := &harness{t: t, db: db, cipher: cipher, dir: dir, backend: newFakeBackend(), session: sessions}
	h.reopen()
	return h
}

// reopen simulates a process restart over the same database file
func (h *harness) reopen() {
	h.t.Helper()
	store, err := OpenStore(context.Background(), h.db, h.cipher, false)
	require.NoError(h.t, err)
	h.queue = New(store, h.backend, h.session, media.NewFileStore(h.dir), fakeNet{online: false}, Options{
		MaxRetries:       3,
		RefreshThreshold: 5 * time.Minute,
		Now:              func() time.Time { return testNow },
	})
}

func (h *harness) artifact(name string) string {
	h.t.Helper()
	path := filepath.Join(h.dir, name)
	require.NoError(h.t, os.WriteFile(path, []byte("jpeg:"+name), 0o600))
	return path
}

func (h *harness) enqueue(name string) *models.PendingSubmission {
	h.t.Helper()
	sub, err := h.queue.Enqueue(context.Background(), models.SubmissionPayload{
		MediaPath:     h.artifact(name),
		PollutionType: "plastic",
		Severity:      3,
		Latitude:      8.48,
		Longitude:     -13.23,
		ItemCounts:    map[string]int{"plastic_bottle": 4},
		SceneLabels:   []string{"beach"},
		PeopleCount:   1,
	})
	require.NoError(h.t, err)
	return sub
}

func (h *harness) sync() *SyncResult {
	h.t.Helper()
	res, err := h.queue.Sync(context.Background())
	require.NoError(h.t, err)
	return res
}

func TestScenarioA_SingleRecordSyncsInOrder(t *testing.T) {
	h := newHarness(t, validSession())
	sub := h.enqueue("a.jpg")

	res := h.sync()

	assert.Equal(t, 1, res.Synced)
	n, err := h.queue.PendingCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, []string{"parent", "upload", "link", "analysis"}, h.backend.Calls())

	_, err = os.Stat(sub.MediaPath)
	assert.True(t, errors.Is(err, os.ErrNotExist), "artifact deleted after confirmation")

	_, err = h.queue.Get(context.Background(), sub.ID)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestScenarioB_ExpiredUnrefreshableSession(t *testing.T) {
	sessions := &fakeSessions{
		session:    &models.Session{UserID: "user-1", ExpiresAt: testNow.Add(-time.Minute)},
		refreshErr: errors.New("refresh token revoked"),
	}
	h := newHarness(t, sessions)
	sub := h.enqueue("b.jpg")

	res := h.sync()

	assert.True(t, res.AuthRequired)
	assert.True(t, h.queue.AuthRequired())
	assert.Equal(t, MessageReauthenticate, h.queue.LastMessage())
	assert.Empty(t, h.backend.Calls())
	assert.Equal(t, 1, sessions.refreshes)

	got, err := h.queue.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatePending, got.State)
	assert.Zero(t, got.RetryCount)
}

func TestScenarioC_TransientFailureDoesNotStopBatch(t *testing.T) {
	h := newHarness(t, validSession())
	first := h.enqueue("1.jpg")
	second := h.enqueue("2.jpg")
	third := h.enqueue("3.jpg")
	h.backend.failOn["upload#2"] = errServer

	res := h.sync()

	assert.Equal(t, 2, res.Synced)
	assert.Equal(t, 1, res.Failed)

	_, err := h.queue.Get(context.Background(), first.ID)
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = h.queue.Get(context.Background(), third.ID)
	assert.True(t, errors.Is(err, ErrNotFound))

	got, err := h.queue.Get(context.Background(), second.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStateFailed, got.State)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "server exploded")

	assert.FileExists(t, second.MediaPath)
}

func TestEnqueueRejectsMissingArtifact(t *testing.T) {
	h := newHarness(t, validSession())

	_, err := h.queue.Enqueue(context.Background(), models.SubmissionPayload{
		MediaPath: filepath.Join(h.dir, "never-written.jpg"),
		Severity:  2,
	})
	assert.True(t, errors.Is(err, ErrMediaMissing))

	n, err := h.queue.PendingCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, h.backend.Calls())
}

func TestEnqueueRejectsBadSeverity(t *testing.T) {
	h := newHarness(t, validSession())

	_, err := h.queue.Enqueue(context.Background(), models.SubmissionPayload{Severity: 6})
	assert.True(t, errors.Is(err, ErrInvalidSeverity))
}

func TestEnqueueComputesDerivedFields(t *testing.T) {
	h := newHarness(t, validSession())
	sub := h.enqueue("d.jpg")

	assert.InDelta(t, 0.1, sub.TotalWeightKg, 1e-9)
	assert.Equal(t, 4*pointsPerItem+3*pointsPerSeverity+pointsForPhoto, sub.Points)
	assert.Equal(t, models.SyncStatePending, sub.State)
	assert.Equal(t, int64(1), sub.Seq)
	assert.NotEmpty(t, sub.ID)
}

func TestArtifactSurvivesEveryFailurePoint(t *testing.T) {
	for _, op := range []string{"parent", "upload", "link", "analysis"} {
		t.Run(op, func(t *testing.T) {
			h := newHarness(t, validSession())
			sub := h.enqueue("x.jpg")
			h.backend.failOn[op+"#1"] = errServer

			res := h.sync()

			assert.Equal(t, 1, res.Failed)
			assert.FileExists(t, sub.MediaPath)
			got, err := h.queue.Get(context.Background(), sub.ID)
			require.NoError(t, err)
			assert.Equal(t, models.SyncStateFailed, got.State)
		})
	}
}

func TestAuthFailureAbortsBatchWithoutRetryIncrement(t *testing.T) {
	h := newHarness(t, validSession())
	first := h.enqueue("1.jpg")
	second := h.enqueue("2.jpg")
	h.backend.failOn["parent#1"] = fmt.Errorf("POST reports: %w", apierror.ErrUnauthorized)

	res := h.sync()

	assert.True(t, res.AuthRequired)
	assert.Equal(t, []string{"parent"}, h.backend.Calls(), "second record never attempted")

	for _, id := range []string{first.ID, second.ID} {
		got, err := h.queue.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, models.SyncStatePending, got.State)
		assert.Zero(t, got.RetryCount)
	}
	assert.FileExists(t, first.MediaPath)
}

func TestRetryCapFreezesRecord(t *testing.T) {
	h := newHarness(t, validSession())
	sub := h.enqueue("r.jpg")
	for i := 1; i <= 3; i++ {
		h.backend.failOn[fmt.Sprintf("parent#%d", i)] = errServer
	}

	for i := 1; i <= 3; i++ {
		h.sync()
		got, err := h.queue.Get(context.Background(), sub.ID)
		require.NoError(t, err)
		assert.Equal(t, i, got.RetryCount)
	}

	before, err := h.queue.Get(context.Background(), sub.ID)
	require.NoError(t, err)

	res := h.sync()
	assert.Equal(t, 1, res.Frozen)
	assert.Len(t, h.backend.Calls(), 3)

	after, err := h.queue.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after, "frozen record is not mutated")

	failed, err := h.queue.FailedCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, failed)

	// manual retry unfreezes it
	_, err = h.queue.Retry(context.Background(), sub.ID)
	require.NoError(t, err)
	res = h.sync()
	assert.Equal(t, 1, res.Synced)
}

func TestCrashLeavesSyncingRowWhichIsRecovered(t *testing.T) {
	h := newHarness(t, validSession())
	sub := h.enqueue("c.jpg")

	// simulate a kill between "mark syncing" and the remote round trip
	sub.State = models.SyncStateSyncing
	require.NoError(t, h.queue.store.Update(context.Background(), sub))

	h.reopen()

	got, err := h.queue.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatePending, got.State)

	res := h.sync()
	assert.Equal(t, 1, res.Synced)
}

func TestRecoverInterruptedIsPure(t *testing.T) {
	in := []*models.PendingSubmission{
		{ID: "a", State: models.SyncStatePending},
		{ID: "b", State: models.SyncStateSyncing},
		{ID: "c", State: models.SyncStateFailed},
	}

	out := RecoverInterrupted(in)

	require.Len(t, out, 1)
	assert.Equal(t, "b", out[0].ID)
	assert.Equal(t, models.SyncStatePending, out[0].State)
	assert.Equal(t, models.SyncStateSyncing, in[1].State)
}

func TestSecondSyncDuringPassIsNoop(t *testing.T) {
	h := newHarness(t, validSession())
	h.enqueue("s.jpg")
	h.backend.block = make(chan struct{})

	done := make(chan *SyncResult)
	go func() {
		res, _ := h.queue.Sync(context.Background())
		done <- res
	}()

	require.Eventually(t, func() bool { return len(h.backend.Calls()) == 1 }, 2*time.Second, 5*time.Millisecond)

	res, err := h.queue.Sync(context.Background())
	require.NoError(t, err)
	assert.True(t, res.AlreadyRunning)

	close(h.backend.block)
	first := <-done
	assert.Equal(t, 1, first.Synced)
	assert.Len(t, h.backend.Calls(), 4)
}

func TestNearExpirySessionIsRefreshed(t *testing.T) {
	sessions := &fakeSessions{
		session:   &models.Session{UserID: "user-1", ExpiresAt: testNow.Add(time.Minute)},
		refreshed: &models.Session{UserID: "user-1", ExpiresAt: testNow.Add(time.Hour)},
	}
	h := newHarness(t, sessions)
	h.enqueue("n.jpg")

	res := h.sync()

	assert.Equal(t, 1, sessions.refreshes)
	assert.Equal(t, 1, res.Synced)
	assert.False(t, h.queue.AuthRequired())
}

func TestMissingSessionPausesSync(t *testing.T) {
	h := newHarness(t, &fakeSessions{})
	h.enqueue("m.jpg")

	res := h.sync()

	assert.True(t, res.AuthRequired)
	assert.Empty(t, h.backend.Calls())
}

func TestOrderIsEnqueueOrderAcrossRestart(t *testing.T) {
	h := newHarness(t, validSession())
	ids := []string{h.enqueue("1.jpg").ID, h.enqueue("2.jpg").ID}
	h.reopen()
	ids = append(ids, h.enqueue("3.jpg").ID)

	subs, err := h.queue.List(context.Background())
	require.NoError(t, err)
	require.Len(t, subs, 3)
	for i, sub := range subs {
		assert.Equal(t, ids[i], sub.ID)
		assert.Equal(t, int64(i+1), sub.Seq)
	}
}

func TestPendingCountStream(t *testing.T) {
	h := newHarness(t, validSession())
	stream := h.queue.PendingCountStream()
	assert.Equal(t, 0, <-stream)

	h.enqueue("p.jpg")
	assert.Equal(t, 1, <-stream)

	h.sync()
	assert.Equal(t, 0, <-stream)

	h.queue.Close()
	_, ok := <-stream
	assert.False(t, ok)
}

func TestRemovedDuringPassStaysRemoved(t *testing.T) {
	h := newHarness(t, validSession())
	h.enqueue("first.jpg")
	second := h.enqueue("second.jpg")
	h.backend.block = make(chan struct{})

	done := make(chan *SyncResult)
	go func() {
		res, err := h.queue.Sync(context.Background())
		assert.NoError(t, err)
		done <- res
	}()
	require.Eventually(t, func() bool { return len(h.backend.Calls()) == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.queue.RemoveFromQueue(context.Background(), second.ID))
	close(h.backend.block)
	res := <-done

	assert.Equal(t, 1, res.Synced)
	assert.Zero(t, res.Failed)
	assert.Equal(t, []string{"parent", "upload", "link", "analysis"}, h.backend.Calls(), "no report created for the removed record")

	_, err := h.queue.Get(context.Background(), second.ID)
	assert.True(t, errors.Is(err, ErrNotFound))

	// freed sequence numbers are reused without tripping over a resurrected row
	h.backend.block = nil
	third := h.enqueue("third.jpg")
	assert.LessOrEqual(t, third.Seq, second.Seq)
	res = h.sync()
	assert.Equal(t, 1, res.Synced)
}

func TestRetryDuringPassIsPickedUp(t *testing.T) {
	h := newHarness(t, validSession())
	h.enqueue("first.jpg")
	frozen := h.enqueue("frozen.jpg")
	frozen.State = models.SyncStateFailed
	frozen.RetryCount = 3
	require.NoError(t, h.queue.store.Update(context.Background(), frozen))
	h.backend.block = make(chan struct{})

	done := make(chan *SyncResult)
	go func() {
		res, err := h.queue.Sync(context.Background())
		assert.NoError(t, err)
		done <- res
	}()
	require.Eventually(t, func() bool { return len(h.backend.Calls()) == 1 }, 2*time.Second, 5*time.Millisecond)

	_, err := h.queue.Retry(context.Background(), frozen.ID)
	require.NoError(t, err)
	close(h.backend.block)
	res := <-done

	assert.Equal(t, 2, res.Synced)
	assert.Zero(t, res.Frozen)
}

func TestStoreUpdateNeverRecreatesRows(t *testing.T) {
	h := newHarness(t, validSession())
	sub := h.enqueue("gone.jpg")
	require.NoError(t, h.queue.RemoveFromQueue(context.Background(), sub.ID))

	sub.State = models.SyncStateFailed
	err := h.queue.store.Update(context.Background(), sub)
	assert.True(t, errors.Is(err, ErrNotFound))

	_, _, err = h.queue.store.Mutate(context.Background(), sub.ID, func(*models.PendingSubmission) bool { return true })
	assert.True(t, errors.Is(err, ErrNotFound))

	n, err := h.queue.store.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRemoveFromQueue(t *testing.T) {
	h := newHarness(t, validSession())
	sub := h.enqueue("rm.jpg")

	require.NoError(t, h.queue.RemoveFromQueue(context.Background(), sub.ID))
	assert.NoFileExists(t, sub.MediaPath)
	assert.True(t, errors.Is(h.queue.RemoveFromQueue(context.Background(), sub.ID), ErrNotFound))

	n, err := h.queue.PendingCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestClearSyncedDropsTerminalRows(t *testing.T) {
	h := newHarness(t, validSession())
	stale := h.enqueue("st.jpg")
	keep := h.enqueue("k.jpg")

	stale.State = models.SyncStateSynced
	require.NoError(t, h.queue.store.Update(context.Background(), stale))

	removed, err := h.queue.ClearSynced(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	subs, err := h.queue.List(context.Background())
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, keep.ID, subs[0].ID)
}

func TestEnqueueWhileOnlineSyncsInBackground(t *testing.T) {
	h := newHarness(t, validSession())
	h.queue.net = fakeNet{online: true}

	h.enqueue("o.jpg")
	h.queue.Wait()

	n, err := h.queue.PendingCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestQueueStoreRefusesForeignKey(t *testing.T) {
	h := newHarness(t, validSession())
	h.enqueue("k.jpg")

	other, err := security.NewStoreCipher(bytes.Repeat([]byte{8}, security.KeyLength), security.StoreQueue)
	require.NoError(t, err)

	_, err = OpenStore(context.Background(), h.db, other, false)
	assert.True(t, errors.Is(err, ErrQueueUndecryptable))

	store, err := OpenStore(context.Background(), h.db, other, true)
	require.NoError(t, err)
	n, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}
