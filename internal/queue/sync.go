package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/xelth-com/ecosyncgo/internal/apierror"
	"github.com/xelth-com/ecosyncgo/internal/logger"
	"github.com/xelth-com/ecosyncgo/internal/models"
)

// MessageReauthenticate is shown to the user when sync paused for lack of a session
const MessageReauthenticate = "Your session has expired. Sign in again to upload your queued reports."

// SyncResult summarizes one sync pass
type SyncResult struct {
	// AlreadyRunning is set when another pass held the token; nothing was done
	AlreadyRunning bool
	AuthRequired   bool

	Synced  int
	Failed  int
	Frozen  int
	Skipped int

	Timestamp time.Time
	Duration  time.Duration
}

// Sync runs one pass over the queue. At most one pass runs at a time; a call
// arriving while a pass is active returns immediately with AlreadyRunning.
// Records are processed one after another in enqueue order. Only store failures
// are returned as errors; remote failures are recorded on the records.
func (q *Queue) Sync(ctx context.Context) (*SyncResult, error) {
	select {
	case <-q.syncToken:
	default:
		logger.Component("queue").Debug("Sync already in progress, ignoring trigger")
		return &SyncResult{AlreadyRunning: true, Timestamp: q.now()}, nil
	}
	defer func() { q.syncToken <- struct{}{} }()

	result := &SyncResult{Timestamp: q.now()}
	defer func() { result.Duration = q.now().Sub(result.Timestamp) }()
	defer q.notifyPending(context.WithoutCancel(ctx))

	log := logger.Component("queue")

	session := q.resolveSession(ctx)
	if session == nil {
		q.setAuthRequired(MessageReauthenticate)
		result.AuthRequired = true
		log.Warn("No valid session, sync paused until the user signs in")
		return result, nil
	}
	q.ClearAuthRequired()

	subs, err := q.store.List(ctx)
	if err != nil {
		return result, err
	}

	// row writes outlive cancellation so a record is never left half-updated
	storeCtx := context.WithoutCancel(ctx)

	for _, listed := range subs {
		if ctx.Err() != nil {
			break
		}
		entry := log.WithFields(logrus.Fields{"id": listed.ID, "seq": listed.Seq})

		// the listing is only a schedule; the row is re-read so removals and
		// manual retries made since then are honoured
		frozen := false
		sub, claimed, err := q.store.Mutate(storeCtx, listed.ID, func(cur *models.PendingSubmission) bool {
			if cur.State == models.SyncStateSyncing {
				return false
			}
			if cur.RetryCount >= q.maxRetries {
				frozen = true
				return false
			}
			cur.State = models.SyncStateSyncing
			return true
		})
		switch {
		case errors.Is(err, ErrNotFound):
			entry.Debug("Submission removed before its turn, skipping")
			continue
		case err != nil:
			return result, fmt.Errorf("failed to mark %s syncing: %w", listed.ID, err)
		case frozen:
			result.Frozen++
			continue
		case !claimed:
			result.Skipped++
			continue
		}

		syncErr := q.syncOne(ctx, session, sub)

		switch {
		case syncErr == nil:
			if err := q.complete(storeCtx, sub); err != nil {
				return result, err
			}
			result.Synced++
			entry.Info("Submission synced")

		case ctx.Err() != nil:
			if err := q.settle(storeCtx, sub.ID, func(cur *models.PendingSubmission) {
				cur.State = models.SyncStatePending
			}); err != nil && !errors.Is(err, ErrNotFound) {
				return result, fmt.Errorf("failed to reset %s: %w", sub.ID, err)
			}
			entry.Info("Sync cancelled, submission left pending")
			return result, ctx.Err()

		case apierror.IsAuth(syncErr):
			if err := q.settle(storeCtx, sub.ID, func(cur *models.PendingSubmission) {
				cur.State = models.SyncStatePending
			}); err != nil && !errors.Is(err, ErrNotFound) {
				return result, fmt.Errorf("failed to reset %s: %w", sub.ID, err)
			}
			q.setAuthRequired(MessageReauthenticate)
			result.AuthRequired = true
			entry.WithError(syncErr).Warn("Authorization rejected, aborting remaining batch")
			return result, nil

		default:
			retries := sub.RetryCount + 1
			err := q.settle(storeCtx, sub.ID, func(cur *models.PendingSubmission) {
				cur.State = models.SyncStateFailed
				cur.RetryCount++
				cur.SetError(syncErr)
				retries = cur.RetryCount
			})
			if errors.Is(err, ErrNotFound) {
				entry.WithError(syncErr).Info("Submission removed while syncing, dropping its failure")
				continue
			}
			if err != nil {
				return result, fmt.Errorf("failed to record failure of %s: %w", sub.ID, err)
			}
			result.Failed++
			entry.WithError(syncErr).WithField("retry", retries).Warn("Submission sync failed")
		}
	}

	return result, nil
}

// settle writes the outcome of an attempt onto the stored row. A row removed
// during the attempt stays removed and ErrNotFound is returned.
func (q *Queue) settle(ctx context.Context, id string, apply func(cur *models.PendingSubmission)) error {
	_, _, err := q.store.Mutate(ctx, id, func(cur *models.PendingSubmission) bool {
		apply(cur)
		return true
	})
	return err
}

// resolveSession returns a usable session or nil, refreshing one that is about to expire
func (q *Queue) resolveSession(ctx context.Context) *models.Session {
	log := logger.Component("queue")

	session, err := q.sessions.CurrentSession(ctx)
	if err != nil {
		log.WithError(err).Warn("Failed to resolve session")
		return nil
	}
	if session == nil {
		return nil
	}

	if session.ExpiresWithin(q.now(), q.refreshThreshold) {
		refreshed, err := q.sessions.Refresh(ctx)
		if err != nil || refreshed == nil {
			log.WithError(err).Warn("Session refresh failed")
			return nil
		}
		session = refreshed
	}
	return session
}

// syncOne performs the remote round trip of one record. It never touches local
// state: the caller decides what the outcome means for the row and the artifact.
func (q *Queue) syncOne(ctx context.Context, session *models.Session, sub *models.PendingSubmission) error {
	resourceID, err := q.backend.CreateParentResource(ctx, parentFields(session, sub))
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}

	if sub.MediaPath != "" {
		data, err := q.media.Read(sub.MediaPath)
		if err != nil {
			return err
		}
		url, err := q.backend.UploadMedia(ctx, session.UserID, resourceID, data)
		if err != nil {
			return fmt.Errorf("upload image: %w", err)
		}
		if err := q.backend.CreateLinkRecord(ctx, resourceID, url, true); err != nil {
			return fmt.Errorf("link image: %w", err)
		}
	}

	if err := q.backend.CreateDerivedAnalysisRecord(ctx, resourceID, sub.SceneLabels, sub.ItemCounts, sub.PeopleCount); err != nil {
		return fmt.Errorf("create analysis: %w", err)
	}
	return nil
}

// complete drops a confirmed record: the row first, then its artifact
func (q *Queue) complete(ctx context.Context, sub *models.PendingSubmission) error {
	existed, err := q.store.Delete(ctx, sub.ID)
	if err != nil {
		return fmt.Errorf("failed to remove synced submission %s: %w", sub.ID, err)
	}
	// a row removed mid-pass took its artifact with it
	if existed && sub.MediaPath != "" {
		if err := q.media.Delete(sub.MediaPath); err != nil {
			logger.Component("queue").WithError(err).WithField("id", sub.ID).Warn("Failed to delete synced artifact")
		}
	}
	return nil
}

func parentFields(session *models.Session, sub *models.PendingSubmission) map[string]interface{} {
	fields := map[string]interface{}{
		"user_id":         session.UserID,
		"pollution_type":  sub.PollutionType,
		"severity":        sub.Severity,
		"latitude":        sub.Latitude,
		"longitude":       sub.Longitude,
		"status":          "pending",
		"total_weight_kg": sub.TotalWeightKg,
		"points":          sub.Points,
		"is_flagged":      sub.IsFlagged,
		"fraud_score":     sub.FraudScore,
		"created_at":      sub.CreatedAt.UTC().Format(time.RFC3339),
		"client_id":       sub.ID,
	}
	if sub.Notes != "" {
		fields["notes"] = sub.Notes
	}
	if sub.Location.Address != "" {
		fields["address"] = sub.Location.Address
	}
	if sub.Location.City != "" {
		fields["city"] = sub.Location.City
	}
	if sub.Location.Region != "" {
		fields["region"] = sub.Location.Region
	}
	if sub.Location.Country != "" {
		fields["country"] = sub.Location.Country
	}
	if len(sub.ItemCounts) > 0 {
		fields["item_counts"] = sub.ItemCounts
	}
	if len(sub.AIBaselineCounts) > 0 {
		fields["ai_baseline_counts"] = sub.AIBaselineCounts
	}
	if len(sub.FraudWarnings) > 0 {
		fields["fraud_warnings"] = sub.FraudWarnings
	}
	return fields
}
