package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xelth-com/ecosyncgo/internal/database"
	"github.com/xelth-com/ecosyncgo/internal/logger"
	"github.com/xelth-com/ecosyncgo/internal/models"
	"github.com/xelth-com/ecosyncgo/internal/security"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrQueueUndecryptable is returned when persisted submissions cannot be opened
// with the current key. Unsynced reports are never dropped silently; the caller
// decides whether to block startup or reset explicitly.
var ErrQueueUndecryptable = errors.New("queue store cannot be decrypted with the current key")

// Store persists submissions write-through, one sealed row per record, ordered by Seq
type Store struct {
	db     *database.DB
	cipher *security.StoreCipher
}

// OpenStore opens the queue store and runs crash recovery before returning.
// With resetOnMismatch the store is emptied when it was written under another key.
func OpenStore(ctx context.Context, db *database.DB, cipher *security.StoreCipher, resetOnMismatch bool) (*Store, error) {
	s := &Store{db: db, cipher: cipher}
	log := logger.Component("queue")

	subs, err := s.List(ctx)
	if errors.Is(err, security.ErrDecrypt) {
		if !resetOnMismatch {
			return nil, fmt.Errorf("%w: %v", ErrQueueUndecryptable, err)
		}
		log.WithError(err).Warn("Queue store unreadable with current key, recreating empty store")
		if err := db.ResetTable(&models.QueueEntry{}); err != nil {
			return nil, fmt.Errorf("failed to reset queue store: %w", err)
		}
		subs = nil
	} else if err != nil {
		return nil, err
	}

	recovered := RecoverInterrupted(subs)
	for _, sub := range recovered {
		if err := s.Update(ctx, sub); err != nil {
			return nil, fmt.Errorf("failed to recover submission %s: %w", sub.ID, err)
		}
	}
	if len(recovered) > 0 {
		log.WithField("count", len(recovered)).Debug("Reset interrupted submissions to pending")
	}

	return s, nil
}

// RecoverInterrupted returns the submissions left in syncing by a killed process,
// already moved back to pending. The input slice is not modified.
func RecoverInterrupted(subs []*models.PendingSubmission) []*models.PendingSubmission {
	var out []*models.PendingSubmission
	for _, sub := range subs {
		if sub.State != models.SyncStateSyncing {
			continue
		}
		fixed := *sub
		fixed.State = models.SyncStatePending
		out = append(out, &fixed)
	}
	return out
}

// Insert assigns the next sequence number and persists a new submission
func (s *Store) Insert(ctx context.Context, sub *models.PendingSubmission) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxSeq int64
		if err := tx.Model(&models.QueueEntry{}).Select("COALESCE(MAX(seq), 0)").Row().Scan(&maxSeq); err != nil {
			return fmt.Errorf("failed to read queue sequence: %w", err)
		}
		sub.Seq = maxSeq + 1

		payload, err := s.cipher.SealJSON(sub)
		if err != nil {
			return err
		}
		return tx.Create(&models.QueueEntry{ID: sub.ID, Seq: sub.Seq, Payload: payload}).Error
	})
}

// Update overwrites an existing submission. It never re-creates a row: a record
// removed in the meantime yields ErrNotFound.
func (s *Store) Update(ctx context.Context, sub *models.PendingSubmission) error {
	return s.update(s.db.WithContext(ctx), sub)
}

func (s *Store) update(tx *gorm.DB, sub *models.PendingSubmission) error {
	payload, err := s.cipher.SealJSON(sub)
	if err != nil {
		return err
	}
	res := tx.Model(&models.QueueEntry{}).Where("id = ?", sub.ID).Updates(map[string]interface{}{
		"payload":    payload,
		"updated_at": time.Now().UTC(),
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Mutate re-reads id and applies fn to the stored copy inside one transaction.
// fn returns false to leave the row as it is. A missing row yields ErrNotFound;
// otherwise the stored copy is returned together with whether it was written.
func (s *Store) Mutate(ctx context.Context, id string, fn func(sub *models.PendingSubmission) bool) (*models.PendingSubmission, bool, error) {
	var (
		current *models.PendingSubmission
		written bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.Where("id = ?", id)
		if s.db.Driver() == "postgres" {
			query = query.Clauses(clause.Locking{Strength: "UPDATE"})
		}

		var entry models.QueueEntry
		err := query.First(&entry).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		current, err = s.open(&entry)
		if err != nil {
			return err
		}
		if !fn(current) {
			return nil
		}
		written = true
		return s.update(tx, current)
	})
	if err != nil {
		return nil, false, err
	}
	return current, written, nil
}

// Get loads one submission; it returns nil when the id is unknown
func (s *Store) Get(ctx context.Context, id string) (*models.PendingSubmission, error) {
	var entry models.QueueEntry
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.open(&entry)
}

// List returns every submission in enqueue order
func (s *Store) List(ctx context.Context) ([]*models.PendingSubmission, error) {
	var entries []models.QueueEntry
	if err := s.db.WithContext(ctx).Order("seq ASC").Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to load queue: %w", err)
	}

	subs := make([]*models.PendingSubmission, 0, len(entries))
	for i := range entries {
		sub, err := s.open(&entries[i])
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// Delete removes a submission and reports whether it existed
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&models.QueueEntry{})
	return res.RowsAffected > 0, res.Error
}

// Count returns the number of stored submissions
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.QueueEntry{}).Count(&n).Error
	return int(n), err
}

func (s *Store) open(entry *models.QueueEntry) (*models.PendingSubmission, error) {
	var sub models.PendingSubmission
	if err := s.cipher.OpenJSON(entry.Payload, &sub); err != nil {
		return nil, fmt.Errorf("submission %s: %w", entry.ID, err)
	}
	sub.Seq = entry.Seq
	return &sub, nil
}
