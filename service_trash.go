package guardkit

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// TrashEntry is a tombstoned record as shown in the trash. It is derived at
// query time and never stored.
type TrashEntry struct {
	ID        int64          `json:"id"`
	Kind      ResourceKind   `json:"type"`
	Name      string         `json:"name"`
	DeletedAt time.Time      `json:"deleted_at"`
	Data      map[string]any `json:"data"`
}

// TrashPage is one page of the merged trash listing.
type TrashPage struct {
	Entries []TrashEntry `json:"entries"`
	Total   int          `json:"total"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
}

// PurgeSummary reports the outcome of PurgeAll.
type PurgeSummary struct {
	Counts map[ResourceKind]int `json:"counts"`
	// SkippedIdentities still own tasks and were left in the trash.
	SkippedIdentities []int64     `json:"skipped_identities"`
	Entry             *AuditEntry `json:"audit_entry"`
}

// ParseResourceKind accepts a governed table name or its singular form.
func ParseResourceKind(s string) (ResourceKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "identities", "identity", "users", "user":
		return KindIdentity, nil
	case "tasks", "task":
		return KindTask, nil
	}
	return "", unknownKind(ResourceKind(s))
}

func unknownKind(kind ResourceKind) error {
	return NewError(ErrValidation, fmt.Sprintf("unknown record type %q", kind))
}

func trashEntryFromIdentity(i *Identity) TrashEntry {
	return TrashEntry{
		ID:        i.ID,
		Kind:      KindIdentity,
		Name:      i.Label(),
		DeletedAt: i.DeletedAt,
		Data:      i.snapshot(),
	}
}

func trashEntryFromTask(t *Task) TrashEntry {
	return TrashEntry{
		ID:        t.ID,
		Kind:      KindTask,
		Name:      t.Title,
		DeletedAt: t.DeletedAt,
		Data:      t.snapshot(),
	}
}

// sortTrash orders entries newest tombstone first, then by kind and id.
func sortTrash(entries []TrashEntry) {
	sort.SliceStable(entries, func(a, b int) bool {
		ea, eb := entries[a], entries[b]
		if !ea.DeletedAt.Equal(eb.DeletedAt) {
			return ea.DeletedAt.After(eb.DeletedAt)
		}
		if ea.Kind != eb.Kind {
			return ea.Kind < eb.Kind
		}
		return ea.ID > eb.ID
	})
}

// governed is a locked view of one record for lifecycle operations.
type governed struct {
	kind     ResourceKind
	id       int64
	name     string
	snapshot map[string]any
}

func findGoverned(ctx context.Context, tx Tx, kind ResourceKind, id int64, state RecordState) (*governed, error) {
	switch kind {
	case KindIdentity:
		identity, err := tx.FindIdentity(ctx, id, state, true)
		if err != nil {
			return nil, err
		}
		return &governed{kind: kind, id: id, name: identity.Label(), snapshot: identity.snapshot()}, nil
	case KindTask:
		task, err := tx.FindTask(ctx, id, state, true)
		if err != nil {
			return nil, err
		}
		return &governed{kind: kind, id: id, name: task.Title, snapshot: task.snapshot()}, nil
	}
	return nil, unknownKind(kind)
}

func singular(kind ResourceKind) string {
	if kind == KindIdentity {
		return "identity"
	}
	return "task"
}

// SoftDelete moves a live record to the trash. The tombstone and its audit
// entry, which captures the pre-deletion state, commit together.
func (s *Service) SoftDelete(ctx context.Context, kind ResourceKind, id int64, actor Actor) error {
	err := s.transaction(ctx, "SoftDelete", func(ctx context.Context, tx Tx) error {
		return s.softDelete(ctx, tx, kind, id, actor)
	})
	if err != nil {
		return err
	}
	s.metrics.trash(kind, "soft_delete", 1)
	return nil
}

func (s *Service) softDelete(ctx context.Context, tx Tx, kind ResourceKind, id int64, actor Actor) error {
	rec, err := findGoverned(ctx, tx, kind, id, StateLive)
	if err != nil {
		return err
	}
	ok, err := tx.SetTombstone(ctx, kind, id, s.timestamp())
	if err != nil {
		return err
	}
	if !ok {
		return notFound(singular(kind), id)
	}
	_, err = s.recordTx(ctx, tx, RecordInput{
		Actor:       actor,
		Action:      AuditDelete,
		TableName:   string(kind),
		RecordID:    formatID(id),
		Before:      rec.snapshot,
		Description: fmt.Sprintf("Moved %s %s to trash", singular(kind), rec.name),
	})
	return err
}

// ListTrash merges tombstoned records across kinds, newest tombstone first,
// and paginates the merged list.
func (s *Service) ListTrash(ctx context.Context, filter TrashFilter) (*TrashPage, error) {
	kinds := GovernedKinds
	if filter.Kind != "" {
		kind, err := ParseResourceKind(string(filter.Kind))
		if err != nil {
			return nil, err
		}
		kinds = []ResourceKind{kind}
	}

	limit := clampLimit(filter.Limit, s.cfg.Trash.DefaultLimit, s.cfg.Trash.MaxLimit)
	offset := max(filter.Offset, 0)
	page := &TrashPage{Limit: limit, Offset: offset}

	err := s.transaction(ctx, "ListTrash", func(ctx context.Context, tx Tx) error {
		var merged []TrashEntry
		total := 0
		for _, kind := range kinds {
			entries, err := tx.ListTombstoned(ctx, kind, offset+limit)
			if err != nil {
				return err
			}
			n, err := tx.CountTombstoned(ctx, kind)
			if err != nil {
				return err
			}
			merged = append(merged, entries...)
			total += n
		}
		sortTrash(merged)
		page.Entries = paginate(merged, offset, limit)
		page.Total = total
		return nil
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

// Restore returns a tombstoned record to live. It reports false when the
// record is not in the trash.
func (s *Service) Restore(ctx context.Context, kind ResourceKind, id int64, actor Actor) (bool, error) {
	if _, err := governedModel(kind); err != nil {
		return false, err
	}

	restored := false
	err := s.transaction(ctx, "Restore", func(ctx context.Context, tx Tx) error {
		rec, err := findGoverned(ctx, tx, kind, id, StateTombstoned)
		if IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		ok, err := tx.ClearTombstone(ctx, kind, id)
		if err != nil || !ok {
			return err
		}
		after, err := findGoverned(ctx, tx, kind, id, StateLive)
		if err != nil {
			return err
		}
		if _, err := s.recordTx(ctx, tx, RecordInput{
			Actor:       actor,
			Action:      AuditRestore,
			TableName:   string(kind),
			RecordID:    formatID(id),
			Before:      rec.snapshot,
			After:       after.snapshot,
			Description: fmt.Sprintf("Restored %s %s from trash", singular(kind), rec.name),
		}); err != nil {
			return err
		}
		restored = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if restored {
		s.metrics.trash(kind, "restore", 1)
	}
	return restored, nil
}

// Purge permanently removes a tombstoned record. It reports false when the
// record is not in the trash. Purging an identity removes its role
// assignments and detaches its reports; it fails with ErrHasDependents while
// the identity still owns tasks.
func (s *Service) Purge(ctx context.Context, kind ResourceKind, id int64, actor Actor) (bool, error) {
	if _, err := governedModel(kind); err != nil {
		return false, err
	}

	purged := false
	err := s.transaction(ctx, "Purge", func(ctx context.Context, tx Tx) error {
		if kind == KindIdentity {
			if err := tx.LockHierarchy(ctx); err != nil {
				return err
			}
		}
		rec, err := findGoverned(ctx, tx, kind, id, StateTombstoned)
		if IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}

		if kind == KindIdentity {
			owned, err := tx.CountTasksByOwner(ctx, id)
			if err != nil {
				return err
			}
			if owned > 0 {
				return NewError(ErrHasDependents, fmt.Sprintf("identity %d still owns %d tasks", id, owned)).
					WithRecord(string(kind), id)
			}
		}

		if _, err := s.recordTx(ctx, tx, RecordInput{
			Actor:       actor,
			Action:      AuditPurge,
			TableName:   string(kind),
			RecordID:    formatID(id),
			Before:      rec.snapshot,
			Description: fmt.Sprintf("Permanently deleted %s %s", singular(kind), rec.name),
		}); err != nil {
			return err
		}

		if err := s.erase(ctx, tx, kind, id); err != nil {
			return err
		}
		purged = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if purged {
		s.metrics.trash(kind, "purge", 1)
	}
	return purged, nil
}

// erase frees a tombstoned record and reconciles what referenced it.
func (s *Service) erase(ctx context.Context, tx Tx, kind ResourceKind, id int64) error {
	if kind == KindIdentity {
		if _, err := tx.DeleteIdentityAssignments(ctx, id); err != nil {
			return err
		}
		detached, err := tx.DetachReports(ctx, id)
		if err != nil {
			return err
		}
		if detached > 0 {
			s.logger.Info("detached reports of purged identity",
				zap.Int64("identity_id", id),
				zap.Int("reports", detached),
			)
		}
	}

	ok, err := tx.DeleteTombstoned(ctx, kind, id)
	if err != nil {
		return err
	}
	if !ok {
		return notFound(singular(kind), id)
	}
	return nil
}

// PurgeAll empties the trash in one transaction and records a single summary
// audit entry with the per-kind counts. Tasks go first so their owners can
// follow; identities that still own live tasks are skipped.
func (s *Service) PurgeAll(ctx context.Context, actor Actor) (*PurgeSummary, error) {
	summary := &PurgeSummary{}

	err := s.transaction(ctx, "PurgeAll", func(ctx context.Context, tx Tx) error {
		summary.Counts = make(map[ResourceKind]int, len(GovernedKinds))
		summary.SkippedIdentities = []int64{}

		if err := tx.LockHierarchy(ctx); err != nil {
			return err
		}

		taskIDs, err := tx.TombstonedIDs(ctx, KindTask)
		if err != nil {
			return err
		}
		identityIDs, err := tx.TombstonedIDs(ctx, KindIdentity)
		if err != nil {
			return err
		}

		// Every tombstoned task goes first, so only live tasks block an owner.
		var purgeable []int64
		for _, id := range identityIDs {
			_, live, err := tx.ListTasks(ctx, TaskFilter{OwnerIDs: []int64{id}, Limit: 1})
			if err != nil {
				return err
			}
			if live > 0 {
				summary.SkippedIdentities = append(summary.SkippedIdentities, id)
				continue
			}
			purgeable = append(purgeable, id)
		}

		summary.Counts[KindTask] = len(taskIDs)
		summary.Counts[KindIdentity] = len(purgeable)

		after := map[string]any{
			string(KindTask):     len(taskIDs),
			string(KindIdentity): len(purgeable),
		}
		if len(summary.SkippedIdentities) > 0 {
			after["skipped_identities"] = summary.SkippedIdentities
		}
		summary.Entry, err = s.recordTx(ctx, tx, RecordInput{
			Actor:     actor,
			Action:    AuditPurge,
			TableName: "trash",
			After:     after,
			Description: fmt.Sprintf("Emptied trash: %d tasks and %d identities permanently deleted",
				len(taskIDs), len(purgeable)),
		})
		if err != nil {
			return err
		}

		for _, id := range taskIDs {
			if err := s.erase(ctx, tx, KindTask, id); err != nil {
				return err
			}
		}
		for _, id := range purgeable {
			if err := s.erase(ctx, tx, KindIdentity, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for kind, n := range summary.Counts {
		s.metrics.trash(kind, "purge", n)
	}
	return summary, nil
}
