package guardkit

import "time"

// AuditFilter provides options for filtering audit log queries.
type AuditFilter struct {
	// Filter by actor who performed the action
	ActorID *int64

	// Filter by affected table
	TableName string

	// Filter by action kind
	Action AuditAction

	// Filter by affected record id
	RecordID string

	// Filter by time range (inclusive)
	Since time.Time
	Until time.Time

	// Pagination
	Limit  int
	Offset int
}

// NewAuditFilter creates a new AuditFilter with default values.
func NewAuditFilter() AuditFilter {
	return AuditFilter{
		Limit: 100,
	}
}

// WithActor filters by actor.
func (f AuditFilter) WithActor(actorID int64) AuditFilter {
	f.ActorID = &actorID
	return f
}

// WithTable filters by affected table.
func (f AuditFilter) WithTable(table string) AuditFilter {
	f.TableName = table
	return f
}

// WithAction filters by action kind.
func (f AuditFilter) WithAction(action AuditAction) AuditFilter {
	f.Action = action
	return f
}

// WithRecord filters by affected record.
func (f AuditFilter) WithRecord(recordID string) AuditFilter {
	f.RecordID = recordID
	return f
}

// WithTimeRange filters by time range.
func (f AuditFilter) WithTimeRange(since, until time.Time) AuditFilter {
	f.Since = since
	f.Until = until
	return f
}

// WithLimit sets the maximum number of results.
func (f AuditFilter) WithLimit(limit int) AuditFilter {
	f.Limit = limit
	return f
}

// WithOffset sets the offset for pagination.
func (f AuditFilter) WithOffset(offset int) AuditFilter {
	f.Offset = offset
	return f
}

func (f AuditFilter) matches(e *AuditEntry) bool {
	if f.ActorID != nil && (e.ActorID == nil || *e.ActorID != *f.ActorID) {
		return false
	}
	if f.TableName != "" && e.TableName != f.TableName {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.RecordID != "" && (e.RecordID == nil || *e.RecordID != f.RecordID) {
		return false
	}
	if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.CreatedAt.After(f.Until) {
		return false
	}
	return true
}

// TrashFilter selects a page of the merged trash listing.
type TrashFilter struct {
	// Kind restricts the listing to one record type; empty means all governed types.
	Kind   ResourceKind
	Limit  int
	Offset int
}

// NewTrashFilter creates a TrashFilter with default values.
func NewTrashFilter() TrashFilter {
	return TrashFilter{Limit: 50}
}

// WithKind restricts the listing to one record type.
func (f TrashFilter) WithKind(kind ResourceKind) TrashFilter {
	f.Kind = kind
	return f
}

// WithLimit sets the maximum number of results.
func (f TrashFilter) WithLimit(limit int) TrashFilter {
	f.Limit = limit
	return f
}

// WithOffset sets the offset for pagination.
func (f TrashFilter) WithOffset(offset int) TrashFilter {
	f.Offset = offset
	return f
}

func clampLimit(limit, defaultLimit, maxLimit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	if maxLimit > 0 && limit > maxLimit {
		return maxLimit
	}
	return limit
}
