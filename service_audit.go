package guardkit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// RecordInput describes one audit entry.
type RecordInput struct {
	Actor       Actor
	Action      AuditAction
	TableName   string
	RecordID    string // empty for bulk operations
	Before      map[string]any
	After       map[string]any
	Description string
	// Provenance defaults to the one carried by the context.
	Provenance *Provenance
}

// AuditPage is one page of audit entries, newest first.
type AuditPage struct {
	Entries []AuditEntry `json:"entries"`
	Total   int          `json:"total"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
}

// AuditFacets lists the distinct tables and actions observed so far.
type AuditFacets struct {
	Tables  []string `json:"tables"`
	Actions []string `json:"actions"`
}

// AuditVerification is the result of VerifyAudit.
type AuditVerification struct {
	Checked int      `json:"checked"`
	Invalid []string `json:"invalid"`
}

// Valid reports whether every checked entry carried a matching signature.
func (v *AuditVerification) Valid() bool {
	return len(v.Invalid) == 0
}

// Record appends one audit entry in its own transaction.
// Callers that mutate state should prefer the service operations, which
// record their entry in the same transaction as the mutation.
func (s *Service) Record(ctx context.Context, in RecordInput) (*AuditEntry, error) {
	var entry *AuditEntry
	err := s.transaction(ctx, "Record", func(ctx context.Context, tx Tx) error {
		var err error
		entry, err = s.recordTx(ctx, tx, in)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// recordTx writes an audit entry inside tx. A failure aborts the enclosing
// transaction, so the guarded mutation never commits without its entry.
func (s *Service) recordTx(ctx context.Context, tx AuditTx, in RecordInput) (*AuditEntry, error) {
	prov := ProvenanceFromContext(ctx)
	if in.Provenance != nil {
		prov = *in.Provenance
	}

	before, err := detachSnapshot(in.Before)
	if err != nil {
		return nil, err
	}
	after, err := detachSnapshot(in.After)
	if err != nil {
		return nil, err
	}

	createdAt := s.timestamp()
	entry := &AuditEntry{
		ID:          newEntryID(createdAt),
		ActorID:     in.Actor.idPtr(),
		ActorLabel:  in.Actor.Label,
		Action:      in.Action,
		TableName:   in.TableName,
		Before:      before,
		After:       after,
		Description: in.Description,
		IPAddress:   prov.IPAddress,
		UserAgent:   prov.UserAgent,
		Endpoint:    prov.Endpoint,
		Method:      prov.Method,
		RequestID:   prov.RequestID,
		CreatedAt:   createdAt,
	}
	if in.RecordID != "" {
		recordID := in.RecordID
		entry.RecordID = &recordID
	}
	if entry.ActorLabel == "" && in.Actor.IsSystem() {
		entry.ActorLabel = SystemActor.Label
	}

	if key := s.cfg.Audit.SigningKey; key != "" {
		sig, err := signEntry([]byte(key), entry)
		if err != nil {
			return nil, err
		}
		entry.Signature = sig
	}

	if err := tx.InsertAuditEntry(ctx, entry); err != nil {
		s.logger.Error("audit write failed",
			zap.String("table", entry.TableName),
			zap.String("action", string(entry.Action)),
			zap.Error(err),
		)
		return nil, err
	}
	s.countAudit(ctx, entry.TableName, entry.Action)
	return entry, nil
}

// detachSnapshot copies a snapshot through its JSON form, so the entry shares
// nothing with the caller and holds the same values a jsonb column returns.
func detachSnapshot(m map[string]any) (map[string]any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, NewError(ErrValidation, "audit snapshot is not serializable: "+err.Error())
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, NewError(ErrValidation, "audit snapshot is not serializable: "+err.Error())
	}
	return out, nil
}

func emptyToNil(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	return m
}

// AuditLog retrieves audit entries matching filter, newest first.
//
// Example:
//
//	filter := guardkit.NewAuditFilter().
//	    WithTable("tasks").
//	    WithAction(guardkit.AuditDelete).
//	    WithTimeRange(since, until)
//	page, err := service.AuditLog(ctx, filter)
func (s *Service) AuditLog(ctx context.Context, filter AuditFilter) (*AuditPage, error) {
	if !filter.Since.IsZero() && !filter.Until.IsZero() && filter.Until.Before(filter.Since) {
		return nil, NewError(ErrValidation, "audit filter: until precedes since")
	}
	filter.Limit = clampLimit(filter.Limit, s.cfg.Audit.DefaultLimit, s.cfg.Audit.MaxLimit)
	filter.Offset = max(filter.Offset, 0)

	page := &AuditPage{Limit: filter.Limit, Offset: filter.Offset}
	err := s.transaction(ctx, "AuditLog", func(ctx context.Context, tx Tx) error {
		var err error
		page.Entries, page.Total, err = tx.ListAuditEntries(ctx, filter)
		return err
	})
	if err != nil {
		return nil, err
	}
	if page.Entries == nil {
		page.Entries = []AuditEntry{}
	}
	return page, nil
}

// GetAuditEntry retrieves a single audit entry.
func (s *Service) GetAuditEntry(ctx context.Context, id string) (*AuditEntry, error) {
	var entry *AuditEntry
	err := s.transaction(ctx, "GetAuditEntry", func(ctx context.Context, tx Tx) error {
		var err error
		entry, err = tx.FindAuditEntry(ctx, id)
		return err
	})
	return entry, err
}

// AuditFacets enumerates the distinct table names and actions recorded so far.
func (s *Service) AuditFacets(ctx context.Context) (*AuditFacets, error) {
	facets := &AuditFacets{}
	err := s.transaction(ctx, "AuditFacets", func(ctx context.Context, tx Tx) error {
		var err error
		facets.Tables, facets.Actions, err = tx.AuditFacets(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return facets, nil
}

// VerifyAudit recomputes the signature of every entry matching filter,
// ignoring its pagination, and reports the ids whose signature is missing or
// does not match.
func (s *Service) VerifyAudit(ctx context.Context, filter AuditFilter) (*AuditVerification, error) {
	key := s.cfg.Audit.SigningKey
	if key == "" {
		return nil, NewError(ErrSigningDisabled, "set audit.signing_key")
	}

	result := &AuditVerification{Invalid: []string{}}
	filter.Limit = max(s.cfg.Audit.MaxLimit, 1)
	filter.Offset = 0

	for {
		var entries []AuditEntry
		err := s.transaction(ctx, "VerifyAudit", func(ctx context.Context, tx Tx) error {
			var err error
			entries, _, err = tx.ListAuditEntries(ctx, filter)
			return err
		})
		if err != nil {
			return nil, err
		}

		for i := range entries {
			result.Checked++
			if !verifyEntry([]byte(key), &entries[i]) {
				result.Invalid = append(result.Invalid, entries[i].ID)
			}
		}

		if len(entries) < filter.Limit {
			break
		}
		filter.Offset += filter.Limit
	}

	if !result.Valid() {
		s.logger.Warn("audit verification found invalid entries",
			zap.Int("checked", result.Checked),
			zap.Int("invalid", len(result.Invalid)),
		)
	}
	return result, nil
}

// signedContent is the canonical form covered by an entry's signature.
type signedContent struct {
	ID          string         `json:"id"`
	ActorID     *int64         `json:"actor_id"`
	ActorLabel  string         `json:"actor_label"`
	Action      AuditAction    `json:"action"`
	TableName   string         `json:"table_name"`
	RecordID    *string        `json:"record_id"`
	Before      map[string]any `json:"before"`
	After       map[string]any `json:"after"`
	Description string         `json:"description"`
	Provenance  Provenance     `json:"provenance"`
	CreatedAt   string         `json:"created_at"`
}

func signEntry(key []byte, e *AuditEntry) (string, error) {
	payload, err := json.Marshal(signedContent{
		ID:          e.ID,
		ActorID:     e.ActorID,
		ActorLabel:  e.ActorLabel,
		Action:      e.Action,
		TableName:   e.TableName,
		RecordID:    e.RecordID,
		Before:      emptyToNil(e.Before),
		After:       emptyToNil(e.After),
		Description: e.Description,
		Provenance:  e.Provenance(),
		CreatedAt:   e.CreatedAt.UTC().Truncate(time.Microsecond).Format(time.RFC3339Nano),
	})
	if err != nil {
		return "", NewError(ErrValidation, "audit entry is not serializable: "+err.Error())
	}

	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

func verifyEntry(key []byte, e *AuditEntry) bool {
	if e.Signature == "" {
		return false
	}
	expected, err := signEntry(key, e)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(e.Signature))
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
