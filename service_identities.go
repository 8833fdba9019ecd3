package guardkit

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// IdentityInput describes an identity to create.
type IdentityInput struct {
	Email       string
	DisplayName string
	ManagerID   *int64
	IsAdmin     bool
}

func validateIdentityInput(in IdentityInput) (IdentityInput, error) {
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.DisplayName = strings.TrimSpace(in.DisplayName)
	if in.Email == "" {
		return in, NewError(ErrValidation, "email is required")
	}
	if _, err := mail.ParseAddress(in.Email); err != nil {
		return in, NewError(ErrValidation, fmt.Sprintf("invalid email %q", in.Email))
	}
	return in, nil
}

// CreateIdentity creates an active identity. When a manager is given it must
// be live. A duplicate email fails with ErrDuplicateIdentity.
func (s *Service) CreateIdentity(ctx context.Context, in IdentityInput, actor Actor) (*Identity, error) {
	in, err := validateIdentityInput(in)
	if err != nil {
		return nil, err
	}

	now := s.timestamp()
	identity := &Identity{
		Email:       in.Email,
		DisplayName: in.DisplayName,
		IsActive:    true,
		IsAdmin:     in.IsAdmin,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err = s.transaction(ctx, "CreateIdentity", func(ctx context.Context, tx Tx) error {
		if in.ManagerID != nil {
			// A new identity has no reports, so linking it cannot close a loop.
			if err := tx.LockHierarchy(ctx); err != nil {
				return err
			}
			if _, err := tx.FindIdentity(ctx, *in.ManagerID, StateLive, false); err != nil {
				return err
			}
			identity.ManagerID = int64Ptr(*in.ManagerID)
		}

		if err := tx.InsertIdentity(ctx, identity); err != nil {
			return err
		}
		_, err := s.recordTx(ctx, tx, RecordInput{
			Actor:       actor,
			Action:      AuditCreate,
			TableName:   string(KindIdentity),
			RecordID:    formatID(identity.ID),
			After:       identity.snapshot(),
			Description: "Created identity " + identity.Label(),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return identity, nil
}

// GetIdentity retrieves a live identity.
func (s *Service) GetIdentity(ctx context.Context, id int64) (*Identity, error) {
	var identity *Identity
	err := s.transaction(ctx, "GetIdentity", func(ctx context.Context, tx Tx) error {
		var err error
		identity, err = tx.FindIdentity(ctx, id, StateLive, false)
		return err
	})
	return identity, err
}

// IdentityPage is one page of live identities.
type IdentityPage struct {
	Identities []Identity `json:"identities"`
	Total      int        `json:"total"`
	Limit      int        `json:"limit"`
	Offset     int        `json:"offset"`
}

// ListIdentities pages through live identities ordered by id.
func (s *Service) ListIdentities(ctx context.Context, filter IdentityFilter) (*IdentityPage, error) {
	filter.Limit = clampLimit(filter.Limit, defaultPageSize, maxPageSize)
	filter.Offset = max(filter.Offset, 0)

	page := &IdentityPage{Limit: filter.Limit, Offset: filter.Offset}
	err := s.transaction(ctx, "ListIdentities", func(ctx context.Context, tx Tx) error {
		var err error
		page.Identities, page.Total, err = tx.ListIdentities(ctx, filter)
		return err
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

// SetIdentityActive activates or deactivates a live identity. Inactive
// identities keep their roles but cannot authenticate.
func (s *Service) SetIdentityActive(ctx context.Context, id int64, active bool, actor Actor) (*Identity, error) {
	var identity *Identity
	err := s.transaction(ctx, "SetIdentityActive", func(ctx context.Context, tx Tx) error {
		var err error
		identity, err = tx.FindIdentity(ctx, id, StateLive, true)
		if err != nil {
			return err
		}
		if identity.IsActive == active {
			return nil
		}

		identity.IsActive = active
		identity.UpdatedAt = s.timestamp()
		if err := tx.UpdateIdentity(ctx, identity); err != nil {
			return err
		}

		verb := "Deactivated"
		if active {
			verb = "Activated"
		}
		_, err = s.recordTx(ctx, tx, RecordInput{
			Actor:       actor,
			Action:      AuditUpdate,
			TableName:   string(KindIdentity),
			RecordID:    formatID(id),
			Before:      map[string]any{"is_active": !active},
			After:       map[string]any{"is_active": active},
			Description: verb + " identity " + identity.Label(),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return identity, nil
}

// DeleteIdentity moves an identity to the trash. Its role assignments and
// reporting lines stay in place until it is purged.
func (s *Service) DeleteIdentity(ctx context.Context, id int64, actor Actor) error {
	return s.SoftDelete(ctx, KindIdentity, id, actor)
}
