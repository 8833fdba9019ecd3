package guardkit

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// SetManager sets or clears (managerID == nil) the manager of subjectID.
//
// The check and the write run in one transaction holding the hierarchy lock,
// so two concurrent assignments can never jointly close a loop. Both
// identities must be live. Fails with ErrSelfReference, ErrNotFound or
// ErrCycle before anything is written.
func (s *Service) SetManager(ctx context.Context, subjectID int64, managerID *int64, actor Actor) error {
	if managerID != nil && *managerID == subjectID {
		return NewError(ErrSelfReference, fmt.Sprintf("identity %d", subjectID)).
			WithIdentity(subjectID).
			WithActor(actor.ID)
	}

	return s.transaction(ctx, "SetManager", func(ctx context.Context, tx Tx) error {
		if err := tx.LockHierarchy(ctx); err != nil {
			return err
		}

		subject, err := tx.FindIdentity(ctx, subjectID, StateLive, true)
		if err != nil {
			return err
		}

		managerLabel := "none"
		if managerID != nil {
			manager, err := tx.FindIdentity(ctx, *managerID, StateLive, false)
			if err != nil {
				return err
			}
			managerLabel = manager.Label()

			below, err := s.walkDown(ctx, tx, subjectID)
			if err != nil {
				return err
			}
			for _, d := range below {
				if d.ID == *managerID {
					return NewError(ErrCycle,
						fmt.Sprintf("identity %d already reports to identity %d", *managerID, subjectID)).
						WithIdentity(subjectID).
						WithActor(actor.ID)
				}
			}
		}

		if sameID(subject.ManagerID, managerID) {
			return nil
		}

		before := map[string]any{"manager_id": ptrValue(subject.ManagerID)}
		if managerID != nil {
			subject.ManagerID = int64Ptr(*managerID)
		} else {
			subject.ManagerID = nil
		}
		subject.UpdatedAt = s.timestamp()
		if err := tx.UpdateIdentity(ctx, subject); err != nil {
			return err
		}

		_, err = s.recordTx(ctx, tx, RecordInput{
			Actor:       actor,
			Action:      AuditUpdate,
			TableName:   string(KindIdentity),
			RecordID:    formatID(subjectID),
			Before:      before,
			After:       map[string]any{"manager_id": ptrValue(subject.ManagerID)},
			Description: fmt.Sprintf("Set manager of %s to %s", subject.Label(), managerLabel),
		})
		return err
	})
}

// Descendants returns every identity that reports to id, directly or
// transitively, in breadth-first order. id itself comes first when
// includeSelf is set. Tombstoned identities keep their place in the graph and
// are included.
func (s *Service) Descendants(ctx context.Context, id int64, includeSelf bool) ([]Identity, error) {
	var out []Identity
	err := s.transaction(ctx, "Descendants", func(ctx context.Context, tx Tx) error {
		root, err := tx.FindIdentity(ctx, id, StateAny, false)
		if err != nil {
			return err
		}
		below, err := s.walkDown(ctx, tx, id)
		if err != nil {
			return err
		}
		if includeSelf {
			out = append([]Identity{*root}, below...)
		} else {
			out = below
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// IsDescendant reports whether candidateID reports to ancestorID, directly or
// transitively. An identity is not its own descendant. Unknown ids yield false.
func (s *Service) IsDescendant(ctx context.Context, ancestorID, candidateID int64) (bool, error) {
	var ok bool
	err := s.transaction(ctx, "IsDescendant", func(ctx context.Context, tx Tx) error {
		var err error
		ok, err = s.isDescendant(ctx, tx, ancestorID, candidateID)
		return err
	})
	return ok, err
}

// ManagerChain returns the managers of id, nearest first.
func (s *Service) ManagerChain(ctx context.Context, id int64) ([]Identity, error) {
	var chain []Identity
	err := s.transaction(ctx, "ManagerChain", func(ctx context.Context, tx Tx) error {
		start, err := tx.FindIdentity(ctx, id, StateAny, false)
		if err != nil {
			return err
		}
		chain, err = s.walkUp(ctx, tx, start, 0)
		return err
	})
	if err != nil {
		return nil, err
	}
	return chain, nil
}

// walkDown collects the transitive reports of rootID breadth-first. A visited
// set bounds the walk on a corrupted graph.
func (s *Service) walkDown(ctx context.Context, tx IdentityTx, rootID int64) ([]Identity, error) {
	visited := map[int64]bool{rootID: true}
	frontier := []int64{rootID}
	var out []Identity

	for len(frontier) > 0 {
		reports, err := tx.DirectReports(ctx, frontier)
		if err != nil {
			return nil, err
		}
		frontier = frontier[:0]
		for _, r := range reports {
			if visited[r.ID] {
				s.reportCycle(rootID, r.ID)
				continue
			}
			visited[r.ID] = true
			out = append(out, r)
			frontier = append(frontier, r.ID)
		}
	}
	return out, nil
}

// walkUp follows manager links from start. It stops at a null manager, a
// dangling link, a revisited identity, or at stopAt when non-zero (which is
// then excluded from the result).
func (s *Service) walkUp(ctx context.Context, tx IdentityTx, start *Identity, stopAt int64) ([]Identity, error) {
	visited := map[int64]bool{start.ID: true}
	var chain []Identity

	current := start
	for current.ManagerID != nil {
		next := *current.ManagerID
		if stopAt != 0 && next == stopAt {
			break
		}
		if visited[next] {
			s.reportCycle(start.ID, next)
			break
		}
		visited[next] = true

		manager, err := tx.FindIdentity(ctx, next, StateAny, false)
		if IsNotFound(err) {
			break
		}
		if err != nil {
			return nil, err
		}
		chain = append(chain, *manager)
		current = manager
	}
	return chain, nil
}

func (s *Service) isDescendant(ctx context.Context, tx IdentityTx, ancestorID, candidateID int64) (bool, error) {
	if ancestorID == candidateID {
		return false, nil
	}
	candidate, err := tx.FindIdentity(ctx, candidateID, StateAny, false)
	if IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	chain, err := s.walkUp(ctx, tx, candidate, ancestorID)
	if err != nil {
		return false, err
	}
	last := candidate
	if len(chain) > 0 {
		last = &chain[len(chain)-1]
	}
	return last.ManagerID != nil && *last.ManagerID == ancestorID, nil
}

func (s *Service) reportCycle(startID, revisitedID int64) {
	s.metrics.inconsistency()
	s.logger.Warn("hierarchy cycle detected",
		zap.Int64("start_id", startID),
		zap.Int64("revisited_id", revisitedID),
	)
}

func sameID(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func ptrValue(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}
