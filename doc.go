// Package guardkit provides the authorization and provenance core of a
// multi-tenant task backend.
//
// GuardKit decides who may act on what, records what actually happened, and
// manages the lifecycle of deleted records. Every decision is recomputed from
// persisted state; nothing is cached between calls.
//
// # Core Concepts
//
// Identity: a user addressed by a stable integer id. Identities form a
// reporting forest through an optional manager link.
//
// Role: a named, component-scoped permission set. A component is a business
// resource category such as "tasks". Each role maps the four actions
// (create, read, update, delete) to a scope.
//
// Scope: the breadth of access granted for an action. Scopes are totally
// ordered: none < own < subordinates < all.
//
// Tombstone: a non-null deleted_at timestamp marking a record as soft-deleted.
// Tombstoned records live in the trash until they are restored or purged.
//
// Audit entry: an immutable record of one state-changing operation, with the
// actor, before/after snapshots and the request provenance.
//
// # Key Features
//
//   - Cycle-safe hierarchy: manager assignments that would close a loop are rejected
//   - Union-by-maximum permission resolution across roles
//   - A closed-form decision table for allow/deny
//   - Append-only audit trail with optional HMAC signatures
//   - Reversible deletion with restore, purge and bulk purge
//   - DBKit/Bun Postgres store and an in-memory store
//
// # Basic Usage
//
//	// 1. Open the store and run migrations
//	store, err := guardkit.OpenPostgres(ctx, cfg.Database)
//	if err != nil {
//	    return err
//	}
//	if err := store.Migrate(ctx); err != nil {
//	    return err
//	}
//
//	// 2. Create the service
//	service := guardkit.NewService(store,
//	    guardkit.WithConfig(cfg),
//	    guardkit.WithLogger(logger),
//	)
//
//	// 3. Seed the default roles
//	_, err = service.SeedRoles(ctx, guardkit.DefaultCatalog(), guardkit.SystemActor)
//
//	// 4. Ask for a decision
//	ok, err := service.Allow(ctx, userID, "tasks", guardkit.ActionUpdate, &task.UserID)
//
// # Provenance
//
// Request metadata for the audit trail travels in the context:
//
//	ctx = guardkit.WithProvenance(ctx, guardkit.Provenance{
//	    IPAddress: "10.0.0.1",
//	    Method:    "DELETE",
//	    Endpoint:  "/tasks/42",
//	})
//
// The HTTP middleware (InjectProvenance) fills it from the incoming request.
package guardkit
