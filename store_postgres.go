package guardkit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fernandezvara/dbkit"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/samber/lo"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/driver/pgdriver"
	"go.uber.org/zap"
)

// hierarchyLockKey is the advisory lock taken by manager-graph mutations.
const hierarchyLockKey int64 = 0x6775617264 // "guard"

// PostgresStore persists state in Postgres through Bun.
type PostgresStore struct {
	db         bun.IDB
	kit        *dbkit.DBKit
	maxRetries int
	logger     *zap.Logger
}

// PostgresOption configures a PostgresStore.
type PostgresOption func(*PostgresStore)

// WithMaxRetries bounds retries of transactions aborted by serialization
// failures or deadlocks.
func WithMaxRetries(n int) PostgresOption {
	return func(s *PostgresStore) {
		s.maxRetries = n
	}
}

// WithStoreLogger sets the logger used for retry and pool messages.
func WithStoreLogger(logger *zap.Logger) PostgresOption {
	return func(s *PostgresStore) {
		s.logger = logger
	}
}

// NewPostgresStore wraps an existing Bun database or transaction.
func NewPostgresStore(db bun.IDB, opts ...PostgresOption) *PostgresStore {
	s := &PostgresStore{
		db:         db,
		maxRetries: 3,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OpenPostgres connects through dbkit and applies the pool settings from cfg.
func OpenPostgres(ctx context.Context, cfg DatabaseConfig, opts ...PostgresOption) (*PostgresStore, error) {
	kit, err := dbkit.New(dbkit.Config{URL: cfg.URL})
	if err != nil {
		return nil, fmt.Errorf("%w: connect: %w", ErrDatabaseError, err)
	}

	bunDB := kit.Bun()
	if cfg.MaxOpenConns > 0 {
		bunDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		bunDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		bunDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if cfg.ConnMaxIdleTime > 0 {
		bunDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if err := kit.PingContext(ctx); err != nil {
		kit.Close()
		return nil, fmt.Errorf("%w: ping: %w", ErrDatabaseError, err)
	}

	store := NewPostgresStore(bunDB, append([]PostgresOption{WithMaxRetries(cfg.MaxRetries)}, opts...)...)
	store.kit = kit

	store.logger.Info("connection pool configured",
		zap.Int("max_open", cfg.MaxOpenConns),
		zap.Int("max_idle", cfg.MaxIdleConns),
		zap.Duration("max_lifetime", cfg.ConnMaxLifetime),
		zap.Duration("max_idle_time", cfg.ConnMaxIdleTime),
	)
	return store, nil
}

// Close releases the connection pool opened by OpenPostgres.
func (s *PostgresStore) Close() {
	if s.kit != nil {
		s.kit.Close()
	}
}

// Ping performs a basic connectivity test to the database.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.kit != nil {
		return s.kit.PingContext(ctx)
	}
	var result int
	return s.db.NewSelect().ColumnExpr("1").Scan(ctx, &result)
}

// Health returns dbkit's detailed status, or a ping-based one when the store
// was built from a bare Bun handle.
func (s *PostgresStore) Health(ctx context.Context) dbkit.HealthStatus {
	if s.kit != nil {
		return s.kit.Health(ctx)
	}
	status := dbkit.HealthStatus{Healthy: true}
	if err := s.Ping(ctx); err != nil {
		status.Healthy = false
		status.Error = err.Error()
	}
	return status
}

// PoolStats returns connection pool statistics for monitoring.
// Returns zero values when the store was not opened through dbkit.
func (s *PostgresStore) PoolStats() dbkit.PoolStats {
	if s.kit == nil {
		return dbkit.PoolStats{}
	}
	return dbkit.PoolStatsFromSQL(s.kit.Stats())
}

// Transaction runs fn in a database transaction, retrying transient failures.
func (s *PostgresStore) Transaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	var err error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		err = s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			return fn(ctx, &pgTx{db: tx})
		})
		if err == nil || !isTransientError(err) || attempt == s.maxRetries {
			return err
		}

		s.logger.Warn("retrying transaction", zap.Int("attempt", attempt+1), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 20 * time.Millisecond):
		}
	}
	return err
}

// isTransientError reports serialization failures and deadlocks, which are
// safe to retry from the start of the transaction.
func isTransientError(err error) bool {
	return dbkit.IsRetryable(storageError("Transaction", err))
}

// storageError classifies err with dbkit. The pgdriver connector dbkit opens
// reports server errors as pgdriver.Error, which is translated to the pgconn
// form dbkit recognises.
func storageError(op string, err error) error {
	if err == nil {
		return nil
	}
	var drvErr pgdriver.Error
	if errors.As(err, &drvErr) {
		err = &pgconn.PgError{
			Severity:       drvErr.Field('S'),
			Code:           drvErr.Field('C'),
			Message:        drvErr.Field('M'),
			Detail:         drvErr.Field('D'),
			Hint:           drvErr.Field('H'),
			SchemaName:     drvErr.Field('s'),
			TableName:      drvErr.Field('t'),
			ColumnName:     drvErr.Field('c'),
			ConstraintName: drvErr.Field('n'),
		}
	}
	return dbkit.WithErr1(err, op).Err()
}

type pgTx struct {
	db bun.IDB
}

// fail wraps a storage error; missing is returned instead when no row matched.
func fail(op string, err error, missing error) error {
	if err == nil {
		return nil
	}
	if missing != nil && (errors.Is(err, sql.ErrNoRows) || dbkit.IsNotFound(err)) {
		return missing
	}
	return fmt.Errorf("%w: %w", ErrDatabaseError, storageError(op, err))
}

func affected(op string, res sql.Result, err error) (int, error) {
	if err := storageError(op, err); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrDatabaseError, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrDatabaseError, op, err)
	}
	return int(n), nil
}

func withState(q *bun.SelectQuery, state RecordState) *bun.SelectQuery {
	switch state {
	case StateTombstoned:
		return q.WhereDeleted()
	case StateAny:
		return q.WhereAllWithDeleted()
	}
	return q
}

func governedModel(kind ResourceKind) (any, error) {
	switch kind {
	case KindIdentity:
		return (*Identity)(nil), nil
	case KindTask:
		return (*Task)(nil), nil
	}
	return nil, unknownKind(kind)
}

func (tx *pgTx) LockHierarchy(ctx context.Context) error {
	_, err := tx.db.ExecContext(ctx, "SELECT pg_advisory_xact_lock(?)", hierarchyLockKey)
	return fail("LockHierarchy", err, nil)
}

func (tx *pgTx) InsertIdentity(ctx context.Context, identity *Identity) error {
	_, err := tx.db.NewInsert().Model(identity).Returning("id").Exec(ctx)
	if dbkit.IsDuplicate(storageError("InsertIdentity", err)) {
		return NewError(ErrDuplicateIdentity, identity.Email)
	}
	return fail("InsertIdentity", err, nil)
}

func (tx *pgTx) FindIdentity(ctx context.Context, id int64, state RecordState, forUpdate bool) (*Identity, error) {
	identity := &Identity{ID: id}
	q := withState(tx.db.NewSelect().Model(identity).WherePK(), state)
	if forUpdate {
		q = q.For("UPDATE")
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fail("FindIdentity", err, notFound("identity", id))
	}
	return identity, nil
}

func (tx *pgTx) FindIdentityByEmail(ctx context.Context, email string) (*Identity, error) {
	identity := new(Identity)
	err := tx.db.NewSelect().Model(identity).Where("i.email = ?", email).Scan(ctx)
	if err != nil {
		return nil, fail("FindIdentityByEmail", err, notFound("identity", email))
	}
	return identity, nil
}

func (tx *pgTx) ListIdentities(ctx context.Context, filter IdentityFilter) ([]Identity, int, error) {
	var rows []Identity
	q := tx.db.NewSelect().Model(&rows).Order("i.id ASC")
	if !filter.IncludeInactive {
		q = q.Where("i.is_active = TRUE")
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}
	total, err := q.ScanAndCount(ctx)
	if err != nil {
		return nil, 0, fail("ListIdentities", err, nil)
	}
	return rows, total, nil
}

func (tx *pgTx) UpdateIdentity(ctx context.Context, identity *Identity) error {
	res, err := tx.db.NewUpdate().Model(identity).
		Column("email", "display_name", "manager_id", "is_active", "is_admin", "updated_at").
		WherePK().
		WhereAllWithDeleted().
		Exec(ctx)
	if dbkit.IsDuplicate(storageError("UpdateIdentity", err)) {
		return NewError(ErrDuplicateIdentity, identity.Email)
	}
	n, err := affected("UpdateIdentity", res, err)
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound("identity", identity.ID)
	}
	return nil
}

func (tx *pgTx) DirectReports(ctx context.Context, managerIDs []int64) ([]Identity, error) {
	if len(managerIDs) == 0 {
		return nil, nil
	}
	var rows []Identity
	err := tx.db.NewSelect().Model(&rows).
		WhereAllWithDeleted().
		Where("i.manager_id IN (?)", bun.In(managerIDs)).
		Order("i.id ASC").
		Scan(ctx)
	return rows, fail("DirectReports", err, nil)
}

func (tx *pgTx) DetachReports(ctx context.Context, managerID int64) (int, error) {
	res, err := tx.db.NewUpdate().Model((*Identity)(nil)).
		Set("manager_id = NULL").
		WhereAllWithDeleted().
		Where("manager_id = ?", managerID).
		Exec(ctx)
	return affected("DetachReports", res, err)
}

func (tx *pgTx) InsertRole(ctx context.Context, role *Role) error {
	_, err := tx.db.NewInsert().Model(role).Returning("id").Exec(ctx)
	if dbkit.IsDuplicate(storageError("InsertRole", err)) {
		return NewError(ErrDuplicateRole, role.Component+"/"+role.Name).WithRole(role.Component, role.Name)
	}
	return fail("InsertRole", err, nil)
}

func (tx *pgTx) FindRole(ctx context.Context, id int64) (*Role, error) {
	role := &Role{ID: id}
	if err := tx.db.NewSelect().Model(role).WherePK().Scan(ctx); err != nil {
		return nil, fail("FindRole", err, notFound("role", id))
	}
	return role, nil
}

func (tx *pgTx) FindRoleByName(ctx context.Context, component, name string) (*Role, error) {
	role := new(Role)
	err := tx.db.NewSelect().Model(role).
		Where("r.component = ?", component).
		Where("r.name = ?", name).
		Scan(ctx)
	if err != nil {
		return nil, fail("FindRoleByName", err, notFound("role", component+"/"+name))
	}
	return role, nil
}

func (tx *pgTx) ListRoles(ctx context.Context, component string) ([]Role, error) {
	var roles []Role
	q := tx.db.NewSelect().Model(&roles).Order("r.component ASC", "r.name ASC")
	if component != "" {
		q = q.Where("r.component = ?", component)
	}
	return roles, fail("ListRoles", q.Scan(ctx), nil)
}

func (tx *pgTx) UpdateRole(ctx context.Context, role *Role) error {
	res, err := tx.db.NewUpdate().Model(role).
		Column("description", "permissions", "updated_at").
		WherePK().
		Exec(ctx)
	n, err := affected("UpdateRole", res, err)
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound("role", role.ID)
	}
	return nil
}

func (tx *pgTx) DeleteRole(ctx context.Context, id int64) error {
	res, err := tx.db.NewDelete().Model((*Role)(nil)).Where("id = ?", id).Exec(ctx)
	n, err := affected("DeleteRole", res, err)
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound("role", id)
	}
	return nil
}

func (tx *pgTx) InsertAssignment(ctx context.Context, assignment *RoleAssignment) error {
	_, err := tx.db.NewInsert().Model(assignment).Exec(ctx)
	if dbkit.IsDuplicate(storageError("InsertAssignment", err)) {
		return NewError(ErrAlreadyAssigned, assignment.recordID())
	}
	return fail("InsertAssignment", err, nil)
}

func (tx *pgTx) DeleteAssignment(ctx context.Context, identityID, roleID int64) (bool, error) {
	res, err := tx.db.NewDelete().Model((*RoleAssignment)(nil)).
		Where("identity_id = ?", identityID).
		Where("role_id = ?", roleID).
		Exec(ctx)
	n, err := affected("DeleteAssignment", res, err)
	return n > 0, err
}

func (tx *pgTx) DeleteRoleAssignments(ctx context.Context, roleID int64) (int, error) {
	res, err := tx.db.NewDelete().Model((*RoleAssignment)(nil)).Where("role_id = ?", roleID).Exec(ctx)
	return affected("DeleteRoleAssignments", res, err)
}

func (tx *pgTx) DeleteIdentityAssignments(ctx context.Context, identityID int64) (int, error) {
	res, err := tx.db.NewDelete().Model((*RoleAssignment)(nil)).Where("identity_id = ?", identityID).Exec(ctx)
	return affected("DeleteIdentityAssignments", res, err)
}

func (tx *pgTx) AssignedRoles(ctx context.Context, identityID int64, component string) ([]Role, error) {
	var roles []Role
	q := tx.db.NewSelect().Model(&roles).
		Join("JOIN role_assignments AS ra ON ra.role_id = r.id").
		Where("ra.identity_id = ?", identityID).
		Order("r.component ASC", "r.name ASC")
	if component != "" {
		q = q.Where("r.component = ?", component)
	}
	return roles, fail("AssignedRoles", q.Scan(ctx), nil)
}

func (tx *pgTx) InsertAuditEntry(ctx context.Context, entry *AuditEntry) error {
	_, err := tx.db.NewInsert().Model(entry).Exec(ctx)
	return fail("InsertAuditEntry", err, nil)
}

func (tx *pgTx) FindAuditEntry(ctx context.Context, id string) (*AuditEntry, error) {
	entry := &AuditEntry{ID: id}
	if err := tx.db.NewSelect().Model(entry).WherePK().Scan(ctx); err != nil {
		return nil, fail("FindAuditEntry", err, notFound("audit entry", id))
	}
	return entry, nil
}

func (tx *pgTx) ListAuditEntries(ctx context.Context, filter AuditFilter) ([]AuditEntry, int, error) {
	var entries []AuditEntry
	q := tx.db.NewSelect().Model(&entries)

	if filter.ActorID != nil {
		q = q.Where("ae.actor_id = ?", *filter.ActorID)
	}
	if filter.TableName != "" {
		q = q.Where("ae.table_name = ?", filter.TableName)
	}
	if filter.Action != "" {
		q = q.Where("ae.action = ?", filter.Action)
	}
	if filter.RecordID != "" {
		q = q.Where("ae.record_id = ?", filter.RecordID)
	}
	if !filter.Since.IsZero() {
		q = q.Where("ae.created_at >= ?", filter.Since)
	}
	if !filter.Until.IsZero() {
		q = q.Where("ae.created_at <= ?", filter.Until)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}

	total, err := q.Order("ae.created_at DESC", "ae.id DESC").ScanAndCount(ctx)
	if err != nil {
		return nil, 0, fail("ListAuditEntries", err, nil)
	}
	return entries, total, nil
}

func (tx *pgTx) AuditFacets(ctx context.Context) ([]string, []string, error) {
	var tables, actions []string
	err := tx.db.NewRaw("SELECT DISTINCT table_name FROM audit_entries ORDER BY table_name").Scan(ctx, &tables)
	if err != nil {
		return nil, nil, fail("AuditFacets", err, nil)
	}
	err = tx.db.NewRaw("SELECT DISTINCT action FROM audit_entries ORDER BY action").Scan(ctx, &actions)
	if err != nil {
		return nil, nil, fail("AuditFacets", err, nil)
	}
	return tables, actions, nil
}

func (tx *pgTx) InsertTask(ctx context.Context, task *Task) error {
	_, err := tx.db.NewInsert().Model(task).Returning("id").Exec(ctx)
	return fail("InsertTask", err, nil)
}

func (tx *pgTx) FindTask(ctx context.Context, id int64, state RecordState, forUpdate bool) (*Task, error) {
	task := &Task{ID: id}
	q := withState(tx.db.NewSelect().Model(task).WherePK(), state)
	if forUpdate {
		q = q.For("UPDATE")
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fail("FindTask", err, notFound("task", id))
	}
	return task, nil
}

func (tx *pgTx) ListTasks(ctx context.Context, filter TaskFilter) ([]Task, int, error) {
	var tasks []Task
	q := tx.db.NewSelect().Model(&tasks).Order("t.id ASC")
	if filter.OwnerIDs != nil {
		if len(filter.OwnerIDs) == 0 {
			return []Task{}, 0, nil
		}
		q = q.Where("t.user_id IN (?)", bun.In(filter.OwnerIDs))
	}
	if filter.Status != "" {
		q = q.Where("t.status = ?", filter.Status)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}
	total, err := q.ScanAndCount(ctx)
	if err != nil {
		return nil, 0, fail("ListTasks", err, nil)
	}
	return tasks, total, nil
}

func (tx *pgTx) UpdateTask(ctx context.Context, task *Task) error {
	res, err := tx.db.NewUpdate().Model(task).
		Column("title", "description", "status", "priority", "user_id", "updated_at").
		WherePK().
		Exec(ctx)
	n, err := affected("UpdateTask", res, err)
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound("task", task.ID)
	}
	return nil
}

func (tx *pgTx) CountTasksByOwner(ctx context.Context, ownerID int64) (int, error) {
	n, err := tx.db.NewSelect().Model((*Task)(nil)).
		WhereAllWithDeleted().
		Where("t.user_id = ?", ownerID).
		Count(ctx)
	return n, fail("CountTasksByOwner", err, nil)
}

func (tx *pgTx) SetTombstone(ctx context.Context, kind ResourceKind, id int64, at time.Time) (bool, error) {
	model, err := governedModel(kind)
	if err != nil {
		return false, err
	}
	res, err := tx.db.NewUpdate().Model(model).
		Set("deleted_at = ?", at).
		WhereAllWithDeleted().
		Where("id = ?", id).
		Where("deleted_at IS NULL").
		Exec(ctx)
	n, err := affected("SetTombstone", res, err)
	return n > 0, err
}

func (tx *pgTx) ClearTombstone(ctx context.Context, kind ResourceKind, id int64) (bool, error) {
	model, err := governedModel(kind)
	if err != nil {
		return false, err
	}
	res, err := tx.db.NewUpdate().Model(model).
		Set("deleted_at = NULL").
		WhereAllWithDeleted().
		Where("id = ?", id).
		Where("deleted_at IS NOT NULL").
		Exec(ctx)
	n, err := affected("ClearTombstone", res, err)
	return n > 0, err
}

func (tx *pgTx) DeleteTombstoned(ctx context.Context, kind ResourceKind, id int64) (bool, error) {
	model, err := governedModel(kind)
	if err != nil {
		return false, err
	}
	res, err := tx.db.NewDelete().Model(model).
		WhereAllWithDeleted().
		Where("id = ?", id).
		Where("deleted_at IS NOT NULL").
		ForceDelete().
		Exec(ctx)
	n, err := affected("DeleteTombstoned", res, err)
	return n > 0, err
}

func (tx *pgTx) ListTombstoned(ctx context.Context, kind ResourceKind, limit int) ([]TrashEntry, error) {
	switch kind {
	case KindIdentity:
		var rows []Identity
		q := tx.db.NewSelect().Model(&rows).WhereDeleted().Order("i.deleted_at DESC", "i.id DESC")
		if limit > 0 {
			q = q.Limit(limit)
		}
		if err := q.Scan(ctx); err != nil {
			return nil, fail("ListTombstoned", err, nil)
		}
		return lo.Map(rows, func(i Identity, _ int) TrashEntry { return trashEntryFromIdentity(&i) }), nil
	case KindTask:
		var rows []Task
		q := tx.db.NewSelect().Model(&rows).WhereDeleted().Order("t.deleted_at DESC", "t.id DESC")
		if limit > 0 {
			q = q.Limit(limit)
		}
		if err := q.Scan(ctx); err != nil {
			return nil, fail("ListTombstoned", err, nil)
		}
		return lo.Map(rows, func(t Task, _ int) TrashEntry { return trashEntryFromTask(&t) }), nil
	}
	return nil, unknownKind(kind)
}

func (tx *pgTx) CountTombstoned(ctx context.Context, kind ResourceKind) (int, error) {
	model, err := governedModel(kind)
	if err != nil {
		return 0, err
	}
	n, err := tx.db.NewSelect().Model(model).WhereDeleted().Count(ctx)
	return n, fail("CountTombstoned", err, nil)
}

func (tx *pgTx) TombstonedIDs(ctx context.Context, kind ResourceKind) ([]int64, error) {
	model, err := governedModel(kind)
	if err != nil {
		return nil, err
	}
	var ids []int64
	err = tx.db.NewSelect().Model(model).
		WhereDeleted().
		Column("id").
		Order("id ASC").
		For("UPDATE").
		Scan(ctx, &ids)
	return ids, fail("TombstonedIDs", err, nil)
}
