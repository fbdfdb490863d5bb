// Package store provides transactional relational storage for all worksync
// entities: connectors, discovered metadata, sync configurations and
// mappings, the synced-item identity registry, version snapshots, conflicts,
// executions, and webhooks.
//
// Two dialects are supported behind one API. A DSN beginning with "mysql://"
// or containing "@tcp(" opens a MySQL database (go-sql-driver/mysql);
// anything else is treated as a SQLite path (ncruces/go-sqlite3, pure Go).
// SQLite is the default for single-process deployments; MySQL serves
// multi-process setups where several workers share one database.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/worksync/worksync/internal/debug"
	"github.com/worksync/worksync/internal/types"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when an insert violates a uniqueness constraint,
// e.g. two concurrent first syncs of the same (config, source item) pair.
var ErrDuplicate = errors.New("duplicate entry")

// Store is the interface satisfied by *DB. Consumers depend on this
// interface rather than the concrete type so tests can substitute fakes.
type Store interface {
	// Connectors
	CreateConnector(ctx context.Context, c *types.Connector) error
	GetConnector(ctx context.Context, id string) (*types.Connector, error)
	GetConnectorByName(ctx context.Context, name string) (*types.Connector, error)
	ListConnectors(ctx context.Context) ([]*types.Connector, error)
	UpdateConnector(ctx context.Context, c *types.Connector) error
	DeleteConnector(ctx context.Context, id string) error

	// Discovered metadata
	SaveDiscoveredMetadata(ctx context.Context, result *types.DiscoveryResult) error
	ListWorkItemTypes(ctx context.Context, connectorID string) ([]types.WorkItemType, error)
	GetWorkItemType(ctx context.Context, typeID string) (*types.WorkItemType, error)
	ListFields(ctx context.Context, typeID string) ([]types.FieldDef, error)
	ListStatuses(ctx context.Context, typeID string) ([]types.StatusDef, error)

	// Sync configurations
	CreateSyncConfig(ctx context.Context, cfg *types.SyncConfig) error
	GetSyncConfig(ctx context.Context, id string) (*types.SyncConfig, error)
	ListSyncConfigs(ctx context.Context) ([]*types.SyncConfig, error)
	ListScheduledConfigs(ctx context.Context) ([]*types.SyncConfig, error)
	UpdateSyncConfig(ctx context.Context, cfg *types.SyncConfig) error
	DeleteSyncConfig(ctx context.Context, id string) error
	SetLastSyncAt(ctx context.Context, configID string, at time.Time) error

	// Mappings
	CreateTypeMapping(ctx context.Context, m *types.TypeMapping) error
	CreateFieldMapping(ctx context.Context, m *types.FieldMapping) error
	CreateStatusMapping(ctx context.Context, m *types.StatusMapping) error
	ListTypeMappings(ctx context.Context, configID string) ([]types.TypeMapping, error)
	ListFieldMappings(ctx context.Context, typeMappingID string) ([]types.FieldMapping, error)
	ListStatusMappings(ctx context.Context, typeMappingID string) ([]types.StatusMapping, error)
	DeleteTypeMapping(ctx context.Context, id string) error
	LoadConfigMappings(ctx context.Context, configID string) (*ConfigMappings, error)

	// Synced items and sub-entities
	CreateSyncedItem(ctx context.Context, item *types.SyncedItem) error
	GetSyncedItemBySource(ctx context.Context, configID, sourceConnectorID, sourceItemID string) (*types.SyncedItem, error)
	ListSyncedItems(ctx context.Context, configID string) ([]*types.SyncedItem, error)
	TouchSyncedItem(ctx context.Context, id string, at time.Time) error
	SetSyncedItemStatus(ctx context.Context, id string, status types.ItemSyncStatus) error
	DeleteSyncedItem(ctx context.Context, id string) error
	CreateSyncedComment(ctx context.Context, c *types.SyncedComment) error
	ListSyncedComments(ctx context.Context, syncedItemID string) ([]types.SyncedComment, error)
	CreateSyncedLink(ctx context.Context, l *types.SyncedLink) error
	ListSyncedLinks(ctx context.Context, syncedItemID string) ([]types.SyncedLink, error)
	ListPendingLinks(ctx context.Context, configID string) ([]types.SyncedLink, error)
	PromoteSyncedLink(ctx context.Context, id, targetLinkedItemID string) error

	// Version snapshots
	InsertVersion(ctx context.Context, v *types.WorkItemVersion) error
	LatestVersion(ctx context.Context, configID, connectorID, workItemID string) (*types.WorkItemVersion, error)
	ListVersions(ctx context.Context, configID, connectorID, workItemID string, limit int) ([]types.WorkItemVersion, error)

	// Conflicts
	SaveConflicts(ctx context.Context, conflicts []*types.SyncConflict) error
	GetConflict(ctx context.Context, id string) (*types.SyncConflict, error)
	ListConflicts(ctx context.Context, configID string, status types.ConflictStatus) ([]*types.SyncConflict, error)
	MarkConflictResolved(ctx context.Context, id string, strategy types.ConflictStrategy, resolvedValue []byte, resolvedBy string) error
	MarkConflictIgnored(ctx context.Context, id, by string) error
	InsertResolution(ctx context.Context, r *types.ConflictResolution) error
	ListResolutions(ctx context.Context, conflictID string) ([]types.ConflictResolution, error)

	// Executions
	CreateExecution(ctx context.Context, e *types.SyncExecution) error
	GetExecution(ctx context.Context, id string) (*types.SyncExecution, error)
	ListExecutions(ctx context.Context, configID string, limit int) ([]*types.SyncExecution, error)
	CompleteExecution(ctx context.Context, e *types.SyncExecution) error
	InsertSyncError(ctx context.Context, e *types.SyncError) error
	ListSyncErrors(ctx context.Context, executionID string) ([]types.SyncError, error)

	// Webhooks
	CreateWebhook(ctx context.Context, w *types.Webhook) error
	GetWebhook(ctx context.Context, id string) (*types.Webhook, error)
	GetWebhookByToken(ctx context.Context, token string) (*types.Webhook, error)
	ListWebhooks(ctx context.Context) ([]*types.Webhook, error)
	UpdateWebhook(ctx context.Context, w *types.Webhook) error
	DeleteWebhook(ctx context.Context, id string) error
	RecordDelivery(ctx context.Context, d *types.WebhookDelivery, bumpTrigger bool) error
	ListDeliveries(ctx context.Context, webhookID string, limit int) ([]types.WebhookDelivery, error)

	// Transactions
	RunInTransaction(ctx context.Context, fn func(tx Tx) error) error

	// Lifecycle
	Close() error
}

// Tx exposes the mutations composite flows need to run atomically, e.g.
// replacing a config's mappings during a bundle import. On error or panic
// the transaction rolls back; on nil return it commits.
type Tx interface {
	CreateTypeMapping(ctx context.Context, m *types.TypeMapping) error
	CreateFieldMapping(ctx context.Context, m *types.FieldMapping) error
	CreateStatusMapping(ctx context.Context, m *types.StatusMapping) error
	DeleteTypeMappings(ctx context.Context, configID string) error
	GetSyncConfig(ctx context.Context, id string) (*types.SyncConfig, error)
}

// Dialect selects the SQL flavor in use.
type Dialect int

// Supported dialects.
const (
	DialectSQLite Dialect = iota
	DialectMySQL
)

func (d Dialect) String() string {
	if d == DialectMySQL {
		return "mysql"
	}
	return "sqlite"
}

// DB is the concrete Store backed by database/sql.
type DB struct {
	db      *sql.DB
	dialect Dialect
}

var _ Store = (*DB)(nil)

// Open connects to the database named by dsn, applies the schema, and runs
// pending migrations.
func Open(ctx context.Context, dsn string) (*DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database DSN is required")
	}

	dialect, driverName, driverDSN := resolveDSN(dsn)
	debug.Logf("store: opening %s database\n", dialect)

	db, err := sql.Open(driverName, driverDSN)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// The sqlite driver serializes writes; a single connection avoids
		// table-lock contention between pooled connections.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s database: %w", dialect, err)
	}

	s := &DB{db: db, dialect: dialect}
	if err := s.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// resolveDSN inspects the DSN and returns the dialect plus the driver-level
// connection string.
func resolveDSN(dsn string) (Dialect, string, string) {
	if strings.HasPrefix(dsn, "mysql://") {
		return DialectMySQL, "mysql", withMySQLParams(strings.TrimPrefix(dsn, "mysql://"))
	}
	if strings.Contains(dsn, "@tcp(") {
		return DialectMySQL, "mysql", withMySQLParams(dsn)
	}
	return DialectSQLite, "sqlite3", sqliteDSN(dsn)
}

func withMySQLParams(dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	if !strings.Contains(dsn, "parseTime=") {
		dsn += sep + "parseTime=true"
		sep = "&"
	}
	if !strings.Contains(dsn, "loc=") {
		dsn += sep + "loc=UTC"
	}
	return dsn
}

func sqliteDSN(path string) string {
	if !strings.HasPrefix(path, "file:") {
		path = "file:" + path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)"
}

func (s *DB) init(ctx context.Context) error {
	schema := schemaSQLite
	if s.dialect == DialectMySQL {
		schema = schemaMySQL
	}
	for _, stmt := range splitStatements(schema) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return s.migrate(ctx)
}

// splitStatements breaks a schema blob into single statements; MySQL's
// driver rejects multi-statement Exec by default.
func splitStatements(schema string) []string {
	var out []string
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		out = append(out, stmt)
	}
	return out
}

// Dialect reports which SQL flavor the store runs on.
func (s *DB) Dialect() Dialect {
	return s.dialect
}

// Close releases the underlying connection pool.
func (s *DB) Close() error {
	return s.db.Close()
}

const retryMaxElapsed = 30 * time.Second

func newRetryBackoff() backoff.BackOff {
	// BackOff implementations are stateful; always return a fresh instance.
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = retryMaxElapsed
	return bo
}

// isRetryableError returns true if the error is a transient connection error
// worth retrying against a networked database.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	if strings.Contains(errStr, "driver: bad connection") {
		return true
	}
	if strings.Contains(errStr, "invalid connection") {
		return true
	}
	if strings.Contains(errStr, "broken pipe") {
		return true
	}
	if strings.Contains(errStr, "connection reset") {
		return true
	}
	if strings.Contains(errStr, "connection refused") {
		return true
	}
	if strings.Contains(errStr, "lost connection") {
		return true
	}
	if strings.Contains(errStr, "gone away") {
		return true
	}
	if strings.Contains(errStr, "i/o timeout") {
		return true
	}
	return false
}

// withRetry executes an operation with retry for transient errors. Only
// active for MySQL; the embedded SQLite driver has nothing to reconnect.
func (s *DB) withRetry(ctx context.Context, op func() error) error {
	if s.dialect != DialectMySQL {
		return op()
	}
	bo := newRetryBackoff()
	return backoff.Retry(func() error {
		err := op()
		if err != nil && isRetryableError(err) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(bo, ctx))
}

// execContext wraps db.ExecContext with retry for transient errors.
func (s *DB) execContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var result sql.Result
	err := s.withRetry(ctx, func() error {
		var execErr error
		result, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	})
	return result, err
}

// queryContext wraps db.QueryContext with retry for transient errors.
func (s *DB) queryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	var rows *sql.Rows
	err := s.withRetry(ctx, func() error {
		var queryErr error
		rows, queryErr = s.db.QueryContext(ctx, query, args...)
		return queryErr
	})
	return rows, err
}

// queryRowContext wraps db.QueryRowContext with retry. The scan function
// receives the row and should call .Scan on it.
func (s *DB) queryRowContext(ctx context.Context, scan func(*sql.Row) error, query string, args ...any) error {
	return s.withRetry(ctx, func() error {
		row := s.db.QueryRowContext(ctx, query, args...)
		return scan(row)
	})
}

// querier abstracts *DB and *sql.Tx so entity helpers run in both contexts.
type querier interface {
	exec(ctx context.Context, query string, args ...any) (sql.Result, error)
	query(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	queryRow(ctx context.Context, scan func(*sql.Row) error, query string, args ...any) error
}

func (s *DB) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.execContext(ctx, query, args...)
}

func (s *DB) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.queryContext(ctx, query, args...)
}

func (s *DB) queryRow(ctx context.Context, scan func(*sql.Row) error, query string, args ...any) error {
	return s.queryRowContext(ctx, scan, query, args...)
}

// txQuerier adapts *sql.Tx to querier. No retry inside a transaction: a
// broken connection invalidates the whole transaction anyway.
type txQuerier struct {
	tx *sql.Tx
}

func (t txQuerier) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, query, args...)
}

func (t txQuerier) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, query, args...)
}

func (t txQuerier) queryRow(ctx context.Context, scan func(*sql.Row) error, query string, args ...any) error {
	return scan(t.tx.QueryRowContext(ctx, query, args...))
}

// storeTx implements Tx on top of one *sql.Tx.
type storeTx struct {
	q txQuerier
}

func (t *storeTx) CreateTypeMapping(ctx context.Context, m *types.TypeMapping) error {
	return createTypeMapping(ctx, t.q, m)
}

func (t *storeTx) CreateFieldMapping(ctx context.Context, m *types.FieldMapping) error {
	return createFieldMapping(ctx, t.q, m)
}

func (t *storeTx) CreateStatusMapping(ctx context.Context, m *types.StatusMapping) error {
	return createStatusMapping(ctx, t.q, m)
}

func (t *storeTx) DeleteTypeMappings(ctx context.Context, configID string) error {
	_, err := t.q.exec(ctx, `DELETE FROM type_mappings WHERE sync_config_id = ?`, configID)
	return err
}

func (t *storeTx) GetSyncConfig(ctx context.Context, id string) (*types.SyncConfig, error) {
	return getSyncConfig(ctx, t.q, id)
}

// RunInTransaction executes fn inside a single database transaction. The
// transaction commits when fn returns nil and rolls back on error or panic.
func (s *DB) RunInTransaction(ctx context.Context, fn func(tx Tx) error) error {
	return s.inTx(ctx, func(q txQuerier) error {
		return fn(&storeTx{q: q})
	})
}

func (s *DB) inTx(ctx context.Context, fn func(q txQuerier) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(txQuerier{tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			debug.Logf("store: rollback failed: %v\n", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// newID allocates an entity id.
func newID() string {
	return uuid.NewString()
}

// isUniqueViolation detects uniqueness constraint failures across dialects.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // sqlite
		strings.Contains(msg, "Duplicate entry") || // mysql 1062
		strings.Contains(msg, "constraint failed: UNIQUE")
}

// nullTime converts a nullable column to *time.Time.
func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	utc := t.Time.UTC()
	return &utc
}

// timeArg converts *time.Time to a driver argument.
func timeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// nowUTC returns the current time truncated to microseconds, the finest
// resolution both dialects round-trip reliably.
func nowUTC() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
