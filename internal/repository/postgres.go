// Package repository provides PostgreSQL-backed persistence for projects,
// layers, experiments, the change log, API keys, and the audit log. It also
// handles LISTEN/NOTIFY-based change invalidation so the Change-Log Poller
// can shorten its wait instead of polling the database into submission.
package repository

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"

	"github.com/stratahq/strata/internal/core"
)

const (
	defaultNotifyChannel = "strata_changes"
	maxChangeBatchSize   = 1000
)

// Project represents a tenant or namespace owning its own layers,
// experiments, and Snapshot.
type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// AdminUser represents an administrator account.
type AdminUser struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// AdminSession represents an authenticated admin session.
type AdminSession struct {
	IDHash      string    `json:"-"`
	AdminUserID string    `json:"admin_user_id"`
	CSRFToken   string    `json:"csrf_token"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// APIKey represents a stored API key record used for bearer-token
// authentication, scoped to a single project.
type APIKey struct {
	ID        string     `json:"id"`
	ProjectID string     `json:"project_id"`
	Name      string     `json:"name"`
	KeyHash   string     `json:"key_hash"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// APIKeyMeta contains non-sensitive metadata for an API key, suitable for
// listing keys without exposing secrets.
type APIKeyMeta struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	CreatedAt time.Time `json:"created_at"`
}

// AuditLogEntry records a mutation performed on a layer or experiment via
// the API or admin portal.
type AuditLogEntry struct {
	ID          int64           `json:"id"`
	ProjectID   string          `json:"project_id"`
	APIKeyID    string          `json:"api_key_id,omitempty"`
	AdminUserID string          `json:"admin_user_id,omitempty"`
	Action      string          `json:"action"`
	EntityType  string          `json:"entity_type"`
	EntityID    string          `json:"entity_id"`
	Details     json.RawMessage `json:"details,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// layerRow and experimentRow are the JSON-encoded-column wire shapes
// persisted in the layers/experiments tables; ranges/rule/variants/scope
// are stored as jsonb and decoded into core's types.
type layerRow struct {
	LayerID  string          `json:"layer_id"`
	Version  string          `json:"version"`
	Priority int32           `json:"priority"`
	HashKey  string          `json:"hash_key"`
	Salt     string          `json:"salt"`
	Enabled  bool            `json:"enabled"`
	Ranges   json.RawMessage `json:"ranges"`
	Service  string          `json:"service"`
	Services json.RawMessage `json:"services"`
}

// PostgresRepository implements project, layer, experiment, change-log,
// API key, and audit-log persistence backed by a pgxpool connection pool.
// It also supports LISTEN/NOTIFY for real-time change invalidation.
type PostgresRepository struct {
	pool          *pgxpool.Pool
	notifyChannel string
}

// NewPostgresRepository creates a [PostgresRepository] using the default
// "strata_changes" notification channel.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return NewPostgresRepositoryWithChannel(pool, defaultNotifyChannel)
}

// NewPostgresRepositoryWithChannel creates a [PostgresRepository] using the
// specified LISTEN/NOTIFY channel name for change notifications.
func NewPostgresRepositoryWithChannel(pool *pgxpool.Pool, notifyChannel string) *PostgresRepository {
	return &PostgresRepository{
		pool:          pool,
		notifyChannel: normalizeNotifyChannel(notifyChannel),
	}
}

// ForProject returns a ProjectStore scoped to projectID, implementing the
// read-side interfaces the State Manager and Change-Log Poller need.
func (r *PostgresRepository) ForProject(projectID string) *ProjectStore {
	return &ProjectStore{repo: r, projectID: projectID}
}

// --- Layers ---

// CreateLayer inserts a new layer row scoped to projectID and records a
// change-log entry and NOTIFY in the same transaction.
func (r *PostgresRepository) CreateLayer(ctx context.Context, projectID string, layer core.Layer) (core.Layer, error) {
	return r.writeLayer(ctx, projectID, layer, "create", `
		INSERT INTO layers (project_id, layer_id, version, priority, hash_key, salt, enabled, ranges, service, services)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING layer_id, version, priority, hash_key, salt, enabled, ranges, service, services
	`)
}

// UpdateLayer updates an existing layer row and records a change-log
// entry and NOTIFY in the same transaction.
func (r *PostgresRepository) UpdateLayer(ctx context.Context, projectID string, layer core.Layer) (core.Layer, error) {
	return r.writeLayer(ctx, projectID, layer, "update", `
		UPDATE layers
		SET version = $3, priority = $4, hash_key = $5, salt = $6, enabled = $7, ranges = $8, service = $9, services = $10, updated_at = NOW()
		WHERE project_id = $1 AND layer_id = $2
		RETURNING layer_id, version, priority, hash_key, salt, enabled, ranges, service, services
	`)
}

func (r *PostgresRepository) writeLayer(ctx context.Context, projectID string, layer core.Layer, op, query string) (core.Layer, error) {
	ranges, err := json.Marshal(layer.Ranges)
	if err != nil {
		return core.Layer{}, fmt.Errorf("marshal ranges: %w", err)
	}
	services, err := json.Marshal(layer.Services)
	if err != nil {
		return core.Layer{}, fmt.Errorf("marshal services: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return core.Layer{}, fmt.Errorf("begin %s layer tx: %w", op, err)
	}
	defer tx.Rollback(ctx)

	var row layerRow
	if err := tx.QueryRow(ctx, query,
		projectID, layer.LayerID, layer.Version, layer.Priority, layer.HashKey, layer.Salt, layer.Enabled, ranges, layer.Service, services,
	).Scan(&row.LayerID, &row.Version, &row.Priority, &row.HashKey, &row.Salt, &row.Enabled, &row.Ranges, &row.Service, &row.Services); err != nil {
		return core.Layer{}, fmt.Errorf("%s layer: %w", op, err)
	}

	if err := r.recordChangeLocked(ctx, tx, projectID, "layer", row.LayerID, op); err != nil {
		return core.Layer{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return core.Layer{}, fmt.Errorf("commit %s layer tx: %w", op, err)
	}

	return decodeLayerRow(row)
}

// DeleteLayer removes a layer and records a change-log entry and NOTIFY
// in the same transaction. Returns pgx.ErrNoRows (wrapped) if the layer
// does not exist.
func (r *PostgresRepository) DeleteLayer(ctx context.Context, projectID, layerID string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin delete layer tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `DELETE FROM layers WHERE project_id = $1 AND layer_id = $2`, projectID, layerID)
	if err != nil {
		return fmt.Errorf("delete layer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete layer: %w", pgx.ErrNoRows)
	}

	if err := r.recordChangeLocked(ctx, tx, projectID, "layer", layerID, "delete"); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit delete layer tx: %w", err)
	}
	return nil
}

// GetLayer retrieves a single layer by project_id and layer_id.
func (r *PostgresRepository) GetLayer(ctx context.Context, projectID, layerID string) (core.Layer, error) {
	var row layerRow
	err := r.pool.QueryRow(ctx, `
		SELECT layer_id, version, priority, hash_key, salt, enabled, ranges, service, services
		FROM layers
		WHERE project_id = $1 AND layer_id = $2
	`, projectID, layerID).Scan(&row.LayerID, &row.Version, &row.Priority, &row.HashKey, &row.Salt, &row.Enabled, &row.Ranges, &row.Service, &row.Services)
	if err != nil {
		return core.Layer{}, fmt.Errorf("get layer: %w", err)
	}
	return decodeLayerRow(row)
}

// ListLayers returns every layer belonging to projectID.
func (r *PostgresRepository) ListLayers(ctx context.Context, projectID string) ([]core.Layer, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT layer_id, version, priority, hash_key, salt, enabled, ranges, service, services
		FROM layers
		WHERE project_id = $1
		ORDER BY layer_id
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list layers: %w", err)
	}
	defer rows.Close()

	layers := make([]core.Layer, 0)
	for rows.Next() {
		var row layerRow
		if err := rows.Scan(&row.LayerID, &row.Version, &row.Priority, &row.HashKey, &row.Salt, &row.Enabled, &row.Ranges, &row.Service, &row.Services); err != nil {
			return nil, fmt.Errorf("scan layer: %w", err)
		}
		layer, err := decodeLayerRow(row)
		if err != nil {
			return nil, err
		}
		layers = append(layers, layer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list layers rows: %w", err)
	}
	return layers, nil
}

func decodeLayerRow(row layerRow) (core.Layer, error) {
	layer := core.Layer{
		LayerID:  row.LayerID,
		Version:  row.Version,
		Priority: row.Priority,
		HashKey:  row.HashKey,
		Salt:     row.Salt,
		Enabled:  row.Enabled,
		Service:  row.Service,
	}
	if len(row.Ranges) > 0 {
		if err := json.Unmarshal(row.Ranges, &layer.Ranges); err != nil {
			return core.Layer{}, fmt.Errorf("unmarshal ranges: %w", err)
		}
	}
	if len(row.Services) > 0 {
		if err := json.Unmarshal(row.Services, &layer.Services); err != nil {
			return core.Layer{}, fmt.Errorf("unmarshal services: %w", err)
		}
	}
	return layer, nil
}

// --- Experiments ---

// CreateExperiment inserts a new experiment and records a change-log entry
// and NOTIFY in the same transaction. eid is server-generated.
func (r *PostgresRepository) CreateExperiment(ctx context.Context, projectID string, exp core.Experiment) (core.Experiment, error) {
	rule, err := json.Marshal(exp.Rule)
	if err != nil {
		return core.Experiment{}, fmt.Errorf("marshal rule: %w", err)
	}
	variants, err := json.Marshal(exp.Variants)
	if err != nil {
		return core.Experiment{}, fmt.Errorf("marshal variants: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return core.Experiment{}, fmt.Errorf("begin create experiment tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var eid int64
	var service string
	var ruleOut, variantsOut json.RawMessage
	if err := tx.QueryRow(ctx, `
		INSERT INTO experiments (project_id, service, rule, variants)
		VALUES ($1, $2, $3, $4)
		RETURNING eid, service, rule, variants
	`, projectID, exp.Service, rule, variants).Scan(&eid, &service, &ruleOut, &variantsOut); err != nil {
		return core.Experiment{}, fmt.Errorf("create experiment: %w", err)
	}

	entityID := strconv.FormatInt(eid, 10)
	if err := r.recordChangeLocked(ctx, tx, projectID, "experiment", entityID, "create"); err != nil {
		return core.Experiment{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return core.Experiment{}, fmt.Errorf("commit create experiment tx: %w", err)
	}

	return decodeExperimentRow(eid, service, ruleOut, variantsOut)
}

// UpdateExperiment updates an existing experiment and records a change-log
// entry and NOTIFY in the same transaction.
func (r *PostgresRepository) UpdateExperiment(ctx context.Context, projectID string, exp core.Experiment) (core.Experiment, error) {
	rule, err := json.Marshal(exp.Rule)
	if err != nil {
		return core.Experiment{}, fmt.Errorf("marshal rule: %w", err)
	}
	variants, err := json.Marshal(exp.Variants)
	if err != nil {
		return core.Experiment{}, fmt.Errorf("marshal variants: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return core.Experiment{}, fmt.Errorf("begin update experiment tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var service string
	var ruleOut, variantsOut json.RawMessage
	if err := tx.QueryRow(ctx, `
		UPDATE experiments
		SET service = $3, rule = $4, variants = $5, updated_at = NOW()
		WHERE project_id = $1 AND eid = $2
		RETURNING service, rule, variants
	`, projectID, exp.EID, exp.Service, rule, variants).Scan(&service, &ruleOut, &variantsOut); err != nil {
		return core.Experiment{}, fmt.Errorf("update experiment: %w", err)
	}

	entityID := strconv.FormatInt(exp.EID, 10)
	if err := r.recordChangeLocked(ctx, tx, projectID, "experiment", entityID, "update"); err != nil {
		return core.Experiment{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return core.Experiment{}, fmt.Errorf("commit update experiment tx: %w", err)
	}

	return decodeExperimentRow(exp.EID, service, ruleOut, variantsOut)
}

// DeleteExperiment removes an experiment and records a change-log entry
// and NOTIFY in the same transaction. Returns pgx.ErrNoRows (wrapped) if
// the experiment does not exist.
func (r *PostgresRepository) DeleteExperiment(ctx context.Context, projectID string, eid int64) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin delete experiment tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `DELETE FROM experiments WHERE project_id = $1 AND eid = $2`, projectID, eid)
	if err != nil {
		return fmt.Errorf("delete experiment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete experiment: %w", pgx.ErrNoRows)
	}

	entityID := strconv.FormatInt(eid, 10)
	if err := r.recordChangeLocked(ctx, tx, projectID, "experiment", entityID, "delete"); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit delete experiment tx: %w", err)
	}
	return nil
}

// GetExperiment retrieves a single experiment by project_id and eid.
func (r *PostgresRepository) GetExperiment(ctx context.Context, projectID string, eid int64) (core.Experiment, error) {
	var service string
	var rule, variants json.RawMessage
	err := r.pool.QueryRow(ctx, `
		SELECT service, rule, variants
		FROM experiments
		WHERE project_id = $1 AND eid = $2
	`, projectID, eid).Scan(&service, &rule, &variants)
	if err != nil {
		return core.Experiment{}, fmt.Errorf("get experiment: %w", err)
	}
	return decodeExperimentRow(eid, service, rule, variants)
}

// ListExperiments returns every experiment belonging to projectID.
func (r *PostgresRepository) ListExperiments(ctx context.Context, projectID string) ([]core.Experiment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT eid, service, rule, variants
		FROM experiments
		WHERE project_id = $1
		ORDER BY eid
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list experiments: %w", err)
	}
	defer rows.Close()

	experiments := make([]core.Experiment, 0)
	for rows.Next() {
		var eid int64
		var service string
		var rule, variants json.RawMessage
		if err := rows.Scan(&eid, &service, &rule, &variants); err != nil {
			return nil, fmt.Errorf("scan experiment: %w", err)
		}
		exp, err := decodeExperimentRow(eid, service, rule, variants)
		if err != nil {
			return nil, err
		}
		experiments = append(experiments, exp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list experiments rows: %w", err)
	}
	return experiments, nil
}

func decodeExperimentRow(eid int64, service string, rule, variants json.RawMessage) (core.Experiment, error) {
	exp := core.Experiment{EID: eid, Service: service}
	if len(rule) > 0 {
		if err := json.Unmarshal(rule, &exp.Rule); err != nil {
			return core.Experiment{}, fmt.Errorf("unmarshal rule: %w", err)
		}
	}
	if len(variants) > 0 {
		if err := json.Unmarshal(variants, &exp.Variants); err != nil {
			return core.Experiment{}, fmt.Errorf("unmarshal variants: %w", err)
		}
	}
	return exp, nil
}

// --- Field types ---

// GetFieldTypes returns the declared context-attribute types for a
// project, used by the Catalog to validate rule fields (invariant I3).
func (r *PostgresRepository) GetFieldTypes(ctx context.Context, projectID string) (core.FieldTypes, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT field_name, kind FROM field_types WHERE project_id = $1
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list field types: %w", err)
	}
	defer rows.Close()

	types := make(core.FieldTypes)
	for rows.Next() {
		var name, kind string
		if err := rows.Scan(&name, &kind); err != nil {
			return nil, fmt.Errorf("scan field type: %w", err)
		}
		types[name] = core.FieldKind(kind)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list field types rows: %w", err)
	}
	return types, nil
}

// SetFieldType declares or updates the kind of one context attribute.
func (r *PostgresRepository) SetFieldType(ctx context.Context, projectID, field string, kind core.FieldKind) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO field_types (project_id, field_name, kind)
		VALUES ($1, $2, $3)
		ON CONFLICT (project_id, field_name) DO UPDATE SET kind = EXCLUDED.kind
	`, projectID, field, string(kind))
	if err != nil {
		return fmt.Errorf("set field type: %w", err)
	}
	return nil
}

// --- Change log ---

// recordChangeLocked inserts a change_log row and issues a pg_notify
// within an already-open transaction; callers commit or roll back.
func (r *PostgresRepository) recordChangeLocked(ctx context.Context, tx pgx.Tx, projectID, entityType, entityID, operation string) error {
	var changeID int64
	if err := tx.QueryRow(ctx, `
		INSERT INTO change_log (project_id, entity_type, entity_id, operation)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, projectID, entityType, entityID, operation).Scan(&changeID); err != nil {
		return fmt.Errorf("insert change log entry: %w", err)
	}

	payload, err := marshalNotifyPayload(projectID, entityType, entityID, operation)
	if err != nil {
		return fmt.Errorf("marshal notify payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, r.notifyChannel, payload); err != nil {
		return fmt.Errorf("notify change: %w", err)
	}
	return nil
}

// MaxChangeID returns the highest change_log id for projectID, or 0 if
// the log is empty — the Poller's starting watermark.
func (r *PostgresRepository) MaxChangeID(ctx context.Context, projectID string) (int64, error) {
	var maxID int64
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(id), 0) FROM change_log WHERE project_id = $1
	`, projectID).Scan(&maxID)
	if err != nil {
		return 0, fmt.Errorf("max change id: %w", err)
	}
	return maxID, nil
}

// ListChangesSince returns up to limit change_log rows for projectID with
// id greater than lastID, ordered by id.
func (r *PostgresRepository) ListChangesSince(ctx context.Context, projectID string, lastID int64, limit int) ([]ChangeLogRow, error) {
	if limit <= 0 || limit > maxChangeBatchSize {
		limit = maxChangeBatchSize
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, entity_type, entity_id, operation, created_at
		FROM change_log
		WHERE project_id = $1 AND id > $2
		ORDER BY id
		LIMIT $3
	`, projectID, lastID, limit)
	if err != nil {
		return nil, fmt.Errorf("list changes since: %w", err)
	}
	defer rows.Close()

	entries := make([]ChangeLogRow, 0)
	for rows.Next() {
		var e ChangeLogRow
		if err := rows.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.Operation, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list changes rows: %w", err)
	}
	return entries, nil
}

// ChangeLogRow is one row of the change_log table.
type ChangeLogRow struct {
	ID         int64
	EntityType string
	EntityID   string
	Operation  string
	CreatedAt  time.Time
}

// SubscribeChanges returns a channel that receives a signal whenever a
// change notification arrives on the PostgreSQL LISTEN channel for
// projectID. The channel is closed if the underlying connection is lost
// permanently (ctx cancellation); transient disconnects are retried.
func (r *PostgresRepository) SubscribeChanges(ctx context.Context, projectID string) (<-chan struct{}, error) {
	invalidations := make(chan struct{}, 1)
	go r.runChangeListener(ctx, projectID, invalidations)
	return invalidations, nil
}

func (r *PostgresRepository) runChangeListener(ctx context.Context, projectID string, invalidations chan<- struct{}) {
	defer close(invalidations)

	for {
		err := r.listenForChanges(ctx, projectID, invalidations)
		if err == nil || ctx.Err() != nil {
			return
		}

		retryTimer := time.NewTimer(time.Second)
		select {
		case <-ctx.Done():
			retryTimer.Stop()
			return
		case <-retryTimer.C:
		}
	}
}

func (r *PostgresRepository) listenForChanges(ctx context.Context, projectID string, invalidations chan<- struct{}) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, listenStatement(r.notifyChannel)); err != nil {
		return fmt.Errorf("listen on %q: %w", r.notifyChannel, err)
	}

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for change notification: %w", err)
		}

		var payload struct {
			ProjectID string `json:"project_id"`
		}
		if err := json.Unmarshal([]byte(notification.Payload), &payload); err == nil && payload.ProjectID != projectID {
			continue
		}

		select {
		case invalidations <- struct{}{}:
		default:
		}
	}
}

// --- Projects ---

// CreateProject inserts a new project.
func (r *PostgresRepository) CreateProject(ctx context.Context, name, description string) (Project, error) {
	var p Project
	err := r.pool.QueryRow(ctx, `
		INSERT INTO projects (name, description)
		VALUES ($1, $2)
		RETURNING id, name, description, created_at, updated_at
	`, name, description).Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return Project{}, fmt.Errorf("create project: %w", err)
	}
	return p, nil
}

// ListProjects returns all projects.
func (r *PostgresRepository) ListProjects(ctx context.Context) ([]Project, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, description, created_at, updated_at FROM projects ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	projects := make([]Project, 0)
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, nil
}

// GetProject retrieves a project by ID.
func (r *PostgresRepository) GetProject(ctx context.Context, id string) (Project, error) {
	var p Project
	err := r.pool.QueryRow(ctx, `
		SELECT id, name, description, created_at, updated_at
		FROM projects
		WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return Project{}, fmt.Errorf("get project: %w", err)
	}
	return p, nil
}

// --- API keys ---

// ValidateAPIKey returns the stored hash and project ID for a non-revoked
// key ID. Callers do the bcrypt comparison against the secret outside
// this package.
func (r *PostgresRepository) ValidateAPIKey(ctx context.Context, id string) (string, string, error) {
	var keyHash, projectID string
	if err := r.pool.QueryRow(ctx, `
		SELECT key_hash, project_id
		FROM api_keys
		WHERE id = $1 AND revoked_at IS NULL
	`, id).Scan(&keyHash, &projectID); err != nil {
		return "", "", fmt.Errorf("validate api key: %w", err)
	}
	return keyHash, projectID, nil
}

// CreateAPIKey generates a new API key for the given project, storing a
// bcrypt hash of the secret. The raw secret is returned exactly once; it
// cannot be retrieved later.
func (r *PostgresRepository) CreateAPIKey(ctx context.Context, projectID string) (string, string, error) {
	keyID := uuid.NewString()
	secret, err := generateRandomHex(32)
	if err != nil {
		return "", "", fmt.Errorf("generate secret: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hash api key: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO api_keys (id, project_id, name, key_hash)
		VALUES ($1, $2, $3, $4)
	`, keyID, projectID, "api-key-"+keyID[:8], string(hash))
	if err != nil {
		return "", "", fmt.Errorf("create api key: %w", err)
	}
	return keyID, secret, nil
}

// ListAPIKeys returns metadata for all non-revoked API keys belonging to
// the given project. Secrets are never included.
func (r *PostgresRepository) ListAPIKeys(ctx context.Context, projectID string) ([]APIKeyMeta, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, project_id, created_at
		FROM api_keys
		WHERE project_id = $1 AND revoked_at IS NULL
		ORDER BY created_at
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	keys := make([]APIKeyMeta, 0)
	for rows.Next() {
		var k APIKeyMeta
		if err := rows.Scan(&k.ID, &k.ProjectID, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list api keys rows: %w", err)
	}
	return keys, nil
}

// DeleteAPIKey soft-deletes an API key by setting its revoked_at
// timestamp. Returns pgx.ErrNoRows (wrapped) if the key does not exist or
// is already revoked.
func (r *PostgresRepository) DeleteAPIKey(ctx context.Context, projectID, keyID string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE api_keys SET revoked_at = NOW()
		WHERE id = $1 AND project_id = $2 AND revoked_at IS NULL
	`, keyID, projectID)
	if err != nil {
		return fmt.Errorf("delete api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete api key: %w", pgx.ErrNoRows)
	}
	return nil
}

// --- Admin users and sessions ---

// CreateAdminUser inserts a new admin user.
func (r *PostgresRepository) CreateAdminUser(ctx context.Context, username, passwordHash string) (AdminUser, error) {
	var u AdminUser
	err := r.pool.QueryRow(ctx, `
		INSERT INTO admin_users (username, password_hash)
		VALUES ($1, $2)
		RETURNING id, username, created_at, updated_at
	`, username, passwordHash).Scan(&u.ID, &u.Username, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return AdminUser{}, fmt.Errorf("create admin user: %w", err)
	}
	return u, nil
}

// GetAdminUserByUsername retrieves an admin user by username.
func (r *PostgresRepository) GetAdminUserByUsername(ctx context.Context, username string) (AdminUser, error) {
	var u AdminUser
	err := r.pool.QueryRow(ctx, `
		SELECT id, username, password_hash, created_at, updated_at
		FROM admin_users
		WHERE username = $1
	`, username).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return AdminUser{}, fmt.Errorf("get admin user: %w", err)
	}
	return u, nil
}

// GetAdminUserByID retrieves an admin user by ID.
func (r *PostgresRepository) GetAdminUserByID(ctx context.Context, id string) (AdminUser, error) {
	var u AdminUser
	err := r.pool.QueryRow(ctx, `
		SELECT id, username, password_hash, created_at, updated_at
		FROM admin_users
		WHERE id = $1
	`, id).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return AdminUser{}, fmt.Errorf("get admin user by id: %w", err)
	}
	return u, nil
}

// HasAdminUsers returns true if any admin user exists.
func (r *PostgresRepository) HasAdminUsers(ctx context.Context) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM admin_users)`).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check admin users: %w", err)
	}
	return exists, nil
}

// CreateAdminSession creates a new session.
func (r *PostgresRepository) CreateAdminSession(ctx context.Context, session AdminSession) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO admin_sessions (id_hash, admin_user_id, csrf_token, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`, session.IDHash, session.AdminUserID, session.CSRFToken, session.CreatedAt, session.ExpiresAt)
	if err != nil {
		return fmt.Errorf("create admin session: %w", err)
	}
	return nil
}

// GetAdminSession retrieves a session by ID hash.
func (r *PostgresRepository) GetAdminSession(ctx context.Context, idHash string) (AdminSession, error) {
	var s AdminSession
	err := r.pool.QueryRow(ctx, `
		SELECT id_hash, admin_user_id, csrf_token, created_at, expires_at
		FROM admin_sessions
		WHERE id_hash = $1 AND expires_at > NOW()
	`, idHash).Scan(&s.IDHash, &s.AdminUserID, &s.CSRFToken, &s.CreatedAt, &s.ExpiresAt)
	if err != nil {
		return AdminSession{}, fmt.Errorf("get admin session: %w", err)
	}
	return s, nil
}

// DeleteAdminSession removes a session.
func (r *PostgresRepository) DeleteAdminSession(ctx context.Context, idHash string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM admin_sessions WHERE id_hash = $1`, idHash)
	if err != nil {
		return fmt.Errorf("delete admin session: %w", err)
	}
	return nil
}

// DeleteExpiredAdminSessions removes all sessions that have passed their
// expiry time.
func (r *PostgresRepository) DeleteExpiredAdminSessions(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM admin_sessions WHERE expires_at < NOW()`)
	if err != nil {
		return fmt.Errorf("delete expired admin sessions: %w", err)
	}
	return nil
}

// --- Audit log ---

// InsertAuditLog writes a single audit log entry.
func (r *PostgresRepository) InsertAuditLog(ctx context.Context, entry AuditLogEntry) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO audit_log (project_id, api_key_id, admin_user_id, action, entity_type, entity_id, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, entry.ProjectID, entry.APIKeyID, entry.AdminUserID, entry.Action, entry.EntityType, entry.EntityID, entry.Details)
	return err
}

// ListAuditLog returns audit log entries for a project, newest first.
func (r *PostgresRepository) ListAuditLog(ctx context.Context, projectID string, limit, offset int) ([]AuditLogEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, project_id, api_key_id, admin_user_id, action, entity_type, entity_id, details, created_at
		FROM audit_log
		WHERE project_id = $1
		ORDER BY id DESC
		LIMIT $2 OFFSET $3
	`, projectID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing audit log: %w", err)
	}
	defer rows.Close()

	var entries []AuditLogEntry
	for rows.Next() {
		var e AuditLogEntry
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.APIKeyID, &e.AdminUserID, &e.Action, &e.EntityType, &e.EntityID, &e.Details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning audit log entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit log rows: %w", err)
	}
	return entries, nil
}

// --- helpers ---

func listenStatement(channel string) string {
	return fmt.Sprintf("LISTEN %s", pgx.Identifier{channel}.Sanitize())
}

func normalizeNotifyChannel(channel string) string {
	if trimmed := strings.TrimSpace(channel); trimmed != "" {
		return trimmed
	}
	return defaultNotifyChannel
}

func generateRandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func marshalNotifyPayload(projectID, entityType, entityID, operation string) (string, error) {
	serialized, err := json.Marshal(struct {
		ProjectID  string `json:"project_id"`
		EntityType string `json:"entity_type"`
		EntityID   string `json:"entity_id"`
		Operation  string `json:"operation"`
	}{
		ProjectID:  projectID,
		EntityType: entityType,
		EntityID:   entityID,
		Operation:  operation,
	})
	if err != nil {
		return "", err
	}
	return string(serialized), nil
}
