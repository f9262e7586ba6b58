package multitenantengine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/liamcoop/billingrules/internal/logger"
	"github.com/liamcoop/billingrules/rules"
)

var (
	ErrTenantNotFound = errors.New("tenant not found")
	ErrInvalidTenant  = errors.New("invalid tenant")
)

// Tenant is an immutable snapshot of a tenant's schema and engine. Schema
// updates replace the snapshot.
type Tenant struct {
	ID            string
	Name          string
	Schema        Schema
	SchemaVersion int
	Engine        *rules.Engine
	CreatedAt     time.Time
}

// Record coerces raw order fields with the tenant's schema
func (t *Tenant) Record(raw map[string]any) (rules.Record, []string) {
	return t.Schema.Record(raw)
}

// StoreFactory returns the rule group store for a tenant
type StoreFactory func(tenantID string) rules.RuleGroupStore

// CacheFactory returns the rule group cache for a tenant
type CacheFactory func(tenantID string) rules.RuleGroupCache

// Manager holds one rules.Engine per tenant
type Manager struct {
	db         *sql.DB
	tenants    map[string]*Tenant
	mu         sync.RWMutex
	newStore   StoreFactory
	newCache   CacheFactory
	engineOpts []rules.Option
}

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithStoreFactory replaces the per-tenant Postgres store
func WithStoreFactory(f StoreFactory) ManagerOption {
	return func(m *Manager) {
		m.newStore = f
	}
}

// WithCacheFactory replaces the per-tenant in-memory cache
func WithCacheFactory(f CacheFactory) ManagerOption {
	return func(m *Manager) {
		m.newCache = f
	}
}

// WithEngineOptions is applied to every tenant engine
func WithEngineOptions(opts ...rules.Option) ManagerOption {
	return func(m *Manager) {
		m.engineOpts = append(m.engineOpts, opts...)
	}
}

// WithNotifyChannel sets the channel the default Postgres stores announce
// edits on
func WithNotifyChannel(channel string) ManagerOption {
	return func(m *Manager) {
		m.newStore = func(tenantID string) rules.RuleGroupStore {
			return rules.NewPostgresRuleGroupStore(m.db, tenantID).WithNotifyChannel(channel)
		}
	}
}

// NewManager creates a manager whose tenants store rule groups in db
func NewManager(db *sql.DB, opts ...ManagerOption) *Manager {
	m := &Manager{
		db:      db,
		tenants: make(map[string]*Tenant),
	}
	m.newStore = func(tenantID string) rules.RuleGroupStore {
		return rules.NewPostgresRuleGroupStore(m.db, tenantID)
	}
	m.newCache = func(string) rules.RuleGroupCache {
		return rules.NewInMemoryRuleGroupCache(rules.DefaultCacheConfig())
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// LoadAllTenants registers every tenant in the database with its active
// schema. Tenants without a schema get an empty one.
func (m *Manager) LoadAllTenants(ctx context.Context) error {
	rows, err := m.db.QueryContext(ctx, `
		SELECT t.id, t.name, t.created_at, COALESCE(s.version, 0), s.definition
		FROM tenants t
		LEFT JOIN schemas s ON s.tenant_id = t.id AND s.active = true
		ORDER BY t.created_at ASC
	`)
	if err != nil {
		return fmt.Errorf("failed to fetch tenants: %w", err)
	}
	defer rows.Close()

	loaded := 0
	for rows.Next() {
		var (
			id, name   string
			created    time.Time
			version    int
			schemaJSON []byte
		)
		if err := rows.Scan(&id, &name, &created, &version, &schemaJSON); err != nil {
			return fmt.Errorf("failed to scan tenant row: %w", err)
		}

		schema := Schema{}
		if len(schemaJSON) > 0 {
			if err := json.Unmarshal(schemaJSON, &schema); err != nil {
				return fmt.Errorf("invalid schema for tenant %s: %w", id, err)
			}
		}

		m.register(id, name, schema, version, created)
		loaded++
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating tenant rows: %w", err)
	}

	logger.Info("tenants loaded", "count", loaded)
	return nil
}

// RegisterTenant builds an engine for a tenant without touching the
// database, replacing any tenant with the same ID
func (m *Manager) RegisterTenant(id, name string, schema Schema, schemaVersion int) *Tenant {
	return m.register(id, name, schema, schemaVersion, time.Now().UTC())
}

func (m *Manager) register(id, name string, schema Schema, schemaVersion int, created time.Time) *Tenant {
	engine := rules.NewEngine(m.newStore(id), append([]rules.Option{rules.WithCache(m.newCache(id))}, m.engineOpts...)...)

	t := &Tenant{
		ID:            id,
		Name:          name,
		Schema:        schema,
		SchemaVersion: schemaVersion,
		Engine:        engine,
		CreatedAt:     created,
	}

	m.mu.Lock()
	m.tenants[id] = t
	m.mu.Unlock()
	return t
}

// CreateTenant persists a new tenant, with schema as version 1 if it is not
// empty, and registers it
func (m *Manager) CreateTenant(ctx context.Context, name string, schema Schema) (*Tenant, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidTenant)
	}
	if len(schema) > 0 {
		if err := ValidateSchema(schema); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidTenant, err)
		}
	}

	id := uuid.NewString()
	now := time.Now().UTC()

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO tenants (id, name, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
	`, id, name, now); err != nil {
		return nil, fmt.Errorf("failed to create tenant: %w", err)
	}

	version := 0
	if len(schema) > 0 {
		schemaJSON, err := json.Marshal(schema)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal schema: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO schemas (tenant_id, version, definition, active, created_at)
			VALUES ($1, 1, $2, true, $3)
		`, id, schemaJSON, now); err != nil {
			return nil, fmt.Errorf("failed to save schema: %w", err)
		}
		version = 1
	} else {
		schema = Schema{}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit tenant: %w", err)
	}

	t := m.register(id, name, schema, version, now)
	logger.Info("tenant created", "tenant_id", id)
	return t, nil
}

// GetTenant returns the current snapshot of a tenant
func (m *Manager) GetTenant(tenantID string) (*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, exists := m.tenants[tenantID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrTenantNotFound, tenantID)
	}
	return t, nil
}

// GetEngine retrieves the engine for a specific tenant
func (m *Manager) GetEngine(tenantID string) (*rules.Engine, error) {
	t, err := m.GetTenant(tenantID)
	if err != nil {
		return nil, err
	}
	return t.Engine, nil
}

// UpdateTenantSchema stores schema as the tenant's next active version and
// swaps the tenant snapshot. In-flight evaluations keep the old schema; the
// engine and its cached rule groups carry over.
func (m *Manager) UpdateTenantSchema(ctx context.Context, tenantID string, schema Schema) (int, error) {
	if err := ValidateSchema(schema); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidTenant, err)
	}
	current, err := m.GetTenant(tenantID)
	if err != nil {
		return 0, err
	}

	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal schema: %w", err)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE schemas
		SET active = false
		WHERE tenant_id = $1
	`, tenantID); err != nil {
		return 0, fmt.Errorf("failed to deactivate old schemas: %w", err)
	}

	var version int
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO schemas (tenant_id, version, definition, active, created_at)
		SELECT $1, COALESCE(MAX(version), 0) + 1, $2, true, NOW()
		FROM schemas
		WHERE tenant_id = $1
		RETURNING version
	`, tenantID, schemaJSON).Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to save new schema: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit schema: %w", err)
	}

	next := *current
	next.Schema = schema
	next.SchemaVersion = version

	m.mu.Lock()
	m.tenants[tenantID] = &next
	m.mu.Unlock()

	logger.Info("tenant schema updated", "tenant_id", tenantID, "version", version, "fields", len(schema))
	return version, nil
}

// ListTenants returns the registered tenant IDs in sorted order
func (m *Manager) ListTenants() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.tenants))
	for id := range m.tenants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Tenants returns the registered tenants, oldest first
func (m *Manager) Tenants() []*Tenant {
	m.mu.RLock()
	out := make([]*Tenant, 0, len(m.tenants))
	for _, t := range m.tenants {
		out = append(out, t)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// DeleteTenant unregisters a tenant's engine. The database is not touched.
func (m *Manager) DeleteTenant(tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.tenants[tenantID]; !exists {
		return fmt.Errorf("%w: %s", ErrTenantNotFound, tenantID)
	}
	delete(m.tenants, tenantID)
	return nil
}

// InvalidateRuleGroup drops a cached rule group. Tenants this instance has
// not loaded are ignored.
func (m *Manager) InvalidateRuleGroup(ctx context.Context, tenantID, groupID string) error {
	t, err := m.GetTenant(tenantID)
	if err != nil {
		logger.Debug("invalidation for unknown tenant ignored", "tenant_id", tenantID, "rule_group_id", groupID)
		return nil
	}
	return t.Engine.Invalidate(ctx, groupID)
}

// InvalidateAll drops every tenant's cached rule groups
func (m *Manager) InvalidateAll(ctx context.Context) error {
	var errs []error
	for _, t := range m.Tenants() {
		if err := t.Engine.InvalidateAll(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tenant %s: %w", t.ID, err))
		}
	}
	return errors.Join(errs...)
}

// IsNotFound reports whether err means the tenant does not exist
func IsNotFound(err error) bool {
	return errors.Is(err, ErrTenantNotFound)
}
