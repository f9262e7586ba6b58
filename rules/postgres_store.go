package rules

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// DefaultNotifyChannel is the Postgres NOTIFY channel rule group edits are
// announced on. Payloads are "<tenant id>:<rule group id>".
const DefaultNotifyChannel = "rule_group_changed"

// PostgresRuleGroupStore implements RuleGroupStore backed by PostgreSQL
type PostgresRuleGroupStore struct {
	db            *sql.DB
	tenantID      string
	notifyChannel string
}

// NewPostgresRuleGroupStore creates a new PostgreSQL-backed RuleGroupStore for a specific tenant
func NewPostgresRuleGroupStore(db *sql.DB, tenantID string) *PostgresRuleGroupStore {
	return &PostgresRuleGroupStore{
		db:            db,
		tenantID:      tenantID,
		notifyChannel: DefaultNotifyChannel,
	}
}

// WithNotifyChannel overrides the channel edits are announced on
func (s *PostgresRuleGroupStore) WithNotifyChannel(channel string) *PostgresRuleGroupStore {
	s.notifyChannel = channel
	return s
}

// Add inserts a new rule group as version 1
func (s *PostgresRuleGroupStore) Add(ctx context.Context, def *RuleGroupDefinition) error {
	now := time.Now().UTC()
	def.Version = 1
	def.CreatedAt = now
	def.UpdatedAt = now

	payload, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to encode rule group: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO rule_groups (id, tenant_id, name, definition, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, id) DO NOTHING
	`, def.ID, s.tenantID, def.Name, payload, def.Version, def.CreatedAt, def.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert rule group: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrRuleGroupExists, def.ID)
	}

	return nil
}

// Get retrieves a rule group by ID
func (s *PostgresRuleGroupStore) Get(ctx context.Context, id string) (*RuleGroupDefinition, error) {
	var (
		payload []byte
		version int
		created time.Time
		updated time.Time
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT definition, version, created_at, updated_at
		FROM rule_groups
		WHERE id = $1 AND tenant_id = $2
	`, id, s.tenantID).Scan(&payload, &version, &created, &updated)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRuleGroupNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule group: %w", err)
	}

	return decodeStored(payload, version, created, updated)
}

// List returns all rule groups for the tenant, oldest first
func (s *PostgresRuleGroupStore) List(ctx context.Context) ([]*RuleGroupDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT definition, version, created_at, updated_at
		FROM rule_groups
		WHERE tenant_id = $1
		ORDER BY created_at ASC, id ASC
	`, s.tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rule groups: %w", err)
	}
	defer rows.Close()

	var defs []*RuleGroupDefinition
	for rows.Next() {
		var (
			payload []byte
			version int
			created time.Time
			updated time.Time
		)
		if err := rows.Scan(&payload, &version, &created, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan rule group: %w", err)
		}
		def, err := decodeStored(payload, version, created, updated)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rule groups: %w", err)
	}

	return defs, nil
}

// Update supersedes the stored rule group with a new version and notifies
// listeners once the transaction commits
func (s *PostgresRuleGroupStore) Update(ctx context.Context, def *RuleGroupDefinition) error {
	def.UpdatedAt = time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current int
	var created time.Time
	err = tx.QueryRowContext(ctx, `
		SELECT version, created_at
		FROM rule_groups
		WHERE id = $1 AND tenant_id = $2
		FOR UPDATE
	`, def.ID, s.tenantID).Scan(&current, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrRuleGroupNotFound, def.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to lock rule group: %w", err)
	}

	def.Version = current + 1
	def.CreatedAt = created

	payload, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to encode rule group: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE rule_groups
		SET name = $1, definition = $2, version = $3, updated_at = $4
		WHERE id = $5 AND tenant_id = $6
	`, def.Name, payload, def.Version, def.UpdatedAt, def.ID, s.tenantID); err != nil {
		return fmt.Errorf("failed to update rule group: %w", err)
	}

	if err := s.notify(ctx, tx, def.ID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rule group update: %w", err)
	}
	return nil
}

// Delete removes a rule group and notifies listeners
func (s *PostgresRuleGroupStore) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		DELETE FROM rule_groups
		WHERE id = $1 AND tenant_id = $2
	`, id, s.tenantID)
	if err != nil {
		return fmt.Errorf("failed to delete rule group: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrRuleGroupNotFound, id)
	}

	if err := s.notify(ctx, tx, id); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rule group delete: %w", err)
	}
	return nil
}

func (s *PostgresRuleGroupStore) notify(ctx context.Context, tx *sql.Tx, id string) error {
	if s.notifyChannel == "" {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, s.notifyChannel, s.tenantID+":"+id); err != nil {
		return fmt.Errorf("failed to notify rule group change: %w", err)
	}
	return nil
}

func decodeStored(payload []byte, version int, created, updated time.Time) (*RuleGroupDefinition, error) {
	def, err := ParseRuleGroupDefinition(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode stored rule group: %w", err)
	}
	def.Version = version
	def.CreatedAt = created
	def.UpdatedAt = updated
	return def, nil
}
