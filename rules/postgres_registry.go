package rules

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// uniqueViolation is the Postgres SQLSTATE for a unique constraint failure
const uniqueViolation = "23505"

// PostgresRegistry implements Registry backed by PostgreSQL. The full rule
// tree is stored as JSONB; filterable fields are duplicated into columns.
type PostgresRegistry struct {
	db       *sql.DB
	tenantID string
}

// NewPostgresRegistry creates a PostgreSQL-backed Registry for a specific tenant
func NewPostgresRegistry(db *sql.DB, tenantID string) *PostgresRegistry {
	return &PostgresRegistry{
		db:       db,
		tenantID: tenantID,
	}
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Fetch retrieves a rule by name
func (s *PostgresRegistry) Fetch(ctx context.Context, name string) (*Rule, error) {
	return s.fetch(ctx, s.db, name)
}

func (s *PostgresRegistry) fetch(ctx context.Context, q queryer, name string) (*Rule, error) {
	var (
		id         string
		definition []byte
		createdAt  time.Time
		updatedAt  time.Time
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, definition, created_at, updated_at
		FROM rules
		WHERE tenant_id = $1 AND name = $2
	`, s.tenantID, name).Scan(&id, &definition, &createdAt, &updatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Name: name}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}

	return decodeRule(id, definition, createdAt, updatedAt)
}

// Create inserts a new rule into the database
func (s *PostgresRegistry) Create(ctx context.Context, rule *Rule) (*Rule, error) {
	stored := rule.Clone()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	stored.CreatedAt = now
	stored.UpdatedAt = now

	definition, err := json.Marshal(stored)
	if err != nil {
		return nil, fmt.Errorf("failed to encode rule: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rules (id, tenant_id, name, type, category, priority, enabled, definition, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, stored.ID, s.tenantID, stored.Name, string(stored.Type), stored.Category, stored.Priority,
		stored.Enabled, definition, stored.CreatedAt, stored.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("rule %s: %w", stored.Name, ErrAlreadyExists)
		}
		return nil, fmt.Errorf("failed to insert rule: %w", err)
	}

	return stored, nil
}

// Update modifies an existing rule, preserving its ID and creation time
func (s *PostgresRegistry) Update(ctx context.Context, name string, rule *Rule) (*Rule, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := s.fetch(ctx, tx, name)
	if err != nil {
		return nil, err
	}

	stored := rule.Clone()
	stored.ID = existing.ID
	stored.CreatedAt = existing.CreatedAt
	stored.UpdatedAt = time.Now().UTC()

	definition, err := json.Marshal(stored)
	if err != nil {
		return nil, fmt.Errorf("failed to encode rule: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE rules
		SET name = $1, type = $2, category = $3, priority = $4, enabled = $5, definition = $6, updated_at = $7
		WHERE tenant_id = $8 AND name = $9
	`, stored.Name, string(stored.Type), stored.Category, stored.Priority, stored.Enabled,
		definition, stored.UpdatedAt, s.tenantID, name)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("rule %s: %w", stored.Name, ErrAlreadyExists)
		}
		return nil, fmt.Errorf("failed to update rule: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return nil, &NotFoundError{Name: name}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit update: %w", err)
	}
	return stored, nil
}

// Delete removes a rule from the database
func (s *PostgresRegistry) Delete(ctx context.Context, name string, force bool) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if !force {
		deps, err := s.dependents(ctx, tx, name)
		if err != nil {
			return false, err
		}
		if len(deps) > 0 {
			return false, &DependencyError{Name: name, Dependents: deps}
		}
	}

	result, err := tx.ExecContext(ctx, `
		DELETE FROM rules
		WHERE tenant_id = $1 AND name = $2
	`, s.tenantID, name)
	if err != nil {
		return false, fmt.Errorf("failed to delete rule: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return false, &NotFoundError{Name: name}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit delete: %w", err)
	}
	return true, nil
}

// ListDependents returns composite rules whose embedded tree references name
func (s *PostgresRegistry) ListDependents(ctx context.Context, name string) ([]string, error) {
	return s.dependents(ctx, s.db, name)
}

func (s *PostgresRegistry) dependents(ctx context.Context, q queryer, name string) ([]string, error) {
	composites, err := s.query(ctx, q, `
		SELECT id, definition, created_at, updated_at
		FROM rules
		WHERE tenant_id = $1 AND type = $2 AND name <> $3
	`, s.tenantID, string(TypeComposite), name)
	if err != nil {
		return nil, err
	}

	var deps []string
	for _, rule := range composites {
		if rule.References(name) {
			deps = append(deps, rule.Name)
		}
	}
	sort.Strings(deps)
	return deps, nil
}

// List returns all rules for the tenant
func (s *PostgresRegistry) List(ctx context.Context) ([]*Rule, error) {
	return s.query(ctx, s.db, `
		SELECT id, definition, created_at, updated_at
		FROM rules
		WHERE tenant_id = $1
		ORDER BY name ASC
	`, s.tenantID)
}

func (s *PostgresRegistry) query(ctx context.Context, q queryer, query string, args ...any) ([]*Rule, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var rulesList []*Rule
	for rows.Next() {
		var (
			id         string
			definition []byte
			createdAt  time.Time
			updatedAt  time.Time
		)
		if err := rows.Scan(&id, &definition, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rule, err := decodeRule(id, definition, createdAt, updatedAt)
		if err != nil {
			return nil, err
		}
		rulesList = append(rulesList, rule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}

	return rulesList, nil
}

func decodeRule(id string, definition []byte, createdAt, updatedAt time.Time) (*Rule, error) {
	var rule Rule
	if err := json.Unmarshal(definition, &rule); err != nil {
		return nil, fmt.Errorf("failed to decode rule %s: %w", id, err)
	}
	rule.ID = id
	rule.CreatedAt = createdAt
	rule.UpdatedAt = updatedAt
	return &rule, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
