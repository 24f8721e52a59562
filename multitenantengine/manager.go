package multitenantengine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/liamcoop/rulegate/rules"
)

var (
	ErrTenantNotFound = errors.New("tenant not found")
	ErrTenantExists   = errors.New("tenant already exists")
	ErrInvalidTenant  = errors.New("invalid tenant")
)

// Tenant is a registered tenant
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// TenantEngine pairs a tenant with its isolated engine
type TenantEngine struct {
	Tenant
	Engine *rules.Engine
}

// EvaluatorInstaller registers custom evaluators on a freshly created engine
type EvaluatorInstaller func(tenantID string, engine *rules.Engine) error

// RecorderFactory returns the telemetry recorder for a tenant
type RecorderFactory func(tenantID string) rules.Recorder

// Option configures a Manager
type Option func(*Manager)

// WithDB stores tenants and rules in Postgres. Without it everything is in memory.
func WithDB(db *sql.DB) Option {
	return func(m *Manager) {
		m.db = db
	}
}

func WithEngineConfig(config rules.Config) Option {
	return func(m *Manager) {
		m.config = config
	}
}

func WithInstaller(installer EvaluatorInstaller) Option {
	return func(m *Manager) {
		m.installers = append(m.installers, installer)
	}
}

func WithRecorderFactory(factory RecorderFactory) Option {
	return func(m *Manager) {
		m.recorders = factory
	}
}

// WithSeed creates these rules on every new tenant engine, skipping names
// that already exist
func WithSeed(seed []*rules.Rule) Option {
	return func(m *Manager) {
		m.seed = seed
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// Manager owns one rules.Engine per tenant. Engines never share evaluator
// registries, caches or definitions.
type Manager struct {
	engines    map[string]*TenantEngine
	db         *sql.DB
	config     rules.Config
	installers []EvaluatorInstaller
	recorders  RecorderFactory
	seed       []*rules.Rule
	logger     *slog.Logger
	mu         sync.RWMutex
}

// NewManager creates a new manager instance
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		engines: make(map[string]*TenantEngine),
		config:  rules.DefaultConfig(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// LoadAllTenants builds an engine for every tenant stored in the database.
// It is a no-op in memory mode.
func (m *Manager) LoadAllTenants(ctx context.Context) error {
	if m.db == nil {
		return nil
	}

	rows, err := m.db.QueryContext(ctx, `
		SELECT id, name, created_at
		FROM tenants
		ORDER BY created_at ASC
	`)
	if err != nil {
		return fmt.Errorf("failed to fetch tenants: %w", err)
	}
	defer rows.Close()

	var tenants []Tenant
	for rows.Next() {
		var t Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.CreatedAt); err != nil {
			return fmt.Errorf("failed to scan tenant row: %w", err)
		}
		tenants = append(tenants, t)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating tenant rows: %w", err)
	}

	for _, t := range tenants {
		te, err := m.buildEngine(ctx, t)
		if err != nil {
			return fmt.Errorf("failed to initialize tenant %s: %w", t.ID, err)
		}
		m.mu.Lock()
		m.engines[t.ID] = te
		m.mu.Unlock()
	}

	m.logger.Info("tenants loaded", "count", len(tenants))
	return nil
}

// CreateTenant registers a tenant and builds its engine. An empty id gets a
// generated UUID.
func (m *Manager) CreateTenant(ctx context.Context, id, name string) (*Tenant, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if err := ValidateTenantID(id); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTenant, err)
	}
	if err := ValidateTenantName(name); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTenant, err)
	}

	m.mu.RLock()
	_, exists := m.engines[id]
	m.mu.RUnlock()
	if exists {
		return nil, fmt.Errorf("tenant %s: %w", id, ErrTenantExists)
	}

	t := Tenant{ID: id, Name: name, CreatedAt: time.Now().UTC()}
	if m.db != nil {
		err := m.db.QueryRowContext(ctx, `
			INSERT INTO tenants (id, name, created_at, updated_at)
			VALUES ($1, $2, NOW(), NOW())
			ON CONFLICT (id) DO NOTHING
			RETURNING created_at
		`, t.ID, t.Name).Scan(&t.CreatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("tenant %s: %w", id, ErrTenantExists)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create tenant: %w", err)
		}
	}

	te, err := m.buildEngine(ctx, t)
	if err != nil {
		m.discardTenant(ctx, id)
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.engines[id]; exists {
		return nil, fmt.Errorf("tenant %s: %w", id, ErrTenantExists)
	}
	m.engines[id] = te

	m.logger.Info("tenant created", "tenant", id)
	return &t, nil
}

// discardTenant deletes the row of a tenant whose engine could not be built,
// together with any rules seeded before the failure.
func (m *Manager) discardTenant(ctx context.Context, tenantID string) {
	if m.db == nil {
		return
	}
	if _, err := m.db.ExecContext(context.WithoutCancel(ctx), `DELETE FROM tenants WHERE id = $1`, tenantID); err != nil {
		m.logger.Error("failed to discard tenant", "tenant", tenantID, "error", err)
	}
}

func (m *Manager) buildEngine(ctx context.Context, t Tenant) (*TenantEngine, error) {
	var registry rules.Registry = rules.NewInMemoryRegistry()
	if m.db != nil {
		registry = rules.NewPostgresRegistry(m.db, t.ID)
	}

	opts := []rules.EngineOption{rules.WithLogger(m.logger.With("tenant", t.ID))}
	if m.recorders != nil {
		opts = append(opts, rules.WithRecorder(m.recorders(t.ID)))
	}

	engine, err := rules.NewEngine(registry, m.config, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	for _, install := range m.installers {
		if err := install(t.ID, engine); err != nil {
			return nil, fmt.Errorf("failed to install evaluators: %w", err)
		}
	}

	if len(m.seed) > 0 {
		created, err := engine.Store().Seed(ctx, m.seed)
		if err != nil {
			return nil, err
		}
		if created > 0 {
			m.logger.Info("seeded tenant rules", "tenant", t.ID, "created", created)
		}
	}

	return &TenantEngine{Tenant: t, Engine: engine}, nil
}

// GetEngine retrieves the engine for a specific tenant
func (m *Manager) GetEngine(tenantID string) (*rules.Engine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	te, exists := m.engines[tenantID]
	if !exists {
		return nil, fmt.Errorf("tenant %s: %w", tenantID, ErrTenantNotFound)
	}
	return te.Engine, nil
}

// GetTenant returns a loaded tenant
func (m *Manager) GetTenant(tenantID string) (*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	te, exists := m.engines[tenantID]
	if !exists {
		return nil, fmt.Errorf("tenant %s: %w", tenantID, ErrTenantNotFound)
	}
	t := te.Tenant
	return &t, nil
}

// ListTenants returns all loaded tenants ordered by creation time
func (m *Manager) ListTenants() []Tenant {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tenants := make([]Tenant, 0, len(m.engines))
	for _, te := range m.engines {
		tenants = append(tenants, te.Tenant)
	}
	sort.Slice(tenants, func(i, j int) bool {
		if !tenants[i].CreatedAt.Equal(tenants[j].CreatedAt) {
			return tenants[i].CreatedAt.Before(tenants[j].CreatedAt)
		}
		return tenants[i].ID < tenants[j].ID
	})
	return tenants
}

// RemoveTenant drops a tenant's engine. In Postgres mode the tenant row and
// its rules are deleted as well.
func (m *Manager) RemoveTenant(ctx context.Context, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.engines[tenantID]; !exists {
		return fmt.Errorf("tenant %s: %w", tenantID, ErrTenantNotFound)
	}

	if m.db != nil {
		if _, err := m.db.ExecContext(ctx, `DELETE FROM tenants WHERE id = $1`, tenantID); err != nil {
			return fmt.Errorf("failed to delete tenant: %w", err)
		}
	}

	delete(m.engines, tenantID)
	m.logger.Info("tenant removed", "tenant", tenantID)
	return nil
}

// Ping checks the database connection, if any
func (m *Manager) Ping(ctx context.Context) error {
	if m.db == nil {
		return nil
	}
	return m.db.PingContext(ctx)
}
