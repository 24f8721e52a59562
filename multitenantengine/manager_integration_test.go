//go:build integration

package multitenantengine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/liamcoop/rulegate/rules"
)

// setupTestDB starts a PostgreSQL testcontainer and applies the schema
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	postgres, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_PASSWORD": "password",
				"POSTGRES_DB":       "testdb",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}
	t.Cleanup(func() { _ = postgres.Terminate(ctx) })

	host, err := postgres.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := postgres.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	db, err := sql.Open("postgres", fmt.Sprintf("postgres://postgres:password@%s:%s/testdb?sslmode=disable", host, port.Port()))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	for i := 0; i < 30; i++ {
		if err := db.Ping(); err == nil {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	migration, err := os.ReadFile("../migrations/000001_initial_schema.up.sql")
	if err != nil {
		t.Fatalf("Failed to read migration file: %v", err)
	}
	if _, err := db.Exec(string(migration)); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}
	return db
}

func TestManagerPostgres_PersistAndReload(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)

	m := NewManager(WithDB(db))
	if _, err := m.CreateTenant(ctx, "acme", "Acme"); err != nil {
		t.Fatalf("CreateTenant() error = %v", err)
	}
	engine, _ := m.GetEngine("acme")

	child := &rules.Rule{Name: "has_title", Type: rules.TypeSimple, Condition: "exists(data.title)", Enabled: true}
	if _, _, err := engine.Store().Create(ctx, child); err != nil {
		t.Fatalf("Create(child) error = %v", err)
	}
	parent := &rules.Rule{
		Name: "ready", Type: rules.TypeComposite, Operator: rules.OpAnd, Enabled: true,
		Rules: []*rules.Rule{child.Clone()},
	}
	if _, _, err := engine.Store().Create(ctx, parent); err != nil {
		t.Fatalf("Create(parent) error = %v", err)
	}

	// A fresh manager sees the same tenant and rules
	reloaded := NewManager(WithDB(db))
	if err := reloaded.LoadAllTenants(ctx); err != nil {
		t.Fatalf("LoadAllTenants() error = %v", err)
	}
	engine, err := reloaded.GetEngine("acme")
	if err != nil {
		t.Fatalf("GetEngine() error = %v", err)
	}

	rc := rules.RuleContext{Resource: rules.Resource{ID: "doc", Data: map[string]any{"title": "t"}}}
	result, err := engine.EvaluateRule(ctx, "ready", rc, rules.EvaluateOptions{})
	if err != nil || !result.Passed {
		t.Fatalf("EvaluateRule(ready) = %+v, %v", result, err)
	}

	var dep *rules.DependencyError
	if err := engine.Store().Delete(ctx, "has_title", rules.DeleteOptions{}); !errors.As(err, &dep) {
		t.Fatalf("Delete() error = %v, want DependencyError", err)
	}
	if len(dep.Dependents) != 1 || dep.Dependents[0] != "ready" {
		t.Errorf("Dependents = %v, want [ready]", dep.Dependents)
	}

	if _, _, err := engine.Store().Create(ctx, child); !errors.Is(err, rules.ErrAlreadyExists) {
		t.Errorf("duplicate Create() error = %v, want ErrAlreadyExists", err)
	}
}

func TestManagerPostgres_RemoveTenantCascades(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)

	m := NewManager(WithDB(db), WithSeed([]*rules.Rule{
		{Name: "is_draft", Type: rules.TypeSimple, Condition: `state == "draft"`, Enabled: true},
	}))
	if _, err := m.CreateTenant(ctx, "acme", "Acme"); err != nil {
		t.Fatalf("CreateTenant() error = %v", err)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM rules WHERE tenant_id = 'acme'`).Scan(&count); err != nil || count != 1 {
		t.Fatalf("seeded rules = %d, %v", count, err)
	}

	if err := m.RemoveTenant(ctx, "acme"); err != nil {
		t.Fatalf("RemoveTenant() error = %v", err)
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM rules WHERE tenant_id = 'acme'`).Scan(&count); err != nil || count != 0 {
		t.Errorf("rules after tenant removal = %d, %v", count, err)
	}

	if _, err := m.CreateTenant(ctx, "acme", "Acme"); err != nil {
		t.Errorf("re-creating removed tenant error = %v", err)
	}
}

func TestManagerPostgres_FailedCreateLeavesNoTenant(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)

	fail := true
	installer := func(string, *rules.Engine) error {
		if fail {
			return errors.New("boom")
		}
		return nil
	}
	seed := []*rules.Rule{
		{Name: "is_draft", Type: rules.TypeSimple, Condition: `state == "draft"`, Enabled: true},
	}

	m := NewManager(WithDB(db), WithInstaller(installer))
	if _, err := m.CreateTenant(ctx, "acme", "Acme"); err == nil {
		t.Fatal("expected installer error")
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM tenants WHERE id = 'acme'`).Scan(&count); err != nil || count != 0 {
		t.Fatalf("tenant rows after failed create = %d, %v", count, err)
	}

	// A seed that fails half way must not leave rules or the tenant behind
	broken := NewManager(WithDB(db), WithSeed(append(seed, &rules.Rule{Name: "broken", Type: "unknown"})))
	if _, err := broken.CreateTenant(ctx, "acme", "Acme"); !errors.Is(err, rules.ErrValidation) {
		t.Fatalf("CreateTenant() with invalid seed error = %v, want ErrValidation", err)
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM rules WHERE tenant_id = 'acme'`).Scan(&count); err != nil || count != 0 {
		t.Fatalf("rules after failed seed = %d, %v", count, err)
	}

	fail = false
	if _, err := m.CreateTenant(ctx, "acme", "Acme"); err != nil {
		t.Fatalf("retry CreateTenant() error = %v", err)
	}
	if _, err := m.GetEngine("acme"); err != nil {
		t.Errorf("GetEngine() after retry error = %v", err)
	}

	reloaded := NewManager(WithDB(db), WithSeed(seed))
	if err := reloaded.LoadAllTenants(ctx); err != nil {
		t.Fatalf("LoadAllTenants() error = %v", err)
	}
	if len(reloaded.ListTenants()) != 1 {
		t.Errorf("ListTenants() = %v, want one tenant", reloaded.ListTenants())
	}
}
