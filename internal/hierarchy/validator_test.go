package hierarchy_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"orgline/internal/audit"
	"orgline/internal/config"
	"orgline/internal/db"
	"orgline/internal/domain"
	"orgline/internal/hierarchy"
	"orgline/internal/migrate"
	"orgline/internal/repo"
)

var now = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	Repo      repo.Repo
	Validator hierarchy.Validator
	Ctx       context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	return testEnv{
		Repo: r,
		Validator: hierarchy.Validator{
			Store:  r,
			Config: config.NewLive(config.Default("acme")),
			Now:    func() time.Time { return now },
		},
		Ctx: context.Background(),
	}
}

func (env testEnv) agent(t *testing.T, id, manager string, perms domain.Permissions) {
	t.Helper()
	a := domain.Agent{ID: id, Role: "lead", Permissions: perms, CreatedAt: now.Format(time.RFC3339)}
	if manager != "" {
		a.ReportingTo = &manager
	}
	if err := env.Repo.InsertAgent(env.Ctx, a); err != nil {
		t.Fatalf("insert %s: %v", id, err)
	}
}

var hirer = domain.Permissions{CanHire: true, MaxSubordinates: 10, HiringBudget: 10}

func mustValidate(t *testing.T, env testEnv, manager, newID string) hierarchy.Result {
	t.Helper()
	res, err := env.Validator.ValidateHire(env.Ctx, manager, newID)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	return res
}

func TestSelfHireAlwaysForbidden(t *testing.T) {
	env := newTestEnv(t)
	res := mustValidate(t, env, "ghost", "ghost")
	if res.Valid || len(res.Errors) != 1 || res.Errors[0].Code != hierarchy.CodeSelfHireForbidden {
		t.Fatalf("unexpected result for missing agent: %+v", res)
	}
	env.agent(t, "ceo", "", hirer)
	res = mustValidate(t, env, "ceo", "ceo")
	if res.Valid || res.Errors[0].Code != hierarchy.CodeSelfHireForbidden {
		t.Fatalf("unexpected result for existing agent: %+v", res)
	}
}

func TestEarlyReturns(t *testing.T) {
	env := newTestEnv(t)
	res := mustValidate(t, env, "nobody", "dev")
	if len(res.Errors) != 1 || res.Errors[0].Code != hierarchy.CodeManagerNotFound {
		t.Fatalf("expected MANAGER_NOT_FOUND: %+v", res)
	}

	env.agent(t, "eng", "", domain.Permissions{})
	res = mustValidate(t, env, "eng", "dev")
	if len(res.Errors) != 1 || res.Errors[0].Code != hierarchy.CodeNoHirePermission {
		t.Fatalf("expected NO_HIRE_PERMISSION: %+v", res)
	}

	env.agent(t, "boss", "", hirer)
	if err := env.Repo.SetAgentStatus(env.Ctx, "boss", domain.AgentPaused, now.Format(time.RFC3339)); err != nil {
		t.Fatal(err)
	}
	res = mustValidate(t, env, "boss", "dev")
	if len(res.Errors) != 1 || res.Errors[0].Code != hierarchy.CodeManagerNotActive {
		t.Fatalf("expected MANAGER_NOT_ACTIVE: %+v", res)
	}
}

func TestCircularReporting(t *testing.T) {
	env := newTestEnv(t)
	env.agent(t, "ceo", "", hirer)
	env.agent(t, "cto", "ceo", hirer)
	env.agent(t, "dev", "cto", hirer)
	for _, manager := range []string{"cto", "dev"} {
		res := mustValidate(t, env, manager, "ceo")
		if res.Valid || !res.Has(hierarchy.CodeCircularReporting) {
			t.Fatalf("%s hiring ceo: expected cycle, got %+v", manager, res)
		}
		if !res.Has(hierarchy.CodeAgentAlreadyExists) {
			t.Fatalf("%s hiring ceo: expected AGENT_ALREADY_EXISTS too", manager)
		}
	}
	res := mustValidate(t, env, "dev", "intern")
	if !res.Valid {
		t.Fatalf("expected valid hire: %+v", res)
	}
}

func TestCorruptChainTerminates(t *testing.T) {
	env := newTestEnv(t)
	env.agent(t, "a", "", hirer)
	env.agent(t, "b", "a", hirer)
	if _, err := env.Repo.DB.Exec(`UPDATE agents SET reporting_to='b' WHERE id='a'`); err != nil {
		t.Fatal(err)
	}
	res := mustValidate(t, env, "b", "new")
	if !res.Has(hierarchy.CodeCircularReporting) {
		t.Fatalf("expected revisit to be reported as cycle: %+v", res)
	}

	env2 := newTestEnv(t)
	prev := ""
	for i := 0; i < 120; i++ {
		id := fmt.Sprintf("n%03d", i)
		env2.agent(t, id, prev, hirer)
		prev = id
	}
	res = mustValidate(t, env2, prev, "new")
	if !res.Has(hierarchy.CodeCircularReporting) {
		t.Fatalf("expected depth bound to trip: %+v", res)
	}
}

func TestBudgetChecksAreIndependent(t *testing.T) {
	env := newTestEnv(t)
	env.agent(t, "lead", "", domain.Permissions{CanHire: true, MaxSubordinates: 2, HiringBudget: 1})
	env.agent(t, "a", "lead", domain.Permissions{})
	res := mustValidate(t, env, "lead", "b")
	if res.Has(hierarchy.CodeMaxSubordinatesExceeded) || !res.Has(hierarchy.CodeHiringBudgetExceeded) {
		t.Fatalf("expected only budget error: %+v", res)
	}
	env.agent(t, "b", "lead", domain.Permissions{})
	res = mustValidate(t, env, "lead", "c")
	if !res.Has(hierarchy.CodeMaxSubordinatesExceeded) || !res.Has(hierarchy.CodeHiringBudgetExceeded) {
		t.Fatalf("expected both errors: %+v", res)
	}
}

func TestInconsistentPermissionsWarning(t *testing.T) {
	env := newTestEnv(t)
	env.agent(t, "odd", "", domain.Permissions{CanHire: true, MaxSubordinates: 0, HiringBudget: 3})
	res := mustValidate(t, env, "odd", "x")
	if len(res.Warnings) != 1 || res.Warnings[0].Code != hierarchy.CodeInconsistentPermissions {
		t.Fatalf("expected warning: %+v", res)
	}
	if !res.Has(hierarchy.CodeMaxSubordinatesExceeded) {
		t.Fatalf("expected max subordinates error: %+v", res)
	}
}

func TestRateLimit(t *testing.T) {
	for _, tc := range []struct {
		prior   int
		limited bool
	}{{4, false}, {5, true}} {
		env := newTestEnv(t)
		env.agent(t, "ceo", "", hirer)
		w := audit.Writer{DB: env.Repo.DB, Now: func() time.Time { return now.Add(-10 * time.Minute) }}
		for i := 0; i < tc.prior; i++ {
			if err := w.Append(env.Ctx, nil, audit.Entry{Action: domain.ActionHire, ActorID: "ceo", TargetID: fmt.Sprintf("h%d", i), Success: true}); err != nil {
				t.Fatal(err)
			}
		}
		old := audit.Writer{DB: env.Repo.DB, Now: func() time.Time { return now.Add(-2 * time.Hour) }}
		if err := old.Append(env.Ctx, nil, audit.Entry{Action: domain.ActionHire, ActorID: "ceo", TargetID: "old", Success: true}); err != nil {
			t.Fatal(err)
		}
		res := mustValidate(t, env, "ceo", "next")
		if res.Has(hierarchy.CodeRateLimitExceeded) != tc.limited {
			t.Fatalf("prior=%d: expected limited=%v, got %+v", tc.prior, tc.limited, res)
		}
	}
}

func TestStrictAggregates(t *testing.T) {
	env := newTestEnv(t)
	env.agent(t, "ceo", "", hirer)
	env.agent(t, "cto", "ceo", hirer)
	_, err := env.Validator.ValidateHireStrict(env.Ctx, "cto", "ceo")
	var agg *hierarchy.AggregateError
	if !errors.As(err, &agg) {
		t.Fatalf("expected aggregate error, got %v", err)
	}
	if !agg.Has(hierarchy.CodeCircularReporting) || agg.NewAgentID != "ceo" {
		t.Fatalf("unexpected aggregate: %+v", agg)
	}
	if _, err := env.Validator.ValidateHireStrict(env.Ctx, "cto", "dev"); err != nil {
		t.Fatalf("valid hire returned %v", err)
	}
}
