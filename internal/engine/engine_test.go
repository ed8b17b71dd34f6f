package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"batipay/internal/config"
	"batipay/internal/db"
	"batipay/internal/domain"
	"batipay/internal/engine"
	"batipay/internal/migrate"
	"batipay/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

var (
	owner    = domain.Actor{ID: "client-1", Role: domain.RoleClient}
	provider = domain.Actor{ID: "provider-1", Role: domain.RoleProvider}
	rival    = domain.Actor{ID: "provider-2", Role: domain.RoleProvider}
	admin    = domain.Actor{ID: "admin-1", Role: domain.RoleAdmin}
)

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Escrow.LockWaitSeconds = 1
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	eng.Audit.Now = eng.Now
	eng.Repo.Now = eng.Now
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func mustCreateProject(t *testing.T, env testEnv, budget int64) domain.Project {
	t.Helper()
	p, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{
		Title:  "Villa foundation",
		City:   "Douala",
		Budget: budget,
	}, owner)
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	return p
}

// mustHire runs the apply+hire phase so expense tests start in_progress.
func mustHire(t *testing.T, env testEnv, projectID string) domain.Application {
	t.Helper()
	a, err := env.Engine.Apply(env.Ctx, projectID, provider)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, err := env.Engine.Hire(env.Ctx, projectID, a.ID, owner); err != nil {
		t.Fatalf("hire: %v", err)
	}
	return a
}

func TestCreateProjectValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		name string
		opts engine.ProjectCreateOptions
	}{
		{"empty title", engine.ProjectCreateOptions{City: "Douala", Budget: 1000}},
		{"empty city", engine.ProjectCreateOptions{Title: "t", Budget: 1000}},
		{"zero budget", engine.ProjectCreateOptions{Title: "t", City: "Douala"}},
		{"negative budget", engine.ProjectCreateOptions{Title: "t", City: "Douala", Budget: -5}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.Engine.CreateProject(env.Ctx, tc.opts, owner)
			var ie engine.InvalidInputError
			if !errors.As(err, &ie) {
				t.Fatalf("expected InvalidInputError, got %v", err)
			}
		})
	}
}

func TestDraftPublishLifecycle(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{
		Title: "Roof repair", City: "Yaoundé", Budget: 50000, Draft: true,
	}, owner)
	if err != nil {
		t.Fatalf("create draft: %v", err)
	}
	if p.Status != domain.ProjectDraft {
		t.Fatalf("want draft, got %s", p.Status)
	}
	// providers cannot apply to a draft
	if _, err := env.Engine.Apply(env.Ctx, p.ID, provider); err == nil {
		t.Fatal("expected conflict applying to draft")
	}
	p, err = env.Engine.PublishProject(env.Ctx, p.ID, owner)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if p.Status != domain.ProjectPendingAssignment {
		t.Fatalf("want pending_assignment, got %s", p.Status)
	}
	// publish is not idempotent
	if _, err := env.Engine.PublishProject(env.Ctx, p.ID, owner); err == nil {
		t.Fatal("expected conflict republishing")
	}
	// only the owner publishes
	p2, _ := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{
		Title: "Fence", City: "Douala", Budget: 10000, Draft: true,
	}, owner)
	if _, err := env.Engine.PublishProject(env.Ctx, p2.ID, provider); err == nil {
		t.Fatal("expected forbidden for non-owner publish")
	}
}

func TestApplyRules(t *testing.T) {
	env := newTestEnv(t)
	p := mustCreateProject(t, env, 100000)

	if _, err := env.Engine.Apply(env.Ctx, p.ID, provider); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	_, err := env.Engine.Apply(env.Ctx, p.ID, provider)
	var ce engine.ConflictError
	if !errors.As(err, &ce) || ce.Code != engine.ConflictDuplicateApplication {
		t.Fatalf("expected duplicate_application, got %v", err)
	}
	_, err = env.Engine.Apply(env.Ctx, p.ID, owner)
	if !errors.As(err, &ce) || ce.Code != engine.ConflictInvalidApplication {
		t.Fatalf("expected invalid_application for owner, got %v", err)
	}
	if _, err := env.Engine.Apply(env.Ctx, "missing", provider); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestHireAcceptsOneRejectsRest(t *testing.T) {
	env := newTestEnv(t)
	p := mustCreateProject(t, env, 100000)
	a1, err := env.Engine.Apply(env.Ctx, p.ID, provider)
	if err != nil {
		t.Fatal(err)
	}
	a2, err := env.Engine.Apply(env.Ctx, p.ID, rival)
	if err != nil {
		t.Fatal(err)
	}

	hired, err := env.Engine.Hire(env.Ctx, p.ID, a1.ID, owner)
	if err != nil {
		t.Fatalf("hire: %v", err)
	}
	if hired.Status != domain.ProjectInProgress {
		t.Fatalf("want in_progress, got %s", hired.Status)
	}
	if hired.ProviderID == nil || *hired.ProviderID != provider.ID {
		t.Fatalf("provider not assigned: %+v", hired.ProviderID)
	}

	got1, _ := env.Engine.Repo.GetApplication(env.Ctx, a1.ID)
	got2, _ := env.Engine.Repo.GetApplication(env.Ctx, a2.ID)
	if got1.Status != domain.ApplicationAccepted {
		t.Fatalf("accepted application is %s", got1.Status)
	}
	if got2.Status != domain.ApplicationRejected {
		t.Fatalf("losing application is %s", got2.Status)
	}

	// hiring again conflicts: project no longer open
	var ce engine.ConflictError
	_, err = env.Engine.Hire(env.Ctx, p.ID, a2.ID, owner)
	if !errors.As(err, &ce) || ce.Code != engine.ConflictProjectNotOpen {
		t.Fatalf("expected project_not_open, got %v", err)
	}
	// rejected provider can apply again only on open projects, so not here
	if _, err := env.Engine.Apply(env.Ctx, p.ID, rival); err == nil {
		t.Fatal("expected conflict applying to assigned project")
	}
}

func TestHireGuards(t *testing.T) {
	env := newTestEnv(t)
	p := mustCreateProject(t, env, 100000)
	other := mustCreateProject(t, env, 50000)
	a, err := env.Engine.Apply(env.Ctx, other.ID, provider)
	if err != nil {
		t.Fatal(err)
	}

	var ce engine.ConflictError
	_, err = env.Engine.Hire(env.Ctx, p.ID, a.ID, owner)
	if !errors.As(err, &ce) || ce.Code != engine.ConflictInvalidApplication {
		t.Fatalf("expected invalid_application for foreign application, got %v", err)
	}

	var fe engine.ForbiddenError
	_, err = env.Engine.Hire(env.Ctx, other.ID, a.ID, rival)
	if !errors.As(err, &fe) {
		t.Fatalf("expected forbidden for non-owner, got %v", err)
	}
	// admins can hire on anyone's project
	if _, err := env.Engine.Hire(env.Ctx, other.ID, a.ID, admin); err != nil {
		t.Fatalf("admin hire: %v", err)
	}
}

func TestSubmitExpenseRules(t *testing.T) {
	env := newTestEnv(t)
	p := mustCreateProject(t, env, 100000)

	// project still open: no expenses yet
	_, err := env.Engine.SubmitExpense(env.Ctx, engine.ExpenseSubmitOptions{
		ProjectID: p.ID, Amount: 1000, Category: "materials",
	}, provider)
	var ce engine.ConflictError
	if !errors.As(err, &ce) || ce.Code != engine.ConflictNotInProgress {
		t.Fatalf("expected not_in_progress, got %v", err)
	}

	mustHire(t, env, p.ID)

	_, err = env.Engine.SubmitExpense(env.Ctx, engine.ExpenseSubmitOptions{
		ProjectID: p.ID, Amount: 0, Category: "materials",
	}, provider)
	var ie engine.InvalidInputError
	if !errors.As(err, &ie) || ie.Field != "amount" {
		t.Fatalf("expected invalid amount, got %v", err)
	}
	_, err = env.Engine.SubmitExpense(env.Ctx, engine.ExpenseSubmitOptions{
		ProjectID: p.ID, Amount: 1000, Category: "gold-plating",
	}, provider)
	if !errors.As(err, &ie) || ie.Field != "category" {
		t.Fatalf("expected invalid category, got %v", err)
	}
	// only the assigned provider submits
	var fe engine.ForbiddenError
	_, err = env.Engine.SubmitExpense(env.Ctx, engine.ExpenseSubmitOptions{
		ProjectID: p.ID, Amount: 1000, Category: "materials",
	}, rival)
	if !errors.As(err, &fe) {
		t.Fatalf("expected forbidden for rival, got %v", err)
	}

	x, err := env.Engine.SubmitExpense(env.Ctx, engine.ExpenseSubmitOptions{
		ProjectID: p.ID, Amount: 25000, Category: "materials", Description: "cement",
	}, provider)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if x.Status != domain.ExpensePending {
		t.Fatalf("want pending, got %s", x.Status)
	}
}

func TestApproveEnforcesBudget(t *testing.T) {
	env := newTestEnv(t)
	p := mustCreateProject(t, env, 200000)
	mustHire(t, env, p.ID)

	submit := func(amount int64) domain.Expense {
		t.Helper()
		x, err := env.Engine.SubmitExpense(env.Ctx, engine.ExpenseSubmitOptions{
			ProjectID: p.ID, Amount: amount, Category: "materials",
		}, provider)
		if err != nil {
			t.Fatalf("submit %d: %v", amount, err)
		}
		return x
	}

	x1 := submit(150000)
	x2 := submit(150000)

	if _, err := env.Engine.ApproveExpense(env.Ctx, x1.ID, owner); err != nil {
		t.Fatalf("approve first: %v", err)
	}
	_, err := env.Engine.ApproveExpense(env.Ctx, x2.ID, owner)
	var be engine.BudgetExceededError
	if !errors.As(err, &be) {
		t.Fatalf("expected BudgetExceededError, got %v", err)
	}
	if be.Budget != 200000 || be.Approved != 150000 || be.Requested != 150000 {
		t.Fatalf("unexpected budget error: %+v", be)
	}

	// the second one can still be rejected, and exactly 50000 remains approvable
	if _, err := env.Engine.RejectExpense(env.Ctx, x2.ID, owner); err != nil {
		t.Fatalf("reject: %v", err)
	}
	x3 := submit(50000)
	if _, err := env.Engine.ApproveExpense(env.Ctx, x3.ID, owner); err != nil {
		t.Fatalf("approve remainder: %v", err)
	}
}

func TestConcurrentApprovalsNeverOversubscribe(t *testing.T) {
	env := newTestEnv(t)
	p := mustCreateProject(t, env, 200000)
	mustHire(t, env, p.ID)

	ids := make([]string, 2)
	for i := range ids {
		x, err := env.Engine.SubmitExpense(env.Ctx, engine.ExpenseSubmitOptions{
			ProjectID: p.ID, Amount: 150000, Category: "labor",
		}, provider)
		if err != nil {
			t.Fatal(err)
		}
		ids[i] = x.ID
	}

	var wg sync.WaitGroup
	errs := make([]error, len(ids))
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, errs[i] = env.Engine.ApproveExpense(env.Ctx, id, owner)
		}(i, id)
	}
	wg.Wait()

	approvedCount := 0
	var budgetErr int
	for _, err := range errs {
		var be engine.BudgetExceededError
		switch {
		case err == nil:
			approvedCount++
		case errors.As(err, &be):
			budgetErr++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if approvedCount != 1 || budgetErr != 1 {
		t.Fatalf("want exactly one approval and one budget refusal, got %d/%d", approvedCount, budgetErr)
	}

	s, err := env.Engine.ProjectSummary(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if s.TotalApproved > p.Budget {
		t.Fatalf("approved %d exceeds budget %d", s.TotalApproved, p.Budget)
	}
}

func TestDecisionsAreTerminal(t *testing.T) {
	env := newTestEnv(t)
	p := mustCreateProject(t, env, 100000)
	mustHire(t, env, p.ID)
	x, err := env.Engine.SubmitExpense(env.Ctx, engine.ExpenseSubmitOptions{
		ProjectID: p.ID, Amount: 10000, Category: "transport",
	}, provider)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ApproveExpense(env.Ctx, x.ID, owner); err != nil {
		t.Fatal(err)
	}
	var ce engine.ConflictError
	if _, err := env.Engine.ApproveExpense(env.Ctx, x.ID, owner); !errors.As(err, &ce) || ce.Code != engine.ConflictNotPending {
		t.Fatalf("expected not_pending on re-approve, got %v", err)
	}
	if _, err := env.Engine.RejectExpense(env.Ctx, x.ID, owner); !errors.As(err, &ce) || ce.Code != engine.ConflictNotPending {
		t.Fatalf("expected not_pending on reject-after-approve, got %v", err)
	}
}

func TestOnlyOwnerDecidesExpenses(t *testing.T) {
	env := newTestEnv(t)
	p := mustCreateProject(t, env, 100000)
	mustHire(t, env, p.ID)
	x, err := env.Engine.SubmitExpense(env.Ctx, engine.ExpenseSubmitOptions{
		ProjectID: p.ID, Amount: 10000, Category: "materials",
	}, provider)
	if err != nil {
		t.Fatal(err)
	}
	var fe engine.ForbiddenError
	if _, err := env.Engine.ApproveExpense(env.Ctx, x.ID, provider); !errors.As(err, &fe) {
		t.Fatalf("expected forbidden for provider self-approval, got %v", err)
	}
	if _, err := env.Engine.ApproveExpense(env.Ctx, x.ID, admin); err != nil {
		t.Fatalf("admin approve: %v", err)
	}
}

func TestCloseRequiresTerminalExpenses(t *testing.T) {
	env := newTestEnv(t)
	p := mustCreateProject(t, env, 100000)
	mustHire(t, env, p.ID)
	x, err := env.Engine.SubmitExpense(env.Ctx, engine.ExpenseSubmitOptions{
		ProjectID: p.ID, Amount: 10000, Category: "materials",
	}, provider)
	if err != nil {
		t.Fatal(err)
	}

	var ce engine.ConflictError
	if _, err := env.Engine.CloseProject(env.Ctx, p.ID, owner); !errors.As(err, &ce) || ce.Code != engine.ConflictPendingExpenses {
		t.Fatalf("expected pending_expenses, got %v", err)
	}
	if _, err := env.Engine.ApproveExpense(env.Ctx, x.ID, owner); err != nil {
		t.Fatal(err)
	}
	closed, err := env.Engine.CloseProject(env.Ctx, p.ID, owner)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if closed.Status != domain.ProjectCompleted || closed.ClosedAt == nil {
		t.Fatalf("unexpected closed project: %+v", closed)
	}
	// closing twice conflicts
	if _, err := env.Engine.CloseProject(env.Ctx, p.ID, owner); !errors.As(err, &ce) || ce.Code != engine.ConflictAlreadyClosed {
		t.Fatalf("expected already_closed, got %v", err)
	}
	// no more expenses on a completed project
	if _, err := env.Engine.SubmitExpense(env.Ctx, engine.ExpenseSubmitOptions{
		ProjectID: p.ID, Amount: 100, Category: "materials",
	}, provider); err == nil {
		t.Fatal("expected conflict submitting to completed project")
	}
}

func TestCloseBumpsProviderJobCount(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.UpdateProfile(env.Ctx, domain.Profile{
		ActorID: provider.ID, DisplayName: "Mason & Sons", City: "Douala", RatingTenths: 42,
	}, provider); err != nil {
		t.Fatalf("profile: %v", err)
	}
	p := mustCreateProject(t, env, 100000)
	mustHire(t, env, p.ID)
	if _, err := env.Engine.CloseProject(env.Ctx, p.ID, owner); err != nil {
		t.Fatal(err)
	}
	prof, err := env.Engine.Repo.GetProfile(env.Ctx, provider.ID)
	if err != nil {
		t.Fatal(err)
	}
	if prof.JobsCompleted != 1 {
		t.Fatalf("want 1 completed job, got %d", prof.JobsCompleted)
	}
}

func TestCancelRefusedAfterRelease(t *testing.T) {
	env := newTestEnv(t)
	p := mustCreateProject(t, env, 100000)
	mustHire(t, env, p.ID)
	x, err := env.Engine.SubmitExpense(env.Ctx, engine.ExpenseSubmitOptions{
		ProjectID: p.ID, Amount: 10000, Category: "materials",
	}, provider)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ApproveExpense(env.Ctx, x.ID, owner); err != nil {
		t.Fatal(err)
	}
	var ce engine.ConflictError
	if _, err := env.Engine.CancelProject(env.Ctx, p.ID, owner); !errors.As(err, &ce) || ce.Code != engine.ConflictHasApprovedExpenses {
		t.Fatalf("expected has_approved_expenses, got %v", err)
	}
}

func TestCancelRejectsPendingExpenses(t *testing.T) {
	env := newTestEnv(t)
	p := mustCreateProject(t, env, 100000)
	mustHire(t, env, p.ID)
	x, err := env.Engine.SubmitExpense(env.Ctx, engine.ExpenseSubmitOptions{
		ProjectID: p.ID, Amount: 10000, Category: "materials",
	}, provider)
	if err != nil {
		t.Fatal(err)
	}
	cancelled, err := env.Engine.CancelProject(env.Ctx, p.ID, owner)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != domain.ProjectCancelled {
		t.Fatalf("want cancelled, got %s", cancelled.Status)
	}
	got, err := env.Engine.Repo.GetExpense(env.Ctx, x.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.ExpenseRejected {
		t.Fatalf("pending expense should be rejected on cancel, got %s", got.Status)
	}
}

func TestCancelOpenProject(t *testing.T) {
	env := newTestEnv(t)
	p := mustCreateProject(t, env, 100000)
	if _, err := env.Engine.Apply(env.Ctx, p.ID, provider); err != nil {
		t.Fatal(err)
	}
	cancelled, err := env.Engine.CancelProject(env.Ctx, p.ID, owner)
	if err != nil {
		t.Fatalf("cancel open project: %v", err)
	}
	if cancelled.Status != domain.ProjectCancelled {
		t.Fatalf("want cancelled, got %s", cancelled.Status)
	}
}

func TestCancelDetachesProvider(t *testing.T) {
	env := newTestEnv(t)
	p := mustCreateProject(t, env, 100000)
	mustHire(t, env, p.ID)

	cancelled, err := env.Engine.CancelProject(env.Ctx, p.ID, owner)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != domain.ProjectCancelled {
		t.Fatalf("want cancelled, got %s", cancelled.Status)
	}
	if cancelled.ProviderID != nil {
		t.Fatalf("provider %q should be detached from a cancelled project", *cancelled.ProviderID)
	}
	got, err := env.Engine.Repo.GetProject(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ProviderID != nil {
		t.Fatalf("stored project still carries provider %q", *got.ProviderID)
	}
	// the hiring record survives in the accepted application
	apps, err := env.Engine.Repo.ListApplications(env.Ctx, p.ID, domain.ApplicationAccepted)
	if err != nil {
		t.Fatal(err)
	}
	if len(apps) != 1 || apps[0].ProviderID != provider.ID {
		t.Fatalf("accepted application should survive cancellation, got %+v", apps)
	}
}

func TestStatusEventsRecordTransition(t *testing.T) {
	env := newTestEnv(t)

	payloadOf := func(projectID, evtType string) map[string]any {
		t.Helper()
		events, err := env.Engine.Repo.LatestEvents(env.Ctx, 1, projectID, evtType, "", "")
		if err != nil {
			t.Fatal(err)
		}
		if len(events) != 1 {
			t.Fatalf("want one %s event, got %d", evtType, len(events))
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(events[0].Payload), &m); err != nil {
			t.Fatalf("decode %s payload: %v", evtType, err)
		}
		return m
	}
	expect := func(payload map[string]any, evtType, oldStatus, newStatus string) {
		t.Helper()
		if payload["old_status"] != oldStatus || payload["new_status"] != newStatus {
			t.Fatalf("%s payload %v, want %s -> %s", evtType, payload, oldStatus, newStatus)
		}
	}

	p, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{
		Title: "Fence", City: "Douala", Budget: 100000, Draft: true,
	}, owner)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.PublishProject(env.Ctx, p.ID, owner); err != nil {
		t.Fatal(err)
	}
	mustHire(t, env, p.ID)
	if _, err := env.Engine.CancelProject(env.Ctx, p.ID, owner); err != nil {
		t.Fatal(err)
	}
	expect(payloadOf(p.ID, "project.published"), "project.published", domain.ProjectDraft, domain.ProjectPendingAssignment)
	expect(payloadOf(p.ID, "project.assigned"), "project.assigned", domain.ProjectPendingAssignment, domain.ProjectInProgress)
	cancelPayload := payloadOf(p.ID, "project.cancelled")
	expect(cancelPayload, "project.cancelled", domain.ProjectInProgress, domain.ProjectCancelled)
	if cancelPayload["provider_id"] != provider.ID {
		t.Fatalf("cancel event should name the detached provider, got %v", cancelPayload)
	}

	p2 := mustCreateProject(t, env, 100000)
	mustHire(t, env, p2.ID)
	if _, err := env.Engine.CloseProject(env.Ctx, p2.ID, owner); err != nil {
		t.Fatal(err)
	}
	expect(payloadOf(p2.ID, "project.closed"), "project.closed", domain.ProjectInProgress, domain.ProjectCompleted)
}

func TestProjectSummary(t *testing.T) {
	env := newTestEnv(t)
	p := mustCreateProject(t, env, 200000)
	mustHire(t, env, p.ID)

	submit := func(amount int64) domain.Expense {
		t.Helper()
		x, err := env.Engine.SubmitExpense(env.Ctx, engine.ExpenseSubmitOptions{
			ProjectID: p.ID, Amount: amount, Category: "materials",
		}, provider)
		if err != nil {
			t.Fatal(err)
		}
		return x
	}
	x1 := submit(50000)
	submit(30000)
	if _, err := env.Engine.ApproveExpense(env.Ctx, x1.ID, owner); err != nil {
		t.Fatal(err)
	}

	s, err := env.Engine.ProjectSummary(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if s.TotalApproved != 50000 || s.TotalPending != 30000 {
		t.Fatalf("unexpected totals: %+v", s)
	}
	if s.PercentBudgetUsed != 25 {
		t.Fatalf("want 25%%, got %d", s.PercentBudgetUsed)
	}

	// absent mutations the summary is stable
	again, err := env.Engine.ProjectSummary(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if again.TotalApproved != s.TotalApproved || again.TotalPending != s.TotalPending ||
		again.PercentBudgetUsed != s.PercentBudgetUsed || again.Project.Status != s.Project.Status {
		t.Fatalf("summary changed without mutations: %+v vs %+v", again, s)
	}
}

func TestGuardTimesOutBusy(t *testing.T) {
	env := newTestEnv(t)
	p := mustCreateProject(t, env, 100000)
	a, err := env.Engine.Apply(env.Ctx, p.ID, provider)
	if err != nil {
		t.Fatal(err)
	}

	release, err := env.Engine.Locks.Acquire(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.Hire(env.Ctx, p.ID, a.ID, owner)
	if !errors.Is(err, engine.ErrBusy) {
		t.Fatalf("expected ErrBusy while guard held, got %v", err)
	}
	release()
	if _, err := env.Engine.Hire(env.Ctx, p.ID, a.ID, owner); err != nil {
		t.Fatalf("hire after release: %v", err)
	}
}

func TestDistinctProjectsDoNotContend(t *testing.T) {
	env := newTestEnv(t)
	p1 := mustCreateProject(t, env, 100000)
	p2 := mustCreateProject(t, env, 100000)

	release, err := env.Engine.Locks.Acquire(env.Ctx, p1.ID)
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	a, err := env.Engine.Apply(env.Ctx, p2.ID, provider)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Hire(env.Ctx, p2.ID, a.ID, owner); err != nil {
		t.Fatalf("hire on unrelated project while p1 guard held: %v", err)
	}
}

func TestAuditTrail(t *testing.T) {
	env := newTestEnv(t)
	p := mustCreateProject(t, env, 100000)
	mustHire(t, env, p.ID)
	x, err := env.Engine.SubmitExpense(env.Ctx, engine.ExpenseSubmitOptions{
		ProjectID: p.ID, Amount: 10000, Category: "materials",
	}, provider)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ApproveExpense(env.Ctx, x.ID, owner); err != nil {
		t.Fatal(err)
	}

	events, err := env.Engine.Repo.EventsAfter(env.Ctx, 100, 0, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	var types []string
	for _, evt := range events {
		types = append(types, evt.Type)
	}
	want := []string{
		"project.created",
		"application.submitted",
		"application.accepted",
		"project.assigned",
		"expense.submitted",
		"expense.approved",
		"expense.payout_intent",
	}
	if len(types) != len(want) {
		t.Fatalf("event types %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event %d: got %s, want %s", i, types[i], want[i])
		}
	}
}
