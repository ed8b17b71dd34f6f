package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"batipay/internal/audit"
	"batipay/internal/config"
	"batipay/internal/domain"
	"batipay/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Audit  audit.Writer
	Config *config.Config
	Locks  *ProjectLocks
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Audit:  audit.Writer{DB: db},
		Config: cfg,
		Locks:  NewProjectLocks(),
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) lockWait() time.Duration {
	if e.Config != nil && e.Config.Escrow.LockWaitSeconds > 0 {
		return time.Duration(e.Config.Escrow.LockWaitSeconds) * time.Second
	}
	return 5 * time.Second
}

// guard serializes state-changing operations per project. Acquisition is
// bounded by the configured lock wait.
func (e Engine) guard(ctx context.Context, projectID string) (func(), error) {
	waitCtx, cancel := context.WithTimeout(ctx, e.lockWait())
	defer cancel()
	return e.Locks.Acquire(waitCtx, projectID)
}

func ownerOnly(p domain.Project, actor domain.Actor) error {
	if actor.IsAdmin() || actor.ID == p.OwnerID {
		return nil
	}
	return ForbiddenError{Reason: fmt.Sprintf("actor %s is not the owner of project %s", actor.ID, p.ID)}
}

func ensureProjectTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case domain.ProjectDraft:
		if newStatus == domain.ProjectPendingAssignment || newStatus == domain.ProjectCancelled {
			return nil
		}
	case domain.ProjectPendingAssignment:
		if newStatus == domain.ProjectInProgress || newStatus == domain.ProjectCancelled {
			return nil
		}
	case domain.ProjectInProgress:
		if newStatus == domain.ProjectCompleted || newStatus == domain.ProjectCancelled {
			return nil
		}
	case domain.ProjectCompleted, domain.ProjectCancelled:
		return ConflictError{Code: ConflictAlreadyClosed, Message: fmt.Sprintf("project is %s", oldStatus)}
	}
	return ConflictError{Code: ConflictInvalidTransition, Message: fmt.Sprintf("invalid project status transition %s -> %s", oldStatus, newStatus)}
}

// ProjectCreateOptions are parameters for creating a project.
type ProjectCreateOptions struct {
	Title       string
	City        string
	Budget      int64
	Description string
	Draft       bool
}

func (e Engine) CreateProject(ctx context.Context, opts ProjectCreateOptions, actor domain.Actor) (domain.Project, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Project{}, InvalidInputError{Field: "title", Reason: "required"}
	}
	if strings.TrimSpace(opts.City) == "" {
		return domain.Project{}, InvalidInputError{Field: "city", Reason: "required"}
	}
	if opts.Budget <= 0 {
		return domain.Project{}, InvalidInputError{Field: "budget", Reason: "must be a positive amount in minor units"}
	}
	status := domain.ProjectPendingAssignment
	if opts.Draft {
		status = domain.ProjectDraft
	}
	now := e.nowRFC3339()
	p := domain.Project{
		ID:          uuid.NewString(),
		OwnerID:     actor.ID,
		Title:       strings.TrimSpace(opts.Title),
		City:        strings.TrimSpace(opts.City),
		Budget:      opts.Budget,
		Description: opts.Description,
		Status:      status,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertProjectTx(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Audit.Append(ctx, tx, "project.created", p.ID, "project", p.ID, actor.ID,
		audit.EventPayload{"status": p.Status, "budget": p.Budget, "city": p.City}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// PublishProject moves a draft into the open application phase.
func (e Engine) PublishProject(ctx context.Context, projectID string, actor domain.Actor) (domain.Project, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProjectTx(ctx, tx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	if err := ownerOnly(p, actor); err != nil {
		return domain.Project{}, err
	}
	if p.Status != domain.ProjectDraft {
		return domain.Project{}, ensureProjectTransition(p.Status, domain.ProjectPendingAssignment)
	}
	oldStatus := p.Status
	p.Status = domain.ProjectPendingAssignment
	p.UpdatedAt = e.nowRFC3339()
	if err := e.Repo.UpdateProjectTx(ctx, tx, p); err != nil {
		return domain.Project{}, err
	}
	if err := e.Audit.Append(ctx, tx, "project.published", p.ID, "project", p.ID, actor.ID,
		audit.EventPayload{"old_status": oldStatus, "new_status": p.Status}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// Apply submits an application from the acting provider. A provider holds at
// most one non-rejected application per project.
func (e Engine) Apply(ctx context.Context, projectID string, actor domain.Actor) (domain.Application, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Application{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProjectTx(ctx, tx, projectID)
	if err != nil {
		return domain.Application{}, err
	}
	if p.Status != domain.ProjectPendingAssignment {
		return domain.Application{}, ConflictError{Code: ConflictProjectNotOpen, Message: fmt.Sprintf("project is %s", p.Status)}
	}
	if actor.ID == p.OwnerID {
		return domain.Application{}, ConflictError{Code: ConflictInvalidApplication, Message: "owner cannot apply to own project"}
	}
	exists, err := e.Repo.HasActiveApplicationTx(ctx, tx, projectID, actor.ID)
	if err != nil {
		return domain.Application{}, err
	}
	if exists {
		return domain.Application{}, ConflictError{Code: ConflictDuplicateApplication, Message: "provider already applied"}
	}
	a := domain.Application{
		ID:         uuid.NewString(),
		ProjectID:  projectID,
		ProviderID: actor.ID,
		Status:     domain.ApplicationPending,
		CreatedAt:  e.nowRFC3339(),
	}
	if err := e.Repo.InsertApplicationTx(ctx, tx, a); err != nil {
		return domain.Application{}, fmt.Errorf("insert application: %w", err)
	}
	if err := e.Audit.Append(ctx, tx, "application.submitted", projectID, "application", a.ID, actor.ID,
		audit.EventPayload{"provider_id": actor.ID}); err != nil {
		return domain.Application{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Application{}, err
	}
	return a, nil
}

// ListPendingApplicants returns pending applications with provider profiles.
func (e Engine) ListPendingApplicants(ctx context.Context, projectID string) ([]domain.Applicant, error) {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return e.Repo.ListPendingApplicants(ctx, projectID)
}

// Hire accepts one pending application, rejects every other pending one and
// moves the project into progress, all in a single transaction.
func (e Engine) Hire(ctx context.Context, projectID, applicationID string, actor domain.Actor) (domain.Project, error) {
	release, err := e.guard(ctx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	defer release()

	// The decision is owned once the guard is held; finish it even if the
	// caller goes away.
	ctx = context.WithoutCancel(ctx)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProjectTx(ctx, tx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	if err := ownerOnly(p, actor); err != nil {
		return domain.Project{}, err
	}
	if p.Status != domain.ProjectPendingAssignment {
		return domain.Project{}, ConflictError{Code: ConflictProjectNotOpen, Message: fmt.Sprintf("project is %s", p.Status)}
	}
	a, err := e.Repo.GetApplicationTx(ctx, tx, applicationID)
	if err != nil {
		return domain.Project{}, err
	}
	if a.ProjectID != projectID {
		return domain.Project{}, ConflictError{Code: ConflictInvalidApplication, Message: fmt.Sprintf("application %s does not belong to project %s", applicationID, projectID)}
	}
	if a.Status != domain.ApplicationPending {
		return domain.Project{}, ConflictError{Code: ConflictNotPending, Message: fmt.Sprintf("application is %s", a.Status)}
	}

	if err := e.Repo.SetApplicationStatusTx(ctx, tx, a.ID, domain.ApplicationAccepted); err != nil {
		return domain.Project{}, err
	}
	rejected, err := e.Repo.RejectOtherPendingTx(ctx, tx, projectID, a.ID)
	if err != nil {
		return domain.Project{}, err
	}
	oldStatus := p.Status
	p.ProviderID = &a.ProviderID
	p.Status = domain.ProjectInProgress
	p.UpdatedAt = e.nowRFC3339()
	if err := e.Repo.UpdateProjectTx(ctx, tx, p); err != nil {
		return domain.Project{}, err
	}

	if err := e.Audit.Append(ctx, tx, "application.accepted", projectID, "application", a.ID, actor.ID,
		audit.EventPayload{"provider_id": a.ProviderID}); err != nil {
		return domain.Project{}, err
	}
	for _, id := range rejected {
		if err := e.Audit.Append(ctx, tx, "application.rejected", projectID, "application", id, actor.ID,
			audit.EventPayload{"reason": "another applicant was hired"}); err != nil {
			return domain.Project{}, err
		}
	}
	if err := e.Audit.Append(ctx, tx, "project.assigned", projectID, "project", projectID, actor.ID,
		audit.EventPayload{"provider_id": a.ProviderID, "application_id": a.ID, "old_status": oldStatus, "new_status": p.Status}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// ExpenseSubmitOptions are parameters for submitting an expense.
type ExpenseSubmitOptions struct {
	ProjectID   string
	Amount      int64
	Category    string
	Description string
}

func (e Engine) SubmitExpense(ctx context.Context, opts ExpenseSubmitOptions, actor domain.Actor) (domain.Expense, error) {
	if opts.Amount <= 0 {
		return domain.Expense{}, InvalidInputError{Field: "amount", Reason: "must be a positive amount in minor units"}
	}
	if e.Config == nil || !e.Config.HasCategory(opts.Category) {
		return domain.Expense{}, InvalidInputError{Field: "category", Reason: fmt.Sprintf("unknown category %q", opts.Category)}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Expense{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProjectTx(ctx, tx, opts.ProjectID)
	if err != nil {
		return domain.Expense{}, err
	}
	if p.Status != domain.ProjectInProgress {
		return domain.Expense{}, ConflictError{Code: ConflictNotInProgress, Message: fmt.Sprintf("project is %s", p.Status)}
	}
	if p.ProviderID == nil || *p.ProviderID != actor.ID {
		return domain.Expense{}, ForbiddenError{Reason: fmt.Sprintf("actor %s is not the assigned provider", actor.ID)}
	}

	x := domain.Expense{
		ID:          uuid.NewString(),
		ProjectID:   opts.ProjectID,
		ProviderID:  actor.ID,
		Amount:      opts.Amount,
		Category:    opts.Category,
		Description: opts.Description,
		Status:      domain.ExpensePending,
		CreatedAt:   e.nowRFC3339(),
	}
	if err := e.Repo.InsertExpenseTx(ctx, tx, x); err != nil {
		return domain.Expense{}, fmt.Errorf("insert expense: %w", err)
	}
	if err := e.Audit.Append(ctx, tx, "expense.submitted", x.ProjectID, "expense", x.ID, actor.ID,
		audit.EventPayload{"amount": x.Amount, "category": x.Category}); err != nil {
		return domain.Expense{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Expense{}, err
	}
	return x, nil
}

// ApproveExpense releases a milestone amount. The budget check runs inside
// the guarded transaction so concurrent approvals cannot oversubscribe.
func (e Engine) ApproveExpense(ctx context.Context, expenseID string, actor domain.Actor) (domain.Expense, error) {
	x, err := e.Repo.GetExpense(ctx, expenseID)
	if err != nil {
		return domain.Expense{}, err
	}
	release, err := e.guard(ctx, x.ProjectID)
	if err != nil {
		return domain.Expense{}, err
	}
	defer release()

	ctx = context.WithoutCancel(ctx)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Expense{}, err
	}
	defer tx.Rollback()

	x, err = e.Repo.GetExpenseTx(ctx, tx, expenseID)
	if err != nil {
		return domain.Expense{}, err
	}
	p, err := e.Repo.GetProjectTx(ctx, tx, x.ProjectID)
	if err != nil {
		return domain.Expense{}, err
	}
	if err := ownerOnly(p, actor); err != nil {
		return domain.Expense{}, err
	}
	if x.Status != domain.ExpensePending {
		return domain.Expense{}, ConflictError{Code: ConflictNotPending, Message: fmt.Sprintf("expense is %s", x.Status)}
	}
	if p.Status != domain.ProjectInProgress {
		return domain.Expense{}, ConflictError{Code: ConflictNotInProgress, Message: fmt.Sprintf("project is %s", p.Status)}
	}
	approved, err := e.Repo.SumExpensesTx(ctx, tx, p.ID, domain.ExpenseApproved)
	if err != nil {
		return domain.Expense{}, err
	}
	if approved+x.Amount > p.Budget {
		return domain.Expense{}, BudgetExceededError{Budget: p.Budget, Approved: approved, Requested: x.Amount}
	}

	decidedAt := e.nowRFC3339()
	if err := e.Repo.SetExpenseStatusTx(ctx, tx, x.ID, domain.ExpenseApproved, decidedAt); err != nil {
		return domain.Expense{}, err
	}
	x.Status = domain.ExpenseApproved
	x.DecidedAt = &decidedAt

	if err := e.Audit.Append(ctx, tx, "expense.approved", p.ID, "expense", x.ID, actor.ID,
		audit.EventPayload{"amount": x.Amount, "total_approved": approved + x.Amount}); err != nil {
		return domain.Expense{}, err
	}
	currency := ""
	if e.Config != nil {
		currency = e.Config.Service.Currency
	}
	// Authorization intent only. Actual money movement happens outside.
	if err := e.Audit.Append(ctx, tx, "expense.payout_intent", p.ID, "expense", x.ID, actor.ID,
		audit.EventPayload{"amount": x.Amount, "currency": currency, "provider_id": x.ProviderID}); err != nil {
		return domain.Expense{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Expense{}, err
	}
	return x, nil
}

func (e Engine) RejectExpense(ctx context.Context, expenseID string, actor domain.Actor) (domain.Expense, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Expense{}, err
	}
	defer tx.Rollback()

	x, err := e.Repo.GetExpenseTx(ctx, tx, expenseID)
	if err != nil {
		return domain.Expense{}, err
	}
	p, err := e.Repo.GetProjectTx(ctx, tx, x.ProjectID)
	if err != nil {
		return domain.Expense{}, err
	}
	if err := ownerOnly(p, actor); err != nil {
		return domain.Expense{}, err
	}
	if x.Status != domain.ExpensePending {
		return domain.Expense{}, ConflictError{Code: ConflictNotPending, Message: fmt.Sprintf("expense is %s", x.Status)}
	}
	decidedAt := e.nowRFC3339()
	if err := e.Repo.SetExpenseStatusTx(ctx, tx, x.ID, domain.ExpenseRejected, decidedAt); err != nil {
		return domain.Expense{}, err
	}
	x.Status = domain.ExpenseRejected
	x.DecidedAt = &decidedAt
	if err := e.Audit.Append(ctx, tx, "expense.rejected", p.ID, "expense", x.ID, actor.ID,
		audit.EventPayload{"amount": x.Amount}); err != nil {
		return domain.Expense{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Expense{}, err
	}
	return x, nil
}

// CloseProject completes an in-progress project. Every expense must be
// decided first.
func (e Engine) CloseProject(ctx context.Context, projectID string, actor domain.Actor) (domain.Project, error) {
	release, err := e.guard(ctx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	defer release()

	ctx = context.WithoutCancel(ctx)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProjectTx(ctx, tx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	if err := ownerOnly(p, actor); err != nil {
		return domain.Project{}, err
	}
	if err := ensureProjectTransition(p.Status, domain.ProjectCompleted); err != nil {
		return domain.Project{}, err
	}
	pending, err := e.Repo.CountNonTerminalExpensesTx(ctx, tx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	if pending > 0 {
		return domain.Project{}, ConflictError{Code: ConflictPendingExpenses, Message: fmt.Sprintf("%d expenses still pending", pending)}
	}
	approved, err := e.Repo.SumExpensesTx(ctx, tx, projectID, domain.ExpenseApproved)
	if err != nil {
		return domain.Project{}, err
	}

	now := e.nowRFC3339()
	oldStatus := p.Status
	p.Status = domain.ProjectCompleted
	p.UpdatedAt = now
	p.ClosedAt = &now
	if err := e.Repo.UpdateProjectTx(ctx, tx, p); err != nil {
		return domain.Project{}, err
	}
	if p.ProviderID != nil {
		if err := e.Repo.IncrementJobsCompletedTx(ctx, tx, *p.ProviderID); err != nil {
			return domain.Project{}, err
		}
	}
	if err := e.Audit.Append(ctx, tx, "project.closed", p.ID, "project", p.ID, actor.ID,
		audit.EventPayload{"total_approved": approved, "old_status": oldStatus, "new_status": p.Status}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// CancelProject cancels a project that has not released any funds yet.
// Pending expenses are rejected as part of the cancellation.
func (e Engine) CancelProject(ctx context.Context, projectID string, actor domain.Actor) (domain.Project, error) {
	release, err := e.guard(ctx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	defer release()

	ctx = context.WithoutCancel(ctx)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProjectTx(ctx, tx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	if err := ownerOnly(p, actor); err != nil {
		return domain.Project{}, err
	}
	if err := ensureProjectTransition(p.Status, domain.ProjectCancelled); err != nil {
		return domain.Project{}, err
	}
	approvedCount, err := e.Repo.CountApprovedExpensesTx(ctx, tx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	if approvedCount > 0 {
		return domain.Project{}, ConflictError{Code: ConflictHasApprovedExpenses, Message: fmt.Sprintf("%d approved expenses", approvedCount)}
	}

	now := e.nowRFC3339()
	rows, err := tx.QueryContext(ctx, `SELECT id FROM expenses WHERE project_id=? AND status=?`, projectID, domain.ExpensePending)
	if err != nil {
		return domain.Project{}, err
	}
	var pendingIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return domain.Project{}, err
		}
		pendingIDs = append(pendingIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return domain.Project{}, err
	}
	for _, id := range pendingIDs {
		if err := e.Repo.SetExpenseStatusTx(ctx, tx, id, domain.ExpenseRejected, now); err != nil {
			return domain.Project{}, err
		}
		if err := e.Audit.Append(ctx, tx, "expense.rejected", projectID, "expense", id, actor.ID,
			audit.EventPayload{"reason": "project cancelled"}); err != nil {
			return domain.Project{}, err
		}
	}

	oldStatus := p.Status
	payload := audit.EventPayload{"old_status": oldStatus, "new_status": domain.ProjectCancelled}
	// A provider is only attached while the project is running; the hiring
	// record survives in the accepted application and the assignment event.
	if p.ProviderID != nil {
		payload["provider_id"] = *p.ProviderID
		p.ProviderID = nil
	}
	p.Status = domain.ProjectCancelled
	p.UpdatedAt = now
	p.ClosedAt = &now
	if err := e.Repo.UpdateProjectTx(ctx, tx, p); err != nil {
		return domain.Project{}, err
	}
	if err := e.Audit.Append(ctx, tx, "project.cancelled", p.ID, "project", p.ID, actor.ID, payload); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// ProjectSummary computes the escrow position from one read-only snapshot.
func (e Engine) ProjectSummary(ctx context.Context, projectID string) (domain.ProjectSummary, error) {
	tx, err := e.DB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return domain.ProjectSummary{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProjectTx(ctx, tx, projectID)
	if err != nil {
		return domain.ProjectSummary{}, err
	}
	approved, err := e.Repo.SumExpensesTx(ctx, tx, projectID, domain.ExpenseApproved)
	if err != nil {
		return domain.ProjectSummary{}, err
	}
	pending, err := e.Repo.SumExpensesTx(ctx, tx, projectID, domain.ExpensePending)
	if err != nil {
		return domain.ProjectSummary{}, err
	}
	percent := int64(0)
	if p.Budget > 0 {
		percent = approved * 100 / p.Budget
		if percent > 100 {
			percent = 100
		}
	}
	return domain.ProjectSummary{
		Project:           p,
		TotalApproved:     approved,
		TotalPending:      pending,
		PercentBudgetUsed: int(percent),
	}, nil
}

// UpdateProfile upserts the actor's public provider profile.
func (e Engine) UpdateProfile(ctx context.Context, profile domain.Profile, actor domain.Actor) (domain.Profile, error) {
	if !actor.IsAdmin() && actor.ID != profile.ActorID {
		return domain.Profile{}, ForbiddenError{Reason: "cannot edit another actor's profile"}
	}
	if strings.TrimSpace(profile.DisplayName) == "" {
		return domain.Profile{}, InvalidInputError{Field: "display_name", Reason: "required"}
	}
	if profile.RatingTenths < 0 || profile.RatingTenths > 50 {
		return domain.Profile{}, InvalidInputError{Field: "rating_tenths", Reason: "must be between 0 and 50"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Profile{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpsertProfileTx(ctx, tx, profile); err != nil {
		return domain.Profile{}, fmt.Errorf("upsert profile: %w", err)
	}
	if err := e.Audit.Append(ctx, tx, "profile.updated", "", "profile", profile.ActorID, actor.ID,
		audit.EventPayload{"display_name": profile.DisplayName}); err != nil {
		return domain.Profile{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Profile{}, err
	}
	return profile, nil
}

// SetProjectImage records the stable object URL on the project.
func (e Engine) SetProjectImage(ctx context.Context, projectID, imageURL string, actor domain.Actor) (domain.Project, error) {
	if strings.TrimSpace(imageURL) == "" {
		return domain.Project{}, InvalidInputError{Field: "image_url", Reason: "required"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProjectTx(ctx, tx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	if err := ownerOnly(p, actor); err != nil {
		return domain.Project{}, err
	}
	now := e.nowRFC3339()
	if err := e.Repo.SetProjectImageTx(ctx, tx, projectID, imageURL, now); err != nil {
		return domain.Project{}, err
	}
	p.ImageURL = &imageURL
	p.UpdatedAt = now
	if err := e.Audit.Append(ctx, tx, "project.image_set", p.ID, "project", p.ID, actor.ID,
		audit.EventPayload{"image_url": imageURL}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}
