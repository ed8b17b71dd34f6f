package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"batipay/internal/domain"
)

type Repo struct {
	DB  *sql.DB
	Now func() time.Time
}

func (r Repo) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

var ErrNotFound = errors.New("not found")

const projectColumns = `id,owner_id,provider_id,title,city,budget,description,image_url,status,created_at,updated_at,closed_at`

func scanProject(scan func(dest ...any) error) (domain.Project, error) {
	var p domain.Project
	var providerID, description, imageURL, closedAt sql.NullString
	err := scan(&p.ID, &p.OwnerID, &providerID, &p.Title, &p.City, &p.Budget, &description, &imageURL, &p.Status, &p.CreatedAt, &p.UpdatedAt, &closedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if providerID.Valid {
		p.ProviderID = &providerID.String
	}
	if description.Valid {
		p.Description = description.String
	}
	if imageURL.Valid {
		p.ImageURL = &imageURL.String
	}
	if closedAt.Valid {
		p.ClosedAt = &closedAt.String
	}
	return p, nil
}

func (r Repo) InsertProjectTx(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(`+projectColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.OwnerID, nullableStringPtr(p.ProviderID), p.Title, p.City, p.Budget, nullable(p.Description),
		nullableStringPtr(p.ImageURL), p.Status, p.CreatedAt, p.UpdatedAt, nullableStringPtr(p.ClosedAt))
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id)
	return scanProject(row.Scan)
}

func (r Repo) GetProjectTx(ctx context.Context, tx *sql.Tx, id string) (domain.Project, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id)
	return scanProject(row.Scan)
}

type ProjectFilters struct {
	OwnerID    string
	ProviderID string
	Status     string
	City       string
	Limit      int
}

func (r Repo) ListProjects(ctx context.Context, f ProjectFilters) ([]domain.Project, error) {
	var clauses []string
	var args []any
	if f.OwnerID != "" {
		clauses = append(clauses, "owner_id=?")
		args = append(args, f.OwnerID)
	}
	if f.ProviderID != "" {
		clauses = append(clauses, "provider_id=?")
		args = append(args, f.ProviderID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.City != "" {
		clauses = append(clauses, "city=?")
		args = append(args, f.City)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + projectColumns + ` FROM projects ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ListOpenProjects lists projects providers can still apply to.
func (r Repo) ListOpenProjects(ctx context.Context, city string, limit int) ([]domain.Project, error) {
	return r.ListProjects(ctx, ProjectFilters{Status: domain.ProjectPendingAssignment, City: city, Limit: limit})
}

// UpdateProjectTx rewrites the mutable project columns.
func (r Repo) UpdateProjectTx(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET provider_id=?, status=?, image_url=?, updated_at=?, closed_at=? WHERE id=?`,
		nullableStringPtr(p.ProviderID), p.Status, nullableStringPtr(p.ImageURL), p.UpdatedAt, nullableStringPtr(p.ClosedAt), p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetProjectImageTx(ctx context.Context, tx *sql.Tx, id, imageURL, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET image_url=?, updated_at=? WHERE id=?`, imageURL, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- applications ---

func (r Repo) InsertApplicationTx(ctx context.Context, tx *sql.Tx, a domain.Application) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO applications(id,project_id,provider_id,status,created_at) VALUES (?,?,?,?,?)`,
		a.ID, a.ProjectID, a.ProviderID, a.Status, a.CreatedAt)
	return err
}

func scanApplication(scan func(dest ...any) error) (domain.Application, error) {
	var a domain.Application
	err := scan(&a.ID, &a.ProjectID, &a.ProviderID, &a.Status, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) GetApplication(ctx context.Context, id string) (domain.Application, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,project_id,provider_id,status,created_at FROM applications WHERE id=?`, id)
	return scanApplication(row.Scan)
}

func (r Repo) GetApplicationTx(ctx context.Context, tx *sql.Tx, id string) (domain.Application, error) {
	row := tx.QueryRowContext(ctx, `SELECT id,project_id,provider_id,status,created_at FROM applications WHERE id=?`, id)
	return scanApplication(row.Scan)
}

func (r Repo) ListApplications(ctx context.Context, projectID, status string) ([]domain.Application, error) {
	query := `SELECT id,project_id,provider_id,status,created_at FROM applications WHERE project_id=?`
	args := []any{projectID}
	if status != "" {
		query += ` AND status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Application
	for rows.Next() {
		a, err := scanApplication(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// HasActiveApplicationTx reports whether a non-rejected application exists
// for the (project, provider) pair.
func (r Repo) HasActiveApplicationTx(ctx context.Context, tx *sql.Tx, projectID, providerID string) (bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT 1 FROM applications WHERE project_id=? AND provider_id=? AND status != ? LIMIT 1`,
		projectID, providerID, domain.ApplicationRejected)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) SetApplicationStatusTx(ctx context.Context, tx *sql.Tx, id, status string) error {
	res, err := tx.ExecContext(ctx, `UPDATE applications SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RejectOtherPendingTx moves every pending application for the project,
// except the accepted one, to rejected. Returns the rejected ids.
func (r Repo) RejectOtherPendingTx(ctx context.Context, tx *sql.Tx, projectID, acceptedID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM applications WHERE project_id=? AND status=? AND id != ?`,
		projectID, domain.ApplicationPending, acceptedID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if _, err := tx.ExecContext(ctx, `UPDATE applications SET status=? WHERE project_id=? AND status=? AND id != ?`,
		domain.ApplicationRejected, projectID, domain.ApplicationPending, acceptedID); err != nil {
		return nil, err
	}
	return ids, nil
}

// ListPendingApplicants joins pending applications with provider profiles.
func (r Repo) ListPendingApplicants(ctx context.Context, projectID string) ([]domain.Applicant, error) {
	rows, err := r.DB.QueryContext(ctx, `
SELECT a.id, a.project_id, a.provider_id, a.status, a.created_at,
       p.actor_id, p.display_name, p.city, p.rating_tenths, p.jobs_completed
FROM applications a
LEFT JOIN profiles p ON p.actor_id = a.provider_id
WHERE a.project_id=? AND a.status=?
ORDER BY a.created_at ASC, a.id ASC`, projectID, domain.ApplicationPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Applicant
	for rows.Next() {
		var app domain.Application
		var actorID, displayName, city sql.NullString
		var rating, jobs sql.NullInt64
		if err := rows.Scan(&app.ID, &app.ProjectID, &app.ProviderID, &app.Status, &app.CreatedAt,
			&actorID, &displayName, &city, &rating, &jobs); err != nil {
			return nil, err
		}
		applicant := domain.Applicant{Application: app}
		if actorID.Valid {
			applicant.Profile = &domain.Profile{
				ActorID:       actorID.String,
				DisplayName:   displayName.String,
				City:          city.String,
				RatingTenths:  int(rating.Int64),
				JobsCompleted: int(jobs.Int64),
			}
		}
		res = append(res, applicant)
	}
	return res, rows.Err()
}

// --- expenses ---

func (r Repo) InsertExpenseTx(ctx context.Context, tx *sql.Tx, e domain.Expense) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO expenses(id,project_id,provider_id,amount,category,description,status,created_at,decided_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		e.ID, e.ProjectID, e.ProviderID, e.Amount, e.Category, nullable(e.Description), e.Status, e.CreatedAt, nullableStringPtr(e.DecidedAt))
	return err
}

func scanExpense(scan func(dest ...any) error) (domain.Expense, error) {
	var e domain.Expense
	var description, decidedAt sql.NullString
	err := scan(&e.ID, &e.ProjectID, &e.ProviderID, &e.Amount, &e.Category, &description, &e.Status, &e.CreatedAt, &decidedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if description.Valid {
		e.Description = description.String
	}
	if decidedAt.Valid {
		e.DecidedAt = &decidedAt.String
	}
	return e, nil
}

const expenseColumns = `id,project_id,provider_id,amount,category,description,status,created_at,decided_at`

func (r Repo) GetExpense(ctx context.Context, id string) (domain.Expense, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+expenseColumns+` FROM expenses WHERE id=?`, id)
	return scanExpense(row.Scan)
}

func (r Repo) GetExpenseTx(ctx context.Context, tx *sql.Tx, id string) (domain.Expense, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+expenseColumns+` FROM expenses WHERE id=?`, id)
	return scanExpense(row.Scan)
}

func (r Repo) ListExpenses(ctx context.Context, projectID, status string) ([]domain.Expense, error) {
	query := `SELECT ` + expenseColumns + ` FROM expenses WHERE project_id=?`
	args := []any{projectID}
	if status != "" {
		query += ` AND status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Expense
	for rows.Next() {
		e, err := scanExpense(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) SetExpenseStatusTx(ctx context.Context, tx *sql.Tx, id, status, decidedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE expenses SET status=?, decided_at=? WHERE id=?`, status, decidedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SumExpensesTx totals expense amounts for a project in the given status.
func (r Repo) SumExpensesTx(ctx context.Context, tx *sql.Tx, projectID, status string) (int64, error) {
	row := tx.QueryRowContext(ctx, `SELECT COALESCE(SUM(amount),0) FROM expenses WHERE project_id=? AND status=?`, projectID, status)
	var total int64
	err := row.Scan(&total)
	return total, err
}

// CountNonTerminalExpensesTx counts expenses still pending a decision.
func (r Repo) CountNonTerminalExpensesTx(ctx context.Context, tx *sql.Tx, projectID string) (int, error) {
	row := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM expenses WHERE project_id=? AND status=?`, projectID, domain.ExpensePending)
	var n int
	err := row.Scan(&n)
	return n, err
}

// CountApprovedExpensesTx counts approved expenses for a project.
func (r Repo) CountApprovedExpensesTx(ctx context.Context, tx *sql.Tx, projectID string) (int, error) {
	row := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM expenses WHERE project_id=? AND status=?`, projectID, domain.ExpenseApproved)
	var n int
	err := row.Scan(&n)
	return n, err
}

// --- events ---

func (r Repo) LatestEvents(ctx context.Context, limit int, projectID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,project_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, projectID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,project_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var projectID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &projectID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if projectID.Valid {
			e.ProjectID = projectID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID, optionally project-scoped.
func (r Repo) LatestEventID(ctx context.Context, projectID string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM events`
	var args []any
	if projectID != "" {
		query += ` WHERE project_id=?`
		args = append(args, projectID)
	}
	var id int64
	if err := r.DB.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
