package repo

import (
	"context"
	"database/sql"

	"batipay/internal/domain"
)

// UpsertProfileTx inserts or replaces a provider profile.
func (r Repo) UpsertProfileTx(ctx context.Context, tx *sql.Tx, p domain.Profile) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO profiles(actor_id, display_name, city, rating_tenths, jobs_completed)
VALUES (?,?,?,?,?)
ON CONFLICT(actor_id) DO UPDATE SET
  display_name=excluded.display_name,
  city=excluded.city,
  rating_tenths=excluded.rating_tenths,
  jobs_completed=excluded.jobs_completed`,
		p.ActorID, p.DisplayName, nullable(p.City), p.RatingTenths, p.JobsCompleted)
	return err
}

func (r Repo) GetProfile(ctx context.Context, actorID string) (domain.Profile, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT actor_id, display_name, COALESCE(city,''), rating_tenths, jobs_completed FROM profiles WHERE actor_id=?`, actorID)
	var p domain.Profile
	err := row.Scan(&p.ActorID, &p.DisplayName, &p.City, &p.RatingTenths, &p.JobsCompleted)
	if err == sql.ErrNoRows {
		return domain.Profile{}, ErrNotFound
	}
	return p, err
}

// IncrementJobsCompletedTx bumps the provider's completed-job counter.
func (r Repo) IncrementJobsCompletedTx(ctx context.Context, tx *sql.Tx, actorID string) error {
	_, err := tx.ExecContext(ctx, `UPDATE profiles SET jobs_completed = jobs_completed + 1 WHERE actor_id=?`, actorID)
	return err
}
