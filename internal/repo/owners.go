package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/abdusco/smartlinks/internal"
	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/rs/zerolog/log"
)

type Owner struct {
	ID        int64         `json:"id"`
	OwnerKey  string        `json:"owner_key"`
	Email     string        `json:"email,omitempty"`
	Plan      internal.Plan `json:"plan"`
	CreatedAt Date          `json:"created_at"`
	UpdatedAt Date          `json:"updated_at"`
}

type ownerRow struct {
	ID        int64          `db:"id" goqu:"skipinsert,skipupdate"`
	OwnerKey  string         `db:"owner_key"`
	Email     sql.NullString `db:"email"`
	Plan      string         `db:"plan"`
	CreatedAt Date           `db:"created_at" goqu:"skipupdate"`
	UpdatedAt Date           `db:"updated_at"`
}

// OwnerSummary is the admin view of an owner: plan plus link count.
type OwnerSummary struct {
	OwnerKey  string        `json:"owner_key"`
	Email     string        `json:"email,omitempty"`
	Plan      internal.Plan `json:"plan"`
	LinkCount int64         `json:"link_count"`
	CreatedAt Date          `json:"created_at"`
}

type OwnersRepo struct {
	db *sql.DB
}

func NewOwnersRepo(db *sql.DB) *OwnersRepo {
	return &OwnersRepo{db: db}
}

// Resolve returns the owner for the given key, creating a free-plan record
// lazily on first sight. A passed email is backfilled onto an existing
// record. Calling it twice with the same arguments is a no-op beyond the
// updated_at refresh.
func (r *OwnersRepo) Resolve(ctx context.Context, ownerKey, email string) (*Owner, error) {
	if ownerKey == "" {
		return nil, internal.ErrInvalidInput
	}

	owner, err := r.Get(ctx, ownerKey)
	if err == nil {
		if email != "" && owner.Email != email {
			owner.Email = email
		}
		if err := r.touch(ctx, ownerKey, email); err != nil {
			return nil, err
		}
		return owner, nil
	}
	if !errors.Is(err, internal.ErrOwnerNotFound) {
		return nil, err
	}

	// The email may already be registered under another key; in that case
	// the existing record wins and keeps its key.
	if email != "" {
		if existing, err := r.getByEmail(ctx, email); err == nil {
			return existing, nil
		} else if !errors.Is(err, internal.ErrOwnerNotFound) {
			return nil, err
		}
	}

	return r.create(ctx, ownerKey, email, internal.PlanFree)
}

func (r *OwnersRepo) Get(ctx context.Context, ownerKey string) (*Owner, error) {
	executor := goqu.New("sqlite", r.db)

	query := executor.From("owners").Where(goqu.Ex{"owner_key": ownerKey}).Select(
		"id", "owner_key", "email", "plan", "created_at", "updated_at",
	)

	var row ownerRow
	found, err := query.Executor().ScanStructContext(ctx, &row)
	if err != nil {
		log.Error().Err(err).Str("owner_key", ownerKey).Msg("failed to fetch owner")
		return nil, err
	}
	if !found {
		return nil, internal.ErrOwnerNotFound
	}

	return row.toDomain(), nil
}

func (r *OwnersRepo) getByEmail(ctx context.Context, email string) (*Owner, error) {
	executor := goqu.New("sqlite", r.db)

	query := executor.From("owners").Where(goqu.Ex{"email": email}).Select(
		"id", "owner_key", "email", "plan", "created_at", "updated_at",
	)

	var row ownerRow
	found, err := query.Executor().ScanStructContext(ctx, &row)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, internal.ErrOwnerNotFound
	}

	return row.toDomain(), nil
}

// PlanOf reports the owner's effective plan. An unknown owner is on the
// free plan by definition, not an error.
func (r *OwnersRepo) PlanOf(ctx context.Context, ownerKey string) (internal.Plan, error) {
	owner, err := r.Get(ctx, ownerKey)
	if errors.Is(err, internal.ErrOwnerNotFound) {
		return internal.PlanFree, nil
	}
	if err != nil {
		return internal.PlanFree, err
	}
	return owner.Plan, nil
}

// Upgrade moves the owner to the pro plan, creating the record if absent.
// Safe to call repeatedly; the billing provider retries notifications.
func (r *OwnersRepo) Upgrade(ctx context.Context, ownerKey, email string) error {
	if err := r.setPlan(ctx, ownerKey, email, internal.PlanPro); err != nil {
		return err
	}

	// Backfill the informational plan snapshot on links created before the
	// upgrade landed.
	executor := goqu.New("sqlite", r.db)
	_, err := executor.Update("links").
		Set(goqu.Record{"plan_snapshot": string(internal.PlanPro)}).
		Where(goqu.Ex{"owner_key": ownerKey}).
		Executor().ExecContext(ctx)
	if err != nil {
		log.Error().Err(err).Str("owner_key", ownerKey).Msg("failed to backfill link plan snapshots")
		return err
	}

	log.Info().Str("owner_key", ownerKey).Msg("owner upgraded to pro")
	return nil
}

// Downgrade moves the owner back to the free plan. Idempotent.
func (r *OwnersRepo) Downgrade(ctx context.Context, ownerKey string) error {
	if err := r.setPlan(ctx, ownerKey, "", internal.PlanFree); err != nil {
		return err
	}
	log.Info().Str("owner_key", ownerKey).Msg("owner downgraded to free")
	return nil
}

func (r *OwnersRepo) setPlan(ctx context.Context, ownerKey, email string, plan internal.Plan) error {
	if ownerKey == "" {
		return internal.ErrInvalidInput
	}

	_, err := r.Get(ctx, ownerKey)
	if errors.Is(err, internal.ErrOwnerNotFound) {
		_, err = r.create(ctx, ownerKey, email, plan)
		return err
	}
	if err != nil {
		return err
	}

	executor := goqu.New("sqlite", r.db)
	record := goqu.Record{
		"plan":       string(plan),
		"updated_at": Date(time.Now().UTC()),
	}
	if email != "" {
		record["email"] = email
	}

	_, err = executor.Update("owners").
		Set(record).
		Where(goqu.Ex{"owner_key": ownerKey}).
		Executor().ExecContext(ctx)
	if err != nil {
		log.Error().Err(err).Str("owner_key", ownerKey).Str("plan", string(plan)).Msg("failed to update owner plan")
	}
	return err
}

func (r *OwnersRepo) touch(ctx context.Context, ownerKey, email string) error {
	executor := goqu.New("sqlite", r.db)
	record := goqu.Record{"updated_at": Date(time.Now().UTC())}
	if email != "" {
		record["email"] = email
	}
	_, err := executor.Update("owners").
		Set(record).
		Where(goqu.Ex{"owner_key": ownerKey}).
		Executor().ExecContext(ctx)
	return err
}

func (r *OwnersRepo) create(ctx context.Context, ownerKey, email string, plan internal.Plan) (*Owner, error) {
	executor := goqu.New("sqlite", r.db)

	log.Debug().Str("owner_key", ownerKey).Str("plan", string(plan)).Msg("creating owner")

	now := Date(time.Now().UTC())
	var emailValue any
	if email != "" {
		emailValue = email
	}

	query := executor.Insert("owners").
		Cols("owner_key", "email", "plan", "created_at", "updated_at").
		Vals([]any{ownerKey, emailValue, string(plan), now, now}).
		Returning("id", "owner_key", "email", "plan", "created_at", "updated_at")

	var row ownerRow
	found, err := query.Executor().ScanStructContext(ctx, &row)
	if err != nil {
		log.Error().Err(err).Str("owner_key", ownerKey).Msg("failed to create owner")
		return nil, err
	}
	if !found {
		return nil, internal.ErrOwnerNotFound
	}

	log.Info().Str("owner_key", ownerKey).Str("plan", string(plan)).Msg("owner created")
	return row.toDomain(), nil
}

// ListAll returns every owner with its link count, newest first. Admin use.
func (r *OwnersRepo) ListAll(ctx context.Context) ([]*OwnerSummary, error) {
	executor := goqu.New("sqlite", r.db)

	query := executor.From("owners").
		LeftJoin(goqu.T("links"), goqu.On(goqu.Ex{"owners.owner_key": goqu.I("links.owner_key")})).
		Select(
			goqu.I("owners.owner_key").As("owner_key"),
			goqu.I("owners.email").As("email"),
			goqu.I("owners.plan").As("plan"),
			goqu.COUNT(goqu.I("links.id")).As("link_count"),
			goqu.I("owners.created_at").As("created_at"),
		).
		GroupBy(goqu.I("owners.id")).
		Order(goqu.I("owners.created_at").Desc())

	var rows []struct {
		OwnerKey  string         `db:"owner_key"`
		Email     sql.NullString `db:"email"`
		Plan      string         `db:"plan"`
		LinkCount int64          `db:"link_count"`
		CreatedAt Date           `db:"created_at"`
	}
	if err := query.Executor().ScanStructsContext(ctx, &rows); err != nil {
		return nil, err
	}

	summaries := make([]*OwnerSummary, len(rows))
	for i, row := range rows {
		summaries[i] = &OwnerSummary{
			OwnerKey:  row.OwnerKey,
			Email:     row.Email.String,
			Plan:      internal.ParsePlan(row.Plan),
			LinkCount: row.LinkCount,
			CreatedAt: row.CreatedAt,
		}
	}
	return summaries, nil
}

func (r *ownerRow) toDomain() *Owner {
	return &Owner{
		ID:        r.ID,
		OwnerKey:  r.OwnerKey,
		Email:     r.Email.String,
		Plan:      internal.ParsePlan(r.Plan),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}
