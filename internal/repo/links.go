package repo

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/abdusco/smartlinks/internal"
	"github.com/abdusco/smartlinks/internal/shortcode"
	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/rs/zerolog/log"
)

type Link struct {
	ID           int64         `json:"id"`
	OwnerKey     string        `json:"owner_key"`
	URL          string        `json:"original_url"`
	ShortCode    string        `json:"short_code"`
	PlanSnapshot internal.Plan `json:"plan"`
	CreatedAt    Date          `json:"created_at"`
	Clicks       int64         `json:"clicks"`
}

type linkRow struct {
	ID           int64  `db:"id" goqu:"skipinsert,skipupdate"`
	OwnerKey     string `db:"owner_key"`
	URL          string `db:"url"`
	ShortCode    string `db:"short_code"`
	PlanSnapshot string `db:"plan_snapshot"`
	CreatedAt    Date   `db:"created_at" goqu:"skipupdate"`
}

type LinksRepo struct {
	db        *sql.DB
	owners    *OwnersRepo
	generator *shortcode.Generator
	freeCap   int

	// Serializes the quota check-then-insert per owner. Without it two
	// concurrent creates can both read count=cap-1 and both insert.
	ownerLocks sync.Map
}

func NewLinksRepo(db *sql.DB, generator *shortcode.Generator, freeCap int) *LinksRepo {
	return &LinksRepo{
		db:        db,
		owners:    NewOwnersRepo(db),
		generator: generator,
		freeCap:   freeCap,
	}
}

// Create resolves the owner, enforces the free-tier cap and persists a new
// link with a freshly allocated short code. Returns ErrQuotaExceeded when a
// free owner is at the cap.
func (r *LinksRepo) Create(ctx context.Context, ownerKey, url, email string) (*Link, error) {
	if ownerKey == "" || url == "" {
		return nil, internal.ErrInvalidInput
	}

	owner, err := r.owners.Resolve(ctx, ownerKey, email)
	if err != nil {
		return nil, err
	}

	lock := r.ownerLock(owner.OwnerKey)
	lock.Lock()
	defer lock.Unlock()

	if !owner.Plan.IsPro() {
		count, err := r.CountByOwner(ctx, owner.OwnerKey)
		if err != nil {
			return nil, err
		}
		if count >= int64(r.freeCap) {
			log.Info().Str("owner_key", owner.OwnerKey).Int64("count", count).Msg("free plan link quota reached")
			return nil, internal.ErrQuotaExceeded
		}
	}

	code, err := r.generator.Allocate(ctx, r.CodeExists)
	if err != nil {
		return nil, err
	}

	log.Debug().Str("owner_key", owner.OwnerKey).Str("code", code).Str("url", url).Msg("creating link")

	executor := goqu.New("sqlite", r.db)
	now := Date(time.Now().UTC())
	query := executor.Insert("links").
		Cols("owner_key", "url", "short_code", "plan_snapshot", "created_at").
		Vals([]any{owner.OwnerKey, url, code, string(owner.Plan), now}).
		Returning("id", "owner_key", "url", "short_code", "plan_snapshot", "created_at")

	var row linkRow
	found, err := query.Executor().ScanStructContext(ctx, &row)
	if err != nil {
		log.Error().Err(err).Str("code", code).Msg("failed to create link")
		return nil, err
	}
	if !found {
		log.Warn().Str("code", code).Msg("link creation returned no rows")
		return nil, errors.New("failed to create link")
	}

	link := row.toDomain()
	log.Info().Int64("id", link.ID).Str("code", link.ShortCode).Str("owner_key", link.OwnerKey).Msg("link created successfully")

	return link, nil
}

// GetByCode resolves a short code to its link, including the derived click
// count.
func (r *LinksRepo) GetByCode(ctx context.Context, code string) (*Link, error) {
	executor := goqu.New("sqlite", r.db)

	log.Debug().Str("code", code).Msg("fetching link by code")

	query := executor.From("links").Where(goqu.Ex{"short_code": code}).Select(
		"id", "owner_key", "url", "short_code", "plan_snapshot", "created_at",
	)

	var row linkRow
	found, err := query.Executor().ScanStructContext(ctx, &row)
	if err != nil {
		log.Error().Err(err).Str("code", code).Msg("failed to fetch link")
		return nil, err
	}
	if !found {
		log.Debug().Str("code", code).Msg("link not found")
		return nil, internal.ErrLinkNotFound
	}

	link := row.toDomain()

	count, err := NewClicksRepo(r.db).CountForLink(ctx, link.ID)
	if err == nil {
		link.Clicks = count
	}

	return link, nil
}

// ListByOwner returns the owner's links, newest first. Click counts are
// derived from the click log on every call; there is no stored counter to
// drift.
func (r *LinksRepo) ListByOwner(ctx context.Context, ownerKey string) ([]*Link, error) {
	if ownerKey == "" {
		return nil, internal.ErrInvalidInput
	}

	executor := goqu.New("sqlite", r.db)

	query := executor.From("links").
		Where(goqu.Ex{"owner_key": ownerKey}).
		Select("id", "owner_key", "url", "short_code", "plan_snapshot", "created_at").
		Order(goqu.C("created_at").Desc(), goqu.C("id").Desc())

	var rows []linkRow
	if err := query.Executor().ScanStructsContext(ctx, &rows); err != nil {
		return nil, err
	}

	clicks := NewClicksRepo(r.db)
	links := make([]*Link, len(rows))
	for i, row := range rows {
		link := row.toDomain()
		count, err := clicks.CountForLink(ctx, link.ID)
		if err == nil {
			link.Clicks = count
		}
		links[i] = link
	}

	return links, nil
}

// CountByOwner counts the owner's links, used for the free-tier gate.
func (r *LinksRepo) CountByOwner(ctx context.Context, ownerKey string) (int64, error) {
	executor := goqu.New("sqlite", r.db)

	count, err := executor.From("links").Where(goqu.Ex{"owner_key": ownerKey}).CountContext(ctx)
	if err != nil {
		log.Error().Err(err).Str("owner_key", ownerKey).Msg("failed to count links")
		return 0, err
	}
	return count, nil
}

// CodeExists reports whether a short code is already assigned.
func (r *LinksRepo) CodeExists(ctx context.Context, code string) (bool, error) {
	executor := goqu.New("sqlite", r.db)

	count, err := executor.From("links").Where(goqu.Ex{"short_code": code}).CountContext(ctx)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *LinksRepo) ownerLock(ownerKey string) *sync.Mutex {
	lock, _ := r.ownerLocks.LoadOrStore(ownerKey, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

func (r *linkRow) toDomain() *Link {
	return &Link{
		ID:           r.ID,
		OwnerKey:     r.OwnerKey,
		URL:          r.URL,
		ShortCode:    r.ShortCode,
		PlanSnapshot: internal.ParsePlan(r.PlanSnapshot),
		CreatedAt:    r.CreatedAt,
		Clicks:       0,
	}
}
