package repo

import (
	"context"
	"database/sql"
	"time"

	"github.com/abdusco/smartlinks/internal/device"
	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/rs/zerolog/log"
)

// maxUserAgentLen caps stored user agents; anything longer is noise.
const maxUserAgentLen = 512

type Click struct {
	ID     int64 `json:"id"`
	LinkID int64 `json:"link_id"`
	// ClickedAt is the stored timestamp verbatim. The export must not
	// choke on legacy rows that predate the RFC3339 format.
	ClickedAt string       `json:"clicked_at"`
	IPAddress string       `json:"ip_address"`
	UserAgent string       `json:"user_agent"`
	Device    device.Class `json:"device"`
}

type clickRow struct {
	ID        int64  `db:"id"`
	LinkID    int64  `db:"link_id"`
	ClickedAt string `db:"clicked_at"`
	IPAddress string `db:"ip_address"`
	UserAgent string `db:"user_agent"`
	Device    string `db:"device"`
}

type ClicksRepo struct {
	db *sql.DB
}

func NewClicksRepo(db *sql.DB) *ClicksRepo {
	return &ClicksRepo{db: db}
}

// Create appends one click row. This runs on every redirect, so it is a
// single insert and nothing else.
func (r *ClicksRepo) Create(ctx context.Context, linkID int64, ipAddress, userAgent string, dev device.Class) error {
	executor := goqu.New("sqlite", r.db)

	if len(userAgent) > maxUserAgentLen {
		userAgent = userAgent[:maxUserAgentLen]
	}

	log.Debug().Int64("link_id", linkID).Str("ip", ipAddress).Str("device", string(dev)).Msg("recording click")

	now := Date(time.Now().UTC())
	query := executor.Insert("clicks").
		Cols("link_id", "clicked_at", "ip_address", "user_agent", "device").
		Vals([]any{linkID, now, ipAddress, userAgent, string(dev)})

	if _, err := query.Executor().ExecContext(ctx); err != nil {
		log.Error().Err(err).Int64("link_id", linkID).Msg("failed to record click")
		return err
	}

	return nil
}

// CountForLink derives the click count for a link from the log.
func (r *ClicksRepo) CountForLink(ctx context.Context, linkID int64) (int64, error) {
	executor := goqu.New("sqlite", r.db)

	count, err := executor.From("clicks").Where(goqu.Ex{"link_id": linkID}).CountContext(ctx)
	if err != nil {
		log.Error().Err(err).Int64("link_id", linkID).Msg("failed to count clicks")
		return 0, err
	}
	return count, nil
}

// RowsForLink returns every click for a link in chronological order, for
// the CSV export.
func (r *ClicksRepo) RowsForLink(ctx context.Context, linkID int64) ([]*Click, error) {
	executor := goqu.New("sqlite", r.db)

	query := executor.From("clicks").
		Where(goqu.Ex{"link_id": linkID}).
		Select("id", "link_id", "clicked_at", "ip_address", "user_agent", "device").
		Order(goqu.C("clicked_at").Asc(), goqu.C("id").Asc())

	var rows []clickRow
	if err := query.Executor().ScanStructsContext(ctx, &rows); err != nil {
		return nil, err
	}

	clicks := make([]*Click, len(rows))
	for i, row := range rows {
		clicks[i] = &Click{
			ID:        row.ID,
			LinkID:    row.LinkID,
			ClickedAt: row.ClickedAt,
			IPAddress: row.IPAddress,
			UserAgent: row.UserAgent,
			Device:    device.ParseClass(row.Device),
		}
	}
	return clicks, nil
}
