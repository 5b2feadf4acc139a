// Package analytics turns the raw click log into per-link statistics.
package analytics

import (
	"context"
	"database/sql"
	"time"

	"github.com/abdusco/smartlinks/internal/device"
	"github.com/abdusco/smartlinks/internal/repo"
	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/rs/zerolog/log"
)

// DefaultTimezone keeps weekly bucketing deterministic regardless of where
// the process runs. Overridable via REPORT_TIMEZONE.
const DefaultTimezone = "America/Los_Angeles"

// WeekdayLabels matches the Weekdays histogram order, Monday first.
var WeekdayLabels = [7]string{"Mon", "Tue", "Wed", "Thu", "Fri", "Sat", "Sun"}

type Stats struct {
	TotalClicks    int64                  `json:"total_clicks"`
	UniqueVisitors int64                  `json:"unique_visitors"`
	Weekdays       [7]int64               `json:"clicks_by_weekday"`
	Devices        map[device.Class]int64 `json:"devices"`
	FirstClick     *time.Time             `json:"first_click,omitempty"`
	LastClick      *time.Time             `json:"last_click,omitempty"`
}

// HasData reports whether any click contributed to the stats. A link with
// zero clicks yields zero-valued stats, not an error.
func (s Stats) HasData() bool {
	return s.TotalClicks > 0
}

type Aggregator struct {
	db  *sql.DB
	loc *time.Location
}

func NewAggregator(db *sql.DB, loc *time.Location) *Aggregator {
	if loc == nil {
		loc = LoadTimezone(DefaultTimezone)
	}
	return &Aggregator{db: db, loc: loc}
}

// LoadTimezone resolves a timezone identifier, falling back to the default
// and then UTC rather than failing startup.
func LoadTimezone(name string) *time.Location {
	if name == "" {
		name = DefaultTimezone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		log.Warn().Err(err).Str("timezone", name).Msg("failed to load reporting timezone, falling back")
		if loc, err = time.LoadLocation(DefaultTimezone); err != nil {
			return time.UTC
		}
	}
	return loc
}

// StatsFor aggregates the click log for one link. Totals, unique visitors
// and the device split come from SQL aggregates; the weekday histogram and
// first/last click are computed row by row so a malformed legacy timestamp
// skips that row instead of failing the whole report.
func (a *Aggregator) StatsFor(ctx context.Context, linkID int64) (*Stats, error) {
	stats := &Stats{Devices: map[device.Class]int64{}}

	executor := goqu.New("sqlite", a.db)

	countsQuery := executor.From("clicks").
		Where(goqu.Ex{"link_id": linkID}).
		Select(
			goqu.COUNT("*").As("total"),
			goqu.COUNT(goqu.DISTINCT("ip_address")).As("unique_visitors"),
		)

	var counts struct {
		Total          int64 `db:"total"`
		UniqueVisitors int64 `db:"unique_visitors"`
	}
	if _, err := countsQuery.Executor().ScanStructContext(ctx, &counts); err != nil {
		log.Error().Err(err).Int64("link_id", linkID).Msg("failed to aggregate click counts")
		return nil, err
	}
	stats.TotalClicks = counts.Total
	stats.UniqueVisitors = counts.UniqueVisitors

	devicesQuery := executor.From("clicks").
		Where(goqu.Ex{"link_id": linkID}).
		Select(goqu.C("device").As("device"), goqu.COUNT("*").As("total")).
		GroupBy(goqu.C("device"))

	var deviceRows []struct {
		Device string `db:"device"`
		Total  int64  `db:"total"`
	}
	if err := devicesQuery.Executor().ScanStructsContext(ctx, &deviceRows); err != nil {
		log.Error().Err(err).Int64("link_id", linkID).Msg("failed to aggregate device split")
		return nil, err
	}
	for _, row := range deviceRows {
		stats.Devices[device.ParseClass(row.Device)] += row.Total
	}

	if err := a.scanTimestamps(ctx, linkID, stats); err != nil {
		return nil, err
	}

	return stats, nil
}

func (a *Aggregator) scanTimestamps(ctx context.Context, linkID int64, stats *Stats) error {
	executor := goqu.New("sqlite", a.db)

	query := executor.From("clicks").
		Where(goqu.Ex{"link_id": linkID}).
		Select(goqu.C("clicked_at").As("clicked_at")).
		Order(goqu.C("id").Asc())

	var rows []struct {
		ClickedAt string `db:"clicked_at"`
	}
	if err := query.Executor().ScanStructsContext(ctx, &rows); err != nil {
		log.Error().Err(err).Int64("link_id", linkID).Msg("failed to read click timestamps")
		return err
	}

	for _, row := range rows {
		t, err := repo.ParseStoredTime(row.ClickedAt)
		if err != nil {
			log.Debug().Str("clicked_at", row.ClickedAt).Int64("link_id", linkID).Msg("skipping click with malformed timestamp")
			continue
		}

		local := t.In(a.loc)
		stats.Weekdays[weekdayIndex(local.Weekday())]++

		if stats.FirstClick == nil || t.Before(*stats.FirstClick) {
			first := t
			stats.FirstClick = &first
		}
		if stats.LastClick == nil || t.After(*stats.LastClick) {
			last := t
			stats.LastClick = &last
		}
	}

	return nil
}

// weekdayIndex maps time.Weekday (Sunday=0) onto the Monday-first histogram.
func weekdayIndex(d time.Weekday) int {
	return (int(d) + 6) % 7
}
