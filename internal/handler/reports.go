package handler

import (
	"encoding/csv"
	"errors"
	"net/http"

	"github.com/abdusco/smartlinks/internal"
	"github.com/abdusco/smartlinks/internal/analytics"
	"github.com/abdusco/smartlinks/internal/repo"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

// ReportHandler serves the structured stats object that report renderers
// (PDF and friends) consume, plus the raw click CSV export.
type ReportHandler struct {
	linksRepo  *repo.LinksRepo
	clicksRepo *repo.ClicksRepo
	aggregator *analytics.Aggregator
}

func NewReportHandler(linksRepo *repo.LinksRepo, clicksRepo *repo.ClicksRepo, aggregator *analytics.Aggregator) *ReportHandler {
	return &ReportHandler{
		linksRepo:  linksRepo,
		clicksRepo: clicksRepo,
		aggregator: aggregator,
	}
}

type ReportResponse struct {
	ShortCode     string          `json:"short_code"`
	URL           string          `json:"original_url"`
	WeekdayLabels [7]string       `json:"weekday_labels"`
	Stats         analytics.Stats `json:"stats"`
}

func (h *ReportHandler) Report(c echo.Context) error {
	ctx := c.Request().Context()
	code := c.Param("code")

	link, err := h.linksRepo.GetByCode(ctx, code)
	if err != nil {
		if errors.Is(err, internal.ErrLinkNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "link not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to resolve link")
	}

	stats, err := h.aggregator.StatsFor(ctx, link.ID)
	if err != nil {
		log.Error().Err(err).Str("code", code).Msg("failed to aggregate stats")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to compute stats")
	}

	return c.JSON(http.StatusOK, ReportResponse{
		ShortCode:     link.ShortCode,
		URL:           link.URL,
		WeekdayLabels: analytics.WeekdayLabels,
		Stats:         *stats,
	})
}

func (h *ReportHandler) ReportCSV(c echo.Context) error {
	ctx := c.Request().Context()
	code := c.Param("code")

	link, err := h.linksRepo.GetByCode(ctx, code)
	if err != nil {
		if errors.Is(err, internal.ErrLinkNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "link not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to resolve link")
	}

	clicks, err := h.clicksRepo.RowsForLink(ctx, link.ID)
	if err != nil {
		log.Error().Err(err).Str("code", code).Msg("failed to load click rows")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to export clicks")
	}

	c.Response().Header().Set(echo.HeaderContentType, "text/csv")
	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="clicks-`+link.ShortCode+`.csv"`)
	c.Response().WriteHeader(http.StatusOK)

	w := csv.NewWriter(c.Response())
	if err := w.Write([]string{"timestamp", "ip", "user_agent", "device"}); err != nil {
		return err
	}
	for _, click := range clicks {
		record := []string{click.ClickedAt, click.IPAddress, click.UserAgent, string(click.Device)}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()

	return w.Error()
}
