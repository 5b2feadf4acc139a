package handler

import (
	"cmp"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/abdusco/smartlinks/internal"
	"github.com/abdusco/smartlinks/internal/device"
	"github.com/abdusco/smartlinks/internal/repo"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

const ownerTokenHeader = "X-Owner-Token"

type LinkHandler struct {
	linksRepo  *repo.LinksRepo
	clicksRepo *repo.ClicksRepo
}

func NewLinkHandler(linksRepo *repo.LinksRepo, clicksRepo *repo.ClicksRepo) *LinkHandler {
	return &LinkHandler{
		linksRepo:  linksRepo,
		clicksRepo: clicksRepo,
	}
}

type CreateLinkRequest struct {
	OwnerToken string `json:"owner_token"`
	URL        string `json:"original_url"`
	Email      string `json:"email"`
}

type LinkResponse struct {
	ID        int64  `json:"id"`
	ShortCode string `json:"short_code"`
	URL       string `json:"original_url"`
	Plan      string `json:"plan"`
	CreatedAt any    `json:"created_at"`
	Clicks    int64  `json:"clicks"`
}

// API response wrappers
type CreateLinkResponse struct {
	Link LinkResponse `json:"link"`
}

type ListLinksResponse struct {
	Links []LinkResponse `json:"links"`
}

func (h *LinkHandler) CreateLink(c echo.Context) error {
	ctx := c.Request().Context()

	var req CreateLinkRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request")
	}

	ownerToken := cmp.Or(c.Request().Header.Get(ownerTokenHeader), req.OwnerToken)
	if ownerToken == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "owner token is required")
	}
	if req.URL == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "original_url is required")
	}

	link, err := h.linksRepo.Create(ctx, ownerToken, req.URL, req.Email)
	if err != nil {
		if mapped := mapDomainError(err); mapped != nil {
			return mapped
		}
		log.Error().Err(err).Str("owner_key", ownerToken).Msg("failed to create link")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to create link")
	}

	return c.JSON(http.StatusCreated, CreateLinkResponse{Link: toLinkResponse(link)})
}

func (h *LinkHandler) ListLinks(c echo.Context) error {
	ctx := c.Request().Context()

	ownerToken := cmp.Or(c.Request().Header.Get(ownerTokenHeader), c.QueryParam("owner_token"))
	if ownerToken == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "owner token is required")
	}

	links, err := h.linksRepo.ListByOwner(ctx, ownerToken)
	if err != nil {
		log.Error().Err(err).Str("owner_key", ownerToken).Msg("failed to list links")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list links")
	}

	linkResponses := lo.Map(links, func(link *repo.Link, _ int) LinkResponse {
		return toLinkResponse(link)
	})

	return c.JSON(http.StatusOK, ListLinksResponse{Links: linkResponses})
}

func (h *LinkHandler) Redirect(c echo.Context) error {
	ctx := c.Request().Context()
	code := c.Param("code")

	log.Debug().Str("code", code).Msg("redirect request")

	link, err := h.linksRepo.GetByCode(ctx, code)
	if err != nil {
		if errors.Is(err, internal.ErrLinkNotFound) {
			log.Warn().Str("code", code).Msg("link not found")
			return echo.NewHTTPError(http.StatusNotFound, "link not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to resolve link")
	}

	userAgent := c.Request().UserAgent()
	ipAddress := clientIP(c.Request())
	dev := device.Classify(userAgent)

	log.Info().Str("code", code).Str("ip", ipAddress).Str("device", string(dev)).Msg("redirecting link")

	// A failed click write must not break the redirect itself.
	if err := h.clicksRepo.Create(ctx, link.ID, ipAddress, userAgent, dev); err != nil {
		log.Error().Err(err).Str("code", code).Msg("failed to record click")
	}

	return c.Redirect(http.StatusMovedPermanently, link.URL)
}

func toLinkResponse(link *repo.Link) LinkResponse {
	return LinkResponse{
		ID:        link.ID,
		ShortCode: link.ShortCode,
		URL:       link.URL,
		Plan:      string(link.PlanSnapshot),
		CreatedAt: link.CreatedAt,
		Clicks:    link.Clicks,
	}
}

// clientIP picks the best-effort originating address. Behind the usual
// reverse-proxy setups the first hop of X-Forwarded-For is the client, then
// X-Real-IP, then the peer address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		first = strings.TrimSpace(first)
		if ip := net.ParseIP(first); ip != nil {
			return first
		}
	}

	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		if ip := net.ParseIP(xri); ip != nil {
			return xri
		}
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}

	return "unknown"
}

// mapDomainError translates the domain error taxonomy into HTTP statuses.
// Returns nil for errors that are not client-facing.
func mapDomainError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, internal.ErrQuotaExceeded):
		return echo.NewHTTPError(http.StatusPaymentRequired, "free plan limit reached, upgrade to create more links")
	case errors.Is(err, internal.ErrLinkNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "link not found")
	case errors.Is(err, internal.ErrInvalidInput):
		return echo.NewHTTPError(http.StatusBadRequest, "missing required fields")
	case errors.Is(err, internal.ErrBadSignature):
		return echo.NewHTTPError(http.StatusBadRequest, "invalid webhook signature")
	default:
		return nil
	}
}
