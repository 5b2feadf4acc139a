package handler

import (
	"net/http"

	"github.com/abdusco/smartlinks/internal/repo"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

// AdminHandler exposes operator-only views over owners and their plans.
type AdminHandler struct {
	ownersRepo *repo.OwnersRepo
}

func NewAdminHandler(ownersRepo *repo.OwnersRepo) *AdminHandler {
	return &AdminHandler{ownersRepo: ownersRepo}
}

type ListOwnersResponse struct {
	Owners []*repo.OwnerSummary `json:"owners"`
}

func (h *AdminHandler) ListOwners(c echo.Context) error {
	ctx := c.Request().Context()

	owners, err := h.ownersRepo.ListAll(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to list owners")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list owners")
	}

	return c.JSON(http.StatusOK, ListOwnersResponse{Owners: owners})
}
