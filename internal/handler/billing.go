package handler

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/abdusco/smartlinks/internal/repo"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

const signatureHeader = "X-Webhook-Signature"

const (
	eventSubscriptionCreated = "subscription.created"
	eventSubscriptionDeleted = "subscription.deleted"
)

// BillingHandler receives plan-change notifications from the payment
// provider. The checkout flow itself lives outside this service; all we do
// here is verify the event and flip the owner's plan.
type BillingHandler struct {
	ownersRepo *repo.OwnersRepo
	secret     string
}

func NewBillingHandler(ownersRepo *repo.OwnersRepo, secret string) *BillingHandler {
	return &BillingHandler{ownersRepo: ownersRepo, secret: secret}
}

type webhookEvent struct {
	Type       string `json:"type"`
	OwnerToken string `json:"owner_token"`
	Email      string `json:"email"`
}

func (h *BillingHandler) Webhook(c echo.Context) error {
	if h.secret == "" {
		log.Warn().Msg("billing webhook received but WEBHOOK_SECRET is not configured")
		return echo.NewHTTPError(http.StatusServiceUnavailable, "billing webhook not configured")
	}

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}

	if !verifySignature(h.secret, body, c.Request().Header.Get(signatureHeader)) {
		log.Warn().Msg("billing webhook signature verification failed")
		return echo.NewHTTPError(http.StatusBadRequest, "invalid webhook signature")
	}

	var event webhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid event payload")
	}
	if event.OwnerToken == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "owner_token is required")
	}

	ctx := c.Request().Context()

	// Providers retry delivery, so both transitions must be idempotent.
	switch event.Type {
	case eventSubscriptionCreated:
		err = h.ownersRepo.Upgrade(ctx, event.OwnerToken, event.Email)
	case eventSubscriptionDeleted:
		err = h.ownersRepo.Downgrade(ctx, event.OwnerToken)
	default:
		log.Info().Str("type", event.Type).Msg("ignoring unhandled billing event type")
		return c.JSON(http.StatusOK, map[string]string{"status": "ignored"})
	}

	if err != nil {
		log.Error().Err(err).Str("type", event.Type).Str("owner_key", event.OwnerToken).Msg("failed to apply plan change")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to apply plan change")
	}

	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func verifySignature(secret string, body []byte, signature string) bool {
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	if signature == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(signature))
}
