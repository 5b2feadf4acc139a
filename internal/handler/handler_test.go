package handler

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/abdusco/smartlinks/internal"
	"github.com/abdusco/smartlinks/internal/analytics"
	"github.com/abdusco/smartlinks/internal/auth"
	"github.com/abdusco/smartlinks/internal/db"
	"github.com/abdusco/smartlinks/internal/repo"
	"github.com/abdusco/smartlinks/internal/shortcode"
	"github.com/labstack/echo/v4"
)

const testWebhookSecret = "test-webhook-secret"

type testApp struct {
	e      *echo.Echo
	db     *sql.DB
	owners *repo.OwnersRepo
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()

	name := strings.ReplaceAll(t.Name(), "/", "_")
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)

	database, err := db.Open(context.Background(), dsn)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	database.SetMaxOpenConns(1)
	t.Cleanup(func() { database.Close() })

	ownersRepo := repo.NewOwnersRepo(database)
	linksRepo := repo.NewLinksRepo(database, shortcode.NewGenerator(5), 3)
	clicksRepo := repo.NewClicksRepo(database)
	aggregator := analytics.NewAggregator(database, time.UTC)

	linkHandler := NewLinkHandler(linksRepo, clicksRepo)
	reportHandler := NewReportHandler(linksRepo, clicksRepo, aggregator)
	billingHandler := NewBillingHandler(ownersRepo, testWebhookSecret)

	credentials, err := auth.NewCredentials("admin:secret")
	if err != nil {
		t.Fatal(err)
	}
	authenticator := auth.NewAuthenticator(credentials, "test-jwt-secret")
	adminHandler := NewAdminHandler(ownersRepo)

	e := echo.New()
	api := e.Group("/api")
	api.POST("/links", linkHandler.CreateLink)
	api.GET("/links", linkHandler.ListLinks)
	api.GET("/report/:code", reportHandler.Report)
	api.GET("/report/:code/csv", reportHandler.ReportCSV)
	api.POST("/billing/webhook", billingHandler.Webhook)

	admin := api.Group("/admin", auth.NewAuthMiddleware(authenticator))
	admin.GET("/owners", adminHandler.ListOwners)

	e.GET("/r/:code", linkHandler.Redirect)

	return &testApp{e: e, db: database, owners: ownersRepo}
}

func (a *testApp) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	a.e.ServeHTTP(rec, req)
	return rec
}

func (a *testApp) createLink(t *testing.T, ownerToken, url string) string {
	t.Helper()

	body := fmt.Sprintf(`{"original_url": %q}`, url)
	req := httptest.NewRequest(http.MethodPost, "/api/links", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(ownerTokenHeader, ownerToken)

	rec := a.do(req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create link: got status %d: %s", rec.Code, rec.Body.String())
	}

	var resp CreateLinkResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode create response: %v", err)
	}
	if resp.Link.ShortCode == "" {
		t.Fatal("create response has empty short code")
	}
	return resp.Link.ShortCode
}

func (a *testApp) clickCount(t *testing.T) int64 {
	t.Helper()
	var count int64
	if err := a.db.QueryRow("SELECT COUNT(*) FROM clicks").Scan(&count); err != nil {
		t.Fatal(err)
	}
	return count
}

func TestCreateAndListLinks(t *testing.T) {
	app := newTestApp(t)

	code := app.createLink(t, "o1", "https://example.com/listing")

	req := httptest.NewRequest(http.MethodGet, "/api/links", nil)
	req.Header.Set(ownerTokenHeader, "o1")
	rec := app.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: got status %d", rec.Code)
	}

	var resp ListLinksResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Links) != 1 {
		t.Fatalf("got %d links, want 1", len(resp.Links))
	}
	if resp.Links[0].ShortCode != code {
		t.Errorf("short code = %q, want %q", resp.Links[0].ShortCode, code)
	}
	if resp.Links[0].Plan != "free" {
		t.Errorf("plan = %q, want free", resp.Links[0].Plan)
	}
}

func TestListLinksForNewOwnerIsEmpty(t *testing.T) {
	app := newTestApp(t)

	req := httptest.NewRequest(http.MethodGet, "/api/links?owner_token=nobody", nil)
	rec := app.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}

	var resp ListLinksResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Links) != 0 {
		t.Errorf("got %d links, want 0", len(resp.Links))
	}
}

func TestCreateLinkValidation(t *testing.T) {
	app := newTestApp(t)

	// Missing destination URL.
	req := httptest.NewRequest(http.MethodPost, "/api/links", strings.NewReader(`{}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(ownerTokenHeader, "o1")
	if rec := app.do(req); rec.Code != http.StatusBadRequest {
		t.Errorf("missing url: got status %d, want 400", rec.Code)
	}

	// Missing owner token.
	req = httptest.NewRequest(http.MethodPost, "/api/links", strings.NewReader(`{"original_url": "https://example.com"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if rec := app.do(req); rec.Code != http.StatusBadRequest {
		t.Errorf("missing token: got status %d, want 400", rec.Code)
	}
}

func TestQuotaReturnsPaymentRequired(t *testing.T) {
	app := newTestApp(t)

	for i := 0; i < 3; i++ {
		app.createLink(t, "o1", "https://example.com")
	}

	body := `{"original_url": "https://example.com"}`
	req := httptest.NewRequest(http.MethodPost, "/api/links", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(ownerTokenHeader, "o1")

	rec := app.do(req)
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("got status %d, want 402", rec.Code)
	}
}

func TestRedirectRecordsClick(t *testing.T) {
	app := newTestApp(t)
	code := app.createLink(t, "o1", "https://example.com/target")

	req := httptest.NewRequest(http.MethodGet, "/r/"+code, nil)
	req.Header.Set("User-Agent", "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) Mobile Safari/604.1")
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")

	rec := app.do(req)
	if rec.Code != http.StatusMovedPermanently {
		t.Fatalf("got status %d, want 301", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "https://example.com/target" {
		t.Errorf("location = %q", loc)
	}

	if got := app.clickCount(t); got != 1 {
		t.Fatalf("click count = %d, want 1", got)
	}

	var ip, dev string
	if err := app.db.QueryRow("SELECT ip_address, device FROM clicks").Scan(&ip, &dev); err != nil {
		t.Fatal(err)
	}
	if ip != "203.0.113.7" {
		t.Errorf("stored ip = %q, want first forwarded hop", ip)
	}
	if dev != "mobile" {
		t.Errorf("stored device = %q, want mobile", dev)
	}
}

func TestRedirectUnknownCodeWritesNoClick(t *testing.T) {
	app := newTestApp(t)
	app.createLink(t, "o1", "https://example.com")

	req := httptest.NewRequest(http.MethodGet, "/r/ZZZZZ", nil)
	rec := app.do(req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("got status %d, want 404", rec.Code)
	}
	if got := app.clickCount(t); got != 0 {
		t.Errorf("click count = %d, want 0", got)
	}
}

func TestReportEndpoint(t *testing.T) {
	app := newTestApp(t)
	code := app.createLink(t, "o1", "https://example.com")

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/r/"+code, nil)
		req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) Chrome/120.0 Safari/537.36")
		req.Header.Set("X-Real-IP", fmt.Sprintf("198.51.100.%d", i+1))
		app.do(req)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/report/"+code, nil)
	rec := app.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d: %s", rec.Code, rec.Body.String())
	}

	var resp ReportResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.ShortCode != code {
		t.Errorf("short code = %q", resp.ShortCode)
	}
	if resp.Stats.TotalClicks != 2 {
		t.Errorf("total clicks = %d, want 2", resp.Stats.TotalClicks)
	}
	if resp.Stats.UniqueVisitors != 2 {
		t.Errorf("unique visitors = %d, want 2", resp.Stats.UniqueVisitors)
	}

	// Unknown code 404s.
	req = httptest.NewRequest(http.MethodGet, "/api/report/ZZZZZ", nil)
	if rec := app.do(req); rec.Code != http.StatusNotFound {
		t.Errorf("unknown code: got status %d, want 404", rec.Code)
	}
}

func TestReportCSV(t *testing.T) {
	app := newTestApp(t)
	code := app.createLink(t, "o1", "https://example.com")

	req := httptest.NewRequest(http.MethodGet, "/r/"+code, nil)
	req.Header.Set("User-Agent", "curl/8.4.0")
	app.do(req)

	req = httptest.NewRequest(http.MethodGet, "/api/report/"+code+"/csv", nil)
	rec := app.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d", rec.Code)
	}
	if ct := rec.Header().Get(echo.HeaderContentType); !strings.HasPrefix(ct, "text/csv") {
		t.Errorf("content type = %q", ct)
	}

	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d csv lines, want header + 1 row: %q", len(lines), rec.Body.String())
	}
	if lines[0] != "timestamp,ip,user_agent,device" {
		t.Errorf("csv header = %q", lines[0])
	}
	if !strings.Contains(lines[1], "bot") {
		t.Errorf("csv row missing device class: %q", lines[1])
	}
}

func signPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestBillingWebhookUpgrades(t *testing.T) {
	app := newTestApp(t)
	app.createLink(t, "o1", "https://example.com")

	body := []byte(`{"type": "subscription.created", "owner_token": "o1", "email": "o1@example.com"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/billing/webhook", strings.NewReader(string(body)))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(signatureHeader, signPayload(testWebhookSecret, body))

	rec := app.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d: %s", rec.Code, rec.Body.String())
	}

	plan, err := app.owners.PlanOf(context.Background(), "o1")
	if err != nil {
		t.Fatal(err)
	}
	if plan != internal.PlanPro {
		t.Errorf("plan = %q, want pro", plan)
	}

	// Retried delivery is a no-op.
	req = httptest.NewRequest(http.MethodPost, "/api/billing/webhook", strings.NewReader(string(body)))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(signatureHeader, signPayload(testWebhookSecret, body))
	if rec := app.do(req); rec.Code != http.StatusOK {
		t.Errorf("retry: got status %d", rec.Code)
	}
}

func TestBillingWebhookRejectsBadSignature(t *testing.T) {
	app := newTestApp(t)

	body := []byte(`{"type": "subscription.created", "owner_token": "o1"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/billing/webhook", strings.NewReader(string(body)))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(signatureHeader, "deadbeef")

	rec := app.do(req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got status %d, want 400", rec.Code)
	}

	plan, err := app.owners.PlanOf(context.Background(), "o1")
	if err != nil {
		t.Fatal(err)
	}
	if plan != internal.PlanFree {
		t.Errorf("plan changed despite bad signature: %q", plan)
	}
}

func TestBillingWebhookUnconfigured(t *testing.T) {
	ownersRepo := repo.NewOwnersRepo(nil)
	h := NewBillingHandler(ownersRepo, "")

	e := echo.New()
	e.POST("/api/billing/webhook", h.Webhook)

	req := httptest.NewRequest(http.MethodPost, "/api/billing/webhook", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("got status %d, want 503", rec.Code)
	}
}

func TestAdminEndpointRequiresAuth(t *testing.T) {
	app := newTestApp(t)
	app.createLink(t, "o1", "https://example.com")

	req := httptest.NewRequest(http.MethodGet, "/api/admin/owners", nil)
	if rec := app.do(req); rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated: got status %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/admin/owners", nil)
	req.SetBasicAuth("admin", "secret")
	rec := app.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("basic auth: got status %d: %s", rec.Code, rec.Body.String())
	}

	var resp ListOwnersResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Owners) != 1 {
		t.Errorf("got %d owners, want 1", len(resp.Owners))
	}
	if resp.Owners[0].LinkCount != 1 {
		t.Errorf("link count = %d, want 1", resp.Owners[0].LinkCount)
	}
}

func TestClientIPFallbackOrder(t *testing.T) {
	makeReq := func(xff, xri, remote string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = remote
		if xff != "" {
			r.Header.Set("X-Forwarded-For", xff)
		}
		if xri != "" {
			r.Header.Set("X-Real-IP", xri)
		}
		return r
	}

	if got := clientIP(makeReq("203.0.113.7, 10.0.0.1", "198.51.100.1", "192.0.2.1:1234")); got != "203.0.113.7" {
		t.Errorf("forwarded chain: got %q", got)
	}
	if got := clientIP(makeReq("", "198.51.100.1", "192.0.2.1:1234")); got != "198.51.100.1" {
		t.Errorf("real ip: got %q", got)
	}
	if got := clientIP(makeReq("", "", "192.0.2.1:1234")); got != "192.0.2.1" {
		t.Errorf("peer address: got %q", got)
	}
	if got := clientIP(makeReq("garbage", "also-garbage", "")); got != "unknown" {
		t.Errorf("sentinel: got %q", got)
	}
}
