package webhook_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/meetingcredits/internal/signature"
	"github.com/MarkoPoloResearchLab/meetingcredits/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/meetingcredits/internal/webhook"
	"github.com/MarkoPoloResearchLab/meetingcredits/pkg/credits"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const (
	webhookSigningKey = "integration-key"
	inviteeURI        = "https://api.calendly.com/scheduled_events/EV1/invitees/R1"
	inviteeUserID     = "user-1"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type harness struct {
	router  *gin.Engine
	service *credits.Service
	db      *gorm.DB
	now     time.Time
}

func TestWebhookScenarios(test *testing.T) {
	test.Parallel()
	env := newHarness(test)
	created := deliveryBody(test, "invitee.created", inviteeURI, "A@x.com")
	canceled := deliveryBody(test, "invitee.canceled", inviteeURI, "a@x.com")
	rescheduled := deliveryBody(test, "invitee.rescheduled", inviteeURI, "a@x.com")

	steps := []struct {
		name          string
		body          []byte
		wantStatus    int
		wantRemaining credits.CreditBalance
		wantSuccess   bool
	}{
		{name: "created debits", body: created, wantStatus: http.StatusOK, wantRemaining: 99, wantSuccess: true},
		{name: "redelivery is idempotent", body: created, wantStatus: http.StatusOK, wantRemaining: 99, wantSuccess: true},
		{name: "canceled refunds", body: canceled, wantStatus: http.StatusOK, wantRemaining: 100, wantSuccess: true},
		{name: "rescheduled is ignored", body: rescheduled, wantStatus: http.StatusOK, wantRemaining: 100},
	}
	for _, step := range steps {
		recorder := env.deliver(test, step.body, signature.Sign(webhookSigningKey, step.body, env.now))
		if recorder.Code != step.wantStatus {
			test.Fatalf("%s: expected status %d, got %d (%s)", step.name, step.wantStatus, recorder.Code, recorder.Body.String())
		}
		var response map[string]any
		if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
			test.Fatalf("%s: decode response: %v", step.name, err)
		}
		if _, hasMessage := response["message"]; !hasMessage {
			test.Fatalf("%s: expected message in response, got %v", step.name, response)
		}
		if success, _ := response["success"].(bool); success != step.wantSuccess {
			test.Fatalf("%s: expected success=%t, got %v", step.name, step.wantSuccess, response)
		}
		if got := env.balance(test, inviteeUserID); got != step.wantRemaining {
			test.Fatalf("%s: expected remaining %d, got %d", step.name, step.wantRemaining, got)
		}
	}

	var count int64
	if err := env.db.Model(&gormstore.InviteeReservation{}).Count(&count).Error; err != nil {
		test.Fatalf("count reservations: %v", err)
	}
	if count != 1 {
		test.Fatalf("expected one reservation row, got %d", count)
	}
}

func TestWebhookStatusMapping(test *testing.T) {
	test.Parallel()
	env := newHarness(test)
	created := deliveryBody(test, "invitee.created", inviteeURI, "a@x.com")
	unknownUser := deliveryBody(test, "invitee.created", inviteeURI, "nobody@x.com")

	testCases := []struct {
		name       string
		body       []byte
		header     string
		wantStatus int
	}{
		{name: "missing signature", body: created, header: "", wantStatus: http.StatusUnauthorized},
		{name: "stale signature", body: created, header: signature.Sign(webhookSigningKey, created, env.now.Add(-301*time.Second)), wantStatus: http.StatusUnauthorized},
		{name: "tampered body", body: []byte(strings.Replace(string(created), "a@x.com", "b@x.com", 1)), header: signature.Sign(webhookSigningKey, created, env.now), wantStatus: http.StatusUnauthorized},
		{name: "invalid json", body: []byte(`{"event"`), header: signature.Sign(webhookSigningKey, []byte(`{"event"`), env.now), wantStatus: http.StatusBadRequest},
		{name: "unrecognized shape", body: []byte(`["invitee.created"]`), header: signature.Sign(webhookSigningKey, []byte(`["invitee.created"]`), env.now), wantStatus: http.StatusBadRequest},
		{name: "unknown user", body: unknownUser, header: signature.Sign(webhookSigningKey, unknownUser, env.now), wantStatus: http.StatusOK},
	}
	for _, testCase := range testCases {
		recorder := env.deliver(test, testCase.body, testCase.header)
		if recorder.Code != testCase.wantStatus {
			test.Fatalf("%s: expected %d, got %d (%s)", testCase.name, testCase.wantStatus, recorder.Code, recorder.Body.String())
		}
		if strings.Contains(recorder.Body.String(), "remaining") {
			test.Fatalf("%s: response must not echo balances: %s", testCase.name, recorder.Body.String())
		}
	}
	if got := env.balance(test, inviteeUserID); got != credits.CreditBalance(credits.DefaultRemainingCredits) {
		test.Fatalf("expected untouched balance, got %d", got)
	}
}

func TestWebhookStoreFailureReturns500(test *testing.T) {
	test.Parallel()
	env := newHarness(test)
	if err := env.db.Migrator().DropTable(&gormstore.InviteeReservation{}); err != nil {
		test.Fatalf("drop table: %v", err)
	}
	body := deliveryBody(test, "invitee.created", inviteeURI, "a@x.com")
	recorder := env.deliver(test, body, signature.Sign(webhookSigningKey, body, env.now))
	if recorder.Code != http.StatusInternalServerError {
		test.Fatalf("expected 500, got %d (%s)", recorder.Code, recorder.Body.String())
	}
}

func TestWebhookRejectsOversizedBody(test *testing.T) {
	test.Parallel()
	env := newHarness(test)
	body := bytes.Repeat([]byte("a"), int(webhook.MaxBodyBytes)+1)
	recorder := env.deliver(test, body, "")
	if recorder.Code != http.StatusRequestEntityTooLarge {
		test.Fatalf("expected 413, got %d", recorder.Code)
	}
}

func TestWebhookStatusEndpoint(test *testing.T) {
	test.Parallel()
	env := newHarness(test)
	request := httptest.NewRequest(http.MethodGet, webhook.Path, nil)
	recorder := httptest.NewRecorder()
	env.router.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK || !strings.Contains(recorder.Body.String(), `"status":"ok"`) {
		test.Fatalf("unexpected status response: %d %s", recorder.Code, recorder.Body.String())
	}
}

func newHarness(test *testing.T) *harness {
	test.Helper()
	database, err := gorm.Open(sqlite.Open(test.TempDir()+"/credits.db"), &gorm.Config{})
	if err != nil {
		test.Fatalf("sqlite open failed: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		test.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	test.Cleanup(func() { _ = sqlDB.Close() })
	if err := gormstore.Migrate(database); err != nil {
		test.Fatalf("automigrate failed: %v", err)
	}
	if err := gormstore.MigrateDirectory(database, gormstore.DefaultDirectoryTable); err != nil {
		test.Fatalf("directory migrate failed: %v", err)
	}
	if err := database.Table(gormstore.DefaultDirectoryTable).Create(&gormstore.DirectoryUser{ID: inviteeUserID, Email: "a@x.com"}).Error; err != nil {
		test.Fatalf("seed user: %v", err)
	}

	now := time.Unix(1_700_000_000, 0)
	service, err := credits.NewService(gormstore.New(database), func() int64 { return now.Unix() })
	if err != nil {
		test.Fatalf("service: %v", err)
	}
	directory, err := gormstore.NewDirectory(database, "")
	if err != nil {
		test.Fatalf("directory: %v", err)
	}
	verifier, err := signature.NewVerifier(signature.Config{
		SigningKey: webhookSigningKey,
		Now:        func() time.Time { return now },
	})
	if err != nil {
		test.Fatalf("verifier: %v", err)
	}
	processor, err := webhook.NewProcessor(verifier, directory, service, webhook.WithStoreTimeout(2*time.Second))
	if err != nil {
		test.Fatalf("processor: %v", err)
	}
	router := gin.New()
	webhook.NewHandler(processor).Register(router)
	return &harness{router: router, service: service, db: database, now: now}
}

func (env *harness) deliver(test *testing.T, body []byte, header string) *httptest.ResponseRecorder {
	test.Helper()
	request := httptest.NewRequest(http.MethodPost, webhook.Path, bytes.NewReader(body))
	request.Header.Set("Content-Type", "application/json")
	if header != "" {
		request.Header.Set(signature.HeaderName, header)
	}
	recorder := httptest.NewRecorder()
	env.router.ServeHTTP(recorder, request)
	return recorder
}

func (env *harness) balance(test *testing.T, userID string) credits.CreditBalance {
	test.Helper()
	parsed, err := credits.NewUserID(userID)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	balance, err := env.service.Balance(context.Background(), parsed)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	return balance
}

func deliveryBody(test *testing.T, event string, uri string, email string) []byte {
	test.Helper()
	body, err := json.Marshal(map[string]any{
		"event": event,
		"payload": map[string]any{
			"uri":   uri,
			"email": email,
			"scheduled_event": map[string]any{
				"uri": "https://api.calendly.com/scheduled_events/EV1",
			},
		},
	})
	if err != nil {
		test.Fatalf("marshal body: %v", err)
	}
	return body
}
