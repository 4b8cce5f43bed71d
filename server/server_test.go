package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"swapdesk/auth"
	"swapdesk/config"
	"swapdesk/guard"
	"swapdesk/ledger"
	"swapdesk/models"
	"swapdesk/notify"
	"swapdesk/payments"
	"swapdesk/repo"
	"swapdesk/saga"
	"swapdesk/storage"
	"swapdesk/transition"
)

const (
	testJWTSecret      = "server-test-jwt-secret"
	testProviderSecret = "server-test-provider-secret"
)

type stubOrders struct{ orders int }

func (p *stubOrders) CreateOrder(ctx context.Context, roomID, payerID uuid.UUID, amount float64, currency string) (*payments.Order, error) {
	p.orders++
	return &payments.Order{ProviderOrderID: fmt.Sprintf("order-%d", p.orders), Amount: amount, Currency: currency}, nil
}

func (p *stubOrders) VerifyWebhookSignature(payload []byte, signature string) bool {
	return payments.VerifySignature(testProviderSecret, payload, signature)
}

func (p *stubOrders) ReleaseBalance(ctx context.Context, roomID uuid.UUID, amount float64, idempotencyKey string) (*payments.ReleaseResult, error) {
	return &payments.ReleaseResult{ProviderReleaseID: idempotencyKey, Amount: amount}, nil
}

type serverFixture struct {
	srv     *Server
	svc     *transition.Service
	rooms   *repo.Rooms
	payRepo *repo.Payments
	db      *gorm.DB
	now     time.Time
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	f := &serverFixture{db: db, now: time.Now().UTC().Truncate(time.Second)}
	clock := func() time.Time { return f.now }
	journal := ledger.New(db, clock)
	f.rooms = repo.NewRooms(db)
	containers := repo.NewContainers(db)
	artifacts := repo.NewArtifacts(db)
	f.payRepo = repo.NewPayments(db)
	policy := config.DefaultPolicy()
	notifier := notify.NewDispatcher(notify.DispatcherConfig{Sender: notify.Noop{}, Ledger: journal})
	f.svc = transition.New(transition.Config{
		DB:         db,
		Rooms:      f.rooms,
		Containers: containers,
		Artifacts:  artifacts,
		Payments:   f.payRepo,
		Ledger:     journal,
		Policy:     policy,
		Store:      storage.NewMemory(),
		Provider:   &stubOrders{},
		Notifier:   notifier,
		Now:        clock,
	})
	verifier, err := auth.NewVerifier(auth.VerifierConfig{Secret: testJWTSecret, Now: clock})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	cascade := saga.NewFailureCascade(f.svc, containers, journal, notifier, nil)
	f.srv = New(Config{
		DB:             db,
		Verifier:       verifier,
		Guard:          guard.NewEngine(journal, policy, clock),
		Transitions:    f.svc,
		Cascade:        cascade,
		Rooms:          f.rooms,
		Containers:     containers,
		Artifacts:      artifacts,
		ProviderSecret: testProviderSecret,
		Now:            clock,
	})
	return f
}

func (f *serverFixture) token(t *testing.T, subject uuid.UUID, role string) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":                subject.String(),
		"role":               role,
		"session_started_at": f.now.Unix(),
		"iat":                f.now.Unix(),
		"exp":                f.now.Add(time.Hour).Unix(),
	}).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return raw
}

func (f *serverFixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestRoomEndpointsRequireAuth(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/rooms", "", map[string]any{"amount": 100})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status %d", rec.Code)
	}

	admin := f.token(t, uuid.New(), "admin")
	rec = f.do(t, http.MethodPost, "/api/v1/rooms", admin, map[string]any{"amount": 100})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("admin creating room: status %d", rec.Code)
	}
}

func TestCreateAndFetchRoom(t *testing.T) {
	f := newServerFixture(t)
	creator := uuid.New()
	token := f.token(t, creator, "participant")

	rec := f.do(t, http.MethodPost, "/api/v1/rooms", token, map[string]any{"amount": 250, "currency": "EUR"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create room: status %d body %s", rec.Code, rec.Body.String())
	}
	var result transition.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Resource == uuid.Nil {
		t.Fatalf("no room id in response")
	}

	rec = f.do(t, http.MethodGet, "/api/v1/rooms/"+result.Resource.String(), token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get room: status %d body %s", rec.Code, rec.Body.String())
	}

	// An unrelated participant cannot read the room.
	stranger := f.token(t, uuid.New(), "participant")
	rec = f.do(t, http.MethodGet, "/api/v1/rooms/"+result.Resource.String(), stranger, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("stranger reading room: status %d", rec.Code)
	}
}

func (f *serverFixture) seedLockedRoom(t *testing.T) (uuid.UUID, []models.Payment) {
	t.Helper()
	ctx := context.Background()
	creator := auth.Claims{Subject: uuid.New(), Role: auth.RoleParticipant, SessionStartedAt: f.now}
	joiner := auth.Claims{Subject: uuid.New(), Role: auth.RoleParticipant, SessionStartedAt: f.now}
	res, err := f.svc.InviteRoom(ctx, creator, transition.InviteInput{RequiredAmount: 100, Currency: "USD"})
	if err != nil {
		t.Fatalf("invite: %v", err)
	}
	if _, err := f.svc.JoinRoom(ctx, joiner, res.Resource); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := f.svc.LockRoom(ctx, creator, res.Resource); err != nil {
		t.Fatalf("lock: %v", err)
	}
	rows, err := f.payRepo.ListByRoom(ctx, nil, res.Resource)
	if err != nil || len(rows) != 2 {
		t.Fatalf("list payments: %v (%d)", err, len(rows))
	}
	return res.Resource, rows
}

func signedWebhook(t *testing.T, f *serverFixture, path string, payload any, secret string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set(signatureHeader, payments.Sign(secret, body))
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestPaymentWebhook(t *testing.T) {
	f := newServerFixture(t)
	roomID, rows := f.seedLockedRoom(t)

	payload := map[string]string{"payment_id": rows[0].ProviderPaymentID, "status": "confirmed"}

	// Missing or wrong signature is rejected before any lookup.
	rec := signedWebhook(t, f, "/webhooks/payments", payload, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unsigned webhook: status %d", rec.Code)
	}
	rec = signedWebhook(t, f, "/webhooks/payments", payload, "wrong-secret")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missigned webhook: status %d", rec.Code)
	}

	rec = signedWebhook(t, f, "/webhooks/payments", payload, testProviderSecret)
	if rec.Code != http.StatusOK {
		t.Fatalf("signed webhook: status %d body %s", rec.Code, rec.Body.String())
	}
	payment, err := f.payRepo.GetByProviderID(context.Background(), rows[0].ProviderPaymentID)
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if payment.Status != models.PaymentConfirmed {
		t.Fatalf("payment status %s after webhook", payment.Status)
	}
	if payment.RoomID != roomID {
		t.Fatalf("payment room %s", payment.RoomID)
	}

	// Replays are acknowledged without error.
	rec = signedWebhook(t, f, "/webhooks/payments", payload, testProviderSecret)
	if rec.Code != http.StatusOK {
		t.Fatalf("replayed webhook: status %d", rec.Code)
	}

	rec = signedWebhook(t, f, "/webhooks/payments", map[string]string{"payment_id": "p", "status": "sideways"}, testProviderSecret)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown status: status %d", rec.Code)
	}

	rec = signedWebhook(t, f, "/webhooks/payments", map[string]string{"payment_id": "never-seen", "status": "confirmed"}, testProviderSecret)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown payment: status %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: status %d", rec.Code)
	}
}
