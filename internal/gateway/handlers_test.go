package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/kodegeo/showgeo2-sub002/internal/access"
	"github.com/kodegeo/showgeo2-sub002/internal/domain"
	"github.com/kodegeo/showgeo2-sub002/internal/fanout"
	"github.com/kodegeo/showgeo2-sub002/internal/lifecycle"
	"github.com/kodegeo/showgeo2-sub002/internal/registry"
)

// fakeStore backs the gate, the lifecycle service, and the owner check in
// one place.
type fakeStore struct {
	mu       sync.Mutex
	events   map[string]*domain.Event
	sessions map[string]*domain.StreamingSession
	rules    map[string][]domain.GeofenceRule
	queued   []domain.LifecycleEvent
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		events:   map[string]*domain.Event{},
		sessions: map[string]*domain.StreamingSession{},
		rules:    map[string][]domain.GeofenceRule{},
	}
}

func (f *fakeStore) EventByID(ctx context.Context, id string) (*domain.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev, ok := f.events[id]
	if !ok {
		return nil, nil
	}
	cp := *ev
	return &cp, nil
}

func (f *fakeStore) SaveEvent(ctx context.Context, ev domain.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := ev
	f.events[ev.ID] = &cp
	return nil
}

func (f *fakeStore) SessionByID(ctx context.Context, id string) (*domain.StreamingSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[id]
	if !ok {
		return nil, nil
	}
	cp := *sess
	return &cp, nil
}

func (f *fakeStore) ActiveSession(ctx context.Context, eventID string) (*domain.StreamingSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sess := range f.sessions {
		if sess.EventID == eventID && sess.Active {
			cp := *sess
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) SaveSession(ctx context.Context, sess domain.StreamingSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := sess
	f.sessions[sess.ID] = &cp
	return nil
}

func (f *fakeStore) GeofenceRules(ctx context.Context, targetType domain.TargetType, targetID string) ([]domain.GeofenceRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rules[string(targetType)+":"+targetID], nil
}

func (f *fakeStore) EnqueueLifecycleEvent(ctx context.Context, ev domain.LifecycleEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queued = append(f.queued, ev)
	return nil
}

type fakeAuth struct {
	userID string
	err    error
}

func (f fakeAuth) UserIDFromAuthHeader(h string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.userID, nil
}

type flushRecorder struct{ *httptest.ResponseRecorder }

func (flushRecorder) Flush() {}

func testLogger() *log.Logger {
	l := log.New()
	l.SetLevel(log.PanicLevel)
	return l
}

func testConfig(store *fakeStore, auth Authenticator) Config {
	logger := testLogger()
	reg := registry.New()
	return Config{
		Gate:        access.NewGate(store),
		Issuer:      access.NewIssuer([]byte("test-signing-secret"), "gateway-test", time.Minute),
		Lifecycle:   lifecycle.NewService(store, store, logger),
		Registry:    reg,
		Fanout:      fanout.New(reg, logger),
		Auth:        auth,
		Events:      store,
		NotifyToken: "notify-token",
		Logger:      logger,
	}
}

func seedLiveSession(store *fakeStore, level domain.AccessLevel) {
	store.events["ev1"] = &domain.Event{ID: "ev1", OwnerID: "owner1", Title: "show", State: domain.StateLive}
	store.sessions["sess1"] = &domain.StreamingSession{
		ID: "sess1", EventID: "ev1", RoomID: "room1", AccessLevel: level, Active: true,
	}
}

func doJoin(t *testing.T, cfg Config, body, authHeader string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/join", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if authHeader != "" {
		req.Header.Set(echo.HeaderAuthorization, authHeader)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := postJoin(cfg)(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	return rec
}

func TestPostJoinIssuesAnonymousCredential(t *testing.T) {
	store := newFakeStore()
	seedLiveSession(store, domain.AccessPublic)
	cfg := testConfig(store, fakeAuth{userID: "user1"})

	rec := doJoin(t, cfg, `{"sessionId":"sess1"}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var cred access.Credential
	if err := sonic.Unmarshal(rec.Body.Bytes(), &cred); err != nil {
		t.Fatalf("unmarshal credential: %v", err)
	}
	if cred.Token == "" {
		t.Fatal("expected a signed token")
	}
	if cred.RoomID != "room1" {
		t.Fatalf("expected room1, got %q", cred.RoomID)
	}
	if !strings.HasPrefix(cred.Identity, "anon:") {
		t.Fatalf("expected anonymous identity, got %q", cred.Identity)
	}
}

func TestPostJoinUnknownSession(t *testing.T) {
	cfg := testConfig(newFakeStore(), fakeAuth{userID: "user1"})
	rec := doJoin(t, cfg, `{"sessionId":"nope"}`, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestPostJoinInactiveSession(t *testing.T) {
	store := newFakeStore()
	seedLiveSession(store, domain.AccessPublic)
	store.sessions["sess1"].Active = false
	cfg := testConfig(store, fakeAuth{userID: "user1"})

	rec := doJoin(t, cfg, `{"sessionId":"sess1"}`, "")
	if rec.Code != http.StatusGone {
		t.Fatalf("expected 410, got %d", rec.Code)
	}
}

func TestPostJoinRegisteredRequiresCaller(t *testing.T) {
	store := newFakeStore()
	seedLiveSession(store, domain.AccessRegistered)
	cfg := testConfig(store, fakeAuth{userID: "user1"})

	rec := doJoin(t, cfg, `{"sessionId":"sess1"}`, "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "access_level_denied") {
		t.Fatalf("expected access_level_denied, got %s", rec.Body.String())
	}

	rec = doJoin(t, cfg, `{"sessionId":"sess1"}`, "Bearer abc")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for registered caller, got %d", rec.Code)
	}
}

func TestPostJoinTicketedRequiresProof(t *testing.T) {
	store := newFakeStore()
	seedLiveSession(store, domain.AccessTicketed)
	cfg := testConfig(store, fakeAuth{userID: "user1"})

	rec := doJoin(t, cfg, `{"sessionId":"sess1"}`, "Bearer abc")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without proof, got %d", rec.Code)
	}
	rec = doJoin(t, cfg, `{"sessionId":"sess1","ticketProof":true}`, "Bearer abc")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with proof, got %d", rec.Code)
	}
}

func TestPostJoinBroadcasterMustOwnEvent(t *testing.T) {
	store := newFakeStore()
	seedLiveSession(store, domain.AccessPublic)

	cfg := testConfig(store, fakeAuth{userID: "somebody-else"})
	rec := doJoin(t, cfg, `{"sessionId":"sess1","role":"broadcaster"}`, "Bearer abc")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-owner, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "role_not_permitted") {
		t.Fatalf("expected role_not_permitted, got %s", rec.Body.String())
	}

	cfg = testConfig(store, fakeAuth{userID: "owner1"})
	rec = doJoin(t, cfg, `{"sessionId":"sess1","role":"broadcaster"}`, "Bearer abc")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for owner, got %d: %s", rec.Code, rec.Body.String())
	}
	var cred access.Credential
	if err := sonic.Unmarshal(rec.Body.Bytes(), &cred); err != nil {
		t.Fatalf("unmarshal credential: %v", err)
	}
	if cred.Role != domain.RoleBroadcaster {
		t.Fatalf("expected broadcaster role, got %q", cred.Role)
	}
}

func TestPostJoinGeofence(t *testing.T) {
	store := newFakeStore()
	seedLiveSession(store, domain.AccessPublic)
	store.events["ev1"].GeoRestricted = true
	store.rules["event:ev1"] = []domain.GeofenceRule{
		{TargetType: domain.TargetEvent, TargetID: "ev1", ListType: domain.Allowlist, Regions: []string{"LA", "NY"}},
	}
	cfg := testConfig(store, fakeAuth{userID: "user1"})

	rec := doJoin(t, cfg, `{"sessionId":"sess1","geo":{"state":"LA"}}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for allowlisted region, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJoin(t, cfg, `{"sessionId":"sess1","geo":{"state":"TX"}}`, "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 outside allowlist, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "geofence_denied") {
		t.Fatalf("expected geofence_denied, got %s", rec.Body.String())
	}
}

func TestPostJoinRejectsBadBodies(t *testing.T) {
	store := newFakeStore()
	seedLiveSession(store, domain.AccessPublic)
	cfg := testConfig(store, fakeAuth{userID: "user1"})

	for _, body := range []string{
		`{`,
		`{}`,
		`{"sessionId":"sess1","surprise":true}`,
		`{"sessionId":"sess1","role":"admin"}`,
	} {
		rec := doJoin(t, cfg, body, "")
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %q: expected 400, got %d", body, rec.Code)
		}
	}
}

func TestPostJoinAuthFailure(t *testing.T) {
	store := newFakeStore()
	seedLiveSession(store, domain.AccessPublic)
	cfg := testConfig(store, fakeAuth{err: errors.New("bad token")})

	rec := doJoin(t, cfg, `{"sessionId":"sess1"}`, "Bearer broken")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func doTransition(t *testing.T, cfg Config, path, eventID string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	Register(e, cfg)
	req := httptest.NewRequest(http.MethodPost, "/api/events/"+eventID+"/"+path, nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer abc")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestTransitionOwnerOnly(t *testing.T) {
	store := newFakeStore()
	store.events["ev1"] = &domain.Event{ID: "ev1", OwnerID: "owner1", State: domain.StateDraft}

	rec := doTransition(t, testConfig(store, fakeAuth{userID: "intruder"}), "pre-live", "ev1")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-owner, got %d", rec.Code)
	}

	rec = doTransition(t, testConfig(store, fakeAuth{userID: "owner1"}), "pre-live", "ev1")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for owner, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp eventResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Phase != string(domain.PhasePreLive) || resp.Status != string(domain.StatusScheduled) {
		t.Fatalf("unexpected state %s/%s", resp.Phase, resp.Status)
	}
}

func TestTransitionConflict(t *testing.T) {
	store := newFakeStore()
	store.events["ev1"] = &domain.Event{ID: "ev1", OwnerID: "owner1", State: domain.StateDraft}
	cfg := testConfig(store, fakeAuth{userID: "owner1"})

	rec := doTransition(t, cfg, "live", "ev1")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 going live from draft, got %d", rec.Code)
	}
}

func TestTransitionUnknownEvent(t *testing.T) {
	cfg := testConfig(newFakeStore(), fakeAuth{userID: "owner1"})
	rec := doTransition(t, cfg, "cancel", "missing")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestStreamDeliversFanoutPayloads(t *testing.T) {
	cfg := testConfig(newFakeStore(), fakeAuth{userID: "user1"})

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/stream", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer abc")
	ctx, cancel := context.WithCancel(context.Background())
	req = req.WithContext(ctx)
	rec := flushRecorder{httptest.NewRecorder()}
	c := e.NewContext(req, rec)

	errCh := make(chan error, 1)
	go func() { errCh <- streamHandler(cfg)(c) }()

	deadline := time.Now().Add(time.Second)
	for !cfg.Registry.HasConnections("user1") {
		if time.Now().After(deadline) {
			t.Fatal("connection never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cfg.Fanout.NotifyUser("user1", []byte(`{"hello":"world"}`))
	time.Sleep(100 * time.Millisecond)
	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("handler error: %v", err)
	}

	body := rec.Body.String()
	if !strings.HasPrefix(body, ":ok\n\n") {
		t.Fatalf("expected initial comment, got %q", body)
	}
	if !strings.Contains(body, "data: {\"hello\":\"world\"}\n\n") {
		t.Fatalf("expected payload in stream, got %q", body)
	}
	if cfg.Registry.HasConnections("user1") {
		t.Fatal("expected connection to deregister on disconnect")
	}
}

func TestStreamAcceptsTokenQueryParam(t *testing.T) {
	auth := fakeAuth{userID: "user1"}
	cfg := testConfig(newFakeStore(), auth)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/stream?token=abc", nil)
	ctx, cancel := context.WithCancel(context.Background())
	req = req.WithContext(ctx)
	rec := flushRecorder{httptest.NewRecorder()}
	c := e.NewContext(req, rec)

	errCh := make(chan error, 1)
	go func() { errCh <- streamHandler(cfg)(c) }()
	deadline := time.Now().Add(time.Second)
	for !cfg.Registry.HasConnections("user1") {
		if time.Now().After(deadline) {
			t.Fatal("connection never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("handler error: %v", err)
	}
}

func doNotify(t *testing.T, cfg Config, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	Register(e, cfg)
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestNotifyRequiresSharedToken(t *testing.T) {
	cfg := testConfig(newFakeStore(), fakeAuth{userID: "user1"})

	if rec := doNotify(t, cfg, "/internal/notify", `{"userId":"user1"}`, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	if rec := doNotify(t, cfg, "/internal/notify", `{"userId":"user1"}`, "wrong"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", rec.Code)
	}
}

func TestNotifyDeliversToConnections(t *testing.T) {
	cfg := testConfig(newFakeStore(), fakeAuth{userID: "user1"})
	h := cfg.Registry.Register("user1", "conn1", "")
	defer cfg.Registry.Deregister("user1", "conn1")

	rec := doNotify(t, cfg, "/internal/notify", `{"userId":"user1","payload":{"kind":"notification","data":{"id":"n1"}}}`, "notify-token")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	select {
	case msg := <-h.Messages():
		if !strings.Contains(string(msg), `"kind":"notification"`) {
			t.Fatalf("unexpected payload %s", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("no payload delivered")
	}
}

func TestNotifyUnreadCount(t *testing.T) {
	cfg := testConfig(newFakeStore(), fakeAuth{userID: "user1"})
	h := cfg.Registry.Register("user1", "conn1", "")
	defer cfg.Registry.Deregister("user1", "conn1")

	rec := doNotify(t, cfg, "/internal/notify/unread", `{"userId":"user1","count":3}`, "notify-token")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	select {
	case msg := <-h.Messages():
		if !strings.Contains(string(msg), `"kind":"unread-count"`) || !strings.Contains(string(msg), `"count":3`) {
			t.Fatalf("unexpected payload %s", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("no payload delivered")
	}

	if rec := doNotify(t, cfg, "/internal/notify/unread", `{"userId":"","count":1}`, "notify-token"); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty user, got %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	cfg := testConfig(newFakeStore(), fakeAuth{userID: "user1"})
	e := echo.New()
	Register(e, cfg)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
