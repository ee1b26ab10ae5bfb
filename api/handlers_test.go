package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"go.opentelemetry.io/otel/trace"

	"github.com/ericbjones/clean-invaders/catalog"
	"github.com/ericbjones/clean-invaders/domain"
	"github.com/ericbjones/clean-invaders/hub"
	"github.com/ericbjones/clean-invaders/storage"
)

type mockStore struct {
	mu    sync.Mutex
	err   error
	snap  domain.Snapshot
	calls []string
	keys  []domain.Key

	progress   map[domain.Key]int
	assignment map[domain.Key]int
	hidden     map[domain.RoomKey]bool
}

func newMockStore() *mockStore {
	return &mockStore{
		progress:   map[domain.Key]int{},
		assignment: map[domain.Key]int{},
		hidden:     map[domain.RoomKey]bool{},
	}
}

func (m *mockStore) record(call string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
	return m.err
}

func (m *mockStore) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *mockStore) UpsertProgress(ctx context.Context, key domain.Key, p int) (int, error) {
	if err := m.record("UpsertProgress"); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progress[key] = p
	return p, nil
}

func (m *mockStore) UpsertAssignment(ctx context.Context, key domain.Key, a int) (int, error) {
	if err := m.record("UpsertAssignment"); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignment[key] = a
	return a, nil
}

func (m *mockStore) ToggleRoomHidden(ctx context.Context, floor, room string) (bool, error) {
	if err := m.record("ToggleRoomHidden"); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rk := domain.RoomKey{Floor: floor, Room: room}
	m.hidden[rk] = !m.hidden[rk]
	return m.hidden[rk], nil
}

func (m *mockStore) ResetRoomProgress(ctx context.Context, floor, room string) error {
	return m.record("ResetRoomProgress")
}

func (m *mockStore) ResetAll(ctx context.Context, keys []domain.Key) error {
	if err := m.record("ResetAll"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = keys
	return nil
}

func (m *mockStore) ResetAllHidden(ctx context.Context) error {
	return m.record("ResetAllHidden")
}

func (m *mockStore) Snapshot(ctx context.Context) (domain.Snapshot, error) {
	if err := m.record("Snapshot"); err != nil {
		return nil, err
	}
	return m.snap, nil
}

func (m *mockStore) Ping(ctx context.Context) error { return m.err }

type staticCatalogs struct {
	cat *catalog.Catalog
	err error
}

func (s staticCatalogs) Load() (*catalog.Catalog, error) { return s.cat, s.err }

type recordingNotifier struct {
	mu      sync.Mutex
	changes []domain.Change
}

func (n *recordingNotifier) Notify(change domain.Change) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changes = append(n.changes, change)
}

func (n *recordingNotifier) Changes() []domain.Change {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]domain.Change(nil), n.changes...)
}

func testCatalog() *catalog.Catalog {
	return catalog.New([]catalog.Room{
		{Floor: "upstairs", Key: "bathroom", Tasks: []catalog.TaskDef{{Name: "mirror", Color: "blue"}, {Name: "sink"}}},
		{Floor: "downstairs", Key: "living_room", Tasks: []catalog.TaskDef{{Name: "dust"}}},
	}, map[string]catalog.ColorLabel{"blue": {Name: "Blue", Hex: "#0000ff"}})
}

func nullLogger() *log.Logger {
	logger, _ := test.NewNullLogger()
	return logger
}

type response struct {
	Success    bool           `json:"success"`
	Progress   *int           `json:"progress"`
	Assignment *int           `json:"assignment"`
	Hidden     *bool          `json:"hidden"`
	Error      string         `json:"error"`
	Data       map[string]any `json:"data"`
}

func doRequest(t *testing.T, h echo.HandlerFunc, method, target, body string) (*httptest.ResponseRecorder, response) {
	t.Helper()
	e := echo.New()
	e.JSONSerializer = sonicSerializer{}
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := h(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	var resp response
	if strings.HasPrefix(rec.Header().Get(echo.HeaderContentType), echo.MIMEApplicationJSON) {
		if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode response %q: %v", rec.Body.String(), err)
		}
	}
	return rec, resp
}

func TestUpdateProgressSuccess(t *testing.T) {
	store := newMockStore()
	notifier := &recordingNotifier{}
	h := updateProgress(store, notifier, nullLogger())

	body := `{"floor":"upstairs","room":"bathroom","task":"mirror","progress":50,"client":"tablet"}`
	rec, resp := doRequest(t, h, http.MethodPost, "/api/update_progress", body)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !resp.Success || resp.Progress == nil || *resp.Progress != 50 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Data["client"] != "tablet" || resp.Data["task"] != "mirror" {
		t.Fatalf("request not echoed: %#v", resp.Data)
	}
	key := domain.Key{Floor: "upstairs", Room: "bathroom", Task: "mirror"}
	if store.progress[key] != 50 {
		t.Fatalf("store not updated: %v", store.progress)
	}

	changes := notifier.Changes()
	if len(changes) != 1 {
		t.Fatalf("expected 1 change, got %d", len(changes))
	}
	ch := changes[0]
	if ch.Type != domain.ChangeProgress || ch.Task != "mirror" || ch.Progress == nil || *ch.Progress != 50 {
		t.Fatalf("unexpected change: %+v", ch)
	}
}

func TestUpdateProgressValidation(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantError string
		wantData  bool
	}{
		{name: "missing task", body: `{"floor":"upstairs","room":"bathroom","progress":10}`, wantError: "task is required", wantData: true},
		{name: "missing floor", body: `{"room":"bathroom","task":"mirror","progress":10}`, wantError: "floor is required", wantData: true},
		{name: "missing progress", body: `{"floor":"upstairs","room":"bathroom","task":"mirror"}`, wantError: "progress is required", wantData: true},
		{name: "progress not a number", body: `{"floor":"upstairs","room":"bathroom","task":"mirror","progress":"lots"}`, wantError: "invalid command", wantData: true},
		{name: "malformed json", body: `{"floor":`, wantError: "invalid JSON body"},
		{name: "empty body", body: ``, wantError: "request body is empty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMockStore()
			notifier := &recordingNotifier{}
			h := updateProgress(store, notifier, nullLogger())

			rec, resp := doRequest(t, h, http.MethodPost, "/api/update_progress", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
			if resp.Success {
				t.Fatalf("expected success=false")
			}
			if !strings.Contains(resp.Error, tt.wantError) {
				t.Fatalf("expected error containing %q, got %q", tt.wantError, resp.Error)
			}
			if tt.wantData && resp.Data == nil {
				t.Fatalf("expected request to be echoed")
			}
			if len(store.Calls()) != 0 {
				t.Fatalf("store should not be called, got %v", store.Calls())
			}
			if len(notifier.Changes()) != 0 {
				t.Fatalf("nothing should be broadcast")
			}
		})
	}
}

func TestUpdateProgressStorageError(t *testing.T) {
	store := newMockStore()
	store.err = &domain.StorageError{Op: "update progress", Err: errors.New("database is locked")}
	notifier := &recordingNotifier{}
	h := updateProgress(store, notifier, nullLogger())

	body := `{"floor":"upstairs","room":"bathroom","task":"mirror","progress":50}`
	rec, resp := doRequest(t, h, http.MethodPost, "/api/update_progress", body)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if resp.Success || !strings.Contains(resp.Error, "database is locked") {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Data["task"] != "mirror" {
		t.Fatalf("request not echoed on failure: %#v", resp.Data)
	}
	if len(notifier.Changes()) != 0 {
		t.Fatalf("failed write must not broadcast")
	}
}

func TestUpdateAssignmentSuccess(t *testing.T) {
	store := newMockStore()
	notifier := &recordingNotifier{}
	h := updateAssignment(store, notifier, nullLogger())

	body := `{"floor":"downstairs","room":"living_room","task":"dust","assignment":3}`
	rec, resp := doRequest(t, h, http.MethodPost, "/api/update_assignment", body)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !resp.Success || resp.Assignment == nil || *resp.Assignment != 3 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	changes := notifier.Changes()
	if len(changes) != 1 || changes[0].Type != domain.ChangeAssignment || *changes[0].Assignment != 3 {
		t.Fatalf("unexpected changes: %+v", changes)
	}
}

func TestUpdateAssignmentRequiresAssignment(t *testing.T) {
	store := newMockStore()
	h := updateAssignment(store, nil, nullLogger())

	rec, resp := doRequest(t, h, http.MethodPost, "/api/update_assignment", `{"floor":"upstairs","room":"bathroom","task":"sink"}`)
	if rec.Code != http.StatusBadRequest || resp.Error != "assignment is required" {
		t.Fatalf("unexpected result %d %+v", rec.Code, resp)
	}
}

func TestToggleRoomHidden(t *testing.T) {
	store := newMockStore()
	notifier := &recordingNotifier{}
	h := toggleRoomHidden(store, notifier, nullLogger())

	body := `{"floor":"upstairs","room":"bathroom"}`
	for i, want := range []bool{true, false} {
		rec, resp := doRequest(t, h, http.MethodPost, "/api/toggle_room_hidden", body)
		if rec.Code != http.StatusOK {
			t.Fatalf("toggle %d: expected 200, got %d", i, rec.Code)
		}
		if resp.Hidden == nil || *resp.Hidden != want {
			t.Fatalf("toggle %d: expected hidden=%v, got %+v", i, want, resp.Hidden)
		}
	}
	changes := notifier.Changes()
	if len(changes) != 2 || changes[0].Type != domain.ChangeRoomHidden || !*changes[0].Hidden || *changes[1].Hidden {
		t.Fatalf("unexpected changes: %+v", changes)
	}
}

func TestToggleRoomHiddenRequiresRoom(t *testing.T) {
	store := newMockStore()
	h := toggleRoomHidden(store, nil, nullLogger())

	rec, resp := doRequest(t, h, http.MethodPost, "/api/toggle_room_hidden", `{"floor":"upstairs"}`)
	if rec.Code != http.StatusBadRequest || resp.Error != "room is required" {
		t.Fatalf("unexpected result %d %+v", rec.Code, resp)
	}
	if len(store.Calls()) != 0 {
		t.Fatalf("store should not be called")
	}
}

func TestResetRoom(t *testing.T) {
	store := newMockStore()
	notifier := &recordingNotifier{}
	h := resetRoom(store, notifier, nullLogger())

	rec, resp := doRequest(t, h, http.MethodPost, "/api/reset_room", `{"floor":"upstairs","room":"bathroom"}`)
	if rec.Code != http.StatusOK || !resp.Success {
		t.Fatalf("unexpected result %d %+v", rec.Code, resp)
	}
	if got := store.Calls(); len(got) != 1 || got[0] != "ResetRoomProgress" {
		t.Fatalf("unexpected calls: %v", got)
	}
	changes := notifier.Changes()
	if len(changes) != 1 || changes[0] != (domain.Change{Type: domain.ChangeRoomReset, Floor: "upstairs", Room: "bathroom"}) {
		t.Fatalf("unexpected changes: %+v", changes)
	}
}

func TestResetTasksUsesFreshCatalog(t *testing.T) {
	store := newMockStore()
	notifier := &recordingNotifier{}
	h := resetTasks(store, staticCatalogs{cat: testCatalog()}, notifier, nullLogger())

	rec, resp := doRequest(t, h, http.MethodPost, "/api/reset_tasks", "")
	if rec.Code != http.StatusOK || !resp.Success {
		t.Fatalf("unexpected result %d %+v", rec.Code, resp)
	}
	if len(store.keys) != 3 {
		t.Fatalf("expected 3 catalog keys, got %v", store.keys)
	}
	changes := notifier.Changes()
	if len(changes) != 1 || changes[0].Type != domain.ChangeResetAll {
		t.Fatalf("unexpected changes: %+v", changes)
	}
}

func TestResetTasksConfigErrorLeavesStateAlone(t *testing.T) {
	store := newMockStore()
	notifier := &recordingNotifier{}
	cfgErr := &domain.ConfigError{Path: "config/upstairs", Err: errors.New("missing floor directory")}
	h := resetTasks(store, staticCatalogs{err: cfgErr}, notifier, nullLogger())

	rec, resp := doRequest(t, h, http.MethodPost, "/api/reset_tasks", "")
	if rec.Code != http.StatusInternalServerError || resp.Success {
		t.Fatalf("unexpected result %d %+v", rec.Code, resp)
	}
	if len(store.Calls()) != 0 {
		t.Fatalf("store touched despite config error: %v", store.Calls())
	}
	if len(notifier.Changes()) != 0 {
		t.Fatalf("nothing should be broadcast")
	}
}

func TestResetAllHiddenHandler(t *testing.T) {
	store := newMockStore()
	notifier := &recordingNotifier{}
	h := resetAllHidden(store, notifier, nullLogger())

	rec, resp := doRequest(t, h, http.MethodPost, "/api/reset_all_hidden", "")
	if rec.Code != http.StatusOK || !resp.Success {
		t.Fatalf("unexpected result %d %+v", rec.Code, resp)
	}
	if changes := notifier.Changes(); len(changes) != 1 || changes[0].Type != domain.ChangeResetAllHidden {
		t.Fatalf("unexpected changes: %+v", changes)
	}
}

func TestWritesWithoutNotifier(t *testing.T) {
	store := newMockStore()
	h := updateProgress(store, nil, nullLogger())

	rec, _ := doRequest(t, h, http.MethodPost, "/api/update_progress", `{"floor":"f","room":"r","task":"t","progress":1}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestGetProgressReturnsSnapshot(t *testing.T) {
	store := newMockStore()
	store.snap = domain.Snapshot{
		"upstairs": {
			"bathroom": {Hidden: true, Tasks: map[string]domain.TaskProgress{"mirror": {Progress: 50, Assignment: 1}}},
		},
	}
	h := getProgress(store, nullLogger())

	rec, _ := doRequest(t, h, http.MethodGet, "/api/get_progress", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	want := `{"upstairs":{"bathroom":{"hidden":true,"tasks":{"mirror":{"progress":50,"assignment":1}}}}}`
	if got := strings.TrimSpace(rec.Body.String()); got != want {
		t.Fatalf("unexpected body:\n got %s\nwant %s", got, want)
	}
}

func TestGetProgressStorageError(t *testing.T) {
	store := newMockStore()
	store.err = &domain.StorageError{Op: "snapshot", Err: errors.New("no such table")}
	h := getProgress(store, nullLogger())

	rec, resp := doRequest(t, h, http.MethodGet, "/api/get_progress", "")
	if rec.Code != http.StatusInternalServerError || resp.Success {
		t.Fatalf("unexpected result %d %+v", rec.Code, resp)
	}
}

func TestHealthz(t *testing.T) {
	store := newMockStore()
	rec, _ := doRequest(t, healthz(store), http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	store.err = errors.New("closed")
	rec, _ = doRequest(t, healthz(store), http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestGetCatalog(t *testing.T) {
	rec, _ := doRequest(t, getCatalog(staticCatalogs{cat: testCatalog()}), http.MethodGet, "/api/catalog", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got catalogResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Floors) != 2 || got.Floors[0].Name != "upstairs" || got.Floors[1].Name != "downstairs" {
		t.Fatalf("unexpected floors: %+v", got.Floors)
	}
	living := got.Floors[1].Rooms[0]
	if living.Key != "living_room" || living.Name != "Living Room" {
		t.Fatalf("unexpected room: %+v", living)
	}
	if got.Colors["blue"].Hex != "#0000ff" {
		t.Fatalf("unexpected colors: %+v", got.Colors)
	}
}

func TestRegisterEndToEnd(t *testing.T) {
	logger := nullLogger()
	store, err := storage.Open(filepath.Join(t.TempDir(), "cleaning.db"), logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	cat := testCatalog()
	if err := store.Reconcile(context.Background(), cat.Keys()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	live := hub.New(logger)
	notifier := hub.NewNotifier(live, nil, logger, hub.NotifierConfig{Workers: 1, Buffer: 4})
	listener := &captureClient{id: "listener"}
	live.Register(listener)

	e := echo.New()
	Register(e, Deps{Store: store, Catalogs: staticCatalogs{cat: cat}, Hub: live, Notifier: notifier, Log: logger})

	post := func(path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec
	}

	if rec := post("/api/update_progress", `{"floor":"upstairs","room":"bathroom","task":"mirror","progress":50}`); rec.Code != http.StatusOK {
		t.Fatalf("update progress: %d %s", rec.Code, rec.Body.String())
	}
	if rec := post("/api/toggle_room_hidden", `{"floor":"upstairs","room":"bathroom"}`); rec.Code != http.StatusOK {
		t.Fatalf("toggle: %d %s", rec.Code, rec.Body.String())
	}
	if rec := post("/api/reset_tasks", ``); rec.Code != http.StatusOK {
		t.Fatalf("reset tasks: %d %s", rec.Code, rec.Body.String())
	}
	notifier.Close()

	req := httptest.NewRequest(http.MethodGet, "/api/get_progress", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	var snap domain.Snapshot
	if err := sonic.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	room := snap["upstairs"]["bathroom"]
	if !room.Hidden || room.Tasks["mirror"].Progress != 0 || len(room.Tasks) != 2 {
		t.Fatalf("unexpected room after reset: %+v", room)
	}

	msgs := listener.Messages()
	if len(msgs) != 3 {
		t.Fatalf("expected 3 broadcasts, got %d: %q", len(msgs), msgs)
	}
	var first domain.Change
	if err := sonic.UnmarshalString(msgs[0], &first); err != nil {
		t.Fatalf("decode change: %v", err)
	}
	if first.Type != domain.ChangeProgress || *first.Progress != 50 {
		t.Fatalf("unexpected first change: %+v", first)
	}
}

type captureClient struct {
	id string

	mu   sync.Mutex
	msgs []string
}

func (c *captureClient) ID() string { return c.id }

func (c *captureClient) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, string(payload))
	return nil
}

func (c *captureClient) Messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.msgs...)
}

func TestHandlersPropagateSpanContext(t *testing.T) {
	routes := []struct {
		path string
		body string
		h    func(store Storage) echo.HandlerFunc
	}{
		{"/api/get_progress", "", func(s Storage) echo.HandlerFunc { return getProgress(s, nullLogger()) }},
		{"/api/update_progress", `{"floor":"upstairs","room":"bathroom","task":"mirror","progress":10}`, func(s Storage) echo.HandlerFunc { return updateProgress(s, nil, nullLogger()) }},
		{"/api/update_assignment", `{"floor":"upstairs","room":"bathroom","task":"mirror","assignment":1}`, func(s Storage) echo.HandlerFunc { return updateAssignment(s, nil, nullLogger()) }},
		{"/api/toggle_room_hidden", `{"floor":"upstairs","room":"bathroom"}`, func(s Storage) echo.HandlerFunc { return toggleRoomHidden(s, nil, nullLogger()) }},
		{"/api/reset_room", `{"floor":"upstairs","room":"bathroom"}`, func(s Storage) echo.HandlerFunc { return resetRoom(s, nil, nullLogger()) }},
		{"/api/reset_tasks", "", func(s Storage) echo.HandlerFunc { return resetTasks(s, staticCatalogs{cat: testCatalog()}, nil, nullLogger()) }},
		{"/api/reset_all_hidden", "", func(s Storage) echo.HandlerFunc { return resetAllHidden(s, nil, nullLogger()) }},
	}

	for _, r := range routes {
		t.Run(r.path, func(t *testing.T) {
			exporter := recordSpans(t)
			e := echo.New()
			e.JSONSerializer = sonicSerializer{}
			req := httptest.NewRequest(http.MethodPost, r.path, strings.NewReader(r.body))
			req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			if err := r.h(newMockStore())(c); err != nil {
				t.Fatalf("handler returned error: %v", err)
			}
			if rec.Code != http.StatusOK {
				t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
			}
			sc := trace.SpanFromContext(c.Request().Context()).SpanContext()
			if !sc.IsValid() {
				t.Fatalf("request context carries no span")
			}
			spans := exporter.GetSpans()
			if len(spans) != 1 || spans[0].SpanContext.SpanID() != sc.SpanID() {
				t.Fatalf("request span does not match recorded span: %v", spans)
			}
		})
	}
}
