package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"chatlog/cmd/internal/archive"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestApp(t *testing.T) *App {
	t.Helper()

	a, err := New(context.Background(), validConfig(t), discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func seed(t *testing.T, st archive.Store, channel, user, text string, at time.Time) {
	t.Helper()

	err := st.Insert(context.Background(), archive.Message{
		ID:        uuid.New(),
		Channel:   channel,
		RoomID:    1,
		UserID:    2,
		Username:  user,
		Text:      text,
		Timestamp: at,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := validConfig(t)
	cfg.Search.MaxRows = 0
	if _, err := New(context.Background(), cfg, discardLogger()); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestHandler_HealthAndReadiness(t *testing.T) {
	a := newTestApp(t)
	h := a.Handler()

	for path, want := range map[string]string{"/healthz": "ok\n", "/readyz": "ready\n"} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: status=%d", path, rr.Code)
		}
		if rr.Body.String() != want {
			t.Fatalf("%s: body=%q want %q", path, rr.Body.String(), want)
		}
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "chatlog_") {
		t.Fatalf("/metrics: status=%d", rr.Code)
	}
}

func TestHandler_SearchRoute(t *testing.T) {
	a := newTestApp(t)
	at := time.Date(2024, 3, 9, 13, 4, 5, 0, time.UTC)
	seed(t, a.store, "forsen", "alice", "hello", at)
	seed(t, a.store, "forsen", "bob", "hi", at.Add(time.Second))

	h := a.Handler()

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/search/Forsen?user=ALICE", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if got, want := rr.Body.String(), "[13:04:05] <alice> hello\n"; got != want {
		t.Fatalf("body=%q want %q", got, want)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/search/forsen?limit=1001", nil))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("oversized limit: status=%d", rr.Code)
	}
	var body struct {
		Status int    `json:"status"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != http.StatusBadRequest {
		t.Fatalf("body=%+v", body)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	a := newTestApp(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}

func TestRunRollupOnce_SQLite(t *testing.T) {
	cfg := validConfig(t)
	cfg.Database.SQLitePath = filepath.Join(t.TempDir(), "archive.db")
	cfg.Database.AutoMigrate = true
	log := discardLogger()
	ctx := context.Background()

	st, err := openStore(ctx, cfg.Database, log)
	if err != nil {
		t.Fatalf("openStore: %v", err)
	}
	if st.kind != "sqlite" {
		t.Fatalf("kind=%q", st.kind)
	}
	if err := migrate(ctx, st, log); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	day := time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC)
	seed(t, st, "forsen", "alice", "first", day.Add(time.Hour))
	seed(t, st, "forsen", "bob", "next day", day.Add(25*time.Hour))
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if err := runRollupOnce(ctx, cfg, log, "2024-03-09"); err != nil {
		t.Fatalf("runRollupOnce: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(cfg.Rollup.Dir, "forsen_2024-03-09.log"))
	if err != nil {
		t.Fatalf("read rollup: %v", err)
	}
	if want := "[01:00:00] <alice> first\n"; string(got) != want {
		t.Fatalf("rollup=%q want %q", got, want)
	}

	if err := runRollupOnce(ctx, cfg, log, "09/03/2024"); err == nil {
		t.Fatalf("expected a date parse error")
	}
}

func TestRootCmd_Migrate(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "data", "archive.db")
	cfgPath := filepath.Join(dir, "chatlog.yaml")
	yaml := "log:\n  level: error\ndatabase:\n  sqlite_path: " + dbPath + "\nrollup:\n  timezone: UTC\n"
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	root := newRootCmd()
	root.SetArgs([]string{"--config", cfgPath, "migrate"})
	root.SetOut(io.Discard)
	if err := root.Execute(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Fatalf("database file not created: %v", err)
	}

	for _, name := range []string{"serve", "rollup", "migrate"} {
		if cmd, _, err := root.Find([]string{name}); err != nil || cmd.Name() != name {
			t.Fatalf("missing subcommand %q", name)
		}
	}
}
