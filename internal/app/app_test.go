package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/foxzi/mailcast/internal/config"
	"github.com/foxzi/mailcast/internal/db"
	"github.com/foxzi/mailcast/internal/jobs"
	"github.com/foxzi/mailcast/internal/models"
	"github.com/foxzi/mailcast/internal/repository"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	dir := t.TempDir()
	content := `
database:
  path: "` + filepath.Join(dir, "mailcast.db") + `"
logging:
  level: error
  format: text
sandbox:
  path: "` + filepath.Join(dir, "sandbox.db") + `"
retention:
  sandbox: 24h
providers:
  - name: capture
    kind: sandbox
    from_email: news@example.com
    default: true
  - name: office
    kind: outlook
    username: news@example.com
    password: secret
    from_email: news@example.com
    active: false
api:
  enabled: true
  listen_addr: "127.0.0.1:0"
  api_key: test-key
metrics:
  enabled: false
`
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}
	return cfg
}

func TestSeedProviders(t *testing.T) {
	database, err := db.NewMemory()
	if err != nil {
		t.Fatalf("NewMemory() error = %v", err)
	}
	defer database.Close()

	repo := repository.NewProviderRepository(database.DB, nil)
	ctx := context.Background()

	declared := []config.ProviderConfig{
		{Name: "capture", Kind: "sandbox", FromEmail: "a@example.com", Default: true},
		{Name: "office", Kind: "gmail", Username: "a@example.com", Password: "pw", FromEmail: "a@example.com"},
	}

	n, err := SeedProviders(ctx, repo, declared, testLogger())
	if err != nil || n != 2 {
		t.Fatalf("SeedProviders() = %d, %v", n, err)
	}

	first, err := repo.GetByName(ctx, "office")
	if err != nil {
		t.Fatalf("GetByName() error = %v", err)
	}
	if first.Host != "smtp.gmail.com" {
		t.Errorf("Host = %q, want gmail preset", first.Host)
	}
	if err := repo.Increment(ctx, first.ID, repository.ProviderSent); err != nil {
		t.Fatal(err)
	}

	// Seeding again updates in place and keeps counters
	declared[1].MaxPerDay = 42
	if _, err := SeedProviders(ctx, repo, declared, testLogger()); err != nil {
		t.Fatalf("second SeedProviders() error = %v", err)
	}
	again, err := repo.GetByName(ctx, "office")
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != first.ID || again.MaxPerDay != 42 || again.TotalSent != 1 {
		t.Errorf("reseeded provider = id %s max %d sent %d", again.ID, again.MaxPerDay, again.TotalSent)
	}

	def, err := repo.GetDefault(ctx)
	if err != nil || def.Name != "capture" {
		t.Errorf("GetDefault() = %v, %v", def, err)
	}

	bad := []config.ProviderConfig{{Name: "x", Preset: "aol"}}
	if _, err := SeedProviders(ctx, repo, bad, testLogger()); err == nil {
		t.Error("SeedProviders() with unknown preset should fail")
	}
}

func TestOpenCore(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	core, err := Open(ctx, cfg, testLogger(), OpenOptions{})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer core.Close()

	if core.Sandbox == nil {
		t.Fatal("sandbox storage not opened")
	}

	providers, err := core.Providers.List(ctx, models.ProviderListFilter{})
	if err != nil || len(providers) != 2 {
		t.Fatalf("providers = %v, %v", providers, err)
	}

	capture, err := core.Providers.GetByName(ctx, "capture")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := core.Transports.For(capture); err != nil {
		t.Errorf("sandbox transport not registered: %v", err)
	}

	stats, err := core.LogStats(ctx)
	if err != nil {
		t.Fatalf("LogStats() error = %v", err)
	}
	if stats.ActiveProviders != 1 {
		t.Errorf("ActiveProviders = %d, want 1", stats.ActiveProviders)
	}

	tasks := core.Tasks(func(string) {})
	if tasks.Sandbox == nil || tasks.Retention != cfg.Retention.DeliveryLog {
		t.Errorf("tasks = %+v", tasks)
	}
}

func TestOpenSecondProcessWithoutSandbox(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	first, err := Open(ctx, cfg, testLogger(), OpenOptions{})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer first.Close()

	second, err := Open(ctx, cfg, testLogger(), OpenOptions{SkipSeed: true})
	if err != nil {
		t.Fatalf("second Open() error = %v", err)
	}
	defer second.Close()

	if second.Sandbox != nil {
		t.Error("second core should run without the locked sandbox store")
	}
	if second.Tasks(nil).Sandbox != nil {
		t.Error("sandbox task should be left out")
	}
}

func TestNewServeMode(t *testing.T) {
	cfg := testConfig(t)

	a, err := New(cfg, ModeServe, "test")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if a.apiServer == nil || a.scheduler == nil || a.local == nil {
		t.Fatalf("serve mode components missing: api=%v scheduler=%v local=%v", a.apiServer != nil, a.scheduler != nil, a.local != nil)
	}

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	a.apiServer.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"active_providers":1`) {
		t.Errorf("health = %d %s", w.Code, w.Body.String())
	}

	if got := a.scheduler.Tasks(); len(got) == 0 {
		t.Error("no maintenance tasks registered")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
	if err := a.local.Enqueue(ctx, jobs.Job{Kind: jobs.KindStartSend, CampaignID: "c1"}); err == nil {
		t.Error("Enqueue() after Shutdown should fail")
	}
}

func TestNewWorkerModeNeedsBroker(t *testing.T) {
	cfg := testConfig(t)
	if _, err := New(cfg, ModeWorker, "test"); err == nil {
		t.Error("New(ModeWorker) without queue url should fail")
	}
}
