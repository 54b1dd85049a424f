package app_test

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"crawlerd/internal/app"
	"crawlerd/internal/crawler"
)

func TestMain(m *testing.M) { goleak.VerifyTestMain(m) }

type fixture struct {
	dir     string
	cfgPath string
	logPath string
	sh      string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	dir := t.TempDir()
	f := &fixture{
		dir:     dir,
		cfgPath: filepath.Join(dir, "crawlerd.yaml"),
		logPath: filepath.Join(dir, "crawlerd.log"),
		sh:      sh,
	}
	f.script(t, "a", "echo ok\n")
	return f
}

func (f *fixture) script(t *testing.T, job, body string) {
	t.Helper()
	p := filepath.Join(f.dir, crawler.AssetDir, job, "main.sh")
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
}

func (f *fixture) config(t *testing.T, interval string, runOnStart bool, jobs ...string) {
	t.Helper()
	body := fmt.Sprintf(`logging:
  level: debug
  console: false
  file: { enabled: true, path: %q }
scheduler:
  enabled: true
  interval: %s
  run_on_start: %t
crawler:
  interpreter: %q
  base_dir: %q
  jobs:
`, f.logPath, interval, runOnStart, f.sh, f.dir)
	for _, j := range jobs {
		body += fmt.Sprintf("    - { name: %s, script: main.sh }\n", j)
	}
	require.NoError(t, os.WriteFile(f.cfgPath, []byte(body), 0o644))
}

func (f *fixture) logs(t *testing.T) string {
	t.Helper()
	b, err := os.ReadFile(f.logPath)
	require.NoError(t, err)
	return string(b)
}

func TestStartRunsImmediateTick(t *testing.T) {
	f := newFixture(t)
	f.config(t, "1h", true, "a")

	a, err := app.NewApp(f.cfgPath)
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.Start(t.Context()))
	require.True(t, a.Scheduler().Armed())
	require.Eventually(t, func() bool { return len(a.Scheduler().Snapshot()) == 1 }, 10*time.Second, 20*time.Millisecond)

	require.NoError(t, a.Stop(t.Context()))
	require.False(t, a.Scheduler().Armed())
	require.NoError(t, a.Drain(t.Context()))
	require.NoError(t, a.Close())

	logs := f.logs(t)
	require.Contains(t, logs, `"message":"crawler service started"`)
	require.Contains(t, logs, `"message":"crawler succeeded"`)
	require.Contains(t, logs, `"stdout":"ok\n"`)
	require.Contains(t, logs, `"message":"crawler service stopped"`)
}

func TestStopAndCloseAreIdempotent(t *testing.T) {
	f := newFixture(t)
	f.config(t, "1h", false, "a")

	a, err := app.NewApp(f.cfgPath)
	require.NoError(t, err)
	require.NoError(t, a.Stop(t.Context()))

	require.NoError(t, a.Start(t.Context()))
	require.NoError(t, a.Stop(t.Context()))
	require.NoError(t, a.Stop(t.Context()))
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	require.Error(t, a.Start(t.Context()))
}

func TestHotReload(t *testing.T) {
	f := newFixture(t)
	f.script(t, "b", "echo b\n")
	f.config(t, "1h", false, "a")

	a, err := app.NewApp(f.cfgPath)
	require.NoError(t, err)
	defer a.Close()
	require.NoError(t, a.Start(t.Context()))

	deadline := time.Now().Add(10 * time.Second)
	for a.Scheduler().Interval() != 3*time.Hour {
		if time.Now().After(deadline) {
			t.Fatal("config change not applied")
		}
		f.config(t, "3h", false, "a", "b")
		time.Sleep(100 * time.Millisecond)
	}
	require.Eventually(t, func() bool { return len(a.Config().Jobs()) == 2 }, 5*time.Second, 10*time.Millisecond)
	require.True(t, a.Scheduler().Armed())
	require.Empty(t, a.Scheduler().Snapshot(), "an interval change must not fire a tick")

	report, err := a.RunOnce(t.Context())
	require.NoError(t, err)
	require.Len(t, report.Results, 2)
	require.Zero(t, report.Failed())

	require.NoError(t, a.Stop(t.Context()))
}

func TestRunOnceReportsMissingScripts(t *testing.T) {
	f := newFixture(t)
	f.config(t, "2h", true, "a", "missing")

	a, err := app.NewApp(f.cfgPath)
	require.NoError(t, err)
	defer a.Close()

	report, err := a.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Results, 2)
	require.True(t, report.Results[0].OK())
	require.Equal(t, crawler.StatusResolutionFailed, report.Results[1].Status)
	require.False(t, a.Scheduler().Armed(), "RunOnce never arms the timer")
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "crawlerd.yaml")
	require.NoError(t, os.WriteFile(p, []byte("scheduler:\n  interval: -1h\n"), 0o644))
	_, err := app.NewApp(p)
	require.Error(t, err)
}
