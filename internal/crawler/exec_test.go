package crawler_test

import (
	"context"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"crawlerd/internal/crawler"
)

func shell(t *testing.T) string {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	return sh
}

// script writes body into <dir>/<name> and returns it resolved.
func script(t *testing.T, dir, name, body string) crawler.Resolved {
	t.Helper()
	path := filepath.Join(dir, name)
	writeFile(t, path, body)
	return crawler.Resolved{
		Job:     crawler.Job{Name: filepath.Base(dir), Script: name},
		Script:  path,
		WorkDir: dir,
	}
}

func TestExecuteSuccess(t *testing.T) {
	t.Parallel()
	ex := crawler.Executor{Interpreter: shell(t)}
	r := script(t, t.TempDir(), "main.sh", "echo ok\n")

	res := ex.Execute(t.Context(), r)
	require.Equal(t, crawler.StatusSucceeded, res.Status, "stderr: %s", res.Stderr)
	require.True(t, res.OK())
	require.Equal(t, 0, res.ExitCode)
	require.Equal(t, "ok\n", res.Stdout)
	require.Empty(t, res.Stderr)
	require.NoError(t, res.Err)
	require.Equal(t, r.Job, res.Job)
	require.NotZero(t, res.Started)
	require.Equal(t, "ok", res.Summary())
}

func TestExecuteNonZeroExit(t *testing.T) {
	t.Parallel()
	ex := crawler.Executor{Interpreter: shell(t)}
	r := script(t, t.TempDir(), "main.sh", "echo partial\necho bad 1>&2\nexit 3\n")

	res := ex.Execute(t.Context(), r)
	require.Equal(t, crawler.StatusRuntimeFailed, res.Status)
	require.Equal(t, 3, res.ExitCode)
	require.Equal(t, "bad\n", res.Stderr)
	require.Equal(t, "partial\n", res.Stdout)
	require.NoError(t, res.Err)
	require.Equal(t, "exit 3: bad", res.Summary())
}

func TestExecuteWorkingDirectory(t *testing.T) {
	t.Parallel()
	ex := crawler.Executor{Interpreter: shell(t)}
	dir := filepath.Join(t.TempDir(), "with space")
	r := script(t, dir, "main.sh", "pwd -P\n")

	res := ex.Execute(t.Context(), r)
	require.True(t, res.OK(), "stderr: %s", res.Stderr)
	want, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	require.Equal(t, want, strings.TrimSpace(res.Stdout))
}

func TestExecuteEnv(t *testing.T) {
	t.Parallel()
	ex := crawler.Executor{Interpreter: shell(t), Env: []string{"CRAWLERD_TEST=42"}}
	r := script(t, t.TempDir(), "main.sh", "printf %s \"$CRAWLERD_TEST\"\n")

	res := ex.Execute(t.Context(), r)
	require.True(t, res.OK())
	require.Equal(t, "42", res.Stdout)
}

func TestExecuteLargeOutput(t *testing.T) {
	t.Parallel()
	ex := crawler.Executor{Interpreter: shell(t)}
	// Both streams well beyond a pipe buffer: sequential reads would deadlock.
	body := "i=0\nwhile [ $i -lt 20000 ]; do\n  echo 'stderr line padding padding padding padding' 1>&2\n  echo 'stdout line padding padding padding padding'\n  i=$((i+1))\ndone\n"
	r := script(t, t.TempDir(), "main.sh", body)

	ctx, cancel := context.WithTimeout(t.Context(), 30*time.Second)
	defer cancel()
	res := ex.Execute(ctx, r)
	require.True(t, res.OK(), "err: %v", res.Err)
	require.Equal(t, 20000, strings.Count(res.Stdout, "\n"))
	require.Equal(t, 20000, strings.Count(res.Stderr, "\n"))
}

func TestExecuteLaunchFailure(t *testing.T) {
	t.Parallel()
	ex := crawler.Executor{Interpreter: "crawlerd-no-such-interpreter"}
	r := script(t, t.TempDir(), "main.py", "")

	res := ex.Execute(t.Context(), r)
	require.Equal(t, crawler.StatusLaunchFailed, res.Status)
	require.Equal(t, -1, res.ExitCode)
	var execErr *exec.Error
	require.ErrorAs(t, res.Err, &execErr)
	require.Equal(t, "crawlerd-no-such-interpreter", execErr.Name)
}

func TestExecuteTimeout(t *testing.T) {
	t.Parallel()
	ex := crawler.Executor{Interpreter: shell(t), Timeout: 100 * time.Millisecond}
	r := script(t, t.TempDir(), "main.sh", "exec sleep 10\n")

	res := ex.Execute(t.Context(), r)
	require.Equal(t, crawler.StatusRuntimeFailed, res.Status)
	require.ErrorIs(t, res.Err, crawler.ErrTimeout)
	require.Positive(t, res.Duration)
	require.Less(t, res.Duration, 5*time.Second)
}

func TestExecuteTimeoutKillsChildren(t *testing.T) {
	t.Parallel()
	ex := crawler.Executor{Interpreter: shell(t), Timeout: 100 * time.Millisecond}
	// sleep runs as a child of sh and inherits its stdout.
	r := script(t, t.TempDir(), "main.sh", "sleep 5\necho done\n")

	res := ex.Execute(t.Context(), r)
	require.Equal(t, crawler.StatusRuntimeFailed, res.Status)
	require.ErrorIs(t, res.Err, crawler.ErrTimeout)
	require.NotContains(t, res.Stdout, "done")
	require.Less(t, res.Duration, 3*time.Second)
}

func TestExecuteRecordsDuration(t *testing.T) {
	t.Parallel()
	ex := crawler.Executor{Interpreter: shell(t)}
	r := script(t, t.TempDir(), "main.sh", "sleep 0.2\n")

	res := ex.Execute(t.Context(), r)
	require.True(t, res.OK(), "stderr: %s", res.Stderr)
	require.GreaterOrEqual(t, res.Duration, 150*time.Millisecond)
	require.False(t, res.Started.IsZero())
}

func TestCommandLine(t *testing.T) {
	t.Parallel()
	ex := crawler.Executor{}
	got := ex.CommandLine(crawler.Resolved{Script: "/opt/my crawlers/main.py"})
	require.Equal(t, `python '/opt/my crawlers/main.py'`, got)
}

func TestUnresolved(t *testing.T) {
	t.Parallel()
	job := crawler.Job{Name: "a", Script: "main.py"}
	res := crawler.Unresolved(job, crawler.ErrScriptNotFound)
	require.Equal(t, crawler.StatusResolutionFailed, res.Status)
	require.False(t, res.OK())
	require.Equal(t, crawler.ErrScriptNotFound.Error(), res.Summary())
}
