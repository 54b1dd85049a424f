package systemd_test

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"crawlerd/pkg/systemd"
)

func TestNotifyWithoutSocket(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	ok, err := systemd.Ready()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestNotifyDelivers(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "notify.sock")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: sock, Net: "unixgram"})
	if err != nil {
		t.Skipf("skipped, unix datagram sockets unavailable: %v", err)
	}
	defer conn.Close()
	t.Setenv("NOTIFY_SOCKET", sock)

	ok, err := systemd.Status("2 ok, 0 failed")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 256)
	n, _, err := conn.ReadFromUnix(buf)
	require.NoError(t, err)
	require.Equal(t, "STATUS=2 ok, 0 failed", string(buf[:n]))
}

func TestWatchdogInterval(t *testing.T) {
	t.Setenv("WATCHDOG_USEC", "")
	require.Zero(t, systemd.WatchdogInterval())

	t.Setenv("WATCHDOG_USEC", "4000000")
	t.Setenv("WATCHDOG_PID", "")
	require.Equal(t, 2*time.Second, systemd.WatchdogInterval())
}
