package daemon

import (
	"context"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/net/nettest"

	"firestige.xyz/rom/internal/command"
	"firestige.xyz/rom/internal/core"
	"firestige.xyz/rom/internal/whitelist"
)

var lanIface = whitelist.StaticSource(whitelist.InterfaceAddr{
	Iface:     "wlan0",
	Addr:      netip.MustParseAddr("10.1.1.1"),
	Broadcast: netip.MustParseAddr("10.1.255.255"),
})

type fixture struct {
	dir        string
	configPath string
	socketPath string
	pidFile    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sock, err := nettest.LocalPath()
	require.NoError(t, err)
	t.Cleanup(func() { os.Remove(sock) })
	dir := t.TempDir()
	return &fixture{
		dir:        dir,
		configPath: filepath.Join(dir, "rom.yml"),
		socketPath: sock,
		pidFile:    filepath.Join(dir, "rom.pid"),
	}
}

func (f *fixture) write(t *testing.T, gateway bool, extra string) {
	t.Helper()
	gw := "false"
	if gateway {
		gw = "true"
	}
	content := `
rom:
  node:
    hostname: test-node-01
    gateway: ` + gw + `
  whitelist:
    subnets: ["192.168.50.0/24"]
  log:
    level: debug
    format: pattern
  metrics:
    enabled: false
` + extra
	require.NoError(t, os.WriteFile(f.configPath, []byte(content), 0644))
}

func TestDaemonStartStop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := newFixture(t)
	f.write(t, false, "")

	d, err := New(f.configPath, f.socketPath, f.pidFile, WithInterfaceSource(lanIface))
	require.NoError(t, err)
	require.NoError(t, d.Start())

	assert.FileExists(t, f.pidFile)
	assert.FileExists(t, f.socketPath)
	assert.Equal(t, f.socketPath, d.SocketPath())

	ctx := context.Background()
	client := command.NewUDSClient(f.socketPath, 2*time.Second)
	require.NoError(t, client.Ping(ctx))

	dst, err := core.ParseAddressMask("10.9.0.0/16")
	require.NoError(t, err)
	require.NoError(t, client.AddRoute(ctx, dst))
	routes, err := client.RouteDump(ctx)
	require.NoError(t, err)
	assert.Equal(t, []core.AddressMask{dst}, routes)

	require.NoError(t, d.Stop())
	require.NoError(t, d.Stop())

	assert.NoFileExists(t, f.pidFile)
	assert.NoFileExists(t, f.socketPath)
}

func TestDaemonRunUntilShutdown(t *testing.T) {
	f := newFixture(t)
	f.write(t, false, "")

	d, err := New(f.configPath, f.socketPath, f.pidFile, WithInterfaceSource(lanIface))
	require.NoError(t, err)
	require.NoError(t, d.Start())

	runDone := make(chan error, 1)
	go func() { runDone <- d.Run() }()

	d.TriggerShutdown()
	select {
	case err := <-runDone:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop within timeout")
	}
	assert.NoFileExists(t, f.pidFile)
	assert.NoFileExists(t, f.socketPath)
}

func TestDaemonReloadGateway(t *testing.T) {
	f := newFixture(t)
	f.write(t, false, "")

	d, err := New(f.configPath, f.socketPath, f.pidFile, WithInterfaceSource(lanIface))
	require.NoError(t, err)
	require.NoError(t, d.Start())
	t.Cleanup(func() { _ = d.Stop() })
	assert.False(t, d.Engine().Gateway())

	f.write(t, true, "  routes:\n    capacity: 16\n")
	require.NoError(t, d.Reload())
	assert.True(t, d.Engine().Gateway())
	assert.True(t, d.Config().Node.Gateway)
	assert.Equal(t, 16, d.Config().Routes.Capacity)
}

func TestDaemonReloadBadConfig(t *testing.T) {
	f := newFixture(t)
	f.write(t, true, "")

	d, err := New(f.configPath, f.socketPath, f.pidFile, WithInterfaceSource(lanIface))
	require.NoError(t, err)
	require.NoError(t, d.Start())
	t.Cleanup(func() { _ = d.Stop() })

	require.NoError(t, os.WriteFile(f.configPath, []byte("rom:\n  log:\n    level: loud\n"), 0644))
	assert.Error(t, d.Reload())
	assert.True(t, d.Engine().Gateway())
}

func TestDaemonStartFailureCleansUp(t *testing.T) {
	f := newFixture(t)
	f.write(t, false, `  reporters:
    - type: kafka
      options:
        brokers: ["localhost:9092"]
        topic: rom
        compression: brotli
`)

	d, err := New(f.configPath, f.socketPath, f.pidFile, WithInterfaceSource(lanIface))
	require.NoError(t, err)
	assert.ErrorContains(t, d.Start(), "reporters[0]")
	assert.NoFileExists(t, f.pidFile)
	assert.NoFileExists(t, f.socketPath)
}

func TestNewMissingConfig(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "absent.yml"), "", "")
	assert.ErrorContains(t, err, "failed to load config")
}

func TestNewUsesConfiguredPaths(t *testing.T) {
	f := newFixture(t)
	f.write(t, false, "  control:\n    socket: /tmp/rom-configured.sock\n    pid_file: /tmp/rom-configured.pid\n")

	d, err := New(f.configPath, "", "")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/rom-configured.sock", d.SocketPath())
	assert.Equal(t, "/tmp/rom-configured.pid", d.pidFile)
}
