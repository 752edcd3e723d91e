package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/matheus3301/wpp-relay/internal/config"
	"github.com/matheus3301/wpp-relay/internal/gateway"
	"github.com/matheus3301/wpp-relay/internal/lock"
	"github.com/matheus3301/wpp-relay/internal/status"
	"github.com/matheus3301/wpp-relay/internal/store"
	"github.com/matheus3301/wpp-relay/internal/task"
)

// tempDataDir uses /tmp for short socket paths (macOS 104-char limit).
func tempDataDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "relay-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

func testParams(t *testing.T) Params {
	cfg := config.Default()
	cfg.DataDir = tempDataDir(t)
	cfg.Log.Level = "warn"
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.Accounts = []config.AccountConfig{
		{ID: "main", Instance: "main-inst", Name: "Main"},
		{ID: "work", Instance: "work-inst", BaseURL: "http://127.0.0.1:1"},
	}
	return Params{Config: cfg}
}

func healthCheck(t *testing.T, socketPath, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		t.Fatalf("health Check(%q) error = %v", service, err)
	}
	return resp.GetStatus()
}

// TestFxModuleWiring verifies the fx dependency graph resolves without errors.
func TestFxModuleWiring(t *testing.T) {
	if err := fx.ValidateApp(Module(testParams(t)), fx.NopLogger); err != nil {
		t.Fatalf("ValidateApp() error = %v", err)
	}
}

func TestDaemonLifecycle(t *testing.T) {
	p := testParams(t)

	var (
		machine *status.Machine
		db      *store.DB
	)
	app := fxtest.New(t, Module(p), fx.NopLogger, fx.Populate(&machine, &db))
	app.RequireStart()

	if machine.Current() != status.Ready {
		t.Fatalf("state after start = %s, want READY", machine.Current())
	}
	if got := healthCheck(t, p.Config.SocketPath(), ""); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("health = %v, want SERVING", got)
	}
	if got := healthCheck(t, p.Config.SocketPath(), ServiceName); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("health(%s) = %v, want SERVING", ServiceName, got)
	}

	accounts, err := db.ListAccounts(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(accounts) != 2 || accounts[0].Instance != "main-inst" {
		t.Errorf("seeded accounts = %+v", accounts)
	}

	// A second daemon on the same data dir must not start.
	if _, err := lock.Acquire(p.Config.DataDir); err == nil {
		t.Fatal("lock acquired while daemon running")
	} else {
		var held *lock.LockHeldError
		if !errors.As(err, &held) {
			t.Errorf("expected LockHeldError, got %v", err)
		}
	}

	app.RequireStop()

	if machine.Current() != status.Draining {
		t.Errorf("state after stop = %s, want DRAINING", machine.Current())
	}
	if _, err := os.Stat(p.Config.SocketPath()); !os.IsNotExist(err) {
		t.Errorf("socket still present after stop: %v", err)
	}
	l, err := lock.Acquire(p.Config.DataDir)
	if err != nil {
		t.Fatalf("lock not released after stop: %v", err)
	}
	_ = l.Release()
}

func TestControlServerFollowsMachine(t *testing.T) {
	dir := tempDataDir(t)
	socketPath := filepath.Join(dir, "c.sock")
	cfg := config.Default()
	cfg.DataDir = dir

	machine := status.NewMachine(nil)
	srv, err := NewControlServer(Params{Config: cfg, SocketPath: socketPath}, machine, zap.NewNop())
	if err != nil {
		t.Fatalf("NewControlServer() error = %v", err)
	}
	go func() { _ = srv.Start() }()
	defer srv.Stop(context.Background())

	info, err := os.Stat(socketPath)
	if err != nil {
		t.Fatalf("socket not created at %s: %v", socketPath, err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("socket permission = %o, want 0600", perm)
	}

	if got := healthCheck(t, socketPath, ""); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("health while booting = %v, want NOT_SERVING", got)
	}
	_ = machine.Transition(status.Ready)
	if got := healthCheck(t, socketPath, ""); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("health when ready = %v, want SERVING", got)
	}
	_ = machine.Transition(status.Draining)
	if got := healthCheck(t, socketPath, ServiceName); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("health while draining = %v, want NOT_SERVING", got)
	}
}

func TestProvideGatewaysPerAccountOverride(t *testing.T) {
	p := testParams(t)
	reg := provideGateways(p, zap.NewNop())

	def, err := reg.ClientFor("main")
	if err != nil {
		t.Fatal(err)
	}
	work, err := reg.ClientFor("work")
	if err != nil {
		t.Fatal(err)
	}
	if def == work {
		t.Error("account with base_url override shares the default client")
	}
	if _, ok := work.(*gateway.HTTPClient); !ok {
		t.Errorf("client type = %T, want *gateway.HTTPClient", work)
	}
	other, err := reg.ClientFor("unconfigured")
	if err != nil || other != def {
		t.Errorf("unconfigured account = %v, %v; want default client", other, err)
	}
}

func TestReportTaskFailures(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	runner := task.NewRunner(1, time.Second, nil)

	done := make(chan struct{})
	go func() {
		reportTaskFailures(runner.Errors(), zap.New(core))
		close(done)
	}()

	runner.Go("reconcile", func(context.Context) error { return errors.New("boom") })
	if err := runner.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reporter did not exit after runner stop")
	}

	entries := logs.FilterMessage("background task failed").All()
	if len(entries) != 1 {
		t.Fatalf("logged %d failures, want 1", len(entries))
	}
	if got := entries[0].ContextMap()["task"]; got != "reconcile" {
		t.Errorf("task field = %v", got)
	}
}
