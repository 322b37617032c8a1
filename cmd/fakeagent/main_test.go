package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/fakeagent/internal/ble"
	"github.com/chaz8081/fakeagent/internal/config"
	"github.com/chaz8081/fakeagent/internal/hotkey"
)

// fakeEngine finishes a session a few Status polls after it is triggered.
type fakeEngine struct {
	mu       sync.Mutex
	status   ble.Status
	calls    []string
	polls    int
	outcome  ble.Outcome
	powerAt  int // poll at which PoweredOn flips true
	finishIn int // polls between trigger and session end
	started  int
}

func (f *fakeEngine) trigger(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	if !f.status.PoweredOn || f.status.Busy {
		return
	}
	f.status.Busy = true
	f.status.Sessions++
	f.status.Outcome = ble.OutcomeNone
	f.started = f.polls
}

func (f *fakeEngine) Enroll() { f.trigger("enroll") }
func (f *fakeEngine) Auth()   { f.trigger("auth") }

func (f *fakeEngine) Status() ble.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.polls >= f.powerAt {
		f.status.PoweredOn = true
	}
	if f.status.Busy && f.polls-f.started >= f.finishIn {
		f.status.Outcome = f.outcome
		f.status.Busy = f.outcome == ble.OutcomeStalled
	}
	return f.status
}

func (f *fakeEngine) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func TestDriveFlowCompletes(t *testing.T) {
	eng := &fakeEngine{outcome: ble.OutcomeCompleted, powerAt: 3, finishIn: 2}

	st, err := driveFlow(context.Background(), eng, flowEnroll, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, ble.OutcomeCompleted, st.Outcome)
	assert.False(t, st.Busy)
	assert.Equal(t, 1, st.Sessions)
	assert.Equal(t, []string{"enroll"}, eng.callLog())
}

func TestDriveFlowAuthTriggersAuth(t *testing.T) {
	eng := &fakeEngine{outcome: ble.OutcomeTimedOut, powerAt: 1, finishIn: 1}

	st, err := driveFlow(context.Background(), eng, flowAuth, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, ble.OutcomeTimedOut, st.Outcome)
	assert.Equal(t, []string{"auth"}, eng.callLog())
}

func TestDriveFlowStalled(t *testing.T) {
	eng := &fakeEngine{outcome: ble.OutcomeStalled, powerAt: 1, finishIn: 1}

	st, err := driveFlow(context.Background(), eng, flowEnroll, time.Millisecond)
	require.ErrorIs(t, err, errStalled)
	assert.True(t, st.Busy)
}

func TestDriveFlowNoPower(t *testing.T) {
	eng := &fakeEngine{powerAt: 1 << 30}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := driveFlow(ctx, eng, flowEnroll, time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "bluetooth power")
	assert.Empty(t, eng.callLog(), "no trigger before power on")
}

func TestDriveFlowSessionNeverEnds(t *testing.T) {
	eng := &fakeEngine{outcome: ble.OutcomeCompleted, powerAt: 1, finishIn: 1 << 30}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	st, err := driveFlow(ctx, eng, flowEnroll, time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, st.Busy)
}

func TestStartEngineEnableFailureEndsFlowEarly(t *testing.T) {
	enableErr := errors.New("ble: enable adapter: no radio")
	ctx, stop := startEngine(context.Background(), func(context.Context) error {
		return enableErr
	})

	eng := &fakeEngine{powerAt: 1 << 30}
	start := time.Now()
	_, err := driveFlow(ctx, eng, flowEnroll, time.Millisecond)
	require.ErrorIs(t, err, enableErr)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.ErrorIs(t, stop(), enableErr)
}

func TestStartEngineStop(t *testing.T) {
	ctx, stop := startEngine(context.Background(), func(runCtx context.Context) error {
		<-runCtx.Done()
		return nil
	})

	select {
	case <-ctx.Done():
		t.Fatal("flow context cancelled while the engine is running")
	default:
	}
	require.NoError(t, stop())
	<-ctx.Done()
	assert.ErrorIs(t, context.Cause(ctx), errEngineStopped)
}

func TestForwardHotkeys(t *testing.T) {
	eng := &fakeEngine{powerAt: 1 << 30}
	events := make(chan hotkey.Event, 3)
	events <- hotkey.Event{Action: hotkey.ActionAuth}
	events <- hotkey.Event{Action: hotkey.ActionEnroll}
	events <- hotkey.Event{Action: hotkey.ActionAuth}
	close(events)

	forwardHotkeys(events, eng)
	assert.Equal(t, []string{"auth", "enroll", "auth"}, eng.callLog())
}

func TestEngineOptions(t *testing.T) {
	cfg := config.Default()
	cfg.BLE.ScanTimeout = 5 * time.Second
	cfg.BLE.Peripheral = "AA:BB:CC:DD:EE:FF"
	cfg.Session.AutoEnroll = false
	cfg.Session.TeardownOnTransportError = false

	opts := engineOptions(cfg)
	assert.Equal(t, 5*time.Second, opts.ScanTimeout)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", opts.Peripheral)
	assert.False(t, opts.AutoEnroll)
	assert.False(t, opts.TeardownOnTransportError)
	assert.Equal(t, ble.DefaultOptions().QueueSize, opts.QueueSize)

	aopts := adapterOptions(cfg)
	assert.Equal(t, cfg.BLE.ConnectTimeout, aopts.ConnectTimeout)
	assert.Equal(t, cfg.BLE.WriteWithResponse, aopts.WriteWithResponse)
}

func TestHotkeyBindings(t *testing.T) {
	bindings := hotkeyBindings(config.Default())
	require.Len(t, bindings, 2)
	assert.Equal(t, "enroll=ctrl+shift+e", bindings[0].String())
	assert.Equal(t, "auth=ctrl+shift+a", bindings[1].String())
}

func TestNewLogger(t *testing.T) {
	cfg := config.Default()
	cfg.LogLevel = "warn"
	cfg.LogFormat = "json"

	var buf bytes.Buffer
	logger := newLogger(&buf, cfg)
	logger.Info("hidden")
	logger.Warn("shown", "stage", "Enroll 1")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"stage":"Enroll 1"`)
	assert.True(t, logger.Enabled(context.Background(), slog.LevelError))
}

func TestLoadDotEnv(t *testing.T) {
	require.NoError(t, loadDotEnv(""))
	require.NoError(t, loadDotEnv(filepath.Join(t.TempDir(), "missing.env")))

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("FAKEAGENT_TEST_DOTENV=loaded\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("FAKEAGENT_TEST_DOTENV") })

	require.NoError(t, loadDotEnv(path))
	assert.Equal(t, "loaded", os.Getenv("FAKEAGENT_TEST_DOTENV"))
}

func TestSetupPrecedence(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("log_level: error\nble:\n  scan_timeout: 4s\n"), 0o644))
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte(config.EnvScanTimeout+"=2s\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv(config.EnvScanTimeout) })

	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	a := &app{configPath: cfgPath, envFile: envPath, logLevel: "DEBUG"}
	require.NoError(t, a.setup())
	assert.Equal(t, 2*time.Second, a.cfg.BLE.ScanTimeout, ".env overrides the file")
	assert.Equal(t, "debug", a.cfg.LogLevel, "flag overrides the file")
}

func TestSetupRejectsInvalidConfig(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("log_format: xml\n"), 0o644))

	a := &app{configPath: cfgPath}
	err := a.setup()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config validation")
}

func TestPrintBanner(t *testing.T) {
	var buf bytes.Buffer
	printBanner(&buf, config.Default())
	out := buf.String()
	assert.Contains(t, out, "(first discovered)")
	assert.Contains(t, out, "ctrl+shift+e")
	assert.True(t, strings.HasPrefix(out, "=== fakeagent ==="))
}

func TestConfigShow(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("ble:\n  peripheral: AA:BB:CC:DD:EE:01\n"), 0o644))
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"--config", cfgPath, "--env", "", "config", "show"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "peripheral: AA:BB:CC:DD:EE:01")
	assert.Contains(t, out.String(), "scan_timeout: 3s")
}
