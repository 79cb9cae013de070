// ABOUTME: Tests for the proxy controller using fake systemctl/xray
// ABOUTME: scripts, covering every Outcome class.

package proxyctl

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeFakeBin drops an executable shell script into dir and returns its path.
func writeFakeBin(t *testing.T, dir, name, script string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0755))
	return path
}

func TestStatus_Active(t *testing.T) {
	dir := t.TempDir()
	ctl := New(Config{
		Unit:      "xray",
		Systemctl: writeFakeBin(t, dir, "systemctl", `echo active`),
	})

	state, detail := ctl.Status(context.Background())
	assert.Equal(t, "active", state)
	assert.Empty(t, detail)
	assert.True(t, ctl.IsActive(context.Background()))
}

func TestStatus_InactiveExitCode(t *testing.T) {
	// is-active exits 3 for inactive units but still prints the state.
	dir := t.TempDir()
	ctl := New(Config{
		Systemctl: writeFakeBin(t, dir, "systemctl", `echo inactive; exit 3`),
	})

	state, detail := ctl.Status(context.Background())
	assert.Equal(t, "inactive", state)
	assert.Empty(t, detail)
	assert.False(t, ctl.IsActive(context.Background()))
}

func TestStatus_MissingSystemctl(t *testing.T) {
	ctl := New(Config{Systemctl: "/nonexistent/systemctl"})

	state, detail := ctl.Status(context.Background())
	assert.Equal(t, "unknown", state)
	assert.NotEmpty(t, detail, "the cause must surface in detail")
}

func TestRestart_Success(t *testing.T) {
	dir := t.TempDir()
	script := `case "$1" in
  restart) exit 0 ;;
  is-active) echo active ;;
esac`
	ctl := New(Config{
		Systemctl: writeFakeBin(t, dir, "systemctl", script),
		Grace:     time.Millisecond,
	})

	res := ctl.Restart(context.Background())
	assert.True(t, res.OK())
	assert.Equal(t, OutcomeOK, res.Outcome)
}

func TestRestart_UnitDoesNotComeUp(t *testing.T) {
	dir := t.TempDir()
	script := `case "$1" in
  restart) exit 0 ;;
  is-active) echo failed; exit 3 ;;
esac`
	ctl := New(Config{
		Systemctl: writeFakeBin(t, dir, "systemctl", script),
		Grace:     time.Millisecond,
	})

	res := ctl.Restart(context.Background())
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Contains(t, res.Detail, "failed")
}

func TestRestart_CommandFails(t *testing.T) {
	dir := t.TempDir()
	ctl := New(Config{
		Systemctl: writeFakeBin(t, dir, "systemctl", `echo "unit not loaded" >&2; exit 1`),
		Grace:     time.Millisecond,
	})

	res := ctl.Restart(context.Background())
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Contains(t, res.Detail, "unit not loaded", "stderr must surface in detail")
}

func TestStart_Success(t *testing.T) {
	dir := t.TempDir()
	script := `case "$1" in
  start) exit 0 ;;
  is-active) echo active ;;
esac`
	ctl := New(Config{
		Systemctl: writeFakeBin(t, dir, "systemctl", script),
		Grace:     time.Millisecond,
	})

	res := ctl.Start(context.Background())
	assert.True(t, res.OK())
}

func TestValidate_OK(t *testing.T) {
	dir := t.TempDir()
	ctl := New(Config{
		Binary: writeFakeBin(t, dir, "xray", `exit 0`),
	})

	res := ctl.Validate(context.Background(), "/etc/xray/config.json")
	assert.True(t, res.OK())
	assert.Empty(t, res.Detail)
}

func TestValidate_BadConfig(t *testing.T) {
	dir := t.TempDir()
	ctl := New(Config{
		Binary: writeFakeBin(t, dir, "xray", `echo "invalid clients entry" >&2; exit 1`),
	})

	res := ctl.Validate(context.Background(), "/etc/xray/config.json")
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Contains(t, res.Detail, "invalid clients entry")
}

func TestValidate_BinaryMissing(t *testing.T) {
	ctl := New(Config{Binary: "/nonexistent/xray"})

	res := ctl.Validate(context.Background(), "/etc/xray/config.json")
	assert.Equal(t, OutcomeNotFound, res.Outcome)
}

func TestValidate_Timeout(t *testing.T) {
	dir := t.TempDir()
	ctl := New(Config{
		Binary: writeFakeBin(t, dir, "xray", `sleep 5`),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res := ctl.Validate(ctx, "/etc/xray/config.json")
	assert.Equal(t, OutcomeTimeout, res.Outcome)
}

func TestNew_Defaults(t *testing.T) {
	ctl := New(Config{})

	assert.Equal(t, DefaultUnit, ctl.unit)
	assert.Equal(t, DefaultBinary, ctl.binary)
	assert.Equal(t, "systemctl", ctl.systemctl)
	assert.Equal(t, defaultGrace, ctl.grace)
}
