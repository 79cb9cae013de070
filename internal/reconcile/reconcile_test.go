// ABOUTME: Sweep tests over a real SQLite store, a real access document on
// ABOUTME: disk, and fake systemctl/xray scripts recording their invocations.

package reconcile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyon-vpn/warden/internal/config"
	"github.com/halcyon-vpn/warden/internal/proxyctl"
	"github.com/halcyon-vpn/warden/internal/store"
	"github.com/halcyon-vpn/warden/internal/vless"
	"github.com/halcyon-vpn/warden/internal/xray"
)

type env struct {
	cfg    *config.Config
	subs   store.Store
	access *xray.Store
	proxy  *proxyctl.Controller
	rec    *Reconciler

	calls    string // invocation log shared by both fake binaries
	stateOn  string // marker file: the unit is active while it exists
	sctlPath string
	xrayPath string
}

func writeScript(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755))
}

// goodSystemctl fakes a unit that reports active while the marker file
// exists; start and restart create the marker.
func goodSystemctl(calls, marker string) string {
	return fmt.Sprintf(`printf '%%s\n' "$*" >> %s
case "$1" in
is-active)
	if [ -f %s ]; then echo active; exit 0; fi
	echo inactive; exit 3
	;;
start|restart)
	touch %s
	;;
esac
exit 0`, calls, marker, marker)
}

func setupEnv(t *testing.T, serviceActive bool) *env {
	t.Helper()
	dir := t.TempDir()

	calls := filepath.Join(dir, "calls.log")
	marker := filepath.Join(dir, "unit.active")
	sctl := filepath.Join(dir, "systemctl")
	fakeXray := filepath.Join(dir, "xray")

	writeScript(t, sctl, goodSystemctl(calls, marker))
	writeScript(t, fakeXray, fmt.Sprintf(`printf '%%s\n' "$*" >> %s`, calls))
	if serviceActive {
		require.NoError(t, os.WriteFile(marker, nil, 0644))
	}

	cfg := &config.Config{}
	cfg.Xray.ConfigPath = filepath.Join(dir, "xray", "config.json")
	cfg.Xray.Unit = "xray"
	cfg.Xray.Binary = fakeXray
	cfg.VPN.Host = "vpn.example.com"
	cfg.VPN.Port = 443
	cfg.VPN.Name = "Halcyon VPN"
	cfg.VPN.EmailDomain = "halcyon.local"
	cfg.Reality.PublicKey = "pbk-test"
	cfg.Reality.PrivateKey = "prv-test"
	cfg.Reality.ServerName = "www.microsoft.com"
	cfg.Reality.ShortID = "6ba85179e30d4fc2"
	cfg.Reality.Fingerprint = "chrome"

	subs, err := store.NewSQLiteStore(filepath.Join(dir, "warden.db"))
	require.NoError(t, err)
	t.Cleanup(func() { subs.Close() })

	access, err := xray.NewStore(cfg.Xray.ConfigPath, xray.Seed{
		Port:       cfg.VPN.Port,
		ServerName: cfg.Reality.ServerName,
		PrivateKey: cfg.Reality.PrivateKey,
		ShortID:    cfg.Reality.ShortID,
	})
	require.NoError(t, err)

	proxy := proxyctl.New(proxyctl.Config{
		Unit:      cfg.Xray.Unit,
		Binary:    fakeXray,
		Systemctl: sctl,
		Grace:     10 * time.Millisecond,
	})

	return &env{
		cfg:      cfg,
		subs:     subs,
		access:   access,
		proxy:    proxy,
		rec:      New(cfg, subs, access, proxy),
		calls:    calls,
		stateOn:  marker,
		sctlPath: sctl,
		xrayPath: fakeXray,
	}
}

// countCalls returns how many logged invocations start with the given verb.
func (e *env) countCalls(t *testing.T, verb string) int {
	t.Helper()
	data, err := os.ReadFile(e.calls)
	if os.IsNotExist(err) {
		return 0
	}
	require.NoError(t, err)

	n := 0
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, verb) {
			n++
		}
	}
	return n
}

func hasIssue(report *Report, substr string) bool {
	for _, issue := range report.Issues {
		if strings.Contains(issue, substr) {
			return true
		}
	}
	return false
}

func TestRun_FirstSweepIssuesAndActivates(t *testing.T) {
	e := setupEnv(t, true)
	ctx := context.Background()

	_, err := e.subs.CreateSubscription(ctx, "alice", "wonderland", true)
	require.NoError(t, err)
	_, err = e.subs.CreateSubscription(ctx, "bob", "builder", false)
	require.NoError(t, err)

	report, err := e.rec.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, report.Total)
	assert.Equal(t, 2, report.NewLinks, "both rows get their link on the first sweep")
	assert.Equal(t, 1, report.Activated)
	assert.Equal(t, 0, report.Deactivated)
	assert.Equal(t, 0, report.Unchanged)
	assert.True(t, report.RestartIssued)
	assert.Equal(t, 1, e.countCalls(t, "restart"), "row changes coalesce into one restart")

	alice, err := e.subs.GetByUsername(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, alice.Link)
	assert.True(t, vless.IsReality(*alice.Link))
	assert.Equal(t, "Halcyon VPN", vless.Remark(*alice.Link))

	aliceID, err := vless.ExtractID(*alice.Link)
	require.NoError(t, err)
	present, err := e.access.Contains(ctx, aliceID)
	require.NoError(t, err)
	assert.True(t, present, "active row must hold an access entry after one sweep")

	bob, err := e.subs.GetByUsername(ctx, "bob")
	require.NoError(t, err)
	require.NotNil(t, bob.Link, "inactive rows still get a link issued")
	bobID, err := vless.ExtractID(*bob.Link)
	require.NoError(t, err)
	present, err = e.access.Contains(ctx, bobID)
	require.NoError(t, err)
	assert.False(t, present)
}

func TestRun_RepeatSweepIsIdempotent(t *testing.T) {
	e := setupEnv(t, true)
	ctx := context.Background()

	_, err := e.subs.CreateSubscription(ctx, "alice", "wonderland", true)
	require.NoError(t, err)
	_, err = e.subs.CreateSubscription(ctx, "bob", "builder", false)
	require.NoError(t, err)

	_, err = e.rec.Run(ctx)
	require.NoError(t, err)
	report, err := e.rec.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, report.Total)
	assert.Equal(t, 0, report.NewLinks)
	assert.Equal(t, 0, report.Activated)
	assert.Equal(t, 0, report.Deactivated)
	assert.Equal(t, 2, report.Unchanged)
	assert.False(t, report.RestartIssued)
	assert.Equal(t, 1, e.countCalls(t, "restart"), "a converged sweep must not restart again")
}

func TestRun_KnownIdentifier(t *testing.T) {
	// bob:p is a pinned derivation vector; links and access entries issued
	// for it must never drift across releases.
	e := setupEnv(t, true)
	ctx := context.Background()

	_, err := e.subs.CreateSubscription(ctx, "bob", "p", true)
	require.NoError(t, err)

	_, err = e.rec.Run(ctx)
	require.NoError(t, err)

	doc, err := e.access.Load(ctx)
	require.NoError(t, err)
	require.Len(t, doc.Clients(), 1)
	assert.Equal(t, "12380856-dba1-59bd-97d6-00bf11535d9a", doc.Clients()[0].ID)
	assert.Equal(t, "bob@halcyon.local", doc.Clients()[0].Email)

	bob, err := e.subs.GetByUsername(ctx, "bob")
	require.NoError(t, err)
	require.NotNil(t, bob.Link)
	id, err := vless.ExtractID(*bob.Link)
	require.NoError(t, err)
	assert.Equal(t, "12380856-dba1-59bd-97d6-00bf11535d9a", id)
}

func TestRun_DeactivationRemovesAccessKeepsLink(t *testing.T) {
	e := setupEnv(t, true)
	ctx := context.Background()

	_, err := e.subs.CreateSubscription(ctx, "alice", "wonderland", true)
	require.NoError(t, err)
	_, err = e.rec.Run(ctx)
	require.NoError(t, err)

	before, err := e.subs.GetByUsername(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, before.Link)
	id, err := vless.ExtractID(*before.Link)
	require.NoError(t, err)

	require.NoError(t, e.subs.UpdateActive(ctx, "alice", false))
	report, err := e.rec.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Deactivated)
	assert.True(t, report.RestartIssued)

	present, err := e.access.Contains(ctx, id)
	require.NoError(t, err)
	assert.False(t, present)

	after, err := e.subs.GetByUsername(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, after.Link, "deactivation must not clear the stored link")
	assert.Equal(t, *before.Link, *after.Link)
}

func TestRun_ReactivationRestoresSameIdentifier(t *testing.T) {
	e := setupEnv(t, true)
	ctx := context.Background()

	_, err := e.subs.CreateSubscription(ctx, "alice", "wonderland", true)
	require.NoError(t, err)
	_, err = e.rec.Run(ctx)
	require.NoError(t, err)

	sub, err := e.subs.GetByUsername(ctx, "alice")
	require.NoError(t, err)
	id, err := vless.ExtractID(*sub.Link)
	require.NoError(t, err)

	require.NoError(t, e.subs.UpdateActive(ctx, "alice", false))
	_, err = e.rec.Run(ctx)
	require.NoError(t, err)
	require.NoError(t, e.subs.UpdateActive(ctx, "alice", true))

	report, err := e.rec.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Activated)
	assert.Equal(t, 0, report.NewLinks, "reactivation reuses the stored link")

	present, err := e.access.Contains(ctx, id)
	require.NoError(t, err)
	assert.True(t, present, "the same identifier must come back after reactivation")
}

func TestRun_LegacyLinkRegenerated(t *testing.T) {
	e := setupEnv(t, true)
	ctx := context.Background()

	_, err := e.subs.CreateSubscription(ctx, "carol", "pass", false)
	require.NoError(t, err)
	legacy := "vless://11111111-2222-3333-4444-555555555555@old.example.com:443?type=tcp&security=tls#Old%20Name"
	require.NoError(t, e.subs.UpdateLink(ctx, "carol", legacy))

	report, err := e.rec.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.NewLinks)

	sub, err := e.subs.GetByUsername(ctx, "carol")
	require.NoError(t, err)
	require.NotNil(t, sub.Link)
	assert.True(t, vless.IsReality(*sub.Link))
	assert.Equal(t, "Halcyon VPN", vless.Remark(*sub.Link))

	id, err := vless.ExtractID(*sub.Link)
	require.NoError(t, err)
	assert.Equal(t, "11111111-2222-3333-4444-555555555555", id,
		"regeneration must keep the identifier already deployed to the client")
}

func TestRun_StaleRemarkRefreshed(t *testing.T) {
	e := setupEnv(t, true)
	ctx := context.Background()

	_, err := e.subs.CreateSubscription(ctx, "carol", "pass", false)
	require.NoError(t, err)

	params := vless.Params{
		Host:        e.cfg.VPN.Host,
		Port:        e.cfg.VPN.Port,
		PublicKey:   e.cfg.Reality.PublicKey,
		Fingerprint: e.cfg.Reality.Fingerprint,
		ServerName:  e.cfg.Reality.ServerName,
		ShortID:     e.cfg.Reality.ShortID,
		Remark:      "Old Deployment",
	}
	stale := vless.Encode("11111111-2222-3333-4444-555555555555", params)
	require.NoError(t, e.subs.UpdateLink(ctx, "carol", stale))

	report, err := e.rec.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.NewLinks)

	sub, err := e.subs.GetByUsername(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, "Halcyon VPN", vless.Remark(*sub.Link))
	id, err := vless.ExtractID(*sub.Link)
	require.NoError(t, err)
	assert.Equal(t, "11111111-2222-3333-4444-555555555555", id)
}

func TestRun_UnreadableActiveLinkRederived(t *testing.T) {
	e := setupEnv(t, true)
	ctx := context.Background()

	_, err := e.subs.CreateSubscription(ctx, "dave", "pw", true)
	require.NoError(t, err)
	// Current security parameters and remark, but no identifier to extract.
	require.NoError(t, e.subs.UpdateLink(ctx, "dave", "vless://?security=reality#Halcyon%20VPN"))

	report, err := e.rec.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.NewLinks)
	assert.Equal(t, 1, report.Activated)

	sub, err := e.subs.GetByUsername(ctx, "dave")
	require.NoError(t, err)
	id, err := vless.ExtractID(*sub.Link)
	require.NoError(t, err)
	assert.Equal(t, "4d609226-36fc-59fe-94c9-bcacbfc702da", id,
		"an unreadable link falls back to the credential-derived identifier")

	present, err := e.access.Contains(ctx, id)
	require.NoError(t, err)
	assert.True(t, present)
}

func TestRun_DuplicateEntriesRepaired(t *testing.T) {
	e := setupEnv(t, true)
	ctx := context.Background()

	doc := `{"inbounds":[{"port":443,"protocol":"vless","settings":{"clients":[` +
		`{"id":"11111111-2222-3333-4444-555555555555","email":"x@halcyon.local","flow":"xtls-rprx-vision"},` +
		`{"id":"11111111-2222-3333-4444-555555555555","email":"y@halcyon.local","flow":"xtls-rprx-vision"}` +
		`],"decryption":"none"}}]}`
	require.NoError(t, os.WriteFile(e.cfg.Xray.ConfigPath, []byte(doc), 0644))

	report, err := e.rec.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, report.DuplicatesFixed)
	assert.True(t, report.RestartIssued, "a repaired document must be reloaded by the service")
	assert.Equal(t, 1, e.countCalls(t, "restart"))
	assert.True(t, hasIssue(report, "duplicate"))

	loaded, err := e.access.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, loaded.Clients(), 1)
}

func TestRun_InactiveServiceStarted(t *testing.T) {
	e := setupEnv(t, false)
	ctx := context.Background()

	report, err := e.rec.Run(ctx)
	require.NoError(t, err)

	assert.True(t, hasIssue(report, "started"))
	assert.Equal(t, 1, e.countCalls(t, "start"))
	assert.Equal(t, 0, e.countCalls(t, "restart"), "starting the unit is not a document change")

	// The unit stays up, so the next sweep leaves it alone.
	report, err = e.rec.Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Issues)
	assert.Equal(t, 1, e.countCalls(t, "start"))
}

func TestRun_FailedRestartRetriedNextSweep(t *testing.T) {
	e := setupEnv(t, true)
	ctx := context.Background()

	_, err := e.subs.CreateSubscription(ctx, "alice", "wonderland", true)
	require.NoError(t, err)

	writeScript(t, e.sctlPath, fmt.Sprintf(`printf '%%s\n' "$*" >> %s
case "$1" in
is-active) echo active; exit 0 ;;
restart) exit 1 ;;
esac
exit 0`, e.calls))

	report, err := e.rec.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Activated)
	assert.True(t, report.RestartIssued)
	assert.True(t, hasIssue(report, "restart failed"))
	assert.Equal(t, 1, e.countCalls(t, "restart"))

	// Heal the unit; the sweep changed nothing this time but still owes the
	// restart from last tick.
	writeScript(t, e.sctlPath, goodSystemctl(e.calls, e.stateOn))

	report, err = e.rec.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Activated)
	assert.Equal(t, 1, report.Unchanged)
	assert.True(t, report.RestartIssued)
	assert.Equal(t, 2, e.countCalls(t, "restart"))

	// Debt paid: a third sweep stays quiet.
	report, err = e.rec.Run(ctx)
	require.NoError(t, err)
	assert.False(t, report.RestartIssued)
	assert.Equal(t, 2, e.countCalls(t, "restart"))
}

func TestRun_ValidationGateWithholdsRestart(t *testing.T) {
	e := setupEnv(t, true)
	e.cfg.Xray.ValidateBeforeRestart = true
	ctx := context.Background()

	_, err := e.subs.CreateSubscription(ctx, "alice", "wonderland", true)
	require.NoError(t, err)

	writeScript(t, e.xrayPath, fmt.Sprintf(`printf '%%s\n' "$*" >> %s
printf 'config rejected\n' >&2
exit 1`, e.calls))

	report, err := e.rec.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Activated)
	assert.False(t, report.RestartIssued)
	assert.Equal(t, 0, e.countCalls(t, "restart"), "a rejected config must never be loaded into the service")
	assert.True(t, hasIssue(report, "restart withheld"))
	assert.True(t, hasIssue(report, "config rejected"))

	// Validation passes again; the owed restart goes out.
	writeScript(t, e.xrayPath, fmt.Sprintf(`printf '%%s\n' "$*" >> %s`, e.calls))

	report, err = e.rec.Run(ctx)
	require.NoError(t, err)
	assert.True(t, report.RestartIssued)
	assert.Equal(t, 1, e.countCalls(t, "restart"))
	assert.Equal(t, 1, report.Unchanged)
}

// failingLinkStore makes UpdateLink fail for one username to exercise
// per-row isolation.
type failingLinkStore struct {
	store.Store
	failFor string
}

func (f *failingLinkStore) UpdateLink(ctx context.Context, username, link string) error {
	if username == f.failFor {
		return errors.New("disk full")
	}
	return f.Store.UpdateLink(ctx, username, link)
}

func TestRun_RowFailureDoesNotAbortSweep(t *testing.T) {
	e := setupEnv(t, true)
	ctx := context.Background()

	for _, name := range []string{"alice", "bob", "carol"} {
		_, err := e.subs.CreateSubscription(ctx, name, "pw-"+name, true)
		require.NoError(t, err)
	}

	rec := New(e.cfg, &failingLinkStore{Store: e.subs, failFor: "bob"}, e.access, e.proxy)
	report, err := rec.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 3, report.Total)
	assert.Equal(t, 2, report.NewLinks)
	assert.Equal(t, 2, report.Activated)
	require.Len(t, report.Issues, 1)
	assert.Contains(t, report.Issues[0], "bob")

	for _, name := range []string{"alice", "carol"} {
		sub, err := e.subs.GetByUsername(ctx, name)
		require.NoError(t, err)
		assert.NotNil(t, sub.Link, "rows after the failed one must still be processed")
	}
}

func TestLinkFor(t *testing.T) {
	e := setupEnv(t, true)

	link := LinkFor(e.cfg, "12380856-dba1-59bd-97d6-00bf11535d9a")
	want := "vless://12380856-dba1-59bd-97d6-00bf11535d9a@vpn.example.com:443" +
		"?type=tcp&security=reality&pbk=pbk-test&fp=chrome&sni=www.microsoft.com" +
		"&sid=6ba85179e30d4fc2&encryption=none#Halcyon%20VPN"
	assert.Equal(t, want, link)
}
