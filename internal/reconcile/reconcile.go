// ABOUTME: Periodic sweep aligning the live access list with subscription rows
// ABOUTME: Integrity pass, per-row convergence, and a single coalesced restart

package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/halcyon-vpn/warden/internal/config"
	"github.com/halcyon-vpn/warden/internal/identity"
	"github.com/halcyon-vpn/warden/internal/proxyctl"
	"github.com/halcyon-vpn/warden/internal/store"
	"github.com/halcyon-vpn/warden/internal/vless"
	"github.com/halcyon-vpn/warden/internal/xray"
)

// Report summarizes one sweep.
type Report struct {
	Total           int      // subscription rows examined
	NewLinks        int      // rows whose stored link was written (issued or regenerated)
	Activated       int      // access entries added
	Deactivated     int      // access entries removed
	Unchanged       int      // rows that needed nothing
	DuplicatesFixed int      // duplicate access entries dropped by the integrity pass
	RestartIssued   bool     // a service restart was attempted this sweep
	Issues          []string // integrity findings and per-row failures
}

// Reconciler drives the access list toward agreement with the subscription
// rows. Run is not safe for concurrent sweeps across processes; the
// scheduler must not overlap ticks.
type Reconciler struct {
	cfg    *config.Config
	subs   store.Store
	access *xray.Store
	proxy  *proxyctl.Controller
	logger *slog.Logger

	mu sync.Mutex
	// restartPending survives across sweeps so a failed or withheld restart
	// is retried on the next tick even when nothing else changed.
	restartPending bool
}

// New creates a Reconciler over the given stores and service controller.
func New(cfg *config.Config, subs store.Store, access *xray.Store, proxy *proxyctl.Controller) *Reconciler {
	return &Reconciler{
		cfg:    cfg,
		subs:   subs,
		access: access,
		proxy:  proxy,
		logger: slog.Default().With("component", "reconcile"),
	}
}

// LinkFor encodes a connection link for the given identifier using the
// configured connection and transport parameters.
func LinkFor(cfg *config.Config, id string) string {
	return vless.Encode(id, vless.Params{
		Host:        cfg.VPN.Host,
		Port:        cfg.VPN.Port,
		PublicKey:   cfg.Reality.PublicKey,
		Fingerprint: cfg.Reality.Fingerprint,
		ServerName:  cfg.Reality.ServerName,
		ShortID:     cfg.Reality.ShortID,
		Remark:      cfg.VPN.Name,
	})
}

// Run executes one sweep: integrity pass, row processing, then at most one
// coalesced restart. Row failures are collected into the report; only a
// failure to list subscriptions aborts the sweep.
func (r *Reconciler) Run(ctx context.Context) (*Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	report := &Report{}
	restartNeeded := r.restartPending

	r.integrityPass(ctx, report, &restartNeeded)

	subs, err := r.subs.ListSubscriptions(ctx)
	if err != nil {
		return report, fmt.Errorf("listing subscriptions: %w", err)
	}
	report.Total = len(subs)

	for _, sub := range subs {
		changed, err := r.processRow(ctx, sub, report, &restartNeeded)
		if err != nil {
			report.Issues = append(report.Issues, fmt.Sprintf("row %s: %v", sub.Username, err))
			continue
		}
		if !changed {
			report.Unchanged++
		}
	}

	if restartNeeded {
		r.restartPending = true
		if r.restartAllowed(ctx, report) {
			res := r.proxy.Restart(ctx)
			report.RestartIssued = true
			if res.OK() {
				r.restartPending = false
			} else {
				report.Issues = append(report.Issues, fmt.Sprintf("restart %s: %s", res.Outcome, res.Detail))
			}
		}
	}

	r.logger.Info("sweep complete",
		"total", report.Total,
		"new_links", report.NewLinks,
		"activated", report.Activated,
		"deactivated", report.Deactivated,
		"unchanged", report.Unchanged,
		"duplicates_fixed", report.DuplicatesFixed,
		"restart_issued", report.RestartIssued,
		"issues", len(report.Issues))

	return report, nil
}

// integrityPass repairs the access document and checks service health
// before any row is processed.
func (r *Reconciler) integrityPass(ctx context.Context, report *Report, restartNeeded *bool) {
	// Materialize the seeded document so the config check below always
	// runs against a real file.
	if _, err := r.access.GetOrCreate(ctx); err != nil {
		report.Issues = append(report.Issues, fmt.Sprintf("loading access document: %v", err))
	}

	fixed, err := r.access.DedupRepair(ctx)
	if err != nil {
		report.Issues = append(report.Issues, fmt.Sprintf("dedup repair: %v", err))
	} else if fixed > 0 {
		report.DuplicatesFixed = fixed
		*restartNeeded = true
		report.Issues = append(report.Issues, fmt.Sprintf("removed %d duplicate access entries", fixed))
	}

	// Reported here regardless of the restart gate; the gate re-validates
	// the post-sweep file right before restarting.
	if res := r.proxy.Validate(ctx, r.cfg.Xray.ConfigPath); !res.OK() {
		report.Issues = append(report.Issues, fmt.Sprintf("config validation %s: %s", res.Outcome, res.Detail))
	}

	state, _ := r.proxy.Status(ctx)
	if state != "active" {
		msg := fmt.Sprintf("service not active (state=%s)", state)
		if res := r.proxy.Start(ctx); res.OK() {
			report.Issues = append(report.Issues, msg+"; started")
		} else {
			report.Issues = append(report.Issues, msg+"; start failed: "+res.Detail)
		}
	}
}

// processRow converges one subscription row. Returns whether anything
// about the row or its access entry changed.
func (r *Reconciler) processRow(ctx context.Context, sub *store.Subscription, report *Report, restartNeeded *bool) (bool, error) {
	link := ""
	if sub.Link != nil {
		link = *sub.Link
	}
	hadLink := link != ""
	changed := false

	writeLink := func(id, reason string) error {
		link = LinkFor(r.cfg, id)
		if err := r.subs.UpdateLink(ctx, sub.Username, link); err != nil {
			return fmt.Errorf("%s: %w", reason, err)
		}
		report.NewLinks++
		changed = true
		return nil
	}

	// Link maintenance: the row must carry a current-format link with the
	// configured display name. The identifier is preserved when the stored
	// link still decodes; otherwise it is re-derived from credentials.
	switch {
	case !hadLink:
		id := identity.FromCredentials(sub.Username, sub.Password).String()
		if err := writeLink(id, "storing issued link"); err != nil {
			return changed, err
		}
	case !vless.IsReality(link):
		id, err := vless.ExtractID(link)
		if err != nil {
			id = identity.FromCredentials(sub.Username, sub.Password).String()
		}
		if err := writeLink(id, "regenerating legacy link"); err != nil {
			return changed, err
		}
	case vless.Remark(link) != r.cfg.VPN.Name:
		id, err := vless.ExtractID(link)
		if err != nil {
			id = identity.FromCredentials(sub.Username, sub.Password).String()
		}
		if err := writeLink(id, "refreshing link remark"); err != nil {
			return changed, err
		}
	}

	// Activation: membership must match the active flag. A row that only
	// just received its first link is converged in the same pass.
	if sub.Active {
		id, err := vless.ExtractID(link)
		if err != nil {
			// Unreadable stored link: fall back to the deterministic
			// identity and replace the link with a readable one.
			id = identity.FromCredentials(sub.Username, sub.Password).String()
			if err := writeLink(id, "replacing unreadable link"); err != nil {
				return changed, err
			}
		}
		added, err := r.access.Upsert(ctx, id, identity.Email(sub.Username, r.cfg.VPN.EmailDomain))
		if err != nil {
			return changed, fmt.Errorf("upserting access entry: %w", err)
		}
		if added {
			report.Activated++
			*restartNeeded = true
			changed = true
		}
	} else if hadLink {
		id, err := vless.ExtractID(link)
		if err != nil {
			id = identity.FromCredentials(sub.Username, sub.Password).String()
		}
		removed, err := r.access.Remove(ctx, id)
		if err != nil {
			return changed, fmt.Errorf("removing access entry: %w", err)
		}
		if removed {
			report.Deactivated++
			*restartNeeded = true
			changed = true
		}
	}

	return changed, nil
}

// restartAllowed applies the optional validation gate against the
// post-sweep file. Reporting-only mode always allows.
func (r *Reconciler) restartAllowed(ctx context.Context, report *Report) bool {
	if !r.cfg.Xray.ValidateBeforeRestart {
		return true
	}
	res := r.proxy.Validate(ctx, r.cfg.Xray.ConfigPath)
	if res.OK() {
		return true
	}
	report.Issues = append(report.Issues, fmt.Sprintf("restart withheld, config validation %s: %s", res.Outcome, res.Detail))
	r.logger.Warn("restart withheld by config validation", "outcome", string(res.Outcome), "detail", res.Detail)
	return false
}
