package attendance

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// AutoAbsentReason is recorded on subjects marked absent when the window closes.
const AutoAbsentReason = "Auto-marked at end of attendance window"

// Reconciler runs the periodic per-organization pass: window open and close edges
// in window mode, record expiry in duration mode.
type Reconciler struct {
	d   Deps
	log zerolog.Logger
}

// NewReconciler creates a reconciler. Store is required.
func NewReconciler(d Deps) *Reconciler {
	d.defaults()
	return &Reconciler{d: d, log: d.Log.With().Str("component", "reconciler").Logger()}
}

// Tick reconciles every known organization in turn. A failing organization is
// logged and skipped. Only a store listing failure or cancellation is returned.
func (r *Reconciler) Tick(ctx context.Context) error {
	defer r.d.Metrics.ObserveTick(time.Now())

	orgs, err := r.d.Store.ListOrgs(ctx)
	if err != nil {
		r.log.Error().Err(err).Msg("list orgs failed")
		return err
	}
	for _, orgID := range orgs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.safeReconcile(ctx, orgID); err != nil {
			r.d.Metrics.Reconciled("error")
			r.log.Error().Err(err).Str("org", orgID).Msg("reconcile failed")
			continue
		}
		r.d.Metrics.Reconciled("ok")
	}
	return nil
}

func (r *Reconciler) safeReconcile(ctx context.Context, orgID string) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return r.ReconcileOrg(ctx, orgID)
}

// ReconcileOrg runs one pass for one organization under its records lock and
// finishes with a non-forced report refresh.
func (r *Reconciler) ReconcileOrg(ctx context.Context, orgID string) error {
	release, err := r.d.Locker.Acquire(ctx, RecordsKey(orgID))
	if err != nil {
		return fmt.Errorf("lock %s: %w", orgID, err)
	}
	defer release()

	cfg, err := r.d.Cache.Reload(ctx, orgID)
	if err != nil {
		return err
	}
	now := r.d.Clock.Now()

	if cfg.Mode == ModeWindow {
		if cfg, err = r.openEdge(ctx, cfg, now); err != nil {
			return err
		}
		if err = r.closeEdge(ctx, cfg, now); err != nil {
			return err
		}
	} else if err = r.expire(ctx, cfg, now); err != nil {
		return err
	}

	r.refresh(ctx, orgID, RefreshOptions{})
	return nil
}

// openEdge persists LastOpenedDate before announcing, so a failed refresh never
// re-announces the same window.
func (r *Reconciler) openEdge(ctx context.Context, cfg OrgConfig, now time.Time) (OrgConfig, error) {
	date, ok := OpenDate(cfg, now)
	if !ok || cfg.LastOpenedDate == date {
		return cfg, nil
	}
	cfg, err := r.d.Cache.Update(ctx, cfg.OrgID, func(c *OrgConfig) error {
		c.LastOpenedDate = date
		return nil
	})
	if err != nil {
		return cfg, err
	}
	r.log.Info().Str("org", cfg.OrgID).Str("date", date).Msg("window opened")
	r.refresh(ctx, cfg.OrgID, RefreshOptions{Force: true})
	return cfg, nil
}

// closeEdge closes out the due cycle: auto-absence, forced refresh, cycle reset,
// then the watermark. Store failures return before the watermark moves; external
// failures are logged and the watermark still advances.
func (r *Reconciler) closeEdge(ctx context.Context, cfg OrgConfig, now time.Time) error {
	target, ok := CloseTarget(cfg, now)
	if !ok || cfg.LastProcessedDate >= target {
		return nil
	}
	log := r.log.With().Str("org", cfg.OrgID).Str("target", target).Logger()

	marked, err := r.autoAbsent(ctx, cfg, now)
	if err != nil {
		return err
	}
	r.d.Metrics.AutoAbsent(marked)

	r.refresh(ctx, cfg.OrgID, RefreshOptions{Force: true})

	if err := r.resetCycle(ctx, cfg); err != nil {
		return err
	}

	_, err = r.d.Cache.Update(ctx, cfg.OrgID, func(c *OrgConfig) error {
		if target > c.LastProcessedDate {
			c.LastProcessedDate = target
		}
		return nil
	})
	if err != nil {
		return err
	}
	log.Info().Int("auto_absent", marked).Msg("window closed")
	return nil
}

func (r *Reconciler) autoAbsent(ctx context.Context, cfg OrgConfig, now time.Time) (int, error) {
	if cfg.PermittedRoleID == "" || r.d.Directory == nil {
		return 0, nil
	}
	recs, err := r.d.Store.Records(ctx, cfg.OrgID)
	if err != nil {
		return 0, err
	}

	cctx, cancel := context.WithTimeout(ctx, r.d.ExternalTimeout)
	members, err := r.d.Directory.Members(cctx, cfg.OrgID, cfg.PermittedRoleID)
	cancel()
	if err != nil {
		r.d.Metrics.SideEffectFailed("members")
		r.log.Warn().Err(err).Str("org", cfg.OrgID).Msg("auto-absence skipped: member list unavailable")
		return 0, nil
	}

	marked := 0
	for _, m := range members {
		if m.Bot {
			continue
		}
		if _, ok := recs[m.ID]; ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return marked, err
		}
		rec := Record{
			SubjectID: m.ID,
			Status:    StatusAbsent,
			Timestamp: now.UTC(),
			Reason:    AutoAbsentReason,
		}
		if err := r.d.Store.PutRecord(ctx, cfg.OrgID, rec); err != nil {
			return marked, err
		}
		r.d.Effects.Apply(ctx, cfg, m.ID, StatusAbsent)
		if err := r.d.Store.IncrementCounter(ctx, cfg.OrgID, m.ID, StatusAbsent); err != nil {
			r.log.Error().Err(err).Str("org", cfg.OrgID).Str("subject", m.ID).Msg("increment counter failed")
		}
		r.d.Effects.Notify(ctx, cfg.OrgID, m.ID, statusNotice(cfg, rec, now))
		marked++
		if err := r.d.Effects.Pause(ctx); err != nil {
			return marked, err
		}
	}
	return marked, nil
}

func (r *Reconciler) resetCycle(ctx context.Context, cfg OrgConfig) error {
	recs, err := r.d.Store.Records(ctx, cfg.OrgID)
	if err != nil {
		return err
	}
	if cfg.PresentRoleID != "" {
		for _, id := range sortedSubjects(recs) {
			if recs[id].Status == StatusAbsent {
				continue
			}
			r.d.Effects.Revoke(ctx, cfg.OrgID, id, cfg.PresentRoleID)
			if err := r.d.Effects.Pause(ctx); err != nil {
				return err
			}
		}
	}
	return r.d.Store.ClearRecords(ctx, cfg.OrgID)
}

// expire handles duration mode: stale present records become absent with a fresh
// timestamp, stale absent or excused records are deleted.
func (r *Reconciler) expire(ctx context.Context, cfg OrgConfig, now time.Time) error {
	recs, err := r.d.Store.Records(ctx, cfg.OrgID)
	if err != nil {
		return err
	}
	hours := cfg.ExpiryHours
	if hours <= 0 {
		hours = DefaultExpiryHours
	}
	ttl := time.Duration(hours) * time.Hour

	for _, id := range sortedSubjects(recs) {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec := recs[id]
		if !rec.Timestamp.IsZero() && now.Sub(rec.Timestamp) < ttl {
			continue
		}

		if rec.Status != StatusPresent || rec.Timestamp.IsZero() {
			r.d.Effects.Revoke(ctx, cfg.OrgID, id, cfg.RoleFor(rec.Status))
			if err := r.d.Store.DeleteRecord(ctx, cfg.OrgID, id); err != nil {
				return err
			}
			r.d.Metrics.Expired(string(rec.Status))
			continue
		}

		next := Record{
			SubjectID:       id,
			Status:          StatusAbsent,
			Timestamp:       now.UTC(),
			Reason:          fmt.Sprintf("Attendance expired after %d hours", hours),
			OriginChannelID: rec.OriginChannelID,
		}
		if err := r.d.Store.PutRecord(ctx, cfg.OrgID, next); err != nil {
			return err
		}
		r.d.Effects.Apply(ctx, cfg, id, StatusAbsent)
		if err := r.d.Store.IncrementCounter(ctx, cfg.OrgID, id, StatusAbsent); err != nil {
			r.log.Error().Err(err).Str("org", cfg.OrgID).Str("subject", id).Msg("increment counter failed")
		}
		r.notifyChannel(ctx, cfg, rec.OriginChannelID,
			fmt.Sprintf("Attendance for %s expired after %d hours and is now marked absent.", id, hours))
		r.d.Metrics.Expired(string(StatusPresent))
	}
	return nil
}

// notifyChannel posts to channelID, falling back to the welcome channel.
func (r *Reconciler) notifyChannel(ctx context.Context, cfg OrgConfig, channelID, content string) {
	if r.d.Messages == nil {
		return
	}
	targets := []string{channelID, cfg.WelcomeChannelID}
	for _, ch := range targets {
		if ch == "" {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, r.d.ExternalTimeout)
		_, err := r.d.Messages.Send(cctx, ch, content)
		cancel()
		if err == nil {
			return
		}
		r.d.Metrics.SideEffectFailed("send")
		r.log.Warn().Err(err).Str("org", cfg.OrgID).Str("channel", ch).Msg("expiry notice failed")
	}
}

func (r *Reconciler) refresh(ctx context.Context, orgID string, opts RefreshOptions) {
	if r.d.Refresher == nil {
		return
	}
	if _, err := r.d.Refresher.Refresh(ctx, orgID, opts); err != nil {
		r.log.Warn().Err(err).Str("org", orgID).Bool("force", opts.Force).Msg("report refresh failed")
	}
}

func sortedSubjects(recs map[string]Record) []string {
	ids := make([]string, 0, len(recs))
	for id := range recs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
