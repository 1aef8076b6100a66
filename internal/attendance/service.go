package attendance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"registrar/internal/lock"
	"registrar/internal/metrics"
)

// SystemActor is the requester recorded for scheduler-driven transitions. It is
// a label only; callers still set Privileged.
const SystemActor = "system"

// Leaderboard limits.
const (
	DefaultLeaderboardLimit = 10
	MaxLeaderboardLimit     = 25
)

// Deps are the collaborators shared by Service and Reconciler.
type Deps struct {
	Store     Store
	Cache     *SettingsCache
	Locker    Locker
	Directory Directory
	Messages  MessageSink
	Effects   *Effects
	Refresher Refresher
	Clock     Clock
	Metrics   *metrics.Metrics
	Log       zerolog.Logger
	// ExternalTimeout bounds directory and messaging calls.
	ExternalTimeout time.Duration
}

func (d *Deps) defaults() {
	if d.Clock == nil {
		d.Clock = SystemClock{}
	}
	if d.Locker == nil {
		d.Locker = lock.NewLocal()
	}
	if d.Cache == nil {
		d.Cache = NewSettingsCache(d.Store, 0)
	}
	if d.Effects == nil {
		d.Effects = NewEffects(nil, nil, d.ExternalTimeout, 0, d.Metrics, d.Log)
	}
	if d.ExternalTimeout <= 0 {
		d.ExternalTimeout = 10 * time.Second
	}
}

// StatusRequest asks for one subject's status to change.
type StatusRequest struct {
	OrgID           string
	SubjectID       string
	Status          Status
	RequestedBy     string
	Reason          string
	OriginChannelID string
	// Privileged is the caller's capability check: the requester may manage attendance.
	Privileged bool
}

// Result reports the outcome of SetStatus.
type Result struct {
	Record  Record      `json:"record"`
	Changed bool        `json:"changed"`
	Report  *MessageRef `json:"report,omitempty"`
}

// Service applies status transitions and administrative operations.
type Service struct {
	d   Deps
	log zerolog.Logger
}

// NewService creates a service. Store is required; everything else has a default.
func NewService(d Deps) *Service {
	d.defaults()
	return &Service{d: d, log: d.Log.With().Str("component", "attendance").Logger()}
}

// Config returns the organization's effective configuration.
func (s *Service) Config(ctx context.Context, orgID string) (OrgConfig, error) {
	return s.d.Cache.Get(ctx, orgID)
}

// Records returns the current-cycle records of the organization.
func (s *Service) Records(ctx context.Context, orgID string) (map[string]Record, error) {
	return s.d.Store.Records(ctx, orgID)
}

// SetStatus validates and applies a transition. The record is written before any
// role side effect; side-effect failures are logged and do not fail the call.
func (s *Service) SetStatus(ctx context.Context, req StatusRequest) (Result, error) {
	if req.OrgID == "" || req.SubjectID == "" || req.RequestedBy == "" {
		return Result{}, fmt.Errorf("%w: org, subject and requester are required", ErrInvalidInput)
	}
	if !req.Status.Valid() {
		s.d.Metrics.Transition(string(req.Status), "invalid")
		return Result{}, fmt.Errorf("%w: %q", ErrInvalidStatus, req.Status)
	}
	req.Reason = strings.TrimSpace(req.Reason)

	cfg, err := s.d.Cache.Get(ctx, req.OrgID)
	if err != nil {
		s.d.Metrics.Transition(string(req.Status), "error")
		return Result{}, err
	}
	if err := s.authorize(ctx, cfg, req); err != nil {
		outcome := "denied"
		if IsValidation(err) {
			outcome = "invalid"
		}
		s.d.Metrics.Transition(string(req.Status), outcome)
		return Result{}, err
	}

	release, err := s.d.Locker.Acquire(ctx, RecordsKey(req.OrgID))
	if err != nil {
		return Result{}, fmt.Errorf("lock %s: %w", req.OrgID, err)
	}
	res, err := s.apply(ctx, cfg, req)
	release()
	if err != nil {
		s.d.Metrics.Transition(string(req.Status), "error")
		return Result{}, err
	}

	if res.Changed {
		s.d.Metrics.Transition(string(req.Status), "ok")
	} else {
		s.d.Metrics.Transition(string(req.Status), "unchanged")
	}
	res.Report = s.refresh(ctx, req.OrgID, RefreshOptions{Force: true})
	return res, nil
}

func (s *Service) authorize(ctx context.Context, cfg OrgConfig, req StatusRequest) error {
	self := req.RequestedBy == req.SubjectID

	switch req.Status {
	case StatusPresent:
		if !self && !req.Privileged {
			return fmt.Errorf("%w: only administrators can mark others present", ErrPermissionDenied)
		}
		if self {
			if open, reason := IsOpen(cfg, s.d.Clock.Now()); !open {
				return fmt.Errorf("%w: %s", ErrWindowClosed, reason)
			}
			if !cfg.AllowSelfMarking {
				return fmt.Errorf("%w: self-marking is disabled", ErrPermissionDenied)
			}
		}
		return s.checkEligible(ctx, cfg, req.SubjectID)

	case StatusExcused:
		if cfg.RequireAdminExcuse && (self || !req.Privileged) {
			return fmt.Errorf("%w: excuses must be granted by an administrator", ErrPermissionDenied)
		}
		if !self && !req.Privileged {
			return fmt.Errorf("%w: only administrators can excuse others", ErrPermissionDenied)
		}
		if self {
			if err := s.checkEligible(ctx, cfg, req.SubjectID); err != nil {
				return err
			}
		}
		if req.Reason == "" {
			return ErrMissingReason
		}
		return nil

	case StatusAbsent:
		if !req.Privileged {
			return fmt.Errorf("%w: only administrators can mark absence", ErrPermissionDenied)
		}
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidStatus, req.Status)
}

func (s *Service) checkEligible(ctx context.Context, cfg OrgConfig, subjectID string) error {
	if cfg.PermittedRoleID == "" || s.d.Directory == nil {
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, s.d.ExternalTimeout)
	defer cancel()
	ok, err := s.d.Directory.HasRole(cctx, cfg.OrgID, subjectID, cfg.PermittedRoleID)
	if err != nil {
		return fmt.Errorf("%w: eligibility check: %v", ErrExternal, err)
	}
	if !ok {
		return ErrNotEligible
	}
	return nil
}

// apply runs under the records lock.
func (s *Service) apply(ctx context.Context, cfg OrgConfig, req StatusRequest) (Result, error) {
	recs, err := s.d.Store.Records(ctx, req.OrgID)
	if err != nil {
		return Result{}, err
	}
	prev, had := recs[req.SubjectID]
	changed := !had || prev.Status != req.Status

	rec := prev
	if changed {
		rec = Record{
			SubjectID:       req.SubjectID,
			Status:          req.Status,
			Timestamp:       s.d.Clock.Now().UTC(),
			OriginChannelID: req.OriginChannelID,
		}
		if req.Status == StatusExcused {
			rec.Reason = req.Reason
		}
		if err := s.d.Store.PutRecord(ctx, req.OrgID, rec); err != nil {
			return Result{}, err
		}
	} else if req.Status == StatusExcused && req.Reason != prev.Reason {
		// a new reason replaces the old one; the cycle counter stays as is
		rec.Reason = req.Reason
		if req.OriginChannelID != "" {
			rec.OriginChannelID = req.OriginChannelID
		}
		if err := s.d.Store.PutRecord(ctx, req.OrgID, rec); err != nil {
			return Result{}, err
		}
	}

	s.d.Effects.Apply(ctx, cfg, req.SubjectID, req.Status)

	if changed {
		if err := s.d.Store.IncrementCounter(ctx, req.OrgID, req.SubjectID, req.Status); err != nil {
			s.log.Error().Err(err).Str("org", req.OrgID).Str("subject", req.SubjectID).Msg("increment counter failed")
		}
		if notice := statusNotice(cfg, rec, s.d.Clock.Now()); notice != "" && req.RequestedBy != req.SubjectID {
			s.d.Effects.Notify(ctx, req.OrgID, req.SubjectID, notice)
		}
		s.log.Info().Str("org", req.OrgID).Str("subject", req.SubjectID).
			Str("status", string(req.Status)).Str("by", req.RequestedBy).Msg("status set")
	}
	return Result{Record: rec, Changed: changed}, nil
}

func statusNotice(cfg OrgConfig, rec Record, now time.Time) string {
	local := now.In(cfg.Location())
	stamp := local.Format("January 02, 2006 03:04 PM")
	switch rec.Status {
	case StatusExcused:
		return fmt.Sprintf("You have been marked as EXCUSED (%s). Reason: %s", stamp, rec.Reason)
	case StatusAbsent:
		if rec.Reason != "" {
			return fmt.Sprintf("You have been marked as ABSENT (%s). %s", stamp, rec.Reason)
		}
		return fmt.Sprintf("You have been marked as ABSENT (%s).", stamp)
	}
	return ""
}

// ClearStatus deletes the subject's record and revokes every status role, so the
// subject may report again. It returns false when there was nothing to clear.
func (s *Service) ClearStatus(ctx context.Context, orgID, subjectID string) (bool, error) {
	cfg, err := s.d.Cache.Get(ctx, orgID)
	if err != nil {
		return false, err
	}
	release, err := s.d.Locker.Acquire(ctx, RecordsKey(orgID))
	if err != nil {
		return false, fmt.Errorf("lock %s: %w", orgID, err)
	}
	recs, err := s.d.Store.Records(ctx, orgID)
	if err != nil {
		release()
		return false, err
	}
	_, had := recs[subjectID]
	if had {
		if err := s.d.Store.DeleteRecord(ctx, orgID, subjectID); err != nil {
			release()
			return false, err
		}
	}
	s.d.Effects.ClearAll(ctx, cfg, subjectID)
	release()

	if had {
		s.refresh(ctx, orgID, RefreshOptions{Force: true})
	}
	return had, nil
}

// ConfigPatch carries optional configuration changes. Nil fields are left alone;
// a pointer to "" unsets an identifier.
type ConfigPatch struct {
	PresentRoleID      *string    `json:"present_role_id"`
	AbsentRoleID       *string    `json:"absent_role_id"`
	ExcusedRoleID      *string    `json:"excused_role_id"`
	PermittedRoleID    *string    `json:"permitted_role_id"`
	WelcomeChannelID   *string    `json:"welcome_channel_id"`
	ReportChannelID    *string    `json:"report_channel_id"`
	Mode               *Mode      `json:"mode"`
	ExpiryHours        *int       `json:"expiry_hours"`
	WindowStart        *TimeOfDay `json:"window_start"`
	WindowEnd          *TimeOfDay `json:"window_end"`
	UTCOffsetMinutes   *int       `json:"utc_offset_minutes"`
	AllowSelfMarking   *bool      `json:"allow_self_marking"`
	RequireAdminExcuse *bool      `json:"require_admin_excuse"`
}

// Validate rejects out-of-range values.
func (p ConfigPatch) Validate() error {
	if p.Mode != nil && *p.Mode != ModeDuration && *p.Mode != ModeWindow {
		return fmt.Errorf("%w: mode %q", ErrInvalidInput, *p.Mode)
	}
	if p.ExpiryHours != nil && (*p.ExpiryHours < 1 || *p.ExpiryHours > 24*7) {
		return fmt.Errorf("%w: expiry hours must be between 1 and 168", ErrInvalidInput)
	}
	if p.WindowStart != nil && !p.WindowStart.Valid() {
		return fmt.Errorf("%w: window start", ErrInvalidTime)
	}
	if p.WindowEnd != nil && !p.WindowEnd.Valid() {
		return fmt.Errorf("%w: window end", ErrInvalidTime)
	}
	if p.UTCOffsetMinutes != nil && (*p.UTCOffsetMinutes < -14*60 || *p.UTCOffsetMinutes > 14*60) {
		return fmt.Errorf("%w: utc offset out of range", ErrInvalidInput)
	}
	return nil
}

func (p ConfigPatch) touchesWindow() bool {
	return p.Mode != nil || p.WindowStart != nil || p.WindowEnd != nil || p.UTCOffsetMinutes != nil
}

func (p ConfigPatch) apply(cfg *OrgConfig) {
	set := func(dst *string, v *string) {
		if v != nil {
			*dst = strings.TrimSpace(*v)
		}
	}
	set(&cfg.PresentRoleID, p.PresentRoleID)
	set(&cfg.AbsentRoleID, p.AbsentRoleID)
	set(&cfg.ExcusedRoleID, p.ExcusedRoleID)
	set(&cfg.PermittedRoleID, p.PermittedRoleID)
	set(&cfg.WelcomeChannelID, p.WelcomeChannelID)
	set(&cfg.ReportChannelID, p.ReportChannelID)
	if p.Mode != nil {
		cfg.Mode = *p.Mode
	}
	if p.ExpiryHours != nil {
		cfg.ExpiryHours = *p.ExpiryHours
	}
	if p.WindowStart != nil {
		cfg.WindowStart = *p.WindowStart
	}
	if p.WindowEnd != nil {
		cfg.WindowEnd = *p.WindowEnd
	}
	if p.UTCOffsetMinutes != nil {
		cfg.UTCOffsetMinutes = *p.UTCOffsetMinutes
	}
	if p.AllowSelfMarking != nil {
		cfg.AllowSelfMarking = *p.AllowSelfMarking
	}
	if p.RequireAdminExcuse != nil {
		cfg.RequireAdminExcuse = *p.RequireAdminExcuse
	}
}

// UpdateConfig applies patch through the settings cache and refreshes the report.
// Entering or reshaping window mode seeds LastProcessedDate with the close that is
// already due, so the next tick does not close out a cycle nobody attended.
func (s *Service) UpdateConfig(ctx context.Context, orgID string, patch ConfigPatch) (OrgConfig, error) {
	if err := patch.Validate(); err != nil {
		return OrgConfig{}, err
	}
	now := s.d.Clock.Now()
	cfg, err := s.d.Cache.Update(ctx, orgID, func(cfg *OrgConfig) error {
		patch.apply(cfg)
		if patch.touchesWindow() && cfg.Mode == ModeWindow {
			SeedWatermark(cfg, now)
		}
		return nil
	})
	if err != nil {
		return OrgConfig{}, err
	}
	s.log.Info().Str("org", orgID).Msg("config updated")
	s.refresh(ctx, orgID, RefreshOptions{Force: true})
	return cfg, nil
}

// SetWindow switches the organization to window mode with the given bounds.
func (s *Service) SetWindow(ctx context.Context, orgID string, start, end TimeOfDay) (OrgConfig, error) {
	mode := ModeWindow
	return s.UpdateConfig(ctx, orgID, ConfigPatch{Mode: &mode, WindowStart: &start, WindowEnd: &end})
}

// SeedWatermark advances LastProcessedDate to the most recent close that is due at now.
// It never moves the watermark backwards.
func SeedWatermark(cfg *OrgConfig, now time.Time) {
	target, ok := CloseTarget(*cfg, now)
	if !ok {
		local := now.In(cfg.Location())
		target = local.AddDate(0, 0, -1).Format(DateLayout)
	}
	if target > cfg.LastProcessedDate {
		cfg.LastProcessedDate = target
	}
}

// BulkRevokeRole removes roleID from every member holding it, pausing between
// members. On cancellation it returns the members processed so far.
func (s *Service) BulkRevokeRole(ctx context.Context, orgID, roleID string) (int, error) {
	if roleID == "" {
		return 0, fmt.Errorf("%w: role id required", ErrInvalidInput)
	}
	if s.d.Directory == nil {
		return 0, fmt.Errorf("%w: no member directory", ErrExternal)
	}
	members, err := s.members(ctx, orgID, roleID)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, m := range members {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		if s.d.Effects.Revoke(ctx, orgID, m.ID, roleID) {
			count++
		}
		if err := s.d.Effects.Pause(ctx); err != nil {
			return count, err
		}
	}
	s.log.Info().Str("org", orgID).Str("role", roleID).Int("count", count).Msg("bulk role reset")
	return count, nil
}

func (s *Service) members(ctx context.Context, orgID, roleID string) ([]Member, error) {
	cctx, cancel := context.WithTimeout(ctx, s.d.ExternalTimeout)
	defer cancel()
	members, err := s.d.Directory.Members(cctx, orgID, roleID)
	if err != nil {
		return nil, fmt.Errorf("%w: list members of %s: %v", ErrExternal, roleID, err)
	}
	return members, nil
}

// FullReset revokes every status role, wipes records and counters, and resets the
// configuration to defaults while keeping the status role, welcome and report
// channel bindings. A fresh report is then posted.
// Cancellation between members leaves the data untouched and is safe to re-run.
func (s *Service) FullReset(ctx context.Context, orgID string) error {
	cfg, err := s.d.Cache.Get(ctx, orgID)
	if err != nil {
		return err
	}
	release, err := s.d.Locker.Acquire(ctx, RecordsKey(orgID))
	if err != nil {
		return fmt.Errorf("lock %s: %w", orgID, err)
	}
	defer func() {
		if release != nil {
			release()
		}
	}()

	if s.d.Directory != nil {
		for _, role := range cfg.StatusRoles() {
			members, err := s.members(ctx, orgID, role)
			if err != nil {
				s.log.Warn().Err(err).Str("org", orgID).Msg("reset: list members failed")
				continue
			}
			for _, m := range members {
				s.d.Effects.Revoke(ctx, orgID, m.ID, role)
				if err := s.d.Effects.Pause(ctx); err != nil {
					return err
				}
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := s.d.Store.ClearRecords(ctx, orgID); err != nil {
		return err
	}
	if err := s.d.Store.ClearStats(ctx, orgID); err != nil {
		return err
	}
	_, err = s.d.Cache.Update(ctx, orgID, func(c *OrgConfig) error {
		fresh := DefaultConfig(orgID, c.UTCOffsetMinutes)
		fresh.PresentRoleID = c.PresentRoleID
		fresh.AbsentRoleID = c.AbsentRoleID
		fresh.ExcusedRoleID = c.ExcusedRoleID
		fresh.WelcomeChannelID = c.WelcomeChannelID
		fresh.ReportChannelID = c.ReportChannelID
		*c = fresh
		return nil
	})
	if err != nil {
		return err
	}
	release()
	release = nil

	s.log.Info().Str("org", orgID).Msg("full reset")
	s.refresh(ctx, orgID, RefreshOptions{Force: true})
	return nil
}

// Standing is one leaderboard row with a display name.
type Standing struct {
	Rank        int    `json:"rank"`
	DisplayName string `json:"display_name"`
	Stats
}

// Leaderboard returns the top subjects, limit clamped to 1..25.
func (s *Service) Leaderboard(ctx context.Context, orgID string, limit int) ([]Standing, error) {
	switch {
	case limit <= 0:
		limit = DefaultLeaderboardLimit
	case limit > MaxLeaderboardLimit:
		limit = MaxLeaderboardLimit
	}
	rows, err := s.d.Store.Leaderboard(ctx, orgID, limit)
	if err != nil {
		return nil, err
	}
	names := map[string]string{}
	if s.d.Directory != nil && len(rows) > 0 {
		ids := make([]string, len(rows))
		for i, r := range rows {
			ids[i] = r.SubjectID
		}
		cctx, cancel := context.WithTimeout(ctx, s.d.ExternalTimeout)
		if got, err := s.d.Directory.DisplayNames(cctx, orgID, ids); err == nil {
			names = got
		} else {
			s.log.Debug().Err(err).Str("org", orgID).Msg("leaderboard names unavailable")
		}
		cancel()
	}
	out := make([]Standing, len(rows))
	for i, r := range rows {
		name := names[r.SubjectID]
		if name == "" {
			name = r.SubjectID
		}
		out[i] = Standing{Rank: i + 1, DisplayName: name, Stats: r}
	}
	return out, nil
}

// SetupChecklist returns what is left to configure.
func (s *Service) SetupChecklist(ctx context.Context, orgID string) (SetupStatus, error) {
	cfg, err := s.d.Cache.Get(ctx, orgID)
	if err != nil {
		return SetupStatus{}, err
	}
	return SetupStatus{Items: cfg.SetupChecklist(), Complete: cfg.SetupComplete()}, nil
}

// RefreshReport publishes the organization's report, optionally to another channel.
func (s *Service) RefreshReport(ctx context.Context, orgID string, opts RefreshOptions) (*MessageRef, error) {
	if s.d.Refresher == nil {
		return nil, nil
	}
	return s.d.Refresher.Refresh(ctx, orgID, opts)
}

func (s *Service) refresh(ctx context.Context, orgID string, opts RefreshOptions) *MessageRef {
	if s.d.Refresher == nil {
		return nil
	}
	ref, err := s.d.Refresher.Refresh(ctx, orgID, opts)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn().Err(err).Str("org", orgID).Msg("report refresh failed")
	}
	return ref
}
