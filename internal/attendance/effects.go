package attendance

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"registrar/internal/metrics"
)

// Effects issues role and notification side effects. Failures are logged and
// counted, never returned: the record in the store stays authoritative.
type Effects struct {
	roles    RoleSink
	notifier Notifier
	timeout  time.Duration
	pace     time.Duration
	metrics  *metrics.Metrics
	log      zerolog.Logger
}

// NewEffects wires the sinks. notifier may be nil.
func NewEffects(roles RoleSink, notifier Notifier, timeout, pace time.Duration, m *metrics.Metrics, log zerolog.Logger) *Effects {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if pace < 0 {
		pace = 0
	}
	return &Effects{
		roles:    roles,
		notifier: notifier,
		timeout:  timeout,
		pace:     pace,
		metrics:  m,
		log:      log.With().Str("component", "effects").Logger(),
	}
}

// Grant adds roleID to the subject. Empty roles are skipped.
func (e *Effects) Grant(ctx context.Context, orgID, subjectID, roleID string) bool {
	if roleID == "" || e.roles == nil {
		return true
	}
	cctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	if err := e.roles.GrantRole(cctx, orgID, subjectID, roleID); err != nil {
		e.metrics.SideEffectFailed("grant")
		e.log.Warn().Err(err).Str("org", orgID).Str("subject", subjectID).Str("role", roleID).Msg("grant role failed")
		return false
	}
	return true
}

// Revoke removes roleID from the subject. Empty roles are skipped.
func (e *Effects) Revoke(ctx context.Context, orgID, subjectID, roleID string) bool {
	if roleID == "" || e.roles == nil {
		return true
	}
	cctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	if err := e.roles.RevokeRole(cctx, orgID, subjectID, roleID); err != nil {
		e.metrics.SideEffectFailed("revoke")
		e.log.Warn().Err(err).Str("org", orgID).Str("subject", subjectID).Str("role", roleID).Msg("revoke role failed")
		return false
	}
	return true
}

// Apply makes the subject's roles match status: the other two status roles are
// revoked before the target role is granted.
func (e *Effects) Apply(ctx context.Context, cfg OrgConfig, subjectID string, status Status) bool {
	ok := true
	for _, role := range cfg.ConflictingRoles(status) {
		ok = e.Revoke(ctx, cfg.OrgID, subjectID, role) && ok
	}
	return e.Grant(ctx, cfg.OrgID, subjectID, cfg.RoleFor(status)) && ok
}

// ClearAll revokes every configured status role.
func (e *Effects) ClearAll(ctx context.Context, cfg OrgConfig, subjectID string) bool {
	ok := true
	for _, role := range cfg.StatusRoles() {
		ok = e.Revoke(ctx, cfg.OrgID, subjectID, role) && ok
	}
	return ok
}

// Notify sends a direct notice. Missing notifier is a no-op.
func (e *Effects) Notify(ctx context.Context, orgID, subjectID, content string) {
	if e.notifier == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	if err := e.notifier.DirectMessage(cctx, orgID, subjectID, content); err != nil {
		e.metrics.SideEffectFailed("notify")
		e.log.Debug().Err(err).Str("org", orgID).Str("subject", subjectID).Msg("direct message failed")
	}
}

// Pause waits between bulk side effects. It returns ctx.Err() when cancelled.
func (e *Effects) Pause(ctx context.Context) error {
	if e.pace <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(e.pace)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
