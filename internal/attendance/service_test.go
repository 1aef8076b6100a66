package attendance_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"registrar/internal/attendance"
)

func selfRequest(org, subject string, s attendance.Status) attendance.StatusRequest {
	return attendance.StatusRequest{OrgID: org, SubjectID: subject, Status: s, RequestedBy: subject, OriginChannelID: "general"}
}

func adminRequest(org, subject string, s attendance.Status, reason string) attendance.StatusRequest {
	return attendance.StatusRequest{OrgID: org, SubjectID: subject, Status: s, RequestedBy: admin, Reason: reason, Privileged: true}
}

func TestSelfReportPresent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.configure(t, "org", nil)
	h.member("alice", roleMember, roleA) // stale absent role from a previous cycle

	res, err := h.svc.SetStatus(ctx, selfRequest("org", "alice", attendance.StatusPresent))
	require.NoError(t, err)

	assert.True(t, res.Changed)
	assert.Equal(t, attendance.StatusPresent, res.Record.Status)
	recs := h.records(t, "org")
	require.Len(t, recs, 1)
	assert.Equal(t, attendance.StatusPresent, recs["alice"].Status)
	assert.Equal(t, "general", recs["alice"].OriginChannelID)
	assert.Equal(t, []string{roleMember, roleP}, h.roles.Roles("alice"))
	assert.Equal(t, 1, h.stats(t, "org", "alice").PresentCount)
	assert.Equal(t, 1, h.refresher.Forced())
}

func TestRepeatedTransitionDoesNotDoubleCount(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.configure(t, "org", nil)
	h.member("alice", roleMember)

	_, err := h.svc.SetStatus(ctx, selfRequest("org", "alice", attendance.StatusPresent))
	require.NoError(t, err)
	first := h.records(t, "org")["alice"]

	h.clock.Advance(5 * time.Minute)
	res, err := h.svc.SetStatus(ctx, selfRequest("org", "alice", attendance.StatusPresent))
	require.NoError(t, err)

	assert.False(t, res.Changed)
	assert.True(t, first.Timestamp.Equal(h.records(t, "org")["alice"].Timestamp))
	assert.Equal(t, 1, h.stats(t, "org", "alice").PresentCount)
	assert.Equal(t, []string{roleMember, roleP}, h.roles.Roles("alice"))
}

func TestTransitionsKeepRolesExclusive(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.configure(t, "org", nil)
	h.member("alice", roleMember)

	steps := []attendance.StatusRequest{
		selfRequest("org", "alice", attendance.StatusPresent),
		adminRequest("org", "alice", attendance.StatusExcused, "doctor"),
		adminRequest("org", "alice", attendance.StatusAbsent, ""),
		adminRequest("org", "alice", attendance.StatusPresent, ""),
	}
	want := []string{roleP, roleE, roleA, roleP}
	for i, req := range steps {
		_, err := h.svc.SetStatus(ctx, req)
		require.NoError(t, err)

		held := 0
		for _, r := range []string{roleP, roleA, roleE} {
			if h.roles.Has("alice", r) {
				held++
			}
		}
		assert.Equal(t, 1, held, "step %d", i)
		assert.True(t, h.roles.Has("alice", want[i]), "step %d", i)
		assert.Len(t, h.records(t, "org"), 1)
	}
	st := h.stats(t, "org", "alice")
	assert.Equal(t, attendance.Stats{SubjectID: "alice", PresentCount: 2, AbsentCount: 1, ExcusedCount: 1}, st)
}

func TestSelfExcuseRejectedWhenAdminRequired(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.configure(t, "org", nil)
	h.member("alice", roleMember)
	h.roles.ResetCalls()

	req := selfRequest("org", "alice", attendance.StatusExcused)
	req.Reason = "tired"
	_, err := h.svc.SetStatus(ctx, req)

	assert.ErrorIs(t, err, attendance.ErrPermissionDenied)
	assert.True(t, attendance.IsPermission(err))
	assert.Empty(t, h.records(t, "org"))
	assert.Empty(t, h.roles.Calls())
	assert.Empty(t, h.refresher.Calls())

	// privileged self-excuse is still refused
	req.Privileged = true
	_, err = h.svc.SetStatus(ctx, req)
	assert.ErrorIs(t, err, attendance.ErrPermissionDenied)
}

func TestReExcuseReplacesReason(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.configure(t, "org", nil)
	h.member("bob", roleMember)

	_, err := h.svc.SetStatus(ctx, adminRequest("org", "bob", attendance.StatusExcused, "doctor"))
	require.NoError(t, err)

	req := adminRequest("org", "bob", attendance.StatusExcused, "family emergency")
	req.OriginChannelID = "office"
	res, err := h.svc.SetStatus(ctx, req)
	require.NoError(t, err)

	assert.False(t, res.Changed)
	assert.Equal(t, "family emergency", res.Record.Reason)
	stored := h.records(t, "org")["bob"]
	assert.Equal(t, "family emergency", stored.Reason)
	assert.Equal(t, "office", stored.OriginChannelID)
	assert.Equal(t, 1, h.stats(t, "org", "bob").ExcusedCount)
	assert.True(t, h.roles.Has("bob", roleE))
}

func TestSelfExcuseAllowedWhenNotRequired(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.configure(t, "org", func(c *attendance.OrgConfig) { c.RequireAdminExcuse = false })
	h.member("alice", roleMember)
	h.member("bob")

	req := selfRequest("org", "alice", attendance.StatusExcused)
	_, err := h.svc.SetStatus(ctx, req)
	assert.ErrorIs(t, err, attendance.ErrMissingReason)
	assert.True(t, attendance.IsValidation(err))

	req.Reason = "  "
	_, err = h.svc.SetStatus(ctx, req)
	assert.ErrorIs(t, err, attendance.ErrMissingReason)

	req.Reason = "family"
	res, err := h.svc.SetStatus(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "family", res.Record.Reason)

	// excusing someone else still needs privilege, checked before the reason
	other := attendance.StatusRequest{OrgID: "org", SubjectID: "alice", Status: attendance.StatusExcused, RequestedBy: "bob"}
	_, err = h.svc.SetStatus(ctx, other)
	assert.ErrorIs(t, err, attendance.ErrPermissionDenied)

	// self-excuse needs the permitted role
	bob := selfRequest("org", "bob", attendance.StatusExcused)
	bob.Reason = "x"
	_, err = h.svc.SetStatus(ctx, bob)
	assert.ErrorIs(t, err, attendance.ErrNotEligible)
}

func TestAdminExcuseNotifiesSubject(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.configure(t, "org", nil)
	h.member("alice", roleMember)

	_, err := h.svc.SetStatus(ctx, adminRequest("org", "alice", attendance.StatusExcused, ""))
	assert.ErrorIs(t, err, attendance.ErrMissingReason)

	res, err := h.svc.SetStatus(ctx, adminRequest("org", "alice", attendance.StatusExcused, "sick"))
	require.NoError(t, err)
	assert.Equal(t, "sick", res.Record.Reason)

	msgs := h.notifier.Messages("alice")
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "EXCUSED")
	assert.Contains(t, msgs[0], "sick")
}

func TestPresentPreconditions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.configure(t, "org", nil)
	h.member("alice", roleMember)
	h.member("bob")

	h.clock.Set(localTime(7, 0))
	_, err := h.svc.SetStatus(ctx, selfRequest("org", "alice", attendance.StatusPresent))
	assert.ErrorIs(t, err, attendance.ErrWindowClosed)
	assert.Contains(t, err.Error(), "8:00 AM")

	h.clock.Set(localTime(9, 0))
	_, err = h.svc.SetStatus(ctx, selfRequest("org", "bob", attendance.StatusPresent))
	assert.ErrorIs(t, err, attendance.ErrNotEligible)

	_, err = h.svc.SetStatus(ctx, attendance.StatusRequest{OrgID: "org", SubjectID: "alice", Status: attendance.StatusPresent, RequestedBy: "bob"})
	assert.ErrorIs(t, err, attendance.ErrPermissionDenied)

	h.configure(t, "org", func(c *attendance.OrgConfig) { c.AllowSelfMarking = false })
	_, err = h.svc.SetStatus(ctx, selfRequest("org", "alice", attendance.StatusPresent))
	assert.ErrorIs(t, err, attendance.ErrPermissionDenied)

	// an administrator may still mark others outside self-marking rules
	h.clock.Set(localTime(20, 0))
	_, err = h.svc.SetStatus(ctx, adminRequest("org", "alice", attendance.StatusPresent, ""))
	assert.NoError(t, err)
	assert.Empty(t, h.records(t, "org")["bob"])
}

func TestAbsentRequiresPrivilege(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.configure(t, "org", nil)
	h.member("alice", roleMember)

	_, err := h.svc.SetStatus(ctx, selfRequest("org", "alice", attendance.StatusAbsent))
	assert.ErrorIs(t, err, attendance.ErrPermissionDenied)

	system := attendance.StatusRequest{
		OrgID: "org", SubjectID: "alice", Status: attendance.StatusAbsent, RequestedBy: attendance.SystemActor,
	}
	_, err = h.svc.SetStatus(ctx, system)
	assert.ErrorIs(t, err, attendance.ErrPermissionDenied)

	system.Privileged = true
	res, err := h.svc.SetStatus(ctx, system)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.True(t, h.roles.Has("alice", roleA))
}

func TestInvalidRequests(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.svc.SetStatus(ctx, attendance.StatusRequest{OrgID: "org", SubjectID: "a", RequestedBy: "a", Status: "late"})
	assert.ErrorIs(t, err, attendance.ErrInvalidStatus)

	_, err = h.svc.SetStatus(ctx, attendance.StatusRequest{OrgID: "org", Status: attendance.StatusPresent})
	assert.ErrorIs(t, err, attendance.ErrInvalidInput)
}

func TestPersistenceFailureIssuesNoSideEffects(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.configure(t, "org", nil)
	h.member("alice", roleMember)
	h.roles.ResetCalls()
	h.store.set(func(s *flakyStore) { s.failPut = true })

	_, err := h.svc.SetStatus(ctx, selfRequest("org", "alice", attendance.StatusPresent))

	assert.ErrorIs(t, err, attendance.ErrPersistence)
	assert.Empty(t, h.roles.Calls())
	assert.Empty(t, h.refresher.Calls())
	assert.Equal(t, 0, h.stats(t, "org", "alice").PresentCount)
}

func TestRoleFailureStillCommitsRecord(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.configure(t, "org", nil)
	h.member("alice", roleMember)
	h.roles.FailRole(roleP, fmt.Errorf("grant: %w", attendance.ErrForbidden))

	res, err := h.svc.SetStatus(ctx, selfRequest("org", "alice", attendance.StatusPresent))

	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, attendance.StatusPresent, h.records(t, "org")["alice"].Status)
	assert.Equal(t, 1, h.stats(t, "org", "alice").PresentCount)
	assert.False(t, h.roles.Has("alice", roleP))
}

func TestClearStatus(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.configure(t, "org", nil)
	h.member("alice", roleMember)
	_, err := h.svc.SetStatus(ctx, selfRequest("org", "alice", attendance.StatusPresent))
	require.NoError(t, err)

	cleared, err := h.svc.ClearStatus(ctx, "org", "alice")
	require.NoError(t, err)
	assert.True(t, cleared)
	assert.Empty(t, h.records(t, "org"))
	assert.Equal(t, []string{roleMember}, h.roles.Roles("alice"))

	cleared, err = h.svc.ClearStatus(ctx, "org", "alice")
	require.NoError(t, err)
	assert.False(t, cleared)

	// the subject can report again
	_, err = h.svc.SetStatus(ctx, selfRequest("org", "alice", attendance.StatusPresent))
	require.NoError(t, err)
	assert.Equal(t, 2, h.stats(t, "org", "alice").PresentCount)
}

func TestSetWindowSeedsWatermark(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.clock.Set(localTime(19, 0))

	cfg, err := h.svc.SetWindow(ctx, "org", attendance.NewTimeOfDay(8, 0), attendance.NewTimeOfDay(17, 0))
	require.NoError(t, err)

	assert.Equal(t, attendance.ModeWindow, cfg.Mode)
	assert.Equal(t, "2026-03-10", cfg.LastProcessedDate)
	assert.Equal(t, "2026-03-10", h.config(t, "org").LastProcessedDate)
	assert.Equal(t, 1, h.refresher.Forced())
}

func TestUpdateConfigValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	zero := 0
	_, err := h.svc.UpdateConfig(ctx, "org", attendance.ConfigPatch{ExpiryHours: &zero})
	assert.ErrorIs(t, err, attendance.ErrInvalidInput)

	bad := attendance.Mode("weekly")
	_, err = h.svc.UpdateConfig(ctx, "org", attendance.ConfigPatch{Mode: &bad})
	assert.ErrorIs(t, err, attendance.ErrInvalidInput)

	ch := " reports "
	off := false
	cfg, err := h.svc.UpdateConfig(ctx, "org", attendance.ConfigPatch{ReportChannelID: &ch, AllowSelfMarking: &off})
	require.NoError(t, err)
	assert.Equal(t, "reports", cfg.ReportChannelID)
	assert.False(t, cfg.AllowSelfMarking)
	assert.Equal(t, attendance.ModeDuration, cfg.Mode)
	assert.Empty(t, cfg.LastProcessedDate)
}

func TestFullReset(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.configure(t, "org", func(c *attendance.OrgConfig) { c.WelcomeChannelID = "welcome" })
	h.member("alice", roleMember)
	h.member("bob", roleMember, roleE)
	_, err := h.svc.SetStatus(ctx, selfRequest("org", "alice", attendance.StatusPresent))
	require.NoError(t, err)

	require.NoError(t, h.svc.FullReset(ctx, "org"))

	assert.Empty(t, h.records(t, "org"))
	assert.Equal(t, 0, h.stats(t, "org", "alice").PresentCount)
	assert.Equal(t, []string{roleMember}, h.roles.Roles("alice"))
	assert.Equal(t, []string{roleMember}, h.roles.Roles("bob"))

	cfg := h.config(t, "org")
	assert.Equal(t, roleP, cfg.PresentRoleID)
	assert.Equal(t, roleA, cfg.AbsentRoleID)
	assert.Equal(t, roleE, cfg.ExcusedRoleID)
	assert.Equal(t, "reports", cfg.ReportChannelID)
	assert.Equal(t, "welcome", cfg.WelcomeChannelID)
	assert.Empty(t, cfg.PermittedRoleID)
	assert.Equal(t, attendance.ModeDuration, cfg.Mode)
	assert.Empty(t, cfg.LastProcessedDate)
}

func TestFullResetCancelledLeavesData(t *testing.T) {
	h := newHarness(t)
	h.configure(t, "org", nil)
	h.member("alice", roleMember)
	_, err := h.svc.SetStatus(context.Background(), selfRequest("org", "alice", attendance.StatusPresent))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = h.svc.FullReset(ctx, "org")

	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, h.records(t, "org"), 1)
	assert.Equal(t, attendance.ModeWindow, h.config(t, "org").Mode)
}

func TestBulkRevokeRole(t *testing.T) {
	h := newHarness(t)
	for _, id := range []string{"a", "b", "c"} {
		h.member(id, roleMember)
	}

	n, err := h.svc.BulkRevokeRole(context.Background(), "org", roleMember)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	for _, id := range []string{"a", "b", "c"} {
		assert.False(t, h.roles.Has(id, roleMember))
	}

	_, err = h.svc.BulkRevokeRole(context.Background(), "org", "")
	assert.ErrorIs(t, err, attendance.ErrInvalidInput)

	h.dir.SetError(errors.New("gateway down"))
	_, err = h.svc.BulkRevokeRole(context.Background(), "org", roleMember)
	assert.ErrorIs(t, err, attendance.ErrExternal)
}

func TestLeaderboardClampAndNames(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.member("s00")
	for i := 0; i < 30; i++ {
		require.NoError(t, h.store.IncrementCounter(ctx, "org", fmt.Sprintf("s%02d", i), attendance.StatusPresent))
	}

	rows, err := h.svc.Leaderboard(ctx, "org", 100)
	require.NoError(t, err)
	assert.Len(t, rows, attendance.MaxLeaderboardLimit)

	rows, err = h.svc.Leaderboard(ctx, "org", 0)
	require.NoError(t, err)
	require.Len(t, rows, attendance.DefaultLeaderboardLimit)
	assert.Equal(t, 1, rows[0].Rank)
	assert.Equal(t, "User s00", rows[0].DisplayName)
	assert.Equal(t, "s01", rows[1].DisplayName)
}

func TestSetupChecklist(t *testing.T) {
	h := newHarness(t)
	status, err := h.svc.SetupChecklist(context.Background(), "org")
	require.NoError(t, err)
	assert.False(t, status.Complete)
	for _, it := range status.Items {
		assert.False(t, it.Done, it.Name)
	}

	h.configure(t, "org", func(c *attendance.OrgConfig) { c.ExcusedRoleID = "" })
	status, err = h.svc.SetupChecklist(context.Background(), "org")
	require.NoError(t, err)
	assert.False(t, status.Complete)

	h.configure(t, "org", nil)
	status, err = h.svc.SetupChecklist(context.Background(), "org")
	require.NoError(t, err)
	assert.True(t, status.Complete)
	for _, it := range status.Items {
		assert.True(t, it.Done, it.Name)
	}
}
