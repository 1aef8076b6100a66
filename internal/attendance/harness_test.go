package attendance_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"registrar/internal/attendance"
	"registrar/internal/lock"
	"registrar/internal/metrics"
	testhelpers "registrar/internal/testing"
)

const (
	roleP      = "R-present"
	roleA      = "R-absent"
	roleE      = "R-excused"
	roleMember = "R-member"
	admin      = "admin"
)

var plus8 = time.FixedZone("", 8*3600)

func localTime(hour, minute int) time.Time {
	return time.Date(2026, 3, 10, hour, minute, 0, 0, plus8)
}

// flakyStore fails selected operations.
type flakyStore struct {
	attendance.Store
	mu        sync.Mutex
	failPut   bool
	failClear bool
	failOrg   string
}

func (s *flakyStore) set(fn func(*flakyStore)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

func (s *flakyStore) PutRecord(ctx context.Context, orgID string, rec attendance.Record) error {
	s.mu.Lock()
	fail := s.failPut || orgID == s.failOrg
	s.mu.Unlock()
	if fail {
		return attendance.ErrPersistence
	}
	return s.Store.PutRecord(ctx, orgID, rec)
}

func (s *flakyStore) Records(ctx context.Context, orgID string) (map[string]attendance.Record, error) {
	s.mu.Lock()
	fail := orgID == s.failOrg
	s.mu.Unlock()
	if fail {
		return nil, attendance.ErrPersistence
	}
	return s.Store.Records(ctx, orgID)
}

func (s *flakyStore) ClearRecords(ctx context.Context, orgID string) error {
	s.mu.Lock()
	fail := s.failClear
	s.mu.Unlock()
	if fail {
		return attendance.ErrPersistence
	}
	return s.Store.ClearRecords(ctx, orgID)
}

type harness struct {
	store     *flakyStore
	cache     *attendance.SettingsCache
	roles     *testhelpers.MockRoleSink
	dir       *testhelpers.MockDirectory
	msgs      *testhelpers.MockMessageSink
	notifier  *testhelpers.MockNotifier
	refresher *testhelpers.MockRefresher
	clock     *testhelpers.FixedClock
	deps      attendance.Deps
	svc       *attendance.Service
	rec       *attendance.Reconciler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:     &flakyStore{Store: newRepo(t)},
		roles:     testhelpers.NewMockRoleSink(),
		msgs:      testhelpers.NewMockMessageSink(),
		notifier:  testhelpers.NewMockNotifier(),
		refresher: &testhelpers.MockRefresher{},
		clock:     testhelpers.NewFixedClock(localTime(9, 0)),
	}
	h.dir = testhelpers.NewMockDirectory(h.roles)
	h.cache = attendance.NewSettingsCache(h.store, 480)
	m := metrics.New(prometheus.NewRegistry())
	h.deps = attendance.Deps{
		Store:           h.store,
		Cache:           h.cache,
		Locker:          lock.NewLocal(),
		Directory:       h.dir,
		Messages:        h.msgs,
		Effects:         attendance.NewEffects(h.roles, h.notifier, time.Second, 0, m, zerolog.Nop()),
		Refresher:       h.refresher,
		Clock:           h.clock,
		Metrics:         m,
		Log:             zerolog.Nop(),
		ExternalTimeout: time.Second,
	}
	h.svc = attendance.NewService(h.deps)
	h.rec = attendance.NewReconciler(h.deps)
	return h
}

// configure writes a fully set-up window-mode config for org.
func (h *harness) configure(t *testing.T, orgID string, fn func(*attendance.OrgConfig)) attendance.OrgConfig {
	t.Helper()
	cfg, err := h.cache.Update(context.Background(), orgID, func(c *attendance.OrgConfig) error {
		c.PresentRoleID = roleP
		c.AbsentRoleID = roleA
		c.ExcusedRoleID = roleE
		c.PermittedRoleID = roleMember
		c.ReportChannelID = "reports"
		c.Mode = attendance.ModeWindow
		c.WindowStart = attendance.NewTimeOfDay(8, 0)
		c.WindowEnd = attendance.NewTimeOfDay(17, 0)
		c.RequireAdminExcuse = true
		if fn != nil {
			fn(c)
		}
		return nil
	})
	require.NoError(t, err)
	return cfg
}

func (h *harness) member(id string, roles ...string) {
	h.dir.AddMember(attendance.Member{ID: id, DisplayName: "User " + id}, roles...)
}

func (h *harness) records(t *testing.T, orgID string) map[string]attendance.Record {
	t.Helper()
	recs, err := h.store.Records(context.Background(), orgID)
	require.NoError(t, err)
	return recs
}

func (h *harness) stats(t *testing.T, orgID, subject string) attendance.Stats {
	t.Helper()
	rows, err := h.store.Leaderboard(context.Background(), orgID, 25)
	require.NoError(t, err)
	for _, r := range rows {
		if r.SubjectID == subject {
			return r
		}
	}
	return attendance.Stats{SubjectID: subject}
}

func (h *harness) config(t *testing.T, orgID string) attendance.OrgConfig {
	t.Helper()
	cfg, err := h.cache.Reload(context.Background(), orgID)
	require.NoError(t, err)
	return cfg
}
