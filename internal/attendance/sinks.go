package attendance

import (
	"context"
	"time"
)

// Store persists configuration, records and counters.
type Store interface {
	// LoadConfig overlays the stored non-NULL fields onto into. found is false when
	// the organization has no row.
	LoadConfig(ctx context.Context, orgID string, into *OrgConfig) (found bool, err error)
	PutConfig(ctx context.Context, cfg OrgConfig) error
	DeleteOrg(ctx context.Context, orgID string) error

	Records(ctx context.Context, orgID string) (map[string]Record, error)
	PutRecord(ctx context.Context, orgID string, rec Record) error
	DeleteRecord(ctx context.Context, orgID, subjectID string) error
	ReplaceRecords(ctx context.Context, orgID string, recs map[string]Record) error
	ClearRecords(ctx context.Context, orgID string) error

	IncrementCounter(ctx context.Context, orgID, subjectID string, status Status) error
	Leaderboard(ctx context.Context, orgID string, limit int) ([]Stats, error)
	ClearStats(ctx context.Context, orgID string) error

	ListOrgs(ctx context.Context) ([]string, error)
}

// RoleSink applies role side effects in the external system.
type RoleSink interface {
	GrantRole(ctx context.Context, orgID, subjectID, roleID string) error
	RevokeRole(ctx context.Context, orgID, subjectID, roleID string) error
}

// MessageSink publishes and maintains messages in the external system.
// Implementations return errors wrapping ErrNotFound or ErrForbidden where applicable.
type MessageSink interface {
	Send(ctx context.Context, channelID, content string) (MessageRef, error)
	Edit(ctx context.Context, ref MessageRef, content string) error
	Delete(ctx context.Context, ref MessageRef) error
	Fetch(ctx context.Context, ref MessageRef) error
}

// Directory answers membership questions about the external system.
type Directory interface {
	Members(ctx context.Context, orgID, roleID string) ([]Member, error)
	HasRole(ctx context.Context, orgID, subjectID, roleID string) (bool, error)
	DisplayNames(ctx context.Context, orgID string, subjectIDs []string) (map[string]string, error)
	ChannelOrg(ctx context.Context, channelID string) (string, error)
}

// Notifier sends best-effort direct notices to subjects.
type Notifier interface {
	DirectMessage(ctx context.Context, orgID, subjectID, content string) error
}

// Clock is the source of current time.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns time.Now.
func (SystemClock) Now() time.Time { return time.Now() }

// RefreshOptions controls a report refresh.
type RefreshOptions struct {
	Destination string // overrides the configured report channel
	Force       bool   // publish even when the snapshot is unchanged
}

// Refresher reconciles the visible summary of an organization.
type Refresher interface {
	Refresh(ctx context.Context, orgID string, opts RefreshOptions) (*MessageRef, error)
}

// Locker serializes work on a key.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// RecordsKey is the lock key guarding an organization's record set.
func RecordsKey(orgID string) string { return "records:" + orgID }
