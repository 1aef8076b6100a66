package report

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"registrar/internal/attendance"
	"registrar/internal/metrics"
)

// Key is the lock key guarding an organization's published report.
func Key(orgID string) string { return "report:" + orgID }

// Options wires a Publisher.
type Options struct {
	Cache     *attendance.SettingsCache
	Store     attendance.Store
	Messages  attendance.MessageSink
	Directory attendance.Directory
	Locker    attendance.Locker
	Clock     attendance.Clock
	Timeout   time.Duration
	Metrics   *metrics.Metrics
	Log       zerolog.Logger
}

// Publisher keeps one live report message per organization and skips publishing
// when nothing visible changed.
type Publisher struct {
	opts Options
	log  zerolog.Logger

	mu     sync.Mutex
	hashes map[string]uint64
}

var _ attendance.Refresher = (*Publisher)(nil)

// NewPublisher creates a publisher. Cache, Store, Messages and Locker are required.
func NewPublisher(opts Options) *Publisher {
	if opts.Clock == nil {
		opts.Clock = attendance.SystemClock{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Publisher{
		opts:   opts,
		log:    opts.Log.With().Str("component", "report").Logger(),
		hashes: make(map[string]uint64),
	}
}

// Snapshot builds the current report content of the organization.
func (p *Publisher) Snapshot(ctx context.Context, orgID string) (Snapshot, error) {
	cfg, err := p.opts.Cache.Get(ctx, orgID)
	if err != nil {
		return Snapshot{}, err
	}
	return p.snapshot(ctx, cfg)
}

func (p *Publisher) snapshot(ctx context.Context, cfg attendance.OrgConfig) (Snapshot, error) {
	recs, err := p.opts.Store.Records(ctx, cfg.OrgID)
	if err != nil {
		return Snapshot{}, err
	}
	return Build(cfg, recs, p.names(ctx, cfg.OrgID, recs), p.opts.Clock.Now()), nil
}

// names looks up display names for recs. A lookup failure renders ids instead.
func (p *Publisher) names(ctx context.Context, orgID string, recs map[string]attendance.Record) map[string]string {
	if p.opts.Directory == nil || len(recs) == 0 {
		return nil
	}
	ids := make([]string, 0, len(recs))
	for id := range recs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	cctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()
	got, err := p.opts.Directory.DisplayNames(cctx, orgID, ids)
	if err != nil {
		p.log.Debug().Err(err).Str("org", orgID).Msg("display names unavailable")
		return nil
	}
	return got
}

// Refresh publishes the report when its state changed or opts.Force is set.
// It returns the live message, or nil when nothing was published.
func (p *Publisher) Refresh(ctx context.Context, orgID string, opts attendance.RefreshOptions) (*attendance.MessageRef, error) {
	release, err := p.opts.Locker.Acquire(ctx, Key(orgID))
	if err != nil {
		return nil, fmt.Errorf("lock report %s: %w", orgID, err)
	}
	defer release()

	// report refs may have been written by another process
	cfg, err := p.opts.Cache.Reload(ctx, orgID)
	if err != nil {
		return nil, err
	}
	recs, err := p.opts.Store.Records(ctx, orgID)
	if err != nil {
		return nil, err
	}
	now := p.opts.Clock.Now()
	// names are not part of the state; they are fetched only to publish
	hash := Build(cfg, recs, nil, now).Hash()
	if !opts.Force && p.unchanged(orgID, hash) {
		p.opts.Metrics.Report("suppressed")
		return nil, nil
	}

	dest := opts.Destination
	if dest == "" {
		dest = cfg.ReportChannelID
	}
	if dest == "" {
		p.opts.Metrics.Report("skipped")
		return nil, nil
	}
	if err := p.checkOwner(ctx, orgID, dest); err != nil {
		p.opts.Metrics.Report("failed")
		return nil, err
	}

	content := Build(cfg, recs, p.names(ctx, orgID, recs), now).Render()
	prev := attendance.MessageRef{ChannelID: cfg.LastReportChannelID, MessageID: cfg.LastReportMessageID}

	if prev.MessageID != "" && prev.ChannelID == dest {
		err := p.edit(ctx, prev, content)
		if err == nil {
			p.remember(orgID, hash)
			p.opts.Metrics.Report("edited")
			return &prev, nil
		}
		if !errors.Is(err, attendance.ErrNotFound) && !errors.Is(err, attendance.ErrForbidden) {
			p.opts.Metrics.Report("failed")
			return nil, err
		}
		p.log.Info().Err(err).Str("org", orgID).Msg("previous report unavailable, posting a new one")
	} else if prev.MessageID != "" {
		p.deleteQuietly(ctx, orgID, prev)
	}

	cctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	ref, err := p.opts.Messages.Send(cctx, dest, content)
	cancel()
	if err != nil {
		p.opts.Metrics.SideEffectFailed("send")
		p.opts.Metrics.Report("failed")
		return nil, fmt.Errorf("send report: %w", err)
	}
	p.remember(orgID, hash)
	p.opts.Metrics.Report("created")

	_, err = p.opts.Cache.Update(ctx, orgID, func(c *attendance.OrgConfig) error {
		c.LastReportChannelID = ref.ChannelID
		c.LastReportMessageID = ref.MessageID
		return nil
	})
	if err != nil {
		// the message exists; the next refresh will post again
		p.log.Error().Err(err).Str("org", orgID).Msg("persist report reference failed")
		return &ref, err
	}
	p.log.Info().Str("org", orgID).Str("channel", ref.ChannelID).Msg("report posted")
	return &ref, nil
}

// Remove deletes the live report and forgets its reference.
func (p *Publisher) Remove(ctx context.Context, orgID string) (bool, error) {
	release, err := p.opts.Locker.Acquire(ctx, Key(orgID))
	if err != nil {
		return false, fmt.Errorf("lock report %s: %w", orgID, err)
	}
	defer release()

	cfg, err := p.opts.Cache.Reload(ctx, orgID)
	if err != nil {
		return false, err
	}
	if cfg.LastReportMessageID == "" {
		return false, nil
	}
	p.deleteQuietly(ctx, orgID, attendance.MessageRef{ChannelID: cfg.LastReportChannelID, MessageID: cfg.LastReportMessageID})
	_, err = p.opts.Cache.Update(ctx, orgID, func(c *attendance.OrgConfig) error {
		c.LastReportChannelID = ""
		c.LastReportMessageID = ""
		return nil
	})
	if err != nil {
		return false, err
	}
	p.Forget(orgID)
	return true, nil
}

// Forget drops the remembered hash so the next refresh publishes.
func (p *Publisher) Forget(orgID string) {
	p.mu.Lock()
	delete(p.hashes, orgID)
	p.mu.Unlock()
}

func (p *Publisher) checkOwner(ctx context.Context, orgID, channelID string) error {
	if p.opts.Directory == nil {
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()
	owner, err := p.opts.Directory.ChannelOrg(cctx, channelID)
	if err != nil {
		return fmt.Errorf("%w: resolve channel %s: %v", attendance.ErrExternal, channelID, err)
	}
	if owner != orgID {
		p.log.Error().Str("org", orgID).Str("channel", channelID).Str("owner", owner).Msg("report destination belongs to another organization")
		return fmt.Errorf("%w: channel %s", attendance.ErrSecurity, channelID)
	}
	return nil
}

func (p *Publisher) edit(ctx context.Context, ref attendance.MessageRef, content string) error {
	cctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()
	if err := p.opts.Messages.Fetch(cctx, ref); err != nil {
		return err
	}
	if err := p.opts.Messages.Edit(cctx, ref, content); err != nil {
		p.opts.Metrics.SideEffectFailed("edit")
		return err
	}
	return nil
}

func (p *Publisher) deleteQuietly(ctx context.Context, orgID string, ref attendance.MessageRef) {
	cctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()
	if err := p.opts.Messages.Delete(cctx, ref); err != nil && !errors.Is(err, attendance.ErrNotFound) {
		p.opts.Metrics.SideEffectFailed("delete")
		p.log.Warn().Err(err).Str("org", orgID).Str("message", ref.MessageID).Msg("delete old report failed")
	}
}

func (p *Publisher) unchanged(orgID string, hash uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	last, ok := p.hashes[orgID]
	return ok && last == hash
}

func (p *Publisher) remember(orgID string, hash uint64) {
	p.mu.Lock()
	p.hashes[orgID] = hash
	p.mu.Unlock()
}
