package testing

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"registrar/internal/attendance"
)

// FixedClock is a settable Clock.
type FixedClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFixedClock starts the clock at now.
func NewFixedClock(now time.Time) *FixedClock { return &FixedClock{now: now} }

// Now returns the current fake time.
func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to now.
func (c *FixedClock) Set(now time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

// Advance moves the clock forward by d.
func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// MockRoleSink tracks role membership in memory and logs every call.
type MockRoleSink struct {
	mu    sync.Mutex
	roles map[string]map[string]bool // subject -> role set
	calls []string
	fail  map[string]error // role -> error
	err   error
}

// NewMockRoleSink creates an empty role sink.
func NewMockRoleSink() *MockRoleSink {
	return &MockRoleSink{roles: make(map[string]map[string]bool), fail: make(map[string]error)}
}

// SetError makes every call fail with err.
func (m *MockRoleSink) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// FailRole makes calls touching roleID fail with err.
func (m *MockRoleSink) FailRole(roleID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail[roleID] = err
}

// Give sets up an existing role holder without logging a call.
func (m *MockRoleSink) Give(subjectID, roleID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.roles[subjectID] == nil {
		m.roles[subjectID] = make(map[string]bool)
	}
	m.roles[subjectID][roleID] = true
}

// GrantRole adds a role.
func (m *MockRoleSink) GrantRole(_ context.Context, orgID, subjectID, roleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, fmt.Sprintf("grant %s %s", subjectID, roleID))
	if m.err != nil {
		return m.err
	}
	if err := m.fail[roleID]; err != nil {
		return err
	}
	if m.roles[subjectID] == nil {
		m.roles[subjectID] = make(map[string]bool)
	}
	m.roles[subjectID][roleID] = true
	return nil
}

// RevokeRole removes a role.
func (m *MockRoleSink) RevokeRole(_ context.Context, orgID, subjectID, roleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, fmt.Sprintf("revoke %s %s", subjectID, roleID))
	if m.err != nil {
		return m.err
	}
	if err := m.fail[roleID]; err != nil {
		return err
	}
	delete(m.roles[subjectID], roleID)
	return nil
}

// Roles returns the sorted roles held by subjectID.
func (m *MockRoleSink) Roles(subjectID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for r := range m.roles[subjectID] {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// Has reports whether subjectID holds roleID.
func (m *MockRoleSink) Has(subjectID, roleID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.roles[subjectID][roleID]
}

// Calls returns a copy of the call log.
func (m *MockRoleSink) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// ResetCalls clears the call log.
func (m *MockRoleSink) ResetCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// MockDirectory answers membership questions from fixed data. When Roles is set,
// membership is read live from the role sink.
type MockDirectory struct {
	mu       sync.Mutex
	Roles    *MockRoleSink
	members  map[string]attendance.Member
	channels map[string]string // channel -> org
	calls    map[string]int
	err      error
}

// NewMockDirectory creates a directory backed by roles.
func NewMockDirectory(roles *MockRoleSink) *MockDirectory {
	return &MockDirectory{
		Roles:    roles,
		members:  make(map[string]attendance.Member),
		channels: make(map[string]string),
		calls:    make(map[string]int),
	}
}

// Calls returns how often the named lookup ran, e.g. "names" or "channel".
func (d *MockDirectory) Calls(op string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[op]
}

// AddMember registers a member and gives it roleIDs.
func (d *MockDirectory) AddMember(m attendance.Member, roleIDs ...string) {
	d.mu.Lock()
	d.members[m.ID] = m
	d.mu.Unlock()
	for _, r := range roleIDs {
		d.Roles.Give(m.ID, r)
	}
}

// AddChannel maps channelID to orgID.
func (d *MockDirectory) AddChannel(channelID, orgID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.channels[channelID] = orgID
}

// SetError makes every call fail with err.
func (d *MockDirectory) SetError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

// Members lists members holding roleID sorted by id.
func (d *MockDirectory) Members(_ context.Context, orgID, roleID string) ([]attendance.Member, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls["members"]++
	if d.err != nil {
		return nil, d.err
	}
	var out []attendance.Member
	for id, m := range d.members {
		if d.Roles.Has(id, roleID) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// HasRole reports role membership.
func (d *MockDirectory) HasRole(_ context.Context, orgID, subjectID, roleID string) (bool, error) {
	d.mu.Lock()
	d.calls["has_role"]++
	err := d.err
	d.mu.Unlock()
	if err != nil {
		return false, err
	}
	return d.Roles.Has(subjectID, roleID), nil
}

// DisplayNames returns known display names.
func (d *MockDirectory) DisplayNames(_ context.Context, orgID string, ids []string) (map[string]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls["names"]++
	if d.err != nil {
		return nil, d.err
	}
	out := make(map[string]string, len(ids))
	for _, id := range ids {
		if m, ok := d.members[id]; ok && m.DisplayName != "" {
			out[id] = m.DisplayName
		}
	}
	return out, nil
}

// ChannelOrg returns the owner of channelID or attendance.ErrNotFound.
func (d *MockDirectory) ChannelOrg(_ context.Context, channelID string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls["channel"]++
	if d.err != nil {
		return "", d.err
	}
	org, ok := d.channels[channelID]
	if !ok {
		return "", fmt.Errorf("channel %s: %w", channelID, attendance.ErrNotFound)
	}
	return org, nil
}

// SentMessage is one message held by MockMessageSink.
type SentMessage struct {
	Ref     attendance.MessageRef
	Content string
}

// MockMessageSink stores messages in memory and counts calls per operation.
type MockMessageSink struct {
	mu       sync.Mutex
	seq      int
	messages map[attendance.MessageRef]string
	sent     []SentMessage
	counts   map[string]int
	fail     map[string]error // op -> error
}

// NewMockMessageSink creates an empty sink.
func NewMockMessageSink() *MockMessageSink {
	return &MockMessageSink{
		messages: make(map[attendance.MessageRef]string),
		counts:   make(map[string]int),
		fail:     make(map[string]error),
	}
}

// Fail makes op ("send", "edit", "delete", "fetch") return err. nil clears it.
func (m *MockMessageSink) Fail(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.fail, op)
		return
	}
	m.fail[op] = err
}

// Send stores a new message.
func (m *MockMessageSink) Send(_ context.Context, channelID, content string) (attendance.MessageRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts["send"]++
	if err := m.fail["send"]; err != nil {
		return attendance.MessageRef{}, err
	}
	m.seq++
	ref := attendance.MessageRef{ChannelID: channelID, MessageID: fmt.Sprintf("m%d", m.seq)}
	m.messages[ref] = content
	m.sent = append(m.sent, SentMessage{Ref: ref, Content: content})
	return ref, nil
}

// Edit replaces the content of an existing message.
func (m *MockMessageSink) Edit(_ context.Context, ref attendance.MessageRef, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts["edit"]++
	if err := m.fail["edit"]; err != nil {
		return err
	}
	if _, ok := m.messages[ref]; !ok {
		return fmt.Errorf("edit %s: %w", ref.MessageID, attendance.ErrNotFound)
	}
	m.messages[ref] = content
	return nil
}

// Delete removes a message.
func (m *MockMessageSink) Delete(_ context.Context, ref attendance.MessageRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts["delete"]++
	if err := m.fail["delete"]; err != nil {
		return err
	}
	if _, ok := m.messages[ref]; !ok {
		return fmt.Errorf("delete %s: %w", ref.MessageID, attendance.ErrNotFound)
	}
	delete(m.messages, ref)
	return nil
}

// Fetch checks a message exists.
func (m *MockMessageSink) Fetch(_ context.Context, ref attendance.MessageRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts["fetch"]++
	if err := m.fail["fetch"]; err != nil {
		return err
	}
	if _, ok := m.messages[ref]; !ok {
		return fmt.Errorf("fetch %s: %w", ref.MessageID, attendance.ErrNotFound)
	}
	return nil
}

// Count returns how many times op was called.
func (m *MockMessageSink) Count(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[op]
}

// Live returns the messages currently present.
func (m *MockMessageSink) Live() map[attendance.MessageRef]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[attendance.MessageRef]string, len(m.messages))
	for k, v := range m.messages {
		out[k] = v
	}
	return out
}

// Sent returns every message ever sent, in order.
func (m *MockMessageSink) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.sent...)
}

// Remove drops a message as if someone deleted it by hand.
func (m *MockMessageSink) Remove(ref attendance.MessageRef) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.messages, ref)
}

// MockNotifier records direct messages.
type MockNotifier struct {
	mu   sync.Mutex
	sent map[string][]string
	err  error
}

// NewMockNotifier creates an empty notifier.
func NewMockNotifier() *MockNotifier {
	return &MockNotifier{sent: make(map[string][]string)}
}

// SetError makes every call fail with err.
func (n *MockNotifier) SetError(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.err = err
}

// DirectMessage records content for subjectID.
func (n *MockNotifier) DirectMessage(_ context.Context, orgID, subjectID, content string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent[subjectID] = append(n.sent[subjectID], content)
	return nil
}

// Messages returns what subjectID received.
func (n *MockNotifier) Messages(subjectID string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.sent[subjectID]...)
}

// RefreshCall is one recorded Refresh.
type RefreshCall struct {
	OrgID string
	Opts  attendance.RefreshOptions
}

// MockRefresher records refresh requests.
type MockRefresher struct {
	mu    sync.Mutex
	calls []RefreshCall
	err   error
}

// SetError makes Refresh fail with err.
func (r *MockRefresher) SetError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

// Refresh records the call.
func (r *MockRefresher) Refresh(_ context.Context, orgID string, opts attendance.RefreshOptions) (*attendance.MessageRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, RefreshCall{OrgID: orgID, Opts: opts})
	return nil, r.err
}

// Calls returns recorded calls.
func (r *MockRefresher) Calls() []RefreshCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RefreshCall(nil), r.calls...)
}

// Forced counts forced refreshes.
func (r *MockRefresher) Forced() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.Opts.Force {
			n++
		}
	}
	return n
}
