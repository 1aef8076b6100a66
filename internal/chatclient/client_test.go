package chatclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"registrar/internal/attendance"
)

type recorded struct {
	method, path, idem, auth string
	body                     map[string]interface{}
}

func newGateway(t *testing.T, handler http.HandlerFunc) (*Client, func() []recorded) {
	t.Helper()
	var mu sync.Mutex
	var reqs []recorded
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recorded{method: r.Method, path: r.URL.EscapedPath(), idem: r.Header.Get("Idempotency-Key"), auth: r.Header.Get("Authorization")}
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&rec.body)
		}
		mu.Lock()
		reqs = append(reqs, rec)
		mu.Unlock()
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return New(srv.URL+"/", "secret", time.Second, false), func() []recorded {
		mu.Lock()
		defer mu.Unlock()
		return append([]recorded(nil), reqs...)
	}
}

func TestSendPostsWithIdempotencyKey(t *testing.T) {
	c, reqs := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"m1","channel_id":"c1"}`))
	})

	ref, err := c.Send(context.Background(), "c1", "hello")
	require.NoError(t, err)
	assert.Equal(t, attendance.MessageRef{ChannelID: "c1", MessageID: "m1"}, ref)

	got := reqs()
	require.Len(t, got, 1)
	assert.Equal(t, http.MethodPost, got[0].method)
	assert.Equal(t, "/channels/c1/messages", got[0].path)
	assert.NotEmpty(t, got[0].idem)
	assert.Equal(t, "Bearer secret", got[0].auth)
	assert.Equal(t, "hello", got[0].body["content"])
}

func TestStatusCodesMapToErrorKinds(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusNotFound)
	c, _ := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	})
	ref := attendance.MessageRef{ChannelID: "c1", MessageID: "m1"}

	assert.ErrorIs(t, c.Fetch(context.Background(), ref), attendance.ErrNotFound)
	status.Store(http.StatusForbidden)
	assert.ErrorIs(t, c.Edit(context.Background(), ref, "x"), attendance.ErrForbidden)
	status.Store(http.StatusBadGateway)
	err := c.Delete(context.Background(), ref)
	assert.ErrorIs(t, err, attendance.ErrExternal)
	assert.NotErrorIs(t, err, attendance.ErrNotFound)
}

func TestRevokeMissingRoleSucceeds(t *testing.T) {
	c, reqs := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	require.NoError(t, c.RevokeRole(context.Background(), "org", "u1", "r1"))
	got := reqs()
	require.Len(t, got, 1)
	assert.Equal(t, http.MethodDelete, got[0].method)
	assert.Equal(t, "/orgs/org/members/u1/roles/r1", got[0].path)
}

func TestDirectoryLookups(t *testing.T) {
	c, _ := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/orgs/org/roles/member/members":
			_, _ = w.Write([]byte(`{"members":[{"id":"u1","display_name":"Ann"},{"id":"b1","bot":true}]}`))
		case "/orgs/org/members/u1/roles":
			_, _ = w.Write([]byte(`{"roles":["member","x"]}`))
		case "/orgs/org/members/lookup":
			_, _ = w.Write([]byte(`{"names":{"u1":"Ann"}}`))
		case "/channels/c1":
			_, _ = w.Write([]byte(`{"id":"c1","org_id":"org"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	ctx := context.Background()

	members, err := c.Members(ctx, "org", "member")
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "Ann", members[0].DisplayName)
	assert.True(t, members[1].Bot)

	ok, err := c.HasRole(ctx, "org", "u1", "member")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = c.HasRole(ctx, "org", "ghost", "member")
	require.NoError(t, err)
	assert.False(t, ok)

	names, err := c.DisplayNames(ctx, "org", []string{"u1", "u2"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"u1": "Ann"}, names)

	owner, err := c.ChannelOrg(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "org", owner)
}

func TestPathSegmentsAreEscaped(t *testing.T) {
	c, reqs := newGateway(t, func(w http.ResponseWriter, r *http.Request) {})

	require.NoError(t, c.GrantRole(context.Background(), "org", "a/b", "r 1"))
	assert.Equal(t, "/orgs/org/members/a%2Fb/roles/r%201", reqs()[0].path)
}

func TestSkipMode(t *testing.T) {
	c := New("http://127.0.0.1:1", "", time.Second, true)
	ctx := context.Background()

	require.NoError(t, c.GrantRole(ctx, "org", "u1", "r1"))
	ref, err := c.Send(ctx, "c1", "hello")
	require.NoError(t, err)
	assert.Equal(t, "c1", ref.ChannelID)
	assert.NotEmpty(t, ref.MessageID)
	require.NoError(t, c.Health(ctx))

	_, err = c.ChannelOrg(ctx, "c1")
	assert.ErrorIs(t, err, ErrDisabled)
}
