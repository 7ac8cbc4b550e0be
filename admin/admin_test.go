package admin

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/maxpert/mglock/cfg"
	"github.com/maxpert/mglock/encoding"
	"github.com/maxpert/mglock/lock"
	"github.com/maxpert/mglock/lockctx"
	"github.com/maxpert/mglock/notify"
	"github.com/maxpert/mglock/txn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	h      *lockctx.Hierarchy
	hub    *notify.Hub
	server *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	h := lockctx.NewHierarchy(lock.NewManager())
	hub := notify.NewHub()
	h.Manager().SetObserver(hub)
	ctx := context.Background()

	db := h.Root("database")
	t1 := db.ChildContext("T1")
	t2 := db.ChildContext("T2")
	require.NoError(t, db.Acquire(ctx, 1, lock.IX))
	require.NoError(t, t1.Acquire(ctx, 1, lock.X))
	require.NoError(t, db.Acquire(ctx, 2, lock.IS))
	require.NoError(t, t2.Acquire(ctx, 2, lock.S))

	handlers, err := NewAdminHandlers(h, hub, 8)
	require.NoError(t, err)

	mux := http.NewServeMux()
	RegisterRoutes(mux, handlers)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	t.Cleanup(hub.Close)
	return &fixture{h: h, hub: hub, server: srv}
}

func (f *fixture) do(t *testing.T, method, path string, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeData(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	require.NoError(t, json.Unmarshal(envelope.Data, v))
}

func withSecret(t *testing.T, secret string) {
	t.Helper()
	prev := cfg.Config.Admin.Secret
	cfg.Config.Admin.Secret = secret
	t.Cleanup(func() { cfg.Config.Admin.Secret = prev })
}

func TestLocks_All(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/admin/locks", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var states []lock.ResourceState
	decodeData(t, resp, &states)
	require.Len(t, states, 3)
	assert.Equal(t, "database", states[0].Name.String())
	assert.Len(t, states[0].Holders, 2)
}

func TestLocks_Pattern(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/admin/locks?pattern=database/*", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var states []lock.ResourceState
	decodeData(t, resp, &states)
	names := make([]string, 0, len(states))
	for _, s := range states {
		names = append(names, s.Name.String())
	}
	assert.ElementsMatch(t, []string{"database/T1", "database/T2"}, names)

	resp = f.do(t, http.MethodGet, "/admin/locks?pattern=database/T[", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLocks_MsgpackZstd(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/admin/locks?format=msgpack&compress=zstd", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/msgpack", resp.Header.Get("Content-Type"))
	assert.Equal(t, "zstd", resp.Header.Get("Content-Encoding"))

	var states []lock.ResourceState
	require.NoError(t, encoding.Decode(resp.Body, &states, encoding.Msgpack, true))
	require.Len(t, states, 3)
	assert.Equal(t, []lock.Lock{{Txn: 1, Name: lock.NewResourceName("database", "T1"), Kind: lock.X}}, states[1].Holders)

	resp = f.do(t, http.MethodGet, "/admin/locks?compress=gzip", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = f.do(t, http.MethodGet, "/admin/locks?format=xml", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTxnLocks(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/admin/txns/1/locks", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var view TxnView
	decodeData(t, resp, &view)
	assert.Equal(t, txn.ID(1), view.Txn)
	require.Len(t, view.Locks, 2)
	assert.Equal(t, lock.IX, view.Locks[0].Kind)
	assert.Equal(t, 1, view.Locks[0].ChildLocks)
	assert.Equal(t, lock.X, view.Locks[1].Effective)

	resp = f.do(t, http.MethodGet, "/admin/txns/abc/locks", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestReleaseTxn(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/admin/txns/2/release", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Empty(t, f.h.Manager().Locks(2))
	assert.Zero(t, f.h.Root("database").NumChildLocks(2))
	assert.Len(t, f.h.Manager().Locks(1), 2)

	resp = f.do(t, http.MethodGet, "/admin/txns/2/release", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestReleaseTxn_AbortsQueuedRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	db := f.h.Root("database")
	t1 := db.ChildContext("T1")
	require.NoError(t, db.Acquire(ctx, 3, lock.IS))
	done := make(chan error, 1)
	go func() { done <- t1.Acquire(ctx, 3, lock.S) }()
	require.Eventually(t, func() bool {
		return len(f.h.Manager().Waiting(t1.Name())) == 1
	}, time.Second, time.Millisecond)

	resp := f.do(t, http.MethodPost, "/admin/txns/3/release", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	select {
	case err := <-done:
		require.ErrorIs(t, err, lock.ErrAborted)
	case <-time.After(2 * time.Second):
		t.Fatal("queued request survived the release")
	}
	assert.Empty(t, f.h.Manager().Waiting(t1.Name()))

	require.NoError(t, t1.Release(1))
	assert.Empty(t, f.h.Manager().Locks(3))
}

func TestResource(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/admin/resource?name=database/T2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var view ResourceView
	decodeData(t, resp, &view)
	assert.True(t, view.Materialized)
	assert.Equal(t, []lock.Lock{{Txn: 2, Name: lock.NewResourceName("database", "T2"), Kind: lock.S}}, view.Holders)

	resp = f.do(t, http.MethodGet, "/admin/resource?name=database/T9", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	view = ResourceView{}
	decodeData(t, resp, &view)
	assert.False(t, view.Materialized)
	assert.Empty(t, view.Holders)

	resp = f.do(t, http.MethodGet, "/admin/resource", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodGet, "/admin/locks?pattern=database/*", nil)

	resp := f.do(t, http.MethodGet, "/admin/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var view StatsView
	decodeData(t, resp, &view)
	assert.Equal(t, 3, view.Resources)
	assert.Equal(t, 4, view.Held)
	assert.Equal(t, 2, view.Transactions)
	assert.Equal(t, 3, view.Contexts)
	assert.Equal(t, 1, view.CachedPatterns)
}

func TestAuthMiddleware(t *testing.T) {
	f := newFixture(t)
	withSecret(t, "s3cret")

	resp := f.do(t, http.MethodGet, "/admin/stats", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/admin/stats", http.Header{"Authorization": {"Basic s3cret"}})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/admin/stats", http.Header{"X-Mglock-Secret": {"wrong"}})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/admin/stats", http.Header{"X-Mglock-Secret": {"s3cret"}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/admin/stats", http.Header{"Authorization": {"Bearer s3cret"}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRedirect(t *testing.T) {
	f := newFixture(t)
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := client.Get(f.server.URL + "/admin")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMovedPermanently, resp.StatusCode)
}

func TestResourceFilter_Cache(t *testing.T) {
	filter, err := NewResourceFilter(2)
	require.NoError(t, err)

	g1, err := filter.Compile("database/**")
	require.NoError(t, err)
	_, err = filter.Compile("database/**")
	require.NoError(t, err)
	assert.Equal(t, 1, filter.Cached())
	assert.True(t, g1.Match("database/T1/page1"))

	single, err := filter.Compile("database/*")
	require.NoError(t, err)
	assert.False(t, single.Match("database/T1/page1"))

	_, err = filter.Compile("a/*/c")
	require.NoError(t, err)
	assert.Equal(t, 2, filter.Cached())

	states := []lock.ResourceState{{Name: lock.NewResourceName("database")}}
	out, err := filter.Filter("", states)
	require.NoError(t, err)
	assert.Equal(t, states, out)

	_, err = NewResourceFilter(0)
	require.Error(t, err)
}

func TestLocks_ETag(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/admin/locks", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	etag := resp.Header.Get("ETag")
	require.NotEmpty(t, etag)

	resp = f.do(t, http.MethodGet, "/admin/locks", http.Header{"If-None-Match": {etag}})
	assert.Equal(t, http.StatusNotModified, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/admin/locks?format=msgpack", http.Header{"If-None-Match": {etag}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	f.h.ReleaseAll(2)
	resp = f.do(t, http.MethodGet, "/admin/locks", http.Header{"If-None-Match": {etag}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEqual(t, etag, resp.Header.Get("ETag"))
}

func TestEvents_Stream(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.server.URL+"/admin/events?resource=database/T2&txn=3", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return f.hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	db := f.h.Root("database")
	require.NoError(t, db.Acquire(context.Background(), 3, lock.IS))
	require.NoError(t, db.ChildContext("T2").Acquire(context.Background(), 3, lock.S))

	lines := bufio.NewScanner(resp.Body)
	require.True(t, lines.Scan())
	var e lock.Event
	require.NoError(t, json.Unmarshal(lines.Bytes(), &e))
	assert.Equal(t, lock.EventGranted, e.Type)
	assert.Equal(t, "database/T2", e.Name.String())
	assert.Equal(t, lock.S, e.Kind)
	assert.EqualValues(t, 3, e.Txn)

	cancel()
	require.Eventually(t, func() bool { return f.hub.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
}

func TestEvents_BadFilter(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/admin/events?txn=x", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Zero(t, f.hub.Subscribers())
}
