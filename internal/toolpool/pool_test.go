package toolpool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/poliport/poliport/internal/config"
	"github.com/poliport/poliport/internal/observability"
)

type fakeHeaders struct {
	mu            sync.Mutex
	headers       map[string]map[string]string
	authenticated map[string]bool
	err           error
}

func newFakeHeaders() *fakeHeaders {
	return &fakeHeaders{
		headers:       make(map[string]map[string]string),
		authenticated: make(map[string]bool),
	}
}

func (f *fakeHeaders) set(token string, hdrs map[string]string, authed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.headers[token] = hdrs
	f.authenticated[token] = authed
}

func (f *fakeHeaders) AuthHeaders(ctx context.Context, token string) (map[string]string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, false, f.err
	}
	hdrs := f.headers[token]
	if hdrs == nil {
		hdrs = map[string]string{}
	}
	return hdrs, f.authenticated[token], nil
}

type fakeClient struct {
	mu     sync.Mutex
	closed bool
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func newTestPool(t *testing.T, hdrs HeaderSource, poolCfg config.PoolConfig) (*Pool, *[]*fakeClient) {
	t.Helper()
	cfg := config.DefaultToolsConfig()
	if poolCfg.MaxSize != 0 || poolCfg.TTL != 0 {
		cfg.Pool = poolCfg
	}
	p := NewPool(cfg, hdrs, nil, observability.NewNopMetrics())

	var dialed []*fakeClient
	p.SetDialFunc(func(ctx context.Context, headers map[string]string) (ToolClient, error) {
		c := &fakeClient{}
		dialed = append(dialed, c)
		return c, nil
	})
	return p, &dialed
}

func TestGetClientForSessionCachesOnIdenticalHeaders(t *testing.T) {
	hdrs := newFakeHeaders()
	hdrs.set("s1", map[string]string{"Authorization": "Bearer a"}, true)
	p, dialed := newTestPool(t, hdrs, config.PoolConfig{})

	first, err := p.GetClientForSession(context.Background(), "s1", Options{})
	if err != nil {
		t.Fatalf("first lookup: %v", err)
	}
	// Same token value in a fresh map must still hit.
	hdrs.set("s1", map[string]string{"Authorization": "Bearer a"}, true)
	second, err := p.GetClientForSession(context.Background(), "s1", Options{})
	if err != nil {
		t.Fatalf("second lookup: %v", err)
	}
	if first != second {
		t.Error("identical headers rebuilt the client")
	}
	if len(*dialed) != 1 {
		t.Errorf("dialed %d clients, want 1", len(*dialed))
	}
}

func TestGetClientForSessionRebuildsOnHeaderChange(t *testing.T) {
	hdrs := newFakeHeaders()
	hdrs.set("s1", map[string]string{"Authorization": "Bearer a"}, true)
	p, dialed := newTestPool(t, hdrs, config.PoolConfig{})

	first, err := p.GetClientForSession(context.Background(), "s1", Options{})
	if err != nil {
		t.Fatalf("first lookup: %v", err)
	}

	// A refresh mints a new token string; the pooled client must go.
	hdrs.set("s1", map[string]string{"Authorization": "Bearer b"}, true)
	second, err := p.GetClientForSession(context.Background(), "s1", Options{})
	if err != nil {
		t.Fatalf("second lookup: %v", err)
	}
	if first == second {
		t.Error("stale client served after header change")
	}
	if !first.Tools.(*fakeClient).isClosed() {
		t.Error("displaced client was not closed")
	}
	if len(*dialed) != 2 {
		t.Errorf("dialed %d clients, want 2", len(*dialed))
	}
}

func TestGetClientForSessionRebuildsOnModelChange(t *testing.T) {
	hdrs := newFakeHeaders()
	hdrs.set("s1", map[string]string{}, false)
	p, dialed := newTestPool(t, hdrs, config.PoolConfig{})

	if _, err := p.GetClientForSession(context.Background(), "s1", Options{Model: "standard"}); err != nil {
		t.Fatalf("first lookup: %v", err)
	}
	if _, err := p.GetClientForSession(context.Background(), "s1", Options{Model: "premium"}); err != nil {
		t.Fatalf("second lookup: %v", err)
	}
	if len(*dialed) != 2 {
		t.Errorf("dialed %d clients, want 2", len(*dialed))
	}
}

func TestGetClientForSessionRequireAuth(t *testing.T) {
	hdrs := newFakeHeaders()
	hdrs.set("anon", map[string]string{}, false)
	p, dialed := newTestPool(t, hdrs, config.PoolConfig{})

	_, err := p.GetClientForSession(context.Background(), "anon", Options{RequireAuth: true})
	if !errors.Is(err, ErrAuthRequired) {
		t.Fatalf("error = %v, want ErrAuthRequired", err)
	}
	if len(*dialed) != 0 {
		t.Error("client built despite failed auth requirement")
	}

	// Anonymous lookups without the requirement succeed.
	if _, err := p.GetClientForSession(context.Background(), "anon", Options{}); err != nil {
		t.Fatalf("anonymous lookup: %v", err)
	}
}

func TestEvictionTTL(t *testing.T) {
	hdrs := newFakeHeaders()
	hdrs.set("old", map[string]string{}, false)
	hdrs.set("new", map[string]string{}, false)
	p, _ := newTestPool(t, hdrs, config.PoolConfig{MaxSize: 10, TTL: time.Minute})

	now := time.Now()
	p.SetNowFunc(func() time.Time { return now })

	stale, err := p.GetClientForSession(context.Background(), "old", Options{})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := p.GetClientForSession(context.Background(), "new", Options{}); err != nil {
		t.Fatalf("lookup: %v", err)
	}

	if p.Size() != 1 {
		t.Errorf("pool size = %d, want 1 after TTL sweep", p.Size())
	}
	if !stale.Tools.(*fakeClient).isClosed() {
		t.Error("TTL-evicted client was not closed")
	}
}

func TestEvictionLRU(t *testing.T) {
	hdrs := newFakeHeaders()
	for _, s := range []string{"s1", "s2", "s3"} {
		hdrs.set(s, map[string]string{}, false)
	}
	p, _ := newTestPool(t, hdrs, config.PoolConfig{MaxSize: 2, TTL: time.Hour})

	now := time.Now()
	p.SetNowFunc(func() time.Time { return now })

	oldest, err := p.GetClientForSession(context.Background(), "s1", Options{})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	now = now.Add(time.Second)
	if _, err := p.GetClientForSession(context.Background(), "s2", Options{}); err != nil {
		t.Fatalf("lookup: %v", err)
	}
	now = now.Add(time.Second)
	if _, err := p.GetClientForSession(context.Background(), "s3", Options{}); err != nil {
		t.Fatalf("lookup: %v", err)
	}

	if p.Size() != 2 {
		t.Errorf("pool size = %d, want cap 2", p.Size())
	}
	if !oldest.Tools.(*fakeClient).isClosed() {
		t.Error("LRU victim was not closed")
	}
	if _, err := p.GetClientForSession(context.Background(), "s2", Options{}); err != nil {
		t.Fatalf("surviving entry lookup: %v", err)
	}
}

func TestRefreshSessionClient(t *testing.T) {
	hdrs := newFakeHeaders()
	hdrs.set("s1", map[string]string{"Authorization": "Bearer a"}, true)
	p, dialed := newTestPool(t, hdrs, config.PoolConfig{})

	first, err := p.GetClientForSession(context.Background(), "s1", Options{})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}

	p.RefreshSessionClient("s1")
	if p.Size() != 0 {
		t.Errorf("pool size = %d, want 0 after refresh", p.Size())
	}
	if !first.Tools.(*fakeClient).isClosed() {
		t.Error("refreshed client was not closed")
	}

	// Next access rebuilds.
	if _, err := p.GetClientForSession(context.Background(), "s1", Options{}); err != nil {
		t.Fatalf("rebuild lookup: %v", err)
	}
	if len(*dialed) != 2 {
		t.Errorf("dialed %d clients, want 2", len(*dialed))
	}
}

func TestCloseAllClients(t *testing.T) {
	hdrs := newFakeHeaders()
	for _, s := range []string{"s1", "s2", "s3"} {
		hdrs.set(s, map[string]string{}, false)
	}
	p, dialed := newTestPool(t, hdrs, config.PoolConfig{})
	for _, s := range []string{"s1", "s2", "s3"} {
		if _, err := p.GetClientForSession(context.Background(), s, Options{}); err != nil {
			t.Fatalf("lookup %s: %v", s, err)
		}
	}

	p.CloseAllClients()
	if p.Size() != 0 {
		t.Errorf("pool size = %d, want 0", p.Size())
	}
	for i, c := range *dialed {
		if !c.isClosed() {
			t.Errorf("client %d not closed on drain", i)
		}
	}
}

func TestDialFailureIsNotCached(t *testing.T) {
	hdrs := newFakeHeaders()
	hdrs.set("s1", map[string]string{}, false)
	p, _ := newTestPool(t, hdrs, config.PoolConfig{})

	dialErr := errors.New("tool server down")
	p.SetDialFunc(func(ctx context.Context, headers map[string]string) (ToolClient, error) {
		return nil, dialErr
	})

	if _, err := p.GetClientForSession(context.Background(), "s1", Options{}); !errors.Is(err, dialErr) {
		t.Fatalf("error = %v, want dial failure", err)
	}
	if p.Size() != 0 {
		t.Errorf("pool size = %d, want 0 after failed build", p.Size())
	}
}
