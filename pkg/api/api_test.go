package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weavy/devauth/pkg/api/store"
	"github.com/weavy/devauth/pkg/config"
	"github.com/weavy/devauth/pkg/roster"
)

const testCookie = "devauth.sid"

// fakeWeavy is an in-process stand-in for the upstream API.
type fakeWeavy struct {
	mu          sync.Mutex
	statusBody  string
	tokenStatus int
	tokenCalls  map[string]int
	tokens      map[string][]string
	synced      map[string]string
}

func newFakeWeavy() *fakeWeavy {
	return &fakeWeavy{
		statusBody:  "Ok",
		tokenStatus: http.StatusOK,
		tokenCalls:  make(map[string]int),
		tokens:      make(map[string][]string),
		synced:      make(map[string]string),
	}
}

func (f *fakeWeavy) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /status", func(w http.ResponseWriter, _ *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		_, _ = io.WriteString(w, f.statusBody)
	})

	mux.HandleFunc("PUT /api/users/{username}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.synced[r.PathValue("username")] = r.Method
		f.mu.Unlock()

		_, _ = io.WriteString(w, `{}`)
	})

	mux.HandleFunc("PATCH /api/bots/{username}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.synced[r.PathValue("username")] = r.Method
		f.mu.Unlock()

		_, _ = io.WriteString(w, `{}`)
	})

	mux.HandleFunc("POST /api/users/{username}/tokens", func(w http.ResponseWriter, r *http.Request) {
		username := r.PathValue("username")

		f.mu.Lock()
		defer f.mu.Unlock()

		f.tokenCalls[username]++

		if f.tokenStatus != http.StatusOK {
			w.WriteHeader(f.tokenStatus)

			return
		}

		token := fmt.Sprintf("%s-tok-%d", username, f.tokenCalls[username])
		if queued := f.tokens[username]; len(queued) > 0 {
			token, f.tokens[username] = queued[0], queued[1:]
		}

		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": token,
			"expires_in":   3600,
		})
	})

	return mux
}

func (f *fakeWeavy) calls(username string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.tokenCalls[username]
}

func (f *fakeWeavy) setTokenStatus(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.tokenStatus = status
}

func (f *fakeWeavy) syncedUsers() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make(map[string]string, len(f.synced))
	for k, v := range f.synced {
		out[k] = v
	}

	return out
}

func testRoster(t *testing.T) *roster.Roster {
	t.Helper()

	r, err := roster.New(
		roster.Human("Marvin", "marvin", "marvin@acme.corp", ""),
		roster.Human("Bugs", "bugs", "bugs@acme.corp", "https://img.test/bugs.png"),
		roster.Agent("Assistant", "assistant", "openai", "gpt-4o", "https://img.test/bot.png"),
	)
	require.NoError(t, err)

	return r
}

func testConfig(upstreamURL string) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Host:    "127.0.0.1",
			Port:    0,
			Metrics: true,
			RateLimit: config.RateLimitConfig{
				RequestsPerMinute: config.DefaultRequestsPerMinute,
			},
		},
		Upstream: config.UpstreamConfig{
			URL:             upstreamURL,
			APIKey:          "wys_test",
			RequestTimeout:  5 * time.Second,
			SyncConcurrency: 2,
			TokenExpiresIn:  3600,
			Readiness: config.ReadinessConfig{
				Interval: time.Millisecond,
			},
		},
		Session: config.SessionConfig{
			Driver:     "memory",
			CookieName: testCookie,
			TTL:        time.Hour,
		},
	}
}

type testEnv struct {
	srv    *server
	weavy  *fakeWeavy
	http   *httptest.Server
	client *http.Client
}

func newTestEnv(t *testing.T, mutate ...func(cfg *config.Config)) *testEnv {
	t.Helper()

	weavy := newFakeWeavy()
	upstreamSrv := httptest.NewServer(weavy.handler())
	t.Cleanup(upstreamSrv.Close)

	cfg := testConfig(upstreamSrv.URL)
	for _, m := range mutate {
		m(cfg)
	}

	log := logrus.New()
	log.SetOutput(io.Discard)

	srv := newServer(log, cfg, testRoster(t))
	require.NoError(t, srv.setup(context.Background()))

	t.Cleanup(func() {
		close(srv.done)
		_ = srv.store.Stop()
	})

	apiSrv := httptest.NewServer(srv.buildRouter())
	t.Cleanup(apiSrv.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)

	client := &http.Client{
		Jar: jar,
		CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	return &testEnv{srv: srv, weavy: weavy, http: apiSrv, client: client}
}

func (e *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()

	resp, err := e.client.Get(e.http.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	return resp
}

func (e *testEnv) selectUser(t *testing.T, username string) *http.Response {
	t.Helper()

	resp, err := e.client.PostForm(e.http.URL+"/api/user", url.Values{
		"username": {username},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	return resp
}

func (e *testEnv) sessionID(t *testing.T) string {
	t.Helper()

	u, err := url.Parse(e.http.URL)
	require.NoError(t, err)

	for _, c := range e.client.Jar.Cookies(u) {
		if c.Name == testCookie {
			return c.Value
		}
	}

	return ""
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()

	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))

	return v
}

func selectedUser(users []userResponse) string {
	for _, u := range users {
		if u.IsSelected {
			return u.Username
		}
	}

	return ""
}

func TestListUsers_DefaultsToFirstHuman(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get(t, "/api/users")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	users := decode[[]userResponse](t, resp)
	require.Len(t, users, 2, "bots are excluded")
	assert.Equal(t, "marvin", users[0].Username)
	assert.Equal(t, "marvin@acme.corp", users[0].Email)
	assert.Equal(t, "https://img.test/bugs.png", users[1].Avatar)
	assert.Equal(t, "marvin", selectedUser(users))

	assert.NotEmpty(t, env.sessionID(t), "anonymous session cookie is issued")
}

func TestListBots(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get(t, "/api/bots")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	bots := decode[[]botResponse](t, resp)
	require.Len(t, bots, 1)
	assert.Equal(t, botResponse{
		Username: "assistant",
		Name:     "Assistant",
		Avatar:   "https://img.test/bot.png",
	}, bots[0])
}

func TestSelectUser_RegeneratesSession(t *testing.T) {
	env := newTestEnv(t)

	env.get(t, "/api/users")
	before := env.sessionID(t)
	require.NotEmpty(t, before)

	resp := env.selectUser(t, "bugs")
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/bugs", resp.Header.Get("Location"))

	after := env.sessionID(t)
	assert.NotEmpty(t, after)
	assert.NotEqual(t, before, after, "session id must change on selection")

	// The old session is gone, the new one is persisted with the user.
	_, err := env.srv.store.GetSession(context.Background(), before)
	require.ErrorIs(t, err, store.ErrSessionNotFound)

	saved, err := env.srv.store.GetSession(context.Background(), after)
	require.NoError(t, err)
	assert.Equal(t, "bugs", saved.User)

	users := decode[[]userResponse](t, env.get(t, "/api/users"))
	assert.Equal(t, "bugs", selectedUser(users))
}

func TestSelectUser_ReselectionRegeneratesAgain(t *testing.T) {
	env := newTestEnv(t)

	env.selectUser(t, "bugs")
	first := env.sessionID(t)

	env.selectUser(t, "marvin")
	second := env.sessionID(t)

	assert.NotEqual(t, first, second)

	users := decode[[]userResponse](t, env.get(t, "/api/users"))
	assert.Equal(t, "marvin", selectedUser(users))
}

func TestSelectUser_BotSelectionFallsBack(t *testing.T) {
	env := newTestEnv(t)

	resp := env.selectUser(t, "assistant")
	require.Equal(t, http.StatusFound, resp.StatusCode)

	users := decode[[]userResponse](t, env.get(t, "/api/users"))
	assert.Equal(t, "marvin", selectedUser(users))

	tok := decode[tokenResponse](t, env.get(t, "/api/token"))
	assert.Equal(t, "marvin-tok-1", tok.AccessToken)
	assert.Zero(t, env.weavy.calls("assistant"))
}

func TestSelectUser_CaseInsensitive(t *testing.T) {
	env := newTestEnv(t)

	env.selectUser(t, "BUGS")

	tok := decode[tokenResponse](t, env.get(t, "/api/token"))
	assert.Equal(t, "bugs-tok-1", tok.AccessToken)
}

func TestToken_CachedScenario(t *testing.T) {
	env := newTestEnv(t)
	env.weavy.tokens["marvin"] = []string{"tok-123"}

	resp := env.get(t, "/api/token")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "tok-123", decode[tokenResponse](t, resp).AccessToken)
	assert.Equal(t, 1, env.weavy.calls("marvin"))

	resp = env.get(t, "/api/token?refresh=false")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "tok-123", decode[tokenResponse](t, resp).AccessToken)
	assert.Equal(t, 1, env.weavy.calls("marvin"), "cache hit makes no upstream call")
}

func TestToken_Refresh(t *testing.T) {
	env := newTestEnv(t)

	first := decode[tokenResponse](t, env.get(t, "/api/token"))
	refreshed := decode[tokenResponse](t, env.get(t, "/api/token?refresh=true"))
	cached := decode[tokenResponse](t, env.get(t, "/api/token"))

	assert.Equal(t, "marvin-tok-1", first.AccessToken)
	assert.Equal(t, "marvin-tok-2", refreshed.AccessToken)
	assert.Equal(t, "marvin-tok-2", cached.AccessToken)
	assert.Equal(t, 2, env.weavy.calls("marvin"))
}

func TestToken_InvalidRefreshFlagIsFalse(t *testing.T) {
	env := newTestEnv(t)

	env.get(t, "/api/token")
	env.get(t, "/api/token?refresh=maybe")

	assert.Equal(t, 1, env.weavy.calls("marvin"))
}

func TestToken_PerUserIsolation(t *testing.T) {
	env := newTestEnv(t)

	marvin := decode[tokenResponse](t, env.get(t, "/api/token"))

	env.selectUser(t, "bugs")
	bugs := decode[tokenResponse](t, env.get(t, "/api/token"))

	assert.Equal(t, "marvin-tok-1", marvin.AccessToken)
	assert.Equal(t, "bugs-tok-1", bugs.AccessToken)

	env.selectUser(t, "marvin")
	again := decode[tokenResponse](t, env.get(t, "/api/token"))
	assert.Equal(t, "marvin-tok-1", again.AccessToken)
}

func TestToken_UpstreamFailurePropagatesStatus(t *testing.T) {
	env := newTestEnv(t)

	prior := decode[tokenResponse](t, env.get(t, "/api/token"))
	require.Equal(t, "marvin-tok-1", prior.AccessToken)

	env.weavy.setTokenStatus(http.StatusServiceUnavailable)

	resp := env.get(t, "/api/token?refresh=true")
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"access_token":""}`, string(body))

	// The earlier token is still served from the cache.
	resp = env.get(t, "/api/token?refresh=false")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "marvin-tok-1", decode[tokenResponse](t, resp).AccessToken)
}

func TestToken_NetworkFailureIsClientError(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Upstream.URL = "http://127.0.0.1:1"
		cfg.Upstream.RequestTimeout = time.Second
	})

	resp := env.get(t, "/api/token")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "", decode[tokenResponse](t, resp).AccessToken)
}

func TestToken_RateLimited(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Server.RateLimit = config.RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 1,
		}
	})

	assert.Equal(t, http.StatusOK, env.get(t, "/api/token").StatusCode)
	assert.Equal(t, http.StatusTooManyRequests, env.get(t, "/api/token").StatusCode)

	// Other endpoints are not limited.
	assert.Equal(t, http.StatusOK, env.get(t, "/api/users").StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)

	health := decode[healthResponse](t, env.get(t, "/health"))
	assert.Equal(t, "ok", health.Status)
	assert.False(t, health.RosterSynced)

	env.get(t, "/api/token")
	env.get(t, "/api/token")

	resp := env.get(t, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "devauth_token_cache_hits_total 1")
	assert.Contains(t, string(body), "devauth_token_cache_misses_total 1")
}

func TestMetricsDisabled(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Server.Metrics = false
	})

	assert.Equal(t, http.StatusNotFound, env.get(t, "/metrics").StatusCode)
}

func TestSyncRoster(t *testing.T) {
	env := newTestEnv(t)

	env.srv.syncRoster(context.Background())

	assert.True(t, env.srv.rosterSynced.Load())
	assert.Equal(t, map[string]string{
		"marvin":    http.MethodPut,
		"bugs":      http.MethodPut,
		"assistant": http.MethodPatch,
	}, env.weavy.syncedUsers())

	health := decode[healthResponse](t, env.get(t, "/health"))
	assert.True(t, health.RosterSynced)
}

func TestSyncRoster_WaitsForExactOk(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Upstream.Readiness.MaxAttempts = 3
	})

	env.weavy.mu.Lock()
	env.weavy.statusBody = "OK"
	env.weavy.mu.Unlock()

	env.srv.syncRoster(context.Background())

	assert.False(t, env.srv.rosterSynced.Load())
	assert.Empty(t, env.weavy.syncedUsers())
}

func TestServer_StartStop(t *testing.T) {
	weavy := newFakeWeavy()
	upstreamSrv := httptest.NewServer(weavy.handler())
	defer upstreamSrv.Close()

	log := logrus.New()
	log.SetOutput(io.Discard)

	srv := newServer(log, testConfig(upstreamSrv.URL), testRoster(t))
	require.NoError(t, srv.Start(context.Background()))

	require.Eventually(t, srv.rosterSynced.Load, 5*time.Second, 10*time.Millisecond)
	assert.Len(t, weavy.syncedUsers(), 3)

	require.NoError(t, srv.Stop())
}

func TestServer_StartRejectsMissingUpstream(t *testing.T) {
	cfg := testConfig("")

	srv := newServer(logrus.New(), cfg, testRoster(t))

	err := srv.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrConfiguration)
}

func TestResolveUsername(t *testing.T) {
	r := testRoster(t)

	tests := []struct {
		name     string
		session  *store.Session
		expected string
	}{
		{name: "no session", session: nil, expected: "marvin"},
		{name: "anonymous session", session: &store.Session{}, expected: "marvin"},
		{name: "human selected", session: &store.Session{User: "bugs"}, expected: "bugs"},
		{name: "mixed case", session: &store.Session{User: "Bugs"}, expected: "bugs"},
		{name: "bot selected", session: &store.Session{User: "assistant"}, expected: "marvin"},
		{name: "unknown user", session: &store.Session{User: "daffy"}, expected: "marvin"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, resolveUsername(tt.session, r))
		})
	}
}

func TestExtractIP(t *testing.T) {
	tests := []struct {
		name     string
		xff      string
		remote   string
		expected string
	}{
		{name: "remote addr", remote: "10.0.0.1:1234", expected: "10.0.0.1"},
		{name: "forwarded chain", xff: "1.2.3.4, 10.0.0.1", remote: "10.0.0.2:1", expected: "1.2.3.4"},
		{name: "single forwarded", xff: "1.2.3.4", remote: "10.0.0.2:1", expected: "1.2.3.4"},
		{name: "malformed remote", remote: "garbage", expected: "garbage"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote

			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}

			assert.Equal(t, tt.expected, extractIP(req))
		})
	}
}

func TestRecoverer_KeepsServing(t *testing.T) {
	env := newTestEnv(t)

	env.srv.tokens = nil // force a nil dereference in the handler

	resp := env.get(t, "/api/token")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	assert.Equal(t, http.StatusOK, env.get(t, "/api/users").StatusCode)
}
