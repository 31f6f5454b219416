package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/manorfm/gitlab-mcp-proxy/internal/domain"
	"github.com/manorfm/gitlab-mcp-proxy/internal/infrastructure/config"
	"github.com/manorfm/gitlab-mcp-proxy/internal/infrastructure/gitlab"
	"github.com/manorfm/gitlab-mcp-proxy/internal/infrastructure/hashing"
	"github.com/manorfm/gitlab-mcp-proxy/internal/infrastructure/storage/memory"
	"github.com/manorfm/gitlab-mcp-proxy/internal/infrastructure/upstream"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const (
	upstreamID     = "gitlab-app-id"
	upstreamSecret = "gitlab-app-secret"
	clientRedirect = "http://127.0.0.1:33418/callback"
	upstreamToken  = "glpat-e2e"
)

// fakeGitLab serves the OAuth and REST endpoints the proxy calls
type fakeGitLab struct {
	server    *httptest.Server
	exchanges atomic.Int32
	revokes   atomic.Int32
	verifier  atomic.Value
}

func newFakeGitLab(t *testing.T) *fakeGitLab {
	t.Helper()
	f := &fakeGitLab{}
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		f.exchanges.Add(1)
		if err := r.ParseForm(); err != nil || r.PostForm.Get("client_id") != upstreamID || r.PostForm.Get("code") != "gitlab-code" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		f.verifier.Store(r.PostForm.Get("code_verifier"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": upstreamToken,
			"token_type":   "Bearer",
			"expires_in":   7200,
			"scope":        "api",
		})
	})
	mux.HandleFunc("/oauth/revoke", func(w http.ResponseWriter, r *http.Request) {
		f.revokes.Add(1)
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/v4/user", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+upstreamToken {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"message":"401 Unauthorized"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(gitlab.User{ID: 42, Username: "ada", Name: "Ada", State: "active"})
	})

	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

type testProxy struct {
	server *httptest.Server
	gitlab *fakeGitLab
	store  *memory.Store
	client *http.Client
}

func newTestProxy(t *testing.T, mutate func(*config.Config)) *testProxy {
	t.Helper()
	logger := zap.NewNop()
	gl := newFakeGitLab(t)

	cfg := &config.Config{
		BaseURL:                "http://proxy.test",
		GitLabClientID:         upstreamID,
		GitLabClientSecret:     upstreamSecret,
		GitLabRedirectURI:      "http://proxy.test/callback",
		GitLabAuthorizationURL: gl.server.URL + "/oauth/authorize",
		GitLabTokenURL:         gl.server.URL + "/oauth/token",
		GitLabRevocationURL:    gl.server.URL + "/oauth/revoke",
		GitLabScopes:           []string{"api"},
		StateTTL:               15 * time.Minute,
		CodeTTL:                10 * time.Minute,
		TokenMaxAge:            domain.DefaultTokenMaxAge,
		SweepInterval:          time.Minute,
		LoginWaitTimeout:       time.Minute,
		RequirePKCE:            true,
		UpstreamPKCE:           domain.UpstreamPKCEProxy,
		RateLimitRPS:           100,
		RateLimitBurst:         100,
	}
	if mutate != nil {
		mutate(cfg)
	}

	store := memory.NewStore()
	router := NewRouter(Dependencies{
		Store:    store,
		Hasher:   hashing.NewHMACHasher([]byte("0123456789abcdef0123456789abcdef")),
		Upstream: upstream.NewGitLab(cfg.Upstream(), gl.server.Client(), logger),
		GitLab:   gitlab.NewClient(gl.server.URL, gl.server.Client(), logger),
		Version:  "test",
	}, cfg, logger)
	t.Cleanup(router.Close)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &testProxy{
		server: server,
		gitlab: gl,
		store:  store,
		client: &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
	}
}

func (p *testProxy) register(t *testing.T, body string) map[string]any {
	t.Helper()
	resp, err := p.client.Post(p.server.URL+"/register", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (p *testProxy) authorize(t *testing.T, clientID, state, challenge string) *url.URL {
	t.Helper()
	q := url.Values{
		"client_id":             {clientID},
		"redirect_uri":          {clientRedirect},
		"response_type":         {"code"},
		"state":                 {state},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}
	resp, err := p.client.Get(p.server.URL + "/authorize?" + q.Encode())
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	location, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	return location
}

func (p *testProxy) callback(t *testing.T, upstreamState string) *http.Response {
	t.Helper()
	resp, err := p.client.Get(p.server.URL + "/callback?" + url.Values{
		"code":  {"gitlab-code"},
		"state": {upstreamState},
	}.Encode())
	require.NoError(t, err)
	resp.Body.Close()
	return resp
}

func TestRouter_Health(t *testing.T) {
	p := newTestProxy(t, nil)

	for path, body := range map[string]string{
		"/health":       "OK",
		"/health/ready": "Ready",
		"/health/live":  "Alive",
	} {
		resp, err := p.client.Get(p.server.URL + path)
		require.NoError(t, err)
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.Equal(t, body, string(data), path)
	}
}

func TestRouter_AuthorizeRedirectsToGitLab(t *testing.T) {
	p := newTestProxy(t, nil)
	client := p.register(t, `{"client_name":"agent","redirect_uris":["`+clientRedirect+`"],"token_endpoint_auth_method":"none"}`)
	clientID := client["client_id"].(string)

	location := p.authorize(t, clientID, "caller-state", oauth2.S256ChallengeFromVerifier(oauth2.GenerateVerifier()))

	q := location.Query()
	assert.True(t, strings.HasPrefix(location.String(), p.gitlab.server.URL+"/oauth/authorize"))
	assert.Equal(t, upstreamID, q.Get("client_id"))
	assert.NotEqual(t, clientID, q.Get("client_id"))
	assert.Equal(t, "http://proxy.test/callback", q.Get("redirect_uri"))
	assert.NotEmpty(t, q.Get("state"))
	assert.NotEqual(t, "caller-state", q.Get("state"))
	assert.Equal(t, 1, p.store.Len(domain.NamespaceAttempts))
}

func TestRouter_UpstreamPKCE(t *testing.T) {
	tests := []struct {
		name string
		mode string
	}{
		{name: "proxy", mode: domain.UpstreamPKCEProxy},
		{name: "passthrough", mode: domain.UpstreamPKCEPassthrough},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProxy(t, func(cfg *config.Config) { cfg.UpstreamPKCE = tt.mode })
			client := p.register(t, `{"redirect_uris":["`+clientRedirect+`"],"token_endpoint_auth_method":"none"}`)
			callerChallenge := oauth2.S256ChallengeFromVerifier(oauth2.GenerateVerifier())

			q := p.authorize(t, client["client_id"].(string), "s", callerChallenge).Query()
			require.Equal(t, http.StatusFound, p.callback(t, q.Get("state")).StatusCode)
			assert.Equal(t, "S256", q.Get("code_challenge_method"))

			sent, _ := p.gitlab.verifier.Load().(string)
			if tt.mode == domain.UpstreamPKCEProxy {
				assert.NotEqual(t, callerChallenge, q.Get("code_challenge"))
				require.NotEmpty(t, sent)
				assert.Equal(t, q.Get("code_challenge"), oauth2.S256ChallengeFromVerifier(sent))
				return
			}
			assert.Equal(t, callerChallenge, q.Get("code_challenge"))
			assert.Empty(t, sent)
		})
	}
}

func TestRouter_CallbackUnknownState(t *testing.T) {
	p := newTestProxy(t, nil)

	resp := p.callback(t, "never-issued")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Zero(t, p.gitlab.exchanges.Load(), "no upstream exchange for an unknown state")
}

func TestRouter_FullFlow(t *testing.T) {
	tests := []struct {
		name       string
		authMethod string
		exchange   func(req *http.Request, clientID, secret string)
	}{
		{
			name:       "client_secret_basic",
			authMethod: domain.AuthMethodClientSecretBasic,
			exchange: func(req *http.Request, clientID, secret string) {
				req.SetBasicAuth(url.QueryEscape(clientID), url.QueryEscape(secret))
			},
		},
		{
			name:       "client_secret_post",
			authMethod: domain.AuthMethodClientSecretPost,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProxy(t, nil)
			client := p.register(t, `{"redirect_uris":["`+clientRedirect+`"],"token_endpoint_auth_method":"`+tt.authMethod+`"}`)
			clientID := client["client_id"].(string)
			secret := client["client_secret"].(string)
			require.NotEmpty(t, secret)

			verifier := oauth2.GenerateVerifier()
			upstreamState := p.authorize(t, clientID, "caller-state", oauth2.S256ChallengeFromVerifier(verifier)).Query().Get("state")

			resp := p.callback(t, upstreamState)
			require.Equal(t, http.StatusFound, resp.StatusCode)
			back, err := url.Parse(resp.Header.Get("Location"))
			require.NoError(t, err)
			assert.Equal(t, "127.0.0.1:33418", back.Host)
			assert.Equal(t, "caller-state", back.Query().Get("state"))
			code := back.Query().Get("code")
			require.NotEmpty(t, code)
			assert.Equal(t, 1, p.store.Len(domain.NamespaceTokens))

			form := url.Values{
				"grant_type":    {"authorization_code"},
				"code":          {code},
				"redirect_uri":  {clientRedirect},
				"code_verifier": {verifier},
			}
			if tt.exchange == nil {
				form.Set("client_id", clientID)
				form.Set("client_secret", secret)
			}
			req, err := http.NewRequest(http.MethodPost, p.server.URL+"/token", strings.NewReader(form.Encode()))
			require.NoError(t, err)
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			if tt.exchange != nil {
				tt.exchange(req, clientID, secret)
			}

			tokenResp, err := p.client.Do(req)
			require.NoError(t, err)
			defer tokenResp.Body.Close()
			require.Equal(t, http.StatusOK, tokenResp.StatusCode)
			assert.Equal(t, "no-store", tokenResp.Header.Get("Cache-Control"))

			var token struct {
				AccessToken string `json:"access_token"`
				TokenType   string `json:"token_type"`
				ExpiresIn   int64  `json:"expires_in"`
			}
			require.NoError(t, json.NewDecoder(tokenResp.Body).Decode(&token))
			assert.Equal(t, "Bearer", token.TokenType)
			assert.NotEqual(t, upstreamToken, token.AccessToken)
			assert.Positive(t, token.ExpiresIn)

			// the proxy token reaches GitLab as the upstream token
			session := connectMCP(t, p.server.URL+"/mcp", token.AccessToken)
			res, err := session.CallTool(context.Background(), &mcp.CallToolParams{Name: "gitlab_current_user", Arguments: map[string]any{}})
			require.NoError(t, err)
			require.False(t, res.IsError)
			data, err := json.Marshal(res.StructuredContent)
			require.NoError(t, err)
			assert.Contains(t, string(data), `"username":"ada"`)

			// a code is single use
			replay, err := http.NewRequest(http.MethodPost, p.server.URL+"/token", strings.NewReader(form.Encode()))
			require.NoError(t, err)
			replay.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			if tt.exchange != nil {
				tt.exchange(replay, clientID, secret)
			}
			replayResp, err := p.client.Do(replay)
			require.NoError(t, err)
			replayResp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, replayResp.StatusCode)
		})
	}
}

func TestRouter_TokenRejectsBadClientSecret(t *testing.T) {
	p := newTestProxy(t, nil)
	client := p.register(t, `{"redirect_uris":["`+clientRedirect+`"]}`)

	req, err := http.NewRequest(http.MethodPost, p.server.URL+"/token", strings.NewReader(url.Values{
		"grant_type": {"authorization_code"},
		"code":       {"whatever"},
	}.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(client["client_id"].(string), "wrong")

	resp, err := p.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "Basic")
}

func TestRouter_RegisterRejects(t *testing.T) {
	p := newTestProxy(t, nil)

	for _, body := range []string{
		`not json`,
		`{}`,
		`{"redirect_uris":[]}`,
		`{"redirect_uris":["http://evil.example/cb"]}`,
		`{"redirect_uris":["` + clientRedirect + `"],"token_endpoint_auth_method":"private_key_jwt"}`,
	} {
		resp, err := p.client.Post(p.server.URL+"/register", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
	}
	assert.Equal(t, 0, p.store.Len(domain.NamespaceClients))
}

func TestRouter_Revoke(t *testing.T) {
	p := newTestProxy(t, nil)
	client := p.register(t, `{"redirect_uris":["`+clientRedirect+`"],"token_endpoint_auth_method":"client_secret_post"}`)
	clientID := client["client_id"].(string)

	verifier := oauth2.GenerateVerifier()
	upstreamState := p.authorize(t, clientID, "s", oauth2.S256ChallengeFromVerifier(verifier)).Query().Get("state")
	back, err := url.Parse(p.callback(t, upstreamState).Header.Get("Location"))
	require.NoError(t, err)

	tokenResp, err := p.client.PostForm(p.server.URL+"/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {back.Query().Get("code")},
		"redirect_uri":  {clientRedirect},
		"client_id":     {clientID},
		"client_secret": {client["client_secret"].(string)},
		"code_verifier": {verifier},
	})
	require.NoError(t, err)
	var token struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.NewDecoder(tokenResp.Body).Decode(&token))
	tokenResp.Body.Close()

	for i := 0; i < 2; i++ {
		resp, err := p.client.PostForm(p.server.URL+"/revoke", url.Values{"token": {token.AccessToken}})
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}
	assert.Equal(t, int32(1), p.gitlab.revokes.Load(), "upstream revoked once")

	req, err := http.NewRequest(http.MethodPost, p.server.URL+"/mcp", strings.NewReader(`{}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	resp, err := p.client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	missing, err := p.client.PostForm(p.server.URL+"/revoke", url.Values{})
	require.NoError(t, err)
	missing.Body.Close()
	assert.Equal(t, http.StatusBadRequest, missing.StatusCode)
}

func TestRouter_MCPRequiresBearer(t *testing.T) {
	p := newTestProxy(t, nil)

	resp, err := p.client.Post(p.server.URL+"/mcp", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	challenge := resp.Header.Get("WWW-Authenticate")
	assert.Contains(t, challenge, `Bearer`)
	assert.Contains(t, challenge, `resource_metadata="http://proxy.test/.well-known/oauth-protected-resource"`)
}

func TestRouter_ThrottlesFailedBearer(t *testing.T) {
	p := newTestProxy(t, func(cfg *config.Config) {
		cfg.RateLimitRPS = 0.001
		cfg.RateLimitBurst = 1
	})

	var codes []int
	for i := 0; i < 3; i++ {
		req, err := http.NewRequest(http.MethodPost, p.server.URL+"/mcp", strings.NewReader(`{}`))
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer gmp_bogus")
		resp, err := p.client.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		codes = append(codes, resp.StatusCode)
	}
	assert.Equal(t, []int{http.StatusUnauthorized, http.StatusTooManyRequests, http.StatusTooManyRequests}, codes)
}

func TestRouter_ThrottlesAnonymousEndpoints(t *testing.T) {
	tests := []struct {
		name  string
		do    func(p *testProxy) (*http.Response, error)
		first int
	}{
		{
			name: "authorize",
			do: func(p *testProxy) (*http.Response, error) {
				return p.client.Get(p.server.URL + "/authorize?client_id=unknown&response_type=code")
			},
			first: http.StatusBadRequest,
		},
		{
			name: "revoke",
			do: func(p *testProxy) (*http.Response, error) {
				return p.client.PostForm(p.server.URL+"/revoke", url.Values{"token": {"gmp_bogus"}})
			},
			first: http.StatusOK,
		},
		{
			name: "poll",
			do: func(p *testProxy) (*http.Response, error) {
				return p.client.Get(p.server.URL + "/poll?client_id=unknown&state=s")
			},
			first: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProxy(t, func(cfg *config.Config) {
				cfg.RateLimitRPS = 0.001
				cfg.RateLimitBurst = 1
			})

			resp, err := tt.do(p)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, tt.first, resp.StatusCode)

			resp, err = tt.do(p)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
			assert.Equal(t, 0, p.store.Len(domain.NamespaceAttempts))
		})
	}
}

func TestRouter_PollTimesOut(t *testing.T) {
	p := newTestProxy(t, func(cfg *config.Config) { cfg.LoginWaitTimeout = 50 * time.Millisecond })
	client := p.register(t, `{"redirect_uris":["`+clientRedirect+`"],"token_endpoint_auth_method":"none"}`)

	resp, err := p.client.Get(p.server.URL + "/poll?" + url.Values{
		"client_id": {client["client_id"].(string)},
		"state":     {"caller-state"},
	}.Encode())
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusRequestTimeout, resp.StatusCode)
}

func TestRouter_PollDeliversLogin(t *testing.T) {
	p := newTestProxy(t, nil)
	client := p.register(t, `{"redirect_uris":["`+clientRedirect+`"],"token_endpoint_auth_method":"none"}`)
	clientID := client["client_id"].(string)

	upstreamState := p.authorize(t, clientID, "poll-state", oauth2.S256ChallengeFromVerifier(oauth2.GenerateVerifier())).Query().Get("state")
	require.Equal(t, http.StatusFound, p.callback(t, upstreamState).StatusCode)

	resp, err := p.client.Get(p.server.URL + "/poll?" + url.Values{
		"client_id": {clientID},
		"state":     {"poll-state"},
	}.Encode())
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.NotEmpty(t, result["code"])
}

func TestRouter_Metadata(t *testing.T) {
	tests := []struct {
		name      string
		prefix    string
		serverDoc string
		resource  string
		issuer    string
	}{
		{
			name:      "root",
			serverDoc: "/.well-known/oauth-authorization-server",
			resource:  "/.well-known/oauth-protected-resource",
			issuer:    "http://proxy.test",
		},
		{
			name:      "prefixed",
			prefix:    "/gitlab",
			serverDoc: "/.well-known/oauth-authorization-server/gitlab",
			resource:  "/.well-known/oauth-protected-resource/gitlab/mcp",
			issuer:    "http://proxy.test/gitlab",
		},
		{
			name:      "prefixed under issuer path",
			prefix:    "/gitlab",
			serverDoc: "/gitlab/.well-known/oauth-authorization-server",
			resource:  "/gitlab/.well-known/oauth-protected-resource",
			issuer:    "http://proxy.test/gitlab",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProxy(t, func(cfg *config.Config) { cfg.PathPrefix = tt.prefix })

			resp, err := p.client.Get(p.server.URL + tt.serverDoc)
			require.NoError(t, err)
			var doc map[string]any
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
			resp.Body.Close()
			assert.Equal(t, tt.issuer, doc["issuer"])
			assert.Equal(t, tt.issuer+"/token", doc["token_endpoint"])
			assert.Equal(t, tt.issuer+"/register", doc["registration_endpoint"])

			resp, err = p.client.Get(p.server.URL + tt.resource)
			require.NoError(t, err)
			var resource map[string]any
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&resource))
			resp.Body.Close()
			assert.Equal(t, tt.issuer+"/mcp", resource["resource"])
		})
	}
}

type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (b *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+b.token)
	return b.base.RoundTrip(req)
}

func connectMCP(t *testing.T, endpoint, token string) *mcp.ClientSession {
	t.Helper()
	client := mcp.NewClient(&mcp.Implementation{Name: "test-agent", Version: "1.0.0"}, nil)
	session, err := client.Connect(context.Background(), &mcp.StreamableClientTransport{
		Endpoint:   endpoint,
		HTTPClient: &http.Client{Transport: &bearerTransport{token: token, base: http.DefaultTransport}},
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { session.Close() })
	return session
}
