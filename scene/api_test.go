package scene

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockDocumentStore struct {
	mock.Mock
}

func (m *mockDocumentStore) Get(_ context.Context, guildID uint64) (GuildPolicyDocument, error) {
	args := m.Called(guildID)
	return args.Get(0).(GuildPolicyDocument), args.Error(1)
}

func (m *mockDocumentStore) Upsert(_ context.Context, doc GuildPolicyDocument) error {
	return m.Called(doc.GuildID).Error(0)
}

func (m *mockDocumentStore) Delete(_ context.Context, guildID uint64) error {
	return m.Called(guildID).Error(0)
}

func (m *mockDocumentStore) Close(_ context.Context) error {
	return nil
}

func handleTestRequest(
	t testing.TB,
	handler gin.HandlerFunc,
	method string,
	body io.Reader,
	params ...gin.Param,
) *http.Response {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	doneCh := make(chan struct{}, 1)

	req, err := http.NewRequest(method, "/", body)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = req
	if len(params) > 0 {
		c.Params = params
	}
	go func() {
		handler(c)
		doneCh <- struct{}{}
	}()
	select {
	case <-doneCh:
	case <-ctx.Done():
		t.Fatalf("%s timed out", t.Name())
	}
	return w.Result()
}

func decodeResponse[T any](t testing.TB, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var rv T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rv))
	return rv
}

func guildParam(id string) gin.Param {
	return gin.Param{Key: "id", Value: id}
}

func newTestAPIHandlers(t testing.TB) (*apiHandlers, *Scene) {
	t.Helper()
	s, _, _ := newTestScene(t, nil)
	s.guilds.BootLoad(context.Background(), []uint64{100, 200})
	return &apiHandlers{scene: s}, s
}

func TestAPIHealthCheck(t *testing.T) {
	h, s := newTestAPIHandlers(t)
	s.discord.connected.Store(true)

	resp := handleTestRequest(t, h.healthCheck, http.MethodGet, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	health := decodeResponse[healthCheckResponse](t, resp)
	assert.Equal(
		t,
		healthCheckResponse{DiscordGatewayConnected: true, Guilds: 2},
		health,
	)
}

func TestAPIGuildStoreNotReady(t *testing.T) {
	t.Parallel()
	h := &apiHandlers{scene: &Scene{discord: newDiscord(&DiscordConfig{}, nil)}}

	resp := handleTestRequest(t, h.listGuilds, http.MethodGet, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp = handleTestRequest(t, h.healthCheck, http.MethodGet, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPIListGuilds(t *testing.T) {
	h, _ := newTestAPIHandlers(t)

	resp := handleTestRequest(t, h.listGuilds, http.MethodGet, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	policies := decodeResponse[[]GuildPolicy](t, resp)
	assert.Equal(t, []GuildPolicy{DefaultGuildPolicy(100), DefaultGuildPolicy(200)}, policies)
}

func TestAPIGetGuild(t *testing.T) {
	h, _ := newTestAPIHandlers(t)

	resp := handleTestRequest(t, h.getGuild, http.MethodGet, nil, guildParam("100"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, DefaultGuildPolicy(100), decodeResponse[GuildPolicy](t, resp))

	resp = handleTestRequest(t, h.getGuild, http.MethodGet, nil, guildParam("300"))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = handleTestRequest(t, h.getGuild, http.MethodGet, nil, guildParam("abc"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPIUpdateGuild(t *testing.T) {
	h, s := newTestAPIHandlers(t)

	body := `{"auto_resize_enabled": true, "default_size_tier": "Large"}`
	resp := handleTestRequest(
		t,
		h.updateGuild,
		http.MethodPatch,
		strings.NewReader(body),
		guildParam("100"),
	)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	policy := decodeResponse[GuildPolicy](t, resp)
	assert.True(t, policy.AutoResizeEnabled)
	assert.Equal(t, SizeTierLarge, policy.DefaultSizeTier)
	assert.False(t, policy.AutoWebPTransferEnabled)

	doc, err := s.documents.Get(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, "Large", doc.AutoMagnitudeConfig)

	// fields left out aren't changed
	resp = handleTestRequest(
		t,
		h.updateGuild,
		http.MethodPatch,
		strings.NewReader(`{"auto_webp_transfer_enabled": true}`),
		guildParam("100"),
	)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	policy = decodeResponse[GuildPolicy](t, resp)
	assert.True(t, policy.AutoResizeEnabled)
	assert.True(t, policy.AutoWebPTransferEnabled)
	assert.Equal(t, SizeTierLarge, policy.DefaultSizeTier)
}

func TestAPIUpdateGuildErrors(t *testing.T) {
	h, s := newTestAPIHandlers(t)

	tests := []struct {
		name    string
		guildID string
		body    string
		status  int
	}{
		{"unknown tier", "100", `{"default_size_tier": "Gigantic"}`, http.StatusBadRequest},
		{"empty tier", "100", `{"default_size_tier": ""}`, http.StatusBadRequest},
		{"malformed", "100", `{"auto_resize_enabled": `, http.StatusBadRequest},
		{"wrong type", "100", `{"auto_resize_enabled": "yes"}`, http.StatusBadRequest},
		{"unknown guild", "300", `{"auto_resize_enabled": true}`, http.StatusNotFound},
		{"bad guild id", "0", `{"auto_resize_enabled": true}`, http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				resp := handleTestRequest(
					t,
					h.updateGuild,
					http.MethodPatch,
					strings.NewReader(tc.body),
					guildParam(tc.guildID),
				)
				assert.Equal(t, tc.status, resp.StatusCode)
			},
		)
	}

	policy, err := s.guilds.Snapshot(100)
	require.NoError(t, err)
	assert.Equal(t, DefaultGuildPolicy(100), policy)
}

func TestAPIReloadGuild(t *testing.T) {
	h, s := newTestAPIHandlers(t)
	ctx := context.Background()

	require.NoError(
		t,
		s.documents.Upsert(
			ctx,
			GuildPolicyDocument{GuildID: 200, AutoTransferWebP: true, AutoMagnitudeConfig: "Small"},
		),
	)
	resp := handleTestRequest(t, h.reloadGuild, http.MethodPost, nil, guildParam("200"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	policy := decodeResponse[GuildPolicy](t, resp)
	assert.True(t, policy.AutoWebPTransferEnabled)
	assert.Equal(t, SizeTierSmall, policy.DefaultSizeTier)

	resp = handleTestRequest(t, h.reloadGuild, http.MethodPost, nil, guildParam("300"))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	require.NoError(t, s.documents.Delete(ctx, 200))
	resp = handleTestRequest(t, h.reloadGuild, http.MethodPost, nil, guildParam("200"))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPISizeTiers(t *testing.T) {
	t.Parallel()
	h := &apiHandlers{}
	resp := handleTestRequest(t, h.sizeTiers, http.MethodGet, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	tiers := decodeResponse[[]apiSizeTier](t, resp)
	require.Len(t, tiers, len(SizeTiers()))
	assert.Equal(t, apiSizeTier{ID: "Small", Label: "Small (64×64)", Width: 64, Height: 64}, tiers[1])
	assert.Equal(t, "Auto", tiers[len(tiers)-1].ID)
	assert.Zero(t, tiers[len(tiers)-1].Width)
}

func TestAPIRouter(t *testing.T) {
	_, s := newTestAPIHandlers(t)
	require.NotNil(t, s.api)
	secret := s.config.API.Secret

	serve := func(req *http.Request) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		s.api.engine.ServeHTTP(w, req)
		return w
	}

	w := serve(httptest.NewRequest(http.MethodGet, apiHealthCheck, nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, w.Header().Get(xRequestIDHeader), 32)

	guildsPath := apiPrefix + apiPathGuilds

	w = serve(httptest.NewRequest(http.MethodGet, guildsPath, nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, guildsPath, nil)
	req.Header.Set("Authorization", bearerPrefix+"wrong")
	w = serve(req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, guildsPath, nil)
	req.Header.Set("Authorization", bearerPrefix+secret)
	w = serve(req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(
		http.MethodPatch,
		apiPrefix+"/guilds/200",
		strings.NewReader(`{"auto_resize_enabled": true}`),
	)
	req.Header.Set("Authorization", bearerPrefix+secret)
	w = serve(req)
	assert.Equal(t, http.StatusAccepted, w.Code)
	policy, err := s.guilds.Snapshot(200)
	require.NoError(t, err)
	assert.True(t, policy.AutoResizeEnabled)
}

func TestAPIPprof(t *testing.T) {
	_, s := newTestAPIHandlers(t)
	secret := s.config.API.Secret
	index := pprofPrefix + pprofPath + "/"

	w := httptest.NewRecorder()
	s.api.engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, index, nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	cfg := *s.config.API
	cfg.Development = true
	api, err := newAPI(s, &cfg)
	require.NoError(t, err)

	w = httptest.NewRecorder()
	api.engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, index, nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, index, nil)
	req.Header.Set("Authorization", bearerPrefix+secret)
	w = httptest.NewRecorder()
	api.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "goroutine")
}

func TestAuthMiddlewareNoSecret(t *testing.T) {
	t.Parallel()
	r := gin.New()
	r.GET(
		"/", authMiddleware(""), func(c *gin.Context) {
			c.Status(http.StatusNoContent)
		},
	)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestAPIServe(t *testing.T) {
	_, s := newTestAPIHandlers(t)
	s.config.API.Listen = "127.0.0.1:0"

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.api.Serve(context.Background())
	}()

	require.Eventually(
		t, func() bool {
			return s.api.listenAddr() != ""
		}, 5*time.Second, 10*time.Millisecond,
	)
	resp, err := http.Get("http://" + s.api.listenAddr() + apiHealthCheck)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, s.api.httpServer.Shutdown(context.Background()))
	assert.ErrorIs(t, <-errCh, http.ErrServerClosed)
}

func TestAPIReloadGuildStoreError(t *testing.T) {
	t.Parallel()
	store := &mockDocumentStore{}
	store.On("Get", uint64(100)).Return(GuildPolicyDocument{}, ErrPolicyDocumentNotFound).Once()
	store.On("Upsert", uint64(100)).Return(nil).Once()
	store.On("Get", uint64(100)).Return(GuildPolicyDocument{}, errStoreUnavailable)

	guilds := NewGuildConfigStore(store, 1, nil)
	_, err := guilds.Load(context.Background(), 100)
	require.NoError(t, err)

	h := &apiHandlers{scene: &Scene{guilds: guilds, discord: newDiscord(&DiscordConfig{}, nil)}}
	resp := handleTestRequest(t, h.reloadGuild, http.MethodPost, nil, guildParam("100"))
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	// the in-memory policy is kept
	policy, err := guilds.Snapshot(100)
	require.NoError(t, err)
	assert.Equal(t, DefaultGuildPolicy(100), policy)
	store.AssertExpectations(t)
}
