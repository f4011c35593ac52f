package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/better-wallet/walletbridge/internal/app"
	"github.com/better-wallet/walletbridge/internal/approval"
	"github.com/better-wallet/walletbridge/internal/config"
	"github.com/better-wallet/walletbridge/internal/crypto"
	"github.com/better-wallet/walletbridge/internal/eth"
	"github.com/better-wallet/walletbridge/internal/keyexec"
	"github.com/better-wallet/walletbridge/internal/metrics"
	"github.com/better-wallet/walletbridge/internal/permission"
	"github.com/better-wallet/walletbridge/internal/queue"
	"github.com/better-wallet/walletbridge/internal/session"
	"github.com/better-wallet/walletbridge/internal/storage"
	"github.com/better-wallet/walletbridge/internal/transport"
	"github.com/better-wallet/walletbridge/internal/vault"
	apperrors "github.com/better-wallet/walletbridge/pkg/errors"
	"github.com/better-wallet/walletbridge/pkg/types"
)

const (
	uiToken    = "ui-secret"
	dappOrigin = "https://dapp.example"
	password   = "correct horse battery staple"
)

type harness struct {
	srv      *httptest.Server
	vault    *vault.Vault
	sessions *session.Manager
	surface  *approval.HTTPSurface
	provider *app.Provider
	metrics  *metrics.Metrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	clock := clockwork.NewFakeClock()
	backend := storage.NewMemoryBackend()
	sessions := session.NewManager(clock)
	v, err := vault.New(backend.Scope(storage.ScopeVault), sessions, vault.Options{
		KDF:             crypto.NewKDFParams(crypto.MinKDFIterations),
		SessionTTL:      10 * time.Minute,
		DefaultAccounts: 1,
		UnlockRate:      rate.Inf,
		Now:             clock.Now,
	})
	require.NoError(t, err)
	require.NoError(t, v.Create(ctx, []byte(password), nil))

	m := metrics.New()
	q := queue.New(queue.Options{Clock: clock})
	surface := approval.NewHTTPSurface()
	gate := approval.NewGate(q, surface, approval.Options{Clock: clock})
	perms := permission.New(backend.Scope(storage.ScopePermissions), clock)
	provider := app.NewProvider(q, gate, perms, sessions, keyexec.NewLocalOracle(v), eth.NewRegistry(1), app.Options{
		Clock:   clock,
		Metrics: m,
	})
	ts := transport.NewServer(provider, transport.ServerOptions{AllowedOrigins: []string{dappOrigin}})
	provider.SetEventSink(ts)
	go provider.Run(ctx)

	api := NewServer(&config.Config{UIToken: uiToken}, Deps{
		Vault:       v,
		Sessions:    sessions,
		Approvals:   surface,
		Permissions: perms,
		Provider:    provider,
		Transport:   ts,
		Metrics:     m,
	})
	srv := httptest.NewServer(api.Router())
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
	})

	return &harness{srv: srv, vault: v, sessions: sessions, surface: surface, provider: provider, metrics: m}
}

func (h *harness) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reqBody = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, h.srv.URL+path, reqBody)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+uiToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := h.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func (h *harness) unlock(t *testing.T) {
	t.Helper()
	resp, body := h.do(t, http.MethodPost, "/v1/unlock", UnlockRequest{Password: password})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
}

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var er ErrorResponse
	require.NoError(t, json.Unmarshal(body, &er), string(body))
	require.NotNil(t, er.Error)
	return er.Error.Code
}

func TestHealth(t *testing.T) {
	h := newHarness(t)

	resp, err := h.srv.Client().Get(h.srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, HealthResponse{Status: "ok", Initialized: true, Unlocked: false}, health)
}

func TestRequiresUIToken(t *testing.T) {
	h := newHarness(t)

	resp, err := h.srv.Client().Get(h.srv.URL + "/v1/session")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp2, _ := h.do(t, http.MethodGet, "/v1/session", nil)
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}

func TestUnlockAndLock(t *testing.T) {
	h := newHarness(t)

	resp, body := h.do(t, http.MethodPost, "/v1/unlock", UnlockRequest{Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, apperrors.ErrCodeInvalidPassword, errorCode(t, body))
	assert.NotContains(t, string(body), "wrong")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.UnlockAttemptsTotal.WithLabelValues("invalid_password")))

	resp, body = h.do(t, http.MethodPost, "/v1/unlock", UnlockRequest{Password: password})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var info session.Info
	require.NoError(t, json.Unmarshal(body, &info))
	assert.True(t, info.Unlocked)
	assert.Len(t, info.Accounts, 1)
	assert.NotContains(t, string(body), password)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.UnlockAttemptsTotal.WithLabelValues("ok")))

	resp, body = h.do(t, http.MethodPost, "/v1/lock", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &info))
	assert.False(t, info.Unlocked)
	assert.False(t, h.sessions.IsUnlocked())
}

func TestUnlock_BadBody(t *testing.T) {
	h := newHarness(t)
	resp, body := h.do(t, http.MethodPost, "/v1/unlock", map[string]string{"passphrase": password})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, apperrors.ErrCodeInvalidParams, errorCode(t, body))
}

func TestApprovalFlow(t *testing.T) {
	h := newHarness(t)
	h.unlock(t)
	addr := h.sessions.CurrentAccounts()[0]

	result := make(chan transport.Response, 1)
	go func() {
		result <- h.provider.Handle(context.Background(), transport.Request{
			Method:    types.MethodRequestAccounts,
			Params:    json.RawMessage(`[]`),
			RequestID: "connect-1",
			Origin:    dappOrigin,
		})
	}()

	var prompt approval.Prompt
	require.Eventually(t, func() bool {
		resp, body := h.do(t, http.MethodGet, "/v1/approvals?wait=1s", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var list ApprovalsResponse
		require.NoError(t, json.Unmarshal(body, &list))
		if len(list.Data) == 0 {
			return false
		}
		prompt = list.Data[0]
		return true
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, dappOrigin, prompt.Origin)
	assert.Equal(t, types.MethodRequestAccounts, prompt.Method)

	resp, body := h.do(t, http.MethodGet, "/v1/approvals/"+prompt.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	payload, err := json.Marshal(map[string][]common.Address{"accounts": {addr}})
	require.NoError(t, err)
	resp, body = h.do(t, http.MethodPost, "/v1/approvals/"+prompt.ID, DecisionRequest{Approved: true, Payload: payload})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	select {
	case r := <-result:
		require.True(t, r.Success, r.Error)
		var accounts []common.Address
		require.NoError(t, json.Unmarshal(r.Data, &accounts))
		assert.Equal(t, []common.Address{addr}, accounts)
	case <-time.After(5 * time.Second):
		t.Fatal("request was not answered")
	}

	// a second verdict on the same prompt has nothing to apply to
	resp, body = h.do(t, http.MethodPost, "/v1/approvals/"+prompt.ID, DecisionRequest{Approved: false})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, apperrors.ErrCodeNotFound, errorCode(t, body))

	resp, body = h.do(t, http.MethodGet, "/v1/permissions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var perms PermissionsResponse
	require.NoError(t, json.Unmarshal(body, &perms))
	require.Len(t, perms.Data, 1)
	assert.Equal(t, dappOrigin, perms.Data[0].Origin)

	escaped := url.PathEscape(dappOrigin)
	resp, body = h.do(t, http.MethodDelete, "/v1/permissions/"+escaped, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	resp, _ = h.do(t, http.MethodDelete, "/v1/permissions/"+escaped, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRejectAndDismiss(t *testing.T) {
	h := newHarness(t)
	h.unlock(t)

	result := make(chan transport.Response, 1)
	go func() {
		result <- h.provider.Handle(context.Background(), transport.Request{
			Method:    types.MethodSwitchChain,
			Params:    json.RawMessage(`[{"chainId":"0x1"}]`),
			RequestID: "switch-1",
			Origin:    dappOrigin,
		})
	}()
	require.Eventually(t, func() bool { return len(h.surface.List()) == 1 }, 5*time.Second, 5*time.Millisecond)
	id := h.surface.List()[0].ID

	resp, _ := h.do(t, http.MethodDelete, "/v1/approvals/"+id, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Empty(t, h.surface.List())
	resp, _ = h.do(t, http.MethodDelete, "/v1/approvals/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// a dismissed prompt cannot be answered; the request runs into its deadline
	resp, body := h.do(t, http.MethodPost, "/v1/approvals/"+id, DecisionRequest{Approved: false})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, string(body))

	select {
	case r := <-result:
		t.Fatalf("request settled without a verdict: %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestApprovals_WaitIgnoresStaleSignal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	noop := func(approval.Verdict) bool { return true }

	// open and dismiss a prompt so a change signal is already pending
	require.NoError(t, h.surface.Open(ctx, approval.Prompt{ID: "stale", Origin: dappOrigin}, noop))
	require.True(t, h.surface.Dismiss("stale"))

	type listed struct {
		status int
		body   []byte
	}
	done := make(chan listed, 1)
	go func() {
		resp, body := h.do(t, http.MethodGet, "/v1/approvals?wait=5s", nil)
		done <- listed{resp.StatusCode, body}
	}()

	select {
	case got := <-done:
		t.Fatalf("wait returned before any prompt opened: %s", got.body)
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, h.surface.Open(ctx, approval.Prompt{ID: "fresh", Origin: dappOrigin, Method: types.MethodSwitchChain}, noop))

	select {
	case got := <-done:
		require.Equal(t, http.StatusOK, got.status)
		var list ApprovalsResponse
		require.NoError(t, json.Unmarshal(got.body, &list))
		require.Len(t, list.Data, 1)
		assert.Equal(t, "fresh", list.Data[0].ID)
	case <-time.After(5 * time.Second):
		t.Fatal("wait did not return after a prompt opened")
	}
}

func TestApprovals_WaitTimesOutEmpty(t *testing.T) {
	h := newHarness(t)
	start := time.Now()
	resp, body := h.do(t, http.MethodGet, "/v1/approvals?wait=100ms", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"data":[]}`, string(body))
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestApprovals_InvalidWait(t *testing.T) {
	h := newHarness(t)
	resp, body := h.do(t, http.MethodGet, "/v1/approvals?wait=2h", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, apperrors.ErrCodeInvalidParams, errorCode(t, body))

	resp, body = h.do(t, http.MethodGet, "/v1/approvals", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"data":[]}`, string(body))
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t)
	h.unlock(t)

	resp, err := h.srv.Client().Get(h.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "walletbridge_unlock_attempts_total")
}

func TestWebSocketRoute(t *testing.T) {
	h := newHarness(t)

	wsURL := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": []string{"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	ws, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": []string{dappOrigin}})
	require.NoError(t, err)
	defer ws.Close()

	msg, err := transport.Encode(transport.Request{Method: types.MethodChainID, Params: json.RawMessage(`[]`), RequestID: "c1", Origin: dappOrigin})
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, msg))

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, frame, err := ws.ReadMessage()
	require.NoError(t, err)
	m, err := transport.Decode(frame)
	require.NoError(t, err)
	r, ok := m.(transport.Response)
	require.True(t, ok)
	assert.True(t, r.Success)
	assert.JSONEq(t, `"0x1"`, string(r.Data))
}
