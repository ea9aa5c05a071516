package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtrntr/fairlaunch/internal/audit"
	"github.com/xtrntr/fairlaunch/internal/auth"
	"github.com/xtrntr/fairlaunch/internal/clock"
	"github.com/xtrntr/fairlaunch/internal/commitreveal"
	"github.com/xtrntr/fairlaunch/internal/fault"
	"github.com/xtrntr/fairlaunch/internal/launch"
	"github.com/xtrntr/fairlaunch/internal/metrics"
	"github.com/xtrntr/fairlaunch/internal/models"
)

var t0 = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

const tokenTTL = 365 * 24 * time.Hour

type testEnv struct {
	router  chi.Router
	handler *Handler
	clock   *clock.Manual
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clk := clock.NewManual(t0)
	trail, err := audit.NewTrail(audit.NewMemoryStore(0), clk, nil)
	require.NoError(t, err)
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	signers := auth.NewMemoryStore(clk)
	svc := launch.NewService(launch.Config{
		CommitReveal: commitreveal.Config{RevealDelay: commitreveal.DefaultRevealDelay},
	}, trail, nil, signers, m, clk, nil)
	authService := auth.NewAuthService(signers, []byte("test-secret-0123456789"), tokenTTL, clk)
	h := NewHandler(svc, authService, clk, nil)

	return &testEnv{
		router:  NewRouter(h, RouterOptions{Gatherer: reg}),
		handler: h,
		clock:   clk,
	}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

// login registers signerID and returns a session token.
func (e *testEnv) login(t *testing.T, signerID string) string {
	t.Helper()
	creds := map[string]string{"signerId": signerID, "password": "passphrase"}
	rr := e.do(t, http.MethodPost, "/auth/register", "", creds)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	rr = e.do(t, http.MethodPost, "/auth/login", "", creds)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var resp map[string]string
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	return resp["token"]
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&v), rr.Body.String())
	return v
}

func TestHandler_Register(t *testing.T) {
	env := newTestEnv(t)
	env.login(t, "existing")

	tests := []struct {
		name           string
		requestBody    any
		expectedStatus int
	}{
		{
			name:           "Success",
			requestBody:    map[string]string{"signerId": "alice", "password": "secret"},
			expectedStatus: http.StatusCreated,
		},
		{
			name:           "Duplicate",
			requestBody:    map[string]string{"signerId": "existing", "password": "secret"},
			expectedStatus: http.StatusConflict,
		},
		{
			name:           "MissingPassword",
			requestBody:    map[string]string{"signerId": "bob"},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "IdTooLong",
			requestBody:    map[string]string{"signerId": strings.Repeat("x", 65), "password": "secret"},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "InvalidBody",
			requestBody:    "not an object",
			expectedStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, http.MethodPost, "/auth/register", "", tt.requestBody)
			assert.Equal(t, tt.expectedStatus, rr.Code, rr.Body.String())
			if tt.expectedStatus == http.StatusCreated {
				body := decodeBody[map[string]any](t, rr)
				assert.Equal(t, "alice", body["id"])
				assert.NotContains(t, body, "PasswordHash")
			}
		})
	}
}

func TestHandler_Login(t *testing.T) {
	env := newTestEnv(t)
	env.login(t, "alice")

	tests := []struct {
		name           string
		requestBody    map[string]string
		expectedStatus int
	}{
		{"Success", map[string]string{"signerId": "alice", "password": "passphrase"}, http.StatusOK},
		{"WrongPassword", map[string]string{"signerId": "alice", "password": "wrong"}, http.StatusUnauthorized},
		{"UnknownSigner", map[string]string{"signerId": "mallory", "password": "passphrase"}, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, http.MethodPost, "/auth/login", "", tt.requestBody)
			assert.Equal(t, tt.expectedStatus, rr.Code)
		})
	}
}

func TestHandler_RequiresToken(t *testing.T) {
	env := newTestEnv(t)
	order := map[string]string{"walletAddress": "0xaaa", "amount": "10", "maxPrice": "1"}

	rr := env.do(t, http.MethodPost, "/orders", "", order)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = env.do(t, http.MethodPost, "/orders", "not-a-token", order)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	token := env.login(t, "alice")
	env.clock.Advance(tokenTTL + time.Second)
	rr = env.do(t, http.MethodPost, "/orders", token, order)
	assert.Equal(t, http.StatusUnauthorized, rr.Code, "expired token")
}

func launchBody() map[string]any {
	return map[string]any{
		"launchParams": models.LaunchParams{
			Name:            "Kurai",
			Symbol:          "KURAI",
			TotalSupply:     decimal.NewFromInt(1_000_100),
			LaunchMode:      models.LaunchModeBatch,
			UseCommitReveal: true,
			DevAllocation:   decimal.NewFromInt(1_000_000),
			VestingDays:     180,
			EscrowSigners:   []string{"signer-a", "signer-b", "signer-c"},
			EscrowQuorum:    2,
		},
		"salt": strings.Repeat("07", 32),
	}
}

func TestHandler_LaunchFlow(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "signer-a")
	tokenB := env.login(t, "signer-b")
	env.login(t, "signer-c")
	outsider := env.login(t, "outsider")

	// Commit, then reveal too early
	rr := env.do(t, http.MethodPost, "/commitments", token, launchBody())
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	c := decodeBody[models.Commitment](t, rr)
	assert.Nil(t, c.RevealedParams)

	rr = env.do(t, http.MethodPost, "/commitments/"+c.ID+"/reveal", token, launchBody())
	require.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, fault.ErrRevealTooEarly.Code, decodeBody[map[string]string](t, rr)["code"])

	env.clock.Advance(commitreveal.DefaultRevealDelay)
	rr = env.do(t, http.MethodPost, "/commitments/"+c.ID+"/reveal", token, launchBody())
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = env.do(t, http.MethodGet, "/commitments/"+c.ID, "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, models.CommitmentRevealed, decodeBody[map[string]any](t, rr)["state"])

	// Sealed orders
	for _, o := range []map[string]string{
		{"walletAddress": "0xaaa", "amount": "60", "maxPrice": "5"},
		{"walletAddress": "0xbbb", "amount": "50", "maxPrice": "5"},
		{"walletAddress": "0xccc", "amount": "40", "maxPrice": "3"},
	} {
		env.clock.Advance(time.Second)
		rr = env.do(t, http.MethodPost, "/orders", token, o)
		require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
		receipt := decodeBody[map[string]any](t, rr)
		assert.NotContains(t, receipt, "amount")
		assert.NotContains(t, receipt, "maxPrice")
	}

	rr = env.do(t, http.MethodGet, "/batches/1", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	sealed := decodeBody[models.Batch](t, rr)
	assert.Empty(t, sealed.Orders)
	assert.Equal(t, 3, sealed.OrderCount)

	rr = env.do(t, http.MethodGet, "/batches/1/receipts", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decodeBody[[]models.SealedReceipt](t, rr), 3)

	// Settle the launch
	rr = env.do(t, http.MethodPost, "/launches", token, map[string]any{"commitmentId": c.ID, "epoch": 1})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	settled := decodeBody[struct {
		Launch models.Launch `json:"launch"`
		Batch  models.Batch  `json:"batch"`
	}](t, rr)
	require.NotNil(t, settled.Batch.ClearingPrice)
	assert.True(t, settled.Batch.ClearingPrice.Equal(decimal.NewFromInt(5)))
	require.Len(t, settled.Batch.Orders, 3)
	assert.True(t, settled.Batch.Orders[0].AllocatedAmount.Equal(decimal.NewFromInt(60)))
	assert.True(t, settled.Batch.Orders[1].AllocatedAmount.Equal(decimal.NewFromInt(40)))
	assert.True(t, settled.Batch.Orders[2].AllocatedAmount.IsZero())

	rr = env.do(t, http.MethodPost, "/launches", token, map[string]any{"commitmentId": c.ID, "epoch": 2})
	assert.Equal(t, http.StatusConflict, rr.Code)

	// Vesting escrow release
	escrowID := settled.Launch.EscrowID
	require.NotEmpty(t, escrowID)
	env.clock.Advance(45 * 24 * time.Hour)

	rr = env.do(t, http.MethodGet, "/escrows/"+escrowID+"/vested", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	vested := decodeBody[struct {
		Vested     decimal.Decimal `json:"vested"`
		Releasable decimal.Decimal `json:"releasable"`
	}](t, rr)
	assert.True(t, vested.Vested.Equal(decimal.NewFromInt(250_000)), vested.Vested.String())
	assert.True(t, vested.Releasable.Equal(decimal.NewFromInt(250_000)))

	rr = env.do(t, http.MethodPost, "/escrows/"+escrowID+"/proposals", outsider, map[string]string{"amount": "1000"})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = env.do(t, http.MethodPost, "/escrows/"+escrowID+"/proposals", token, map[string]string{"amount": "200000"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	p := decodeBody[models.ReleaseProposal](t, rr)

	rr = env.do(t, http.MethodPost, "/proposals/"+p.ID+"/approve", token, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	rr = env.do(t, http.MethodPost, "/proposals/"+p.ID+"/approve", token, nil)
	assert.Equal(t, http.StatusForbidden, rr.Code, "duplicate approval")
	rr = env.do(t, http.MethodPost, "/proposals/"+p.ID+"/approve", tokenB, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, models.ProposalExecuted, decodeBody[models.ReleaseProposal](t, rr).Status)

	rr = env.do(t, http.MethodGet, "/escrows/"+escrowID, "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, decodeBody[models.Escrow](t, rr).Released.Equal(decimal.NewFromInt(200_000)))

	rr = env.do(t, http.MethodGet, "/escrows/"+escrowID+"/status", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	status := decodeBody[models.EscrowStatus](t, rr)
	assert.Equal(t, "25.00", status.Progress.StringFixed(2))
	assert.Equal(t, 135, status.DaysRemaining)
	assert.True(t, status.Releasable.Equal(decimal.NewFromInt(50_000)))

	// Audit trail
	rr = env.do(t, http.MethodGet, "/audit?kind=escrow_release,batch_settlement", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	events := decodeBody[[]models.AuditEvent](t, rr)
	require.Len(t, events, 2)
	assert.Equal(t, models.EventBatchSettlement, events[0].Kind)
	assert.Equal(t, models.EventEscrowRelease, events[1].Kind)

	rr = env.do(t, http.MethodPost, "/audit/tx", token, map[string]string{"refId": events[1].RefID, "txHash": "0xfeed"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = env.do(t, http.MethodGet, "/audit/export?kind=tx_confirmed", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "text/csv", rr.Header().Get("Content-Type"))
	lines := strings.Split(strings.TrimSpace(rr.Body.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "seq,kind,ref_id,timestamp,tx_hash,detail", lines[0])
	assert.Contains(t, lines[1], "0xfeed")

	// Metrics
	rr = env.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `fairlaunch_operations_total{op="settle",result="ok"} 1`)
}

func TestHandler_BadRequests(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "alice")
	for _, id := range []string{"signer-a", "signer-b", "signer-c"} {
		env.login(t, id)
	}
	negativeDelay := launchBody()
	negativeDelay["revealDelaySeconds"] = -600

	tests := []struct {
		name           string
		method         string
		path           string
		body           any
		expectedStatus int
	}{
		{"InvalidEpoch", http.MethodGet, "/batches/abc", nil, http.StatusBadRequest},
		{"UnknownBatch", http.MethodGet, "/batches/9", nil, http.StatusNotFound},
		{"UnknownCommitment", http.MethodGet, "/commitments/nope", nil, http.StatusNotFound},
		{"UnknownEscrow", http.MethodGet, "/escrows/nope", nil, http.StatusNotFound},
		{"BadSalt", http.MethodPost, "/commitments", map[string]any{"salt": "zz"}, http.StatusBadRequest},
		{"InvalidParams", http.MethodPost, "/commitments", map[string]any{"salt": strings.Repeat("01", 32)}, http.StatusBadRequest},
		{"NegativeRevealDelay", http.MethodPost, "/commitments", negativeDelay, http.StatusBadRequest},
		{"NegativeAmount", http.MethodPost, "/orders", map[string]string{"walletAddress": "0xa", "amount": "-1", "maxPrice": "1"}, http.StatusBadRequest},
		{"SettleEmpty", http.MethodPost, "/batches/1/settle", map[string]string{"supply": "100"}, http.StatusConflict},
		{"BadAuditLimit", http.MethodGet, "/audit?limit=x", nil, http.StatusBadRequest},
		{"BadAuditSince", http.MethodGet, "/audit?since=yesterday", nil, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, tt.method, tt.path, token, tt.body)
			assert.Equal(t, tt.expectedStatus, rr.Code, rr.Body.String())
			assert.Contains(t, decodeBody[map[string]string](t, rr), "error")
		})
	}
}

func TestHandler_EscrowSignersMustBeRegistered(t *testing.T) {
	env := newTestEnv(t)
	issuer := env.login(t, "issuer")
	outsider := env.login(t, "outsider")

	body := map[string]any{
		"id":              "team",
		"totalAllocation": "1000",
		"vestingStart":    t0.Add(-48 * time.Hour),
		"vestingDays":     1,
		"signers":         []string{"signer-a", "signer-b", "signer-c"},
		"quorum":          2,
	}
	rr := env.do(t, http.MethodPost, "/escrows", issuer, body)
	require.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())
	assert.Equal(t, fault.ErrInvalidEscrow.Code, decodeBody[map[string]string](t, rr)["code"])

	rr = env.do(t, http.MethodGet, "/escrows", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, decodeBody[[]models.Escrow](t, rr))

	// Once the real signers hold their ids nobody else can claim them
	tokenA := env.login(t, "signer-a")
	env.login(t, "signer-b")
	env.login(t, "signer-c")
	rr = env.do(t, http.MethodPost, "/escrows", issuer, body)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	creds := map[string]string{"signerId": "signer-b", "password": "squatter"}
	rr = env.do(t, http.MethodPost, "/auth/register", "", creds)
	assert.Equal(t, http.StatusConflict, rr.Code)
	rr = env.do(t, http.MethodPost, "/auth/login", "", creds)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = env.do(t, http.MethodPost, "/escrows/team/proposals", outsider, map[string]string{"amount": "1000"})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = env.do(t, http.MethodPost, "/escrows/team/proposals", tokenA, map[string]string{"amount": "1000"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	p := decodeBody[models.ReleaseProposal](t, rr)
	rr = env.do(t, http.MethodPost, "/proposals/"+p.ID+"/approve", tokenA, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, models.ProposalPending, decodeBody[models.ReleaseProposal](t, rr).Status)

	// Launch dev escrows use a reserved id space
	body["id"] = "dev-anything"
	rr = env.do(t, http.MethodPost, "/escrows", issuer, body)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err      error
		expected int
	}{
		{fault.ErrInvalidOrder, http.StatusBadRequest},
		{fmt.Errorf("wrapped: %w", fault.ErrRevealExpired), http.StatusConflict},
		{fault.ErrOverVestedRelease, http.StatusConflict},
		{fault.ErrUnknownSigner, http.StatusForbidden},
		{fault.ErrUnknownProposal, http.StatusNotFound},
		{fault.ErrStorageExhausted, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.expected, statusFor(tt.err))
		})
	}
}

func TestRateLimiter(t *testing.T) {
	clk := clock.NewManual(t0)
	rl := NewRateLimiter(1, 2, clk)
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	call := func(remote string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = remote
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr.Code
	}

	assert.Equal(t, http.StatusNoContent, call("10.0.0.1:1234"))
	assert.Equal(t, http.StatusNoContent, call("10.0.0.1:1235"))
	assert.Equal(t, http.StatusTooManyRequests, call("10.0.0.1:1236"))
	assert.Equal(t, http.StatusNoContent, call("10.0.0.2:1234"), "other clients keep their own budget")

	clk.Advance(time.Second)
	assert.Equal(t, http.StatusNoContent, call("10.0.0.1:1237"))

	// Idle visitors are swept
	clk.Advance(visitorTTL + time.Second)
	call("10.0.0.3:1")
	rl.mu.Lock()
	assert.Len(t, rl.visitors, 1)
	rl.mu.Unlock()
}

func TestHandler_AuditFeed(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.handler.Service.Trail.Append(models.EventCommit, "c-1", nil)
	require.NoError(t, err)

	srv := httptest.NewServer(env.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/audit?from=1"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var replayed models.AuditEvent
	require.NoError(t, conn.ReadJSON(&replayed))
	assert.Equal(t, uint64(1), replayed.Seq)
	assert.Equal(t, "c-1", replayed.RefID)

	// The feed subscribes before replaying, so this arrives live
	_, err = env.handler.Service.Trail.Append(models.EventReveal, "c-1", nil)
	require.NoError(t, err)

	var live models.AuditEvent
	require.NoError(t, conn.ReadJSON(&live))
	assert.Equal(t, uint64(2), live.Seq)
	assert.Equal(t, models.EventReveal, live.Kind)
}
