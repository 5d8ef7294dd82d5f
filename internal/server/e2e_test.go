package server

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"onepass/internal/batch"
	"onepass/internal/dedup"
	"onepass/internal/discovery"
	"onepass/internal/ledger"
	"onepass/internal/upstream"
)

// mockProvider emulates the upstream funds provider: balances in cents,
// probe-and-consume with correlation-id dedup, seeding via initFunds and
// a finish endpoint that can reject a configured number of attempts.
type mockProvider struct {
	mu             sync.Mutex
	balances       map[int64]int64
	granted        map[string]int64
	finishAttempts int
	finishFailures int
	finishedIDs    []string
	getPayCalls    int
	// failEveryNth forces a 504 on every nth getPay call.
	failEveryNth int
}

func newMockProvider() *mockProvider {
	return &mockProvider{
		balances: make(map[int64]int64),
		granted:  make(map[string]int64),
	}
}

func (m *mockProvider) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/getPay", m.getPay)
	mux.HandleFunc("/initFunds", m.initFunds)
	mux.HandleFunc("/batchPayFinish", m.batchPayFinish)
	return mux
}

func (m *mockProvider) getPay(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TransactionID string  `json:"transactionId"`
		Uid           int64   `json:"uid"`
		Amount        float64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.getPayCalls++
	if m.failEveryNth > 0 && m.getPayCalls%m.failEveryNth == 0 {
		w.WriteHeader(http.StatusGatewayTimeout)
		return
	}

	cents := int64(math.Round(req.Amount * 100))
	code := int32(200)

	// A retry carrying an already-granted correlation id replays the
	// original 200 without debiting again.
	if _, replay := m.granted[req.TransactionID]; !replay {
		if bal, ok := m.balances[req.Uid]; !ok {
			code = 404
		} else if bal < cents {
			code = 501
		} else {
			m.balances[req.Uid] -= cents
			m.granted[req.TransactionID] = cents
		}
	}

	json.NewEncoder(w).Encode(map[string]any{
		"code":      code,
		"requestId": r.Header.Get("X-KSY-REQUEST-ID"),
		"msg":       "",
		"data":      "",
	})
}

func (m *mockProvider) initFunds(w http.ResponseWriter, r *http.Request) {
	var funds []upstream.Fund
	if err := json.NewDecoder(r.Body).Decode(&funds); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range funds {
		m.balances[f.Uid] = int64(math.Round(f.Amount * 100))
	}
	w.WriteHeader(http.StatusOK)
}

func (m *mockProvider) batchPayFinish(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BatchPayID string `json:"batchPayId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.finishAttempts++
	if m.finishAttempts <= m.finishFailures {
		w.WriteHeader(http.StatusGatewayTimeout)
		return
	}
	m.finishedIDs = append(m.finishedIDs, req.BatchPayID)
	w.WriteHeader(http.StatusOK)
}

// newStack wires the full core against the mock provider: real upstream
// client, real discovery engine, real batch service, real router.
func newStack(t *testing.T, provider *mockProvider) (*fiber.App, *batch.Service, *ledger.Ledger, *upstream.Client) {
	t.Helper()

	srv := httptest.NewServer(provider.handler())
	t.Cleanup(srv.Close)

	client := upstream.NewClient(upstream.Config{
		GetPayURL:         srv.URL + "/getPay",
		InitFundsURL:      srv.URL + "/initFunds",
		BatchPayFinishURL: srv.URL + "/batchPayFinish",
	}, srv.Client())

	engine := discovery.NewEngine(client, discovery.Options{
		RequestTimeout: 2 * time.Second,
		RampDelay:      time.Millisecond,
	})

	l := ledger.New()
	svc := batch.NewService(dedup.NewMemory(), l, engine, client, batch.Options{
		FinishTimeout:  600 * time.Millisecond,
		FinishInterval: time.Millisecond,
	})
	return NewRouter(NewHandler(svc)), svc, l, client
}

func TestEndToEnd_BatchTradeQuery(t *testing.T) {
	provider := newMockProvider()
	app, svc, _, client := newStack(t, provider)

	// Seed the upstream the way a test environment would.
	require.NoError(t, client.InitFunds(context.Background(), []upstream.Fund{
		{Uid: 100001, Amount: 88.91},
		{Uid: 100042, Amount: 55.00},
	}))

	// Batch over both users; the 200 comes back before discovery is done.
	resp := postJSON(t, app, "/onePass/batchPay", "e2e-1", fiber.Map{
		"batchPayId": "b1",
		"uids":       []int64{100001, 100042},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	svc.Wait()

	// The full upstream balances landed in the ledger.
	resp = postJSON(t, app, "/onePass/queryUserAmount", "e2e-2", []int64{100001, 100042})
	var q queryResponse
	decodeBody(t, resp, &q)
	require.Len(t, q.Data, 2)
	assert.Equal(t, 88.91, q.Data[0].Amount)
	assert.Equal(t, 55.00, q.Data[1].Amount)

	// The upstream is drained and was notified exactly once.
	assert.Equal(t, []string{"b1"}, provider.finishedIDs)
	assert.Equal(t, int64(0), provider.balances[100001])

	// Replaying the batch id changes nothing.
	resp = postJSON(t, app, "/onePass/batchPay", "e2e-3", fiber.Map{
		"batchPayId": "b1",
		"uids":       []int64{100001, 100042},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	svc.Wait()

	resp = postJSON(t, app, "/onePass/queryUserAmount", "e2e-4", []int64{100001})
	decodeBody(t, resp, &q)
	assert.Equal(t, 88.91, q.Data[0].Amount)

	// Trade between the two discovered accounts.
	resp = postJSON(t, app, "/onePass/userTrade", "e2e-trade-1", fiber.Map{
		"sourceUid": 100001, "targetUid": 100042, "amount": 10.00,
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = postJSON(t, app, "/onePass/queryUserAmount", "e2e-5", []int64{100001, 100042})
	decodeBody(t, resp, &q)
	assert.Equal(t, 78.91, q.Data[0].Amount)
	assert.Equal(t, 65.00, q.Data[1].Amount)

	// Overdraft attempt: rejected, balances unchanged.
	resp = postJSON(t, app, "/onePass/userTrade", "e2e-trade-2", fiber.Map{
		"sourceUid": 100001, "targetUid": 100042, "amount": 1000.00,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, app, "/onePass/queryUserAmount", "e2e-6", []int64{100001})
	decodeBody(t, resp, &q)
	assert.Equal(t, 78.91, q.Data[0].Amount)
}

func TestEndToEnd_LargeBalanceSingleUser(t *testing.T) {
	provider := newMockProvider()
	app, svc, l, client := newStack(t, provider)

	require.NoError(t, client.InitFunds(context.Background(), []upstream.Fund{
		{Uid: 600002, Amount: 10000.93},
	}))

	resp := postJSON(t, app, "/onePass/batchPay", "e2e-big", fiber.Map{
		"batchPayId": "b-big",
		"uids":       []int64{600002},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	svc.Wait()

	bal, err := l.Balance(600002)
	require.NoError(t, err)
	assert.Equal(t, int64(1000093), bal)
}

// The finish notification survives upstream 504s and the discovery loop
// survives injected gateway timeouts without double-counting.
func TestEndToEnd_FaultInjection(t *testing.T) {
	provider := newMockProvider()
	provider.finishFailures = 2
	provider.failEveryNth = 5
	app, svc, l, client := newStack(t, provider)

	require.NoError(t, client.InitFunds(context.Background(), []upstream.Fund{
		{Uid: 100001, Amount: 88.91},
	}))

	resp := postJSON(t, app, "/onePass/batchPay", "e2e-fault", fiber.Map{
		"batchPayId": "b-fault",
		"uids":       []int64{100001},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	svc.Wait()

	bal, err := l.Balance(100001)
	require.NoError(t, err)
	assert.Equal(t, int64(8891), bal)

	assert.Equal(t, 3, provider.finishAttempts)
	assert.Equal(t, []string{"b-fault"}, provider.finishedIDs)
}
