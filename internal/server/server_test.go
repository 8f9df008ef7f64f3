package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/alert_trader/internal/broker"
	"github.com/eddiefleurent/alert_trader/internal/handler"
	"github.com/eddiefleurent/alert_trader/internal/journal"
	"github.com/eddiefleurent/alert_trader/internal/metrics"
	"github.com/eddiefleurent/alert_trader/internal/mock"
	"github.com/eddiefleurent/alert_trader/internal/models"
	"github.com/eddiefleurent/alert_trader/internal/storage"
)

type fakeHandler struct {
	mu     sync.Mutex
	events []models.TriggerEvent
	out    handler.Outcome
}

func (f *fakeHandler) Handle(_ context.Context, ev models.TriggerEvent) handler.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	out := f.out
	out.TriggerID = ev.ID
	return out
}

type fakeActive []models.Order

func (f fakeActive) Active() []models.Order { return f }

func newTestServer(t *testing.T, token string, mutate func(*Deps)) (*httptest.Server, *fakeHandler) {
	t.Helper()
	fh := &fakeHandler{out: handler.Outcome{Status: handler.StatusNoMatch}}
	deps := Deps{
		Handler: fh,
		Storage: storage.NewMockStorage(),
	}
	if mutate != nil {
		mutate(&deps)
	}
	logger, _ := test.NewNullLogger()
	srv := httptest.NewServer(NewServer(Config{AuthToken: token}, deps, logger).Handler())
	t.Cleanup(srv.Close)
	return srv, fh
}

func do(t *testing.T, method, url, body string, header map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestNewServer_PanicsWithoutHandler(t *testing.T) {
	assert.Panics(t, func() { NewServer(Config{}, Deps{Storage: storage.NewMockStorage()}, nil) })
}

func TestHealth_SkipsAuth(t *testing.T) {
	srv, _ := newTestServer(t, "secret", nil)
	resp := do(t, http.MethodGet, srv.URL+"/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body["status"])
}

func TestAuth(t *testing.T) {
	srv, _ := newTestServer(t, "secret", nil)

	resp := do(t, http.MethodGet, srv.URL+"/api/positions", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/api/positions", "", map[string]string{"X-Auth-Token": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/api/positions", "", map[string]string{"X-Auth-Token": "secret"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/api/positions?token=secret", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPostTrigger(t *testing.T) {
	srv, fh := newTestServer(t, "", nil)
	fh.out = handler.Outcome{
		Status:   handler.StatusSubmitted,
		Category: models.CategoryEntry,
		Order:    &models.Order{ID: 7, ContractID: 201, Side: models.SideBuy, Quantity: 500, State: models.StatePending},
	}

	resp := do(t, http.MethodPost, srv.URL+"/api/triggers", `{"text":"BUY SPX 4490p @0.01"}`, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out handler.Outcome
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, handler.StatusSubmitted, out.Status)
	require.NotNil(t, out.Order)
	assert.Equal(t, int64(500), out.Order.Quantity)

	fh.mu.Lock()
	defer fh.mu.Unlock()
	require.Len(t, fh.events, 1)
	assert.Equal(t, "buy spx 4490p @0.01", fh.events[0].Text)
	assert.Equal(t, fh.events[0].ID, out.TriggerID)
}

func TestPostTrigger_NoMatchIsOK(t *testing.T) {
	srv, _ := newTestServer(t, "", nil)
	resp := do(t, http.MethodPost, srv.URL+"/api/triggers", `{"text":"hello"}`, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPostTrigger_BadRequests(t *testing.T) {
	srv, fh := newTestServer(t, "", nil)
	for _, body := range []string{``, `{"text":"   "}`, `not json`, `{"text":"buy","extra":1}`} {
		resp := do(t, http.MethodPost, srv.URL+"/api/triggers", body, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
	}
	assert.Empty(t, fh.events)
}

func TestGetPositions_JoinsBrokerView(t *testing.T) {
	gw := mock.NewBroker()
	gw.SetPosition(broker.Position{
		ContractID: 201, Symbol: "SPXW", Strike: decimal.NewFromInt(4490), Right: models.RightPut,
		Expiration: time.Date(2025, 9, 5, 0, 0, 0, 0, time.UTC), Quantity: 5,
	})
	srv, _ := newTestServer(t, "", func(d *Deps) {
		d.Storage = storage.NewMockStorage(201, 77)
		d.Broker = gw
	})

	resp := do(t, http.MethodGet, srv.URL+"/api/positions", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body PositionsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))

	require.Len(t, body.Positions, 2)
	assert.Equal(t, PositionView{TickerID: 201, Label: "SPXW 09/05 4490p", Quantity: 5, AtBroker: true}, body.Positions[0])
	assert.Equal(t, PositionView{TickerID: 77}, body.Positions[1])
	assert.Empty(t, body.BrokerError)
}

func TestGetPositions_BrokerErrorStillListsTracked(t *testing.T) {
	gw := mock.NewBroker()
	gw.SetError(mock.OpGetPositions, errors.New("gateway down"))
	srv, _ := newTestServer(t, "", func(d *Deps) {
		d.Storage = storage.NewMockStorage(201)
		d.Broker = gw
	})

	resp := do(t, http.MethodGet, srv.URL+"/api/positions", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body PositionsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Len(t, body.Positions, 1)
	assert.Equal(t, "gateway down", body.BrokerError)
}

func TestGetOrders_FromJournal(t *testing.T) {
	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	base := time.Date(2025, 9, 2, 14, 0, 0, 0, time.UTC)
	for i := int64(1); i <= 3; i++ {
		require.NoError(t, j.RecordSubmitted(context.Background(), models.Order{
			ID: i, ContractID: 201, Side: models.SideSell, Style: models.StyleMarket, Quantity: 1,
			State: models.StatePending, PlacedAt: base.Add(time.Duration(i) * time.Minute), UpdatedAt: base,
		}))
	}
	srv, _ := newTestServer(t, "", func(d *Deps) { d.Journal = j })

	resp := do(t, http.MethodGet, srv.URL+"/api/orders?limit=2", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var entries []journal.Entry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	require.Len(t, entries, 2)
	assert.Equal(t, int64(3), entries[0].ID)

	resp = do(t, http.MethodGet, srv.URL+"/api/orders?limit=zero", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetOrders_FallsBackToActive(t *testing.T) {
	srv, _ := newTestServer(t, "", func(d *Deps) {
		d.Orders = fakeActive{{ID: 9, State: models.StatePending}}
	})
	for _, path := range []string{"/api/orders", "/api/orders/active"} {
		resp := do(t, http.MethodGet, srv.URL+path, "", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var orders []models.Order
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&orders))
		require.Len(t, orders, 1, path)
		assert.Equal(t, int64(9), orders[0].ID)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.NewMetrics("trader_test")
	m.RecordTrigger(handler.StatusNoMatch)
	srv, _ := newTestServer(t, "", func(d *Deps) { d.Metrics = m })

	resp := do(t, http.MethodGet, srv.URL+"/metrics", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	buf := new(bytes.Buffer)
	_, err := buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "trader_test_triggers_handled_total")
}
