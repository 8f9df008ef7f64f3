package broker

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eddiefleurent/alert_trader/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testCreds = Credentials{AccessToken: "acc-tok", TradeToken: "trade-tok", AccountID: "A1", DeviceID: "dev-1"}

func newTestAPIWithServer(t *testing.T, paper bool, h http.HandlerFunc) *WebullAPI {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewWebullAPIWithBaseURLs(testCreds, paper, srv.URL+"/q", srv.URL+"/t", srv.Client()).
		WithLogger(quietLogger())
}

func TestAPIError_Error(t *testing.T) {
	err := &APIError{Status: 429, Body: "too many requests"}
	assert.Equal(t, "API error 429: too many requests", err.Error())
}

func TestNewWebullAPIWithBaseURLs_Defaults(t *testing.T) {
	api := NewWebullAPI(testCreds, true)
	assert.Equal(t, DefaultQuoteURL, api.quoteURL)
	assert.Equal(t, DefaultTradeURL, api.tradeURL)

	custom := NewWebullAPIWithBaseURLs(testCreds, false, "https://q.example.test/api/", "https://t.example.test/", nil)
	assert.Equal(t, "https://q.example.test/api", custom.quoteURL)
	assert.Equal(t, "https://t.example.test", custom.tradeURL)
	assert.Equal(t, 10*time.Second, custom.client.Timeout)

	custom.WithTimeout(3 * time.Second)
	assert.Equal(t, 3*time.Second, custom.client.Timeout)
}

func TestMakeRequestCtx_SendsSessionHeaders(t *testing.T) {
	api := newTestAPIWithServer(t, true, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "acc-tok", r.Header.Get("access_token"))
		assert.Equal(t, "trade-tok", r.Header.Get("t_token"))
		assert.Equal(t, "dev-1", r.Header.Get("did"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"a":1}`, string(body))
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	var out map[string]any
	require.NoError(t, api.makeRequestCtx(context.Background(), http.MethodPost, api.quoteURL+"/x", map[string]int{"a": 1}, &out))
	assert.Equal(t, true, out["ok"])
}

func TestMakeRequestCtx_Non2xxReturnsAPIError(t *testing.T) {
	api := newTestAPIWithServer(t, true, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		http.Error(w, "boom", http.StatusTooManyRequests)
	})

	var out map[string]any
	err := api.makeRequestCtx(context.Background(), http.MethodGet, api.quoteURL+"/err", nil, &out)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.Status)
	assert.Contains(t, apiErr.Body, "boom")
	assert.Contains(t, apiErr.Body, "retry-after: 3")
}

func TestMakeRequestCtx_ContextCancelled(t *testing.T) {
	api := newTestAPIWithServer(t, true, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := api.makeRequestCtx(ctx, http.MethodGet, api.quoteURL+"/slow", nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestResolveSymbol(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    int64
		wantErr error
	}{
		{"exact symbol match", `{"data":[{"tickerId":1,"symbol":"SPXW"},{"tickerId":913324,"symbol":"SPX"}]}`, 913324, nil},
		{"display symbol match", `{"data":[{"tickerId":"7","symbol":"X"},{"tickerId":"8","disSymbol":"SPX"}]}`, 8, nil},
		{"falls back to first result", `{"data":[{"tickerId":11,"symbol":"SPXL"},{"tickerId":12,"symbol":"SPXS"}]}`, 11, nil},
		{"no results", `{"data":[]}`, 0, ErrSymbolNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newTestAPIWithServer(t, true, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/q/search/pc/tickers", r.URL.Path)
				assert.Equal(t, "SPX", r.URL.Query().Get("keyword"))
				_, _ = w.Write([]byte(tt.payload))
			})
			got, err := api.ResolveSymbol(context.Background(), "spx")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGetOptionQuote(t *testing.T) {
	api := newTestAPIWithServer(t, true, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/q/search/pc/tickers":
			_, _ = w.Write([]byte(`{"data":[{"tickerId":913324,"symbol":"SPX"}]}`))
		case "/q/quote/option/quotes/queryBatch":
			assert.Equal(t, "913324", r.URL.Query().Get("tickerId"))
			assert.Equal(t, "1040000123", r.URL.Query().Get("derivativeIds"))
			_, _ = w.Write([]byte(`{"data":[{"tickerId":1040000123,"unSymbol":"SPX","strikePrice":"4490","direction":"put",
				"expireDate":"2025-09-05","askList":[{"price":"1.30","volume":"4"}],"bidList":[{"price":"1.10","volume":"2"}]}]}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	q, err := api.GetOptionQuote(context.Background(), "SPX", 1040000123)
	require.NoError(t, err)
	require.NotNil(t, q)
	assert.Equal(t, int64(1040000123), q.ContractID)
	assert.Equal(t, "SPX", q.Symbol)
	assert.Equal(t, models.RightPut, q.Right)
	assert.True(t, q.Strike.Equal(decimal.NewFromInt(4490)))
	assert.Equal(t, "2025-09-05", q.Expiration.Format("2006-01-02"))
	require.True(t, q.Bid.Valid)
	require.True(t, q.Ask.Valid)
	assert.Equal(t, "1.1", q.Bid.Decimal.String())
	assert.Equal(t, "1.3", q.Ask.Decimal.String())
}

func TestGetOptionQuote_Empty(t *testing.T) {
	api := newTestAPIWithServer(t, true, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/q/search/pc/tickers" {
			_, _ = w.Write([]byte(`{"data":[{"tickerId":1,"symbol":"SPX"}]}`))
			return
		}
		_, _ = w.Write([]byte(`{"data":[]}`))
	})
	q, err := api.GetOptionQuote(context.Background(), "SPX", 5)
	require.NoError(t, err)
	assert.Nil(t, q)
}

const chainPayload = `{"expireDateList":[
 {"from":{"date":"2025-09-12"},"data":[
   {"tickerId":301,"strikePrice":"4490","direction":"put","bidList":[{"price":"3.0"}],"askList":[{"price":"3.2"}]}]},
 {"from":{"date":"2025-09-05"},"data":[
   {"tickerId":201,"strikePrice":"4490","direction":"put","bidList":[{"price":"1.0"}],"askList":[{"price":"1.2"}]},
   {"tickerId":202,"strikePrice":"4490","direction":"call"},
   {"tickerId":203,"strikePrice":"4495","direction":"put"}]}
]}`

func TestGetOptionsByStrikeExpiry(t *testing.T) {
	var gotBody map[string]any
	api := newTestAPIWithServer(t, true, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/q/search/pc/tickers":
			_, _ = w.Write([]byte(`{"data":[{"tickerId":913324,"symbol":"SPX"}]}`))
		case "/q/quote/option/strategy/list":
			assert.Equal(t, http.MethodPost, r.Method)
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
			_, _ = w.Write([]byte(chainPayload))
		}
	})
	strike := decimal.RequireFromString("4490.00")

	t.Run("nearest expiry when none given", func(t *testing.T) {
		got, err := api.GetOptionsByStrikeExpiry(context.Background(), "SPX", time.Time{}, strike, models.RightPut)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, int64(201), got[0].ContractID)
		assert.Equal(t, "2025-09-05", got[0].Expiration.Format("2006-01-02"))
		assert.Equal(t, "put", gotBody["direction"])
		assert.EqualValues(t, 913324, gotBody["tickerId"])
	})

	t.Run("explicit expiry", func(t *testing.T) {
		exp := time.Date(2025, 9, 12, 0, 0, 0, 0, time.UTC)
		got, err := api.GetOptionsByStrikeExpiry(context.Background(), "SPX", exp, strike, models.RightPut)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, int64(301), got[0].ContractID)
	})

	t.Run("unknown expiry yields nothing", func(t *testing.T) {
		exp := time.Date(2025, 10, 17, 0, 0, 0, 0, time.UTC)
		got, err := api.GetOptionsByStrikeExpiry(context.Background(), "SPX", exp, strike, models.RightPut)
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestPlaceOrder_PaperLimitBody(t *testing.T) {
	var body map[string]any
	api := newTestAPIWithServer(t, true, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/t/paper/1/acc/A1/orderop/place/201", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, _ = w.Write([]byte(`{"orderId":"987654"}`))
	})

	placed, err := api.PlaceOrder(context.Background(), OrderRequest{
		ContractID: 201,
		Quantity:   500,
		Side:       models.SideBuy,
		Style:      models.StyleLimit,
		LimitPrice: decimal.NewNullDecimal(decimal.RequireFromString("0.01")),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(987654), placed.OrderID)

	assert.Equal(t, "LMT", body["orderType"])
	assert.Equal(t, "DAY", body["timeInForce"])
	assert.Equal(t, "A1", body["accountId"])
	assert.Equal(t, "0.01", body["lmtPrice"])
	_, err = uuid.Parse(body["serialId"].(string))
	assert.NoError(t, err, "serialId must be a uuid")

	legs := body["orders"].([]any)
	require.Len(t, legs, 1)
	leg := legs[0].(map[string]any)
	assert.EqualValues(t, 500, leg["quantity"])
	assert.Equal(t, "BUY", leg["action"])
	assert.EqualValues(t, 201, leg["tickerId"])
	assert.Equal(t, "OPTION", leg["tickerType"])
}

func TestPlaceOrder_LiveMarketOmitsLimit(t *testing.T) {
	var body map[string]any
	api := newTestAPIWithServer(t, false, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/t/v2/option/placeOrder/A1", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, _ = w.Write([]byte(`{"orderId":42,"status":"Working"}`))
	})

	placed, err := api.PlaceOrder(context.Background(), OrderRequest{ContractID: 9, Quantity: 3, Side: models.SideSell, Style: models.StyleMarket})
	require.NoError(t, err)
	assert.Equal(t, &PlacedOrder{OrderID: 42, Status: "Working"}, placed)
	assert.Equal(t, "MKT", body["orderType"])
	_, hasLimit := body["lmtPrice"]
	assert.False(t, hasLimit)
	_, hasAccount := body["accountId"]
	assert.False(t, hasAccount)
}

func TestPlaceOrder_Rejections(t *testing.T) {
	var calls atomic.Int32
	api := newTestAPIWithServer(t, true, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"msg":"insufficient buying power"}`, http.StatusBadRequest)
	})

	_, err := api.PlaceOrder(context.Background(), OrderRequest{ContractID: 1, Quantity: 1, Side: models.SideBuy, Style: models.StyleLimit})
	require.Error(t, err, "limit order without a price")
	assert.Zero(t, calls.Load())

	_, err = api.PlaceOrder(context.Background(), OrderRequest{ContractID: 1, Quantity: 1, Side: models.SideBuy, Style: models.StyleMarket})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
}

func TestCancelOrder(t *testing.T) {
	t.Run("paper confirms on 2xx", func(t *testing.T) {
		api := newTestAPIWithServer(t, true, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/t/paper/1/acc/A1/orderop/cancel/987", r.URL.Path)
			w.WriteHeader(http.StatusOK)
		})
		ok, err := api.CancelOrder(context.Background(), 987)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("live reports success flag", func(t *testing.T) {
		api := newTestAPIWithServer(t, false, func(w http.ResponseWriter, r *http.Request) {
			assert.Regexp(t, `^/t/v2/option/cancelOrder/A1/987/[0-9a-f-]{36}$`, r.URL.Path)
			_, _ = w.Write([]byte(`{"success":false}`))
		})
		ok, err := api.CancelOrder(context.Background(), 987)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestGetOrderHistory(t *testing.T) {
	api := newTestAPIWithServer(t, true, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/t/paper/1/acc/A1/order", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "Filled", q.Get("status"))
		assert.Equal(t, "10", q.Get("pageSize"))
		assert.Equal(t, "BUY", q.Get("action"))
		_, _ = w.Write([]byte(`[
			{"orderId":1,"action":"BUY","status":"Filled","filledQuantity":"5","filledValue":"50.00","avgFilledPrice":"0.1","ticker":{"tickerId":201}},
			{"orderId":2,"action":"SELL","status":"Filled","ticker":{"tickerId":202}},
			{"orderId":"3","action":"BUY","statusStr":"Filled","ticker":{"tickerId":"203"}}
		]`))
	})

	got, err := api.GetOrderHistory(context.Background(), StatusFilled, 10, models.SideBuy)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].OrderID)
	assert.Equal(t, int64(201), got[0].ContractID)
	assert.Equal(t, int64(5), got[0].FilledQuantity)
	assert.Equal(t, "50", got[0].FilledValue.Decimal.String())
	assert.Equal(t, int64(3), got[1].OrderID)
	assert.Equal(t, "Filled", got[1].Status)
}

func TestGetOrderHistory_SingleObject(t *testing.T) {
	api := newTestAPIWithServer(t, false, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/t/v2/option/list", r.URL.Path)
		assert.Equal(t, "A1", r.URL.Query().Get("secAccountId"))
		_, _ = w.Write([]byte(`{"orderId":8,"action":"SELL","status":"Filled"}`))
	})
	got, err := api.GetOrderHistory(context.Background(), StatusFilled, 0, models.SideSell)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, models.SideSell, got[0].Side)
}

func TestGetOpenPositions(t *testing.T) {
	api := newTestAPIWithServer(t, false, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/t/v3/home/A1", r.URL.Path)
		_, _ = w.Write([]byte(`{"positions":[
			{"ticker":{"tickerId":201,"symbol":"spx"},"position":"5","optionExercisePrice":"4490","optionType":"PUT","optionExpireDate":"2025-09-05"},
			{"ticker":{"tickerId":202,"symbol":"SPY"},"position":2,"optionExercisePrice":450.5,"optionType":"call"}
		]}`))
	})

	got, err := api.GetOpenPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, Position{
		ContractID: 201,
		Symbol:     "SPX",
		Strike:     got[0].Strike,
		Right:      models.RightPut,
		Expiration: time.Date(2025, 9, 5, 0, 0, 0, 0, time.UTC),
		Quantity:   5,
	}, got[0])
	assert.Equal(t, "4490", got[0].Strike.String())
	assert.True(t, got[1].Expiration.IsZero())
	assert.Equal(t, "450.5", got[1].Strike.String())
}

func TestWithRequestsPerMinute_ThrottlesRequests(t *testing.T) {
	var calls atomic.Int32
	api := newTestAPIWithServer(t, true, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{}`))
	}).WithRequestsPerMinute(1)

	require.NoError(t, api.makeRequestCtx(context.Background(), http.MethodGet, api.quoteURL+"/a", nil, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := api.makeRequestCtx(ctx, http.MethodGet, api.quoteURL+"/b", nil, nil)
	require.Error(t, err, "second request must wait for the limiter")
	assert.Equal(t, int32(1), calls.Load())
}
