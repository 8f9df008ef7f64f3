package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/eddiefleurent/alert_trader/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Default endpoints
const (
	DefaultQuoteURL = "https://quotes-gw.webullfintech.com/api"
	DefaultTradeURL = "https://trade.webullfintech.com/api/trade"
)

const (
	expiryLayout    = "2006-01-02"
	maxErrorBodyLen = 64 << 10
)

// ErrSymbolNotFound is returned when a ticker search has no results
var ErrSymbolNotFound = errors.New("symbol not found")

// APIError represents an API error with status code and response body
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// Credentials are the session values sent with every request
type Credentials struct {
	AccessToken string
	TradeToken  string
	AccountID   string
	DeviceID    string
}

// WebullAPI is the HTTP gateway client. Paper and live accounts use different trade endpoints.
type WebullAPI struct {
	client   *http.Client
	quoteURL string
	tradeURL string
	creds    Credentials
	paper    bool
	limiter  *rate.Limiter
	logger   logrus.FieldLogger
}

var _ Broker = (*WebullAPI)(nil)

// NewWebullAPI creates a client against the default endpoints
func NewWebullAPI(creds Credentials, paper bool) *WebullAPI {
	return NewWebullAPIWithBaseURLs(creds, paper, "", "", nil)
}

// NewWebullAPIWithBaseURLs creates a client with optional custom base URLs and HTTP client
func NewWebullAPIWithBaseURLs(creds Credentials, paper bool, quoteURL, tradeURL string, client *http.Client) *WebullAPI {
	if quoteURL == "" {
		quoteURL = DefaultQuoteURL
	}
	if tradeURL == "" {
		tradeURL = DefaultTradeURL
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebullAPI{
		client:   client,
		quoteURL: strings.TrimRight(quoteURL, "/"),
		tradeURL: strings.TrimRight(tradeURL, "/"),
		creds:    creds,
		paper:    paper,
		limiter:  rate.NewLimiter(rate.Inf, 1),
		logger:   logrus.StandardLogger(),
	}
}

// WithHTTPClient allows overriding the HTTP client (tests, custom transport).
func (w *WebullAPI) WithHTTPClient(c *http.Client) *WebullAPI {
	if c != nil {
		w.client = c
	}
	return w
}

// WithTimeout sets the HTTP client timeout duration.
func (w *WebullAPI) WithTimeout(timeout time.Duration) *WebullAPI {
	if w.client != nil && timeout > 0 {
		w.client.Timeout = timeout
	}
	return w
}

// WithRequestsPerMinute throttles outgoing requests. Zero or less disables throttling.
func (w *WebullAPI) WithRequestsPerMinute(n int) *WebullAPI {
	if n <= 0 {
		w.limiter = rate.NewLimiter(rate.Inf, 1)
		return w
	}
	w.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(n)), 1)
	return w
}

// WithLogger sets the logger used for request diagnostics
func (w *WebullAPI) WithLogger(l logrus.FieldLogger) *WebullAPI {
	if l != nil {
		w.logger = l
	}
	return w
}

// ============ Wire structures ============

// singleOrArray accepts a JSON object where a list is expected
type singleOrArray[T any] []T

func (s *singleOrArray[T]) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '[' {
		return json.Unmarshal(b, (*[]T)(s))
	}
	var one T
	if err := json.Unmarshal(b, &one); err != nil {
		return err
	}
	*s = append(*s, one)
	return nil
}

// flexInt decodes integers sent either as JSON numbers or strings
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(bytes.TrimSpace(b)), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		*f = flexInt(n)
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("invalid integer %q: %w", s, err)
	}
	*f = flexInt(d.IntPart())
	return nil
}

type tickerSearchResponse struct {
	Data []struct {
		TickerID  flexInt `json:"tickerId"`
		Symbol    string  `json:"symbol"`
		DisSymbol string  `json:"disSymbol"`
	} `json:"data"`
}

type priceLevel struct {
	Price  decimal.NullDecimal `json:"price"`
	Volume string              `json:"volume"`
}

type optionContract struct {
	TickerID    flexInt             `json:"tickerId"`
	Symbol      string              `json:"symbol"`
	UnSymbol    string              `json:"unSymbol"`
	StrikePrice decimal.Decimal     `json:"strikePrice"`
	Direction   string              `json:"direction"`
	ExpireDate  string              `json:"expireDate"`
	AskList     []priceLevel        `json:"askList"`
	BidList     []priceLevel        `json:"bidList"`
	Close       decimal.NullDecimal `json:"close"`
}

type optionQuoteResponse struct {
	Data singleOrArray[optionContract] `json:"data"`
}

type optionChainResponse struct {
	ExpireDateList []struct {
		From struct {
			Date string `json:"date"`
		} `json:"from"`
		Data []optionContract `json:"data"`
	} `json:"expireDateList"`
}

type orderLeg struct {
	Quantity   int64  `json:"quantity"`
	Action     string `json:"action"`
	TickerID   int64  `json:"tickerId"`
	TickerType string `json:"tickerType"`
}

type placeOrderBody struct {
	OrderType                 string           `json:"orderType"`
	SerialID                  string           `json:"serialId"`
	OutsideRegularTradingHour bool             `json:"outsideRegularTradingHour"`
	AccountID                 string           `json:"accountId,omitempty"`
	TickerID                  int64            `json:"tickerId"`
	Quantity                  int64            `json:"quantity"`
	Action                    string           `json:"action"`
	TimeInForce               string           `json:"timeInForce"`
	LmtPrice                  *decimal.Decimal `json:"lmtPrice,omitempty"`
	Orders                    []orderLeg       `json:"orders"`
}

type placeOrderResponse struct {
	OrderID flexInt `json:"orderId"`
	Status  string  `json:"status"`
}

type cancelOrderResponse struct {
	Success bool `json:"success"`
}

type historyOrderItem struct {
	OrderID        flexInt             `json:"orderId"`
	Action         string              `json:"action"`
	Status         string              `json:"status"`
	StatusStr      string              `json:"statusStr"`
	FilledQuantity flexInt             `json:"filledQuantity"`
	FilledValue    decimal.NullDecimal `json:"filledValue"`
	AvgFilledPrice decimal.NullDecimal `json:"avgFilledPrice"`
	Ticker         struct {
		TickerID flexInt `json:"tickerId"`
	} `json:"ticker"`
}

type accountResponse struct {
	Positions []struct {
		Ticker struct {
			TickerID flexInt `json:"tickerId"`
			Symbol   string  `json:"symbol"`
		} `json:"ticker"`
		Position            flexInt         `json:"position"`
		OptionExercisePrice decimal.Decimal `json:"optionExercisePrice"`
		OptionType          string          `json:"optionType"`
		OptionExpireDate    string          `json:"optionExpireDate"`
	} `json:"positions"`
}

// ============ Market data ============

// ResolveSymbol returns the ticker id of symbol. An exact symbol match wins, else the first result.
func (w *WebullAPI) ResolveSymbol(ctx context.Context, symbol string) (int64, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return 0, fmt.Errorf("symbol is required")
	}
	params := url.Values{"keyword": {symbol}, "pageIndex": {"1"}, "pageSize": {"20"}}
	var resp tickerSearchResponse
	if err := w.makeRequestCtx(ctx, http.MethodGet, w.quoteURL+"/search/pc/tickers?"+params.Encode(), nil, &resp); err != nil {
		return 0, err
	}
	if len(resp.Data) == 0 {
		return 0, fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
	}
	for _, item := range resp.Data {
		if strings.EqualFold(item.Symbol, symbol) || strings.EqualFold(item.DisSymbol, symbol) {
			return int64(item.TickerID), nil
		}
	}
	return int64(resp.Data[0].TickerID), nil
}

// GetOptionQuote returns the current quote of one option contract of symbol
func (w *WebullAPI) GetOptionQuote(ctx context.Context, symbol string, contractID int64) (*OptionQuote, error) {
	tickerID, err := w.ResolveSymbol(ctx, symbol)
	if err != nil {
		return nil, err
	}
	params := url.Values{
		"tickerId":      {strconv.FormatInt(tickerID, 10)},
		"derivativeIds": {strconv.FormatInt(contractID, 10)},
	}
	var resp optionQuoteResponse
	if err := w.makeRequestCtx(ctx, http.MethodGet, w.quoteURL+"/quote/option/quotes/queryBatch?"+params.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, nil
	}
	q := resp.Data[0].toQuote(symbol)
	if q.ContractID == 0 {
		q.ContractID = contractID
	}
	return &q, nil
}

// GetOptionsByStrikeExpiry lists contracts of symbol at strike and right, nearest expiry when expiry is zero
func (w *WebullAPI) GetOptionsByStrikeExpiry(ctx context.Context, symbol string, expiry time.Time,
	strike decimal.Decimal, right models.OptionRight) ([]OptionQuote, error) {
	tickerID, err := w.ResolveSymbol(ctx, symbol)
	if err != nil {
		return nil, err
	}
	direction := "all"
	if right != "" {
		direction = string(right)
	}
	body := map[string]any{"count": -1, "direction": direction, "tickerId": tickerID}
	var resp optionChainResponse
	if err := w.makeRequestCtx(ctx, http.MethodPost, w.quoteURL+"/quote/option/strategy/list", body, &resp); err != nil {
		return nil, err
	}
	if len(resp.ExpireDateList) == 0 {
		return nil, nil
	}

	want := ""
	if !expiry.IsZero() {
		want = expiry.Format(expiryLayout)
	} else {
		dates := make([]string, 0, len(resp.ExpireDateList))
		for _, e := range resp.ExpireDateList {
			dates = append(dates, e.From.Date)
		}
		sort.Strings(dates)
		want = dates[0]
	}

	var out []OptionQuote
	for _, e := range resp.ExpireDateList {
		if e.From.Date != want {
			continue
		}
		for _, c := range e.Data {
			if !c.StrikePrice.Equal(strike) {
				continue
			}
			if right != "" && !strings.EqualFold(c.Direction, string(right)) {
				continue
			}
			if c.ExpireDate == "" {
				c.ExpireDate = want
			}
			out = append(out, c.toQuote(symbol))
		}
	}
	return out, nil
}

func (c optionContract) toQuote(symbol string) OptionQuote {
	q := OptionQuote{
		ContractID: int64(c.TickerID),
		Symbol:     strings.ToUpper(symbol),
		Strike:     c.StrikePrice,
		Right:      models.OptionRight(strings.ToLower(c.Direction)),
	}
	if c.UnSymbol != "" {
		q.Symbol = strings.ToUpper(c.UnSymbol)
	}
	if exp, err := time.Parse(expiryLayout, c.ExpireDate); err == nil {
		q.Expiration = exp
	}
	if len(c.BidList) > 0 {
		q.Bid = c.BidList[0].Price
	}
	if len(c.AskList) > 0 {
		q.Ask = c.AskList[0].Price
	}
	return q
}

// ============ Orders ============

// PlaceOrder submits a single-leg option order
func (w *WebullAPI) PlaceOrder(ctx context.Context, req OrderRequest) (*PlacedOrder, error) {
	if req.ContractID <= 0 || req.Quantity <= 0 {
		return nil, fmt.Errorf("invalid order request: contract %d quantity %d", req.ContractID, req.Quantity)
	}
	tif := req.TimeInForce
	if tif == "" {
		tif = "DAY"
	}
	body := placeOrderBody{
		OrderType:   string(req.Style),
		SerialID:    uuid.NewString(),
		TimeInForce: tif,
		Orders: []orderLeg{{
			Quantity:   req.Quantity,
			Action:     string(req.Side),
			TickerID:   req.ContractID,
			TickerType: "OPTION",
		}},
	}
	if w.paper {
		body.AccountID = w.creds.AccountID
		body.TickerID = req.ContractID
		body.Quantity = req.Quantity
		body.Action = string(req.Side)
		body.OutsideRegularTradingHour = true
	}
	if req.Style == models.StyleLimit {
		if !req.LimitPrice.Valid {
			return nil, fmt.Errorf("limit order requires a limit price")
		}
		p := req.LimitPrice.Decimal
		body.LmtPrice = &p
	}

	var endpoint string
	if w.paper {
		endpoint = fmt.Sprintf("%s/paper/1/acc/%s/orderop/place/%d", w.tradeURL, url.PathEscape(w.creds.AccountID), req.ContractID)
	} else {
		endpoint = fmt.Sprintf("%s/v2/option/placeOrder/%s", w.tradeURL, url.PathEscape(w.creds.AccountID))
	}

	var resp placeOrderResponse
	if err := w.makeRequestCtx(ctx, http.MethodPost, endpoint, body, &resp); err != nil {
		return nil, err
	}
	if resp.OrderID == 0 {
		return nil, fmt.Errorf("order placement returned no order id")
	}
	return &PlacedOrder{OrderID: int64(resp.OrderID), Status: resp.Status}, nil
}

// CancelOrder requests cancellation and reports whether the broker confirmed it
func (w *WebullAPI) CancelOrder(ctx context.Context, orderID int64) (bool, error) {
	if w.paper {
		endpoint := fmt.Sprintf("%s/paper/1/acc/%s/orderop/cancel/%d", w.tradeURL, url.PathEscape(w.creds.AccountID), orderID)
		// Paper cancels answer with an empty 2xx body.
		var discard json.RawMessage
		if err := w.makeRequestCtx(ctx, http.MethodPost, endpoint, struct{}{}, &discard); err != nil {
			return false, err
		}
		return true, nil
	}
	endpoint := fmt.Sprintf("%s/v2/option/cancelOrder/%s/%d/%s", w.tradeURL, url.PathEscape(w.creds.AccountID), orderID, uuid.NewString())
	var resp cancelOrderResponse
	if err := w.makeRequestCtx(ctx, http.MethodPost, endpoint, struct{}{}, &resp); err != nil {
		return false, err
	}
	return resp.Success, nil
}

// GetOrderHistory lists recent orders with status, filtered by side when side is set
func (w *WebullAPI) GetOrderHistory(ctx context.Context, status string, count int, side models.Side) ([]HistoryOrder, error) {
	if count <= 0 {
		count = 10
	}
	params := url.Values{"status": {status}, "pageSize": {strconv.Itoa(count)}}
	if side != "" {
		params.Set("action", string(side))
	}
	var endpoint string
	if w.paper {
		endpoint = fmt.Sprintf("%s/paper/1/acc/%s/order?%s", w.tradeURL, url.PathEscape(w.creds.AccountID), params.Encode())
	} else {
		params.Set("secAccountId", w.creds.AccountID)
		endpoint = fmt.Sprintf("%s/v2/option/list?%s", w.tradeURL, params.Encode())
	}

	var items singleOrArray[historyOrderItem]
	if err := w.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &items); err != nil {
		return nil, err
	}
	out := make([]HistoryOrder, 0, len(items))
	for _, it := range items {
		st := it.Status
		if st == "" {
			st = it.StatusStr
		}
		if side != "" && it.Action != "" && !strings.EqualFold(it.Action, string(side)) {
			continue
		}
		out = append(out, HistoryOrder{
			OrderID:        int64(it.OrderID),
			ContractID:     int64(it.Ticker.TickerID),
			Side:           models.Side(strings.ToUpper(it.Action)),
			Status:         st,
			FilledQuantity: int64(it.FilledQuantity),
			FilledValue:    it.FilledValue,
			AvgFilledPrice: it.AvgFilledPrice,
		})
	}
	return out, nil
}

// ============ Account ============

// GetOpenPositions lists the account's open option positions
func (w *WebullAPI) GetOpenPositions(ctx context.Context) ([]Position, error) {
	var endpoint string
	if w.paper {
		endpoint = fmt.Sprintf("%s/paper/1/acc/%s", w.tradeURL, url.PathEscape(w.creds.AccountID))
	} else {
		endpoint = fmt.Sprintf("%s/v3/home/%s", w.tradeURL, url.PathEscape(w.creds.AccountID))
	}
	var resp accountResponse
	if err := w.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]Position, 0, len(resp.Positions))
	for _, p := range resp.Positions {
		pos := Position{
			ContractID: int64(p.Ticker.TickerID),
			Symbol:     strings.ToUpper(p.Ticker.Symbol),
			Strike:     p.OptionExercisePrice,
			Right:      models.OptionRight(strings.ToLower(p.OptionType)),
			Quantity:   int64(p.Position),
		}
		if exp, err := time.Parse(expiryLayout, p.OptionExpireDate); err == nil {
			pos.Expiration = exp
		}
		out = append(out, pos)
	}
	return out, nil
}

// ============ Transport ============

// makeRequestCtx sends one JSON request and decodes the response into response
func (w *WebullAPI) makeRequestCtx(ctx context.Context, method, endpoint string, body, response any) error {
	if err := w.limiter.Wait(ctx); err != nil {
		return err
	}

	var reader io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "alert-trader/1.0")
	if w.creds.AccessToken != "" {
		req.Header.Set("access_token", w.creds.AccessToken)
	}
	if w.creds.TradeToken != "" {
		req.Header.Set("t_token", w.creds.TradeToken)
	}
	if w.creds.DeviceID != "" {
		req.Header.Set("did", w.creds.DeviceID)
	}
	req.Header.Set("t_time", strconv.FormatInt(time.Now().UnixMilli(), 10))

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			w.logger.WithError(err).Debug("Failed to close response body")
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLen))
		if err != nil {
			return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> failed to read error body", method, endpoint)}
		}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> %s (retry-after: %s)", method, endpoint, string(b), ra)}
		}
		return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> %s", method, endpoint, string(b))}
	}

	if resp.StatusCode == http.StatusNoContent || response == nil {
		return nil
	}
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(response); err != nil && err != io.EOF {
		return fmt.Errorf("decode %s %s: %w", method, endpoint, err)
	}
	return nil
}
