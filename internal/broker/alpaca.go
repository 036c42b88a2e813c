package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"alpaca-trader/internal/config"
	"alpaca-trader/internal/models"
)

const (
	keyIDHeader     = "APCA-API-KEY-ID"
	secretKeyHeader = "APCA-API-SECRET-KEY"

	historyPageLimit = 10000
)

// AlpacaClient is the REST implementation of Broker. All requests pass
// through the shared rolling-window rate limiter; history pagination is
// additionally paced at one page per 400ms.
type AlpacaClient struct {
	cfg        config.AlpacaConfig
	httpClient *http.Client
	limiter    *RateLimiter
	pager      *rate.Limiter
	logger     zerolog.Logger
}

// NewAlpacaClient constructs a client and verifies the account is active.
func NewAlpacaClient(ctx context.Context, cfg config.AlpacaConfig, limiter *RateLimiter, logger zerolog.Logger) (*AlpacaClient, error) {
	c := &AlpacaClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    limiter,
		pager:      rate.NewLimiter(rate.Every(400*time.Millisecond), 1),
		logger:     logger.With().Str("component", "broker").Logger(),
	}

	account, err := c.Account(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch account information: %w", err)
	}
	if account.Status != models.AccountActive {
		return nil, fmt.Errorf("account status is %s, but account must be active", account.Status)
	}

	return c, nil
}

func (c *AlpacaClient) send(ctx context.Context, method, baseURL, endpoint string, query url.Values, body []byte, out any) error {
	if err := c.limiter.Throttle(ctx); err != nil {
		return err
	}

	reqURL := baseURL + endpoint
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return err
	}
	req.Header.Set(keyIDHeader, c.cfg.KeyID)
	req.Header.Set(secretKeyHeader, c.cfg.SecretKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	text, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		c.logger.Debug().Int("status", resp.StatusCode).Str("body", string(text)).Str("endpoint", endpoint).Msg("request failed")
		return fmt.Errorf("%s %s: status %d", method, endpoint, resp.StatusCode)
	}

	if err := json.Unmarshal(text, out); err != nil {
		c.logger.Debug().Str("body", string(text)).Msg("unparseable response")
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func (c *AlpacaClient) trading(ctx context.Context, method, endpoint string, query url.Values, body []byte, out any) error {
	return c.send(ctx, method, c.cfg.BaseURL, endpoint, query, body, out)
}

func (c *AlpacaClient) data(ctx context.Context, endpoint string, query url.Values, out any) error {
	return c.send(ctx, http.MethodGet, c.cfg.DataURL, endpoint, query, nil, out)
}

func (c *AlpacaClient) Account(ctx context.Context) (models.Account, error) {
	var account models.Account
	err := c.trading(ctx, http.MethodGet, "/account", nil, nil, &account)
	return account, err
}

func (c *AlpacaClient) Clock(ctx context.Context) (models.Clock, error) {
	var clock models.Clock
	err := c.trading(ctx, http.MethodGet, "/clock", nil, nil, &clock)
	return clock, err
}

func (c *AlpacaClient) Positions(ctx context.Context) ([]models.Position, error) {
	var positions []models.Position
	err := c.trading(ctx, http.MethodGet, "/positions", nil, nil, &positions)
	return positions, err
}

func (c *AlpacaClient) PositionMap(ctx context.Context) (map[models.Symbol]models.Position, error) {
	positions, err := c.Positions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch positions: %w", err)
	}
	bySymbol := make(map[models.Symbol]models.Position, len(positions))
	for _, position := range positions {
		bySymbol[position.Symbol] = position
	}
	return bySymbol, nil
}

func (c *AlpacaClient) USEquities(ctx context.Context) ([]models.Asset, error) {
	query := url.Values{}
	query.Set("status", "active")
	query.Set("asset_class", "us_equity")

	var assets []models.Asset
	err := c.trading(ctx, http.MethodGet, "/assets", query, nil, &assets)
	return assets, err
}

func (c *AlpacaClient) SubmitOrder(ctx context.Context, req models.OrderRequest) (models.Order, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return models.Order{}, err
	}
	var order models.Order
	err = c.trading(ctx, http.MethodPost, "/orders", nil, body, &order)
	return order, err
}

func (c *AlpacaClient) GetOrder(ctx context.Context, id uuid.UUID) (models.Order, error) {
	var order models.Order
	err := c.trading(ctx, http.MethodGet, "/orders/"+id.String(), nil, nil, &order)
	return order, err
}

func (c *AlpacaClient) GetOrders(ctx context.Context, status RequestOrderStatus, limit int, after time.Time) ([]models.Order, error) {
	query := url.Values{}
	query.Set("status", string(status))
	query.Set("limit", strconv.Itoa(limit))
	query.Set("after", after.Format(time.RFC3339))
	query.Set("direction", "asc")

	var orders []models.Order
	err := c.trading(ctx, http.MethodGet, "/orders", query, nil, &orders)
	return orders, err
}

func (c *AlpacaClient) LiquidatePosition(ctx context.Context, symbol models.Symbol) (models.Order, error) {
	var order models.Order
	err := c.trading(ctx, http.MethodDelete, "/positions/"+symbol.String(), nil, nil, &order)
	return order, err
}

func (c *AlpacaClient) SellPosition(ctx context.Context, symbol models.Symbol, qty decimal.Decimal) (models.Order, error) {
	query := url.Values{}
	query.Set("qty", qty.Round(9).String())

	var order models.Order
	err := c.trading(ctx, http.MethodDelete, "/positions/"+symbol.String(), query, nil, &order)
	return order, err
}

type historyPage struct {
	Bars          map[models.Symbol][]models.Bar `json:"bars"`
	NextPageToken *string                        `json:"next_page_token"`
}

func (c *AlpacaClient) History(ctx context.Context, symbols []models.Symbol, start time.Time, end *time.Time) (map[models.Symbol][]models.Bar, error) {
	if len(symbols) == 0 {
		return map[models.Symbol][]models.Bar{}, nil
	}

	symbolList := symbols[0].String()
	for _, symbol := range symbols[1:] {
		symbolList += "," + symbol.String()
	}

	history := make(map[models.Symbol][]models.Bar)
	var pageToken *string

	for {
		query := url.Values{}
		query.Set("symbols", symbolList)
		query.Set("timeframe", "1Day")
		query.Set("limit", strconv.Itoa(historyPageLimit))
		query.Set("start", start.Format(time.RFC3339))
		if end != nil {
			query.Set("end", end.Format(time.RFC3339))
		}
		if pageToken != nil {
			query.Set("page_token", *pageToken)
		}

		if err := c.pager.Wait(ctx); err != nil {
			return nil, err
		}

		var page historyPage
		if err := c.data(ctx, "/stocks/bars", query, &page); err != nil {
			return nil, err
		}

		for symbol, bars := range page.Bars {
			history[symbol] = append(history[symbol], bars...)
		}

		if page.NextPageToken == nil {
			return history, nil
		}
		pageToken = page.NextPageToken
	}
}

type symbolBarsPage struct {
	Bars []models.Bar `json:"bars"`
}

func (c *AlpacaClient) DayBar(ctx context.Context, symbol models.Symbol, date time.Time) (*models.Bar, error) {
	query := url.Values{}
	query.Set("start", date.Format(time.RFC3339))
	query.Set("end", date.AddDate(0, 0, 1).Format(time.RFC3339))
	query.Set("limit", "1")
	query.Set("timeframe", "1Day")

	var page symbolBarsPage
	if err := c.data(ctx, "/stocks/"+symbol.String()+"/bars", query, &page); err != nil {
		return nil, err
	}

	switch len(page.Bars) {
	case 0:
		return nil, nil
	case 1:
		bar := page.Bars[0]
		return &bar, nil
	default:
		return nil, fmt.Errorf("received more than one bar for %s on %s", symbol, date.Format("2006-01-02"))
	}
}
