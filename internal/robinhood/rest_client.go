package robinhood

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"trade-tracker-go/internal/config"
)

const (
	baseURL = "https://trading.robinhood.com"

	accountsPath     = "/api/v1/crypto/trading/accounts/"
	bestBidAskPath   = "/api/v1/crypto/marketdata/best_bid_ask/"
	estimatedPath    = "/api/v1/crypto/marketdata/estimated_price/"
	ordersPath       = "/api/v1/crypto/trading/orders/"
	defaultRetries   = 3
	defaultTimeout   = 10 * time.Second
	defaultBackoff   = time.Second
	privateKeyLength = ed25519.SeedSize
)

// RestClientInterface is the broker API consumed by the order gateway.
type RestClientInterface interface {
	Ping(ctx context.Context) error
	GetBestBidAsk(ctx context.Context, symbol string) (*BestBidAsk, error)
	GetEstimatedPrice(ctx context.Context, symbol, side string, quantity decimal.Decimal) (*EstimatedPrice, error)
	PlaceMarketOrder(ctx context.Context, symbol, side string, quantity decimal.Decimal) (*Order, error)
	GetOrder(ctx context.Context, orderID string) (*Order, error)
	CancelOrder(ctx context.Context, orderID string) error
}

// RestClient is a client for the crypto trading REST API. Every request is
// signed with the account's Ed25519 key, rate limited and retried with
// exponential backoff on rate-limit and server errors.
type RestClient struct {
	client     *resty.Client
	apiKey     string
	privateKey ed25519.PrivateKey
	logger     *zap.Logger
	limiter    *rate.Limiter
	maxRetries int
	backoff    time.Duration
}

// ensure RestClient implements the interface
var _ RestClientInterface = (*RestClient)(nil)

// NewRestClient creates a new API client. The private key is the base64
// encoding of the key material; its first 32 bytes are the Ed25519 seed.
func NewRestClient(cfg *config.Robinhood, logger *zap.Logger) (*RestClient, error) {
	raw, err := base64.StdEncoding.DecodeString(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("could not decode private key: %w", err)
	}
	if len(raw) < privateKeyLength {
		return nil, fmt.Errorf("private key is %d bytes, need at least %d", len(raw), privateKeyLength)
	}

	url := cfg.BaseURL
	if url == "" {
		url = baseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = defaultRetries
	}
	logger.Info("Using broker API", zap.String("base_url", url))

	return &RestClient{
		client:     resty.New().SetBaseURL(url).SetTimeout(timeout),
		apiKey:     cfg.APIKey,
		privateKey: ed25519.NewKeyFromSeed(raw[:privateKeyLength]),
		logger:     logger.Named("robinhood"),
		limiter:    rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimitBurst),
		maxRetries: retries,
		backoff:    defaultBackoff,
	}, nil
}

// sign returns the base64 Ed25519 signature of the request. The signed
// message is api key, timestamp, path (with query), method and body.
func (c *RestClient) sign(timestamp int64, path, method, body string) string {
	message := c.apiKey + strconv.FormatInt(timestamp, 10) + path + method + body
	return base64.StdEncoding.EncodeToString(ed25519.Sign(c.privateKey, []byte(message)))
}

// doRequest executes a signed request with rate limiting and retry logic.
// Responses with status 429, 418 or 5xx and transport errors are retried;
// any other error status fails immediately with an *APIError.
func (c *RestClient) doRequest(ctx context.Context, method, path, body string, result interface{}) (*resty.Response, error) {
	var lastErr error

	for i := 0; i < c.maxRetries; i++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait failed: %w", err)
		}

		timestamp := time.Now().Unix()
		req := c.client.R().
			SetContext(ctx).
			SetHeader("x-api-key", c.apiKey).
			SetHeader("x-timestamp", strconv.FormatInt(timestamp, 10)).
			SetHeader("x-signature", c.sign(timestamp, path, method, body))
		if body != "" {
			req.SetHeader("Content-Type", "application/json").SetBody(body)
		}
		if result != nil {
			req.SetResult(result)
		}

		c.logger.Debug("Executing request", zap.String("method", method), zap.String("path", path))
		resp, err := req.Execute(method, path)

		if err == nil && !resp.IsError() {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		shouldRetry := true
		var retryAfter time.Duration

		if err != nil {
			lastErr = err
		} else {
			statusCode := resp.StatusCode()
			lastErr = &APIError{StatusCode: statusCode, Body: resp.String()}
			switch {
			case statusCode == http.StatusTooManyRequests || statusCode == 418:
				if seconds, err := strconv.Atoi(resp.Header().Get("Retry-After")); err == nil {
					retryAfter = time.Duration(seconds) * time.Second
				}
			case statusCode >= 500:
			default:
				shouldRetry = false
			}
		}

		if !shouldRetry {
			return nil, lastErr
		}
		if i == c.maxRetries-1 {
			break
		}

		if retryAfter == 0 {
			// Exponential backoff: 1x, 2x, 4x the base delay.
			retryAfter = time.Duration(math.Pow(2, float64(i))) * c.backoff
		}

		c.logger.Warn("Request failed, retrying...",
			zap.String("path", path),
			zap.Int("attempt", i+1),
			zap.Duration("retry_after", retryAfter),
			zap.Error(lastErr),
		)

		select {
		case <-time.After(retryAfter):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, c.maxRetries, lastErr)
}

// Ping checks connectivity and credentials by fetching the account.
func (c *RestClient) Ping(ctx context.Context) error {
	var account Account
	if _, err := c.doRequest(ctx, http.MethodGet, accountsPath, "", &account); err != nil {
		return fmt.Errorf("failed to get account: %w", err)
	}
	c.logger.Info("Connected to broker API", zap.String("account_status", account.Status))
	return nil
}

// GetBestBidAsk fetches the best bid and ask, inclusive of spread, for a symbol.
func (c *RestClient) GetBestBidAsk(ctx context.Context, symbol string) (*BestBidAsk, error) {
	var result resultsResponse[BestBidAsk]
	path := bestBidAskPath + "?" + url.Values{"symbol": {symbol}}.Encode()

	if _, err := c.doRequest(ctx, http.MethodGet, path, "", &result); err != nil {
		return nil, fmt.Errorf("failed to get best bid/ask for %s: %w", symbol, err)
	}
	for i := range result.Results {
		if result.Results[i].Symbol == symbol {
			return &result.Results[i], nil
		}
	}
	return nil, fmt.Errorf("no best bid/ask returned for %s", symbol)
}

// GetEstimatedPrice fetches the estimated execution price of quantity units
// on the given side ("bid" or "ask").
func (c *RestClient) GetEstimatedPrice(ctx context.Context, symbol, side string, quantity decimal.Decimal) (*EstimatedPrice, error) {
	var result resultsResponse[EstimatedPrice]
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", side)
	params.Set("quantity", quantity.String())
	path := estimatedPath + "?" + params.Encode()

	if _, err := c.doRequest(ctx, http.MethodGet, path, "", &result); err != nil {
		return nil, fmt.Errorf("failed to get estimated price for %s: %w", symbol, err)
	}
	if len(result.Results) == 0 {
		return nil, fmt.Errorf("no estimated price returned for %s", symbol)
	}
	return &result.Results[0], nil
}

// PlaceMarketOrder submits a market order for quantity units of symbol.
func (c *RestClient) PlaceMarketOrder(ctx context.Context, symbol, side string, quantity decimal.Decimal) (*Order, error) {
	body, err := json.Marshal(map[string]interface{}{
		"client_order_id": uuid.NewString(),
		"side":            side,
		"type":            OrderTypeMarket,
		"symbol":          symbol,
		"market_order_config": map[string]string{
			"asset_quantity": quantity.String(),
		},
	})
	if err != nil {
		return nil, err
	}

	var order Order
	if _, err := c.doRequest(ctx, http.MethodPost, ordersPath, string(body), &order); err != nil {
		c.logger.Error("Failed to place order",
			zap.Error(err),
			zap.String("symbol", symbol),
			zap.String("side", side),
		)
		return nil, fmt.Errorf("failed to place order: %w", err)
	}
	if order.ID == "" {
		return nil, errors.New("order response carried no order id")
	}

	c.logger.Info("Successfully placed order",
		zap.String("order_id", order.ID),
		zap.String("client_order_id", order.ClientOrderID),
		zap.String("symbol", symbol),
		zap.String("side", side),
		zap.String("state", order.State),
	)
	return &order, nil
}

// GetOrder fetches the current state and executions of an order.
func (c *RestClient) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	var order Order
	if _, err := c.doRequest(ctx, http.MethodGet, ordersPath+url.PathEscape(orderID)+"/", "", &order); err != nil {
		return nil, fmt.Errorf("failed to get order %s: %w", orderID, err)
	}
	return &order, nil
}

// CancelOrder requests cancellation of an open order.
func (c *RestClient) CancelOrder(ctx context.Context, orderID string) error {
	if _, err := c.doRequest(ctx, http.MethodPost, ordersPath+url.PathEscape(orderID)+"/cancel/", "", nil); err != nil {
		return fmt.Errorf("failed to cancel order %s: %w", orderID, err)
	}
	return nil
}
