package mcpserver

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
)

// Config holds the configuration for connecting to the Peertrade platform.
type Config struct {
	APIURL        string // Base URL, e.g. "http://localhost:8080"
	APIKey        string // API key, e.g. "pk_..."
	TraderAddress string // Trader's address, e.g. "0x..."
}

// PeertradeClient is a pure HTTP client for the Peertrade platform API.
type PeertradeClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewPeertradeClient creates a new client for the Peertrade platform.
func NewPeertradeClient(cfg Config) *PeertradeClient {
	return &PeertradeClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the platform.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the platform and returns the response body.
func (c *PeertradeClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// ListOffers browses the public order book. Only active offers are
// returned; empty filters are omitted from the query.
func (c *PeertradeClient) ListOffers(ctx context.Context, fiatCurrency, cryptoCurrency, owner string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("active", "true")
	if fiatCurrency != "" {
		q.Set("fiatCurrency", fiatCurrency)
	}
	if cryptoCurrency != "" {
		q.Set("cryptoCurrency", cryptoCurrency)
	}
	if owner != "" {
		q.Set("owner", owner)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/offers", q, nil)
}

// GetOffer fetches a single offer by id.
func (c *PeertradeClient) GetOffer(ctx context.Context, offerID int64) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/offers/"+strconv.FormatInt(offerID, 10), nil, nil)
}

// GetBalance returns the trader's current ledger balance.
func (c *PeertradeClient) GetBalance(ctx context.Context) (json.RawMessage, error) {
	path := "/v1/accounts/" + c.cfg.TraderAddress + "/balance"
	return c.doRequest(ctx, http.MethodGet, path, nil, nil)
}

// GetReputation returns the reputation score for a given trader address.
func (c *PeertradeClient) GetReputation(ctx context.Context, address string) (json.RawMessage, error) {
	path := "/v1/reputation/" + address
	return c.doRequest(ctx, http.MethodGet, path, nil, nil)
}

// InitiateTrade opens a trade, or a chain of trades when more than one
// offer id is given. The caller becomes the taker of the final hop.
func (c *PeertradeClient) InitiateTrade(ctx context.Context, offerIDs []int64, fiatAmount, cryptoAmount, fiatCurrency, cryptoCurrency string, timeoutSeconds int64) (json.RawMessage, error) {
	body := map[string]any{
		"offerIds":       offerIDs,
		"fiatAmount":     fiatAmount,
		"cryptoAmount":   cryptoAmount,
		"fiatCurrency":   fiatCurrency,
		"cryptoCurrency": cryptoCurrency,
		"timeoutSeconds": timeoutSeconds,
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/trades", nil, body)
}

// GetTrade fetches a single trade by id.
func (c *PeertradeClient) GetTrade(ctx context.Context, tradeID int64) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, tradePath(tradeID, ""), nil, nil)
}

// GetSequence fetches the chain view for a trade that is part of a
// multi-hop sequence.
func (c *PeertradeClient) GetSequence(ctx context.Context, tradeID int64) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, tradePath(tradeID, "sequence"), nil, nil)
}

// ListMyTrades returns the trader's own trades, newest first.
func (c *PeertradeClient) ListMyTrades(ctx context.Context, limit int) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("address", c.cfg.TraderAddress)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/trades", q, nil)
}

// AcceptTrade locks the maker's crypto into escrow and moves the trade
// to accepted. Only the maker may call it.
func (c *PeertradeClient) AcceptTrade(ctx context.Context, tradeID int64) (json.RawMessage, error) {
	return c.tradeAction(ctx, tradeID, "accept")
}

// MarkFiatPaid records that the taker sent the fiat payment.
func (c *PeertradeClient) MarkFiatPaid(ctx context.Context, tradeID int64) (json.RawMessage, error) {
	return c.tradeAction(ctx, tradeID, "fiat-paid")
}

// FinalizeTrade releases the escrowed crypto to the taker.
func (c *PeertradeClient) FinalizeTrade(ctx context.Context, tradeID int64) (json.RawMessage, error) {
	return c.tradeAction(ctx, tradeID, "finalize")
}

// CancelTrade cancels a trade that has not progressed past accepted.
func (c *PeertradeClient) CancelTrade(ctx context.Context, tradeID int64) (json.RawMessage, error) {
	return c.tradeAction(ctx, tradeID, "cancel")
}

// DisputeTrade freezes the trade and opens a dispute for arbitration.
func (c *PeertradeClient) DisputeTrade(ctx context.Context, tradeID int64) (json.RawMessage, error) {
	return c.tradeAction(ctx, tradeID, "dispute")
}

// tradeAction posts one of the status-changing lifecycle endpoints.
func (c *PeertradeClient) tradeAction(ctx context.Context, tradeID int64, action string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, tradePath(tradeID, action), nil, nil)
}

// GetDispute fetches the dispute attached to a trade, with its evidence.
func (c *PeertradeClient) GetDispute(ctx context.Context, tradeID int64) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, tradePath(tradeID, "dispute"), nil, nil)
}

// SubmitEvidence attaches an evidence statement to a disputed trade.
func (c *PeertradeClient) SubmitEvidence(ctx context.Context, tradeID int64, text string) (json.RawMessage, error) {
	body := map[string]string{
		"text": text,
	}
	return c.doRequest(ctx, http.MethodPost, tradePath(tradeID, "evidence"), nil, body)
}

// RateTrade leaves post-trade feedback on the counterparty.
func (c *PeertradeClient) RateTrade(ctx context.Context, tradeID int64, stars int, comment string) (json.RawMessage, error) {
	body := map[string]any{
		"stars": stars,
	}
	if comment != "" {
		body["comment"] = comment
	}
	return c.doRequest(ctx, http.MethodPost, tradePath(tradeID, "rate"), nil, body)
}

func tradePath(tradeID int64, suffix string) string {
	p := "/v1/trades/" + strconv.FormatInt(tradeID, 10)
	if suffix != "" {
		p += "/" + suffix
	}
	return p
}
