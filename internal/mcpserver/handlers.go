package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *PeertradeClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *PeertradeClient) *Handlers {
	return &Handlers{client: client}
}

// HandleBrowseOffers searches the order book.
func (h *Handlers) HandleBrowseOffers(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	fiatCurrency := req.GetString("fiat_currency", "")
	cryptoCurrency := req.GetString("crypto_currency", "")
	owner := req.GetString("owner", "")
	limit := req.GetInt("limit", 20)

	raw, err := h.client.ListOffers(ctx, fiatCurrency, cryptoCurrency, owner, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to browse offers: %v", err)), nil
	}

	text, err := formatOfferList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse offers: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleGetOffer fetches one offer with its full terms.
func (h *Handlers) HandleGetOffer(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	offerID := int64(req.GetInt("offer_id", 0))
	if offerID <= 0 {
		return mcp.NewToolResultError("offer_id is required"), nil
	}

	raw, err := h.client.GetOffer(ctx, offerID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get offer: %v", err)), nil
	}

	text, err := formatOffer(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse offer: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleInitiateTrade opens a trade or a chain of trades.
func (h *Handlers) HandleInitiateTrade(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	offerIDs, err := parseOfferIDs(req.GetString("offer_ids", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	fiatAmount := req.GetString("fiat_amount", "")
	if fiatAmount == "" {
		return mcp.NewToolResultError("fiat_amount is required"), nil
	}
	cryptoAmount := req.GetString("crypto_amount", "")
	if cryptoAmount == "" {
		return mcp.NewToolResultError("crypto_amount is required"), nil
	}
	fiatCurrency := req.GetString("fiat_currency", "")
	if fiatCurrency == "" {
		return mcp.NewToolResultError("fiat_currency is required"), nil
	}
	cryptoCurrency := req.GetString("crypto_currency", "")
	if cryptoCurrency == "" {
		return mcp.NewToolResultError("crypto_currency is required"), nil
	}
	timeoutSeconds := int64(req.GetInt("timeout_seconds", 3600))

	raw, err := h.client.InitiateTrade(ctx, offerIDs, fiatAmount, cryptoAmount, fiatCurrency, cryptoCurrency, timeoutSeconds)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to initiate trade: %v", err)), nil
	}

	trades, err := parseTrades(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse trades: %v", err)), nil
	}
	if len(trades) == 0 {
		return mcp.NewToolResultError("Platform returned no trades"), nil
	}

	return mcp.NewToolResultText(formatTradesOpened(trades)), nil
}

// HandleAcceptTrade accepts a trade as the maker, locking escrow.
func (h *Handlers) HandleAcceptTrade(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tradeID := int64(req.GetInt("trade_id", 0))
	if tradeID <= 0 {
		return mcp.NewToolResultError("trade_id is required"), nil
	}

	raw, err := h.client.AcceptTrade(ctx, tradeID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to accept trade: %v", err)), nil
	}

	return mcp.NewToolResultText(formatTradeUpdate(raw,
		"Your crypto is locked in escrow. The taker should now send the fiat payment and call mark_fiat_paid.")), nil
}

// HandleMarkFiatPaid records the fiat payment as sent.
func (h *Handlers) HandleMarkFiatPaid(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tradeID := int64(req.GetInt("trade_id", 0))
	if tradeID <= 0 {
		return mcp.NewToolResultError("trade_id is required"), nil
	}

	raw, err := h.client.MarkFiatPaid(ctx, tradeID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to mark fiat paid: %v", err)), nil
	}

	return mcp.NewToolResultText(formatTradeUpdate(raw,
		"The maker should verify the payment arrived and call finalize_trade to release the crypto.")), nil
}

// HandleFinalizeTrade releases the escrow to the taker.
func (h *Handlers) HandleFinalizeTrade(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tradeID := int64(req.GetInt("trade_id", 0))
	if tradeID <= 0 {
		return mcp.NewToolResultError("trade_id is required"), nil
	}

	raw, err := h.client.FinalizeTrade(ctx, tradeID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to finalize trade: %v", err)), nil
	}

	return mcp.NewToolResultText(formatTradeUpdate(raw,
		"The escrowed crypto has been released to the taker.")), nil
}

// HandleCancelTrade cancels a trade and refunds any escrow.
func (h *Handlers) HandleCancelTrade(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tradeID := int64(req.GetInt("trade_id", 0))
	if tradeID <= 0 {
		return mcp.NewToolResultError("trade_id is required"), nil
	}

	raw, err := h.client.CancelTrade(ctx, tradeID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to cancel trade: %v", err)), nil
	}

	return mcp.NewToolResultText(formatTradeUpdate(raw,
		"Any escrowed crypto has been refunded to the maker.")), nil
}

// HandleDisputeTrade freezes the trade for arbitration.
func (h *Handlers) HandleDisputeTrade(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tradeID := int64(req.GetInt("trade_id", 0))
	if tradeID <= 0 {
		return mcp.NewToolResultError("trade_id is required"), nil
	}

	raw, err := h.client.DisputeTrade(ctx, tradeID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to dispute trade: %v", err)), nil
	}

	return mcp.NewToolResultText(formatTradeUpdate(raw,
		"The escrow is frozen. Submit your side with submit_evidence; an arbitrator will decide who receives the crypto.")), nil
}

// HandleSubmitEvidence attaches a statement to a disputed trade.
func (h *Handlers) HandleSubmitEvidence(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tradeID := int64(req.GetInt("trade_id", 0))
	if tradeID <= 0 {
		return mcp.NewToolResultError("trade_id is required"), nil
	}
	text := req.GetString("text", "")
	if text == "" {
		return mcp.NewToolResultError("text is required"), nil
	}

	raw, err := h.client.SubmitEvidence(ctx, tradeID, text)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to submit evidence: %v", err)), nil
	}

	var m map[string]any
	if json.Unmarshal(raw, &m) == nil {
		if id, ok := getFloat(m, "disputeId"); ok {
			return mcp.NewToolResultText(fmt.Sprintf(
				"Evidence recorded on dispute #%d for trade #%d.\n"+
					"The arbitrator will read it before resolving.", int64(id), tradeID)), nil
		}
	}
	return mcp.NewToolResultText(fmt.Sprintf("Evidence recorded for trade #%d.", tradeID)), nil
}

// HandleGetTrade returns a trade's current state, with chain position
// and dispute details when it has them.
func (h *Handlers) HandleGetTrade(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tradeID := int64(req.GetInt("trade_id", 0))
	if tradeID <= 0 {
		return mcp.NewToolResultError("trade_id is required"), nil
	}

	raw, err := h.client.GetTrade(ctx, tradeID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get trade: %v", err)), nil
	}

	t, err := parseTrade(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse trade: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Trade #%d [%s]\n", t.ID, t.Status)
	sb.WriteString(summarizeTrade(t))

	// Best-effort enrichment; the trade itself is already rendered.
	if t.SequenceID != 0 {
		if seqRaw, err := h.client.GetSequence(ctx, tradeID); err == nil {
			sb.WriteString(formatSequence(seqRaw))
		}
	}
	if t.Status == "disputed" {
		if dRaw, err := h.client.GetDispute(ctx, tradeID); err == nil {
			sb.WriteString(formatDispute(dRaw))
		}
	}

	return mcp.NewToolResultText(sb.String()), nil
}

// HandleListMyTrades lists the trader's own trades.
func (h *Handlers) HandleListMyTrades(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 20)

	raw, err := h.client.ListMyTrades(ctx, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list trades: %v", err)), nil
	}

	text, err := formatTradeList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse trades: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleCheckBalance returns the trader's ledger balance.
func (h *Handlers) HandleCheckBalance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetBalance(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check balance: %v", err)), nil
	}

	text, err := formatBalance(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse balance: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleGetReputation returns the reputation score for a trader.
func (h *Handlers) HandleGetReputation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	address := req.GetString("address", "")
	if address == "" {
		return mcp.NewToolResultError("address is required"), nil
	}

	raw, err := h.client.GetReputation(ctx, address)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get reputation: %v", err)), nil
	}

	text, err := formatReputation(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse reputation: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleRateCounterparty leaves post-trade feedback.
func (h *Handlers) HandleRateCounterparty(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tradeID := int64(req.GetInt("trade_id", 0))
	if tradeID <= 0 {
		return mcp.NewToolResultError("trade_id is required"), nil
	}
	stars := req.GetInt("stars", 0)
	if stars < 1 || stars > 5 {
		return mcp.NewToolResultError("stars must be between 1 and 5"), nil
	}
	comment := req.GetString("comment", "")

	raw, err := h.client.RateTrade(ctx, tradeID, stars, comment)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to rate trade: %v", err)), nil
	}

	var m map[string]any
	if json.Unmarshal(raw, &m) == nil {
		if ratee := getString(m, "ratee"); ratee != "" {
			return mcp.NewToolResultText(fmt.Sprintf(
				"Left a %d-star rating for %s on trade #%d.", stars, ratee, tradeID)), nil
		}
	}
	return mcp.NewToolResultText(fmt.Sprintf("Left a %d-star rating on trade #%d.", stars, tradeID)), nil
}

// --- Formatting helpers ---

type offerInfo struct {
	ID             int64
	Owner          string
	FiatCurrency   string
	CryptoCurrency string
	Price          string
	MinAmount      string
	MaxAmount      string
	Terms          string
	Active         bool
}

type tradeInfo struct {
	ID             int64
	OfferID        int64
	Maker          string
	Taker          string
	FiatAmount     string
	CryptoAmount   string
	FiatCurrency   string
	CryptoCurrency string
	Fee            string
	Status         string
	CancelReason   string
	SequenceID     int64
}

func parseOfferIDs(s string) ([]int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("offer_ids is required")
	}
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("offer_ids must be comma-separated positive integers, got %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func parseOffers(raw json.RawMessage) ([]offerInfo, error) {
	// Try as {"offers": [...]}
	var wrapper struct {
		Offers []json.RawMessage `json:"offers"`
	}
	if err := json.Unmarshal(raw, &wrapper); err == nil && wrapper.Offers != nil {
		return parseOfferItems(wrapper.Offers), nil
	}

	// Try as direct array
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err == nil {
		return parseOfferItems(arr), nil
	}

	return nil, fmt.Errorf("unexpected offers response format")
}

func parseOfferItems(items []json.RawMessage) []offerInfo {
	var offers []offerInfo
	for _, item := range items {
		var m map[string]any
		if err := json.Unmarshal(item, &m); err != nil {
			continue
		}
		offers = append(offers, offerFromMap(m))
	}
	return offers
}

func offerFromMap(m map[string]any) offerInfo {
	o := offerInfo{
		Owner:          getString(m, "owner"),
		FiatCurrency:   getString(m, "fiatCurrency"),
		CryptoCurrency: getString(m, "cryptoCurrency"),
		Price:          getString(m, "price"),
		MinAmount:      getString(m, "minAmount"),
		MaxAmount:      getString(m, "maxAmount"),
		Terms:          getString(m, "terms"),
	}
	if v, ok := getFloat(m, "id"); ok {
		o.ID = int64(v)
	}
	if b, ok := m["active"].(bool); ok {
		o.Active = b
	}
	return o
}

func formatOfferList(raw json.RawMessage) (string, error) {
	offers, err := parseOffers(raw)
	if err != nil {
		return "", err
	}
	if len(offers) == 0 {
		return "No offers found matching your criteria.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d offer(s):\n\n", len(offers))
	for i, o := range offers {
		fmt.Fprintf(&sb, "%d. Offer #%d: %s for %s\n", i+1, o.ID, o.CryptoCurrency, o.FiatCurrency)
		fmt.Fprintf(&sb, "   Price: %s %s per %s | Range: %s to %s %s\n",
			o.Price, o.FiatCurrency, o.CryptoCurrency, o.MinAmount, o.MaxAmount, o.FiatCurrency)
		fmt.Fprintf(&sb, "   Maker: %s\n", o.Owner)
		if o.Terms != "" {
			fmt.Fprintf(&sb, "   Terms: %s\n", truncate(o.Terms, 100))
		}
		if i < len(offers)-1 {
			sb.WriteString("\n")
		}
	}
	return sb.String(), nil
}

func formatOffer(raw json.RawMessage) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", err
	}
	o := offerFromMap(m)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Offer #%d: %s for %s\n", o.ID, o.CryptoCurrency, o.FiatCurrency)
	fmt.Fprintf(&sb, "  Price: %s %s per %s\n", o.Price, o.FiatCurrency, o.CryptoCurrency)
	fmt.Fprintf(&sb, "  Range: %s to %s %s\n", o.MinAmount, o.MaxAmount, o.FiatCurrency)
	fmt.Fprintf(&sb, "  Maker: %s\n", o.Owner)
	if !o.Active {
		sb.WriteString("  Inactive: this offer cannot be traded against.\n")
	}
	if o.Terms != "" {
		fmt.Fprintf(&sb, "  Terms: %s\n", o.Terms)
	}
	return sb.String(), nil
}

func parseTrade(raw json.RawMessage) (tradeInfo, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return tradeInfo{}, err
	}
	return tradeFromMap(m), nil
}

func parseTrades(raw json.RawMessage) ([]tradeInfo, error) {
	// Try as {"trades": [...]}
	var wrapper struct {
		Trades []map[string]any `json:"trades"`
	}
	if err := json.Unmarshal(raw, &wrapper); err == nil && wrapper.Trades != nil {
		out := make([]tradeInfo, 0, len(wrapper.Trades))
		for _, m := range wrapper.Trades {
			out = append(out, tradeFromMap(m))
		}
		return out, nil
	}

	// Try as direct array
	var arr []map[string]any
	if err := json.Unmarshal(raw, &arr); err == nil {
		out := make([]tradeInfo, 0, len(arr))
		for _, m := range arr {
			out = append(out, tradeFromMap(m))
		}
		return out, nil
	}

	return nil, fmt.Errorf("unexpected trades response format")
}

func tradeFromMap(m map[string]any) tradeInfo {
	t := tradeInfo{
		Maker:          getString(m, "maker"),
		Taker:          getString(m, "taker"),
		FiatAmount:     getString(m, "fiatAmount"),
		CryptoAmount:   getString(m, "cryptoAmount"),
		FiatCurrency:   getString(m, "fiatCurrency"),
		CryptoCurrency: getString(m, "cryptoCurrency"),
		Fee:            getString(m, "fee"),
		Status:         getString(m, "status"),
		CancelReason:   getString(m, "cancelReason"),
	}
	if v, ok := getFloat(m, "id"); ok {
		t.ID = int64(v)
	}
	if v, ok := getFloat(m, "offerId"); ok {
		t.OfferID = int64(v)
	}
	if v, ok := getFloat(m, "sequenceId"); ok {
		t.SequenceID = int64(v)
	}
	return t
}

func summarizeTrade(t tradeInfo) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "  Fiat: %s %s | Crypto: %s %s\n",
		t.FiatAmount, t.FiatCurrency, t.CryptoAmount, t.CryptoCurrency)
	fmt.Fprintf(&sb, "  Maker: %s\n", t.Maker)
	fmt.Fprintf(&sb, "  Taker: %s\n", t.Taker)
	if t.Fee != "" && t.Fee != "0" {
		fmt.Fprintf(&sb, "  Fee: %s %s\n", t.Fee, t.CryptoCurrency)
	}
	if t.CancelReason != "" {
		fmt.Fprintf(&sb, "  Cancel reason: %s\n", t.CancelReason)
	}
	return sb.String()
}

func formatTradeUpdate(raw json.RawMessage, followup string) string {
	t, err := parseTrade(raw)
	if err != nil {
		return formatJSON(raw)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Trade #%d is now %s.\n", t.ID, t.Status)
	sb.WriteString(summarizeTrade(t))
	if followup != "" {
		sb.WriteString("\n" + followup + "\n")
	}
	return sb.String()
}

func formatTradesOpened(trades []tradeInfo) string {
	if len(trades) == 1 {
		t := trades[0]
		var sb strings.Builder
		fmt.Fprintf(&sb, "Opened trade #%d against offer #%d.\n", t.ID, t.OfferID)
		fmt.Fprintf(&sb, "  Status: %s\n", t.Status)
		fmt.Fprintf(&sb, "  Fiat: %s %s | Crypto: %s %s\n",
			t.FiatAmount, t.FiatCurrency, t.CryptoAmount, t.CryptoCurrency)
		fmt.Fprintf(&sb, "  Maker: %s\n", t.Maker)
		if t.Fee != "" && t.Fee != "0" {
			fmt.Fprintf(&sb, "  Fee: %s %s\n", t.Fee, t.CryptoCurrency)
		}
		sb.WriteString("\nWait for the maker to accept, then send the fiat payment and call mark_fiat_paid.\n")
		return sb.String()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Opened a chain of %d trades (head #%d):\n\n", len(trades), trades[0].ID)
	for i, t := range trades {
		fmt.Fprintf(&sb, "%d. Trade #%d against offer #%d (maker %s)\n", i+1, t.ID, t.OfferID, t.Maker)
	}
	last := trades[len(trades)-1]
	sb.WriteString("\nEach maker must accept before their hop's escrow locks.\n")
	fmt.Fprintf(&sb, "You are the taker of the final hop, trade #%d: once every maker has accepted, "+
		"pay its maker and call mark_fiat_paid.\n", last.ID)
	return sb.String()
}

func formatTradeList(raw json.RawMessage) (string, error) {
	trades, err := parseTrades(raw)
	if err != nil {
		return "", err
	}
	if len(trades) == 0 {
		return "No trades found.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d trade(s):\n\n", len(trades))
	for i, t := range trades {
		fmt.Fprintf(&sb, "%d. Trade #%d [%s]: %s %s for %s %s\n",
			i+1, t.ID, t.Status, t.FiatAmount, t.FiatCurrency, t.CryptoAmount, t.CryptoCurrency)
		fmt.Fprintf(&sb, "   Maker: %s | Taker: %s\n", t.Maker, t.Taker)
	}
	return sb.String(), nil
}

func formatSequence(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return ""
	}
	ids, ok := m["tradeIds"].([]any)
	if !ok || len(ids) == 0 {
		return ""
	}
	self, _ := getFloat(m, "tradeId")

	pos := 0
	parts := make([]string, 0, len(ids))
	for i, v := range ids {
		f, ok := v.(float64)
		if !ok {
			continue
		}
		if f == self {
			pos = i + 1
		}
		parts = append(parts, fmt.Sprintf("#%d", int64(f)))
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Chain: hop %d of %d (%s)\n", pos, len(parts), strings.Join(parts, ", "))
	if v, ok := getFloat(m, "prevId"); ok && v != 0 {
		fmt.Fprintf(&sb, "  Previous hop: #%d\n", int64(v))
	}
	if v, ok := getFloat(m, "nextId"); ok && v != 0 {
		fmt.Fprintf(&sb, "  Next hop: #%d\n", int64(v))
	}
	return sb.String()
}

func formatDispute(raw json.RawMessage) string {
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return ""
	}
	d, ok := resp["dispute"].(map[string]any)
	if !ok {
		return ""
	}

	var sb strings.Builder
	id, _ := getFloat(d, "id")
	fmt.Fprintf(&sb, "Dispute #%d [%s]\n", int64(id), getString(d, "status"))
	if ev, ok := resp["evidence"].([]any); ok {
		fmt.Fprintf(&sb, "  Evidence statements: %d\n", len(ev))
	}
	return sb.String()
}

func formatBalance(raw json.RawMessage) (string, error) {
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	// Balance might be at top level or nested under "balance"
	bal := resp
	if b, ok := resp["balance"].(map[string]any); ok {
		bal = b
	}

	var sb strings.Builder
	sb.WriteString("Ledger balance:\n")
	fmt.Fprintf(&sb, "  Available: %s\n", getString(bal, "available"))
	if v := getString(bal, "totalIn"); v != "" && v != "0" {
		fmt.Fprintf(&sb, "  Total in:  %s\n", v)
	}
	if v := getString(bal, "totalOut"); v != "" && v != "0" {
		fmt.Fprintf(&sb, "  Total out: %s\n", v)
	}
	return sb.String(), nil
}

func formatReputation(raw json.RawMessage) (string, error) {
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	// Score might be at top level or nested under "reputation"
	m := resp
	if r, ok := resp["reputation"].(map[string]any); ok {
		m = r
	}

	var sb strings.Builder
	sb.WriteString("Trader reputation:\n")
	if v := getString(m, "address"); v != "" {
		fmt.Fprintf(&sb, "  Address: %s\n", v)
	}
	if v, ok := getFloat(m, "score"); ok {
		if tier := getString(m, "tier"); tier != "" {
			fmt.Fprintf(&sb, "  Score: %.1f (%s)\n", v, tier)
		} else {
			fmt.Fprintf(&sb, "  Score: %.1f\n", v)
		}
	}
	if stats, ok := m["stats"].(map[string]any); ok {
		if v, ok := getFloat(stats, "tradesCompleted"); ok {
			fmt.Fprintf(&sb, "  Completed trades: %.0f\n", v)
		}
		if v := getString(stats, "volume"); v != "" && v != "0" {
			fmt.Fprintf(&sb, "  Volume: %s\n", v)
		}
		if v, ok := getFloat(stats, "disputesLost"); ok && v > 0 {
			fmt.Fprintf(&sb, "  Disputes lost: %.0f\n", v)
		}
	}
	return sb.String(), nil
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}

// getFloat extracts a float64 value from a map, trying multiple key names.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}
