package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the Peertrade MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolBrowseOffers = mcp.NewTool("browse_offers",
	mcp.WithDescription(
		"Browse the Peertrade order book for active peer-to-peer offers. "+
			"Returns open offers with price, fiat/crypto currencies, amount range, and the maker's address. "+
			"Use this to find an offer before initiating a trade."),
	mcp.WithString("fiat_currency",
		mcp.Description("Filter by fiat currency code (e.g. 'USD', 'EUR')")),
	mcp.WithString("crypto_currency",
		mcp.Description("Filter by crypto currency code (e.g. 'BTC', 'ETH')")),
	mcp.WithString("owner",
		mcp.Description("Filter by the maker's address to see one trader's offers")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of offers to return (default 20)")),
)

var ToolGetOffer = mcp.NewTool("get_offer",
	mcp.WithDescription(
		"Get the full details of one offer, including the maker's complete terms. "+
			"Read the terms before initiating a trade; they state how the maker expects the fiat payment to arrive."),
	mcp.WithNumber("offer_id",
		mcp.Required(),
		mcp.Description("The offer id to look up")),
)

var ToolInitiateTrade = mcp.NewTool("initiate_trade",
	mcp.WithDescription(
		"Open a trade against an offer, or a chain of trades spanning several offers. "+
			"You become the taker; each maker must accept before their crypto is locked in escrow. "+
			"For a chain, list the offer ids in hop order and the escrowed crypto flows hop by hop to you."),
	mcp.WithString("offer_ids",
		mcp.Required(),
		mcp.Description("Offer id, or comma-separated offer ids in hop order for a chain (e.g. '12' or '12,7,31')")),
	mcp.WithString("fiat_amount",
		mcp.Required(),
		mcp.Description("Fiat amount to pay, as a decimal string (e.g. '500.00')")),
	mcp.WithString("crypto_amount",
		mcp.Required(),
		mcp.Description("Crypto amount to receive, as a decimal string (e.g. '0.012')")),
	mcp.WithString("fiat_currency",
		mcp.Required(),
		mcp.Description("Fiat currency code (e.g. 'USD')")),
	mcp.WithString("crypto_currency",
		mcp.Required(),
		mcp.Description("Crypto currency code (e.g. 'BTC')")),
	mcp.WithNumber("timeout_seconds",
		mcp.Description("Seconds before an unaccepted or unpaid trade can be timed out (default 3600)")),
)

var ToolAcceptTrade = mcp.NewTool("accept_trade",
	mcp.WithDescription(
		"Accept a trade initiated against your offer. "+
			"Your crypto is locked into platform escrow until the trade finalizes, cancels, or a dispute resolves. "+
			"Only the maker of the trade's offer can accept it."),
	mcp.WithNumber("trade_id",
		mcp.Required(),
		mcp.Description("The trade id to accept")),
)

var ToolMarkFiatPaid = mcp.NewTool("mark_fiat_paid",
	mcp.WithDescription(
		"Declare that you sent the fiat payment for an accepted trade. "+
			"Call this after paying the maker outside the platform (bank transfer, etc). "+
			"The maker should then finalize to release the escrowed crypto to you."),
	mcp.WithNumber("trade_id",
		mcp.Required(),
		mcp.Description("The trade id to mark as paid")),
)

var ToolFinalizeTrade = mcp.NewTool("finalize_trade",
	mcp.WithDescription(
		"Release the escrowed crypto to the taker, completing the trade. "+
			"Call this as the maker once you have received the fiat payment. "+
			"This is irreversible."),
	mcp.WithNumber("trade_id",
		mcp.Required(),
		mcp.Description("The trade id to finalize")),
)

var ToolCancelTrade = mcp.NewTool("cancel_trade",
	mcp.WithDescription(
		"Cancel a trade that has not progressed past accepted. "+
			"Any escrowed crypto is refunded to the maker. "+
			"Either party can cancel; after fiat is marked paid, dispute instead."),
	mcp.WithNumber("trade_id",
		mcp.Required(),
		mcp.Description("The trade id to cancel")),
)

var ToolDisputeTrade = mcp.NewTool("dispute_trade",
	mcp.WithDescription(
		"Open a dispute on a trade that went wrong. "+
			"The escrow freezes and an arbitrator decides who receives the crypto. "+
			"Use this when the counterparty claims a payment you never received, or refuses to finalize after you paid."),
	mcp.WithNumber("trade_id",
		mcp.Required(),
		mcp.Description("The trade id to dispute")),
)

var ToolSubmitEvidence = mcp.NewTool("submit_evidence",
	mcp.WithDescription(
		"Attach an evidence statement to a disputed trade for the arbitrator to read. "+
			"Both parties can submit evidence while the dispute is open. "+
			"Include concrete facts: payment references, timestamps, what was agreed."),
	mcp.WithNumber("trade_id",
		mcp.Required(),
		mcp.Description("The disputed trade's id")),
	mcp.WithString("text",
		mcp.Required(),
		mcp.Description("The evidence statement")),
)

var ToolGetTrade = mcp.NewTool("get_trade",
	mcp.WithDescription(
		"Get the current state of a trade: status, amounts, parties, and fee. "+
			"For a trade that is part of a multi-hop chain, also shows its position in the chain."),
	mcp.WithNumber("trade_id",
		mcp.Required(),
		mcp.Description("The trade id to look up")),
)

var ToolListMyTrades = mcp.NewTool("list_my_trades",
	mcp.WithDescription(
		"List your own trades, newest first. "+
			"Shows each trade's status so you can see which ones need action."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of trades to return (default 20)")),
)

var ToolCheckBalance = mcp.NewTool("check_balance",
	mcp.WithDescription(
		"Check your current Peertrade ledger balance. "+
			"Shows available funds plus lifetime totals in and out. "+
			"Crypto locked in escrow for your open trades is not part of available."),
)

var ToolGetReputation = mcp.NewTool("get_reputation",
	mcp.WithDescription(
		"Get the reputation score for any trader on Peertrade. "+
			"Shows the 0-100 score, trust tier (new/emerging/established/trusted/elite), "+
			"completed trade count, volume, and dispute record. "+
			"Check a maker's reputation before initiating a trade against their offer."),
	mcp.WithString("address",
		mcp.Required(),
		mcp.Description("The trader's address (e.g. '0x1234...')")),
)

var ToolRateCounterparty = mcp.NewTool("rate_counterparty",
	mcp.WithDescription(
		"Leave a star rating for the counterparty of a finalized trade. "+
			"Ratings feed the reputation system. Each party can rate a trade once."),
	mcp.WithNumber("trade_id",
		mcp.Required(),
		mcp.Description("The finalized trade's id")),
	mcp.WithNumber("stars",
		mcp.Required(),
		mcp.Description("Rating from 1 (bad) to 5 (excellent)")),
	mcp.WithString("comment",
		mcp.Description("Optional short comment about the counterparty")),
)
