// Package opinion holds the prompt schema and response parsing shared by the
// LLM-backed producers. Providers differ only in transport.
package opinion

import (
	"encoding/json"
	"strings"

	"perp-trading-agent/internal/types"
)

// Schema is the strict JSON contract the model must answer with.
const Schema = `{"action":"LONG|SHORT|FLAT|HOLD","size_usd":0,"size_fraction":0,"leverage":1,"confidence":0.0,"stop":{"price_above":0,"price_below":0},"target":{"price_above":0,"price_below":0},"invalidation":{"price_above":0,"price_below":0},"reason":"short explanation"}`

// SystemPrompt returns the role-specific system message.
func SystemPrompt(role types.Producer) string {
	if role == types.ProducerRisk {
		return "You are a conservative risk reviewer for a perpetual futures account. " +
			"You see the same market state as the analyst but your job is to protect capital: " +
			"prefer HOLD over marginal entries, size below what the setup allows, and always demand a stop. " +
			"Output STRICT JSON only."
	}
	return "You are a disciplined perpetual futures analyst. " +
		"Propose at most one trade for the symbol from the market state given. " +
		"Entries need a stop and a reason; when nothing is attractive, answer HOLD. " +
		"Output STRICT JSON only."
}

// BuildState serializes the market and account context the model sees. The
// candle tail is truncated so the prompt stays bounded.
func BuildState(snap *types.MarketSnapshot, acct types.AccountState) string {
	const candleTail = 30

	candles := snap.Candles
	if len(candles) > candleTail {
		candles = candles[len(candles)-candleTail:]
	}

	var position *types.Position
	if pos, ok := acct.Positions[snap.Symbol]; ok && pos.Size != 0 {
		position = &pos
	}

	state := map[string]any{
		"symbol":           snap.Symbol,
		"timeframe":        string(snap.Timeframe),
		"last_price":       snap.LastPrice,
		"volatility_pct":   snap.VolatilityPct,
		"atr":              snap.ATR,
		"candles":          candles,
		"equity":           acct.Equity,
		"margin_usage_pct": acct.MarginUsagePct,
		"risk_level":       string(acct.RiskLevel),
		"position":         position,
	}
	b, _ := json.Marshal(state)
	return string(b)
}

// UserPrompt composes the full user message.
func UserPrompt(snap *types.MarketSnapshot, acct types.AccountState) string {
	return "Schema:" + Schema + "\nState:" + BuildState(snap, acct) +
		"\n\nRespond ONLY with compact JSON matching the schema."
}

// Parse extracts the opinion JSON from the model's text. Anything that does
// not parse or validate degrades to HOLD rather than an error: a confused
// model must never place a trade.
func Parse(text string, role types.Producer, symbol string) types.Opinion {
	fallback := types.Opinion{
		Producer: role,
		Symbol:   symbol,
		Action:   types.ActionHold,
		Reason:   "unparseable model output",
	}

	t := strings.TrimSpace(text)
	start := strings.Index(t, "{")
	end := strings.LastIndex(t, "}")
	if start < 0 || end <= start {
		return fallback
	}

	var o types.Opinion
	if err := json.Unmarshal([]byte(t[start:end+1]), &o); err != nil {
		return fallback
	}

	o.Producer = role
	o.Symbol = symbol
	normalize(&o)
	return o
}

func normalize(o *types.Opinion) {
	o.Action = types.Action(strings.ToUpper(strings.TrimSpace(string(o.Action))))
	switch o.Action {
	case types.ActionLong, types.ActionShort, types.ActionFlat, types.ActionHold:
	default:
		o.Action = types.ActionHold
		o.Reason = "invalid action: " + o.Reason
	}
	if o.Confidence < 0 || o.Confidence > 1 {
		o.Confidence = 0
	}
	if !o.Action.IsEntry() {
		o.SizeUSD = 0
		o.SizeFraction = 0
		o.Leverage = 0
		return
	}
	if o.SizeUSD < 0 {
		o.SizeUSD = 0
	}
	if o.SizeFraction < 0 || o.SizeFraction > 1 {
		o.SizeFraction = 0
	}
	if o.SizeUSD == 0 && o.SizeFraction == 0 {
		// An entry with no size is not an entry.
		o.Action = types.ActionHold
		o.Reason = "entry without size: " + o.Reason
		o.Leverage = 0
		return
	}
	if o.Leverage < 1 {
		o.Leverage = 1
	}
	if o.Stop.Zero() {
		// Entries without a stop are refused at the source.
		o.Action = types.ActionHold
		o.Reason = "entry without stop: " + o.Reason
		o.SizeUSD, o.SizeFraction, o.Leverage = 0, 0, 0
	}
}
