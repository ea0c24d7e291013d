package sources

import (
	"strconv"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/coachpo/tradefeed/internal/domain/schema"
)

// Adapter extracts whatever readings it recognises from a provider response. It returns
// false on unrecognised shapes. Callers stamp source name, quality and capture time.
type Adapter func(body []byte) (schema.NormalizedSnapshot, bool)

// DefaultAdapters returns the built-in adapter table keyed by provider name.
func DefaultAdapters() map[string]Adapter {
	return map[string]Adapter{
		"coingecko":     CoinGecko,
		"alternative":   FearGreed,
		"feargreed":     FearGreed,
		"coinmarketcap": CoinMarketCap,
		"binance":       BinanceTicker,
	}
}

// number accepts JSON numbers and numeric strings.
func number(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func optional(raw json.RawMessage) *float64 {
	if f, ok := number(raw); ok {
		return &f
	}
	return nil
}

type object map[string]json.RawMessage

func decodeObject(raw []byte) (object, bool) {
	var o object
	if err := json.Unmarshal(raw, &o); err != nil || o == nil {
		return nil, false
	}
	return o, true
}

// CoinGecko understands /simple/price ({"bitcoin":{"usd":..}}), /coins/markets
// ([{"id":"bitcoin","current_price":..}]) and /global ({"data":{"market_cap_percentage":..}}).
func CoinGecko(body []byte) (schema.NormalizedSnapshot, bool) {
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		var markets []object
		if err := json.Unmarshal(body, &markets); err != nil {
			return schema.NormalizedSnapshot{}, false
		}
		for _, m := range markets {
			var id string
			_ = json.Unmarshal(m["id"], &id)
			if id != "bitcoin" {
				continue
			}
			snap := schema.NormalizedSnapshot{
				BTCPrice:     optional(m["current_price"]),
				BTCChange24h: optional(m["price_change_percentage_24h"]),
				Volume24h:    optional(m["total_volume"]),
				MarketCap:    optional(m["market_cap"]),
			}
			return snap, snap.BTCPrice != nil
		}
		return schema.NormalizedSnapshot{}, false
	}

	root, ok := decodeObject(body)
	if !ok {
		return schema.NormalizedSnapshot{}, false
	}
	if raw, ok := root["bitcoin"]; ok {
		coin, ok := decodeObject(raw)
		if !ok {
			return schema.NormalizedSnapshot{}, false
		}
		snap := schema.NormalizedSnapshot{
			BTCPrice:     optional(coin["usd"]),
			BTCChange24h: optional(coin["usd_24h_change"]),
			Volume24h:    optional(coin["usd_24h_vol"]),
			MarketCap:    optional(coin["usd_market_cap"]),
		}
		return snap, snap.BTCPrice != nil
	}
	if raw, ok := root["data"]; ok {
		data, ok := decodeObject(raw)
		if !ok {
			return schema.NormalizedSnapshot{}, false
		}
		var shares, caps, volumes map[string]json.RawMessage
		_ = json.Unmarshal(data["market_cap_percentage"], &shares)
		_ = json.Unmarshal(data["total_market_cap"], &caps)
		_ = json.Unmarshal(data["total_volume"], &volumes)
		snap := schema.NormalizedSnapshot{
			BTCDominance: optional(shares["btc"]),
			MarketCap:    optional(caps["usd"]),
			Volume24h:    optional(volumes["usd"]),
		}
		// dominance alone does not make a valid snapshot; the caller's validation rejects it
		return snap, snap.BTCDominance != nil
	}
	return schema.NormalizedSnapshot{}, false
}

// FearGreed understands alternative.me ({"data":[{"value":"42","value_classification":"Fear"}]})
// and the fgi shape ({"fgi":{"now":{"value":42,"valueText":"Fear"}}}).
func FearGreed(body []byte) (schema.NormalizedSnapshot, bool) {
	root, ok := decodeObject(body)
	if !ok {
		return schema.NormalizedSnapshot{}, false
	}
	if raw, ok := root["data"]; ok {
		var rows []object
		if err := json.Unmarshal(raw, &rows); err != nil || len(rows) == 0 {
			return schema.NormalizedSnapshot{}, false
		}
		idx := optional(rows[0]["value"])
		if idx == nil {
			return schema.NormalizedSnapshot{}, false
		}
		var label string
		_ = json.Unmarshal(rows[0]["value_classification"], &label)
		return schema.NormalizedSnapshot{SentimentIndex: idx, SentimentLabel: label}, true
	}
	if raw, ok := root["fgi"]; ok {
		fgi, ok := decodeObject(raw)
		if !ok {
			return schema.NormalizedSnapshot{}, false
		}
		current, ok := decodeObject(fgi["now"])
		if !ok {
			return schema.NormalizedSnapshot{}, false
		}
		idx := optional(current["value"])
		if idx == nil {
			return schema.NormalizedSnapshot{}, false
		}
		var label string
		_ = json.Unmarshal(current["valueText"], &label)
		return schema.NormalizedSnapshot{SentimentIndex: idx, SentimentLabel: label}, true
	}
	return schema.NormalizedSnapshot{}, false
}

// CoinMarketCap understands quotes/latest in both the v1 ({"data":{"BTC":{...}}}) and
// v2 ({"data":{"BTC":[{...}]}}) shapes.
func CoinMarketCap(body []byte) (schema.NormalizedSnapshot, bool) {
	root, ok := decodeObject(body)
	if !ok {
		return schema.NormalizedSnapshot{}, false
	}
	data, ok := decodeObject(root["data"])
	if !ok {
		return schema.NormalizedSnapshot{}, false
	}
	raw, ok := data["BTC"]
	if !ok {
		return schema.NormalizedSnapshot{}, false
	}
	var coin object
	if strings.HasPrefix(strings.TrimSpace(string(raw)), "[") {
		var list []object
		if err := json.Unmarshal(raw, &list); err != nil || len(list) == 0 {
			return schema.NormalizedSnapshot{}, false
		}
		coin = list[0]
	} else if coin, ok = decodeObject(raw); !ok {
		return schema.NormalizedSnapshot{}, false
	}
	quotes, ok := decodeObject(coin["quote"])
	if !ok {
		return schema.NormalizedSnapshot{}, false
	}
	usd, ok := decodeObject(quotes["USD"])
	if !ok {
		return schema.NormalizedSnapshot{}, false
	}
	snap := schema.NormalizedSnapshot{
		BTCPrice:     optional(usd["price"]),
		BTCChange24h: optional(usd["percent_change_24h"]),
		Volume24h:    optional(usd["volume_24h"]),
		MarketCap:    optional(usd["market_cap"]),
		BTCDominance: optional(usd["market_cap_dominance"]),
	}
	return snap, snap.BTCPrice != nil
}

// binanceBTCSymbol is the row picked from list-shaped ticker responses.
const binanceBTCSymbol = "BTCUSDT"

// BinanceTicker understands /ticker/24hr ({"lastPrice":"..."}) and /ticker/price ({"price":"..."}),
// as a single object or a list.
func BinanceTicker(body []byte) (schema.NormalizedSnapshot, bool) {
	var row object
	if strings.HasPrefix(strings.TrimSpace(string(body)), "[") {
		var rows []object
		if err := json.Unmarshal(body, &rows); err != nil {
			return schema.NormalizedSnapshot{}, false
		}
		for _, r := range rows {
			var sym string
			_ = json.Unmarshal(r["symbol"], &sym)
			if strings.EqualFold(sym, binanceBTCSymbol) {
				row = r
				break
			}
		}
		if row == nil {
			return schema.NormalizedSnapshot{}, false
		}
	} else {
		var ok bool
		if row, ok = decodeObject(body); !ok {
			return schema.NormalizedSnapshot{}, false
		}
	}
	if raw, ok := row["lastPrice"]; ok {
		snap := schema.NormalizedSnapshot{
			BTCPrice:     optional(raw),
			BTCChange24h: optional(row["priceChangePercent"]),
			Volume24h:    optional(row["quoteVolume"]),
		}
		return snap, snap.BTCPrice != nil
	}
	if raw, ok := row["price"]; ok {
		snap := schema.NormalizedSnapshot{BTCPrice: optional(raw)}
		return snap, snap.BTCPrice != nil
	}
	return schema.NormalizedSnapshot{}, false
}
