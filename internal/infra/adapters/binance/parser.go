package binance

import (
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/tradefeed/errs"
	"github.com/coachpo/tradefeed/internal/domain/schema"
)

// User-data frame types.
const (
	frameAccountUpdate    = "ACCOUNT_UPDATE"
	frameOrderTradeUpdate = "ORDER_TRADE_UPDATE"
	frameMarginCall       = "MARGIN_CALL"
	frameListenKeyExpired = "listenKeyExpired"
)

// Binance frames reuse single letters in both cases. Every key whose other case is decoded
// needs its own field, otherwise the decoder folds it onto the wrong one.
type tickerMessage struct {
	EventType   string           `json:"e"`
	EventTime   binanceTimestamp `json:"E"`
	Symbol      string           `json:"s"`
	LastPrice   string           `json:"c"`
	CloseTime   binanceTimestamp `json:"C"`
	BidPrice    string           `json:"b"`
	BidQty      string           `json:"B"`
	AskPrice    string           `json:"a"`
	AskQty      string           `json:"A"`
	Volume      string           `json:"v"`
	PriceChange string           `json:"p"`
	ChangePct   string           `json:"P"`
	HighPrice   string           `json:"h"`
	LowPrice    string           `json:"l"`
	LastTradeID int64            `json:"L"`
}

// parseTicker decodes a <symbol>@ticker frame.
func parseTicker(data []byte, now func() time.Time) (schema.PriceTick, error) {
	var msg tickerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return schema.PriceTick{}, errs.New("binance/ticker", errs.CodeParse, errs.WithCause(err))
	}
	symbol := strings.ToUpper(strings.TrimSpace(msg.Symbol))
	last, ok := parseDecimal(msg.LastPrice)
	if symbol == "" || !ok {
		return schema.PriceTick{}, errs.New("binance/ticker", errs.CodeParse,
			errs.WithMessage("ticker frame missing symbol or price"), errs.WithRawMessage(string(data)))
	}
	tick := schema.PriceTick{
		Symbol:    symbol,
		LastPrice: last,
		Timestamp: msg.EventTime.Time(now),
	}
	tick.BidPrice, _ = parseDecimal(msg.BidPrice)
	tick.AskPrice, _ = parseDecimal(msg.AskPrice)
	tick.Volume24h, _ = parseDecimal(msg.Volume)
	tick.Change24h, _ = parseDecimal(msg.ChangePct)
	tick.High24h, _ = parseDecimal(msg.HighPrice)
	tick.Low24h, _ = parseDecimal(msg.LowPrice)
	return tick, nil
}

type userEnvelope struct {
	EventType string           `json:"e"`
	EventTime binanceTimestamp `json:"E"`
}

type accountUpdateMessage struct {
	EventType       string           `json:"e"`
	EventTime       binanceTimestamp `json:"E"`
	TransactionTime binanceTimestamp `json:"T"`
	Account         struct {
		Reason    string            `json:"m"`
		Balances  []accountBalance  `json:"B"`
		Positions []accountPosition `json:"P"`
	} `json:"a"`
}

type accountBalance struct {
	Asset         string `json:"a"`
	WalletBalance string `json:"wb"`
	CrossBalance  string `json:"cw"`
	BalanceChange string `json:"bc"`
}

type accountPosition struct {
	Symbol        string `json:"s"`
	Amount        string `json:"pa"`
	EntryPrice    string `json:"ep"`
	UnrealizedPnL string `json:"up"`
	MarginType    string `json:"mt"`
	PositionSide  string `json:"ps"`
}

type orderTradeMessage struct {
	EventType       string           `json:"e"`
	EventTime       binanceTimestamp `json:"E"`
	TransactionTime binanceTimestamp `json:"T"`
	Order           struct {
		Symbol          string           `json:"s"`
		ClientOrderID   string           `json:"c"`
		Side            string           `json:"S"`
		Type            string           `json:"o"`
		ExecutionType   string           `json:"x"`
		Status          string           `json:"X"`
		OrderID         int64            `json:"i"`
		LastFilledQty   string           `json:"l"`
		CumulativeQty   string           `json:"z"`
		LastFilledPrice string           `json:"L"`
		AvgPrice        string           `json:"ap"`
		ActivationPrice string           `json:"AP"`
		Commission      string           `json:"n"`
		CommissionAsset string           `json:"N"`
		TradeTime       binanceTimestamp `json:"T"`
		TradeID         int64            `json:"t"`
		RealizedProfit  string           `json:"rp"`
	} `json:"o"`
}

type marginCallMessage struct {
	EventType          string           `json:"e"`
	EventTime          binanceTimestamp `json:"E"`
	CrossWalletBalance string           `json:"cw"`
	Positions          []struct {
		Symbol            string `json:"s"`
		PositionSide      string `json:"ps"`
		Amount            string `json:"pa"`
		MarginType        string `json:"mt"`
		MarkPrice         string `json:"mp"`
		UnrealizedPnL     string `json:"up"`
		MaintenanceMargin string `json:"mm"`
	} `json:"p"`
}

// userUpdate is the decoded content of one user-data frame.
type userUpdate struct {
	Kind             string
	Balances         []schema.BalanceUpdate
	Positions        []schema.PositionUpdate
	Order            *schema.OrderUpdate
	Execution        *schema.Execution
	MarginCall       *schema.MarginCall
	ListenKeyExpired bool
}

// parseUserData decodes a user-data frame. Unknown frame types yield an empty update.
func parseUserData(data []byte, now func() time.Time) (userUpdate, error) {
	var env userEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return userUpdate{}, errs.New("binance/user_data", errs.CodeParse, errs.WithCause(err))
	}
	out := userUpdate{Kind: env.EventType}
	switch env.EventType {
	case frameAccountUpdate:
		var msg accountUpdateMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return userUpdate{}, errs.New("binance/account_update", errs.CodeParse, errs.WithCause(err))
		}
		ts := msg.EventTime.Time(now)
		for _, b := range msg.Account.Balances {
			if strings.TrimSpace(b.Asset) == "" {
				continue
			}
			update := schema.BalanceUpdate{Asset: strings.ToUpper(b.Asset), Timestamp: ts}
			update.WalletBalance, _ = parseDecimal(b.WalletBalance)
			update.CrossBalance, _ = parseDecimal(b.CrossBalance)
			update.BalanceChange, _ = parseDecimal(b.BalanceChange)
			out.Balances = append(out.Balances, update)
		}
		for _, p := range msg.Account.Positions {
			if strings.TrimSpace(p.Symbol) == "" {
				continue
			}
			update := schema.PositionUpdate{
				Symbol:       strings.ToUpper(p.Symbol),
				PositionSide: p.PositionSide,
				MarginType:   p.MarginType,
				Timestamp:    ts,
			}
			update.Amount, _ = parseDecimal(p.Amount)
			update.EntryPrice, _ = parseDecimal(p.EntryPrice)
			update.UnrealizedPnL, _ = parseDecimal(p.UnrealizedPnL)
			out.Positions = append(out.Positions, update)
		}
	case frameOrderTradeUpdate:
		var msg orderTradeMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return userUpdate{}, errs.New("binance/order_trade_update", errs.CodeParse, errs.WithCause(err))
		}
		o := msg.Order
		ts := o.TradeTime.Time(func() time.Time { return msg.EventTime.Time(now) })
		order := schema.OrderUpdate{
			Symbol:        strings.ToUpper(o.Symbol),
			OrderID:       o.OrderID,
			ClientOrderID: o.ClientOrderID,
			Side:          o.Side,
			Type:          o.Type,
			Status:        schema.OrderStatus(o.Status),
			Timestamp:     ts,
		}
		order.ExecutedQty, _ = parseDecimal(o.CumulativeQty)
		order.AvgPrice, _ = parseDecimal(o.AvgPrice)
		out.Order = &order

		lastQty, _ := parseDecimal(o.LastFilledQty)
		if order.Status.IsFill() && lastQty.IsPositive() {
			exec := schema.Execution{
				Symbol:          order.Symbol,
				OrderID:         o.OrderID,
				TradeID:         o.TradeID,
				Side:            o.Side,
				Quantity:        lastQty,
				CommissionAsset: o.CommissionAsset,
				Timestamp:       ts,
			}
			exec.Price, _ = parseDecimal(o.LastFilledPrice)
			exec.Commission, _ = parseDecimal(o.Commission)
			exec.RealizedPnL, _ = parseDecimal(o.RealizedProfit)
			out.Execution = &exec
		}
	case frameMarginCall:
		var msg marginCallMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return userUpdate{}, errs.New("binance/margin_call", errs.CodeParse, errs.WithCause(err))
		}
		call := schema.MarginCall{Timestamp: msg.EventTime.Time(now)}
		call.CrossWalletBalance, _ = parseDecimal(msg.CrossWalletBalance)
		for _, p := range msg.Positions {
			pos := schema.MarginCallPosition{
				Symbol:       strings.ToUpper(p.Symbol),
				PositionSide: p.PositionSide,
				MarginType:   p.MarginType,
			}
			pos.Amount, _ = parseDecimal(p.Amount)
			pos.MarkPrice, _ = parseDecimal(p.MarkPrice)
			pos.UnrealizedPnL, _ = parseDecimal(p.UnrealizedPnL)
			pos.MaintenanceMargin, _ = parseDecimal(p.MaintenanceMargin)
			call.Positions = append(call.Positions, pos)
		}
		out.MarginCall = &call
	case frameListenKeyExpired:
		out.ListenKeyExpired = true
	}
	return out, nil
}
