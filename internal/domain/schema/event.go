// Package schema defines the normalized events and snapshot shapes emitted by the feed.
package schema

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventType enumerates the downstream event categories.
type EventType string

const (
	// EventTypePrice identifies ticker price updates.
	EventTypePrice EventType = "price"
	// EventTypePosition identifies position deltas from the account stream.
	EventTypePosition EventType = "position"
	// EventTypeOrder identifies order lifecycle updates.
	EventTypeOrder EventType = "order"
	// EventTypeBalance identifies wallet balance deltas.
	EventTypeBalance EventType = "balance"
	// EventTypeExecution identifies fills.
	EventTypeExecution EventType = "execution"
	// EventTypeMarginCall identifies margin calls. Delivered ahead of routine events.
	EventTypeMarginCall EventType = "margin_call"
	// EventTypeSnapshot identifies normalized market snapshots.
	EventTypeSnapshot EventType = "snapshot"
	// EventTypeConnected identifies a socket that reached the open state.
	EventTypeConnected EventType = "ws:connected"
	// EventTypeDisconnected identifies a socket that closed or failed.
	EventTypeDisconnected EventType = "ws:disconnected"
	// EventTypeStale identifies an advisory staleness warning from the cache heartbeat.
	EventTypeStale EventType = "ws:stale"
	// EventTypeMaxReconnect identifies a stream that exhausted its reconnect attempts.
	EventTypeMaxReconnect EventType = "ws:max_reconnect_reached"
	// EventTypeAuthFailed identifies a stream rejected for invalid credentials.
	EventTypeAuthFailed EventType = "ws:auth_failed"
)

// Priority reports whether the event must bypass routine delivery queues. Priority events are
// never dropped: margin calls and the terminal stream notices that need an operator.
func (t EventType) Priority() bool {
	switch t {
	case EventTypeMarginCall, EventTypeMaxReconnect, EventTypeAuthFailed:
		return true
	default:
		return false
	}
}

// Event is the envelope published on the event bus.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Source    string    `json:"source"`
	Symbol    string    `json:"symbol,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// NewEvent builds an envelope with a fresh identifier.
func NewEvent(typ EventType, source, symbol string, ts time.Time, payload any) Event {
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return Event{
		ID:        uuid.NewString(),
		Type:      typ,
		Source:    source,
		Symbol:    symbol,
		Timestamp: ts,
		Payload:   payload,
	}
}

// PriceTick conveys 24h ticker statistics for one symbol.
type PriceTick struct {
	Symbol    string          `json:"symbol"`
	LastPrice decimal.Decimal `json:"last_price"`
	BidPrice  decimal.Decimal `json:"bid_price"`
	AskPrice  decimal.Decimal `json:"ask_price"`
	Volume24h decimal.Decimal `json:"volume_24h"`
	Change24h decimal.Decimal `json:"change_24h"`
	High24h   decimal.Decimal `json:"high_24h"`
	Low24h    decimal.Decimal `json:"low_24h"`
	Timestamp time.Time       `json:"timestamp"`
}

// PositionUpdate conveys a position delta.
type PositionUpdate struct {
	Symbol        string          `json:"symbol"`
	PositionSide  string          `json:"position_side,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	MarginType    string          `json:"margin_type"`
	Timestamp     time.Time       `json:"timestamp"`
}

// BalanceUpdate conveys a wallet balance delta for one asset.
type BalanceUpdate struct {
	Asset         string          `json:"asset"`
	WalletBalance decimal.Decimal `json:"wallet_balance"`
	CrossBalance  decimal.Decimal `json:"cross_balance"`
	BalanceChange decimal.Decimal `json:"balance_change"`
	Timestamp     time.Time       `json:"timestamp"`
}

// OrderStatus mirrors the exchange order status vocabulary.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// IsFill reports whether the status carries executed quantity.
func (s OrderStatus) IsFill() bool {
	return s == OrderStatusFilled || s == OrderStatusPartiallyFilled
}

// OrderUpdate conveys an order lifecycle transition.
type OrderUpdate struct {
	Symbol        string          `json:"symbol"`
	OrderID       int64           `json:"order_id"`
	ClientOrderID string          `json:"client_order_id,omitempty"`
	Side          string          `json:"side"`
	Type          string          `json:"type"`
	Status        OrderStatus     `json:"status"`
	ExecutedQty   decimal.Decimal `json:"executed_qty"`
	AvgPrice      decimal.Decimal `json:"avg_price"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Execution conveys a single fill extracted from an order update.
type Execution struct {
	Symbol          string          `json:"symbol"`
	OrderID         int64           `json:"order_id"`
	TradeID         int64           `json:"trade_id,omitempty"`
	Side            string          `json:"side"`
	Quantity        decimal.Decimal `json:"quantity"`
	Price           decimal.Decimal `json:"price"`
	Commission      decimal.Decimal `json:"commission"`
	CommissionAsset string          `json:"commission_asset,omitempty"`
	RealizedPnL     decimal.Decimal `json:"realized_pnl"`
	Timestamp       time.Time       `json:"timestamp"`
}

// MarginCallPosition describes one position at risk of liquidation.
type MarginCallPosition struct {
	Symbol            string          `json:"symbol"`
	PositionSide      string          `json:"position_side"`
	Amount            decimal.Decimal `json:"amount"`
	MarginType        string          `json:"margin_type"`
	MarkPrice         decimal.Decimal `json:"mark_price"`
	UnrealizedPnL     decimal.Decimal `json:"unrealized_pnl"`
	MaintenanceMargin decimal.Decimal `json:"maintenance_margin"`
}

// MarginCall conveys every position flagged in a margin call frame.
type MarginCall struct {
	CrossWalletBalance decimal.Decimal      `json:"cross_wallet_balance"`
	Positions          []MarginCallPosition `json:"positions"`
	Timestamp          time.Time            `json:"timestamp"`
}

// ConnectionStatus accompanies ws:* lifecycle events.
type ConnectionStatus struct {
	Stream   string    `json:"stream"`
	Attempts int       `json:"attempts,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	LastSeen time.Time `json:"last_seen,omitempty"`
	Gap      string    `json:"gap,omitempty"`
}
