package schema

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tradefeed/errs"
)

// OrderRequest represents an order submission routed to the exchange.
type OrderRequest struct {
	Symbol        string           `json:"symbol"`
	Side          string           `json:"side"`
	Type          string           `json:"type"`
	Quantity      decimal.Decimal  `json:"quantity"`
	Price         *decimal.Decimal `json:"price,omitempty"`
	TimeInForce   string           `json:"timeInForce,omitempty"`
	ClientOrderID string           `json:"clientOrderId,omitempty"`
	ReduceOnly    bool             `json:"reduceOnly,omitempty"`
}

// Validate checks the transport-level requirements of an order.
func (o OrderRequest) Validate() error {
	if strings.TrimSpace(o.Symbol) == "" {
		return errs.New("schema/order", errs.CodeInvalid, errs.WithMessage("symbol required"))
	}
	switch strings.ToUpper(o.Side) {
	case "BUY", "SELL":
	default:
		return errs.New("schema/order", errs.CodeInvalid, errs.WithMessage("side must be BUY or SELL"))
	}
	if strings.TrimSpace(o.Type) == "" {
		return errs.New("schema/order", errs.CodeInvalid, errs.WithMessage("order type required"))
	}
	if !o.Quantity.IsPositive() {
		return errs.New("schema/order", errs.CodeInvalid, errs.WithMessage("quantity must be positive"))
	}
	if strings.EqualFold(o.Type, "LIMIT") && (o.Price == nil || !o.Price.IsPositive()) {
		return errs.New("schema/order", errs.CodeInvalid, errs.WithMessage("limit orders require a positive price"))
	}
	return nil
}

// OrderAck is the synchronous response to an order submission.
type OrderAck struct {
	Symbol        string          `json:"symbol"`
	OrderID       int64           `json:"orderId"`
	ClientOrderID string          `json:"clientOrderId"`
	Status        OrderStatus     `json:"status"`
	ExecutedQty   decimal.Decimal `json:"executedQty"`
	AvgPrice      decimal.Decimal `json:"avgPrice"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// AsUpdate converts the acknowledgement into an order lifecycle update.
func (a OrderAck) AsUpdate(side, typ string) OrderUpdate {
	return OrderUpdate{
		Symbol:        a.Symbol,
		OrderID:       a.OrderID,
		ClientOrderID: a.ClientOrderID,
		Side:          side,
		Type:          typ,
		Status:        a.Status,
		ExecutedQty:   a.ExecutedQty,
		AvgPrice:      a.AvgPrice,
		Timestamp:     a.UpdatedAt,
	}
}
