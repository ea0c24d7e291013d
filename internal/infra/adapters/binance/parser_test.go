package binance

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/tradefeed/errs"
	"github.com/coachpo/tradefeed/internal/domain/schema"
)

func fixedNow() time.Time { return time.Unix(1_700_000_000, 0).UTC() }

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

func TestParseTickerFrame(t *testing.T) {
	tick, err := parseTicker([]byte(`{"e":"24hrTicker","E":1700000000123,"s":"BTCUSDT","c":"65000.50","v":"1200.5","P":"2.3","b":"64999.9","a":"65000.6","h":"66000","l":"64000"}`), fixedNow)
	require.NoError(t, err)
	require.Equal(t, "BTCUSDT", tick.Symbol)
	require.True(t, dec(t, "65000.50").Equal(tick.LastPrice))
	require.True(t, dec(t, "1200.5").Equal(tick.Volume24h))
	require.True(t, dec(t, "2.3").Equal(tick.Change24h))
	require.True(t, dec(t, "66000").Equal(tick.High24h))
	require.Equal(t, time.UnixMilli(1700000000123).UTC(), tick.Timestamp)
}

func TestParseTickerRejectsIncompleteFrames(t *testing.T) {
	for _, body := range []string{`{}`, `{"s":"BTCUSDT"}`, `{"c":"1"}`, `not json`} {
		_, err := parseTicker([]byte(body), fixedNow)
		require.Equal(t, errs.CodeParse, errs.CodeOf(err), body)
	}
}

func TestParseTickerDefaultsTimestamp(t *testing.T) {
	tick, err := parseTicker([]byte(`{"s":"ethusdt","c":"3000"}`), fixedNow)
	require.NoError(t, err)
	require.Equal(t, "ETHUSDT", tick.Symbol)
	require.Equal(t, fixedNow(), tick.Timestamp)
}

func TestParseAccountUpdate(t *testing.T) {
	frame := `{"e":"ACCOUNT_UPDATE","E":1700000000000,"T":1700000000000,"a":{"m":"ORDER",
		"B":[{"a":"USDT","wb":"1000.25","cw":"900.5","bc":"-1.5"},{"a":"","wb":"1"}],
		"P":[{"s":"BTCUSDT","pa":"0.010","ep":"65000","up":"12.5","mt":"cross","ps":"BOTH"}]}}`
	update, err := parseUserData([]byte(frame), fixedNow)
	require.NoError(t, err)
	require.Equal(t, frameAccountUpdate, update.Kind)
	require.Len(t, update.Balances, 1)
	require.Equal(t, "USDT", update.Balances[0].Asset)
	require.True(t, dec(t, "1000.25").Equal(update.Balances[0].WalletBalance))
	require.True(t, dec(t, "-1.5").Equal(update.Balances[0].BalanceChange))
	require.Len(t, update.Positions, 1)
	require.Equal(t, "BOTH", update.Positions[0].PositionSide)
	require.True(t, dec(t, "12.5").Equal(update.Positions[0].UnrealizedPnL))
}

func TestParseOrderTradeUpdate(t *testing.T) {
	tests := []struct {
		name      string
		status    string
		lastQty   string
		execution bool
	}{
		{name: "new order", status: "NEW", lastQty: "0", execution: false},
		{name: "partial fill", status: "PARTIALLY_FILLED", lastQty: "0.004", execution: true},
		{name: "fill", status: "FILLED", lastQty: "0.006", execution: true},
		{name: "canceled", status: "CANCELED", lastQty: "0", execution: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := `{"e":"ORDER_TRADE_UPDATE","E":1700000000000,"T":1700000000000,"o":{"s":"BTCUSDT","c":"cli-1","S":"BUY","o":"LIMIT",
				"x":"TRADE","X":"` + tt.status + `","i":8886774,"l":"` + tt.lastQty + `","z":"0.010","L":"65000","ap":"64990","n":"0.02","N":"USDT","T":1700000000500,"t":42,"rp":"1.25"}}`
			update, err := parseUserData([]byte(frame), fixedNow)
			require.NoError(t, err)
			require.NotNil(t, update.Order)
			require.Equal(t, int64(8886774), update.Order.OrderID)
			require.Equal(t, schema.OrderStatus(tt.status), update.Order.Status)
			require.True(t, dec(t, "0.010").Equal(update.Order.ExecutedQty))
			require.Equal(t, time.UnixMilli(1700000000500).UTC(), update.Order.Timestamp)
			if !tt.execution {
				require.Nil(t, update.Execution)
				return
			}
			require.NotNil(t, update.Execution)
			require.Equal(t, int64(42), update.Execution.TradeID)
			require.True(t, dec(t, tt.lastQty).Equal(update.Execution.Quantity))
			require.True(t, dec(t, "65000").Equal(update.Execution.Price))
			require.True(t, dec(t, "1.25").Equal(update.Execution.RealizedPnL))
		})
	}
}

func TestParseMarginCall(t *testing.T) {
	frame := `{"e":"MARGIN_CALL","E":1700000000000,"cw":"3.16812045","p":[{"s":"ETHUSDT","ps":"LONG","pa":"1.327","mt":"CROSSED","iw":"0","mp":"187.17127","up":"-1.166074","mm":"1.614445"}]}`
	update, err := parseUserData([]byte(frame), fixedNow)
	require.NoError(t, err)
	require.NotNil(t, update.MarginCall)
	require.True(t, dec(t, "3.16812045").Equal(update.MarginCall.CrossWalletBalance))
	require.Len(t, update.MarginCall.Positions, 1)
	require.Equal(t, "ETHUSDT", update.MarginCall.Positions[0].Symbol)
	require.True(t, dec(t, "1.614445").Equal(update.MarginCall.Positions[0].MaintenanceMargin))
}

func TestParseUserDataControlFrames(t *testing.T) {
	update, err := parseUserData([]byte(`{"e":"listenKeyExpired","E":1700000000000}`), fixedNow)
	require.NoError(t, err)
	require.True(t, update.ListenKeyExpired)

	update, err = parseUserData([]byte(`{"e":"TRADE_LITE","E":1}`), fixedNow)
	require.NoError(t, err)
	require.Empty(t, update.Balances)
	require.Nil(t, update.Order)

	_, err = parseUserData([]byte(`{"e":`), fixedNow)
	require.Equal(t, errs.CodeParse, errs.CodeOf(err))
}

func TestBinanceTimestampAcceptsStringsAndNumbers(t *testing.T) {
	var ts binanceTimestamp
	require.NoError(t, ts.UnmarshalJSON([]byte(`"1700000000000"`)))
	require.Equal(t, binanceTimestamp(1700000000000), ts)
	require.NoError(t, ts.UnmarshalJSON([]byte(`1.7e12`)))
	require.Equal(t, binanceTimestamp(1700000000000), ts)
	require.NoError(t, ts.UnmarshalJSON([]byte(`null`)))
	require.Equal(t, fixedNow(), ts.Time(fixedNow))
	require.Error(t, ts.UnmarshalJSON([]byte(`"abc"`)))
}

// Frames below are copied from the Binance USD-M futures documentation, unknown keys included.
const (
	docTickerFrame = `{"e":"24hrTicker","E":123456789,"s":"BTCUSDT","p":"0.0015","P":"250.00","w":"0.0018","c":"0.0025","Q":"10","o":"0.0010","h":"0.0025","l":"0.0010","v":"10000","q":"18","O":0,"C":86400000,"F":0,"L":18150,"n":18151}`

	docAccountUpdateFrame = `{"e":"ACCOUNT_UPDATE","E":1564745798939,"T":1564745798938,"a":{"m":"ORDER",` +
		`"B":[{"a":"USDT","wb":"122624.12345678","cw":"100.12345678","bc":"50.12345678"},{"a":"BUSD","wb":"1.00000000","cw":"0.00000000","bc":"-49.12345678"}],` +
		`"P":[{"s":"BTCUSDT","pa":"0","ep":"0.00000","bep":"0","cr":"200","up":"0","mt":"isolated","iw":"0.00000000","ps":"BOTH"},` +
		`{"s":"BTCUSDT","pa":"20","ep":"6563.66500","bep":"6563.6","cr":"0","up":"2850.21200","mt":"isolated","iw":"13200.70726908","ps":"LONG"}]}}`

	docOrderTradeUpdateFrame = `{"e":"ORDER_TRADE_UPDATE","E":1568879465651,"T":1568879465650,"o":{"s":"BTCUSDT","c":"TEST","S":"SELL",` +
		`"o":"TRAILING_STOP_MARKET","f":"GTC","q":"0.001","p":"0","ap":"0","sp":"7103.04","x":"NEW","X":"NEW","i":8886774,` +
		`"l":"0","z":"0","L":"0","N":"USDT","n":"0","T":1568879465650,"t":0,"b":"0","a":"9.91","m":false,"R":false,` +
		`"wt":"CONTRACT_PRICE","ot":"TRAILING_STOP_MARKET","ps":"LONG","cp":false,"AP":"7476.89","cr":"5.0","pP":false,` +
		`"si":0,"ss":0,"rp":"0","V":"EXPIRE_TAKER","pm":"OPPONENT","gtd":0}}`

	docOrderFilledFrame = `{"e":"ORDER_TRADE_UPDATE","E":1568879465651,"T":1568879465650,"o":{"s":"BTCUSDT","c":"TEST","S":"SELL",` +
		`"o":"MARKET","f":"GTC","q":"0.001","p":"0","ap":"7103.04","sp":"0","x":"TRADE","X":"FILLED","i":8886774,` +
		`"l":"0.001","z":"0.001","L":"7103.04","N":"USDT","n":"0.00284","T":1568879465650,"t":991,"b":"0","a":"0","m":false,"R":false,` +
		`"wt":"CONTRACT_PRICE","ot":"MARKET","ps":"BOTH","cp":false,"AP":"0","cr":"0","pP":false,` +
		`"si":0,"ss":0,"rp":"0.5","V":"NONE","pm":"NONE","gtd":0}}`

	docMarginCallFrame = `{"e":"MARGIN_CALL","E":1587727187525,"cw":"3.16812045",` +
		`"p":[{"s":"ETHUSDT","ps":"LONG","pa":"1.327","mt":"CROSSED","iw":"0","mp":"187.17127","up":"-1.166074","mm":"1.614445"}]}`
)

func TestParseDocumentedTickerFrame(t *testing.T) {
	tick, err := parseTicker([]byte(docTickerFrame), fixedNow)
	require.NoError(t, err)
	require.True(t, dec(t, "0.0025").Equal(tick.LastPrice))
	require.True(t, dec(t, "250.00").Equal(tick.Change24h))
	require.True(t, dec(t, "0.0010").Equal(tick.Low24h))
	require.True(t, dec(t, "10000").Equal(tick.Volume24h))
}

func TestParseDocumentedUserFrames(t *testing.T) {
	update, err := parseUserData([]byte(docAccountUpdateFrame), fixedNow)
	require.NoError(t, err)
	require.Len(t, update.Balances, 2)
	require.Equal(t, "USDT", update.Balances[0].Asset)
	require.True(t, dec(t, "122624.12345678").Equal(update.Balances[0].WalletBalance))
	require.Len(t, update.Positions, 2)
	require.Equal(t, "LONG", update.Positions[1].PositionSide)
	require.True(t, dec(t, "2850.21200").Equal(update.Positions[1].UnrealizedPnL))
	require.Equal(t, time.UnixMilli(1564745798939).UTC(), update.Balances[0].Timestamp)

	update, err = parseUserData([]byte(docOrderTradeUpdateFrame), fixedNow)
	require.NoError(t, err)
	require.NotNil(t, update.Order)
	require.Equal(t, int64(8886774), update.Order.OrderID)
	require.Equal(t, schema.OrderStatus("NEW"), update.Order.Status)
	require.True(t, update.Order.AvgPrice.IsZero())
	require.Nil(t, update.Execution)

	update, err = parseUserData([]byte(docOrderFilledFrame), fixedNow)
	require.NoError(t, err)
	require.NotNil(t, update.Execution)
	require.Equal(t, int64(991), update.Execution.TradeID)
	require.True(t, dec(t, "7103.04").Equal(update.Order.AvgPrice))
	require.True(t, dec(t, "0.00284").Equal(update.Execution.Commission))

	update, err = parseUserData([]byte(docMarginCallFrame), fixedNow)
	require.NoError(t, err)
	require.NotNil(t, update.MarginCall)
	require.Equal(t, "ETHUSDT", update.MarginCall.Positions[0].Symbol)
}
