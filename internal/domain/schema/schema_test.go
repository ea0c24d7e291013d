package schema

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/tradefeed/errs"
)

func TestSnapshotValidate(t *testing.T) {
	tests := []struct {
		name    string
		snap    NormalizedSnapshot
		wantErr bool
	}{
		{name: "price only", snap: NormalizedSnapshot{BTCPrice: Float(65000), SourceName: "coingecko"}},
		{name: "sentiment only", snap: NormalizedSnapshot{SentimentIndex: Float(42), SourceName: "alternative"}},
		{name: "sentiment upper bound", snap: NormalizedSnapshot{SentimentIndex: Float(100), SourceName: "alternative"}},
		{name: "empty", snap: NormalizedSnapshot{SourceName: "x"}, wantErr: true},
		{name: "zero price", snap: NormalizedSnapshot{BTCPrice: Float(0), SourceName: "x"}, wantErr: true},
		{name: "negative sentiment", snap: NormalizedSnapshot{SentimentIndex: Float(-1), SourceName: "x"}, wantErr: true},
		{name: "sentiment above range", snap: NormalizedSnapshot{SentimentIndex: Float(101), SourceName: "x"}, wantErr: true},
		{name: "missing source", snap: NormalizedSnapshot{BTCPrice: Float(1)}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.snap.Validate()
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestSnapshotSanitizeKeepsValidReadings(t *testing.T) {
	snap := NormalizedSnapshot{
		BTCPrice:       Float(-3),
		BTCChange24h:   Float(1.5),
		SentimentIndex: Float(55),
		SentimentLabel: "Greed",
		BTCDominance:   Float(140),
		SourceName:     "mixed",
	}
	require.Error(t, snap.Validate())

	require.Equal(t, []string{"btc_price", "btc_dominance"}, snap.Sanitize())
	require.Nil(t, snap.BTCPrice)
	require.Nil(t, snap.BTCChange24h)
	require.Nil(t, snap.BTCDominance)
	require.Equal(t, Float(55), snap.SentimentIndex)
	require.NoError(t, snap.Validate())

	bad := NormalizedSnapshot{SentimentIndex: Float(101), SentimentLabel: "?", SourceName: "x"}
	require.Equal(t, []string{"sentiment_index"}, bad.Sanitize())
	require.Empty(t, bad.SentimentLabel)
	require.Error(t, bad.Validate())
}

func TestSnapshotGrade(t *testing.T) {
	snap := NormalizedSnapshot{BTCPrice: Float(1), SentimentIndex: Float(50)}
	snap.Grade()
	require.Equal(t, QualityHigh, snap.Quality)

	snap.SentimentIndex = nil
	snap.Grade()
	require.Equal(t, QualityMedium, snap.Quality)
}

func TestNewEventAssignsIdentity(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a := NewEvent(EventTypePrice, "binance", "BTCUSDT", ts, nil)
	b := NewEvent(EventTypePrice, "binance", "BTCUSDT", ts, nil)
	require.NotEmpty(t, a.ID)
	require.NotEqual(t, a.ID, b.ID)
	require.Equal(t, ts, a.Timestamp)
	require.False(t, NewEvent(EventTypeSnapshot, "", "", time.Time{}, nil).Timestamp.IsZero())
}

func TestEventPriority(t *testing.T) {
	require.True(t, EventTypeMarginCall.Priority())
	require.True(t, EventTypeMaxReconnect.Priority())
	require.True(t, EventTypeAuthFailed.Priority())
	require.False(t, EventTypePrice.Priority())
	require.False(t, EventTypeDisconnected.Priority())
	require.True(t, OrderStatusPartiallyFilled.IsFill())
	require.False(t, OrderStatusNew.IsFill())
}

func TestOrderRequestValidate(t *testing.T) {
	price := decimal.RequireFromString("65000")
	ok := OrderRequest{Symbol: "BTCUSDT", Side: "BUY", Type: "LIMIT", Quantity: decimal.RequireFromString("0.01"), Price: &price}
	require.NoError(t, ok.Validate())

	noPrice := ok
	noPrice.Price = nil
	require.Equal(t, errs.CodeInvalid, errs.CodeOf(noPrice.Validate()))

	market := noPrice
	market.Type = "MARKET"
	require.NoError(t, market.Validate())

	badSide := ok
	badSide.Side = "HOLD"
	require.Error(t, badSide.Validate())

	zeroQty := ok
	zeroQty.Quantity = decimal.Zero
	require.Error(t, zeroQty.Validate())
}
