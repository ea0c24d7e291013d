package schema

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/coachpo/tradefeed/errs"
)

// SnapshotQuality grades how complete a normalized snapshot is.
type SnapshotQuality string

const (
	// QualityHigh marks snapshots carrying both price and sentiment.
	QualityHigh SnapshotQuality = "high"
	// QualityMedium marks snapshots missing one of price or sentiment.
	QualityMedium SnapshotQuality = "medium"
)

// NormalizedSnapshot is one market reading produced by whichever pull source answered first.
// Optional readings are nil when the source does not provide them.
type NormalizedSnapshot struct {
	BTCPrice       *float64        `json:"btc_price,omitempty"`
	BTCChange24h   *float64        `json:"btc_change_24h,omitempty"`
	SentimentIndex *float64        `json:"sentiment_index,omitempty"`
	SentimentLabel string          `json:"sentiment_label,omitempty"`
	Volume24h      *float64        `json:"volume_24h,omitempty"`
	MarketCap      *float64        `json:"market_cap,omitempty"`
	BTCDominance   *float64        `json:"btc_dominance,omitempty"`
	SourceName     string          `json:"source_name"`
	Quality        SnapshotQuality `json:"quality"`
	CapturedAt     time.Time       `json:"captured_at"`
}

// Validate enforces the snapshot domain bounds: at least one of price or sentiment,
// 0 <= sentiment <= 100, price > 0. Present readings outside their bounds are rejected.
func (s NormalizedSnapshot) Validate() error {
	if s.BTCPrice == nil && s.SentimentIndex == nil {
		return errs.New("schema/snapshot", errs.CodeParse, errs.WithMessage("snapshot carries neither price nor sentiment"))
	}
	if s.BTCPrice != nil {
		if p := *s.BTCPrice; math.IsNaN(p) || math.IsInf(p, 0) || p <= 0 {
			return errs.New("schema/snapshot", errs.CodeParse, errs.WithMessage(fmt.Sprintf("btc price %v out of range", p)))
		}
	}
	if s.SentimentIndex != nil {
		if v := *s.SentimentIndex; math.IsNaN(v) || v < 0 || v > 100 {
			return errs.New("schema/snapshot", errs.CodeParse, errs.WithMessage(fmt.Sprintf("sentiment index %v out of range", v)))
		}
	}
	if s.BTCDominance != nil {
		if d := *s.BTCDominance; math.IsNaN(d) || d < 0 || d > 100 {
			return errs.New("schema/snapshot", errs.CodeParse, errs.WithMessage(fmt.Sprintf("btc dominance %v out of range", d)))
		}
	}
	if strings.TrimSpace(s.SourceName) == "" {
		return errs.New("schema/snapshot", errs.CodeInvalid, errs.WithMessage("source name required"))
	}
	return nil
}

// Sanitize clears optional readings that fall outside their bounds and returns their names.
// A snapshot keeps whatever valid readings remain; Validate decides whether enough are left.
func (s *NormalizedSnapshot) Sanitize() []string {
	var dropped []string
	if s.BTCPrice != nil {
		if p := *s.BTCPrice; math.IsNaN(p) || math.IsInf(p, 0) || p <= 0 {
			s.BTCPrice, s.BTCChange24h = nil, nil
			dropped = append(dropped, "btc_price")
		}
	}
	if s.SentimentIndex != nil {
		if v := *s.SentimentIndex; math.IsNaN(v) || v < 0 || v > 100 {
			s.SentimentIndex, s.SentimentLabel = nil, ""
			dropped = append(dropped, "sentiment_index")
		}
	}
	if s.BTCDominance != nil {
		if d := *s.BTCDominance; math.IsNaN(d) || d < 0 || d > 100 {
			s.BTCDominance = nil
			dropped = append(dropped, "btc_dominance")
		}
	}
	return dropped
}

// Grade assigns Quality from the readings present.
func (s *NormalizedSnapshot) Grade() {
	if s.BTCPrice != nil && s.SentimentIndex != nil {
		s.Quality = QualityHigh
		return
	}
	s.Quality = QualityMedium
}

// Float returns a pointer to v, for populating optional readings.
func Float(v float64) *float64 {
	return &v
}
