package market

import (
	"math"
	"time"

	"github.com/domino14/eventex/pkg/lmsr"
)

// Order is an accepted trade. Everything but Payout is fixed when the order
// is created; Payout is nil until the market settles.
type Order struct {
	ID              string
	EventID         string
	Side            lmsr.Side
	Stake           float64
	Price           float64
	ExpectedCashout float64
	Payout          *float64
	CreatedAt       time.Time
}

// Paid reports whether a payout has been assigned.
func (o Order) Paid() bool {
	return o.Payout != nil
}

// Quote is a point-in-time snapshot. Size may be stale by the time the
// caller acts on it; Buy re-validates.
type Quote struct {
	PriceYes float64
	PriceNo  float64
	Size     float64
}

// Resolution is either Unresolved or Resolved.
type Resolution interface {
	isResolution()
}

type Unresolved struct{}

type Resolved struct {
	Outcome lmsr.Side
}

func (Unresolved) isResolution() {}
func (Resolved) isResolution() {}

type Payout struct {
	OrderID string
	Side    lmsr.Side
	Amount  float64
}

type SettlementResult struct {
	EventID      string
	Outcome      lmsr.Side
	TotalPayouts float64
	// ProfitLoss is deposits minus payouts; negative is an operator loss.
	ProfitLoss float64
	Payouts    []Payout
}

// Metrics summarizes a market's exposure under both outcomes.
type Metrics struct {
	EventID       string
	QYes          float64
	QNo           float64
	PriceYes      float64
	PriceNo       float64
	TotalDeposits float64
	LiabilityYes  float64
	LiabilityNo   float64
	PnLIfYes      float64
	PnLIfNo       float64
	StakedYes     float64
	StakedNo      float64
	OrdersYes     int
	OrdersNo      int
	WorstCaseLoss float64
	RemainingRisk float64
	Resolution    Resolution
}

// round2 rounds money and prices to cents. Only used where values are
// recorded, never between calculation steps.
func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
