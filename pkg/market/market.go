// Package market runs one binary event contract on top of the LMSR cost
// engine. A Market owns the live share quantities for its event, enforces
// the operator's risk cap on every trade and settles payouts once the event
// resolves.
package market

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/lithammer/shortuuid"
	"github.com/rs/zerolog/log"

	"github.com/domino14/eventex/pkg/lmsr"
)

// Recorder persists what a Market does. Calls for one market are made in
// order, while the market's lock is held.
type Recorder interface {
	RecordOrder(ctx context.Context, order Order) error
	RecordQuantities(ctx context.Context, eventID string, qYes, qNo, totalDeposits float64) error
	RecordSettlement(ctx context.Context, eventID string, outcome lmsr.Side, totalPayouts, profitLoss float64) error
	RecordPayout(ctx context.Context, orderID string, payout float64) error
}

// Params creates a new market (zero quantities) or resumes a stored one.
type Params struct {
	EventID       string
	RiskCap       float64
	QYes          float64
	QNo           float64
	TotalDeposits float64
	Orders        []Order
	Resolution    Resolution
}

type Market struct {
	mu sync.Mutex

	eventID string
	riskCap float64
	engine  *lmsr.Engine
	rec     Recorder
	now     func() time.Time

	qYes          float64
	qNo           float64
	totalDeposits float64
	orders        []Order
	resolution    Resolution
}

// New validates p and builds a market. rec may be nil, in which case
// nothing is persisted.
func New(p Params, rec Recorder) (*Market, error) {
	engine, err := lmsr.New(p.RiskCap)
	if err != nil {
		return nil, fmt.Errorf("%w: risk cap %v: %v", ErrInvalidParameter, p.RiskCap, err)
	}
	if !nonNegative(p.QYes) || !nonNegative(p.QNo) || !nonNegative(p.TotalDeposits) {
		return nil, fmt.Errorf("%w: quantities and deposits must be non-negative", ErrInvalidParameter)
	}
	resolution := p.Resolution
	if resolution == nil {
		resolution = Unresolved{}
	}
	if r, ok := resolution.(Resolved); ok && !r.Outcome.Valid() {
		return nil, fmt.Errorf("%w: outcome %v", ErrInvalidParameter, r.Outcome)
	}
	return &Market{
		eventID:       p.EventID,
		riskCap:       p.RiskCap,
		engine:        engine,
		rec:           rec,
		now:           time.Now,
		qYes:          p.QYes,
		qNo:           p.QNo,
		totalDeposits: p.TotalDeposits,
		orders:        copyOrders(p.Orders),
		resolution:    resolution,
	}, nil
}

func nonNegative(v float64) bool {
	return v >= 0 && !math.IsInf(v, 1)
}

func (m *Market) EventID() string {
	return m.eventID
}

// RiskCap is informational once the market exists; the liquidity parameter
// was fixed from it at creation.
func (m *Market) RiskCap() float64 {
	return m.riskCap
}

func (m *Market) Liquidity() float64 {
	return m.engine.Liquidity()
}

// Price returns the current YES and NO prices.
func (m *Market) Price() (float64, float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.engine.Price(m.qYes, m.qNo)
}

// MaxStake returns the largest stake on side that fits the remaining risk.
func (m *Market) MaxStake(side lmsr.Side) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxStake(side)
}

// Quote returns both prices and a size that is valid for either side.
func (m *Market) Quote() Quote {
	m.mu.Lock()
	defer m.mu.Unlock()
	pYes, pNo := m.engine.Price(m.qYes, m.qNo)
	return Quote{
		PriceYes: pYes,
		PriceNo:  pNo,
		Size:     math.Min(m.maxStake(lmsr.Yes), m.maxStake(lmsr.No)),
	}
}

// remainingRisk is how much more worst-case loss the market may take on:
// riskCap - (C(q) - C(0,0)).
func (m *Market) remainingRisk() float64 {
	used := m.engine.Cost(m.qYes, m.qNo) - m.engine.Cost(0, 0)
	return m.riskCap - used
}

// maxStake spends the remaining risk on an equal expansion of both sides,
// then prices that share delta on one side. A single-side stake consumes
// cost one-for-one, so the result never exceeds the remaining risk.
func (m *Market) maxStake(side lmsr.Side) float64 {
	if _, ok := m.resolution.(Resolved); ok {
		return 0
	}
	remaining := m.remainingRisk()
	if remaining <= 0 {
		return 0
	}
	delta := m.engine.SymmetricDelta(remaining, m.qYes, m.qNo)
	p := m.engine.SidePrice(side, m.qYes, m.qNo)
	return math.Min(m.engine.CapacityStake(p, delta), remaining)
}

// Buy spends stake on side. Orders fill completely or not at all. If the
// recorder fails, the order is still returned along with an error wrapping
// ErrPersistence: the trade has happened and must be reconciled.
func (m *Market) Buy(ctx context.Context, side lmsr.Side, stake float64) (Order, error) {
	if !side.Valid() {
		return Order{}, fmt.Errorf("%w: side %v", ErrInvalidParameter, side)
	}
	if !(stake > 0) || math.IsInf(stake, 1) {
		return Order{}, fmt.Errorf("%w: stake %v must be positive", ErrInvalidParameter, stake)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.resolution.(Resolved); ok {
		return Order{}, ErrAlreadyResolved
	}
	if m.remainingRisk() <= 0 {
		log.Debug().Str("eventID", m.eventID).Float64("stake", stake).Msg("buy-rejected-capacity")
		return Order{}, ErrRiskCapExhausted
	}
	if limit := m.maxStake(side); stake > limit {
		log.Debug().Str("eventID", m.eventID).Float64("stake", stake).
			Float64("maxStake", limit).Msg("buy-rejected-size")
		return Order{}, fmt.Errorf("%w: stake %.2f, max %.2f", ErrStakeExceedsCapacity, stake, limit)
	}

	delta := m.engine.SolveDelta(side, stake, m.qYes, m.qNo)
	if side == lmsr.Yes {
		m.qYes += delta
	} else {
		m.qNo += delta
	}
	m.totalDeposits += stake

	// The order books the post-trade marginal price.
	pAfter := m.engine.SidePrice(side, m.qYes, m.qNo)
	order := Order{
		ID:              shortuuid.New(),
		EventID:         m.eventID,
		Side:            side,
		Stake:           stake,
		Price:           round2(pAfter),
		ExpectedCashout: round2(stake / pAfter),
		CreatedAt:       m.now(),
	}
	m.orders = append(m.orders, order)

	log.Debug().Str("eventID", m.eventID).Str("side", side.String()).Float64("stake", stake).
		Float64("delta", delta).Float64("price", pAfter).Msg("buy-accepted")

	if m.rec != nil {
		if err := m.rec.RecordOrder(ctx, order); err != nil {
			return order, fmt.Errorf("%w: record order %s: %w", ErrPersistence, order.ID, err)
		}
		if err := m.rec.RecordQuantities(ctx, m.eventID, m.qYes, m.qNo, m.totalDeposits); err != nil {
			return order, fmt.Errorf("%w: record quantities: %w", ErrPersistence, err)
		}
	}
	return order, nil
}

// Settle resolves the market. Each order without a payout is paid its
// expected cashout if it backed the outcome and nothing otherwise. A market
// settles once; later calls return ErrAlreadyResolved and change nothing.
func (m *Market) Settle(ctx context.Context, outcome lmsr.Side) (SettlementResult, error) {
	if !outcome.Valid() {
		return SettlementResult{}, fmt.Errorf("%w: outcome %v", ErrInvalidParameter, outcome)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.resolution.(Resolved); ok {
		return SettlementResult{}, ErrAlreadyResolved
	}
	m.resolution = Resolved{Outcome: outcome}

	res := SettlementResult{EventID: m.eventID, Outcome: outcome}
	for i := range m.orders {
		o := &m.orders[i]
		if o.Payout == nil {
			amount := 0.0
			if o.Side == outcome {
				amount = o.ExpectedCashout
			}
			o.Payout = &amount
			res.Payouts = append(res.Payouts, Payout{OrderID: o.ID, Side: o.Side, Amount: amount})
		}
		res.TotalPayouts += *o.Payout
	}
	res.ProfitLoss = m.totalDeposits - res.TotalPayouts

	log.Debug().Str("eventID", m.eventID).Str("outcome", outcome.String()).
		Float64("totalPayouts", res.TotalPayouts).Float64("profitLoss", res.ProfitLoss).Msg("settled")

	if m.rec != nil {
		if err := m.rec.RecordSettlement(ctx, m.eventID, outcome, res.TotalPayouts, res.ProfitLoss); err != nil {
			return res, fmt.Errorf("%w: record settlement: %w", ErrPersistence, err)
		}
		for _, p := range res.Payouts {
			if err := m.rec.RecordPayout(ctx, p.OrderID, p.Amount); err != nil {
				return res, fmt.Errorf("%w: record payout %s: %w", ErrPersistence, p.OrderID, err)
			}
		}
	}
	return res, nil
}

// Resolution returns Unresolved{} or Resolved{Outcome}.
func (m *Market) Resolution() Resolution {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resolution
}

// Orders returns a copy of the market's orders, oldest first.
func (m *Market) Orders() []Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyOrders(m.orders)
}

// Snapshot returns the market's state in the form New accepts.
func (m *Market) Snapshot() Params {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Params{
		EventID:       m.eventID,
		RiskCap:       m.riskCap,
		QYes:          m.qYes,
		QNo:           m.qNo,
		TotalDeposits: m.totalDeposits,
		Orders:        copyOrders(m.orders),
		Resolution:    m.resolution,
	}
}

func (m *Market) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	pYes, pNo := m.engine.Price(m.qYes, m.qNo)
	mt := Metrics{
		EventID:       m.eventID,
		QYes:          m.qYes,
		QNo:           m.qNo,
		PriceYes:      pYes,
		PriceNo:       pNo,
		TotalDeposits: m.totalDeposits,
		WorstCaseLoss: m.engine.WorstCaseLoss(),
		RemainingRisk: math.Max(m.remainingRisk(), 0),
		Resolution:    m.resolution,
	}
	for _, o := range m.orders {
		if o.Side == lmsr.Yes {
			mt.OrdersYes++
			mt.StakedYes += o.Stake
			mt.LiabilityYes += o.ExpectedCashout
		} else {
			mt.OrdersNo++
			mt.StakedNo += o.Stake
			mt.LiabilityNo += o.ExpectedCashout
		}
	}
	mt.PnLIfYes = m.totalDeposits - mt.LiabilityYes
	mt.PnLIfNo = m.totalDeposits - mt.LiabilityNo
	return mt
}

func copyOrders(orders []Order) []Order {
	if orders == nil {
		return nil
	}
	out := make([]Order, len(orders))
	for i, o := range orders {
		if o.Payout != nil {
			p := *o.Payout
			o.Payout = &p
		}
		out[i] = o
	}
	return out
}
