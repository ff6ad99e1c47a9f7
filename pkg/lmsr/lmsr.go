// package lmsr implements a two-outcome Logarithmic Market Scoring Rule

package lmsr

import (
	"errors"
	"math"
)

// bisectIterations bounds every expand-then-bisect search. 100 halvings of
// any float64 interval reach the representable resolution.
const bisectIterations = 100

var ErrBadLiquidity = errors.New("liquidity parameter must be positive and finite")

// Engine prices a binary market with liquidity constant b. It holds no
// quantities; callers pass the outstanding shares of each side.
type Engine struct {
	b float64
}

// New derives the liquidity constant from the most the operator is willing
// to lose on the market: b = riskCap / ln(2).
func New(riskCap float64) (*Engine, error) {
	if !(riskCap > 0) || math.IsInf(riskCap, 1) {
		return nil, ErrBadLiquidity
	}
	return &Engine{b: riskCap / math.Ln2}, nil
}

func NewWithLiquidity(b float64) (*Engine, error) {
	if !(b > 0) || math.IsInf(b, 1) {
		return nil, ErrBadLiquidity
	}
	return &Engine{b: b}, nil
}

// Liquidity returns b.
func (e *Engine) Liquidity() float64 {
	return e.b
}

// WorstCaseLoss is the subsidy the market maker can lose, b*ln(2).
func (e *Engine) WorstCaseLoss() float64 {
	return e.b * math.Ln2
}

// Cost evaluates C(qY, qN) = b*ln(e^(qY/b) + e^(qN/b)). The larger quantity
// is factored out before exponentiating so the sum never overflows.
func (e *Engine) Cost(qYes, qNo float64) float64 {
	m := math.Max(qYes, qNo)
	return m + e.b*math.Log(math.Exp((qYes-m)/e.b)+math.Exp((qNo-m)/e.b))
}

// Price returns the instantaneous price of each side. The two prices always
// sum to one.
func (e *Engine) Price(qYes, qNo float64) (float64, float64) {
	m := math.Max(qYes, qNo)
	expYes := math.Exp((qYes - m) / e.b)
	expNo := math.Exp((qNo - m) / e.b)
	pYes := expYes / (expYes + expNo)
	return pYes, 1 - pYes
}

// SidePrice returns the price of one side.
func (e *Engine) SidePrice(side Side, qYes, qNo float64) float64 {
	pYes, pNo := e.Price(qYes, qNo)
	if side == Yes {
		return pYes
	}
	return pNo
}

// TradeCost calculates the price of buying `shares` shares of one side,
// C(q after) - C(q before).
func (e *Engine) TradeCost(side Side, shares, qYes, qNo float64) float64 {
	before := e.Cost(qYes, qNo)
	if side == Yes {
		qYes += shares
	} else {
		qNo += shares
	}
	return e.Cost(qYes, qNo) - before
}

// SolveDelta returns the number of shares of `side` that `money` buys at the
// current quantities. Buying delta shares of a side priced at p costs
// b*ln(1 + p*(e^(delta/b) - 1)), so the exact inverse is
// delta = b*ln(1 + (e^(money/b) - 1)/p).
func (e *Engine) SolveDelta(side Side, money, qYes, qNo float64) float64 {
	if money <= 0 {
		return 0
	}
	p := e.SidePrice(side, qYes, qNo)
	return e.b * math.Log1p(math.Expm1(money/e.b)/p)
}

// SolveDeltaBisect finds the same delta as SolveDelta numerically. It is
// only used to cross-check the closed form.
func (e *Engine) SolveDeltaBisect(side Side, money, qYes, qNo float64) float64 {
	if money <= 0 {
		return 0
	}
	return expandBisect(func(x float64) float64 {
		return e.TradeCost(side, x, qYes, qNo)
	}, money)
}

// SymmetricDelta finds the delta such that adding delta shares to both
// sides costs `money`.
func (e *Engine) SymmetricDelta(money, qYes, qNo float64) float64 {
	if money <= 0 {
		return 0
	}
	before := e.Cost(qYes, qNo)
	return expandBisect(func(x float64) float64 {
		return e.Cost(qYes+x, qNo+x) - before
	}, money)
}

// StakeForDelta is what delta shares of a side priced at p cost,
// b*ln(1 + p*(e^(delta/b) - 1)). It inverts SolveDelta.
func (e *Engine) StakeForDelta(p, delta float64) float64 {
	return e.b * math.Log1p(p*math.Expm1(delta/e.b))
}

// CapacityStake turns a two-sided share delta into the stake a single side
// may place, b*p*(e^(delta/b) - 1). It is the size quoted by a market, not
// the cost of the shares.
func (e *Engine) CapacityStake(p, delta float64) float64 {
	return e.b * p * math.Expm1(delta/e.b)
}

// expandBisect finds x >= 0 with f(x) == target for a non-decreasing f with
// f(0) == 0. The upper bound doubles until it brackets the target.
func expandBisect(f func(float64) float64, target float64) float64 {
	low, high := 0.0, 1.0
	for f(high) < target {
		low = high
		high *= 2
		if math.IsInf(high, 1) {
			return math.Inf(1)
		}
	}
	for i := 0; i < bisectIterations; i++ {
		mid := (low + high) / 2
		if mid <= low || mid >= high {
			break
		}
		if f(mid) < target {
			low = mid
		} else {
			high = mid
		}
		if (high-low) <= 1e-12*high {
			break
		}
	}
	return (low + high) / 2
}
