package market

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/matryer/is"

	"github.com/domino14/eventex/pkg/lmsr"
)

const Epsilon = 1e-6

func withinEpsilon(a, b float64) bool {
	return math.Abs(a-b) < Epsilon
}

type recorded struct {
	orders      []Order
	quantities  [][3]float64
	settlements []SettlementResult
	payouts     map[string]float64
}

// memRecorder keeps every recorder call in memory. failOn names a method
// that should return an error instead.
type memRecorder struct {
	mu     sync.Mutex
	got    recorded
	failOn string
}

var errDiskFull = errors.New("disk full")

func newMemRecorder() *memRecorder {
	return &memRecorder{got: recorded{payouts: map[string]float64{}}}
}

func (r *memRecorder) RecordOrder(ctx context.Context, order Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failOn == "RecordOrder" {
		return errDiskFull
	}
	r.got.orders = append(r.got.orders, order)
	return nil
}

func (r *memRecorder) RecordQuantities(ctx context.Context, eventID string, qYes, qNo, totalDeposits float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failOn == "RecordQuantities" {
		return errDiskFull
	}
	r.got.quantities = append(r.got.quantities, [3]float64{qYes, qNo, totalDeposits})
	return nil
}

func (r *memRecorder) RecordSettlement(ctx context.Context, eventID string, outcome lmsr.Side, totalPayouts, profitLoss float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failOn == "RecordSettlement" {
		return errDiskFull
	}
	r.got.settlements = append(r.got.settlements, SettlementResult{
		EventID: eventID, Outcome: outcome, TotalPayouts: totalPayouts, ProfitLoss: profitLoss})
	return nil
}

func (r *memRecorder) RecordPayout(ctx context.Context, orderID string, payout float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failOn == "RecordPayout" {
		return errDiskFull
	}
	r.got.payouts[orderID] = payout
	return nil
}

func newMarket(t *testing.T, riskCap float64, rec Recorder) *Market {
	m, err := New(Params{EventID: "ev1", RiskCap: riskCap}, rec)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

// used returns C(q) - C(0,0) for the market's current quantities.
func used(m *Market) float64 {
	s := m.Snapshot()
	return m.engine.Cost(s.QYes, s.QNo) - m.engine.Cost(0, 0)
}

func TestNewRejectsBadParameters(t *testing.T) {
	is := is.New(t)
	for _, p := range []Params{
		{RiskCap: 0},
		{RiskCap: -10},
		{RiskCap: math.NaN()},
		{RiskCap: 100, QYes: -1},
		{RiskCap: 100, TotalDeposits: -5},
		{RiskCap: 100, Resolution: Resolved{}},
	} {
		_, err := New(p, nil)
		is.True(errors.Is(err, ErrInvalidParameter))
	}
}

func TestLiquidityIsFixedFromRiskCap(t *testing.T) {
	is := is.New(t)
	m := newMarket(t, 10000, nil)
	is.True(withinEpsilon(m.Liquidity(), 10000/math.Ln2))
	is.Equal(m.Resolution(), Unresolved{})
}

func TestQuoteNewMarket(t *testing.T) {
	is := is.New(t)
	m := newMarket(t, 10000, nil)
	q := m.Quote()
	is.Equal(q.PriceYes, 0.5)
	is.Equal(q.PriceNo, 0.5)
	is.True(q.Size > 0 && q.Size < 10000)
	// b * 0.5 * (e^(10000/b) - 1) with e^(10000/b) == 2
	is.True(withinEpsilon(q.Size, 7213.475204444817))
}

func TestBuyScenario(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	rec := newMemRecorder()
	m := newMarket(t, 10000, rec)
	b := m.Liquidity()

	order, err := m.Buy(ctx, lmsr.Yes, 37)
	is.NoErr(err)
	s := m.Snapshot()
	is.True(withinEpsilon(s.QYes, b*math.Log1p(math.Expm1(37/b)/0.5)))
	// Each buy uses exactly its stake of the risk cap.
	is.True(withinEpsilon(used(m), 37))
	is.Equal(s.QNo, 0.0)
	is.Equal(s.TotalDeposits, 37.0)

	pYes, _ := m.Price()
	is.True(pYes > 0.5)
	is.Equal(order.Side, lmsr.Yes)
	is.Equal(order.EventID, "ev1")
	is.Equal(order.Stake, 37.0)
	is.Equal(order.Price, 0.5)
	is.Equal(order.ExpectedCashout, 73.81)
	is.True(order.Payout == nil)
	is.True(order.ID != "")

	is.True(m.MaxStake(lmsr.No) > 1010)
	order2, err := m.Buy(ctx, lmsr.No, 1010)
	is.NoErr(err)
	is.Equal(order2.Side, lmsr.No)
	is.True(order2.Price > 0.5)

	is.Equal(len(rec.got.orders), 2)
	is.Equal(rec.got.orders[0].ID, order.ID)
	is.Equal(len(rec.got.quantities), 2)
	last := m.Snapshot()
	is.Equal(rec.got.quantities[1], [3]float64{last.QYes, last.QNo, 1047})
	is.True(withinEpsilon(used(m), 1047))
}

func TestBuyRejectsBadStake(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	m := newMarket(t, 100, nil)
	for _, stake := range []float64{0, -3, math.NaN(), math.Inf(1)} {
		_, err := m.Buy(ctx, lmsr.Yes, stake)
		is.True(errors.Is(err, ErrInvalidParameter))
	}
	_, err := m.Buy(ctx, lmsr.Side(0), 5)
	is.True(errors.Is(err, ErrInvalidParameter))

	s := m.Snapshot()
	is.Equal(s.QYes, 0.0)
	is.Equal(s.TotalDeposits, 0.0)
	is.Equal(len(s.Orders), 0)
}

func TestBuyStakeExceedsCapacity(t *testing.T) {
	is := is.New(t)
	m := newMarket(t, 100, nil)
	is.True(withinEpsilon(m.MaxStake(lmsr.Yes), 72.13475204444818))

	_, err := m.Buy(context.Background(), lmsr.Yes, 80)
	is.True(errors.Is(err, ErrStakeExceedsCapacity))
	s := m.Snapshot()
	is.Equal(s.QYes, 0.0)
	is.Equal(s.TotalDeposits, 0.0)
}

func TestBuyRiskCapExhausted(t *testing.T) {
	is := is.New(t)
	b := 100 / math.Ln2
	// C(b*ln3, 0) - C(0, 0) = b*ln4 - b*ln2 = 100: the whole cap is used.
	m, err := New(Params{EventID: "full", RiskCap: 100, QYes: b*math.Log(3) + 1, TotalDeposits: 100}, nil)
	is.NoErr(err)

	is.Equal(m.Quote().Size, 0.0)
	_, err = m.Buy(context.Background(), lmsr.No, 0.01)
	is.True(errors.Is(err, ErrRiskCapExhausted))
	_, err = m.Buy(context.Background(), lmsr.Yes, 0.01)
	is.True(errors.Is(err, ErrRiskCapExhausted))
}

func TestMaxStakeNeverExceedsRemainingRisk(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	m := newMarket(t, 100, nil)
	for i := 0; i < 10; i++ {
		stake := m.MaxStake(lmsr.Yes)
		if stake <= 0 {
			break
		}
		_, err := m.Buy(ctx, lmsr.Yes, stake)
		is.NoErr(err)
		is.True(used(m) <= 100+1e-9)
	}
	is.True(m.MaxStake(lmsr.Yes) <= 100-used(m)+1e-9)
}

func TestQuoteSizeIsValidForEitherSide(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	m := newMarket(t, 1000, nil)
	_, err := m.Buy(ctx, lmsr.No, 300)
	is.NoErr(err)

	q := m.Quote()
	is.True(q.Size <= m.MaxStake(lmsr.Yes))
	is.True(q.Size <= m.MaxStake(lmsr.No))
	is.True(withinEpsilon(q.PriceYes+q.PriceNo, 1))
}

func TestConcurrentBuys(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	rec := newMemRecorder()
	m := newMarket(t, 10000, rec)
	var wg sync.WaitGroup

	// Buy simultaneously from 50 goroutines. The market's lock must keep
	// every check-then-mutate step atomic.
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			side := lmsr.Yes
			if i%2 == 1 {
				side = lmsr.No
			}
			_, err := m.Buy(ctx, side, 1)
			is.NoErr(err)
		}(i)
	}
	wg.Wait()

	s := m.Snapshot()
	is.Equal(len(s.Orders), 50)
	is.True(withinEpsilon(s.TotalDeposits, 50))
	is.True(withinEpsilon(used(m), 50))
	is.Equal(len(rec.got.orders), 50)
	is.True(withinEpsilon(rec.got.quantities[49][2], 50))
}

func TestConcurrentBuysRespectCap(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	m := newMarket(t, 10, nil)
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Buy(ctx, lmsr.Yes, 1)
			if err != nil && !errors.Is(err, ErrStakeExceedsCapacity) && !errors.Is(err, ErrRiskCapExhausted) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	is.True(used(m) <= 10+1e-9)
}

func TestSettle(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	rec := newMemRecorder()
	m := newMarket(t, 10000, rec)

	y1, err := m.Buy(ctx, lmsr.Yes, 37)
	is.NoErr(err)
	n1, err := m.Buy(ctx, lmsr.No, 1010)
	is.NoErr(err)
	y2, err := m.Buy(ctx, lmsr.Yes, 200)
	is.NoErr(err)

	res, err := m.Settle(ctx, lmsr.Yes)
	is.NoErr(err)
	is.Equal(res.Outcome, lmsr.Yes)
	is.Equal(len(res.Payouts), 3)
	wantPaid := y1.ExpectedCashout + y2.ExpectedCashout
	is.True(withinEpsilon(res.TotalPayouts, wantPaid))
	is.True(withinEpsilon(res.ProfitLoss, 1247-wantPaid))
	is.Equal(m.Resolution(), Resolved{Outcome: lmsr.Yes})

	for _, o := range m.Orders() {
		is.True(o.Paid())
		if o.Side == lmsr.Yes {
			is.Equal(*o.Payout, o.ExpectedCashout)
		} else {
			is.Equal(*o.Payout, 0.0)
		}
	}
	is.Equal(rec.got.payouts[n1.ID], 0.0)
	is.Equal(rec.got.payouts[y2.ID], y2.ExpectedCashout)
	is.Equal(len(rec.got.settlements), 1)
	is.True(withinEpsilon(rec.got.settlements[0].ProfitLoss, res.ProfitLoss))
}

func TestSettleTwice(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	rec := newMemRecorder()
	m := newMarket(t, 100, rec)
	_, err := m.Buy(ctx, lmsr.No, 10)
	is.NoErr(err)

	first, err := m.Settle(ctx, lmsr.No)
	is.NoErr(err)
	_, err = m.Settle(ctx, lmsr.Yes)
	is.True(errors.Is(err, ErrAlreadyResolved))

	is.Equal(m.Resolution(), Resolved{Outcome: lmsr.No})
	is.Equal(len(rec.got.settlements), 1)
	o := m.Orders()[0]
	is.Equal(*o.Payout, first.Payouts[0].Amount)
	is.Equal(*o.Payout, o.ExpectedCashout)
}

func TestSettledMarketIsFrozen(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	m := newMarket(t, 100, nil)
	_, err := m.Settle(ctx, lmsr.Yes)
	is.NoErr(err)

	_, err = m.Buy(ctx, lmsr.Yes, 1)
	is.True(errors.Is(err, ErrAlreadyResolved))
	is.Equal(m.Quote().Size, 0.0)
}

func TestSettleSkipsOrdersAlreadyPaid(t *testing.T) {
	is := is.New(t)
	paid := 4.0
	m, err := New(Params{
		EventID: "ev2", RiskCap: 100, QYes: 10, TotalDeposits: 8,
		Orders: []Order{
			{ID: "a", Side: lmsr.Yes, Stake: 4, Price: 0.51, ExpectedCashout: 7.84, Payout: &paid},
			{ID: "b", Side: lmsr.Yes, Stake: 4, Price: 0.52, ExpectedCashout: 7.69},
		},
	}, nil)
	is.NoErr(err)
	paid = 99 // the market keeps its own copy

	res, err := m.Settle(context.Background(), lmsr.Yes)
	is.NoErr(err)
	is.Equal(len(res.Payouts), 1)
	is.Equal(res.Payouts[0].OrderID, "b")
	is.True(withinEpsilon(res.TotalPayouts, 4+7.69))
	is.True(withinEpsilon(res.ProfitLoss, 8-11.69))
}

func TestBuyPersistenceFailure(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	rec := newMemRecorder()
	rec.failOn = "RecordQuantities"
	m := newMarket(t, 100, rec)

	order, err := m.Buy(ctx, lmsr.Yes, 10)
	is.True(errors.Is(err, ErrPersistence))
	is.True(errors.Is(err, errDiskFull))

	// The trade happened; the caller has to reconcile the store, the market
	// does not roll back.
	is.Equal(order.Stake, 10.0)
	s := m.Snapshot()
	is.Equal(s.TotalDeposits, 10.0)
	is.True(s.QYes > 0)
	is.Equal(len(s.Orders), 1)
	is.Equal(len(rec.got.orders), 1)
}

func TestSettlePersistenceFailure(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	rec := newMemRecorder()
	m := newMarket(t, 100, rec)
	_, err := m.Buy(ctx, lmsr.Yes, 10)
	is.NoErr(err)

	rec.failOn = "RecordPayout"
	res, err := m.Settle(ctx, lmsr.Yes)
	is.True(errors.Is(err, ErrPersistence))
	is.Equal(len(res.Payouts), 1)
	// Resolution stands; settling again is still rejected.
	_, err = m.Settle(ctx, lmsr.Yes)
	is.True(errors.Is(err, ErrAlreadyResolved))
}

func TestMetrics(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	m := newMarket(t, 10000, nil)
	y, _ := m.Buy(ctx, lmsr.Yes, 37)
	n, _ := m.Buy(ctx, lmsr.No, 1010)

	mt := m.Metrics()
	is.Equal(mt.OrdersYes, 1)
	is.Equal(mt.OrdersNo, 1)
	is.Equal(mt.StakedYes, 37.0)
	is.Equal(mt.StakedNo, 1010.0)
	is.Equal(mt.LiabilityYes, y.ExpectedCashout)
	is.Equal(mt.LiabilityNo, n.ExpectedCashout)
	is.True(withinEpsilon(mt.PnLIfYes, 1047-y.ExpectedCashout))
	is.True(withinEpsilon(mt.PnLIfNo, 1047-n.ExpectedCashout))
	is.True(withinEpsilon(mt.WorstCaseLoss, 10000))
	is.True(withinEpsilon(mt.RemainingRisk, 10000-1047))
	is.True(withinEpsilon(mt.PriceYes+mt.PriceNo, 1))
}
