package marketapi

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/rs/zerolog/log"

	"github.com/domino14/eventex/pkg/lmsr"
	"github.com/domino14/eventex/pkg/market"
)

// Store is everything MarketService needs from persistence.
type Store interface {
	market.Recorder
	CreateEvent(ctx context.Context, tag, name string, maturity time.Time, riskCap float64) (string, error)
	GetEvent(ctx context.Context, idOrTag string) (*Event, error)
	GetOpenEvents(ctx context.Context) ([]*Event, error)
	GetOrders(ctx context.Context, eventID string) ([]market.Order, error)
	LoadMarketState(ctx context.Context, eventID string) (market.Params, error)
}

// NewEvent is a request to open a market on a new event.
type NewEvent struct {
	Tag      string
	Name     string
	Maturity time.Time
	RiskCap  float64
}

type ServiceConfig struct {
	// MinRiskCap is also the risk cap used when a request leaves it at zero.
	MinRiskCap  float64
	MinMaturity time.Duration
}

// MarketService keeps one live Market per open event and routes calls to
// it by event ID or tag. Markets are independent; the service lock only
// guards the registry.
type MarketService struct {
	store Store
	cfg   ServiceConfig
	now   func() time.Time

	mu      sync.RWMutex
	markets map[string]*market.Market
}

func NewMarketService(store Store, cfg ServiceConfig) *MarketService {
	return &MarketService{
		store:   store,
		cfg:     cfg,
		now:     time.Now,
		markets: map[string]*market.Market{},
	}
}

// Resume rebuilds a market for every open event in the store and returns
// how many it loaded.
func (m *MarketService) Resume(ctx context.Context) (int, error) {
	events, err := m.store.GetOpenEvents(ctx)
	if err != nil {
		return 0, err
	}
	for _, e := range events {
		params, err := m.store.LoadMarketState(ctx, e.ID)
		if err != nil {
			return 0, fmt.Errorf("load %s: %w", e.ID, err)
		}
		mkt, err := market.New(params, m.store)
		if err != nil {
			return 0, fmt.Errorf("resume %s: %w", e.ID, err)
		}
		m.mu.Lock()
		m.markets[e.ID] = mkt
		m.mu.Unlock()
	}
	log.Info().Int("markets", len(events)).Msg("resumed-markets")
	return len(events), nil
}

func (m *MarketService) validate(ev *NewEvent) error {
	if ev.RiskCap == 0 {
		ev.RiskCap = m.cfg.MinRiskCap
	}
	switch {
	case strings.TrimSpace(ev.Name) == "":
		return fmt.Errorf("%w: event name is empty", market.ErrInvalidParameter)
	case !isAlphanumeric(ev.Tag):
		return fmt.Errorf("%w: tag %q must be alphanumeric", market.ErrInvalidParameter, ev.Tag)
	case ev.Maturity.Before(m.now().Add(m.cfg.MinMaturity)):
		return fmt.Errorf("%w: maturity must be at least %v away", market.ErrInvalidParameter, m.cfg.MinMaturity)
	case !(ev.RiskCap > 0) || ev.RiskCap < m.cfg.MinRiskCap || math.IsInf(ev.RiskCap, 1):
		return fmt.Errorf("%w: risk cap must be at least %v", market.ErrInvalidParameter, m.cfg.MinRiskCap)
	}
	return nil
}

func isAlphanumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// CreateMarket stores a new event and opens its market.
func (m *MarketService) CreateMarket(ctx context.Context, ev NewEvent) (*market.Market, error) {
	if err := m.validate(&ev); err != nil {
		return nil, err
	}
	id, err := m.store.CreateEvent(ctx, ev.Tag, ev.Name, ev.Maturity, ev.RiskCap)
	if err != nil {
		return nil, fmt.Errorf("%w: create event: %w", market.ErrPersistence, err)
	}
	mkt, err := market.New(market.Params{EventID: id, RiskCap: ev.RiskCap}, m.store)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.markets[id] = mkt
	m.mu.Unlock()
	return mkt, nil
}

// Market returns the live market for an event ID or tag.
func (m *MarketService) Market(ctx context.Context, idOrTag string) (*market.Market, error) {
	m.mu.RLock()
	mkt, ok := m.markets[idOrTag]
	m.mu.RUnlock()
	if ok {
		return mkt, nil
	}
	e, err := m.store.GetEvent(ctx, idOrTag)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	mkt, ok = m.markets[e.ID]
	m.mu.RUnlock()
	if !ok {
		// Resolved events are not kept live.
		if e.Resolved() {
			return nil, fmt.Errorf("%w: %s", market.ErrAlreadyResolved, idOrTag)
		}
		return nil, fmt.Errorf("%w: %s is not open", market.ErrMarketNotFound, idOrTag)
	}
	return mkt, nil
}

func (m *MarketService) Quote(ctx context.Context, idOrTag string) (market.Quote, error) {
	mkt, err := m.Market(ctx, idOrTag)
	if err != nil {
		return market.Quote{}, err
	}
	return mkt.Quote(), nil
}

// MaxStake returns the largest stake the market accepts on side right now.
func (m *MarketService) MaxStake(ctx context.Context, idOrTag string, side lmsr.Side) (float64, error) {
	mkt, err := m.Market(ctx, idOrTag)
	if err != nil {
		return 0, err
	}
	return mkt.MaxStake(side), nil
}

func (m *MarketService) Buy(ctx context.Context, idOrTag string, side lmsr.Side, stake float64) (market.Order, error) {
	mkt, err := m.Market(ctx, idOrTag)
	if err != nil {
		return market.Order{}, err
	}
	order, err := mkt.Buy(ctx, side, stake)
	if err != nil {
		log.Err(err).Str("eventID", mkt.EventID()).Str("side", side.String()).Float64("stake", stake).Msg("buy-failed")
	}
	return order, err
}

// Settle resolves an event. The settled market is dropped from the live
// set unless persisting the settlement failed, in which case it stays so
// the operator can inspect it.
func (m *MarketService) Settle(ctx context.Context, idOrTag string, outcome lmsr.Side) (market.SettlementResult, error) {
	mkt, err := m.Market(ctx, idOrTag)
	if err != nil {
		return market.SettlementResult{}, err
	}
	res, err := mkt.Settle(ctx, outcome)
	if err != nil {
		return res, err
	}
	m.mu.Lock()
	delete(m.markets, mkt.EventID())
	m.mu.Unlock()
	return res, nil
}

// Orders reads an event's orders from the store, so it also works for
// resolved events.
func (m *MarketService) Orders(ctx context.Context, idOrTag string) (*Event, []market.Order, error) {
	e, err := m.store.GetEvent(ctx, idOrTag)
	if err != nil {
		return nil, nil, err
	}
	orders, err := m.store.GetOrders(ctx, e.ID)
	if err != nil {
		return nil, nil, err
	}
	return e, orders, nil
}

func (m *MarketService) Events(ctx context.Context) ([]*Event, error) {
	return m.store.GetOpenEvents(ctx)
}

func (m *MarketService) Metrics(ctx context.Context, idOrTag string) (market.Metrics, error) {
	mkt, err := m.Market(ctx, idOrTag)
	if err != nil {
		return market.Metrics{}, err
	}
	return mkt.Metrics(), nil
}

// AllMetrics returns metrics for every live market.
func (m *MarketService) AllMetrics() []market.Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]market.Metrics, 0, len(m.markets))
	for _, mkt := range m.markets {
		out = append(out, mkt.Metrics())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventID < out[j].EventID })
	return out
}
