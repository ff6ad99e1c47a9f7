package market

import "errors"

// Sentinel errors returned by Market and the services built on it. Match
// them with errors.Is; most are returned wrapped with more context.
var (
	ErrInvalidParameter     = errors.New("invalid_parameter")
	ErrRiskCapExhausted     = errors.New("risk_cap_exhausted")
	ErrStakeExceedsCapacity = errors.New("stake_exceeds_capacity")
	ErrAlreadyResolved      = errors.New("already_resolved")
	ErrMarketNotFound       = errors.New("market_not_found")
	// ErrPersistence means the trade or settlement took effect in memory but
	// the recorder failed to store it. The caller has to reconcile.
	ErrPersistence = errors.New("persistence_failure")
)
