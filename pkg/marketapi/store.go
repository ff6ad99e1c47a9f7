package marketapi

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lithammer/shortuuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/domino14/eventex/pkg/lmsr"
	"github.com/domino14/eventex/pkg/market"
)

// Event is a stored event together with its market state.
type Event struct {
	ID            string
	Tag           string
	Name          string
	Maturity      time.Time
	RiskCap       float64
	QYes          float64
	QNo           float64
	TotalDeposits float64
	Resolution    market.Resolution
	TotalPayouts  float64
	ProfitLoss    float64
	OrderCount    int
	DateCreated   time.Time
	DateResolved  *time.Time
}

func (e *Event) Resolved() bool {
	_, ok := e.Resolution.(market.Resolved)
	return ok
}

// SqliteStore keeps events and orders in one SQLite database. The handle is
// opened once and shared by every market.
type SqliteStore struct {
	db *sql.DB
}

var errAlreadyPaid = errors.New("payout already recorded")

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func NewSqliteStore(dbName string) (*SqliteStore, error) {
	dsn := dbName
	if !strings.Contains(dsn, "?") {
		dsn += "?_foreign_keys=on&_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return &SqliteStore{db: db}, nil
}

func (s *SqliteStore) Close() error {
	return s.db.Close()
}

func (s *SqliteStore) dbid(ctx context.Context, tableName, otheridName, otherid string) (int64, error) {
	var dbid int64

	query := fmt.Sprintf("SELECT id FROM %s WHERE %s = ?", tableName, otheridName)

	err := s.db.QueryRowContext(ctx, query, otherid).Scan(&dbid)
	if err != nil {
		return 0, err
	}
	return dbid, nil
}

// CreateEvent stores a new, unresolved event with zero quantities and
// returns its ID.
func (s *SqliteStore) CreateEvent(ctx context.Context, tag, name string, maturity time.Time, riskCap float64) (string, error) {
	id := shortuuid.New()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (uuid, tag, name, maturity, risk_cap, date_created)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, tag, name, maturity.UTC().Format(time.RFC3339), riskCap, now())
	if err != nil {
		return "", err
	}
	log.Info().Str("eventID", id).Str("tag", tag).Float64("riskCap", riskCap).Msg("event-created")
	return id, nil
}

const eventColumns = `
	uuid, tag, name, maturity, risk_cap, q_yes, q_no, total_deposits,
	resolved, outcome, total_payouts, profit_loss, date_created, date_resolved,
	(SELECT COUNT(*) FROM orders WHERE orders.event_id = events.id)`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*Event, error) {
	var (
		e                     Event
		maturity, dateCreated string
		resolved              bool
		outcome, dateResolved sql.NullString
	)
	err := row.Scan(&e.ID, &e.Tag, &e.Name, &maturity, &e.RiskCap, &e.QYes, &e.QNo,
		&e.TotalDeposits, &resolved, &outcome, &e.TotalPayouts, &e.ProfitLoss,
		&dateCreated, &dateResolved, &e.OrderCount)
	if err != nil {
		return nil, err
	}
	if e.Maturity, err = time.Parse(time.RFC3339, maturity); err != nil {
		return nil, err
	}
	if e.DateCreated, err = time.Parse(time.RFC3339, dateCreated); err != nil {
		return nil, err
	}
	if dateResolved.Valid {
		t, err := time.Parse(time.RFC3339, dateResolved.String)
		if err != nil {
			return nil, err
		}
		e.DateResolved = &t
	}
	e.Resolution = market.Unresolved{}
	if resolved {
		side, err := lmsr.ParseSide(outcome.String)
		if err != nil {
			return nil, fmt.Errorf("event %s: %w", e.ID, err)
		}
		e.Resolution = market.Resolved{Outcome: side}
	}
	return &e, nil
}

// GetEvent looks an event up by ID or by tag.
func (s *SqliteStore) GetEvent(ctx context.Context, idOrTag string) (*Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE uuid = ? OR tag = ?`, idOrTag, idOrTag)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", market.ErrMarketNotFound, idOrTag)
	}
	return e, err
}

func (s *SqliteStore) GetOpenEvents(ctx context.Context) ([]*Event, error) {
	return s.getEvents(ctx, false)
}

func (s *SqliteStore) GetResolvedEvents(ctx context.Context) ([]*Event, error) {
	return s.getEvents(ctx, true)
}

func (s *SqliteStore) getEvents(ctx context.Context, resolved bool) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE resolved = ?
		ORDER BY id`, resolved)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetOrders returns an event's orders, oldest first.
func (s *SqliteStore) GetOrders(ctx context.Context, eventID string) ([]market.Order, error) {
	dbid, err := s.dbid(ctx, "events", "uuid", eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", market.ErrMarketNotFound, eventID)
	} else if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT uuid, side, stake, price, expected_cashout, payout, date_created
		FROM orders
		WHERE event_id = ?
		ORDER BY id`, dbid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := []market.Order{}
	for rows.Next() {
		var (
			o          market.Order
			side, date string
			payout     sql.NullFloat64
		)
		if err := rows.Scan(&o.ID, &side, &o.Stake, &o.Price, &o.ExpectedCashout, &payout, &date); err != nil {
			return nil, err
		}
		if o.Side, err = lmsr.ParseSide(side); err != nil {
			return nil, fmt.Errorf("order %s: %w", o.ID, err)
		}
		if o.CreatedAt, err = time.Parse(time.RFC3339, date); err != nil {
			return nil, err
		}
		if payout.Valid {
			p := payout.Float64
			o.Payout = &p
		}
		o.EventID = eventID
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// LoadMarketState returns everything needed to resume an event's market.
func (s *SqliteStore) LoadMarketState(ctx context.Context, eventID string) (market.Params, error) {
	e, err := s.GetEvent(ctx, eventID)
	if err != nil {
		return market.Params{}, err
	}
	orders, err := s.GetOrders(ctx, e.ID)
	if err != nil {
		return market.Params{}, err
	}
	return market.Params{
		EventID:       e.ID,
		RiskCap:       e.RiskCap,
		QYes:          e.QYes,
		QNo:           e.QNo,
		TotalDeposits: e.TotalDeposits,
		Orders:        orders,
		Resolution:    e.Resolution,
	}, nil
}

func (s *SqliteStore) RecordOrder(ctx context.Context, order market.Order) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (uuid, event_id, side, stake, price, expected_cashout, date_created)
		SELECT ?, id, ?, ?, ?, ?, ?
		FROM events
		WHERE uuid = ?`,
		order.ID, order.Side.String(), order.Stake, order.Price, order.ExpectedCashout,
		order.CreatedAt.UTC().Format(time.RFC3339), order.EventID)
	if err != nil {
		return err
	}
	return expectOne(res, order.EventID, market.ErrMarketNotFound)
}

func (s *SqliteStore) RecordQuantities(ctx context.Context, eventID string, qYes, qNo, totalDeposits float64) error {
	log.Debug().Str("eventID", eventID).Float64("qYes", qYes).Float64("qNo", qNo).
		Float64("totalDeposits", totalDeposits).Str("storeMethod", "RecordQuantities").Msg("executing-query")
	res, err := s.db.ExecContext(ctx, `
		UPDATE events
		SET q_yes = ?, q_no = ?, total_deposits = ?
		WHERE uuid = ?`, qYes, qNo, totalDeposits, eventID)
	if err != nil {
		return err
	}
	return expectOne(res, eventID, market.ErrMarketNotFound)
}

// RecordSettlement marks the event resolved. An event that is already
// resolved is left untouched.
func (s *SqliteStore) RecordSettlement(ctx context.Context, eventID string, outcome lmsr.Side,
	totalPayouts, profitLoss float64) error {

	res, err := s.db.ExecContext(ctx, `
		UPDATE events
		SET resolved = 1, outcome = ?, total_payouts = ?, profit_loss = ?, date_resolved = ?
		WHERE uuid = ? AND resolved = 0`,
		outcome.String(), totalPayouts, profitLoss, now(), eventID)
	if err != nil {
		return err
	}
	if err := expectOne(res, eventID, market.ErrAlreadyResolved); err != nil {
		return err
	}
	log.Info().Str("eventID", eventID).Str("outcome", outcome.String()).
		Float64("totalPayouts", totalPayouts).Float64("profitLoss", profitLoss).Msg("event-resolved")
	return nil
}

// RecordPayout sets an order's payout. Payouts are written once.
func (s *SqliteStore) RecordPayout(ctx context.Context, orderID string, payout float64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET payout = ?
		WHERE uuid = ? AND payout IS NULL`, payout, orderID)
	if err != nil {
		return err
	}
	return expectOne(res, orderID, errAlreadyPaid)
}

// expectOne turns a write that touched no rows into notFound.
func expectOne(res sql.Result, id string, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("%w: %s", notFound, id)
	}
	return nil
}
