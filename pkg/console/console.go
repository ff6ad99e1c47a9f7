// Package console is a line-oriented shell over MarketService.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"

	"github.com/domino14/eventex/pkg/lmsr"
	"github.com/domino14/eventex/pkg/market"
	"github.com/domino14/eventex/pkg/marketapi"
)

const maturityLayout = "2006-01-02T15:04:05"

const helpText = `Commands:
  new <tag> <maturity YYYY-MM-DDTHH:MM:SS> <risk cap, 0 for default> <name...>
  list                          open events
  quote <event id/tag>          prices and max stake
  stake <event id/tag> <yes|no> <amount>
  orders <event id/tag>         orders, with payouts once resolved
  resolve <event id/tag> <yes|no>
  metrics [event id/tag]        exposure per live market
  help
  :q                            exit
`

type Console struct {
	svc *marketapi.MarketService
	out io.Writer
}

func New(svc *marketapi.MarketService, out io.Writer) *Console {
	return &Console{svc: svc, out: out}
}

// Run reads commands from in until EOF or ":q".
func (c *Console) Run(ctx context.Context, in io.Reader) error {
	fmt.Fprintln(c.out, "Event contract exchange. Type 'help' for commands.")
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(c.out, "> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		if !c.Dispatch(ctx, scanner.Text()) {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// Dispatch runs one command line. It returns false when the shell should
// exit.
func (c *Console) Dispatch(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return true
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	var err error
	switch cmd {
	case ":q", "quit", "exit":
		return false
	case "help":
		fmt.Fprint(c.out, helpText)
	case "new":
		err = c.newEvent(ctx, args)
	case "list":
		err = c.list(ctx)
	case "quote":
		err = c.quote(ctx, args)
	case "stake":
		err = c.stake(ctx, args)
	case "orders":
		err = c.orders(ctx, args)
	case "resolve":
		err = c.resolve(ctx, args)
	case "metrics":
		err = c.metrics(ctx, args)
	default:
		fmt.Fprintln(c.out, "Unknown command.")
	}
	if err != nil {
		c.printError(err)
	}
	return true
}

var errUsage = errors.New("usage")

func (c *Console) printError(err error) {
	switch {
	case errors.Is(err, errUsage):
		fmt.Fprintf(c.out, "%v. Type 'help' for usage.\n", err)
	case errors.Is(err, market.ErrPersistence):
		log.Error().Err(err).Msg("persistence-failure")
		fmt.Fprintf(c.out, "error: %v (in-memory state changed; store needs reconciling)\n", err)
	default:
		fmt.Fprintf(c.out, "error: %v\n", err)
	}
}

func want(args []string, n int, usage string) error {
	if len(args) < n {
		return fmt.Errorf("%w: %s", errUsage, usage)
	}
	return nil
}

func (c *Console) newEvent(ctx context.Context, args []string) error {
	if err := want(args, 4, "new <tag> <maturity> <risk cap> <name...>"); err != nil {
		return err
	}
	maturity, err := time.ParseInLocation(maturityLayout, args[1], time.UTC)
	if err != nil {
		return fmt.Errorf("%w: maturity must look like %s", errUsage, maturityLayout)
	}
	riskCap, err := strconv.ParseFloat(args[2], 64)
	if err != nil {
		return fmt.Errorf("%w: risk cap %q is not a number", errUsage, args[2])
	}
	mkt, err := c.svc.CreateMarket(ctx, marketapi.NewEvent{
		Tag:      args[0],
		Name:     strings.Join(args[3:], " "),
		Maturity: maturity,
		RiskCap:  riskCap,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Event created with ID: %s, Tag: %s, risk cap %.2f\n", mkt.EventID(), args[0], mkt.RiskCap())
	return nil
}

func (c *Console) list(ctx context.Context) error {
	events, err := c.svc.Events(ctx)
	if err != nil {
		return err
	}
	table := tablewriter.NewWriter(c.out)
	table.Header("ID", "Tag", "Name", "Funds", "Orders", "Maturity")
	for _, e := range events {
		table.Append(
			e.ID,
			e.Tag,
			e.Name,
			fmt.Sprintf("%.1f", e.TotalDeposits),
			strconv.Itoa(e.OrderCount),
			e.Maturity.Format(maturityLayout),
		)
	}
	return table.Render()
}

func (c *Console) quote(ctx context.Context, args []string) error {
	if err := want(args, 1, "quote <event id/tag>"); err != nil {
		return err
	}
	q, err := c.svc.Quote(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "YES Price: %.2f, NO Price: %.2f, Max Stake: %.2f\n", q.PriceYes, q.PriceNo, q.Size)
	return nil
}

func (c *Console) stake(ctx context.Context, args []string) error {
	if err := want(args, 3, "stake <event id/tag> <yes|no> <amount>"); err != nil {
		return err
	}
	side, err := lmsr.ParseSide(args[1])
	if err != nil {
		return fmt.Errorf("%w: side must be yes or no", errUsage)
	}
	amount, err := strconv.ParseFloat(args[2], 64)
	if err != nil {
		return fmt.Errorf("%w: amount %q is not a number", errUsage, args[2])
	}
	order, err := c.svc.Buy(ctx, args[0], side, amount)
	if errors.Is(err, market.ErrStakeExceedsCapacity) {
		if limit, lerr := c.svc.MaxStake(ctx, args[0], side); lerr == nil {
			return fmt.Errorf("%w (max stake on %s now %.2f)", err, side, limit)
		}
	}
	if order.ID != "" {
		fmt.Fprintf(c.out, "Order placed: stake $%.2f on %s at price %.2f with expected cashout of $%.2f\n",
			order.Stake, order.Side, order.Price, order.ExpectedCashout)
	}
	return err
}

func (c *Console) orders(ctx context.Context, args []string) error {
	if err := want(args, 1, "orders <event id/tag>"); err != nil {
		return err
	}
	e, orders, err := c.svc.Orders(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Orders for event '%s':\n", e.Name)
	table := tablewriter.NewWriter(c.out)
	header := []any{"Stake", "Side", "Price", "Expected Cashout"}
	if e.Resolved() {
		header = append(header, "Payout")
	}
	table.Header(header...)
	for _, o := range orders {
		row := []any{
			fmt.Sprintf("%.1f", o.Stake),
			o.Side.String(),
			fmt.Sprintf("%.2f", o.Price),
			fmt.Sprintf("%.2f", o.ExpectedCashout),
		}
		if e.Resolved() {
			payout := "-"
			if o.Payout != nil {
				payout = fmt.Sprintf("%.2f", *o.Payout)
			}
			row = append(row, payout)
		}
		table.Append(row...)
	}
	return table.Render()
}

func (c *Console) resolve(ctx context.Context, args []string) error {
	if err := want(args, 2, "resolve <event id/tag> <yes|no>"); err != nil {
		return err
	}
	outcome, err := lmsr.ParseSide(args[1])
	if err != nil {
		return fmt.Errorf("%w: outcome must be yes or no", errUsage)
	}
	res, err := c.svc.Settle(ctx, args[0], outcome)
	if err != nil && !errors.Is(err, market.ErrPersistence) {
		return err
	}
	fmt.Fprintf(c.out, "Event resolved as '%s'. Total payouts: $%.2f, operator P&L: $%.2f\n",
		res.Outcome, res.TotalPayouts, res.ProfitLoss)
	return err
}

func (c *Console) metrics(ctx context.Context, args []string) error {
	var all []market.Metrics
	if len(args) > 0 {
		mt, err := c.svc.Metrics(ctx, args[0])
		if err != nil {
			return err
		}
		all = []market.Metrics{mt}
	} else {
		all = c.svc.AllMetrics()
	}
	if len(all) == 0 {
		fmt.Fprintln(c.out, "No live markets.")
		return nil
	}
	table := tablewriter.NewWriter(c.out)
	table.Header("Event", "P(YES)", "P(NO)", "Deposits", "Pays if YES", "Pays if NO",
		"P&L if YES", "P&L if NO", "Risk left")
	for _, mt := range all {
		table.Append(
			mt.EventID,
			fmt.Sprintf("%.2f", mt.PriceYes),
			fmt.Sprintf("%.2f", mt.PriceNo),
			fmt.Sprintf("%.2f", mt.TotalDeposits),
			fmt.Sprintf("%.2f", mt.LiabilityYes),
			fmt.Sprintf("%.2f", mt.LiabilityNo),
			fmt.Sprintf("%.2f", mt.PnLIfYes),
			fmt.Sprintf("%.2f", mt.PnLIfNo),
			fmt.Sprintf("%.2f", mt.RemainingRisk),
		)
	}
	return table.Render()
}
