// Package venue defines the interface to the external execution venue (the
// MT5 terminal behind the bridge). The backend treats the venue as a black
// box: it records connection, pricing and fill outcomes but owns none of
// them.
package venue

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrConnect             = errors.New("venue connection failed")
	ErrSymbolNotFound      = errors.New("symbol not found at venue")
	ErrSymbolNotSelectable = errors.New("symbol not selectable at venue")
	ErrNoTick              = errors.New("no tick data")
	ErrPositionNotFound    = errors.New("position not found at venue")
)

// MT5 trade server return codes the orchestrator cares about.
const (
	RetcodeDone        = 10009
	RetcodePlaced      = 10008
	RetcodeInvalid     = 10013
	RetcodeInvalidFill = 10030
)

// PolicyVariant is an order filling mode. Venues support different subsets;
// submission falls back through DefaultPolicyOrder.
type PolicyVariant string

const (
	PolicyFOK    PolicyVariant = "FOK"
	PolicyIOC    PolicyVariant = "IOC"
	PolicyReturn PolicyVariant = "RETURN"
)

// DefaultPolicyOrder is the fixed preference order for submission fallback.
var DefaultPolicyOrder = []PolicyVariant{PolicyFOK, PolicyIOC, PolicyReturn}

// Credentials authenticate one broker account session.
type Credentials struct {
	Login    int64
	Password string
	Server   string
}

// Instrument describes a venue-tradable symbol.
type Instrument struct {
	Name         string  `json:"name"`
	Digits       int     `json:"digits"`
	Point        float64 `json:"point"`
	Visible      bool    `json:"visible"`
	TradeAllowed bool    `json:"trade_allowed"`
	VolumeMin    float64 `json:"volume_min"`
	VolumeMax    float64 `json:"volume_max"`
}

// Tick is a bid/ask quote for an instrument.
type Tick struct {
	Symbol string    `json:"symbol"`
	Bid    float64   `json:"bid"`
	Ask    float64   `json:"ask"`
	Last   float64   `json:"last"`
	Time   time.Time `json:"time"`
}

// OrderRequest is a market order submission.
type OrderRequest struct {
	Symbol     string          `json:"symbol"`
	Side       string          `json:"side"`
	Volume     decimal.Decimal `json:"volume"`
	Price      float64         `json:"price"`
	Deviation  int             `json:"deviation"`
	StopLoss   *float64        `json:"sl,omitempty"`
	TakeProfit *float64        `json:"tp,omitempty"`
	Magic      int             `json:"magic"`
	Comment    string          `json:"comment"`
}

// OrderResult is the venue's definitive answer to one submission attempt.
type OrderResult struct {
	Retcode        int     `json:"retcode"`
	OrderTicket    int64   `json:"order"`
	PositionTicket int64   `json:"position"`
	Price          float64 `json:"price"`
	Comment        string  `json:"comment"`
}

// Accepted reports whether the venue executed the order.
func (r *OrderResult) Accepted() bool {
	return r.Retcode == RetcodeDone || r.Retcode == RetcodePlaced
}

// VariantRejected reports whether the failure is specific to the filling
// mode, meaning the next policy variant should be tried.
func (r *OrderResult) VariantRejected() bool {
	return r.Retcode == RetcodeInvalidFill || r.Retcode == RetcodeInvalid
}

// CloseResult is the outcome of closing a venue position.
type CloseResult struct {
	Retcode    int     `json:"retcode"`
	ClosePrice float64 `json:"price"`
	Profit     float64 `json:"profit"`
	Comment    string  `json:"comment"`
}

// Position is a live venue position.
type Position struct {
	Ticket    int64   `json:"ticket"`
	Symbol    string  `json:"symbol"`
	Side      string  `json:"side"`
	Volume    float64 `json:"volume"`
	PriceOpen float64 `json:"price_open"`
	StopLoss  float64 `json:"sl"`
	TakeProf  float64 `json:"tp"`
	Profit    float64 `json:"profit"`
}

// ClosedPosition is the venue's history record for a position that is no
// longer open. Used to reconcile trades the venue closed on its side.
type ClosedPosition struct {
	Ticket     int64     `json:"ticket"`
	ClosePrice float64   `json:"close_price"`
	Profit     float64   `json:"profit"`
	ClosedAt   time.Time `json:"closed_at"`
}

// AccountInfo is a snapshot of the broker account state.
type AccountInfo struct {
	Balance float64 `json:"balance"`
	Equity  float64 `json:"equity"`
}

// Session is one authenticated connection to the venue. Sessions are scoped
// to a request or worker cycle and must be released with Close; there is no
// ambient shared terminal state.
type Session interface {
	// Instrument returns venue data for an exact symbol name.
	// Returns ErrSymbolNotFound when the venue does not know it.
	Instrument(ctx context.Context, name string) (*Instrument, error)

	// Instruments lists every symbol the venue offers.
	Instruments(ctx context.Context) ([]Instrument, error)

	// EnsureTradable makes the instrument visible/selectable for trading.
	// Returns ErrSymbolNotSelectable when the venue refuses.
	EnsureTradable(ctx context.Context, name string) error

	// Tick returns the current quote, or ErrNoTick when momentarily
	// unavailable.
	Tick(ctx context.Context, name string) (*Tick, error)

	// Send submits the order with one policy variant and waits for the
	// venue's definitive answer.
	Send(ctx context.Context, req OrderRequest, variant PolicyVariant) (*OrderResult, error)

	// ClosePosition closes a venue position by ticket at market.
	ClosePosition(ctx context.Context, ticket int64, deviation int) (*CloseResult, error)

	// ModifyPosition updates stop-loss/take-profit on a venue position.
	ModifyPosition(ctx context.Context, ticket int64, sl, tp *float64) error

	// Positions lists the account's live positions.
	Positions(ctx context.Context) ([]Position, error)

	// PositionHistory looks up a no-longer-open position in the venue
	// history. Returns ErrPositionNotFound when the venue has no record.
	PositionHistory(ctx context.Context, ticket int64) (*ClosedPosition, error)

	// AccountInfo returns a balance/equity snapshot.
	AccountInfo(ctx context.Context) (*AccountInfo, error)

	Close() error
}

// Driver opens venue sessions.
type Driver interface {
	Connect(ctx context.Context, creds Credentials) (Session, error)
}

// TickSubscriber receives ticks pushed by the venue market-data stream.
type TickSubscriber interface {
	OnTick(tick Tick)
}
