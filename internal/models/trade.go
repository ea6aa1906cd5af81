package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeSide represents the direction of an order
type TradeSide string

const (
	TradeSideBuy  TradeSide = "buy"
	TradeSideSell TradeSide = "sell"
)

// TradeStatus represents the lifecycle state of a trade
type TradeStatus string

const (
	TradeStatusPending TradeStatus = "pending"
	TradeStatusOpen    TradeStatus = "open"
	TradeStatusClosed  TradeStatus = "closed"
	TradeStatusFailed  TradeStatus = "failed"
)

// CanTransitionTo reports whether the lifecycle allows moving to the target
// status. Allowed moves: pending->open, pending->failed, open->closed.
// closed and failed are terminal.
func (s TradeStatus) CanTransitionTo(target TradeStatus) bool {
	switch s {
	case TradeStatusPending:
		return target == TradeStatusOpen || target == TradeStatusFailed
	case TradeStatusOpen:
		return target == TradeStatusClosed
	default:
		return false
	}
}

// Trade represents one user's order intent and its outcome at the venue.
// AuditSeq is the per-trade sequence counter for the audit ledger; it is only
// ever advanced inside the ledger append transaction.
type Trade struct {
	ID            uint        `gorm:"primaryKey" json:"id"`
	UserID        uint        `gorm:"index;not null" json:"user_id"`
	CorrelationID string      `gorm:"size:36;uniqueIndex;not null" json:"correlation_id"`
	Symbol        string      `gorm:"size:32;not null;index" json:"symbol"`
	VenueSymbol   string      `gorm:"size:32" json:"venue_symbol"`
	Side          TradeSide   `gorm:"size:8;not null" json:"side"`
	Lot           decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"lot"`
	Status        TradeStatus `gorm:"size:10;not null;default:'pending';index" json:"status"`

	// Venue tickets are unique once assigned and never change afterwards.
	OrderTicket    *int64 `gorm:"uniqueIndex" json:"order_ticket"`
	PositionTicket *int64 `gorm:"uniqueIndex" json:"position_ticket"`

	Magic   int    `gorm:"default:900001" json:"magic"`
	Comment string `gorm:"size:64" json:"comment"`

	EntryPrice *decimal.Decimal `gorm:"type:decimal(18,6)" json:"entry_price"`
	StopLoss   *decimal.Decimal `gorm:"type:decimal(18,6)" json:"stop_loss"`
	TakeProfit *decimal.Decimal `gorm:"type:decimal(18,6)" json:"take_profit"`
	ClosePrice *decimal.Decimal `gorm:"type:decimal(18,6)" json:"close_price"`
	Profit     *decimal.Decimal `gorm:"type:decimal(18,2)" json:"profit"`

	RawResponse JSONMap `gorm:"type:text" json:"raw_response"`

	AuditSeq uint `gorm:"not null;default:0" json:"-"`

	OpenedAt  *time.Time `json:"opened_at"`
	ClosedAt  *time.Time `json:"closed_at"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`

	// Relations
	User        User         `gorm:"foreignKey:UserID" json:"-"`
	AuditEvents []AuditEvent `gorm:"foreignKey:TradeID" json:"audit_events,omitempty"`
}

// TableName specifies the table name for Trade model
func (Trade) TableName() string {
	return "trades"
}

// IsTerminal returns true when no further lifecycle transitions are allowed.
func (t *Trade) IsTerminal() bool {
	return t.Status == TradeStatusClosed || t.Status == TradeStatusFailed
}
