package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

var (
	// ErrAppendOnlyViolation is returned on any attempt to update or delete a
	// persisted audit event. Treated as a programming bug, never retried.
	ErrAppendOnlyViolation = errors.New("audit event is append-only")
)

// EventType enumerates the audit event kinds emitted during a trade attempt.
type EventType string

const (
	EventTradeCreated        EventType = "TRADE_CREATED"
	EventValidationOK        EventType = "VALIDATION_OK"
	EventValidationFailed    EventType = "VALIDATION_FAILED"
	EventVenueConnectStart   EventType = "VENUE_CONNECT_START"
	EventVenueConnectOK      EventType = "VENUE_CONNECT_OK"
	EventVenueConnectFail    EventType = "VENUE_CONNECT_FAIL"
	EventSymbolResolveStart  EventType = "SYMBOL_RESOLVE_START"
	EventSymbolResolved      EventType = "SYMBOL_RESOLVED"
	EventSymbolNotFound      EventType = "SYMBOL_NOT_FOUND"
	EventSymbolNotSelectable EventType = "SYMBOL_NOT_SELECTABLE"
	EventTickFetch           EventType = "TICK_FETCH"
	EventPriceSelected       EventType = "PRICE_SELECTED"
	EventSlippageComputed    EventType = "SLIPPAGE_COMPUTED"
	EventOrderRequestBuilt   EventType = "ORDER_REQUEST_BUILT"
	EventOrderSendAttempt    EventType = "ORDER_SEND_ATTEMPT"
	EventOrderSendResult     EventType = "ORDER_SEND_RESULT"
	EventCloseRequest        EventType = "CLOSE_REQUEST"
	EventCloseResult         EventType = "CLOSE_RESULT"
	EventPositionModified    EventType = "POSITION_MODIFIED"
	EventPositionSynced      EventType = "POSITION_SYNCED"
	EventTradeStatusUpdated  EventType = "TRADE_STATUS_UPDATED"
	EventError               EventType = "ERROR"
)

// JSONMap is a JSON object column usable on both postgres and sqlite.
type JSONMap map[string]interface{}

// Value implements driver.Valuer
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner
func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*m = JSONMap{}
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported JSONMap column type %T", value)
	}
	if len(data) == 0 {
		*m = JSONMap{}
		return nil
	}
	return json.Unmarshal(data, m)
}

// AuditEvent is one immutable fact about a trade. Events for a trade form a
// hash chain: Hash covers every field including PrevHash, and PrevHash equals
// the Hash of the event with the preceding Seq ("" for the first event).
type AuditEvent struct {
	ID        uint64    `gorm:"primaryKey" json:"id"`
	TradeID   uint      `gorm:"not null;uniqueIndex:uniq_trade_seq,priority:1;index:idx_event_trade_at,priority:1" json:"trade_id"`
	Seq       uint      `gorm:"not null;uniqueIndex:uniq_trade_seq,priority:2" json:"seq"`
	EventType EventType `gorm:"size:64;not null;index:idx_event_type_at,priority:1" json:"event_type"`
	At        time.Time `gorm:"not null;index:idx_event_trade_at,priority:2;index:idx_event_type_at,priority:2" json:"at"`

	ActorID   *uint  `json:"actor_id"`
	IP        string `gorm:"size:45" json:"ip"`
	UserAgent string `json:"user_agent"`
	RequestID string `gorm:"size:64;index" json:"request_id"`

	Payload JSONMap `gorm:"type:text" json:"payload"`

	PrevHash string `gorm:"size:64;not null;default:''" json:"prev_hash"`
	Hash     string `gorm:"size:64;not null;index" json:"hash"`

	// Relations
	Trade Trade `gorm:"foreignKey:TradeID" json:"-"`
}

// TableName specifies the table name for AuditEvent model
func (AuditEvent) TableName() string {
	return "trade_audit_events"
}

// BeforeUpdate blocks updates: the ledger is append-only.
func (e *AuditEvent) BeforeUpdate(tx *gorm.DB) error {
	return ErrAppendOnlyViolation
}

// BeforeDelete blocks deletes: the ledger is append-only.
func (e *AuditEvent) BeforeDelete(tx *gorm.DB) error {
	return ErrAppendOnlyViolation
}
