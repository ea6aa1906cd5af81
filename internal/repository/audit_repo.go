package repository

import (
	"errors"

	"github.com/detutorfocus/forex-app/internal/models"
	"gorm.io/gorm"
)

var (
	// ErrConcurrencyViolation means two appends for the same trade reached
	// the unique (trade_id, seq) index with the same value. With correct
	// locking this cannot happen; it is an invariant breach, not retryable.
	ErrConcurrencyViolation = errors.New("concurrent audit append detected")
)

// AuditEventRepository handles the append-only audit event store
type AuditEventRepository struct {
	db *gorm.DB
}

// NewAuditEventRepository creates a new AuditEventRepository
func NewAuditEventRepository(db *gorm.DB) *AuditEventRepository {
	return &AuditEventRepository{db: db}
}

// CreateTx inserts an event inside an existing transaction. A duplicate
// (trade_id, seq) is surfaced as ErrConcurrencyViolation.
func (r *AuditEventRepository) CreateTx(tx *gorm.DB, event *models.AuditEvent) error {
	if err := tx.Create(event).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrConcurrencyViolation
		}
		return err
	}
	return nil
}

// LastTx returns the trade's highest-seq event, or nil when the trade has no
// events yet. Must run inside the same transaction that allocated the seq.
func (r *AuditEventRepository) LastTx(tx *gorm.DB, tradeID uint) (*models.AuditEvent, error) {
	var event models.AuditEvent
	result := tx.Where("trade_id = ?", tradeID).Order("seq DESC").First(&event)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &event, nil
}

// GetByTradeID returns a trade's events ordered by seq
func (r *AuditEventRepository) GetByTradeID(tradeID uint) ([]models.AuditEvent, error) {
	var events []models.AuditEvent
	result := r.db.Where("trade_id = ?", tradeID).Order("seq ASC").Find(&events)
	return events, result.Error
}

// ExportFilter narrows an export or verification walk
type ExportFilter struct {
	TradeID   uint
	RequestID string
	EventType string
}

func (r *AuditEventRepository) filtered(f ExportFilter) *gorm.DB {
	query := r.db.Model(&models.AuditEvent{})
	if f.TradeID != 0 {
		query = query.Where("trade_id = ?", f.TradeID)
	}
	if f.RequestID != "" {
		query = query.Where("request_id = ?", f.RequestID)
	}
	if f.EventType != "" {
		query = query.Where("event_type = ?", f.EventType)
	}
	return query
}

// Count returns the number of events matching the filter
func (r *AuditEventRepository) Count(f ExportFilter) (int64, error) {
	var total int64
	err := r.filtered(f).Count(&total).Error
	return total, err
}

// ForEach streams events matching the filter in (trade_id, seq) order
// without loading the whole table. The callback may stop the walk early by
// returning an error.
func (r *AuditEventRepository) ForEach(f ExportFilter, fn func(*models.AuditEvent) error) error {
	rows, err := r.filtered(f).Order("trade_id ASC, seq ASC, id ASC").Rows()
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var event models.AuditEvent
		if err := r.db.ScanRows(rows, &event); err != nil {
			return err
		}
		if err := fn(&event); err != nil {
			return err
		}
	}
	return rows.Err()
}

// List returns up to limit events matching the filter in (trade_id, seq)
// order. Used by the capped JSON export.
func (r *AuditEventRepository) List(f ExportFilter, limit int) ([]models.AuditEvent, error) {
	var events []models.AuditEvent
	result := r.filtered(f).Order("trade_id ASC, seq ASC, id ASC").Limit(limit).Find(&events)
	return events, result.Error
}
