package repository

import (
	"errors"

	"github.com/detutorfocus/forex-app/internal/models"
	"gorm.io/gorm"
)

var (
	ErrTradeNotFound = errors.New("trade not found")
	// ErrInvalidTransition is returned when a lifecycle move is not allowed
	// from the trade's current status.
	ErrInvalidTransition = errors.New("invalid trade status transition")
)

// TradeRepository handles trade data access
type TradeRepository struct {
	db *gorm.DB
}

// NewTradeRepository creates a new TradeRepository
func NewTradeRepository(db *gorm.DB) *TradeRepository {
	return &TradeRepository{db: db}
}

// Create creates a new trade
func (r *TradeRepository) Create(trade *models.Trade) error {
	return r.db.Create(trade).Error
}

// CreateTx creates a new trade inside an existing transaction
func (r *TradeRepository) CreateTx(tx *gorm.DB, trade *models.Trade) error {
	return tx.Create(trade).Error
}

// GetByID retrieves a trade by ID
func (r *TradeRepository) GetByID(id uint) (*models.Trade, error) {
	var trade models.Trade
	result := r.db.First(&trade, id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrTradeNotFound
		}
		return nil, result.Error
	}
	return &trade, nil
}

// GetByIDAndUserID retrieves a trade owned by a specific user
func (r *TradeRepository) GetByIDAndUserID(id, userID uint) (*models.Trade, error) {
	var trade models.Trade
	result := r.db.Where("id = ? AND user_id = ?", id, userID).First(&trade)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrTradeNotFound
		}
		return nil, result.Error
	}
	return &trade, nil
}

// GetByPositionTicket retrieves a user's trade by its venue position ticket
func (r *TradeRepository) GetByPositionTicket(userID uint, ticket int64) (*models.Trade, error) {
	var trade models.Trade
	result := r.db.Where("user_id = ? AND position_ticket = ?", userID, ticket).First(&trade)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrTradeNotFound
		}
		return nil, result.Error
	}
	return &trade, nil
}

// GetByUserIDPaginated retrieves a user's trades, latest first
func (r *TradeRepository) GetByUserIDPaginated(userID uint, page, pageSize int) ([]models.Trade, int64, error) {
	var trades []models.Trade
	var total int64

	if err := r.db.Model(&models.Trade{}).Where("user_id = ?", userID).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset := (page - 1) * pageSize
	result := r.db.Where("user_id = ?", userID).
		Order("created_at DESC").
		Offset(offset).
		Limit(pageSize).
		Find(&trades)

	return trades, total, result.Error
}

// GetWithEvents retrieves a trade together with its audit events in seq order
func (r *TradeRepository) GetWithEvents(id, userID uint) (*models.Trade, error) {
	var trade models.Trade
	result := r.db.Preload("AuditEvents", func(db *gorm.DB) *gorm.DB {
		return db.Order("seq ASC")
	}).Where("id = ? AND user_id = ?", id, userID).First(&trade)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrTradeNotFound
		}
		return nil, result.Error
	}
	return &trade, nil
}

// GetOpenTrades retrieves all open trades, optionally scoped to one user
func (r *TradeRepository) GetOpenTrades(userID uint) ([]models.Trade, error) {
	var trades []models.Trade
	query := r.db.Where("status = ?", models.TradeStatusOpen)
	if userID != 0 {
		query = query.Where("user_id = ?", userID)
	}
	result := query.Order("id ASC").Find(&trades)
	return trades, result.Error
}

// NextAuditSeqTx advances the trade's audit sequence counter and returns the
// allocated value. The counter update takes the trade's row write-lock for
// the remainder of the transaction, which is the serialization point for all
// ledger appends on this trade: no two writers can both see the same
// previous event. Appends for different trades do not contend.
func (r *TradeRepository) NextAuditSeqTx(tx *gorm.DB, tradeID uint) (uint, error) {
	result := tx.Model(&models.Trade{}).
		Where("id = ?", tradeID).
		UpdateColumn("audit_seq", gorm.Expr("audit_seq + 1"))
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected == 0 {
		return 0, ErrTradeNotFound
	}

	var trade models.Trade
	if err := tx.Select("audit_seq").First(&trade, tradeID).Error; err != nil {
		return 0, err
	}
	return trade.AuditSeq, nil
}

// TransitionTx moves a trade to the target status, applying extra field
// updates in the same statement. The status guard in the WHERE clause makes
// concurrent transitions race-safe: exactly one of two racing callers sees
// RowsAffected == 1, the other gets ErrInvalidTransition.
func (r *TradeRepository) TransitionTx(tx *gorm.DB, tradeID uint, target models.TradeStatus, updates map[string]interface{}) error {
	from := allowedFrom(target)
	if len(from) == 0 {
		return ErrInvalidTransition
	}

	values := map[string]interface{}{"status": target}
	for k, v := range updates {
		values[k] = v
	}

	result := tx.Model(&models.Trade{}).
		Where("id = ? AND status IN ?", tradeID, from).
		Updates(values)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := tx.Model(&models.Trade{}).Where("id = ?", tradeID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrTradeNotFound
		}
		return ErrInvalidTransition
	}
	return nil
}

func allowedFrom(target models.TradeStatus) []models.TradeStatus {
	switch target {
	case models.TradeStatusOpen, models.TradeStatusFailed:
		return []models.TradeStatus{models.TradeStatusPending}
	case models.TradeStatusClosed:
		return []models.TradeStatus{models.TradeStatusOpen}
	default:
		return nil
	}
}

// UpdateStopLevels sets stop-loss/take-profit on an open trade
func (r *TradeRepository) UpdateStopLevels(tradeID uint, updates map[string]interface{}) error {
	result := r.db.Model(&models.Trade{}).
		Where("id = ? AND status = ?", tradeID, models.TradeStatusOpen).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrInvalidTransition
	}
	return nil
}
