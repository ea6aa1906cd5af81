package worker

import (
	"context"
	"log"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/detutorfocus/forex-app/internal/models"
	"github.com/detutorfocus/forex-app/internal/repository"
	"github.com/detutorfocus/forex-app/internal/service"
	"github.com/detutorfocus/forex-app/internal/venue"
)

// PositionSyncWorker reconciles open trades against the venue. A position
// can disappear on the venue side without the backend hearing about it (a
// stop-loss fired, the broker liquidated, someone closed it in the
// terminal); this worker notices, pulls the close price from venue history
// and moves the trade to closed with a ledger record.
type PositionSyncWorker struct {
	db          *gorm.DB
	tradeRepo   *repository.TradeRepository
	ledger      *service.LedgerService
	credService *service.CredentialService
	driver      venue.Driver
	interval    time.Duration
	stopChan    chan struct{}
}

// NewPositionSyncWorker creates a new position reconciliation worker
func NewPositionSyncWorker(
	db *gorm.DB,
	tradeRepo *repository.TradeRepository,
	ledger *service.LedgerService,
	credService *service.CredentialService,
	driver venue.Driver,
	interval time.Duration,
) *PositionSyncWorker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &PositionSyncWorker{
		db:          db,
		tradeRepo:   tradeRepo,
		ledger:      ledger,
		credService: credService,
		driver:      driver,
		interval:    interval,
		stopChan:    make(chan struct{}),
	}
}

// Start begins the reconciliation loop
func (w *PositionSyncWorker) Start() {
	log.Printf("Position sync worker started with interval: %v", w.interval)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.syncOnce()
		case <-w.stopChan:
			log.Println("Position sync worker stopped")
			return
		}
	}
}

// Stop stops the reconciliation loop
func (w *PositionSyncWorker) Stop() {
	close(w.stopChan)
}

// syncOnce runs one reconciliation sweep across all users' open trades.
func (w *PositionSyncWorker) syncOnce() {
	trades, err := w.tradeRepo.GetOpenTrades(0)
	if err != nil {
		log.Printf("Position sync: failed to load open trades: %v", err)
		return
	}
	if len(trades) == 0 {
		return
	}

	// Group by user so each user's account is connected once per sweep.
	byUser := make(map[uint][]models.Trade)
	for _, trade := range trades {
		byUser[trade.UserID] = append(byUser[trade.UserID], trade)
	}

	for userID, userTrades := range byUser {
		w.syncUser(userID, userTrades)
	}
}

func (w *PositionSyncWorker) syncUser(userID uint, trades []models.Trade) {
	ctx, cancel := context.WithTimeout(context.Background(), w.interval)
	defer cancel()

	_, creds, err := w.credService.Resolve(userID, 0)
	if err != nil {
		log.Printf("Position sync: user %d has no usable credential: %v", userID, err)
		return
	}

	session, err := w.driver.Connect(ctx, creds)
	if err != nil {
		log.Printf("Position sync: connect for user %d failed: %v", userID, err)
		return
	}
	defer session.Close()

	positions, err := session.Positions(ctx)
	if err != nil {
		log.Printf("Position sync: position list for user %d failed: %v", userID, err)
		return
	}

	live := make(map[int64]bool, len(positions))
	for _, p := range positions {
		live[p.Ticket] = true
	}

	for i := range trades {
		trade := &trades[i]
		if trade.PositionTicket == nil || live[*trade.PositionTicket] {
			continue
		}
		w.reconcile(ctx, session, trade)
	}
}

// reconcile handles one trade whose venue position is gone: look it up in
// history and close the trade with the venue's numbers.
func (w *PositionSyncWorker) reconcile(ctx context.Context, session venue.Session, trade *models.Trade) {
	closed, err := session.PositionHistory(ctx, *trade.PositionTicket)
	if err != nil {
		// Not in live positions and not in history yet: the venue may still
		// be settling. Leave the trade for the next sweep.
		log.Printf("Position sync: history lookup for trade %d (ticket %d) failed: %v",
			trade.ID, *trade.PositionTicket, err)
		return
	}

	closePrice := decimal.NewFromFloat(closed.ClosePrice)
	profit := decimal.NewFromFloat(closed.Profit)
	closedAt := closed.ClosedAt
	if closedAt.IsZero() {
		closedAt = time.Now().UTC()
	}

	actor := service.SystemActor("position-sync")

	err = w.db.Transaction(func(tx *gorm.DB) error {
		updates := map[string]interface{}{
			"close_price": closePrice,
			"profit":      profit,
			"closed_at":   closedAt,
		}
		if err := w.tradeRepo.TransitionTx(tx, trade.ID, models.TradeStatusClosed, updates); err != nil {
			return err
		}
		if _, err := w.ledger.AppendTx(tx, trade.ID, actor, models.EventPositionSynced, models.JSONMap{
			"position":    *trade.PositionTicket,
			"close_price": closed.ClosePrice,
			"profit":      closed.Profit,
			"closed_at":   closed.ClosedAt,
		}); err != nil {
			return err
		}
		_, err := w.ledger.AppendTx(tx, trade.ID, actor, models.EventTradeStatusUpdated, models.JSONMap{
			"from": string(models.TradeStatusOpen),
			"to":   string(models.TradeStatusClosed),
		})
		return err
	})
	if err != nil {
		log.Printf("Position sync: closing trade %d failed: %v", trade.ID, err)
		return
	}

	log.Printf("Position sync: trade %d closed from venue history (ticket %d, profit %.2f)",
		trade.ID, *trade.PositionTicket, closed.Profit)
}
