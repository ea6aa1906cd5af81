package repository_test

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/detutorfocus/forex-app/internal/models"
	"github.com/detutorfocus/forex-app/internal/repository"
)

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "repo.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&models.User{},
		&models.Trade{},
		&models.AuditEvent{},
	))
	return db
}

func seedTrade(t *testing.T, db *gorm.DB, status models.TradeStatus) *models.Trade {
	t.Helper()
	user := &models.User{
		Username:     "u-" + uuid.NewString()[:8],
		Email:        uuid.NewString()[:8] + "@example.com",
		PasswordHash: "x",
	}
	require.NoError(t, db.Create(user).Error)

	trade := &models.Trade{
		UserID:        user.ID,
		CorrelationID: uuid.NewString(),
		Symbol:        "EURUSD",
		Side:          models.TradeSideBuy,
		Lot:           decimal.RequireFromString("0.10"),
		Status:        status,
	}
	require.NoError(t, db.Create(trade).Error)
	return trade
}

func TestStatusTransitionTable(t *testing.T) {
	cases := []struct {
		from    models.TradeStatus
		to      models.TradeStatus
		allowed bool
	}{
		{models.TradeStatusPending, models.TradeStatusOpen, true},
		{models.TradeStatusPending, models.TradeStatusFailed, true},
		{models.TradeStatusPending, models.TradeStatusClosed, false},
		{models.TradeStatusOpen, models.TradeStatusClosed, true},
		{models.TradeStatusOpen, models.TradeStatusFailed, false},
		{models.TradeStatusOpen, models.TradeStatusPending, false},
		{models.TradeStatusClosed, models.TradeStatusOpen, false},
		{models.TradeStatusFailed, models.TradeStatusOpen, false},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.allowed, tc.from.CanTransitionTo(tc.to),
			"%s -> %s", tc.from, tc.to)
	}
}

func TestTransitionTxGuardsCurrentStatus(t *testing.T) {
	db := setupDB(t)
	repo := repository.NewTradeRepository(db)

	trade := seedTrade(t, db, models.TradeStatusPending)

	require.NoError(t, repo.TransitionTx(db, trade.ID, models.TradeStatusOpen, nil))

	reloaded, err := repo.GetByID(trade.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TradeStatusOpen, reloaded.Status)

	// pending->failed is legal in general, but this trade is no longer
	// pending.
	err = repo.TransitionTx(db, trade.ID, models.TradeStatusFailed, nil)
	assert.ErrorIs(t, err, repository.ErrInvalidTransition)
}

func TestTransitionTxMissingTrade(t *testing.T) {
	db := setupDB(t)
	repo := repository.NewTradeRepository(db)

	err := repo.TransitionTx(db, 424242, models.TradeStatusOpen, nil)
	assert.ErrorIs(t, err, repository.ErrTradeNotFound)
}

func TestTransitionTxConcurrentCloseRace(t *testing.T) {
	db := setupDB(t)
	repo := repository.NewTradeRepository(db)
	trade := seedTrade(t, db, models.TradeStatusOpen)

	const racers = 4
	results := make(chan error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- db.Transaction(func(tx *gorm.DB) error {
				return repo.TransitionTx(tx, trade.ID, models.TradeStatusClosed, nil)
			})
		}()
	}
	wg.Wait()
	close(results)

	won, lost := 0, 0
	for err := range results {
		if err == nil {
			won++
		} else {
			assert.ErrorIs(t, err, repository.ErrInvalidTransition)
			lost++
		}
	}
	// Exactly one racer closes the trade.
	assert.Equal(t, 1, won)
	assert.Equal(t, racers-1, lost)
}

func TestTransitionTxAppliesUpdatesAtomically(t *testing.T) {
	db := setupDB(t)
	repo := repository.NewTradeRepository(db)
	trade := seedTrade(t, db, models.TradeStatusPending)

	entry := decimal.RequireFromString("1.08562")
	require.NoError(t, repo.TransitionTx(db, trade.ID, models.TradeStatusOpen, map[string]interface{}{
		"entry_price":     entry,
		"position_ticket": int64(777),
		"venue_symbol":    "EURUSD",
	}))

	reloaded, err := repo.GetByID(trade.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TradeStatusOpen, reloaded.Status)
	require.NotNil(t, reloaded.EntryPrice)
	assert.True(t, entry.Equal(*reloaded.EntryPrice))
	require.NotNil(t, reloaded.PositionTicket)
	assert.Equal(t, int64(777), *reloaded.PositionTicket)
}

func TestNextAuditSeqTxAllocatesSequentially(t *testing.T) {
	db := setupDB(t)
	repo := repository.NewTradeRepository(db)
	trade := seedTrade(t, db, models.TradeStatusPending)

	for want := uint(1); want <= 5; want++ {
		var got uint
		err := db.Transaction(func(tx *gorm.DB) error {
			var err error
			got, err = repo.NextAuditSeqTx(tx, trade.ID)
			return err
		})
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestNextAuditSeqTxMissingTrade(t *testing.T) {
	db := setupDB(t)
	repo := repository.NewTradeRepository(db)

	err := db.Transaction(func(tx *gorm.DB) error {
		_, err := repo.NextAuditSeqTx(tx, 99999)
		return err
	})
	assert.ErrorIs(t, err, repository.ErrTradeNotFound)
}

func TestGetWithEventsOrdersBySeq(t *testing.T) {
	db := setupDB(t)
	repo := repository.NewTradeRepository(db)
	trade := seedTrade(t, db, models.TradeStatusPending)

	// Insert out of order; preload must sort by seq.
	for _, seq := range []uint{2, 1, 3} {
		event := &models.AuditEvent{
			TradeID:   trade.ID,
			Seq:       seq,
			EventType: models.EventTickFetch,
			Payload:   models.JSONMap{},
			Hash:      uuid.NewString(),
		}
		require.NoError(t, db.Create(event).Error)
	}

	loaded, err := repo.GetWithEvents(trade.ID, trade.UserID)
	require.NoError(t, err)
	require.Len(t, loaded.AuditEvents, 3)
	for i, e := range loaded.AuditEvents {
		assert.Equal(t, uint(i+1), e.Seq)
	}
}

func TestGetOpenTradesScopesByUser(t *testing.T) {
	db := setupDB(t)
	repo := repository.NewTradeRepository(db)

	open := seedTrade(t, db, models.TradeStatusOpen)
	seedTrade(t, db, models.TradeStatusClosed)
	otherOpen := seedTrade(t, db, models.TradeStatusOpen)

	all, err := repo.GetOpenTrades(0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	mine, err := repo.GetOpenTrades(open.UserID)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, open.ID, mine[0].ID)

	theirs, err := repo.GetOpenTrades(otherOpen.UserID)
	require.NoError(t, err)
	require.Len(t, theirs, 1)
	assert.Equal(t, otherOpen.ID, theirs[0].ID)
}
