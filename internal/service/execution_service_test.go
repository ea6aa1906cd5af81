package service_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/detutorfocus/forex-app/internal/config"
	"github.com/detutorfocus/forex-app/internal/models"
	"github.com/detutorfocus/forex-app/internal/repository"
	"github.com/detutorfocus/forex-app/internal/service"
	"github.com/detutorfocus/forex-app/internal/venue"
)

// fakeSession is a scriptable venue session.
type fakeSession struct {
	instruments map[string]venue.Instrument
	tick        *venue.Tick
	tickErr     error
	sendResults []venue.OrderResult
	sendCalls   []venue.PolicyVariant
	closeResult *venue.CloseResult
	closeErr    error
	positions   []venue.Position
	history     map[int64]venue.ClosedPosition
	closed      bool
}

func (s *fakeSession) Instrument(ctx context.Context, name string) (*venue.Instrument, error) {
	if inst, ok := s.instruments[name]; ok {
		return &inst, nil
	}
	return nil, venue.ErrSymbolNotFound
}

func (s *fakeSession) Instruments(ctx context.Context) ([]venue.Instrument, error) {
	out := make([]venue.Instrument, 0, len(s.instruments))
	for _, inst := range s.instruments {
		out = append(out, inst)
	}
	return out, nil
}

func (s *fakeSession) EnsureTradable(ctx context.Context, name string) error {
	inst, ok := s.instruments[name]
	if !ok {
		return venue.ErrSymbolNotSelectable
	}
	if !inst.TradeAllowed {
		return venue.ErrSymbolNotSelectable
	}
	return nil
}

func (s *fakeSession) Tick(ctx context.Context, name string) (*venue.Tick, error) {
	if s.tickErr != nil {
		return nil, s.tickErr
	}
	return s.tick, nil
}

func (s *fakeSession) Send(ctx context.Context, req venue.OrderRequest, variant venue.PolicyVariant) (*venue.OrderResult, error) {
	s.sendCalls = append(s.sendCalls, variant)
	if len(s.sendResults) == 0 {
		return &venue.OrderResult{Retcode: venue.RetcodeInvalid}, nil
	}
	result := s.sendResults[0]
	if len(s.sendResults) > 1 {
		s.sendResults = s.sendResults[1:]
	}
	return &result, nil
}

func (s *fakeSession) ClosePosition(ctx context.Context, ticket int64, deviation int) (*venue.CloseResult, error) {
	if s.closeErr != nil {
		return nil, s.closeErr
	}
	return s.closeResult, nil
}

func (s *fakeSession) ModifyPosition(ctx context.Context, ticket int64, sl, tp *float64) error {
	return nil
}

func (s *fakeSession) Positions(ctx context.Context) ([]venue.Position, error) {
	return s.positions, nil
}

func (s *fakeSession) PositionHistory(ctx context.Context, ticket int64) (*venue.ClosedPosition, error) {
	if pos, ok := s.history[ticket]; ok {
		return &pos, nil
	}
	return nil, venue.ErrPositionNotFound
}

func (s *fakeSession) AccountInfo(ctx context.Context) (*venue.AccountInfo, error) {
	return &venue.AccountInfo{Balance: 10000, Equity: 10000}, nil
}

func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}

type fakeDriver struct {
	session    *fakeSession
	connectErr error
	connects   int
}

func (d *fakeDriver) Connect(ctx context.Context, creds venue.Credentials) (venue.Session, error) {
	d.connects++
	if d.connectErr != nil {
		return nil, d.connectErr
	}
	return d.session, nil
}

func testTradingConfig() config.TradingConfig {
	return config.TradingConfig{
		AllowedSymbols:  []string{"XAUUSD", "EURUSD"},
		SymbolAliases:   map[string][]string{},
		MinLot:          "0.01",
		MaxLot:          "1.00",
		MaxSlippagePips: 2.0,
		TickRetries:     3,
		TickRetryMillis: 1,
		Magic:           900001,
		Comment:         "test",
	}
}

type execFixture struct {
	db     *gorm.DB
	user   *models.User
	driver *fakeDriver
	exec   *service.ExecutionService
	ledger *service.LedgerService
	trades *repository.TradeRepository
	creds  *service.CredentialService
}

func newExecFixture(t *testing.T, driver *fakeDriver) *execFixture {
	t.Helper()
	db := setupTestDB(t)
	user := createTestUser(t, db)

	tradeRepo := repository.NewTradeRepository(db)
	auditRepo := repository.NewAuditEventRepository(db)
	credRepo := repository.NewBrokerCredentialRepository(db)

	encCfg := config.EncryptionConfig{AESKey: "test-key"}
	credService := service.NewCredentialService(credRepo, encCfg)
	_, err := credService.Create(user.ID, &service.CreateCredentialRequest{
		Login:     12345,
		Password:  "secret",
		Server:    "Test-Server",
		IsDefault: true,
	})
	require.NoError(t, err)

	ledger := service.NewLedgerService(db, tradeRepo, auditRepo)
	exec := service.NewExecutionService(db, tradeRepo, ledger, credService, driver, testTradingConfig())

	return &execFixture{
		db:     db,
		user:   user,
		driver: driver,
		exec:   exec,
		ledger: ledger,
		trades: tradeRepo,
		creds:  credService,
	}
}

func goldInstruments() map[string]venue.Instrument {
	return map[string]venue.Instrument{
		"XAUUSDm": {Name: "XAUUSDm", Digits: 3, Point: 0.001, Visible: true, TradeAllowed: true},
		"EURUSD":  {Name: "EURUSD", Digits: 5, Point: 0.00001, Visible: true, TradeAllowed: true},
	}
}

func eventTypes(events []models.AuditEvent) []models.EventType {
	types := make([]models.EventType, len(events))
	for i, e := range events {
		types[i] = e.EventType
	}
	return types
}

func countType(events []models.AuditEvent, et models.EventType) int {
	n := 0
	for _, e := range events {
		if e.EventType == et {
			n++
		}
	}
	return n
}

func TestExecuteHappyPathResolvesSuffixedSymbol(t *testing.T) {
	sess := &fakeSession{
		instruments: goldInstruments(),
		tick:        &venue.Tick{Symbol: "XAUUSDm", Bid: 2350.10, Ask: 2350.45},
		sendResults: []venue.OrderResult{
			{Retcode: venue.RetcodeDone, OrderTicket: 101, PositionTicket: 201, Price: 2350.45},
		},
	}
	f := newExecFixture(t, &fakeDriver{session: sess})

	trade, err := f.exec.Execute(context.Background(), f.user.ID, actorFor(f.user.ID), &service.ExecuteRequest{
		Symbol: "XAUUSD",
		Side:   "buy",
		Lot:    "0.10",
	})
	require.NoError(t, err)

	assert.Equal(t, models.TradeStatusOpen, trade.Status)
	assert.Equal(t, "XAUUSDm", trade.VenueSymbol)
	require.NotNil(t, trade.PositionTicket)
	assert.Equal(t, int64(201), *trade.PositionTicket)
	require.NotNil(t, trade.EntryPrice)
	assert.Equal(t, "2350.45", trade.EntryPrice.String())
	assert.NotNil(t, trade.OpenedAt)
	assert.True(t, sess.closed)

	events, err := f.ledger.Events(trade.ID)
	require.NoError(t, err)
	assert.Equal(t, []models.EventType{
		models.EventTradeCreated,
		models.EventValidationOK,
		models.EventVenueConnectStart,
		models.EventVenueConnectOK,
		models.EventSymbolResolveStart,
		models.EventSymbolResolved,
		models.EventTickFetch,
		models.EventPriceSelected,
		models.EventSlippageComputed,
		models.EventOrderRequestBuilt,
		models.EventOrderSendAttempt,
		models.EventOrderSendResult,
		models.EventTradeStatusUpdated,
	}, eventTypes(events))

	// The whole attempt must verify as an intact chain.
	report, err := f.ledger.Verify(repository.ExportFilter{TradeID: trade.ID})
	require.NoError(t, err)
	assert.True(t, report.OK)
}

func TestExecuteFallsBackFromFOKToIOC(t *testing.T) {
	sess := &fakeSession{
		instruments: goldInstruments(),
		tick:        &venue.Tick{Symbol: "EURUSD", Bid: 1.08550, Ask: 1.08562},
		sendResults: []venue.OrderResult{
			{Retcode: venue.RetcodeInvalidFill},
			{Retcode: venue.RetcodeDone, OrderTicket: 102, PositionTicket: 202, Price: 1.08562},
		},
	}
	f := newExecFixture(t, &fakeDriver{session: sess})

	trade, err := f.exec.Execute(context.Background(), f.user.ID, actorFor(f.user.ID), &service.ExecuteRequest{
		Symbol: "EURUSD",
		Side:   "buy",
		Lot:    "0.05",
	})
	require.NoError(t, err)
	assert.Equal(t, models.TradeStatusOpen, trade.Status)

	assert.Equal(t, []venue.PolicyVariant{venue.PolicyFOK, venue.PolicyIOC}, sess.sendCalls)

	events, err := f.ledger.Events(trade.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, countType(events, models.EventOrderSendAttempt))
	assert.Equal(t, 1, countType(events, models.EventOrderSendResult))
}

func TestExecuteStopsFallbackOnHardRejection(t *testing.T) {
	sess := &fakeSession{
		instruments: goldInstruments(),
		tick:        &venue.Tick{Symbol: "EURUSD", Bid: 1.08550, Ask: 1.08562},
		sendResults: []venue.OrderResult{
			// Not a filling-mode rejection: no further variants tried.
			{Retcode: 10019, Comment: "no money"},
		},
	}
	f := newExecFixture(t, &fakeDriver{session: sess})

	trade, err := f.exec.Execute(context.Background(), f.user.ID, actorFor(f.user.ID), &service.ExecuteRequest{
		Symbol: "EURUSD",
		Side:   "sell",
		Lot:    "0.05",
	})
	require.ErrorIs(t, err, service.ErrExecutionFailed)
	require.NotNil(t, trade)
	assert.Equal(t, models.TradeStatusFailed, trade.Status)
	assert.Equal(t, []venue.PolicyVariant{venue.PolicyFOK}, sess.sendCalls)

	events, eErr := f.ledger.Events(trade.ID)
	require.NoError(t, eErr)
	assert.Equal(t, 1, countType(events, models.EventError))
}

func TestExecuteFailsAfterTickRetriesExhausted(t *testing.T) {
	sess := &fakeSession{
		instruments: goldInstruments(),
		tickErr:     venue.ErrNoTick,
	}
	f := newExecFixture(t, &fakeDriver{session: sess})

	trade, err := f.exec.Execute(context.Background(), f.user.ID, actorFor(f.user.ID), &service.ExecuteRequest{
		Symbol: "XAUUSD",
		Side:   "buy",
		Lot:    "0.10",
	})
	require.ErrorIs(t, err, service.ErrExecutionFailed)
	require.NotNil(t, trade)
	assert.Equal(t, models.TradeStatusFailed, trade.Status)

	events, eErr := f.ledger.Events(trade.ID)
	require.NoError(t, eErr)
	assert.Equal(t, 3, countType(events, models.EventTickFetch))
	assert.Equal(t, 1, countType(events, models.EventError))
	// Terminal event is the pending->failed status update.
	last := events[len(events)-1]
	assert.Equal(t, models.EventTradeStatusUpdated, last.EventType)
	assert.Equal(t, "failed", last.Payload["to"])
}

func TestExecuteRejectsUnknownSymbol(t *testing.T) {
	sess := &fakeSession{
		instruments: goldInstruments(),
	}
	f := newExecFixture(t, &fakeDriver{session: sess})

	trade, err := f.exec.Execute(context.Background(), f.user.ID, actorFor(f.user.ID), &service.ExecuteRequest{
		Symbol: "GBPUSD",
		Side:   "buy",
		Lot:    "0.10",
	})
	require.ErrorIs(t, err, service.ErrExecutionFailed)
	require.NotNil(t, trade)
	assert.Equal(t, models.TradeStatusFailed, trade.Status)

	events, eErr := f.ledger.Events(trade.ID)
	require.NoError(t, eErr)
	// GBPUSD is not in the allowed list, so validation stops the attempt
	// before any venue traffic.
	assert.Equal(t, 1, countType(events, models.EventValidationFailed))
	assert.Equal(t, 0, countType(events, models.EventVenueConnectStart))
	assert.Equal(t, 0, f.driver.connects)
}

func TestExecuteEmitsSymbolNotFound(t *testing.T) {
	sess := &fakeSession{
		// Venue offers nothing resembling gold.
		instruments: map[string]venue.Instrument{
			"EURUSD": {Name: "EURUSD", Digits: 5, Point: 0.00001, TradeAllowed: true},
		},
	}
	f := newExecFixture(t, &fakeDriver{session: sess})

	trade, err := f.exec.Execute(context.Background(), f.user.ID, actorFor(f.user.ID), &service.ExecuteRequest{
		Symbol: "XAUUSD",
		Side:   "buy",
		Lot:    "0.10",
	})
	require.ErrorIs(t, err, service.ErrExecutionFailed)
	assert.Equal(t, models.TradeStatusFailed, trade.Status)

	events, eErr := f.ledger.Events(trade.ID)
	require.NoError(t, eErr)
	assert.Equal(t, 1, countType(events, models.EventSymbolNotFound))
	assert.Equal(t, 1, countType(events, models.EventError))
}

func TestExecuteRejectsOversizedLot(t *testing.T) {
	f := newExecFixture(t, &fakeDriver{session: &fakeSession{}})

	trade, err := f.exec.Execute(context.Background(), f.user.ID, actorFor(f.user.ID), &service.ExecuteRequest{
		Symbol: "XAUUSD",
		Side:   "buy",
		Lot:    "5.00",
	})
	require.ErrorIs(t, err, service.ErrExecutionFailed)
	assert.Equal(t, models.TradeStatusFailed, trade.Status)
	assert.Equal(t, 0, f.driver.connects)
}

func TestExecuteVenueConnectFailure(t *testing.T) {
	f := newExecFixture(t, &fakeDriver{connectErr: venue.ErrConnect})

	trade, err := f.exec.Execute(context.Background(), f.user.ID, actorFor(f.user.ID), &service.ExecuteRequest{
		Symbol: "XAUUSD",
		Side:   "buy",
		Lot:    "0.10",
	})
	require.ErrorIs(t, err, service.ErrExecutionFailed)
	assert.Equal(t, models.TradeStatusFailed, trade.Status)

	events, eErr := f.ledger.Events(trade.ID)
	require.NoError(t, eErr)
	assert.Equal(t, 1, countType(events, models.EventVenueConnectFail))
	assert.Equal(t, 1, countType(events, models.EventError))
}

func openTestTrade(t *testing.T, f *execFixture) *models.Trade {
	t.Helper()
	sess := &fakeSession{
		instruments: goldInstruments(),
		tick:        &venue.Tick{Symbol: "XAUUSDm", Bid: 2350.10, Ask: 2350.45},
		sendResults: []venue.OrderResult{
			{Retcode: venue.RetcodeDone, OrderTicket: 301, PositionTicket: 401, Price: 2350.45},
		},
	}
	f.driver.session = sess
	f.driver.connectErr = nil

	trade, err := f.exec.Execute(context.Background(), f.user.ID, actorFor(f.user.ID), &service.ExecuteRequest{
		Symbol: "XAUUSD",
		Side:   "buy",
		Lot:    "0.10",
	})
	require.NoError(t, err)
	return trade
}

func TestCloseTradeMovesToClosedWithVenueNumbers(t *testing.T) {
	f := newExecFixture(t, &fakeDriver{})
	trade := openTestTrade(t, f)

	f.driver.session.closeResult = &venue.CloseResult{
		Retcode:    venue.RetcodeDone,
		ClosePrice: 2352.80,
		Profit:     23.50,
	}

	closed, err := f.exec.CloseTrade(context.Background(), f.user.ID, actorFor(f.user.ID), trade.ID, &service.CloseRequest{})
	require.NoError(t, err)
	assert.Equal(t, models.TradeStatusClosed, closed.Status)
	require.NotNil(t, closed.ClosePrice)
	assert.Equal(t, "2352.8", closed.ClosePrice.String())
	require.NotNil(t, closed.Profit)
	assert.Equal(t, "23.5", closed.Profit.String())
	assert.NotNil(t, closed.ClosedAt)

	events, err := f.ledger.Events(trade.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, countType(events, models.EventCloseRequest))
	assert.Equal(t, 1, countType(events, models.EventCloseResult))

	report, err := f.ledger.Verify(repository.ExportFilter{TradeID: trade.ID})
	require.NoError(t, err)
	assert.True(t, report.OK)
}

func TestCloseTradeRejectsNonOpenTrade(t *testing.T) {
	f := newExecFixture(t, &fakeDriver{})
	trade := openTestTrade(t, f)

	f.driver.session.closeResult = &venue.CloseResult{Retcode: venue.RetcodeDone, ClosePrice: 2351, Profit: 5}
	_, err := f.exec.CloseTrade(context.Background(), f.user.ID, actorFor(f.user.ID), trade.ID, &service.CloseRequest{})
	require.NoError(t, err)

	// Second close: the trade is already terminal.
	_, err = f.exec.CloseTrade(context.Background(), f.user.ID, actorFor(f.user.ID), trade.ID, &service.CloseRequest{})
	assert.ErrorIs(t, err, service.ErrTradeNotOpen)
}

func TestCloseTradeLeavesTradeOpenOnVenueRejection(t *testing.T) {
	f := newExecFixture(t, &fakeDriver{})
	trade := openTestTrade(t, f)

	f.driver.session.closeResult = &venue.CloseResult{Retcode: venue.RetcodeInvalid, Comment: "market closed"}

	_, err := f.exec.CloseTrade(context.Background(), f.user.ID, actorFor(f.user.ID), trade.ID, &service.CloseRequest{})
	require.Error(t, err)

	reloaded, rErr := f.trades.GetByID(trade.ID)
	require.NoError(t, rErr)
	assert.Equal(t, models.TradeStatusOpen, reloaded.Status)

	events, eErr := f.ledger.Events(trade.ID)
	require.NoError(t, eErr)
	assert.GreaterOrEqual(t, countType(events, models.EventError), 1)
}

func TestModifyTradeUpdatesStopLevels(t *testing.T) {
	f := newExecFixture(t, &fakeDriver{})
	trade := openTestTrade(t, f)

	sl := 2340.0
	tp := 2370.0
	modified, err := f.exec.ModifyTrade(context.Background(), f.user.ID, actorFor(f.user.ID), trade.ID, &service.ModifyRequest{
		StopLoss:   &sl,
		TakeProfit: &tp,
	})
	require.NoError(t, err)
	require.NotNil(t, modified.StopLoss)
	assert.Equal(t, "2340", modified.StopLoss.String())
	require.NotNil(t, modified.TakeProfit)
	assert.Equal(t, "2370", modified.TakeProfit.String())

	events, err := f.ledger.Events(trade.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, countType(events, models.EventPositionModified))
}

func TestModifyTradeRecordsErrorOnConnectFailure(t *testing.T) {
	f := newExecFixture(t, &fakeDriver{})
	trade := openTestTrade(t, f)

	f.driver.connectErr = venue.ErrConnect

	sl := 2340.0
	_, err := f.exec.ModifyTrade(context.Background(), f.user.ID, actorFor(f.user.ID), trade.ID, &service.ModifyRequest{
		StopLoss: &sl,
	})
	require.ErrorIs(t, err, venue.ErrConnect)

	// Same terminal telemetry as a failed close: the connect failure plus
	// an ERROR event, and the trade stays open.
	events, eErr := f.ledger.Events(trade.ID)
	require.NoError(t, eErr)
	assert.Equal(t, 1, countType(events, models.EventVenueConnectFail))
	assert.Equal(t, 1, countType(events, models.EventError))

	reloaded, rErr := f.trades.GetByID(trade.ID)
	require.NoError(t, rErr)
	assert.Equal(t, models.TradeStatusOpen, reloaded.Status)
}

func TestExecuteSurfacesMalformedLotBounds(t *testing.T) {
	f := newExecFixture(t, &fakeDriver{session: &fakeSession{}})

	badCfg := testTradingConfig()
	badCfg.MinLot = "not-a-number"
	exec := service.NewExecutionService(f.db, f.trades, f.ledger, f.creds, f.driver, badCfg)

	trade, err := exec.Execute(context.Background(), f.user.ID, actorFor(f.user.ID), &service.ExecuteRequest{
		Symbol: "XAUUSD",
		Side:   "buy",
		Lot:    "0.10",
	})
	require.ErrorIs(t, err, service.ErrExecutionFailed)
	assert.Contains(t, err.Error(), "min_lot")
	assert.Equal(t, models.TradeStatusFailed, trade.Status)
	// A broken config is a server defect, never a silently-collapsed bound.
	assert.Equal(t, 0, f.driver.connects)
}

func TestCloseAllSweepsOpenTrades(t *testing.T) {
	f := newExecFixture(t, &fakeDriver{})
	first := openTestTrade(t, f)

	// Open a second trade with a distinct position ticket.
	f.driver.session.sendResults = []venue.OrderResult{
		{Retcode: venue.RetcodeDone, OrderTicket: 302, PositionTicket: 402, Price: 2350.50},
	}
	second, err := f.exec.Execute(context.Background(), f.user.ID, actorFor(f.user.ID), &service.ExecuteRequest{
		Symbol: "XAUUSD",
		Side:   "sell",
		Lot:    "0.10",
	})
	require.NoError(t, err)

	f.driver.session.closeResult = &venue.CloseResult{Retcode: venue.RetcodeDone, ClosePrice: 2351, Profit: 1}

	result, err := f.exec.CloseAll(context.Background(), f.user.ID, actorFor(f.user.ID))
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint{first.ID, second.ID}, result.Closed)
	assert.Empty(t, result.Failed)

	for _, id := range []uint{first.ID, second.ID} {
		reloaded, err := f.trades.GetByID(id)
		require.NoError(t, err)
		assert.Equal(t, models.TradeStatusClosed, reloaded.Status)
	}
}
