package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/detutorfocus/forex-app/internal/config"
	"github.com/detutorfocus/forex-app/internal/models"
	"github.com/detutorfocus/forex-app/internal/repository"
	"github.com/detutorfocus/forex-app/internal/venue"
)

var (
	ErrSymbolNotAllowed = errors.New("symbol not in allowed list")
	ErrLotOutOfRange    = errors.New("lot size out of allowed range")
	ErrInvalidLot       = errors.New("invalid lot size")
	ErrTradeNotOpen     = errors.New("trade is not open")
	// ErrExecutionFailed wraps any failure after the trade record exists.
	// The trade is left in status failed with the reason in its ledger.
	ErrExecutionFailed = errors.New("trade execution failed")
)

// ExecutionService orchestrates a trade attempt end to end: validation,
// venue connection, symbol resolution, pricing, order submission and the
// lifecycle transition. Every stage writes to the trade's audit ledger, and
// the ledger is the authority on what happened; the trade row is a summary.
type ExecutionService struct {
	db         *gorm.DB
	tradeRepo  *repository.TradeRepository
	ledger     *LedgerService
	creds      *CredentialService
	driver     venue.Driver
	tradingCfg config.TradingConfig
}

// NewExecutionService creates a new ExecutionService
func NewExecutionService(
	db *gorm.DB,
	tradeRepo *repository.TradeRepository,
	ledger *LedgerService,
	creds *CredentialService,
	driver venue.Driver,
	tradingCfg config.TradingConfig,
) *ExecutionService {
	return &ExecutionService{
		db:         db,
		tradeRepo:  tradeRepo,
		ledger:     ledger,
		creds:      creds,
		driver:     driver,
		tradingCfg: tradingCfg,
	}
}

// ExecuteRequest represents an order submission
type ExecuteRequest struct {
	Symbol       string   `json:"symbol" binding:"required,max=32"`
	Side         string   `json:"side" binding:"required,oneof=buy sell"`
	Lot          string   `json:"lot" binding:"required"`
	StopLoss     *float64 `json:"stop_loss"`
	TakeProfit   *float64 `json:"take_profit"`
	CredentialID uint     `json:"credential_id"`
}

// CloseRequest represents a close-position request
type CloseRequest struct {
	CredentialID uint `json:"credential_id"`
}

// ModifyRequest represents a stop-level modification
type ModifyRequest struct {
	StopLoss     *float64 `json:"stop_loss"`
	TakeProfit   *float64 `json:"take_profit"`
	CredentialID uint     `json:"credential_id"`
}

// Execute runs one trade attempt. The trade row plus a TRADE_CREATED event
// are committed before anything touches the venue, so even a crash mid-way
// leaves a ledger explaining how far the attempt got. On any stage failure
// the trade ends in status failed with exactly one ERROR event recording
// the reason.
func (s *ExecutionService) Execute(ctx context.Context, userID uint, actor ActorContext, req *ExecuteRequest) (*models.Trade, error) {
	lot, err := decimal.NewFromString(req.Lot)
	if err != nil {
		return nil, ErrInvalidLot
	}

	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))

	trade := &models.Trade{
		UserID:        userID,
		CorrelationID: uuid.NewString(),
		Symbol:        symbol,
		Side:          models.TradeSide(req.Side),
		Lot:           lot,
		Status:        models.TradeStatusPending,
		Magic:         s.tradingCfg.Magic,
		Comment:       s.tradingCfg.Comment,
	}
	if req.StopLoss != nil {
		sl := decimal.NewFromFloat(*req.StopLoss)
		trade.StopLoss = &sl
	}
	if req.TakeProfit != nil {
		tp := decimal.NewFromFloat(*req.TakeProfit)
		trade.TakeProfit = &tp
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.tradeRepo.CreateTx(tx, trade); err != nil {
			return err
		}
		_, err := s.ledger.AppendTx(tx, trade.ID, actor, models.EventTradeCreated, models.JSONMap{
			"correlation_id": trade.CorrelationID,
			"symbol":         symbol,
			"side":           req.Side,
			"lot":            lot,
			"stop_loss":      req.StopLoss,
			"take_profit":    req.TakeProfit,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	if err := s.validate(trade, actor, symbol, lot); err != nil {
		return s.fail(trade, actor, "validation", err, nil)
	}

	cred, venueCreds, err := s.creds.Resolve(userID, req.CredentialID)
	if err != nil {
		return s.fail(trade, actor, "credentials", err, nil)
	}

	session, err := s.connect(ctx, trade, actor, cred, venueCreds)
	if err != nil {
		return s.fail(trade, actor, "venue_connect", err, nil)
	}
	defer session.Close()

	instrument, err := s.resolveSymbol(ctx, session, trade, actor, symbol)
	if err != nil {
		return s.fail(trade, actor, "symbol_resolve", err, nil)
	}

	tick, err := s.fetchTick(ctx, session, trade, actor, instrument.Name)
	if err != nil {
		return s.fail(trade, actor, "tick_fetch", err, nil)
	}

	price := tick.Ask
	if trade.Side == models.TradeSideSell {
		price = tick.Bid
	}
	s.log(trade.ID, actor, models.EventPriceSelected, models.JSONMap{
		"side":  string(trade.Side),
		"bid":   tick.Bid,
		"ask":   tick.Ask,
		"price": price,
	})

	deviation := s.deviationPoints(trade.ID, actor, instrument)

	orderReq := venue.OrderRequest{
		Symbol:     instrument.Name,
		Side:       string(trade.Side),
		Volume:     lot,
		Price:      price,
		Deviation:  deviation,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		Magic:      trade.Magic,
		Comment:    trade.Comment,
	}
	s.log(trade.ID, actor, models.EventOrderRequestBuilt, models.JSONMap{
		"symbol":      orderReq.Symbol,
		"side":        orderReq.Side,
		"volume":      orderReq.Volume,
		"price":       orderReq.Price,
		"deviation":   orderReq.Deviation,
		"stop_loss":   req.StopLoss,
		"take_profit": req.TakeProfit,
		"magic":       orderReq.Magic,
		"comment":     orderReq.Comment,
	})

	result, variant, attempts, sendErr := s.submit(ctx, session, trade, actor, orderReq)

	resultPayload := models.JSONMap{
		"attempts": attempts,
		"variant":  string(variant),
	}
	if result != nil {
		resultPayload["retcode"] = result.Retcode
		resultPayload["order"] = result.OrderTicket
		resultPayload["position"] = result.PositionTicket
		resultPayload["price"] = result.Price
		resultPayload["comment"] = result.Comment
		resultPayload["accepted"] = result.Accepted()
	}
	if sendErr != nil {
		resultPayload["error"] = sendErr.Error()
	}
	s.log(trade.ID, actor, models.EventOrderSendResult, resultPayload)

	if sendErr != nil {
		return s.fail(trade, actor, "order_send", sendErr, nil)
	}
	if !result.Accepted() {
		return s.fail(trade, actor, "order_send",
			fmt.Errorf("venue rejected order: retcode %d (%s)", result.Retcode, result.Comment),
			models.JSONMap{"retcode": result.Retcode},
		)
	}

	entry := decimal.NewFromFloat(result.Price)
	now := time.Now().UTC()
	err = s.db.Transaction(func(tx *gorm.DB) error {
		updates := map[string]interface{}{
			"venue_symbol":    instrument.Name,
			"order_ticket":    result.OrderTicket,
			"position_ticket": result.PositionTicket,
			"entry_price":     entry,
			"opened_at":       now,
			"raw_response":    models.JSONMap(resultPayload),
		}
		if err := s.tradeRepo.TransitionTx(tx, trade.ID, models.TradeStatusOpen, updates); err != nil {
			return err
		}
		_, err := s.ledger.AppendTx(tx, trade.ID, actor, models.EventTradeStatusUpdated, models.JSONMap{
			"from": string(models.TradeStatusPending),
			"to":   string(models.TradeStatusOpen),
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	return s.tradeRepo.GetByID(trade.ID)
}

// validate checks the order against configured limits.
func (s *ExecutionService) validate(trade *models.Trade, actor ActorContext, symbol string, lot decimal.Decimal) error {
	minLot, err := decimal.NewFromString(s.tradingCfg.MinLot)
	if err != nil {
		return fmt.Errorf("malformed min_lot %q in trading config: %v", s.tradingCfg.MinLot, err)
	}
	maxLot, err := decimal.NewFromString(s.tradingCfg.MaxLot)
	if err != nil {
		return fmt.Errorf("malformed max_lot %q in trading config: %v", s.tradingCfg.MaxLot, err)
	}

	var reason error
	switch {
	case len(s.tradingCfg.AllowedSymbols) > 0 && !s.symbolAllowed(symbol):
		reason = ErrSymbolNotAllowed
	case lot.LessThan(minLot) || lot.GreaterThan(maxLot):
		reason = ErrLotOutOfRange
	}

	if reason != nil {
		s.log(trade.ID, actor, models.EventValidationFailed, models.JSONMap{
			"reason":  reason.Error(),
			"symbol":  symbol,
			"lot":     lot,
			"min_lot": s.tradingCfg.MinLot,
			"max_lot": s.tradingCfg.MaxLot,
		})
		return reason
	}

	s.log(trade.ID, actor, models.EventValidationOK, models.JSONMap{
		"symbol": symbol,
		"lot":    lot,
	})
	return nil
}

func (s *ExecutionService) symbolAllowed(symbol string) bool {
	for _, allowed := range s.tradingCfg.AllowedSymbols {
		if strings.EqualFold(allowed, symbol) {
			return true
		}
	}
	return false
}

// connect opens a venue session and records the outcome.
func (s *ExecutionService) connect(ctx context.Context, trade *models.Trade, actor ActorContext, cred *models.BrokerCredential, venueCreds venue.Credentials) (venue.Session, error) {
	s.log(trade.ID, actor, models.EventVenueConnectStart, models.JSONMap{
		"credential_id": cred.ID,
		"login":         cred.Login,
		"server":        cred.Server,
	})

	session, err := s.driver.Connect(ctx, venueCreds)
	if err != nil {
		s.log(trade.ID, actor, models.EventVenueConnectFail, models.JSONMap{
			"login":  cred.Login,
			"server": cred.Server,
			"error":  err.Error(),
		})
		return nil, err
	}

	s.log(trade.ID, actor, models.EventVenueConnectOK, models.JSONMap{
		"login":  cred.Login,
		"server": cred.Server,
	})
	return session, nil
}

var symbolNormalizer = regexp.MustCompile(`[^A-Z0-9]`)

func normalizeSymbol(s string) string {
	return symbolNormalizer.ReplaceAllString(strings.ToUpper(s), "")
}

// resolveSymbol maps the requested symbol onto what the venue actually
// offers. Brokers suffix or decorate symbol names (XAUUSD vs XAUUSDm vs
// XAUUSD.r), so resolution tries three strategies in order: the exact name,
// configured aliases, then a normalized scan of the venue's full instrument
// list preferring prefix matches.
func (s *ExecutionService) resolveSymbol(ctx context.Context, session venue.Session, trade *models.Trade, actor ActorContext, symbol string) (*venue.Instrument, error) {
	s.log(trade.ID, actor, models.EventSymbolResolveStart, models.JSONMap{
		"requested": symbol,
	})

	instrument, strategy, err := s.lookupSymbol(ctx, session, symbol)
	if err != nil {
		s.log(trade.ID, actor, models.EventSymbolNotFound, models.JSONMap{
			"requested": symbol,
			"error":     err.Error(),
		})
		return nil, err
	}

	if err := session.EnsureTradable(ctx, instrument.Name); err != nil {
		s.log(trade.ID, actor, models.EventSymbolNotSelectable, models.JSONMap{
			"requested": symbol,
			"resolved":  instrument.Name,
			"error":     err.Error(),
		})
		return nil, err
	}

	s.log(trade.ID, actor, models.EventSymbolResolved, models.JSONMap{
		"requested": symbol,
		"resolved":  instrument.Name,
		"strategy":  strategy,
		"digits":    instrument.Digits,
		"point":     instrument.Point,
	})
	return instrument, nil
}

func (s *ExecutionService) lookupSymbol(ctx context.Context, session venue.Session, symbol string) (*venue.Instrument, string, error) {
	// Exact name
	if instrument, err := session.Instrument(ctx, symbol); err == nil {
		return instrument, "exact", nil
	} else if !errors.Is(err, venue.ErrSymbolNotFound) {
		return nil, "", err
	}

	// Configured aliases
	for _, alias := range s.tradingCfg.SymbolAliases[symbol] {
		if instrument, err := session.Instrument(ctx, alias); err == nil {
			return instrument, "alias", nil
		} else if !errors.Is(err, venue.ErrSymbolNotFound) {
			return nil, "", err
		}
	}

	// Normalized scan over everything the venue offers
	instruments, err := session.Instruments(ctx)
	if err != nil {
		return nil, "", err
	}

	want := normalizeSymbol(symbol)
	var substringMatch *venue.Instrument
	for i := range instruments {
		got := normalizeSymbol(instruments[i].Name)
		if strings.HasPrefix(got, want) {
			return &instruments[i], "scan_prefix", nil
		}
		if substringMatch == nil && strings.Contains(got, want) {
			substringMatch = &instruments[i]
		}
	}
	if substringMatch != nil {
		return substringMatch, "scan_substring", nil
	}

	return nil, "", venue.ErrSymbolNotFound
}

// fetchTick polls for a quote, retrying because a just-selected instrument
// can take a moment before the terminal has tick data for it.
func (s *ExecutionService) fetchTick(ctx context.Context, session venue.Session, trade *models.Trade, actor ActorContext, symbol string) (*venue.Tick, error) {
	retries := s.tradingCfg.TickRetries
	for attempt := 1; attempt <= retries; attempt++ {
		tick, err := session.Tick(ctx, symbol)
		if err == nil {
			s.log(trade.ID, actor, models.EventTickFetch, models.JSONMap{
				"symbol":  symbol,
				"attempt": attempt,
				"bid":     tick.Bid,
				"ask":     tick.Ask,
			})
			return tick, nil
		}
		if !errors.Is(err, venue.ErrNoTick) {
			return nil, err
		}

		s.log(trade.ID, actor, models.EventTickFetch, models.JSONMap{
			"symbol":  symbol,
			"attempt": attempt,
			"error":   err.Error(),
		})

		if attempt < retries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.tradingCfg.TickRetryDelay()):
			}
		}
	}
	return nil, venue.ErrNoTick
}

// deviationPoints converts the configured slippage tolerance from pips into
// venue points. On 3- and 5-digit quotes one pip is ten points.
func (s *ExecutionService) deviationPoints(tradeID uint, actor ActorContext, instrument *venue.Instrument) int {
	pointsPerPip := 1
	if instrument.Digits == 3 || instrument.Digits == 5 {
		pointsPerPip = 10
	}
	deviation := int(s.tradingCfg.MaxSlippagePips * float64(pointsPerPip))

	s.log(tradeID, actor, models.EventSlippageComputed, models.JSONMap{
		"max_slippage_pips": s.tradingCfg.MaxSlippagePips,
		"digits":            instrument.Digits,
		"points_per_pip":    pointsPerPip,
		"deviation":         deviation,
	})
	return deviation
}

// submit tries the order through the filling-policy fallback chain. A
// rejection specific to the filling mode moves on to the next variant; any
// other answer, accepted or not, is final.
func (s *ExecutionService) submit(ctx context.Context, session venue.Session, trade *models.Trade, actor ActorContext, req venue.OrderRequest) (*venue.OrderResult, venue.PolicyVariant, int, error) {
	var result *venue.OrderResult
	var variant venue.PolicyVariant
	attempts := 0

	for _, v := range venue.DefaultPolicyOrder {
		attempts++
		variant = v

		s.log(trade.ID, actor, models.EventOrderSendAttempt, models.JSONMap{
			"attempt": attempts,
			"variant": string(v),
			"symbol":  req.Symbol,
			"volume":  req.Volume,
			"price":   req.Price,
		})

		res, err := session.Send(ctx, req, v)
		if err != nil {
			return nil, variant, attempts, err
		}
		result = res

		if res.Accepted() || !res.VariantRejected() {
			break
		}
	}

	return result, variant, attempts, nil
}

// CloseTrade closes an open trade's venue position and moves it to closed.
func (s *ExecutionService) CloseTrade(ctx context.Context, userID uint, actor ActorContext, tradeID uint, req *CloseRequest) (*models.Trade, error) {
	trade, err := s.tradeRepo.GetByIDAndUserID(tradeID, userID)
	if err != nil {
		return nil, err
	}
	if trade.Status != models.TradeStatusOpen || trade.PositionTicket == nil {
		return nil, ErrTradeNotOpen
	}

	cred, venueCreds, err := s.creds.Resolve(userID, req.CredentialID)
	if err != nil {
		return nil, err
	}

	session, err := s.connect(ctx, trade, actor, cred, venueCreds)
	if err != nil {
		s.log(trade.ID, actor, models.EventError, models.JSONMap{
			"stage": "venue_connect",
			"error": err.Error(),
		})
		return nil, err
	}
	defer session.Close()

	deviation := int(s.tradingCfg.MaxSlippagePips * 10)
	if instrument, ierr := session.Instrument(ctx, trade.VenueSymbol); ierr == nil {
		deviation = s.deviationPoints(trade.ID, actor, instrument)
	}

	s.log(trade.ID, actor, models.EventCloseRequest, models.JSONMap{
		"position":  *trade.PositionTicket,
		"deviation": deviation,
	})

	result, err := session.ClosePosition(ctx, *trade.PositionTicket, deviation)
	if err != nil {
		s.log(trade.ID, actor, models.EventError, models.JSONMap{
			"stage": "close",
			"error": err.Error(),
		})
		return nil, err
	}

	s.log(trade.ID, actor, models.EventCloseResult, models.JSONMap{
		"retcode": result.Retcode,
		"price":   result.ClosePrice,
		"profit":  result.Profit,
		"comment": result.Comment,
	})

	if result.Retcode != venue.RetcodeDone {
		err := fmt.Errorf("venue rejected close: retcode %d (%s)", result.Retcode, result.Comment)
		s.log(trade.ID, actor, models.EventError, models.JSONMap{
			"stage":   "close",
			"retcode": result.Retcode,
			"error":   err.Error(),
		})
		return nil, err
	}

	closePrice := decimal.NewFromFloat(result.ClosePrice)
	profit := decimal.NewFromFloat(result.Profit)
	now := time.Now().UTC()

	err = s.db.Transaction(func(tx *gorm.DB) error {
		updates := map[string]interface{}{
			"close_price": closePrice,
			"profit":      profit,
			"closed_at":   now,
		}
		if err := s.tradeRepo.TransitionTx(tx, trade.ID, models.TradeStatusClosed, updates); err != nil {
			return err
		}
		_, err := s.ledger.AppendTx(tx, trade.ID, actor, models.EventTradeStatusUpdated, models.JSONMap{
			"from": string(models.TradeStatusOpen),
			"to":   string(models.TradeStatusClosed),
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	return s.tradeRepo.GetByID(trade.ID)
}

// ModifyTrade updates stop-loss/take-profit on an open trade's position.
func (s *ExecutionService) ModifyTrade(ctx context.Context, userID uint, actor ActorContext, tradeID uint, req *ModifyRequest) (*models.Trade, error) {
	trade, err := s.tradeRepo.GetByIDAndUserID(tradeID, userID)
	if err != nil {
		return nil, err
	}
	if trade.Status != models.TradeStatusOpen || trade.PositionTicket == nil {
		return nil, ErrTradeNotOpen
	}

	cred, venueCreds, err := s.creds.Resolve(userID, req.CredentialID)
	if err != nil {
		return nil, err
	}

	session, err := s.connect(ctx, trade, actor, cred, venueCreds)
	if err != nil {
		s.log(trade.ID, actor, models.EventError, models.JSONMap{
			"stage": "venue_connect",
			"error": err.Error(),
		})
		return nil, err
	}
	defer session.Close()

	if err := session.ModifyPosition(ctx, *trade.PositionTicket, req.StopLoss, req.TakeProfit); err != nil {
		s.log(trade.ID, actor, models.EventError, models.JSONMap{
			"stage": "modify",
			"error": err.Error(),
		})
		return nil, err
	}

	updates := map[string]interface{}{}
	if req.StopLoss != nil {
		updates["stop_loss"] = decimal.NewFromFloat(*req.StopLoss)
	}
	if req.TakeProfit != nil {
		updates["take_profit"] = decimal.NewFromFloat(*req.TakeProfit)
	}
	if len(updates) > 0 {
		if err := s.tradeRepo.UpdateStopLevels(trade.ID, updates); err != nil {
			return nil, err
		}
	}

	s.log(trade.ID, actor, models.EventPositionModified, models.JSONMap{
		"position":    *trade.PositionTicket,
		"stop_loss":   req.StopLoss,
		"take_profit": req.TakeProfit,
	})

	return s.tradeRepo.GetByID(trade.ID)
}

// CloseAllResult summarizes an emergency close-all sweep.
type CloseAllResult struct {
	Closed []uint          `json:"closed"`
	Failed map[uint]string `json:"failed,omitempty"`
}

// CloseAll closes every open trade for a user. Failures on individual
// trades do not stop the sweep.
func (s *ExecutionService) CloseAll(ctx context.Context, userID uint, actor ActorContext) (*CloseAllResult, error) {
	trades, err := s.tradeRepo.GetOpenTrades(userID)
	if err != nil {
		return nil, err
	}

	result := &CloseAllResult{Failed: make(map[uint]string)}
	for i := range trades {
		trade := &trades[i]
		if _, err := s.CloseTrade(ctx, trade.UserID, actor, trade.ID, &CloseRequest{}); err != nil {
			log.Printf("[Execution] close-all: trade %d failed: %v", trade.ID, err)
			result.Failed[trade.ID] = err.Error()
			continue
		}
		result.Closed = append(result.Closed, trade.ID)
	}
	if len(result.Failed) == 0 {
		result.Failed = nil
	}
	return result, nil
}

// fail records the failure and moves the trade to its terminal failed
// status. Exactly one ERROR event is written per failed attempt, followed by
// the status-update event, all in one transaction.
func (s *ExecutionService) fail(trade *models.Trade, actor ActorContext, stage string, cause error, extra models.JSONMap) (*models.Trade, error) {
	payload := models.JSONMap{
		"stage": stage,
		"error": cause.Error(),
	}
	for k, v := range extra {
		payload[k] = v
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		if _, err := s.ledger.AppendTx(tx, trade.ID, actor, models.EventError, payload); err != nil {
			return err
		}
		if err := s.tradeRepo.TransitionTx(tx, trade.ID, models.TradeStatusFailed, nil); err != nil {
			return err
		}
		_, err := s.ledger.AppendTx(tx, trade.ID, actor, models.EventTradeStatusUpdated, models.JSONMap{
			"from": string(models.TradeStatusPending),
			"to":   string(models.TradeStatusFailed),
		})
		return err
	})
	if err != nil {
		log.Printf("[Execution] recording failure for trade %d: %v", trade.ID, err)
		return nil, err
	}

	failed, err := s.tradeRepo.GetByID(trade.ID)
	if err != nil {
		return nil, err
	}
	return failed, fmt.Errorf("%w at %s: %v", ErrExecutionFailed, stage, cause)
}

// log appends a stage event outside any transaction. Stage telemetry is
// best-effort: a ledger write failure is logged but never aborts the
// execution flow itself.
func (s *ExecutionService) log(tradeID uint, actor ActorContext, eventType models.EventType, payload models.JSONMap) {
	if _, err := s.ledger.Append(tradeID, actor, eventType, payload); err != nil {
		log.Printf("[Execution] audit append %s for trade %d failed: %v", eventType, tradeID, err)
	}
}
