package service

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"gorm.io/gorm"

	"github.com/detutorfocus/forex-app/internal/audit"
	"github.com/detutorfocus/forex-app/internal/models"
	"github.com/detutorfocus/forex-app/internal/repository"
)

// ExportJSONCap bounds the JSON export; larger result sets must use the
// streaming CSV export.
const ExportJSONCap = 5000

// ActorContext identifies who (and from where) caused a ledger event.
// A nil ActorID means the system itself acted, e.g. a background worker.
type ActorContext struct {
	ActorID   *uint
	IP        string
	UserAgent string
	RequestID string
}

// SystemActor is the actor context for events not caused by a request.
func SystemActor(requestID string) ActorContext {
	return ActorContext{RequestID: requestID}
}

// LedgerService owns the per-trade hash-chained audit ledger. Every append
// runs in a transaction that takes the trade row's write-lock, so events for
// one trade are strictly serialized and the chain can never fork.
type LedgerService struct {
	db        *gorm.DB
	tradeRepo *repository.TradeRepository
	auditRepo *repository.AuditEventRepository
}

// NewLedgerService creates a new LedgerService
func NewLedgerService(db *gorm.DB, tradeRepo *repository.TradeRepository, auditRepo *repository.AuditEventRepository) *LedgerService {
	return &LedgerService{
		db:        db,
		tradeRepo: tradeRepo,
		auditRepo: auditRepo,
	}
}

// Append records one event for a trade in its own transaction.
func (s *LedgerService) Append(tradeID uint, actor ActorContext, eventType models.EventType, payload models.JSONMap) (*models.AuditEvent, error) {
	var event *models.AuditEvent
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var txErr error
		event, txErr = s.AppendTx(tx, tradeID, actor, eventType, payload)
		return txErr
	})
	if err != nil {
		return nil, err
	}
	return event, nil
}

// AppendTx records one event inside an existing transaction. The sequence
// allocation write-locks the trade row first; everything after it (reading
// the previous event, hashing, inserting) is therefore race-free.
//
// Timestamps are truncated to microseconds before hashing because that is
// the storage precision; otherwise the hash recomputed from a stored row
// would never match.
func (s *LedgerService) AppendTx(tx *gorm.DB, tradeID uint, actor ActorContext, eventType models.EventType, payload models.JSONMap) (*models.AuditEvent, error) {
	seq, err := s.tradeRepo.NextAuditSeqTx(tx, tradeID)
	if err != nil {
		return nil, err
	}

	prev, err := s.auditRepo.LastTx(tx, tradeID)
	if err != nil {
		return nil, err
	}

	prevHash := ""
	if prev != nil {
		if prev.Seq != seq-1 {
			return nil, fmt.Errorf("%w: allocated seq %d after seq %d", repository.ErrConcurrencyViolation, seq, prev.Seq)
		}
		prevHash = prev.Hash
	} else if seq != 1 {
		return nil, fmt.Errorf("%w: allocated seq %d with empty chain", repository.ErrConcurrencyViolation, seq)
	}

	safePayload, err := audit.JSONSafe(payload)
	if err != nil {
		return nil, err
	}

	event := &models.AuditEvent{
		TradeID:   tradeID,
		Seq:       seq,
		EventType: eventType,
		At:        time.Now().UTC().Truncate(time.Microsecond),
		ActorID:   actor.ActorID,
		IP:        actor.IP,
		UserAgent: actor.UserAgent,
		RequestID: actor.RequestID,
		Payload:   safePayload,
		PrevHash:  prevHash,
	}

	hash, err := audit.EventHash(event)
	if err != nil {
		return nil, err
	}
	event.Hash = hash

	if err := s.auditRepo.CreateTx(tx, event); err != nil {
		return nil, err
	}
	return event, nil
}

// Events returns a trade's ledger in seq order
func (s *LedgerService) Events(tradeID uint) ([]models.AuditEvent, error) {
	return s.auditRepo.GetByTradeID(tradeID)
}

// ChainBreak describes the first point where verification failed.
type ChainBreak struct {
	TradeID uint   `json:"trade_id"`
	Seq     uint   `json:"seq"`
	EventID uint64 `json:"event_id"`
	Reason  string `json:"reason"`
}

// VerifyReport is the outcome of a ledger verification walk.
type VerifyReport struct {
	Checked int64       `json:"checked"`
	OK      bool        `json:"ok"`
	Break   *ChainBreak `json:"break,omitempty"`
}

// errVerifyStop aborts the walk once the first break is found.
var errVerifyStop = fmt.Errorf("verification stopped at first break")

// Verify walks the ledger in (trade_id, seq) order and re-derives every
// chain: sequence numbers must run 1..N without gaps, each prev_hash must
// equal the previous event's stored hash, and each stored hash must equal
// the hash recomputed from the stored fields. The walk reports the first
// break it finds; everything before it is intact.
//
// Only the trade-id filter applies. Verification needs whole chains, and a
// view narrowed by event type or request id has gaps by construction, so
// those filters would flag an intact ledger as corrupt.
func (s *LedgerService) Verify(filter repository.ExportFilter) (*VerifyReport, error) {
	filter = repository.ExportFilter{TradeID: filter.TradeID}

	report := &VerifyReport{OK: true}

	var curTrade uint
	var lastSeq uint
	var lastHash string

	err := s.auditRepo.ForEach(filter, func(e *models.AuditEvent) error {
		if e.TradeID != curTrade {
			curTrade = e.TradeID
			lastSeq = 0
			lastHash = ""
		}

		if e.Seq != lastSeq+1 {
			report.fail(e, fmt.Sprintf("sequence gap: expected seq %d, found %d", lastSeq+1, e.Seq))
			return errVerifyStop
		}
		if e.PrevHash != lastHash {
			report.fail(e, "prev_hash does not match previous event's hash")
			return errVerifyStop
		}

		recomputed, err := audit.EventHash(e)
		if err != nil {
			return err
		}
		if recomputed != e.Hash {
			report.fail(e, "stored hash does not match recomputed content hash")
			return errVerifyStop
		}

		report.Checked++
		lastSeq = e.Seq
		lastHash = e.Hash
		return nil
	})
	if err != nil && err != errVerifyStop {
		return nil, err
	}
	return report, nil
}

func (r *VerifyReport) fail(e *models.AuditEvent, reason string) {
	r.OK = false
	r.Break = &ChainBreak{
		TradeID: e.TradeID,
		Seq:     e.Seq,
		EventID: e.ID,
		Reason:  reason,
	}
}

// ExportCount returns the number of events matching the filter
func (s *LedgerService) ExportCount(filter repository.ExportFilter) (int64, error) {
	return s.auditRepo.Count(filter)
}

// ExportJSON returns matching events capped at ExportJSONCap
func (s *LedgerService) ExportJSON(filter repository.ExportFilter) ([]models.AuditEvent, error) {
	return s.auditRepo.List(filter, ExportJSONCap)
}

var exportCSVHeader = []string{
	"id", "trade_id", "seq", "event_type", "at",
	"actor_id", "ip", "user_agent", "request_id",
	"payload", "prev_hash", "hash",
}

// ExportCSV streams matching events as CSV without loading them all into
// memory. Payloads are written in their canonical JSON form so an exported
// row carries exactly the bytes that were hashed.
func (s *LedgerService) ExportCSV(w io.Writer, filter repository.ExportFilter) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(exportCSVHeader); err != nil {
		return err
	}

	err := s.auditRepo.ForEach(filter, func(e *models.AuditEvent) error {
		payload, err := audit.Canonical(map[string]interface{}(e.Payload))
		if err != nil {
			return err
		}

		actorID := ""
		if e.ActorID != nil {
			actorID = strconv.FormatUint(uint64(*e.ActorID), 10)
		}

		return cw.Write([]string{
			strconv.FormatUint(e.ID, 10),
			strconv.FormatUint(uint64(e.TradeID), 10),
			strconv.FormatUint(uint64(e.Seq), 10),
			string(e.EventType),
			e.At.UTC().Format(time.RFC3339Nano),
			actorID,
			e.IP,
			e.UserAgent,
			e.RequestID,
			string(payload),
			e.PrevHash,
			e.Hash,
		})
	})
	if err != nil {
		return err
	}

	cw.Flush()
	return cw.Error()
}
