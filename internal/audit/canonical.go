// Package audit implements the canonical serialization and hashing used by
// the trade audit ledger. Two processes hashing the same event must produce
// identical bytes, so encoding is fully deterministic: object keys are
// sorted, separators are fixed, and non-JSON-native values (decimals, times)
// have a single pinned string form.
package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/detutorfocus/forex-app/internal/models"
	"github.com/shopspring/decimal"
)

// Canonical serializes v into deterministic JSON: map keys sorted, "," and
// ":" separators with no whitespace, decimals and timestamps as strings.
// Values that cannot be represented degrade to their fmt string form rather
// than failing.
func Canonical(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Digest returns the lowercase hex SHA-256 of b.
func Digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// EventHash computes the content hash of an audit event. The hash covers
// every recorded field including PrevHash, so each event seals its position
// in the per-trade chain.
func EventHash(e *models.AuditEvent) (string, error) {
	base := map[string]interface{}{
		"trade_id":   e.TradeID,
		"seq":        e.Seq,
		"event_type": string(e.EventType),
		"at":         e.At,
		"actor_id":   e.ActorID,
		"ip":         e.IP,
		"user_agent": e.UserAgent,
		"request_id": e.RequestID,
		"payload":    map[string]interface{}(e.Payload),
		"prev_hash":  e.PrevHash,
	}
	b, err := Canonical(base)
	if err != nil {
		return "", err
	}
	return Digest(b), nil
}

// JSONSafe normalizes a payload to plain JSON types (string, float64, bool,
// nil, maps, slices) so that the value hashed at append time is identical to
// the value recomputed from storage during verification.
func JSONSafe(m models.JSONMap) (models.JSONMap, error) {
	if m == nil {
		return models.JSONMap{}, nil
	}
	b, err := Canonical(map[string]interface{}(m))
	if err != nil {
		return nil, err
	}
	out := models.JSONMap{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func writeCanonical(buf *bytes.Buffer, v interface{}) error {
	switch x := v.(type) {
	case nil:
		buf.WriteString("null")
	case time.Time:
		return writeScalar(buf, x.UTC().Format(time.RFC3339Nano))
	case *time.Time:
		if x == nil {
			buf.WriteString("null")
			return nil
		}
		return writeCanonical(buf, *x)
	case decimal.Decimal:
		return writeScalar(buf, x.String())
	case *decimal.Decimal:
		if x == nil {
			buf.WriteString("null")
			return nil
		}
		return writeScalar(buf, x.String())
	case json.Number:
		buf.WriteString(x.String())
	case models.JSONMap:
		return writeMap(buf, map[string]interface{}(x))
	case map[string]interface{}:
		return writeMap(buf, x)
	case []interface{}:
		buf.WriteByte('[')
		for i, item := range x {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		return writeScalar(buf, x)
	}
	return nil
}

func writeMap(buf *bytes.Buffer, m map[string]interface{}) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeScalar(buf, k); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := writeCanonical(buf, m[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

// writeScalar encodes bools, strings and numbers through encoding/json,
// whose output is stable for a given value. Anything it cannot handle is
// stringified first so encoding never silently diverges between platforms.
func writeScalar(buf *bytes.Buffer, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		b, err = json.Marshal(stringify(v))
		if err != nil {
			return err
		}
	}
	buf.Write(b)
	return nil
}

func stringify(v interface{}) string {
	type stringer interface{ String() string }
	if s, ok := v.(stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%v", v)
}
