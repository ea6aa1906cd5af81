package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/detutorfocus/forex-app/internal/venue"
)

// tickTTL is how long a cached quote stays usable. Forex ticks arrive every
// few hundred milliseconds during market hours; anything older is stale.
const tickTTL = 5 * time.Second

var ErrTickUnavailable = errors.New("no current tick for symbol")

// TickStreamer is implemented by the bridge tick stream client.
type TickStreamer interface {
	Start(ctx context.Context) error
	Subscribe(symbols []string) error
	SetSubscriber(sub venue.TickSubscriber)
	IsConnected() bool
	Close() error
}

// MarketService caches venue quotes for read endpoints. Ticks arrive over
// the bridge WebSocket stream and land in a memory map plus Redis, so other
// instances (and restarts) can serve prices without their own stream.
// Trade execution never reads this cache; orders always price off a fresh
// session tick.
type MarketService struct {
	redis  *redis.Client
	stream TickStreamer

	ticks    map[string]venue.Tick
	ticksMux sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
}

// NewMarketService creates a new MarketService
func NewMarketService(redisClient *redis.Client, stream TickStreamer) *MarketService {
	s := &MarketService{
		redis:  redisClient,
		stream: stream,
		ticks:  make(map[string]venue.Tick),
	}
	if stream != nil {
		stream.SetSubscriber(s)
	}
	return s
}

// Start connects the tick stream and subscribes to the given symbols.
func (s *MarketService) Start(ctx context.Context, symbols []string) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	if s.stream == nil {
		log.Printf("[Market] No tick stream configured, serving from Redis only")
		return nil
	}

	if err := s.stream.Start(s.ctx); err != nil {
		return err
	}
	if len(symbols) > 0 {
		if err := s.stream.Subscribe(symbols); err != nil {
			log.Printf("[Market] Subscribe failed: %v", err)
		}
	}

	log.Printf("[Market] Started, %d symbols subscribed", len(symbols))
	return nil
}

// OnTick implements venue.TickSubscriber
func (s *MarketService) OnTick(tick venue.Tick) {
	symbol := strings.ToUpper(tick.Symbol)

	s.ticksMux.Lock()
	s.ticks[symbol] = tick
	s.ticksMux.Unlock()

	if s.redis == nil || s.ctx == nil {
		return
	}

	data, err := json.Marshal(tick)
	if err != nil {
		return
	}
	key := tickKey(symbol)
	if err := s.redis.Set(s.ctx, key, data, tickTTL).Err(); err != nil {
		log.Printf("[Market] Redis set %s failed: %v", key, err)
		return
	}
	s.redis.Publish(s.ctx, "tick_updates", fmt.Sprintf("%s:%f:%f", symbol, tick.Bid, tick.Ask))
}

// GetTick returns the freshest cached quote for a symbol, trying memory
// first and Redis second.
func (s *MarketService) GetTick(ctx context.Context, symbol string) (*venue.Tick, error) {
	symbol = strings.ToUpper(symbol)

	s.ticksMux.RLock()
	tick, ok := s.ticks[symbol]
	s.ticksMux.RUnlock()
	if ok && time.Since(tick.Time) < tickTTL {
		return &tick, nil
	}

	if s.redis != nil {
		data, err := s.redis.Get(ctx, tickKey(symbol)).Bytes()
		if err == nil {
			var cached venue.Tick
			if json.Unmarshal(data, &cached) == nil {
				return &cached, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			return nil, err
		}
	}

	return nil, ErrTickUnavailable
}

// IsStreamConnected reports whether the live tick stream is up.
func (s *MarketService) IsStreamConnected() bool {
	return s.stream != nil && s.stream.IsConnected()
}

// Stop shuts the stream down.
func (s *MarketService) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.stream != nil {
		if err := s.stream.Close(); err != nil {
			log.Printf("[Market] Stream close failed: %v", err)
		}
	}
}

func tickKey(symbol string) string {
	return "tick:" + symbol
}
