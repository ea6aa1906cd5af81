package mt5

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/detutorfocus/forex-app/internal/venue"
)

const (
	pingInterval         = 30 * time.Second
	reconnectDelay       = 5 * time.Second
	maxReconnectAttempts = 10
)

// TickStream consumes the bridge's tick WebSocket feed.
type TickStream struct {
	wsURL       string
	conn        *websocket.Conn
	connMux     sync.RWMutex
	isConnected bool

	subscriber venue.TickSubscriber
	subMux     sync.RWMutex

	subscribed    map[string]bool
	subscribedMux sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	reconnectAttempts int
}

// NewTickStream creates a tick stream client for the given bridge stream URL.
func NewTickStream(wsURL string) *TickStream {
	return &TickStream{
		wsURL:      wsURL,
		subscribed: make(map[string]bool),
	}
}

// IsConnected returns whether the WebSocket is connected
func (s *TickStream) IsConnected() bool {
	s.connMux.RLock()
	defer s.connMux.RUnlock()
	return s.isConnected
}

// Start establishes the WebSocket connection and begins processing ticks.
func (s *TickStream) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	if err := s.connect(); err != nil {
		return err
	}

	s.wg.Add(1)
	go s.messageLoop()

	s.wg.Add(1)
	go s.pingLoop()

	return nil
}

func (s *TickStream) connect() error {
	s.connMux.Lock()
	defer s.connMux.Unlock()

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.Dial(s.wsURL, nil)
	if err != nil {
		return err
	}

	s.conn = conn
	s.isConnected = true
	s.reconnectAttempts = 0

	log.Printf("[MT5] Tick stream connected")

	// Resubscribe to previous symbols
	s.subscribedMux.RLock()
	symbols := make([]string, 0, len(s.subscribed))
	for symbol := range s.subscribed {
		symbols = append(symbols, symbol)
	}
	s.subscribedMux.RUnlock()

	if len(symbols) > 0 {
		go s.subscribe(symbols)
	}

	return nil
}

// Subscribe subscribes to tick updates for given venue symbols.
func (s *TickStream) Subscribe(symbols []string) error {
	s.subscribedMux.Lock()
	for _, symbol := range symbols {
		s.subscribed[strings.ToUpper(symbol)] = true
	}
	s.subscribedMux.Unlock()

	return s.subscribe(symbols)
}

func (s *TickStream) subscribe(symbols []string) error {
	if !s.IsConnected() {
		return venue.ErrConnect
	}

	msg := map[string]interface{}{
		"action":  "subscribe",
		"symbols": symbols,
	}

	s.connMux.RLock()
	err := s.conn.WriteJSON(msg)
	s.connMux.RUnlock()

	if err != nil {
		return err
	}

	log.Printf("[MT5] Subscribed to %d symbols", len(symbols))
	return nil
}

// Unsubscribe stops tick updates for given symbols.
func (s *TickStream) Unsubscribe(symbols []string) error {
	s.subscribedMux.Lock()
	for _, symbol := range symbols {
		delete(s.subscribed, strings.ToUpper(symbol))
	}
	s.subscribedMux.Unlock()

	if !s.IsConnected() {
		return nil
	}

	msg := map[string]interface{}{
		"action":  "unsubscribe",
		"symbols": symbols,
	}

	s.connMux.RLock()
	err := s.conn.WriteJSON(msg)
	s.connMux.RUnlock()

	return err
}

// SetSubscriber sets the tick subscriber.
func (s *TickStream) SetSubscriber(subscriber venue.TickSubscriber) {
	s.subMux.Lock()
	defer s.subMux.Unlock()
	s.subscriber = subscriber
}

func (s *TickStream) messageLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		s.connMux.RLock()
		conn := s.conn
		s.connMux.RUnlock()

		if conn == nil {
			time.Sleep(100 * time.Millisecond)
			continue
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[MT5] Tick stream error: %v", err)
			}
			s.handleDisconnect()
			continue
		}

		s.handleMessage(message)
	}
}

func (s *TickStream) handleMessage(message []byte) {
	var data struct {
		Type   string  `json:"type"`
		Symbol string  `json:"symbol"`
		Bid    float64 `json:"bid"`
		Ask    float64 `json:"ask"`
		Last   float64 `json:"last"`
		TimeMs int64   `json:"time_ms"`
	}
	if err := json.Unmarshal(message, &data); err != nil {
		return
	}
	if data.Type != "tick" || data.Symbol == "" {
		return
	}

	tick := venue.Tick{
		Symbol: data.Symbol,
		Bid:    data.Bid,
		Ask:    data.Ask,
		Last:   data.Last,
		Time:   time.UnixMilli(data.TimeMs).UTC(),
	}

	s.subMux.RLock()
	subscriber := s.subscriber
	s.subMux.RUnlock()

	if subscriber != nil {
		subscriber.OnTick(tick)
	}
}

func (s *TickStream) handleDisconnect() {
	s.connMux.Lock()
	s.isConnected = false
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.connMux.Unlock()

	for s.reconnectAttempts < maxReconnectAttempts {
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}

		s.reconnectAttempts++
		log.Printf("[MT5] Attempting reconnect %d/%d", s.reconnectAttempts, maxReconnectAttempts)

		if err := s.connect(); err != nil {
			log.Printf("[MT5] Reconnect failed: %v", err)
			continue
		}

		return
	}

	log.Printf("[MT5] Max reconnect attempts reached")
}

func (s *TickStream) pingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.connMux.RLock()
			conn := s.conn
			isConnected := s.isConnected
			s.connMux.RUnlock()

			if !isConnected || conn == nil {
				continue
			}

			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Printf("[MT5] Ping failed: %v", err)
			}
		}
	}
}

// Close closes the WebSocket connection.
func (s *TickStream) Close() error {
	if s.cancel != nil {
		s.cancel()
	}

	s.connMux.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.isConnected = false
	s.connMux.Unlock()

	s.wg.Wait()

	log.Printf("[MT5] Tick stream closed")
	return nil
}
