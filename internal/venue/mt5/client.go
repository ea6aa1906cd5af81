// Package mt5 talks to the MT5 terminal through its HTTP/WebSocket bridge.
// The bridge wraps one terminal process; each Connect call logs into a
// broker account and yields a token-scoped session.
package mt5

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/detutorfocus/forex-app/internal/config"
	"github.com/detutorfocus/forex-app/internal/venue"
)

// Client is the MT5 bridge driver.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new bridge client from venue config.
func NewClient(cfg config.VenueConfig) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.BridgeURL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeoutDuration(),
		},
	}
}

type bridgeError struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// statusError carries the bridge's HTTP status so callers can map
// not-found responses onto the venue sentinels.
type statusError struct {
	status int
	msg    string
}

func (e *statusError) Error() string { return e.msg }

func isNotFound(err error) bool {
	var se *statusError
	return errors.As(err, &se) && se.status == http.StatusNotFound
}

type connectResponse struct {
	Token string `json:"token"`
}

// Connect logs into the broker account and returns a session.
func (c *Client) Connect(ctx context.Context, creds venue.Credentials) (venue.Session, error) {
	var resp connectResponse
	err := c.do(ctx, "", http.MethodPost, "/connect", map[string]interface{}{
		"login":    creds.Login,
		"password": creds.Password,
		"server":   creds.Server,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", venue.ErrConnect, err)
	}
	if resp.Token == "" {
		return nil, venue.ErrConnect
	}
	return &session{client: c, token: resp.Token}, nil
}

func (c *Client) do(ctx context.Context, token, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("X-Session-Token", token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		msg := fmt.Sprintf("bridge %s %s: status %d", method, path, resp.StatusCode)
		var be bridgeError
		if json.Unmarshal(data, &be) == nil && be.Error != "" {
			msg = fmt.Sprintf("bridge %s %s: %s (status %d)", method, path, be.Error, resp.StatusCode)
		}
		return &statusError{status: resp.StatusCode, msg: msg}
	}

	if out != nil {
		return json.Unmarshal(data, out)
	}
	return nil
}

// session is one authenticated bridge session.
type session struct {
	client *Client
	token  string
}

func (s *session) get(ctx context.Context, path string, out interface{}) error {
	return s.client.do(ctx, s.token, http.MethodGet, path, nil, out)
}

func (s *session) post(ctx context.Context, path string, body, out interface{}) error {
	return s.client.do(ctx, s.token, http.MethodPost, path, body, out)
}

func (s *session) Instrument(ctx context.Context, name string) (*venue.Instrument, error) {
	var resp struct {
		Instrument *venue.Instrument `json:"instrument"`
	}
	if err := s.get(ctx, "/symbols/"+name, &resp); err != nil {
		// Some bridge builds answer 404 for an unknown symbol instead of
		// a null instrument; both mean not found.
		if isNotFound(err) {
			return nil, venue.ErrSymbolNotFound
		}
		return nil, err
	}
	if resp.Instrument == nil {
		return nil, venue.ErrSymbolNotFound
	}
	return resp.Instrument, nil
}

func (s *session) Instruments(ctx context.Context) ([]venue.Instrument, error) {
	var resp struct {
		Instruments []venue.Instrument `json:"instruments"`
	}
	if err := s.get(ctx, "/symbols", &resp); err != nil {
		return nil, err
	}
	return resp.Instruments, nil
}

func (s *session) EnsureTradable(ctx context.Context, name string) error {
	var resp struct {
		Selected     bool `json:"selected"`
		TradeAllowed bool `json:"trade_allowed"`
	}
	if err := s.post(ctx, "/symbols/"+name+"/select", nil, &resp); err != nil {
		return fmt.Errorf("%w: %v", venue.ErrSymbolNotSelectable, err)
	}
	if !resp.Selected || !resp.TradeAllowed {
		return venue.ErrSymbolNotSelectable
	}
	return nil
}

func (s *session) Tick(ctx context.Context, name string) (*venue.Tick, error) {
	var resp struct {
		Tick *venue.Tick `json:"tick"`
	}
	if err := s.get(ctx, "/ticks/"+name, &resp); err != nil {
		return nil, err
	}
	if resp.Tick == nil || resp.Tick.Bid == 0 || resp.Tick.Ask == 0 {
		return nil, venue.ErrNoTick
	}
	return resp.Tick, nil
}

func (s *session) Send(ctx context.Context, req venue.OrderRequest, variant venue.PolicyVariant) (*venue.OrderResult, error) {
	body := map[string]interface{}{
		"symbol":    req.Symbol,
		"side":      req.Side,
		"volume":    req.Volume.String(),
		"price":     req.Price,
		"deviation": req.Deviation,
		"magic":     req.Magic,
		"comment":   req.Comment,
		"filling":   string(variant),
	}
	if req.StopLoss != nil {
		body["sl"] = *req.StopLoss
	}
	if req.TakeProfit != nil {
		body["tp"] = *req.TakeProfit
	}

	var result venue.OrderResult
	if err := s.post(ctx, "/orders", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (s *session) ClosePosition(ctx context.Context, ticket int64, deviation int) (*venue.CloseResult, error) {
	var result venue.CloseResult
	err := s.post(ctx, fmt.Sprintf("/positions/%d/close", ticket), map[string]interface{}{
		"deviation": deviation,
	}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (s *session) ModifyPosition(ctx context.Context, ticket int64, sl, tp *float64) error {
	body := map[string]interface{}{}
	if sl != nil {
		body["sl"] = *sl
	}
	if tp != nil {
		body["tp"] = *tp
	}
	return s.post(ctx, fmt.Sprintf("/positions/%d/modify", ticket), body, nil)
}

func (s *session) Positions(ctx context.Context) ([]venue.Position, error) {
	var resp struct {
		Positions []venue.Position `json:"positions"`
	}
	if err := s.get(ctx, "/positions", &resp); err != nil {
		return nil, err
	}
	return resp.Positions, nil
}

func (s *session) PositionHistory(ctx context.Context, ticket int64) (*venue.ClosedPosition, error) {
	var resp struct {
		Position *venue.ClosedPosition `json:"position"`
	}
	if err := s.get(ctx, fmt.Sprintf("/history/positions/%d", ticket), &resp); err != nil {
		if isNotFound(err) {
			return nil, venue.ErrPositionNotFound
		}
		return nil, err
	}
	if resp.Position == nil {
		return nil, venue.ErrPositionNotFound
	}
	return resp.Position, nil
}

func (s *session) AccountInfo(ctx context.Context) (*venue.AccountInfo, error) {
	var info venue.AccountInfo
	if err := s.get(ctx, "/account", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (s *session) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.client.httpClient.Timeout)
	defer cancel()
	return s.client.do(ctx, s.token, http.MethodPost, "/disconnect", nil, nil)
}
