package tarsier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/philippseith/signalr"
)

// ErrNotConnected is returned when a command is sent before Start.
var ErrNotConnected = errors.New("session channel not connected")

// SessionOption configures SessionChannel.
type SessionOption func(*SessionChannel)

// WithSessionLogger sets a custom logger.
func WithSessionLogger(logger *slog.Logger) SessionOption {
	return func(sc *SessionChannel) {
		sc.logger = logger
	}
}

// WithAccessToken sets the bearer token presented during negotiate.
func WithAccessToken(token string) SessionOption {
	return func(sc *SessionChannel) {
		sc.accessToken = token
	}
}

// WithSessionHTTPClient sets the HTTP client used for negotiate.
func WithSessionHTTPClient(client *http.Client) SessionOption {
	return func(sc *SessionChannel) {
		sc.httpClient = client
	}
}

// Envelope wraps a command addressed to a logical receiver.
type Envelope struct {
	ID       uuid.UUID `json:"id"`
	Receiver string    `json:"receiver"`
	Time     float64   `json:"time"`
	Content  Command   `json:"content"`
}

// NewEnvelope wraps cmd for receiver with a fresh envelope ID.
func NewEnvelope(cmd Command, receiver string, now time.Time) Envelope {
	return Envelope{
		ID:       uuid.New(),
		Receiver: receiver,
		Time:     float64(now.UnixMilli()) / 1000.0,
		Content:  cmd,
	}
}

// Receipt acknowledges a delivered envelope.
type Receipt struct {
	EnvelopeID uuid.UUID `json:"envelopeId"`
	SN         int64     `json:"sn"`
	Text       string    `json:"text,omitempty"`
}

// hubInvoker is the part of signalr.Client used to send commands.
type hubInvoker interface {
	Invoke(method string, arguments ...interface{}) <-chan signalr.InvokeResult
}

// SessionChannel is the real-time command channel to the messaging backend.
type SessionChannel struct {
	hubURL      string
	accessToken string
	httpClient  *http.Client
	logger      *slog.Logger

	onReceipt func(Receipt)
	onOpen    func()
	onClose   func()

	mu      sync.Mutex
	invoker hubInvoker
	cancel  context.CancelFunc
}

// NewSessionChannel creates a session channel for the hub at hubURL.
func NewSessionChannel(hubURL string, opts ...SessionOption) *SessionChannel {
	sc := &SessionChannel{
		hubURL:     strings.TrimRight(hubURL, "/"),
		httpClient: http.DefaultClient,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(sc)
	}
	return sc
}

// Handler registration

func (sc *SessionChannel) OnReceipt(handler func(Receipt)) { sc.onReceipt = handler }
func (sc *SessionChannel) OnOpen(handler func())           { sc.onOpen = handler }
func (sc *SessionChannel) OnClose(handler func())          { sc.onClose = handler }

// Start builds and starts the SignalR connection.
func (sc *SessionChannel) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	receiver := &sessionReceiver{sc: sc}
	sc.logger.Debug("Building SignalR hub", "url", sc.hubURL)

	client, err := signalr.NewClient(ctx,
		signalr.WithConnector(func() (signalr.Connection, error) {
			return sc.connect(ctx)
		}),
		signalr.WithReceiver(receiver),
		signalr.Logger(&slogAdapter{logger: sc.logger}, true),
		signalr.KeepAliveInterval(15*time.Second),
		signalr.TimeoutInterval(30*time.Second),
	)
	if err != nil {
		cancel()
		return fmt.Errorf("creating SignalR client: %w", err)
	}

	// Start returns immediately; wait for the first connection.
	client.Start()

	waitCtx, waitCancel := context.WithTimeout(ctx, 30*time.Second)
	defer waitCancel()
	if err := <-client.WaitForState(waitCtx, signalr.ClientConnected); err != nil {
		cancel()
		return fmt.Errorf("waiting for SignalR connection: %w", err)
	}

	sc.mu.Lock()
	sc.invoker = client
	sc.cancel = cancel
	sc.mu.Unlock()

	sc.logger.Debug("SignalR connected")
	if sc.onOpen != nil {
		sc.onOpen()
	}
	return nil
}

// negotiation is the hub's reply to POST <hub>/negotiate. A reply with
// both URL and AccessToken redirects the client to a relay service.
type negotiation struct {
	ConnectionID string `json:"connectionId"`
	URL          string `json:"url"`
	AccessToken  string `json:"accessToken"`
}

func (n negotiation) redirected() bool {
	return n.URL != "" && n.AccessToken != ""
}

// dialURL returns the WebSocket URL for this negotiation: the relay URL on a
// redirect, otherwise the hub URL carrying the connection ID.
func (n negotiation) dialURL(hubURL string) (*url.URL, error) {
	raw := hubURL
	if n.redirected() {
		raw = n.URL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing websocket URL %q: %w", raw, err)
	}
	if !n.redirected() {
		q := u.Query()
		q.Set("id", n.ConnectionID)
		u.RawQuery = q.Encode()
	}
	if scheme, ok := wsSchemes[u.Scheme]; ok {
		u.Scheme = scheme
	}
	return u, nil
}

// connectionID is the ID handed to the WebSocket connection. Relays do not
// issue one.
func (n negotiation) connectionID() string {
	if n.ConnectionID == "" {
		return "redirect"
	}
	return n.ConnectionID
}

var wsSchemes = map[string]string{"https": "wss", "http": "ws"}

// negotiate posts to the hub's negotiate endpoint.
func (sc *SessionChannel) negotiate(ctx context.Context, header http.Header) (negotiation, error) {
	endpoint := sc.hubURL + "/negotiate"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return negotiation{}, fmt.Errorf("creating negotiate request: %w", err)
	}
	req.Header = header.Clone()

	resp, err := sc.httpClient.Do(req)
	if err != nil {
		return negotiation{}, fmt.Errorf("negotiate request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return negotiation{}, fmt.Errorf("reading negotiate response: %w", err)
	}
	sc.logger.Debug("Session negotiate", "url", endpoint, "status", resp.StatusCode, "body", truncate(string(body), 2000))
	if resp.StatusCode != http.StatusOK {
		return negotiation{}, fmt.Errorf("negotiate failed: %s %s", resp.Status, truncate(string(body), 500))
	}

	var n negotiation
	if err := json.Unmarshal(body, &n); err != nil {
		return negotiation{}, fmt.Errorf("parsing negotiate response: %w", err)
	}
	return n, nil
}

// connect negotiates and opens the WebSocket connection. It is the SignalR
// connector, so it runs again on every reconnect.
func (sc *SessionChannel) connect(ctx context.Context) (signalr.Connection, error) {
	header := http.Header{}
	if sc.accessToken != "" {
		header.Set("Authorization", "Bearer "+sc.accessToken)
	}

	n, err := sc.negotiate(ctx, header)
	if err != nil {
		return nil, err
	}
	wsURL, err := n.dialURL(sc.hubURL)
	if err != nil {
		return nil, err
	}
	if n.redirected() {
		header.Set("Authorization", "Bearer "+n.AccessToken)
	}

	conn, err := signalr.NewWebSocketConnection(ctx, wsURL, n.connectionID(), header)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", wsURL.Host, err)
	}
	sc.logger.Debug("Session socket open", "host", wsURL.Host, "connectionId", conn.ConnectionID())
	return conn, nil
}

// Stop disconnects the SignalR client.
func (sc *SessionChannel) Stop() {
	sc.mu.Lock()
	cancel := sc.cancel
	sc.cancel = nil
	sc.invoker = nil
	sc.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	sc.logger.Debug("SignalR disconnected")
	if sc.onClose != nil {
		sc.onClose()
	}
}

// SendCommand wraps cmd in an envelope for receiver and invokes SendCommand
// on the hub. It returns once the hub acknowledges the invocation.
func (sc *SessionChannel) SendCommand(ctx context.Context, cmd Command, receiver string) error {
	sc.mu.Lock()
	inv := sc.invoker
	sc.mu.Unlock()
	if inv == nil {
		return ErrNotConnected
	}

	env := NewEnvelope(cmd, receiver, time.Now())
	sc.logger.Debug("SignalR Invoke", "method", "SendCommand", "envelope", env.ID, "receiver", receiver, "command", cmd.Name())

	select {
	case result := <-inv.Invoke("SendCommand", env):
		if result.Error != nil {
			return fmt.Errorf("SendCommand %s: %w", env.ID, result.Error)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sessionReceiver implements the receiver interface for the SignalR library.
// Method names match the hub method names exactly.
type sessionReceiver struct {
	sc *SessionChannel
}

func (r *sessionReceiver) ReceiveReceipt(raw json.RawMessage) {
	r.sc.logger.Debug("ReceiveReceipt raw", "json", truncate(string(raw), 2000))
	var receipt Receipt
	if err := json.Unmarshal(raw, &receipt); err != nil {
		r.sc.logger.Error("Error parsing ReceiveReceipt", "error", err)
		return
	}
	if r.sc.onReceipt != nil {
		r.sc.onReceipt(receipt)
	}
}

// slogAdapter routes the SignalR library's go-kit style key/value logging
// into slog at Debug level.
type slogAdapter struct {
	logger *slog.Logger
}

var droppedLogKeys = map[string]bool{"level": true, "ts": true, "caller": true}

func (a *slogAdapter) Log(keyVals ...interface{}) error {
	attrs := make([]any, 0, len(keyVals))
	for i := 1; i < len(keyVals); i += 2 {
		key := fmt.Sprint(keyVals[i-1])
		if !droppedLogKeys[key] {
			attrs = append(attrs, key, keyVals[i])
		}
	}
	if len(attrs) > 0 {
		a.logger.Debug("signalr", attrs...)
	}
	return nil
}

// truncate returns the first maxLen characters of s, or s itself if shorter.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
