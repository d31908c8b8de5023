package fcm

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dimpart/tarsier"
)

const mcsAddr = "mtalk.google.com:5228"

// Credentials holds Android-native FCM registration credentials.
type Credentials struct {
	Raw           json.RawMessage `json:"raw"` // GCM credentials (androidId, securityToken)
	Token         string          `json:"token"`
	PersistentIDs []string        `json:"persistent_ids"`
	// Replaced is a token dropped by Reset whose replacement has not reached
	// an OnNewToken callback yet.
	Replaced string `json:"replaced,omitempty"`
}

// Option configures Client.
type Option func(*Client)

// WithLogger sets a custom logger for Client.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithHTTPClient sets a custom HTTP client for checkin and registration.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithApp sets the application the push token is issued for.
func WithApp(app App) Option {
	return func(c *Client) {
		c.app = app
	}
}

// WithDevice overrides the device identity presented to Google.
func WithDevice(device AndroidDeviceInfo) Option {
	return func(c *Client) {
		c.device = device
	}
}

// Client manages FCM registration and MCS push listening. It satisfies
// c2dm.PushTransport.
type Client struct {
	credentials *Credentials
	sessionDir  string
	store       credentialStore
	logger      *slog.Logger
	httpClient  *http.Client
	app         App
	device      AndroidDeviceInfo
	mu          sync.Mutex

	initialized bool

	// dialMCS is overridable for testing (returns a conn to MCS server).
	dialMCS func(ctx context.Context) (io.ReadWriteCloser, error)

	onMessage      func(tarsier.PushMessage)
	onNewToken     func(string)
	onConnected    func()
	onDisconnected func()
	onError        func(error)
}

// NewClient creates a new Client persisting its credentials in sessionDir.
func NewClient(sessionDir string, opts ...Option) *Client {
	c := &Client{
		sessionDir: sessionDir,
		logger:     slog.Default(),
		httpClient: http.DefaultClient,
		device:     DefaultAndroidDevice(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.store = credentialStore{path: filepath.Join(sessionDir, CredentialsFileName), logger: c.logger}
	return c
}

// Device returns the device identity used for registration.
func (c *Client) Device() AndroidDeviceInfo { return c.device }

// CurrentToken returns the current FCM token without registering (empty if
// not registered).
func (c *Client) CurrentToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.credentials == nil {
		return ""
	}
	return c.credentials.Token
}

// Credentials returns a copy of the current FCM credentials (nil if not registered).
func (c *Client) Credentials() *Credentials {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.credentials == nil {
		return nil
	}
	cpy := *c.credentials
	cpy.PersistentIDs = make([]string, len(c.credentials.PersistentIDs))
	copy(cpy.PersistentIDs, c.credentials.PersistentIDs)
	cpy.Raw = make(json.RawMessage, len(c.credentials.Raw))
	copy(cpy.Raw, c.credentials.Raw)
	return &cpy
}

// OnMessage registers a callback for inbound push messages.
// Must be called before Listen().
func (c *Client) OnMessage(fn func(tarsier.PushMessage)) { c.onMessage = fn }

// OnNewToken registers a callback invoked when registration replaces a
// previously issued token. Must be called before Register().
func (c *Client) OnNewToken(fn func(token string)) { c.onNewToken = fn }

// OnConnected registers a callback invoked when MCS connection is established.
// Must be called before Listen().
func (c *Client) OnConnected(fn func()) { c.onConnected = fn }

// OnDisconnected registers a callback invoked when MCS connection drops.
// Must be called before Listen().
func (c *Client) OnDisconnected(fn func()) { c.onDisconnected = fn }

// OnError registers a callback invoked for listener errors.
// Must be called before Listen().
func (c *Client) OnError(fn func(error)) { c.onError = fn }

// Initialize loads persisted credentials. Calling it again is a no-op. A
// missing or unreadable credentials file is not an error: Token will
// register afresh.
func (c *Client) Initialize(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.app.validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initialized {
		c.logger.Debug("FCM client already initialized")
		return nil
	}
	if c.credentials == nil {
		if err := c.loadCredentials(); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn("Failed to load persisted FCM credentials", "error", err)
		}
	}
	c.initialized = true
	return nil
}

// Token returns the push token, registering with Google if no token has
// been issued yet.
func (c *Client) Token(ctx context.Context) (string, error) {
	return c.Register(ctx)
}

// Register performs Android-native FCM registration and persists credentials.
// If credentials already exist on disk with a token, it returns that token.
// A token that replaces one dropped by Reset is passed to OnNewToken once,
// possibly by a later process than the one that registered it.
func (c *Client) Register(ctx context.Context) (string, error) {
	token, err := c.register(ctx)
	if err != nil {
		return "", err
	}
	if c.takeReplacement(token) {
		c.onNewToken(token)
	}
	return token, nil
}

// takeReplacement reports whether token replaces a dropped token that no
// OnNewToken callback has seen yet, and marks the change as delivered. Without
// a callback the change stays pending.
func (c *Client) takeReplacement(token string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	creds := c.credentials
	if creds == nil || creds.Replaced == "" {
		return false
	}
	changed := creds.Replaced != token
	if changed && c.onNewToken == nil {
		return false
	}
	creds.Replaced = ""
	if err := c.saveCredentials(); err != nil {
		c.logger.Error("Failed to save FCM credentials", "error", err)
	}
	return changed
}

func (c *Client) register(ctx context.Context) (string, error) {
	if err := c.app.validate(); err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var replaced string
	if c.credentials != nil {
		if c.credentials.Token != "" {
			return c.credentials.Token, nil
		}
		replaced = c.credentials.Replaced
	}

	if err := c.loadCredentials(); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.logger.Warn("failed to load persisted FCM credentials; attempting fresh registration", "error", err)
	} else if err == nil && c.credentials != nil {
		if c.credentials.Token != "" {
			c.logger.Debug("FCM credentials already exist, reusing token")
			return c.credentials.Token, nil
		}
		if c.credentials.Replaced != "" {
			replaced = c.credentials.Replaced
		}
	}

	c.logger.Debug("Starting Android-native FCM registration", "sender_id", c.app.SenderID, "app", c.app.Package)
	httpClient := debugHTTPClient(c.httpClient, c.logger)

	id, err := gcmCheckin(ctx, httpClient, deviceIdentity{}, c.device)
	if err != nil {
		return "", fmt.Errorf("FCM registration failed (checkin): %w", err)
	}
	c.logger.Debug("GCM checkin complete", "androidId", id.AndroidID)

	// For Android-native registration the GCM token is the FCM token.
	fcmToken, err := gcmRegister(ctx, httpClient, id, c.device, c.app)
	if err != nil {
		return "", fmt.Errorf("FCM registration failed (register): %w", err)
	}
	if fcmToken == "" {
		return "", fmt.Errorf("FCM registration returned empty token")
	}

	rawCreds, err := json.Marshal(id)
	if err != nil {
		return "", fmt.Errorf("serializing GCM credentials: %w", err)
	}

	c.credentials = &Credentials{
		Raw:           rawCreds,
		Token:         fcmToken,
		PersistentIDs: []string{},
		Replaced:      replaced,
	}

	if err := c.saveCredentials(); err != nil {
		c.logger.Error("Failed to save FCM credentials", "error", err)
	}

	c.logger.Info("FCM registration complete", "token_prefix", truncate(fcmToken, 20))
	return fcmToken, nil
}

// Reset forgets the current credentials so the next Register issues a new
// token. The dropped token stays on disk until a token-change callback has
// seen its replacement.
func (c *Client) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.credentials == nil {
		if err := c.loadCredentials(); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn("Discarding unreadable FCM credentials", "error", err)
		}
	}
	var replaced string
	if creds := c.credentials; creds != nil {
		replaced = creds.Replaced
		if creds.Token != "" {
			replaced = creds.Token
		}
	}

	if replaced == "" {
		c.credentials = nil
		return c.store.remove()
	}
	c.credentials = &Credentials{Replaced: replaced, PersistentIDs: []string{}}
	return c.store.save(c.credentials)
}

// Listen connects to Google's MCS and processes incoming push messages.
// It blocks until ctx is cancelled or the connection drops. Call Register()
// first to ensure credentials exist.
func (c *Client) Listen(ctx context.Context) error {
	c.mu.Lock()
	if c.credentials == nil || c.credentials.Token == "" {
		c.mu.Unlock()
		return fmt.Errorf("no FCM credentials: call Register() first")
	}

	var id deviceIdentity
	if err := json.Unmarshal(c.credentials.Raw, &id); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("failed to parse GCM credentials: %w", err)
	}

	persistentIDs := make([]string, len(c.credentials.PersistentIDs))
	copy(persistentIDs, c.credentials.PersistentIDs)
	c.mu.Unlock()

	conn, err := c.dialMCSConn(ctx)
	if err != nil {
		return fmt.Errorf("MCS connect: %w", err)
	}
	defer conn.Close()

	sess := newMCSSession(conn, id, persistentIDs, c.logger)
	sess.onUp = func() {
		c.logger.Debug("MCS connected")
		if c.onConnected != nil {
			c.onConnected()
		}
	}
	sess.onDown = func(reason string) {
		c.logger.Debug("MCS disconnected", "reason", reason)
		if c.onDisconnected != nil {
			c.onDisconnected()
		}
	}
	sess.onData = c.handleMCSMessage

	err = sess.run(ctx)
	if err != nil && c.onError != nil {
		c.onError(err)
	}
	return err
}

// dialMCSConn dials mtalk.google.com:5228 over TLS, or uses the test hook.
func (c *Client) dialMCSConn(ctx context.Context) (io.ReadWriteCloser, error) {
	if c.dialMCS != nil {
		return c.dialMCS(ctx)
	}
	d := &tls.Dialer{NetDialer: &net.Dialer{Timeout: 30 * time.Second}}
	return d.DialContext(ctx, "tcp", mcsAddr)
}

// handleMCSMessage converts a data message and dispatches it, then records
// its persistent ID so the server stops redelivering it.
func (c *Client) handleMCSMessage(stanza *dataMessageStanza) {
	c.logger.Debug("MCS message received", "persistentId", stanza.PersistentID)

	msg := messageFromStanza(stanza)
	if c.onMessage != nil {
		c.onMessage(msg)
	}

	c.addPersistentID(stanza.PersistentID)
}

// Reserved AppData keys, following the Firebase Android SDK.
const (
	keyMessageID          = "google.message_id"
	keySentTime           = "google.sent_time"
	keyFrom               = "from"
	notificationPrefix    = "gcm.notification."
	notificationPrefixNew = "gcm.n."
)

// messageFromStanza builds a PushMessage from a data message: notification
// keys fill the notification part, reserved google.* and gcm.* keys fill the
// metadata, and everything else is data.
func messageFromStanza(stanza *dataMessageStanza) tarsier.PushMessage {
	msg := tarsier.PushMessage{
		MessageID: stanza.PersistentID,
		From:      stanza.From,
		Data:      make(map[string]string, len(stanza.AppData)),
	}
	if msg.MessageID == "" {
		msg.MessageID = stanza.ID
	}
	if stanza.Sent > 0 {
		msg.SentTime = time.UnixMilli(stanza.Sent)
	}

	for _, kv := range stanza.AppData {
		switch {
		case strings.HasPrefix(kv.Key, notificationPrefix):
			setNotificationField(&msg, strings.TrimPrefix(kv.Key, notificationPrefix), kv.Value)
		case strings.HasPrefix(kv.Key, notificationPrefixNew):
			setNotificationField(&msg, strings.TrimPrefix(kv.Key, notificationPrefixNew), kv.Value)
		case kv.Key == keyMessageID:
			msg.MessageID = kv.Value
		case kv.Key == keySentTime:
			if ms, err := strconv.ParseInt(kv.Value, 10, 64); err == nil {
				msg.SentTime = time.UnixMilli(ms)
			}
		case kv.Key == keyFrom:
			if msg.From == "" {
				msg.From = kv.Value
			}
		case strings.HasPrefix(kv.Key, "google."), strings.HasPrefix(kv.Key, "gcm."):
		default:
			msg.Data[kv.Key] = kv.Value
		}
	}
	return msg
}

func setNotificationField(msg *tarsier.PushMessage, name, value string) {
	if msg.Notification == nil {
		msg.Notification = &tarsier.Notification{}
	}
	switch name {
	case "title":
		msg.Notification.Title = value
	case "body":
		msg.Notification.Body = value
	case "notification_count":
		if n, err := strconv.Atoi(value); err == nil {
			msg.Notification.Count = &n
		}
	}
}

// maxPersistentIDs caps the persistent IDs kept in the credentials file and
// sent back in the MCS LoginRequest.
const maxPersistentIDs = 200

// addPersistentID appends a persistent ID and saves credentials.
// If the list exceeds maxPersistentIDs, older entries are pruned.
func (c *Client) addPersistentID(id string) {
	if id == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.credentials == nil {
		return
	}
	c.credentials.PersistentIDs = append(c.credentials.PersistentIDs, id)
	if len(c.credentials.PersistentIDs) > maxPersistentIDs {
		c.credentials.PersistentIDs = c.credentials.PersistentIDs[len(c.credentials.PersistentIDs)-maxPersistentIDs:]
	}

	if err := c.saveCredentials(); err != nil {
		c.logger.Error("Failed to save persistent IDs", "error", err)
	}
}

// PersistentIDs returns the list of processed message IDs.
func (c *Client) PersistentIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.credentials == nil {
		return nil
	}
	ids := make([]string, len(c.credentials.PersistentIDs))
	copy(ids, c.credentials.PersistentIDs)
	return ids
}

func (c *Client) credentialsPath() string {
	return c.store.path
}

// loadCredentials replaces c.credentials with the stored ones. Callers hold c.mu.
func (c *Client) loadCredentials() error {
	creds, err := c.store.load()
	if err != nil {
		return err
	}
	c.credentials = creds
	return nil
}

// saveCredentials stores c.credentials. Callers hold c.mu.
func (c *Client) saveCredentials() error {
	return c.store.save(c.credentials)
}
