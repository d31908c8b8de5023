package fcm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/dimpart/tarsier"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func newTestClient(t *testing.T, opts ...Option) *Client {
	t.Helper()
	return NewClient(t.TempDir(), append([]Option{WithApp(testApp)}, opts...)...)
}

// fakeGoogle serves checkin and register, issuing tokens from tokens in order.
func fakeGoogle(t *testing.T, tokens ...string) *int {
	t.Helper()
	calls := 0

	checkin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var req checkinRequest
		require.NoError(t, req.unmarshal(body))
		assert.Equal(t, int32(deviceTypeAndroidOS), req.DeviceType)

		resp := &checkinResponse{StatsOK: true, AndroidID: 999, SecurityToken: 888}
		w.Write(resp.marshal())
	}))
	t.Cleanup(checkin.Close)

	register := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "AidLogin 999:888", r.Header.Get("Authorization"))
		require.NoError(t, r.ParseForm())
		assert.Equal(t, testApp.Package, r.PostForm.Get("app"))
		assert.Equal(t, testApp.SenderID, r.PostForm.Get("sender"))
		require.Less(t, calls, len(tokens))
		fmt.Fprintf(w, "token=%s", tokens[calls])
		calls++
	}))
	t.Cleanup(register.Close)

	withURL(t, &gcmCheckinURL, checkin.URL)
	withURL(t, &gcmRegisterURL, register.URL)
	return &calls
}

func TestFCMCredentialPersistence(t *testing.T) {
	sessionDir := t.TempDir()
	client := NewClient(sessionDir)
	client.credentials = &Credentials{
		Raw:           json.RawMessage(`{"androidId":123,"securityToken":456}`),
		Token:         "fcm-token-123",
		PersistentIDs: []string{"pid-1", "pid-2"},
	}

	require.NoError(t, client.saveCredentials())

	loaded := NewClient(sessionDir)
	require.NoError(t, loaded.loadCredentials())
	require.NotNil(t, loaded.Credentials())

	assert.JSONEq(t, string(client.credentials.Raw), string(loaded.Credentials().Raw))
	assert.Equal(t, client.credentials.Token, loaded.Credentials().Token)
	assert.Equal(t, client.credentials.PersistentIDs, loaded.Credentials().PersistentIDs)
}

func TestFCMNewClient(t *testing.T) {
	sessionDir := t.TempDir()
	client := NewClient(sessionDir)

	assert.Equal(t, sessionDir, client.sessionDir)
	assert.Equal(t, http.DefaultClient, client.httpClient)
	assert.NotNil(t, client.logger)
	assert.Nil(t, client.credentials)
	assert.Equal(t, DefaultAndroidDevice(), client.Device())
	assert.Empty(t, client.CurrentToken())
}

func TestFCMCredentialsCopy(t *testing.T) {
	client := NewClient(t.TempDir())
	client.credentials = &Credentials{
		Raw:           json.RawMessage(`{"androidId":123}`),
		Token:         "original-token",
		PersistentIDs: []string{"pid-1", "pid-2"},
	}

	creds := client.Credentials()
	require.NotNil(t, creds)
	creds.Token = "mutated"
	creds.PersistentIDs[0] = "mutated"
	creds.Raw = json.RawMessage(`{"mutated":true}`)

	internal := client.Credentials()
	assert.Equal(t, "original-token", internal.Token)
	assert.Equal(t, "pid-1", internal.PersistentIDs[0])
	assert.JSONEq(t, `{"androidId":123}`, string(internal.Raw))
}

func TestFCMInitialize(t *testing.T) {
	sessionDir := t.TempDir()
	seed := NewClient(sessionDir)
	seed.credentials = &Credentials{Raw: json.RawMessage(`{}`), Token: "persisted-token"}
	require.NoError(t, seed.saveCredentials())

	client := NewClient(sessionDir, WithApp(testApp))
	require.NoError(t, client.Initialize(context.Background()))
	assert.Equal(t, "persisted-token", client.CurrentToken())

	// Already initialised.
	require.NoError(t, client.Initialize(context.Background()))
}

func TestFCMInitializeWithoutCredentials(t *testing.T) {
	client := newTestClient(t)
	require.NoError(t, client.Initialize(context.Background()))
	assert.Empty(t, client.CurrentToken())
}

func TestFCMInitializeCorruptCredentials(t *testing.T) {
	sessionDir := t.TempDir()
	require.NoError(t, os.WriteFile(sessionDir+"/fcm_credentials.json", []byte("{not json"), 0o600))

	client := NewClient(sessionDir, WithApp(testApp))
	require.NoError(t, client.Initialize(context.Background()))
	assert.Empty(t, client.CurrentToken())
}

func TestFCMInitializeRequiresApp(t *testing.T) {
	client := NewClient(t.TempDir())
	assert.ErrorIs(t, client.Initialize(context.Background()), ErrAppNotConfigured)

	_, err := client.Token(context.Background())
	assert.ErrorIs(t, err, ErrAppNotConfigured)
}

func TestFCMRegisterExistingCredentials(t *testing.T) {
	sessionDir := t.TempDir()
	seed := NewClient(sessionDir)
	seed.credentials = &Credentials{
		Raw:           json.RawMessage(`{"foo":"bar"}`),
		Token:         "existing-token",
		PersistentIDs: []string{"pid-1"},
	}
	require.NoError(t, seed.saveCredentials())

	httpCalls := 0
	client := NewClient(sessionDir, WithApp(testApp), WithHTTPClient(&http.Client{
		Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
			httpCalls++
			return nil, errors.New("unexpected network call")
		}),
	}))

	token, err := client.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "existing-token", token)
	assert.Equal(t, 0, httpCalls)
}

func TestFCMRegisterAndroidNative(t *testing.T) {
	fakeGoogle(t, "mock-fcm-token-android")

	sessionDir := t.TempDir()
	client := NewClient(sessionDir, WithApp(testApp))
	newTokens := 0
	client.OnNewToken(func(string) { newTokens++ })

	token, err := client.Register(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "mock-fcm-token-android", token)
	// First issue is not a token change.
	assert.Equal(t, 0, newTokens)

	reloaded := NewClient(sessionDir)
	require.NoError(t, reloaded.loadCredentials())
	assert.Equal(t, "mock-fcm-token-android", reloaded.CurrentToken())

	var gcmCreds deviceIdentity
	require.NoError(t, json.Unmarshal(reloaded.Credentials().Raw, &gcmCreds))
	assert.Equal(t, uint64(999), gcmCreds.AndroidID)
	assert.Equal(t, uint64(888), gcmCreds.SecurityToken)
}

func TestFCMResetIssuesNewToken(t *testing.T) {
	calls := fakeGoogle(t, "token-1", "token-2")

	client := newTestClient(t)
	var changed []string
	client.OnNewToken(func(tok string) { changed = append(changed, tok) })

	token, err := client.Register(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-1", token)

	require.NoError(t, client.Reset())
	assert.Empty(t, client.CurrentToken())
	stored, err := client.store.load()
	require.NoError(t, err)
	assert.Empty(t, stored.Token)
	assert.Empty(t, stored.Raw)
	assert.Equal(t, "token-1", stored.Replaced)

	token, err = client.Register(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-2", token)
	assert.Equal(t, []string{"token-2"}, changed)
	assert.Equal(t, 2, *calls)

	stored, err = client.store.load()
	require.NoError(t, err)
	assert.Empty(t, stored.Replaced)

	// Reset without credentials leaves nothing behind.
	empty := newTestClient(t)
	require.NoError(t, empty.Reset())
	_, err = os.Stat(empty.credentialsPath())
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestFCMResetSeenByNextProcess(t *testing.T) {
	fakeGoogle(t, "token-1", "token-2")
	dir := t.TempDir()

	first := NewClient(dir, WithApp(testApp))
	_, err := first.Register(context.Background())
	require.NoError(t, err)
	require.NoError(t, first.Reset())
	require.NoError(t, NewClient(dir, WithApp(testApp)).Reset())

	// Registering without a callback leaves the change pending.
	silent := NewClient(dir, WithApp(testApp))
	require.NoError(t, silent.Initialize(context.Background()))
	assert.Empty(t, silent.CurrentToken())
	assert.Error(t, silent.Listen(context.Background()))
	token, err := silent.Register(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-2", token)
	assert.Equal(t, "token-1", silent.Credentials().Replaced)

	next := NewClient(dir, WithApp(testApp))
	var changed []string
	next.OnNewToken(func(tok string) { changed = append(changed, tok) })
	token, err = next.Register(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-2", token)
	assert.Equal(t, []string{"token-2"}, changed)

	// Delivered once.
	again := NewClient(dir, WithApp(testApp))
	again.OnNewToken(func(tok string) { changed = append(changed, tok) })
	_, err = again.Register(context.Background())
	require.NoError(t, err)
	assert.Len(t, changed, 1)
}

func TestFCMRegisterCheckinFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()
	withURL(t, &gcmCheckinURL, srv.URL)

	_, err := newTestClient(t).Register(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "(checkin)")
}

func TestMessageFromStanza(t *testing.T) {
	msg := messageFromStanza(&dataMessageStanza{
		From:         "673228316052",
		PersistentID: "0:1700000000000%abc",
		Sent:         1_700_000_000_000,
		AppData: []appData{
			{Key: "gcm.notification.title", Value: "Alice"},
			{Key: "gcm.notification.body", Value: "Hi"},
			{Key: "gcm.notification.notification_count", Value: "4"},
			{Key: "google.message_id", Value: "msg-1"},
			{Key: "google.sent_time", Value: "1700000001000"},
			{Key: "google.c.a.e", Value: "1"},
			{Key: "collapse_key", Value: "chat.dim.tarsier"},
			{Key: "time", Value: "1700000000.5"},
			{Key: "badge", Value: "4"},
		},
	})

	assert.Equal(t, "msg-1", msg.MessageID)
	assert.Equal(t, "673228316052", msg.From)
	assert.Equal(t, int64(1_700_000_001_000), msg.SentTime.UnixMilli())
	require.NotNil(t, msg.Notification)
	assert.Equal(t, "Alice", msg.Notification.Title)
	assert.Equal(t, "Hi", msg.Notification.Body)
	require.NotNil(t, msg.Notification.Count)
	assert.Equal(t, 4, *msg.Notification.Count)
	assert.Equal(t, map[string]string{
		"collapse_key": "chat.dim.tarsier",
		"time":         "1700000000.5",
		"badge":        "4",
	}, msg.Data)
}

func TestMessageFromStanzaDataOnly(t *testing.T) {
	msg := messageFromStanza(&dataMessageStanza{
		ID:      "stanza-id",
		AppData: []appData{{Key: "from", Value: "sender"}, {Key: "gcm.n.notification_count", Value: "x"}},
	})

	assert.Equal(t, "stanza-id", msg.MessageID)
	assert.Equal(t, "sender", msg.From)
	assert.True(t, msg.SentTime.IsZero())
	require.NotNil(t, msg.Notification)
	assert.Nil(t, msg.Notification.Count)
	assert.Empty(t, msg.Data)
}

func TestFCMPersistentIDTracking(t *testing.T) {
	sessionDir := t.TempDir()
	client := NewClient(sessionDir)
	client.credentials = &Credentials{Raw: json.RawMessage(`{}`), Token: "test-token", PersistentIDs: []string{}}

	client.addPersistentID("pid-1")
	client.addPersistentID("pid-2")
	client.addPersistentID("")

	assert.Equal(t, []string{"pid-1", "pid-2"}, client.PersistentIDs())

	reloaded := NewClient(sessionDir)
	require.NoError(t, reloaded.loadCredentials())
	assert.Equal(t, []string{"pid-1", "pid-2"}, reloaded.PersistentIDs())
}

func TestFCMPersistentIDCap(t *testing.T) {
	client := NewClient(t.TempDir())
	client.credentials = &Credentials{Raw: json.RawMessage(`{}`), Token: "test-token", PersistentIDs: []string{}}

	for i := 0; i < maxPersistentIDs+50; i++ {
		client.addPersistentID(fmt.Sprintf("pid-%d", i))
	}

	ids := client.PersistentIDs()
	assert.Len(t, ids, maxPersistentIDs)
	assert.Equal(t, fmt.Sprintf("pid-%d", maxPersistentIDs+49), ids[len(ids)-1])
	assert.Equal(t, "pid-50", ids[0])
}

func TestFCMHandleMCSMessage(t *testing.T) {
	client := NewClient(t.TempDir())
	client.credentials = &Credentials{Raw: json.RawMessage(`{}`), Token: "test-token", PersistentIDs: []string{}}

	var received tarsier.PushMessage
	client.OnMessage(func(msg tarsier.PushMessage) { received = msg })

	client.handleMCSMessage(&dataMessageStanza{
		PersistentID: "persistent-abc",
		AppData:      []appData{{Key: "badge_count", Value: "2"}},
	})

	assert.Equal(t, "persistent-abc", received.MessageID)
	assert.Equal(t, "2", received.Data["badge_count"])
	assert.Contains(t, client.PersistentIDs(), "persistent-abc")
}

func TestFCMListenRequiresCredentials(t *testing.T) {
	err := newTestClient(t).Listen(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "call Register() first")
}

func TestFCMListenDeliversMessages(t *testing.T) {
	client := newTestClient(t)
	client.credentials = &Credentials{
		Raw:           json.RawMessage(`{"androidId":100,"securityToken":200}`),
		Token:         "t",
		PersistentIDs: []string{},
	}

	clientConn, server := net.Pipe()
	defer server.Close()
	client.dialMCS = func(context.Context) (io.ReadWriteCloser, error) { return clientConn, nil }

	received := make(chan tarsier.PushMessage, 1)
	connected := make(chan struct{})
	client.OnMessage(func(msg tarsier.PushMessage) { received <- msg })
	client.OnConnected(func() { close(connected) })

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- client.Listen(ctx) }()

	srv := fakeMCS{t: t, conn: server}
	srv.recvLogin()
	srv.send(pktLoginResponse, &loginResponse{ID: "s"}, true)
	<-connected

	srv.send(pktData, &dataMessageStanza{
		From: "sender", Category: testApp.Package, PersistentID: "p-1",
		AppData: []appData{{Key: "badge", Value: "7"}, {Key: "time", Value: "1700000000"}},
	}, false)

	select {
	case msg := <-received:
		assert.Equal(t, "p-1", msg.MessageID)
		assert.Equal(t, "7", msg.Data["badge"])
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Listen did not return after cancel")
	}
	assert.Equal(t, []string{"p-1"}, client.PersistentIDs())
}
