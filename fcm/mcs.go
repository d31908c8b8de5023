package fcm

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// mcsVersion is the protocol version sent ahead of the login request.
const mcsVersion = 41

// packetTag is the one-byte MCS packet type.
type packetTag uint8

const (
	pktHeartbeatPing packetTag = 0
	pktHeartbeatAck  packetTag = 1
	pktLoginRequest  packetTag = 2
	pktLoginResponse packetTag = 3
	pktClose         packetTag = 4
	pktIq            packetTag = 7
	pktData          packetTag = 8
	pktStreamError   packetTag = 10
)

const defaultPingInterval = 5 * time.Minute

var errServerClose = errors.New("mcs: server sent close")

// loginRequestFor builds the LoginRequest for id, acknowledging the given
// persistent IDs.
func loginRequestFor(id deviceIdentity, acked []string) *loginRequest {
	dec := strconv.FormatUint(id.AndroidID, 10)
	device := "android-" + strconv.FormatUint(id.AndroidID, 16)
	return &loginRequest{
		ID:                    device,
		Domain:                "mcs.android.com",
		User:                  dec,
		Resource:              dec,
		AuthToken:             strconv.FormatUint(id.SecurityToken, 10),
		DeviceID:              device,
		LastRmqID:             1,
		Settings:              []setting{{Name: "new_vc", Value: "1"}},
		ReceivedPersistentIDs: acked,
		UseRmq2:               true,
		AccountID:             1000000,
		AuthService:           authServiceAndroidID,
		NetworkType:           1,
	}
}

// mcsSession is one MCS connection: login, then a frame loop with periodic
// pings. Data messages arrive as plaintext AppData.
type mcsSession struct {
	conn   io.ReadWriteCloser
	in     *bufio.Reader
	id     deviceIdentity
	acked  []string
	logger *slog.Logger

	pingEvery time.Duration

	onData func(*dataMessageStanza)
	onUp   func()
	onDown func(reason string)

	writeMu sync.Mutex
}

func newMCSSession(conn io.ReadWriteCloser, id deviceIdentity, acked []string, logger *slog.Logger) *mcsSession {
	return &mcsSession{
		conn:      conn,
		in:        bufio.NewReader(conn),
		id:        id,
		acked:     acked,
		logger:    logger,
		pingEvery: defaultPingInterval,
	}
}

// run logs in and processes frames until ctx is cancelled, the server ends
// the stream or a read fails. Cancellation returns nil.
func (s *mcsSession) run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { s.conn.Close() })
	defer stop()

	err := s.handshake()
	if err == nil {
		pingCtx, cancelPing := context.WithCancel(ctx)
		go s.pingLoop(pingCtx)
		err = s.loop()
		cancelPing()
	}

	if ctx.Err() != nil {
		s.down("context cancelled")
		return nil
	}
	if err == nil {
		s.down("stream ended")
	} else {
		s.down(err.Error())
	}
	return err
}

func (s *mcsSession) down(reason string) {
	if s.onDown != nil {
		s.onDown(reason)
	}
}

// handshake sends the versioned login and checks the server's version byte.
func (s *mcsSession) handshake() error {
	if err := s.write(pktLoginRequest, loginRequestFor(s.id, s.acked), true); err != nil {
		return fmt.Errorf("mcs: send login: %w", err)
	}
	v, err := s.in.ReadByte()
	if err != nil {
		return fmt.Errorf("mcs: read version: %w", err)
	}
	if v < mcsVersion {
		s.logger.Warn("MCS server version older than expected", "version", v, "expected", mcsVersion)
	}
	return nil
}

// write sends one frame: [version] tag uvarint(len) body.
func (s *mcsSession) write(tag packetTag, msg wireMessage, versioned bool) error {
	body := msg.marshal()
	frame := make([]byte, 0, len(body)+12)
	if versioned {
		frame = append(frame, mcsVersion)
	}
	frame = append(frame, byte(tag))
	frame = binary.AppendUvarint(frame, uint64(len(body)))
	frame = append(frame, body...)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.conn.Write(frame)
	return err
}

// readFrame reads one tag, length and body.
func (s *mcsSession) readFrame() (packetTag, []byte, error) {
	t, err := s.in.ReadByte()
	if err != nil {
		return 0, nil, fmt.Errorf("mcs: read tag: %w", err)
	}
	n, err := binary.ReadUvarint(s.in)
	if err != nil {
		return 0, nil, fmt.Errorf("mcs: read size: %w", err)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(s.in, body); err != nil {
		return 0, nil, fmt.Errorf("mcs: read body: %w", err)
	}
	return packetTag(t), body, nil
}

func (s *mcsSession) loop() error {
	for {
		tag, body, err := s.readFrame()
		if err != nil {
			return err
		}
		if err := s.dispatch(tag, body); err != nil {
			return err
		}
	}
}

// dispatch handles one frame. Malformed optional frames are logged and
// skipped; close and stream errors end the session.
func (s *mcsSession) dispatch(tag packetTag, body []byte) error {
	switch tag {
	case pktLoginResponse:
		var resp loginResponse
		if err := resp.unmarshal(body); err != nil {
			return fmt.Errorf("mcs: decode login response: %w", err)
		}
		s.logger.Debug("MCS logged in", "id", resp.ID)
		// The server has the acks now.
		s.acked = nil
		if s.onUp != nil {
			s.onUp()
		}

	case pktHeartbeatPing:
		s.logger.Debug("MCS ping")
		if err := s.write(pktHeartbeatAck, &heartbeat{}, false); err != nil {
			return fmt.Errorf("mcs: send heartbeat ack: %w", err)
		}

	case pktHeartbeatAck:
		s.logger.Debug("MCS pong")

	case pktData:
		var msg dataMessageStanza
		if err := msg.unmarshal(body); err != nil {
			s.logger.Warn("Skipping undecodable MCS data message", "error", err)
			return nil
		}
		if len(msg.RawData) > 0 {
			s.logger.Warn("Dropping encrypted MCS data message", "persistentId", msg.PersistentID)
			return nil
		}
		s.logger.Debug("MCS data message", "from", msg.From, "category", msg.Category, "persistentId", msg.PersistentID)
		if s.onData != nil {
			s.onData(&msg)
		}

	case pktIq:
		var iq iqStanza
		if err := iq.unmarshal(body); err == nil {
			s.logger.Debug("MCS iq", "type", iq.Type, "id", iq.ID)
		}

	case pktClose:
		return errServerClose

	case pktStreamError:
		var se streamErrorStanza
		if err := se.unmarshal(body); err != nil {
			return fmt.Errorf("mcs: undecodable stream error: %w", err)
		}
		return fmt.Errorf("mcs: stream error: type=%s text=%s", se.Type, se.Text)

	default:
		s.logger.Debug("MCS frame ignored", "tag", tag, "size", len(body))
	}
	return nil
}

func (s *mcsSession) pingLoop(ctx context.Context) {
	t := time.NewTicker(s.pingEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := s.write(pktHeartbeatPing, &heartbeat{}, false); err != nil {
				s.logger.Warn("MCS ping failed", "error", err)
				return
			}
		}
	}
}
