// Package client is the device side of the relay: a websocket session, the
// outbox reconciliation policy and a reconnecting connector.
package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/pelusa-v/grouprelay/internal/protocol"
)

const writeWait = 10 * time.Second

var (
	ErrNotConnected     = errors.New("not connected to relay")
	ErrUnauthorized     = errors.New("relay rejected credentials")
	ErrDeviceIDRequired = errors.New("device id required")
)

// Handlers receive relay events on the session's read goroutine, in arrival
// order. Nil hooks are skipped.
type Handlers struct {
	OnMessage func(protocol.Message)
	OnCount   func(protocol.CountPayload)
	OnJoined  func(protocol.JoinedPayload)
	OnError   func(protocol.ErrorPayload)
}

type Options struct {
	URL       string
	DeviceID  string
	AccessKey string
	Handlers  Handlers
	Logger    zerolog.Logger
	Dialer    *websocket.Dialer // nil uses websocket.DefaultDialer
}

// Session is one live connection to the relay. A dropped session is not
// revived; dial a new one and re-join.
type Session struct {
	conn     *websocket.Conn
	deviceID string
	handlers Handlers
	logger   zerolog.Logger

	writeMu   sync.Mutex
	connected atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

// Dial opens a session. Credentials travel on the upgrade request, so a
// rejected handshake fails here with ErrUnauthorized.
func Dial(ctx context.Context, opts Options) (*Session, error) {
	if opts.DeviceID == "" {
		return nil, ErrDeviceIDRequired
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	header := http.Header{}
	header.Set(protocol.HeaderDeviceID, opts.DeviceID)
	if opts.AccessKey != "" {
		header.Set(protocol.HeaderAccessKey, opts.AccessKey)
	}

	conn, resp, err := dialer.DialContext(ctx, opts.URL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, errors.Wrap(ErrUnauthorized, readReason(resp))
		}
		return nil, errors.Wrapf(err, "dial %s", opts.URL)
	}

	s := &Session{
		conn:     conn,
		deviceID: opts.DeviceID,
		handlers: opts.Handlers,
		logger:   opts.Logger.With().Str("device", opts.DeviceID).Logger(),
		done:     make(chan struct{}),
	}
	s.connected.Store(true)
	go s.readLoop()

	s.logger.Info().Str("url", opts.URL).Msg("connected to relay")
	return s, nil
}

func readReason(resp *http.Response) string {
	if resp.Body == nil {
		return resp.Status
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	var body protocol.ErrorPayload
	if json.Unmarshal(b, &body) == nil && body.Error != "" {
		return body.Error
	}
	if s := strings.TrimSpace(string(b)); s != "" {
		return s
	}
	return resp.Status
}

func (s *Session) DeviceID() string {
	return s.deviceID
}

func (s *Session) Connected() bool {
	return s.connected.Load()
}

// Done is closed when the session ends for any reason.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.connected.Store(false)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		s.writeMu.Unlock()
		err = s.conn.Close()
		close(s.done)
	})
	return err
}

// JoinGroup asks the relay to add this connection to the group's room.
func (s *Session) JoinGroup(groupCode string) error {
	return s.emit(protocol.EventJoinGroup, groupCode)
}

// SendGroupMessage hands a message to the relay. Delivery is confirmed only
// by the echo that comes back as new_message.
func (s *Session) SendGroupMessage(p protocol.SendGroupPayload) error {
	return s.emit(protocol.EventSendGroupMessage, &p)
}

// SendDirectMessage exists for older callers; the relay answers with
// message_error.
func (s *Session) SendDirectMessage(toDevice, content string) error {
	return s.emit(protocol.EventSendMessage, map[string]string{
		"toDevice": toDevice,
		"content":  content,
		"type":     protocol.TypeText,
	})
}

func (s *Session) emit(event string, data interface{}) error {
	if !s.Connected() {
		return ErrNotConnected
	}
	frame, err := protocol.Encode(event, data)
	if err != nil {
		return errors.Wrapf(err, "encode %s", event)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		go s.Close()
		return errors.Wrapf(err, "write %s", event)
	}
	return nil
}

func (s *Session) readLoop() {
	defer s.Close()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.Connected() {
				s.logger.Info().Err(err).Msg("relay connection lost")
			}
			return
		}
		s.dispatch(data)
	}
}

func (s *Session) dispatch(frame []byte) {
	env, err := protocol.Decode(frame)
	if err != nil {
		s.logger.Warn().Err(err).Msg("undecodable frame from relay")
		return
	}

	switch env.Event {
	case protocol.EventNewMessage:
		var m protocol.Message
		if decode(s, env, &m) && s.handlers.OnMessage != nil {
			s.handlers.OnMessage(m)
		}
	case protocol.EventGroupUserCount:
		var c protocol.CountPayload
		if decode(s, env, &c) && s.handlers.OnCount != nil {
			s.handlers.OnCount(c)
		}
	case protocol.EventGroupJoined:
		var j protocol.JoinedPayload
		if decode(s, env, &j) && s.handlers.OnJoined != nil {
			s.handlers.OnJoined(j)
		}
	case protocol.EventMessageError:
		var e protocol.ErrorPayload
		if decode(s, env, &e) {
			s.logger.Warn().Str("error", e.Error).Msg("relay reported error")
			if s.handlers.OnError != nil {
				s.handlers.OnError(e)
			}
		}
	default:
		s.logger.Debug().Str("event", env.Event).Msg("unknown event ignored")
	}
}

func decode(s *Session, env *protocol.Envelope, v interface{}) bool {
	if err := json.Unmarshal(env.Data, v); err != nil {
		s.logger.Warn().Err(err).Str("event", env.Event).Msg("bad payload from relay")
		return false
	}
	return true
}
