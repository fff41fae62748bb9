package service

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

var (
	ErrNotConnected   = errors.New("websocket is not connected")
	ErrSendBufferFull = errors.New("websocket send buffer is full")
)

const (
	socketSendBuffer   = 32
	socketWriteTimeout = 10 * time.Second
	socketCloseTimeout = time.Second
)

// Dialer is satisfied by *websocket.Dialer.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

func NewDialer(handshakeTimeout time.Duration) *websocket.Dialer {
	return &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}
}

type socketHandlers struct {
	onOpen  func(s *socket)
	onFrame func(s *socket, data []byte)
	onClose func(s *socket, code int, reason string)
}

var socketSeq atomic.Uint64

// socket is one websocket handle. Its fields are owned by the loop; the dial,
// read and write goroutines only talk back through loop.Post. Handlers fire
// on the loop and never after close has been called.
type socket struct {
	id       uint64
	url      string
	loop     *Loop
	handlers socketHandlers

	cancel  context.CancelFunc
	conn    *websocket.Conn
	send    chan []byte
	open    bool
	closing bool
}

// openSocket starts dialing url in the background and returns immediately.
func openSocket(loop *Loop, dialer Dialer, url string, handlers socketHandlers) *socket {
	ctx, cancel := context.WithCancel(context.Background())
	s := &socket{
		id:       socketSeq.Add(1),
		url:      url,
		loop:     loop,
		handlers: handlers,
		cancel:   cancel,
		send:     make(chan []byte, socketSendBuffer),
	}
	go s.dial(ctx, dialer)
	return s
}

func (s *socket) dial(ctx context.Context, dialer Dialer) {
	conn, resp, err := dialer.DialContext(ctx, s.url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		s.loop.Post(func() {
			if s.closing {
				return
			}
			s.closing = true
			s.handlers.onClose(s, CloseAbnormal, err.Error())
		})
		return
	}
	s.loop.Post(func() {
		if s.closing {
			_ = conn.Close()
			return
		}
		s.conn = conn
		s.open = true
		done := make(chan struct{})
		go s.read(conn, done)
		go s.write(conn, done)
		s.handlers.onOpen(s)
	})
}

func (s *socket) read(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			code, reason := CloseAbnormal, err.Error()
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				code, reason = ce.Code, ce.Text
			}
			_ = conn.Close()
			s.loop.Post(func() {
				if s.closing {
					return
				}
				s.closing = true
				s.open = false
				s.handlers.onClose(s, code, reason)
			})
			return
		}
		s.loop.Post(func() {
			if s.closing {
				return
			}
			s.handlers.onFrame(s, data)
		})
	}
}

func (s *socket) write(conn *websocket.Conn, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case data := <-s.send:
			_ = conn.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

func (s *socket) isActive() bool {
	return s != nil && !s.closing
}

func (s *socket) sendFrame(data []byte) error {
	if s == nil || !s.open || s.closing {
		return ErrNotConnected
	}
	select {
	case s.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// close tears the socket down with a close frame. No handler fires after it.
func (s *socket) close(code int, reason string) {
	if s == nil || s.closing {
		return
	}
	s.closing = true
	s.open = false
	s.cancel()
	if conn := s.conn; conn != nil {
		go func() {
			msg := websocket.FormatCloseMessage(code, reason)
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(socketCloseTimeout))
			_ = conn.Close()
		}()
	}
}
