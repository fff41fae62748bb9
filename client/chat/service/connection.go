package service

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"plan_sync/client/chat/domain"
	"plan_sync/client/common/auth"
	commonlog "plan_sync/client/common/log"
)

var ErrEmptyMessage = errors.New("message is empty")

type SocketConfig struct {
	BaseURL     string
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	Dialer      Dialer
}

func (c SocketConfig) withDefaults(maxDelay time.Duration) SocketConfig {
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = maxDelay
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxReconnectAttempts
	}
	if c.Dialer == nil {
		c.Dialer = NewDialer(45 * time.Second)
	}
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	return c
}

// ConnectionManager keeps at most one chat socket open, for the selected
// room. Hooks are plain fields called on the loop; set them before the first
// SetRoom.
type ConnectionManager struct {
	loop    *Loop
	session auth.TokenSource
	cfg     SocketConfig
	backoff *backoff.ExponentialBackOff

	roomID    string
	current   *socket
	status    domain.ConnectionStatus
	attempts  int
	reconnect *Timer

	OnStatus     func(domain.ConnectionStatus)
	OnEnvelope   func(env map[string]any)
	OnError      func(message string)
	OnConnect    func()
	OnDisconnect func()
}

func NewConnectionManager(loop *Loop, session auth.TokenSource, cfg SocketConfig) *ConnectionManager {
	cfg = cfg.withDefaults(30 * time.Second)
	return &ConnectionManager{
		loop:    loop,
		session: session,
		cfg:     cfg,
		backoff: newReconnectBackoff(cfg.BaseDelay, cfg.MaxDelay),
		status:  domain.ConnectionDisconnected,
	}
}

func ChatSocketURL(base, roomID, token string) string {
	return fmt.Sprintf("%s/ws/plan/%s/?token=%s", strings.TrimRight(base, "/"), url.PathEscape(roomID), url.QueryEscape(token))
}

// SetRoom points the manager at roomID; "" disconnects.
func (m *ConnectionManager) SetRoom(roomID string) {
	m.loop.Post(func() { m.setRoom(roomID) })
}

func (m *ConnectionManager) Status() domain.ConnectionStatus {
	var status domain.ConnectionStatus
	m.loop.Do(func() { status = m.status })
	return status
}

func (m *ConnectionManager) Send(payload any) error {
	var err error
	if !m.loop.Do(func() { err = m.send(payload) }) {
		return ErrNotConnected
	}
	return err
}

func (m *ConnectionManager) SendMessage(text string) error {
	var err error
	if !m.loop.Do(func() { err = m.sendMessage(text) }) {
		return ErrNotConnected
	}
	return err
}

func (m *ConnectionManager) Close() {
	m.loop.Do(func() { m.setRoom("") })
}

func (m *ConnectionManager) setRoom(roomID string) {
	roomID = strings.TrimSpace(roomID)
	if roomID != "" && roomID == m.roomID && m.current.isActive() {
		commonlog.Debugf("event=chat_socket action=connect status=skipped room_id=%s reason=already_active", roomID)
		return
	}
	m.reconnect.Stop()
	m.reconnect = nil
	hadSocket := m.current != nil
	if m.current != nil {
		m.current.close(CloseNormal, "Manual disconnect")
		m.current = nil
	}
	m.attempts = 0
	m.backoff.Reset()
	m.roomID = roomID

	if roomID == "" {
		m.setStatus(domain.ConnectionDisconnected)
		if hadSocket {
			m.fireDisconnect()
		}
		return
	}
	m.connect()
}

func (m *ConnectionManager) connect() {
	if m.roomID == "" {
		return
	}
	token, err := m.session.Token()
	if err != nil {
		message := msgMissingToken
		if errors.Is(err, auth.ErrSessionExpired) {
			message = msgSessionExpired
		}
		commonlog.Warnf("event=chat_socket action=connect status=failed room_id=%s error=%v", m.roomID, err)
		m.setStatus(domain.ConnectionError)
		m.fireError(message)
		return
	}

	m.setStatus(domain.ConnectionConnecting)
	roomID := m.roomID
	commonlog.Infof("event=chat_socket action=connect status=started room_id=%s attempt=%d", roomID, m.attempts)
	m.current = openSocket(m.loop, m.cfg.Dialer, ChatSocketURL(m.cfg.BaseURL, roomID, token), socketHandlers{
		onOpen:  m.handleOpen,
		onFrame: m.handleFrame,
		onClose: m.handleClose,
	})
}

func (m *ConnectionManager) handleOpen(s *socket) {
	if s != m.current {
		return
	}
	m.attempts = 0
	m.backoff.Reset()
	m.reconnect.Stop()
	m.reconnect = nil
	commonlog.Infof("event=chat_socket action=open status=ok room_id=%s", m.roomID)
	m.setStatus(domain.ConnectionConnected)
	if m.OnConnect != nil {
		m.OnConnect()
	}
}

func (m *ConnectionManager) handleFrame(s *socket, data []byte) {
	if s != m.current {
		return
	}
	env, err := decodeEnvelope(data)
	if err != nil {
		commonlog.Warnf("event=chat_socket action=parse status=failed room_id=%s error=%v", m.roomID, err)
		m.fireError(msgParseFailed)
		return
	}

	if message, ok := envelopeError(env); ok {
		commonlog.Warnf("event=chat_socket action=server_error status=terminal room_id=%s error=%q", m.roomID, message)
		s.close(ClosePolicyViolation, truncateCloseReason(message))
		m.current = nil
		m.attempts = 0
		m.backoff.Reset()
		m.setStatus(domain.ConnectionError)
		m.fireError(message)
		m.fireDisconnect()
		return
	}
	if status, _ := env["status"].(string); status == "connected" {
		commonlog.Debugf("event=chat_socket action=confirm status=ok room_id=%s", m.roomID)
		return
	}
	if m.OnEnvelope != nil {
		m.OnEnvelope(env)
	}
}

func (m *ConnectionManager) handleClose(s *socket, code int, reason string) {
	if s != m.current {
		return
	}
	m.current = nil
	decision := ClassifyClose(code, reason, m.attempts, false)
	commonlog.Infof("event=chat_socket action=close status=%s room_id=%s code=%d attempts=%d reason=%q", decision.Kind, m.roomID, code, m.attempts, reason)
	m.setStatus(domain.ConnectionDisconnected)

	switch decision.Kind {
	case CloseKindNormal:
		m.attempts = 0
		m.backoff.Reset()
		m.fireDisconnect()
		return
	case CloseKindTerminal:
		m.setStatus(domain.ConnectionError)
		m.fireDisconnect()
		m.fireError(decision.Message)
		return
	case CloseKindAbnormal:
		m.fireDisconnect()
		m.fireError(decision.Message)
	}

	if m.attempts >= m.cfg.MaxAttempts {
		commonlog.Errorf("event=chat_socket action=reconnect status=gave_up room_id=%s attempts=%d", m.roomID, m.attempts)
		m.setStatus(domain.ConnectionError)
		m.fireError(msgReconnectGaveUp)
		return
	}
	m.attempts++
	delay := m.backoff.NextBackOff()
	commonlog.Infof("event=chat_socket action=reconnect status=scheduled room_id=%s attempt=%d/%d delay_ms=%d", m.roomID, m.attempts, m.cfg.MaxAttempts, delay.Milliseconds())
	m.reconnect = m.loop.AfterFunc(delay, func() {
		m.reconnect = nil
		if m.current == nil {
			m.connect()
		}
	})
}

func (m *ConnectionManager) send(payload any) error {
	if !m.current.isActive() || m.status != domain.ConnectionConnected {
		return ErrNotConnected
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return m.current.sendFrame(b)
}

func (m *ConnectionManager) sendMessage(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	return m.send(map[string]string{"action": domain.ActionSendMessage, "message": text})
}

func (m *ConnectionManager) setStatus(status domain.ConnectionStatus) {
	if m.status == status {
		return
	}
	m.status = status
	if m.OnStatus != nil {
		m.OnStatus(status)
	}
}

func (m *ConnectionManager) fireError(message string) {
	if m.OnError != nil && message != "" {
		m.OnError(message)
	}
}

func (m *ConnectionManager) fireDisconnect() {
	if m.OnDisconnect != nil {
		m.OnDisconnect()
	}
}

func decodeEnvelope(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var env map[string]any
	if err := dec.Decode(&env); err != nil {
		return nil, err
	}
	if env == nil {
		return nil, errors.New("envelope is not an object")
	}
	return env, nil
}

func envelopeError(env map[string]any) (string, bool) {
	raw, ok := env["error"]
	if !ok || raw == nil {
		return "", false
	}
	message := strings.TrimSpace(fmt.Sprint(raw))
	if message == "" || message == "false" {
		return "", false
	}
	return message, true
}

// close frame payloads are limited to 125 bytes, two of them for the code.
func truncateCloseReason(reason string) string {
	if len(reason) <= 123 {
		return reason
	}
	return strings.ToValidUTF8(reason[:123], "")
}
