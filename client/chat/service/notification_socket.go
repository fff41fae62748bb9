package service

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"plan_sync/client/chat/domain"
	"plan_sync/client/common/auth"
	commonlog "plan_sync/client/common/log"
)

type notificationEnvelope struct {
	Type         string          `json:"type"`
	Notification json.RawMessage `json:"notification"`
}

// NotificationSocket is the session-wide socket carrying notification
// events. It lives from Start to Stop regardless of the selected room.
type NotificationSocket struct {
	loop    *Loop
	session auth.TokenSource
	cfg     SocketConfig
	backoff *backoff.ExponentialBackOff

	active    bool
	current   *socket
	status    domain.SocketStatus
	attempts  int
	reconnect *Timer

	OnNotification func(domain.Notification)
	OnError        func(message string)
	OnStatus       func(domain.SocketStatus)
}

func NewNotificationSocket(loop *Loop, session auth.TokenSource, cfg SocketConfig) *NotificationSocket {
	cfg = cfg.withDefaults(5 * time.Second)
	return &NotificationSocket{
		loop:    loop,
		session: session,
		cfg:     cfg,
		backoff: newReconnectBackoff(cfg.BaseDelay, cfg.MaxDelay),
		status:  domain.SocketIdle,
	}
}

func NotificationSocketURL(base, token string) string {
	return fmt.Sprintf("%s/ws/notifications/?token=%s", strings.TrimRight(base, "/"), url.QueryEscape(token))
}

// Start opens the socket. A missing token is returned as an error and is
// never retried.
func (n *NotificationSocket) Start() error {
	var err error
	if !n.loop.Do(func() { err = n.start() }) {
		return ErrNotConnected
	}
	return err
}

func (n *NotificationSocket) Stop() {
	n.loop.Do(n.stop)
}

func (n *NotificationSocket) Status() domain.SocketStatus {
	var status domain.SocketStatus
	n.loop.Do(func() { status = n.status })
	return status
}

func (n *NotificationSocket) start() error {
	if n.active {
		return nil
	}
	if _, err := n.session.Token(); err != nil {
		commonlog.Warnf("event=notification_socket action=start status=failed error=%v", err)
		n.setStatus(domain.SocketError)
		n.fireError(msgNotifMissingToken)
		return err
	}
	n.active = true
	n.attempts = 0
	n.backoff.Reset()
	n.connect()
	return nil
}

func (n *NotificationSocket) stop() {
	n.active = false
	n.reconnect.Stop()
	n.reconnect = nil
	if n.current != nil {
		n.current.close(CloseNormal, "Session ended")
		n.current = nil
	}
	n.setStatus(domain.SocketIdle)
}

func (n *NotificationSocket) connect() {
	if !n.active {
		return
	}
	token, err := n.session.Token()
	if err != nil {
		commonlog.Warnf("event=notification_socket action=connect status=failed error=%v", err)
		n.active = false
		n.setStatus(domain.SocketError)
		n.fireError(msgNotifMissingToken)
		return
	}
	n.setStatus(domain.SocketConnecting)
	n.current = openSocket(n.loop, n.cfg.Dialer, NotificationSocketURL(n.cfg.BaseURL, token), socketHandlers{
		onOpen:  n.handleOpen,
		onFrame: n.handleFrame,
		onClose: n.handleClose,
	})
}

func (n *NotificationSocket) handleOpen(s *socket) {
	if s != n.current {
		return
	}
	n.attempts = 0
	n.backoff.Reset()
	commonlog.Infof("event=notification_socket action=open status=ok")
	n.setStatus(domain.SocketOpen)
}

func (n *NotificationSocket) handleFrame(s *socket, data []byte) {
	if s != n.current {
		return
	}
	var env notificationEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		commonlog.Warnf("event=notification_socket action=parse status=failed error=%v", err)
		n.fireError(msgNotifMalformed)
		return
	}
	if env.Type != domain.EnvelopeNotification || len(env.Notification) == 0 || string(env.Notification) == "null" {
		return
	}
	var item domain.Notification
	if err := json.Unmarshal(env.Notification, &item); err != nil {
		commonlog.Warnf("event=notification_socket action=parse status=failed error=%v", err)
		n.fireError(msgNotifMalformed)
		return
	}
	if item.Metadata == nil {
		item.Metadata = map[string]any{}
	}
	if n.OnNotification != nil {
		n.OnNotification(item)
	}
}

func (n *NotificationSocket) handleClose(s *socket, code int, reason string) {
	if s != n.current {
		return
	}
	n.current = nil
	n.setStatus(domain.SocketClosed)
	commonlog.Infof("event=notification_socket action=close status=ok code=%d attempts=%d reason=%q", code, n.attempts, reason)
	if code == CloseNormal || !n.active {
		return
	}
	if n.attempts >= n.cfg.MaxAttempts {
		commonlog.Errorf("event=notification_socket action=reconnect status=gave_up attempts=%d", n.attempts)
		n.setStatus(domain.SocketError)
		n.fireError(msgNotifGaveUp)
		return
	}
	n.attempts++
	delay := n.backoff.NextBackOff()
	commonlog.Infof("event=notification_socket action=reconnect status=scheduled attempt=%d/%d delay_ms=%d", n.attempts, n.cfg.MaxAttempts, delay.Milliseconds())
	n.reconnect = n.loop.AfterFunc(delay, func() {
		n.reconnect = nil
		if n.current == nil {
			n.connect()
		}
	})
}

func (n *NotificationSocket) setStatus(status domain.SocketStatus) {
	if n.status == status {
		return
	}
	n.status = status
	if n.OnStatus != nil {
		n.OnStatus(status)
	}
}

func (n *NotificationSocket) fireError(message string) {
	if n.OnError != nil {
		n.OnError(message)
	}
}
