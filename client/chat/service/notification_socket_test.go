package service

import (
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plan_sync/client/chat/domain"
	"plan_sync/client/common/auth"
)

type notifRecorder struct {
	mu     sync.Mutex
	items  []domain.Notification
	errors []string
}

func (r *notifRecorder) snapshot() ([]domain.Notification, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Notification(nil), r.items...), append([]string(nil), r.errors...)
}

func newTestNotificationSocket(t *testing.T, srv *wsTestServer, token string, maxAttempts int) (*NotificationSocket, *notifRecorder) {
	t.Helper()
	loop := NewLoop()
	t.Cleanup(loop.Stop)
	n := NewNotificationSocket(loop, auth.StaticToken(token), SocketConfig{
		BaseURL:     srv.wsURL(),
		BaseDelay:   20 * time.Millisecond,
		MaxDelay:    100 * time.Millisecond,
		MaxAttempts: maxAttempts,
	})
	rec := &notifRecorder{}
	n.OnNotification = func(item domain.Notification) {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		rec.items = append(rec.items, item)
	}
	n.OnError = func(msg string) {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		rec.errors = append(rec.errors, msg)
	}
	t.Cleanup(n.Stop)
	return n, rec
}

func waitSocketStatus(t *testing.T, n *NotificationSocket, want domain.SocketStatus) {
	t.Helper()
	require.Eventually(t, func() bool { return n.Status() == want }, 2*time.Second, 5*time.Millisecond, "status never became %s", want)
}

func TestNotificationSocketMissingTokenIsHardError(t *testing.T) {
	srv := newWSTestServer(t)
	n, rec := newTestNotificationSocket(t, srv, "", 5)

	err := n.Start()
	assert.ErrorIs(t, err, auth.ErrMissingToken)
	assert.Equal(t, domain.SocketError, n.Status())
	_, errs := rec.snapshot()
	assert.Equal(t, []string{msgNotifMissingToken}, errs)
	srv.assertNoConnection(t, 50*time.Millisecond)
}

func TestNotificationSocketForwardsOnlyNotifications(t *testing.T) {
	srv := newWSTestServer(t)
	n, rec := newTestNotificationSocket(t, srv, "tok", 5)

	require.NoError(t, n.Start())
	conn := srv.next(t)
	assert.Equal(t, "/ws/notifications/", srv.lastRequest(t).URL.Path)
	assert.Equal(t, "tok", srv.lastRequest(t).URL.Query().Get("token"))
	waitSocketStatus(t, n, domain.SocketOpen)

	writeJSONFrame(t, conn, `{"type":"ping"}`)
	writeJSONFrame(t, conn, `{"type":"notification"}`)
	writeJSONFrame(t, conn, `{oops`)
	writeJSONFrame(t, conn, `{"type":"notification","notification":{"id":5,"topic":"CHAT","plan_id":9,"is_read":false,"created_at":"2024-05-01T10:00:00Z"}}`)

	require.Eventually(t, func() bool {
		items, _ := rec.snapshot()
		return len(items) == 1
	}, time.Second, 5*time.Millisecond)
	items, errs := rec.snapshot()
	assert.Equal(t, domain.FlexibleID("5"), items[0].ID)
	assert.Equal(t, "9", items[0].PlanKey())
	assert.NotNil(t, items[0].Metadata)
	assert.Equal(t, []string{msgNotifMalformed}, errs)
	assert.Equal(t, domain.SocketOpen, n.Status())
}

func TestNotificationSocketReconnectsUntilNormalClose(t *testing.T) {
	srv := newWSTestServer(t)
	n, _ := newTestNotificationSocket(t, srv, "tok", 5)

	require.NoError(t, n.Start())
	first := srv.next(t)
	waitSocketStatus(t, n, domain.SocketOpen)
	_ = first.Close()

	second := srv.next(t)
	waitSocketStatus(t, n, domain.SocketOpen)
	require.NoError(t, second.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	waitSocketStatus(t, n, domain.SocketClosed)
	srv.assertNoConnection(t, 100*time.Millisecond)
}

func TestNotificationSocketGivesUpAfterMaxAttempts(t *testing.T) {
	srv := newWSTestServer(t)
	srv.reject.Store(true)
	n, rec := newTestNotificationSocket(t, srv, "tok", 2)

	require.NoError(t, n.Start())
	waitSocketStatus(t, n, domain.SocketError)
	_, errs := rec.snapshot()
	assert.Equal(t, []string{msgNotifGaveUp}, errs)
	assert.Equal(t, int32(3), srv.rejected.Load())
}

func TestNotificationSocketURL(t *testing.T) {
	assert.Equal(t, "wss://x/ws/notifications/?token=a%2Fb", NotificationSocketURL("wss://x/", "a/b"))
}
