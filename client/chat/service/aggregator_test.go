package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plan_sync/client/chat/domain"
	"plan_sync/client/common/auth"
	"plan_sync/client/common/infra/storage"
)

type aggregatorFixture struct {
	api    *fakeAPI
	store  *storage.MemoryStore
	center *NotificationCenter
	conn   *ConnectionManager
	rooms  *RoomAggregator
	srv    *wsTestServer
}

func newAggregatorFixture(t *testing.T) *aggregatorFixture {
	t.Helper()
	loop := NewLoop()
	t.Cleanup(loop.Stop)
	srv := newWSTestServer(t)
	api := newFakeAPI()
	store := storage.NewMemoryStore()
	center := NewNotificationCenter(loop, api)
	conn := NewConnectionManager(loop, auth.StaticToken("tok"), SocketConfig{
		BaseURL:   srv.wsURL(),
		BaseDelay: 20 * time.Millisecond,
		MaxDelay:  100 * time.Millisecond,
	})
	t.Cleanup(conn.Close)
	rooms := NewRoomAggregator(loop, api, store, center, conn, RoomAggregatorConfig{
		Profile:      domain.Profile{ID: "9", Username: "an", DisplayName: "An Nguyen"},
		Location:     time.UTC,
		ErrorDisplay: 200 * time.Millisecond,
	})
	return &aggregatorFixture{api: api, store: store, center: center, conn: conn, rooms: rooms, srv: srv}
}

func roomByID(snap domain.ChatSnapshot, id string) (domain.Room, bool) {
	for _, r := range snap.Rooms {
		if r.PlanID == id {
			return r, true
		}
	}
	return domain.Room{}, false
}

func TestIsRoomReloadKey(t *testing.T) {
	assert.True(t, IsRoomReloadKey("plansync-chat-threads"))
	assert.True(t, IsRoomReloadKey("plansync-plans"))
	assert.True(t, IsRoomReloadKey("plansync-plans-state:an"))
	assert.False(t, IsRoomReloadKey("plansync-ui"))
}

func TestRoomAggregatorRefreshSortsAndCaches(t *testing.T) {
	f := newAggregatorFixture(t)
	f.api.threads = []domain.ChatThreadSummary{
		{ThreadID: 1, PlanID: "10", PlanTitle: "Hike", LastMessageTimestamp: strPtr("2024-05-01T08:00:00Z")},
		{ThreadID: 2, PlanID: "11", LastMessageTimestamp: strPtr("2024-05-02T08:00:00Z")},
		{ThreadID: 3, PlanID: "12", PlanTitle: "Quiet"},
	}
	f.center.Ingest(chatNotification("n1", "10", false, time.Now()))

	require.NoError(t, f.rooms.RefreshRooms(context.Background()))
	snap := f.rooms.Snapshot()
	require.Len(t, snap.Rooms, 3)
	assert.Equal(t, "11", snap.Rooms[0].PlanID)
	assert.Equal(t, "Plan 11", snap.Rooms[0].Title)
	assert.Equal(t, "10", snap.Rooms[1].PlanID)
	assert.Equal(t, 1, snap.Rooms[1].UnreadCount)
	assert.Equal(t, "12", snap.Rooms[2].PlanID)

	raw, err := f.store.Get(context.Background(), ChatRoomsCacheKey)
	require.NoError(t, err)
	var cached []domain.CachedRoom
	require.NoError(t, json.Unmarshal(raw, &cached))
	require.Len(t, cached, 3)
	assert.Equal(t, "11", cached[0].PlanID)
	assert.Contains(t, string(raw), `"planId"`)
}

func TestRoomAggregatorFallsBackToCache(t *testing.T) {
	f := newAggregatorFixture(t)
	raw, err := json.Marshal([]domain.CachedRoom{{PlanID: "10", Title: "Hike"}})
	require.NoError(t, err)
	require.NoError(t, f.store.Set(context.Background(), ChatRoomsCacheKey, raw))
	f.api.threadsErr = errOffline
	f.center.Ingest(chatNotification("n1", "10", false, time.Now()))

	err = f.rooms.RefreshRooms(context.Background())
	require.ErrorIs(t, err, errOffline)
	snap := f.rooms.Snapshot()
	require.Len(t, snap.Rooms, 1)
	assert.Equal(t, int64(domain.UnresolvedThreadID), snap.Rooms[0].ThreadID)
	assert.Equal(t, "Hike", snap.Rooms[0].Title)
	assert.Equal(t, 1, snap.Rooms[0].UnreadCount)

	f.center.Ingest(chatNotification("n2", "10", false, time.Now()))
	require.Eventually(t, func() bool {
		return f.rooms.Snapshot().Rooms[0].UnreadCount == 2
	}, time.Second, 5*time.Millisecond)
}

func TestRoomAggregatorSelectRoomAcknowledgesAndStreams(t *testing.T) {
	f := newAggregatorFixture(t)
	f.api.threads = []domain.ChatThreadSummary{{ThreadID: 1, PlanID: "10", PlanTitle: "Hike"}}
	f.center.Ingest(chatNotification("n1", "10", false, time.Now()))
	require.NoError(t, f.rooms.RefreshRooms(context.Background()))

	f.rooms.SelectRoom("10")
	conn := f.srv.next(t)
	assert.Equal(t, "/ws/plan/10/", f.srv.lastRequest(t).URL.Path)

	require.Eventually(t, func() bool { return len(f.api.readCallList()) == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return f.center.ChatUnread("10") == 0 }, time.Second, 5*time.Millisecond)
	room, ok := roomByID(f.rooms.Snapshot(), "10")
	require.True(t, ok)
	assert.Equal(t, 0, room.UnreadCount)

	writeJSONFrame(t, conn, `{"type":"chat_history","messages":[{"id":1,"message":"old","user":"bo","timestamp":"2024-05-01T08:00:00Z"}]}`)
	writeJSONFrame(t, conn, `{"type":"new_message","id":2,"message":"hi","user":"bo","user_id":4}`)
	require.Eventually(t, func() bool { return len(f.rooms.Messages("10")) == 2 }, time.Second, 5*time.Millisecond)

	snap := f.rooms.Snapshot()
	require.NotNil(t, snap.SelectedRoomID)
	assert.Equal(t, "10", *snap.SelectedRoomID)
	room, _ = roomByID(snap, "10")
	assert.Equal(t, 0, room.UnreadCount)
	require.NotNil(t, room.LastMessage)
	assert.Equal(t, "hi", *room.LastMessage)
	assert.Equal(t, domain.ConnectionConnected, snap.ConnectionStatus)

	writeJSONFrame(t, conn, `{"type":"read_receipt","message_id":2,"receipts":[{"username":"cy","read_at":"2024-05-01T09:00:00Z"}]}`)
	require.Eventually(t, func() bool {
		msgs := f.rooms.Messages("10")
		return len(msgs) == 2 && len(msgs[1].ReadReceipts) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "cy", f.rooms.Messages("10")[1].ReadReceipts[0].Username)
}

func TestRoomAggregatorAcknowledgesChatForSelectedRoom(t *testing.T) {
	f := newAggregatorFixture(t)
	f.api.threads = []domain.ChatThreadSummary{{ThreadID: 1, PlanID: "10"}, {ThreadID: 2, PlanID: "11"}}
	require.NoError(t, f.rooms.RefreshRooms(context.Background()))

	f.rooms.SelectRoom("10")
	f.srv.next(t)
	f.center.Ingest(chatNotification("n1", "10", false, time.Now()))

	require.Eventually(t, func() bool {
		calls := f.api.readCallList()
		return len(calls) == 1 && calls[0] == "n1"
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return f.center.ChatUnread("10") == 0 }, time.Second, 5*time.Millisecond)

	f.rooms.SelectRoom("11")
	room, ok := roomByID(f.rooms.Snapshot(), "10")
	require.True(t, ok)
	assert.Equal(t, 0, room.UnreadCount)
}

func TestRoomAggregatorCountsMessagesForOtherRooms(t *testing.T) {
	f := newAggregatorFixture(t)
	f.api.threads = []domain.ChatThreadSummary{{ThreadID: 1, PlanID: "10"}, {ThreadID: 2, PlanID: "11"}}
	require.NoError(t, f.rooms.RefreshRooms(context.Background()))

	self := "9"
	f.rooms.AddIncomingMessage("11", domain.Message{ID: "m1", SenderID: &self, SenderName: "an", Text: "mine", Timestamp: time.Now()})
	f.rooms.AddIncomingMessage("11", domain.Message{ID: "m2", SenderName: "bo", Text: "theirs", Timestamp: time.Now()})

	snap := f.rooms.Snapshot()
	room, ok := roomByID(snap, "11")
	require.True(t, ok)
	assert.Equal(t, 2, room.UnreadCount)
	msgs := snap.Messages["11"]
	require.Len(t, msgs, 2)
	require.Len(t, msgs[0].ReadReceipts, 1)
	assert.Equal(t, "an", msgs[0].ReadReceipts[0].Username)
	assert.Empty(t, msgs[1].ReadReceipts)

	f.rooms.MarkRoomAsRead("11")
	room, _ = roomByID(f.rooms.Snapshot(), "11")
	assert.Equal(t, 0, room.UnreadCount)
}

func TestRoomAggregatorSendRequiresSelectedRoom(t *testing.T) {
	f := newAggregatorFixture(t)
	assert.ErrorIs(t, f.rooms.SendMessage("10", "hello"), ErrRoomNotSelected)
	assert.ErrorIs(t, f.rooms.SendMessage("10", "   "), ErrEmptyMessage)
	assert.ErrorIs(t, f.rooms.MarkMessagesRead([]string{"1"}), ErrRoomNotSelected)

	f.rooms.SelectRoom("10")
	conn := f.srv.next(t)
	require.Eventually(t, func() bool { return f.conn.Status() == domain.ConnectionConnected }, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, f.rooms.SendMessage("11", "hello"), ErrRoomNotSelected)
	require.NoError(t, f.rooms.SendMessage("10", "hello"))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"send_message","message":"hello"}`, string(raw))

	require.NoError(t, f.rooms.MarkMessagesRead([]string{"5", "abc"}))
	_, raw, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"mark_read","message_ids":[5,"abc"]}`, string(raw))
}

func TestRoomAggregatorConnectionErrorExpires(t *testing.T) {
	f := newAggregatorFixture(t)
	f.rooms.SelectRoom("10")
	conn := f.srv.next(t)
	writeJSONFrame(t, conn, `{"error":"Plan not found"}`)

	require.Eventually(t, func() bool {
		snap := f.rooms.Snapshot()
		return snap.ConnectionError != nil && *snap.ConnectionError == "Plan not found"
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return f.rooms.Snapshot().ConnectionError == nil }, time.Second, 5*time.Millisecond)
}

func TestRoomAggregatorReloadsOnStorageChange(t *testing.T) {
	f := newAggregatorFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, f.rooms.Start(ctx))

	f.api.mu.Lock()
	f.api.threads = []domain.ChatThreadSummary{{ThreadID: 1, PlanID: "10"}}
	f.api.mu.Unlock()
	require.NoError(t, f.store.Peer().Set(ctx, "plansync-plans-state:an", []byte(`{}`)))

	require.Eventually(t, func() bool { return len(f.rooms.Snapshot().Rooms) == 1 }, 2*time.Second, 10*time.Millisecond)
}
