package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"plan_sync/client/chat/domain"
	"plan_sync/client/common/infra/storage"
	commonlog "plan_sync/client/common/log"
)

var ErrRoomNotSelected = errors.New("room is not selected")

const (
	ChatRoomsCacheKey     = "plansync-chat-threads"
	PlansCacheKey         = "plansync-plans"
	PlanStateKeyPrefix    = "plansync-plans-state"
	DefaultErrorDisplayed = 5 * time.Second
)

// IsRoomReloadKey reports whether a storage change to key should reload rooms.
func IsRoomReloadKey(key string) bool {
	return key == ChatRoomsCacheKey || key == PlansCacheKey || strings.HasPrefix(key, PlanStateKeyPrefix)
}

type ThreadAPI interface {
	ChatThreads(ctx context.Context) ([]domain.ChatThreadSummary, error)
}

type RoomAggregatorConfig struct {
	Profile      domain.Profile
	Location     *time.Location
	ErrorDisplay time.Duration
}

// RoomAggregator owns the room list, the per-room message lists and the
// selected room. Unread counts come from the NotificationCenter; the chat
// socket follows the selected room.
type RoomAggregator struct {
	loop          *Loop
	api           ThreadAPI
	store         storage.Store
	notifications *NotificationCenter
	conn          *ConnectionManager
	cfg           RoomAggregatorConfig
	now           func() time.Time

	ctx            context.Context
	rooms          []domain.Room
	messages       map[string][]domain.Message
	selected       string
	loading        bool
	refreshing     bool
	refreshPending bool
	connStatus     domain.ConnectionStatus
	connError      *string
	errorTimer     *Timer

	// acking holds rooms with an acknowledge in flight; true asks for
	// another pass once it finishes.
	acking map[string]bool

	subscribers map[int]func(domain.ChatSnapshot)
	nextSubID   int
}

func NewRoomAggregator(loop *Loop, api ThreadAPI, store storage.Store, notifications *NotificationCenter, conn *ConnectionManager, cfg RoomAggregatorConfig) *RoomAggregator {
	if cfg.Location == nil {
		cfg.Location = ServerLocation(DefaultServerOffset)
	}
	if cfg.ErrorDisplay <= 0 {
		cfg.ErrorDisplay = DefaultErrorDisplayed
	}
	a := &RoomAggregator{
		loop:          loop,
		api:           api,
		store:         store,
		notifications: notifications,
		conn:          conn,
		cfg:           cfg,
		now:           time.Now,
		ctx:           context.Background(),
		messages:      map[string][]domain.Message{},
		acking:        map[string]bool{},
		connStatus:    domain.ConnectionDisconnected,
		subscribers:   map[int]func(domain.ChatSnapshot){},
	}
	conn.OnEnvelope = a.handleEnvelope
	conn.OnError = a.handleConnectionError
	conn.OnConnect = a.clearConnectionError
	conn.OnStatus = func(status domain.ConnectionStatus) {
		a.connStatus = status
		a.publish()
	}
	loop.Do(func() { notifications.subscribe(a.resourceUnread) })
	return a
}

// Start binds background work to ctx and follows storage changes made by
// other processes until ctx ends.
func (a *RoomAggregator) Start(ctx context.Context) error {
	a.loop.Do(func() { a.ctx = ctx })
	if a.store == nil {
		return nil
	}
	changes, err := a.store.Watch(ctx)
	if err != nil {
		return fmt.Errorf("watch storage: %w", err)
	}
	go func() {
		for change := range changes {
			if !IsRoomReloadKey(change.Key) {
				continue
			}
			commonlog.Debugf("event=chat_rooms action=storage_change status=ok key=%s", change.Key)
			a.loop.Post(a.requestRefresh)
		}
	}()
	return nil
}

func (a *RoomAggregator) Subscribe(fn func(domain.ChatSnapshot)) func() {
	var id int
	a.loop.Do(func() {
		a.nextSubID++
		id = a.nextSubID
		a.subscribers[id] = fn
	})
	return func() {
		a.loop.Post(func() { delete(a.subscribers, id) })
	}
}

func (a *RoomAggregator) Snapshot() domain.ChatSnapshot {
	var snap domain.ChatSnapshot
	a.loop.Do(func() { snap = a.snapshot() })
	return snap
}

func (a *RoomAggregator) Messages(roomID string) []domain.Message {
	var out []domain.Message
	a.loop.Do(func() { out = append([]domain.Message(nil), a.messages[roomID]...) })
	return out
}

// RefreshRooms reloads the room list. When the fetch fails the cached
// summaries are shown instead and the fetch error is returned.
func (a *RoomAggregator) RefreshRooms(ctx context.Context) error {
	a.loop.Do(func() {
		a.loading = true
		a.publish()
	})
	defer a.loop.Post(func() {
		a.loading = false
		a.publish()
	})

	threads, err := a.api.ChatThreads(ctx)
	if err != nil {
		commonlog.Warnf("event=chat_rooms action=refresh status=failed error=%v", err)
		a.loadFallback(ctx)
		return err
	}

	var cache []domain.CachedRoom
	a.loop.Do(func() {
		rooms := make([]domain.Room, 0, len(threads))
		for _, t := range threads {
			planID := t.PlanID.String()
			room := domain.Room{
				PlanID:            planID,
				ThreadID:          t.ThreadID,
				Title:             firstNonEmpty(t.PlanTitle, "Plan "+planID),
				CoverImage:        t.PlanCoverImage,
				LastMessage:       t.LastMessage,
				LastMessageSender: t.LastMessageSender,
				UnreadCount:       a.unreadFor(planID),
				IsOwner:           t.IsOwner,
			}
			if t.LastMessageTimestamp != nil {
				if ts, ok := ParseTimestamp(*t.LastMessageTimestamp, a.cfg.Location); ok {
					room.LastMessageAt = &ts
				}
			}
			rooms = append(rooms, room)
		}
		sortRooms(rooms)
		a.rooms = rooms
		for _, r := range rooms {
			cache = append(cache, domain.CachedRoom{PlanID: r.PlanID, Title: r.Title, CoverImage: r.CoverImage})
		}
		a.publish()
	})
	commonlog.Infof("event=chat_rooms action=refresh status=ok rooms=%d", len(threads))

	if a.store != nil {
		b, err := json.Marshal(cache)
		if err == nil {
			err = a.store.Set(ctx, ChatRoomsCacheKey, b)
		}
		if err != nil {
			commonlog.Warnf("event=chat_rooms action=persist_cache status=failed error=%v", err)
		}
	}
	return nil
}

func (a *RoomAggregator) loadFallback(ctx context.Context) {
	if a.store == nil {
		return
	}
	raw, err := a.store.Get(ctx, ChatRoomsCacheKey)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			commonlog.Warnf("event=chat_rooms action=load_cache status=failed error=%v", err)
		}
		return
	}
	var cached []domain.CachedRoom
	if err := json.Unmarshal(raw, &cached); err != nil {
		commonlog.Warnf("event=chat_rooms action=load_cache status=failed error=%v", err)
		return
	}
	a.loop.Do(func() {
		rooms := make([]domain.Room, 0, len(cached))
		for _, c := range cached {
			rooms = append(rooms, domain.Room{
				PlanID:      c.PlanID,
				ThreadID:    domain.UnresolvedThreadID,
				Title:       c.Title,
				CoverImage:  c.CoverImage,
				UnreadCount: a.unreadFor(c.PlanID),
			})
		}
		a.rooms = rooms
		a.publish()
	})
	commonlog.Infof("event=chat_rooms action=load_cache status=ok rooms=%d", len(cached))
}

// OnFocus is called when the user comes back to the app.
func (a *RoomAggregator) OnFocus() {
	a.loop.Post(a.requestRefresh)
}

// requestRefresh coalesces reload triggers: at most one refresh runs and at
// most one more is queued behind it.
func (a *RoomAggregator) requestRefresh() {
	if a.refreshing {
		a.refreshPending = true
		return
	}
	a.refreshing = true
	ctx := a.ctx
	go func() {
		for {
			_ = a.RefreshRooms(ctx)
			again := false
			a.loop.Do(func() {
				again = a.refreshPending && ctx.Err() == nil
				a.refreshPending = false
				a.refreshing = again
			})
			if !again {
				return
			}
		}
	}()
}

func (a *RoomAggregator) SelectRoom(roomID string) {
	a.loop.Post(func() { a.selectRoom(roomID) })
}

func (a *RoomAggregator) MarkRoomAsRead(roomID string) {
	a.loop.Post(func() {
		a.markRoomAsRead(roomID)
		a.publish()
	})
}

func (a *RoomAggregator) AddIncomingMessage(roomID string, msg domain.Message) {
	a.loop.Post(func() { a.addIncomingMessage(roomID, msg) })
}

func (a *RoomAggregator) SetHistory(roomID string, msgs []domain.Message) {
	a.loop.Post(func() { a.setHistory(roomID, msgs) })
}

func (a *RoomAggregator) SendMessage(roomID, text string) error {
	err := ErrNotConnected
	a.loop.Do(func() {
		if strings.TrimSpace(text) == "" {
			err = ErrEmptyMessage
			return
		}
		if roomID == "" || roomID != a.selected {
			commonlog.Warnf("event=chat_message action=send status=rejected room_id=%s selected=%s", roomID, a.selected)
			err = ErrRoomNotSelected
			return
		}
		err = a.conn.sendMessage(text)
	})
	return err
}

func (a *RoomAggregator) SendAction(payload map[string]any) error {
	err := ErrNotConnected
	a.loop.Do(func() { err = a.conn.send(payload) })
	return err
}

// MarkMessagesRead adds the user's own receipt to the given messages of the
// selected room right away and tells the server.
func (a *RoomAggregator) MarkMessagesRead(messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	err := ErrNotConnected
	a.loop.Do(func() {
		if a.selected == "" {
			err = ErrRoomNotSelected
			return
		}
		if a.cfg.Profile.Username != "" {
			targets := make(map[string]struct{}, len(messageIDs))
			for _, id := range messageIDs {
				targets[id] = struct{}{}
			}
			receipt := a.selfReceipt()
			msgs := a.messages[a.selected]
			for i := range msgs {
				if _, ok := targets[msgs[i].ID]; ok {
					msgs[i].ReadReceipts = MergeReadReceipts(msgs[i].ReadReceipts, []domain.ReadReceipt{receipt}, a.cfg.Location)
				}
			}
			a.publish()
		}
		err = a.conn.send(map[string]any{"action": domain.ActionMarkRead, "message_ids": wireIDs(messageIDs)})
	})
	return err
}

func (a *RoomAggregator) selectRoom(roomID string) {
	roomID = strings.TrimSpace(roomID)
	a.selected = roomID
	if roomID != "" {
		a.markRoomAsRead(roomID)
	}
	a.conn.setRoom(roomID)
	a.publish()
}

func (a *RoomAggregator) markRoomAsRead(roomID string) {
	for i := range a.rooms {
		if a.rooms[i].PlanID == roomID {
			a.rooms[i].UnreadCount = 0
		}
	}
	if _, busy := a.acking[roomID]; busy {
		a.acking[roomID] = true
		return
	}
	a.acking[roomID] = false
	ctx := a.ctx
	go func() {
		if err := a.notifications.Acknowledge(ctx, roomID); err != nil {
			commonlog.Warnf("event=chat_rooms action=acknowledge status=failed room_id=%s error=%v", roomID, err)
		}
		a.loop.Post(func() {
			again := a.acking[roomID]
			delete(a.acking, roomID)
			if again {
				a.markRoomAsRead(roomID)
			}
		})
	}()
}

func (a *RoomAggregator) addIncomingMessage(roomID string, msg domain.Message) {
	msg.RoomID = roomID
	if msg.ReadReceipts == nil {
		msg.ReadReceipts = []domain.ReadReceipt{}
	}
	if a.isSelf(msg) && !hasReceipt(msg.ReadReceipts, a.cfg.Profile.Username) {
		msg.ReadReceipts = append(msg.ReadReceipts, a.selfReceipt())
	}
	a.messages[roomID] = append(a.messages[roomID], msg)

	for i := range a.rooms {
		if a.rooms[i].PlanID != roomID {
			continue
		}
		room := &a.rooms[i]
		text, sender, ts := msg.Text, msg.SenderName, msg.Timestamp
		room.LastMessage = &text
		room.LastMessageSender = &sender
		room.LastMessageAt = &ts
		if a.selected == roomID {
			room.UnreadCount = 0
		} else {
			room.UnreadCount++
		}
	}
	a.publish()
}

func (a *RoomAggregator) setHistory(roomID string, msgs []domain.Message) {
	a.messages[roomID] = msgs
	a.markRoomAsRead(roomID)
	a.publish()
}

func (a *RoomAggregator) handleEnvelope(env map[string]any) {
	roomID := a.selected
	if roomID == "" {
		return
	}
	kind, _ := env["type"].(string)
	switch kind {
	case domain.EnvelopeChatHistory:
		rawMessages, ok := env["messages"].([]any)
		if !ok {
			return
		}
		history := make([]domain.Message, 0, len(rawMessages))
		for _, raw := range rawMessages {
			if m, ok := raw.(map[string]any); ok {
				history = append(history, NormalizeMessage(m, roomID, a.now(), a.cfg.Location))
			}
		}
		a.setHistory(roomID, history)
	case domain.EnvelopeNewMessage:
		a.addIncomingMessage(roomID, NormalizeMessage(env, roomID, a.now(), a.cfg.Location))
	case domain.EnvelopeReadReceipt:
		target := firstString(env, []string{"message_id", "messageId"})
		if target == "" {
			return
		}
		incoming := NormalizeReceipts(env["receipts"])
		msgs := a.messages[roomID]
		for i := range msgs {
			if msgs[i].ID == target {
				msgs[i].ReadReceipts = MergeReadReceipts(msgs[i].ReadReceipts, incoming, a.cfg.Location)
			}
		}
		a.publish()
	default:
		commonlog.Debugf("event=chat_socket action=envelope status=ignored room_id=%s type=%s", roomID, kind)
	}
}

func (a *RoomAggregator) handleConnectionError(message string) {
	a.connError = &message
	a.errorTimer.Stop()
	a.errorTimer = a.loop.AfterFunc(a.cfg.ErrorDisplay, func() {
		a.errorTimer = nil
		a.connError = nil
		a.publish()
	})
	a.publish()
}

func (a *RoomAggregator) clearConnectionError() {
	a.errorTimer.Stop()
	a.errorTimer = nil
	a.connError = nil
	a.publish()
}

// resourceUnread replaces every room's counter with the notification
// center's; the selected room stays at zero and chat notifications that
// arrive for it are acknowledged.
func (a *RoomAggregator) resourceUnread(domain.NotificationSnapshot) {
	if a.selected != "" && a.notifications.chatUnread(a.selected) > 0 {
		a.markRoomAsRead(a.selected)
	}
	changed := false
	for i := range a.rooms {
		next := a.unreadFor(a.rooms[i].PlanID)
		if a.rooms[i].UnreadCount != next {
			a.rooms[i].UnreadCount = next
			changed = true
		}
	}
	if changed {
		a.publish()
	}
}

func (a *RoomAggregator) unreadFor(planID string) int {
	if planID == a.selected {
		return 0
	}
	return max(a.notifications.chatUnread(planID), 0)
}

func (a *RoomAggregator) isSelf(msg domain.Message) bool {
	return a.cfg.Profile.ID != "" && a.cfg.Profile.Username != "" && msg.SenderID != nil && *msg.SenderID == a.cfg.Profile.ID
}

func (a *RoomAggregator) selfReceipt() domain.ReadReceipt {
	p := a.cfg.Profile
	display := firstNonEmpty(p.DisplayName, p.Username)
	return domain.ReadReceipt{
		Username:    p.Username,
		DisplayName: &display,
		Avatar:      p.Avatar,
		ReadAt:      a.now().UTC().Format(time.RFC3339Nano),
	}
}

func (a *RoomAggregator) snapshot() domain.ChatSnapshot {
	snap := domain.ChatSnapshot{
		Rooms:            append([]domain.Room(nil), a.rooms...),
		Messages:         make(map[string][]domain.Message, len(a.messages)),
		IsLoadingRooms:   a.loading,
		ConnectionStatus: a.connStatus,
	}
	if snap.Rooms == nil {
		snap.Rooms = []domain.Room{}
	}
	for k, v := range a.messages {
		msgs := make([]domain.Message, len(v))
		for i, m := range v {
			m.ReadReceipts = append([]domain.ReadReceipt{}, m.ReadReceipts...)
			msgs[i] = m
		}
		snap.Messages[k] = msgs
	}
	if a.selected != "" {
		selected := a.selected
		snap.SelectedRoomID = &selected
	}
	if a.connError != nil {
		msg := *a.connError
		snap.ConnectionError = &msg
	}
	return snap
}

func (a *RoomAggregator) publish() {
	if len(a.subscribers) == 0 {
		return
	}
	snap := a.snapshot()
	for _, fn := range a.subscribers {
		fn(snap)
	}
}

func sortRooms(rooms []domain.Room) {
	sort.SliceStable(rooms, func(i, j int) bool {
		return roomActivity(rooms[i]).After(roomActivity(rooms[j]))
	})
}

func roomActivity(r domain.Room) time.Time {
	if r.LastMessageAt == nil {
		return time.Time{}
	}
	return *r.LastMessageAt
}

func hasReceipt(receipts []domain.ReadReceipt, username string) bool {
	for _, r := range receipts {
		if r.Username == username {
			return true
		}
	}
	return false
}

// wireIDs sends numeric ids as numbers, the way the server issued them.
func wireIDs(ids []string) []any {
	out := make([]any, 0, len(ids))
	for _, id := range ids {
		if n, err := strconv.ParseInt(id, 10, 64); err == nil {
			out = append(out, n)
			continue
		}
		out = append(out, id)
	}
	return out
}
