package service

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"plan_sync/client/chat/domain"
	commonlog "plan_sync/client/common/log"
)

const MaxNotifications = 25

type NotificationAPI interface {
	Notifications(ctx context.Context, page, pageSize int) (domain.NotificationList, error)
	MarkNotificationRead(ctx context.Context, id string) (domain.UnreadUpdate, error)
	MarkAllNotificationsRead(ctx context.Context, topic string) (domain.UnreadUpdate, error)
	DeleteNotification(ctx context.Context, id string) (domain.UnreadUpdate, error)
	ClearNotifications(ctx context.Context, topic string) (domain.UnreadUpdate, error)
}

// NotificationCenter holds the recent notifications and the unread counters
// derived from them, including the per-plan chat counters rooms read from.
type NotificationCenter struct {
	loop *Loop
	api  NotificationAPI
	now  func() time.Time

	items        []domain.Notification
	unread       int
	unreadTopic  map[string]int
	chatByPlan   map[string]int
	socketStatus domain.SocketStatus
	lastError    *string

	subscribers map[int]func(domain.NotificationSnapshot)
	nextSubID   int
}

func NewNotificationCenter(loop *Loop, api NotificationAPI) *NotificationCenter {
	return &NotificationCenter{
		loop:         loop,
		api:          api,
		now:          time.Now,
		unreadTopic:  map[string]int{},
		chatByPlan:   map[string]int{},
		socketStatus: domain.SocketIdle,
		subscribers:  map[int]func(domain.NotificationSnapshot){},
	}
}

// Attach routes the notification socket's events into the center.
func (c *NotificationCenter) Attach(socket *NotificationSocket) {
	socket.OnNotification = c.ingest
	socket.OnError = func(message string) {
		c.lastError = &message
		c.publish()
	}
	socket.OnStatus = func(status domain.SocketStatus) {
		c.socketStatus = status
		c.publish()
	}
}

// Subscribe registers fn to receive a snapshot, on the loop, after every
// change. The returned func unregisters it.
func (c *NotificationCenter) Subscribe(fn func(domain.NotificationSnapshot)) func() {
	var id int
	c.loop.Do(func() { id = c.subscribe(fn) })
	return func() {
		c.loop.Post(func() { delete(c.subscribers, id) })
	}
}

func (c *NotificationCenter) subscribe(fn func(domain.NotificationSnapshot)) int {
	c.nextSubID++
	c.subscribers[c.nextSubID] = fn
	return c.nextSubID
}

func (c *NotificationCenter) Snapshot() domain.NotificationSnapshot {
	var snap domain.NotificationSnapshot
	c.loop.Do(func() { snap = c.snapshot() })
	return snap
}

func (c *NotificationCenter) ChatUnread(planID string) int {
	var n int
	c.loop.Do(func() { n = c.chatUnread(planID) })
	return n
}

func (c *NotificationCenter) chatUnread(planID string) int {
	return c.chatByPlan[strings.TrimSpace(planID)]
}

func (c *NotificationCenter) Ingest(n domain.Notification) {
	c.loop.Post(func() { c.ingest(n) })
}

func (c *NotificationCenter) Refresh(ctx context.Context) error {
	list, err := c.api.Notifications(ctx, 1, MaxNotifications)
	if err != nil {
		commonlog.Warnf("event=notifications action=refresh status=failed error=%v", err)
		c.loop.Do(func() { c.fail(err, "Unable to load notifications.") })
		return err
	}
	c.loop.Do(func() {
		items := make([]domain.Notification, 0, len(list.Notifications))
		for _, n := range list.Notifications {
			if n.Metadata == nil {
				n.Metadata = map[string]any{}
			}
			items = append(items, n)
		}
		sortNotifications(items)
		c.items = items

		c.chatByPlan = map[string]int{}
		for _, n := range items {
			if n.Topic == domain.TopicChat && !n.IsRead {
				if key := n.PlanKey(); key != "" {
					c.chatByPlan[key]++
				}
			}
		}
		if list.UnreadCount == nil {
			c.unread, c.unreadTopic = countUnread(items)
		}
		c.applyServerCounts(list.UnreadCount, list.UnreadCountsByTopic)
		c.lastError = nil
		c.publish()
	})
	commonlog.Infof("event=notifications action=refresh status=ok count=%d", len(list.Notifications))
	return nil
}

func (c *NotificationCenter) MarkAsRead(ctx context.Context, id string) error {
	return c.markRead(ctx, id, true)
}

// markRead marks one notification read upstream. With report unset the
// caller owns the error slot.
func (c *NotificationCenter) markRead(ctx context.Context, id string, report bool) error {
	var (
		existing domain.Notification
		found    bool
	)
	c.loop.Do(func() { existing, found = c.find(id) })
	if found && existing.IsRead {
		return nil
	}
	update, err := c.api.MarkNotificationRead(ctx, id)
	if err != nil {
		commonlog.Warnf("event=notifications action=mark_read status=failed id=%s error=%v", id, err)
		if report {
			c.loop.Do(func() { c.fail(err, "Unable to update notification.") })
		}
		return err
	}
	c.loop.Do(func() {
		current, ok := c.find(id)
		wasUnread := ok && !current.IsRead
		c.markLocal(func(n domain.Notification) bool { return string(n.ID) == id })
		if update.UnreadCount != nil || update.UnreadCountsByTopic != nil {
			c.applyServerCounts(update.UnreadCount, update.UnreadCountsByTopic)
		} else if wasUnread {
			c.decrement(current.Topic)
		}
		if wasUnread && current.Topic == domain.TopicChat {
			c.decrementPlan(current.PlanKey())
		}
		if report {
			c.lastError = nil
		}
		c.publish()
	})
	return nil
}

func (c *NotificationCenter) MarkAllAsRead(ctx context.Context, topic string) error {
	update, err := c.api.MarkAllNotificationsRead(ctx, topic)
	if err != nil {
		c.loop.Do(func() { c.fail(err, "Unable to mark notifications as read.") })
		return err
	}
	c.loop.Do(func() {
		c.markLocal(func(n domain.Notification) bool { return topic == "" || n.Topic == topic })
		if topic == "" || topic == domain.TopicChat {
			c.chatByPlan = map[string]int{}
		}
		if update.UnreadCount != nil || update.UnreadCountsByTopic != nil {
			c.applyServerCounts(update.UnreadCount, update.UnreadCountsByTopic)
		} else {
			c.zeroCounts(topic)
		}
		c.lastError = nil
		c.publish()
	})
	return nil
}

func (c *NotificationCenter) Delete(ctx context.Context, id string) error {
	update, err := c.api.DeleteNotification(ctx, id)
	if err != nil {
		c.loop.Do(func() { c.fail(err, "Unable to delete notification.") })
		return err
	}
	c.loop.Do(func() {
		target, ok := c.find(id)
		kept := c.items[:0]
		for _, n := range c.items {
			if string(n.ID) != id {
				kept = append(kept, n)
			}
		}
		c.items = kept
		if update.UnreadCount != nil || update.UnreadCountsByTopic != nil {
			c.applyServerCounts(update.UnreadCount, update.UnreadCountsByTopic)
		} else if ok && !target.IsRead {
			c.decrement(target.Topic)
		}
		if ok && !target.IsRead && target.Topic == domain.TopicChat {
			c.decrementPlan(target.PlanKey())
		}
		c.lastError = nil
		c.publish()
	})
	return nil
}

func (c *NotificationCenter) Clear(ctx context.Context, topic string) error {
	update, err := c.api.ClearNotifications(ctx, topic)
	if err != nil {
		c.loop.Do(func() { c.fail(err, "Unable to clear notifications.") })
		return err
	}
	c.loop.Do(func() {
		if topic == "" {
			c.items = nil
		} else {
			kept := c.items[:0]
			for _, n := range c.items {
				if n.Topic != topic {
					kept = append(kept, n)
				}
			}
			c.items = kept
		}
		if topic == "" || topic == domain.TopicChat {
			c.chatByPlan = map[string]int{}
		}
		if update.UnreadCount != nil || update.UnreadCountsByTopic != nil {
			c.applyServerCounts(update.UnreadCount, update.UnreadCountsByTopic)
		} else {
			c.zeroCounts(topic)
		}
		c.lastError = nil
		c.publish()
	})
	return nil
}

// Acknowledge marks every unread chat notification of planID as read
// upstream, then zeroes the plan's chat counter. A failure does not stop
// the rest; all failures are reported together.
func (c *NotificationCenter) Acknowledge(ctx context.Context, planID string) error {
	planID = strings.TrimSpace(planID)
	if planID == "" {
		return nil
	}
	var pending []string
	c.loop.Do(func() {
		for _, n := range c.items {
			if n.Topic == domain.TopicChat && !n.IsRead && n.PlanKey() == planID {
				pending = append(pending, string(n.ID))
			}
		}
	})
	var errs []error
	for _, id := range pending {
		if err := c.markRead(ctx, id, false); err != nil {
			commonlog.Warnf("event=notifications action=acknowledge status=failed plan_id=%s id=%s error=%v", planID, id, err)
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	c.loop.Do(func() {
		c.clearPlan(planID)
		if err != nil {
			c.fail(errs[0], "Unable to update notification.")
			return
		}
		c.publish()
	})
	return err
}

func (c *NotificationCenter) ingest(n domain.Notification) {
	if n.ID == "" {
		return
	}
	if n.Metadata == nil {
		n.Metadata = map[string]any{}
	}
	existing, found := c.find(string(n.ID))

	merged := make([]domain.Notification, 0, len(c.items)+1)
	merged = append(merged, n)
	for _, item := range c.items {
		if item.ID != n.ID {
			merged = append(merged, item)
		}
	}
	sortNotifications(merged)
	if len(merged) > MaxNotifications {
		merged = merged[:MaxNotifications]
	}
	c.items = merged

	if !n.IsRead {
		if !found || existing.IsRead {
			c.unread++
			if n.Topic != "" {
				c.unreadTopic[n.Topic]++
			}
			if n.Topic == domain.TopicChat {
				if key := n.PlanKey(); key != "" {
					c.chatByPlan[key]++
				}
			}
		}
	} else {
		if found && !existing.IsRead {
			c.decrement(existing.Topic)
		}
		if n.Topic == domain.TopicChat {
			c.clearPlan(n.PlanKey())
		}
	}
	commonlog.Debugf("event=notifications action=ingest status=ok id=%s topic=%s is_read=%t", n.ID, n.Topic, n.IsRead)
	c.publish()
}

func (c *NotificationCenter) find(id string) (domain.Notification, bool) {
	for _, n := range c.items {
		if string(n.ID) == id {
			return n, true
		}
	}
	return domain.Notification{}, false
}

func (c *NotificationCenter) markLocal(match func(domain.Notification) bool) {
	readAt := c.now().UTC().Format(time.RFC3339)
	for i, n := range c.items {
		if n.IsRead || !match(n) {
			continue
		}
		c.items[i].IsRead = true
		c.items[i].ReadAt = &readAt
	}
}

func (c *NotificationCenter) applyServerCounts(total *int, perTopic map[string]int) {
	if total != nil {
		c.unread = max(*total, 0)
	}
	if perTopic != nil {
		next := make(map[string]int, len(perTopic))
		for k, v := range perTopic {
			next[k] = max(v, 0)
		}
		c.unreadTopic = next
	}
}

func (c *NotificationCenter) decrement(topic string) {
	c.unread = max(c.unread-1, 0)
	if topic != "" {
		c.unreadTopic[topic] = max(c.unreadTopic[topic]-1, 0)
	}
}

func (c *NotificationCenter) decrementPlan(planID string) {
	if planID == "" {
		return
	}
	if n := c.chatByPlan[planID] - 1; n > 0 {
		c.chatByPlan[planID] = n
		return
	}
	delete(c.chatByPlan, planID)
}

func (c *NotificationCenter) clearPlan(planID string) {
	if planID == "" {
		return
	}
	if _, ok := c.chatByPlan[planID]; !ok {
		return
	}
	delete(c.chatByPlan, planID)
}

func (c *NotificationCenter) zeroCounts(topic string) {
	if topic == "" {
		c.unread = 0
		c.unreadTopic = map[string]int{}
		return
	}
	c.unread = max(c.unread-c.unreadTopic[topic], 0)
	c.unreadTopic[topic] = 0
}

func (c *NotificationCenter) fail(err error, fallback string) {
	message := fallback
	if err != nil && strings.TrimSpace(err.Error()) != "" {
		message = err.Error()
	}
	c.lastError = &message
	c.publish()
}

func (c *NotificationCenter) snapshot() domain.NotificationSnapshot {
	snap := domain.NotificationSnapshot{
		Notifications:    append([]domain.Notification(nil), c.items...),
		UnreadCount:      c.unread,
		UnreadByTopic:    make(map[string]int, len(c.unreadTopic)),
		ChatUnreadByPlan: make(map[string]int, len(c.chatByPlan)),
		SocketStatus:     c.socketStatus,
	}
	for k, v := range c.unreadTopic {
		snap.UnreadByTopic[k] = v
	}
	for k, v := range c.chatByPlan {
		snap.ChatUnreadByPlan[k] = v
	}
	if c.lastError != nil {
		msg := *c.lastError
		snap.Error = &msg
	}
	return snap
}

func (c *NotificationCenter) publish() {
	if len(c.subscribers) == 0 {
		return
	}
	snap := c.snapshot()
	for _, fn := range c.subscribers {
		fn(snap)
	}
}

func sortNotifications(items []domain.Notification) {
	sort.SliceStable(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
}

func countUnread(items []domain.Notification) (int, map[string]int) {
	total := 0
	byTopic := map[string]int{}
	for _, n := range items {
		if n.IsRead {
			continue
		}
		total++
		if n.Topic != "" {
			byTopic[n.Topic]++
		}
	}
	return total, byTopic
}
