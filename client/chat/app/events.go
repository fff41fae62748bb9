package app

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"plan_sync/client/chat/domain"
	commonlog "plan_sync/client/common/log"
)

const (
	EventRoomsUpdated = "rooms.updated"
	EventPlansUpdated = "plans.updated"

	publishTimeout = 5 * time.Second
)

type eventPublisher interface {
	Publish(ctx context.Context, key string, payload any) error
}

type changeEvent struct {
	key  string
	body json.RawMessage
}

type RoomsEvent struct {
	Rooms       []domain.Room `json:"rooms"`
	TotalUnread int           `json:"total_unread"`
}

type PlansEvent struct {
	States map[string]domain.PlanState `json:"states"`
}

// changeForwarder publishes derived-state changes off the event loop. An
// event identical to the last one sent under the same key is skipped.
type changeForwarder struct {
	publisher eventPublisher
	events    chan changeEvent
	done      chan struct{}
}

func newChangeForwarder(publisher eventPublisher) *changeForwarder {
	f := &changeForwarder{
		publisher: publisher,
		events:    make(chan changeEvent, 64),
		done:      make(chan struct{}),
	}
	go f.run()
	return f
}

func (f *changeForwarder) rooms(snap domain.ChatSnapshot) {
	total := 0
	for _, r := range snap.Rooms {
		total += r.UnreadCount
	}
	f.enqueue(EventRoomsUpdated, RoomsEvent{Rooms: snap.Rooms, TotalUnread: total})
}

func (f *changeForwarder) plans(snap domain.PlanSnapshot) {
	f.enqueue(EventPlansUpdated, PlansEvent{States: snap.States})
}

func (f *changeForwarder) enqueue(key string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		commonlog.Errorf("event=mq_forward action=encode status=failed key=%s error=%v", key, err)
		return
	}
	select {
	case f.events <- changeEvent{key: key, body: body}:
	default:
		commonlog.Warnf("event=mq_forward action=enqueue status=dropped key=%s", key)
	}
}

func (f *changeForwarder) run() {
	defer close(f.done)
	last := map[string][]byte{}
	for ev := range f.events {
		if bytes.Equal(last[ev.key], ev.body) {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err := f.publisher.Publish(ctx, ev.key, ev.body)
		cancel()
		if err != nil {
			commonlog.Warnf("event=mq_forward action=publish status=failed key=%s error=%v", ev.key, err)
			continue
		}
		last[ev.key] = ev.body
		commonlog.Debugf("event=mq_forward action=publish status=ok key=%s bytes=%d", ev.key, len(ev.body))
	}
}

// close stops accepting events and waits for queued ones to drain.
func (f *changeForwarder) close() {
	close(f.events)
	<-f.done
}
