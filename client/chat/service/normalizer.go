package service

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"plan_sync/client/chat/domain"
)

// Wire payloads name the same attribute differently depending on the
// producer. Each list is tried in order and the first non-empty value wins.
var (
	messageIDKeys      = []string{"id", "message_id"}
	senderNameKeys     = []string{"user", "sender"}
	senderUsernameKeys = []string{"username", "user_username", "senderUsername", "sender_username", "user", "sender"}
	senderAvatarKeys   = []string{"profile_picture", "profilePicture", "senderAvatar", "avatar"}
	senderIDKeys       = []string{"user_id", "senderId", "sender_id"}
	messageTextKeys    = []string{"message", "text"}
	receiptListKeys    = []string{"read_receipts", "receipts"}

	receiptDisplayKeys = []string{"display_name", "displayName"}
	receiptAvatarKeys  = []string{"profile_picture", "avatar"}
	receiptReadAtKeys  = []string{"read_at", "readAt"}
)

// DefaultServerOffset is the fixed offset naive server timestamps are
// written in.
const DefaultServerOffset = 7 * time.Hour

var naiveLayouts = []string{
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04",
	"2006-01-02T15:04",
}

func ServerLocation(offset time.Duration) *time.Location {
	secs := int(offset / time.Second)
	name := "UTC" + time.Date(2000, 1, 1, 0, 0, 0, 0, time.FixedZone("", secs)).Format("-07:00")
	return time.FixedZone(name, secs)
}

// NormalizeMessage turns one raw chat payload into a Message for roomID. It
// never fails: missing sender fields stay nil, a missing or unreadable
// timestamp becomes now and a missing id gets a random one.
func NormalizeMessage(raw map[string]any, roomID string, now time.Time, loc *time.Location) domain.Message {
	username := firstString(raw, senderUsernameKeys)
	sender := firstString(raw, senderNameKeys)
	if sender == "" {
		sender = username
	}
	if sender == "" {
		sender = "Unknown"
	}
	id := firstString(raw, messageIDKeys)
	if id == "" {
		id = uuid.NewString()
	}
	ts, ok := ParseTimestamp(raw["timestamp"], loc)
	if !ok {
		ts = now
	}
	return domain.Message{
		ID:             id,
		RoomID:         roomID,
		SenderID:       optionalString(firstString(raw, senderIDKeys)),
		SenderName:     sender,
		SenderUsername: optionalString(username),
		SenderAvatar:   optionalString(firstString(raw, senderAvatarKeys)),
		Text:           firstString(raw, messageTextKeys),
		Timestamp:      ts,
		ReadReceipts:   NormalizeReceipts(firstValue(raw, receiptListKeys)),
	}
}

// ParseTimestamp accepts an already resolved time.Time, an RFC 3339 string
// or a naive server-local string, which is read in loc.
func ParseTimestamp(v any, loc *time.Location) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, !t.IsZero()
	case *time.Time:
		if t == nil || t.IsZero() {
			return time.Time{}, false
		}
		return *t, true
	case string:
		return parseTimestampString(t, loc)
	}
	return time.Time{}, false
}

func parseTimestampString(s string, loc *time.Location) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, true
	}
	if loc == nil {
		loc = ServerLocation(DefaultServerOffset)
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func NormalizeReceipts(v any) []domain.ReadReceipt {
	entries, ok := v.([]any)
	if !ok {
		return []domain.ReadReceipt{}
	}
	out := make([]domain.ReadReceipt, 0, len(entries))
	for _, entry := range entries {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		username := stringValue(m["username"])
		if username == "" {
			continue
		}
		out = append(out, domain.ReadReceipt{
			Username:    username,
			DisplayName: optionalString(firstString(m, receiptDisplayKeys)),
			Avatar:      optionalString(firstString(m, receiptAvatarKeys)),
			ReadAt:      firstString(m, receiptReadAtKeys),
		})
	}
	return out
}

// MergeReadReceipts keeps the latest receipt per username, newest first.
// ReadAt values are compared as instants; naive ones are read in loc.
func MergeReadReceipts(existing, incoming []domain.ReadReceipt, loc *time.Location) []domain.ReadReceipt {
	byUser := map[string]domain.ReadReceipt{}
	readAt := map[string]time.Time{}
	order := []string{}
	for _, r := range append(append([]domain.ReadReceipt{}, existing...), incoming...) {
		if r.Username == "" {
			continue
		}
		at, _ := parseTimestampString(r.ReadAt, loc)
		current, ok := readAt[r.Username]
		if !ok {
			order = append(order, r.Username)
		}
		if !ok || at.After(current) {
			byUser[r.Username] = r
			readAt[r.Username] = at
		}
	}
	out := make([]domain.ReadReceipt, 0, len(order))
	for _, name := range order {
		out = append(out, byUser[name])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return readAt[out[i].Username].After(readAt[out[j].Username])
	})
	return out
}

func firstValue(raw map[string]any, keys []string) any {
	for _, k := range keys {
		if v, ok := raw[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func firstString(raw map[string]any, keys []string) string {
	for _, k := range keys {
		if s := stringValue(raw[k]); s != "" {
			return s
		}
	}
	return ""
}

func stringValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool, map[string]any, []any:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
