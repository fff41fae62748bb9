package domain

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

type ConnectionStatus string
type SocketStatus string

const (
	ConnectionConnecting   ConnectionStatus = "connecting"
	ConnectionConnected    ConnectionStatus = "connected"
	ConnectionDisconnected ConnectionStatus = "disconnected"
	ConnectionError        ConnectionStatus = "error"
)

const (
	SocketIdle       SocketStatus = "idle"
	SocketConnecting SocketStatus = "connecting"
	SocketOpen       SocketStatus = "open"
	SocketClosed     SocketStatus = "closed"
	SocketError      SocketStatus = "error"
)

const (
	TopicChat = "CHAT"

	EnvelopeChatHistory  = "chat_history"
	EnvelopeNewMessage   = "new_message"
	EnvelopeReadReceipt  = "read_receipt"
	EnvelopeNotification = "notification"

	ActionSendMessage = "send_message"
	ActionMarkRead    = "mark_read"

	UnresolvedThreadID = -1
)

// FlexibleID accepts both JSON numbers and strings; ids arrive as either
// depending on the endpoint. null decodes to "".
type FlexibleID string

func (id *FlexibleID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = FlexibleID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	if i, err := n.Int64(); err == nil {
		*id = FlexibleID(strconv.FormatInt(i, 10))
		return nil
	}
	*id = FlexibleID(n.String())
	return nil
}

func (id FlexibleID) String() string {
	return string(id)
}

type Room struct {
	PlanID            string     `json:"plan_id"`
	ThreadID          int64      `json:"thread_id"`
	Title             string     `json:"title"`
	CoverImage        *string    `json:"cover_image,omitempty"`
	LastMessage       *string    `json:"last_message,omitempty"`
	LastMessageSender *string    `json:"last_message_sender,omitempty"`
	LastMessageAt     *time.Time `json:"last_message_at,omitempty"`
	UnreadCount       int        `json:"unread_count"`
	IsOwner           bool       `json:"is_owner"`
}

// CachedRoom is the minimal room summary kept in local storage for when the
// thread list cannot be fetched.
type CachedRoom struct {
	PlanID     string  `json:"planId"`
	Title      string  `json:"title"`
	CoverImage *string `json:"coverImage"`
}

type ReadReceipt struct {
	Username    string  `json:"username"`
	DisplayName *string `json:"display_name,omitempty"`
	Avatar      *string `json:"avatar,omitempty"`
	ReadAt      string  `json:"read_at"`
}

type Message struct {
	ID             string        `json:"id"`
	RoomID         string        `json:"room_id"`
	SenderID       *string       `json:"sender_id,omitempty"`
	SenderName     string        `json:"sender_name"`
	SenderUsername *string       `json:"sender_username,omitempty"`
	SenderAvatar   *string       `json:"sender_avatar,omitempty"`
	Text           string        `json:"text"`
	Timestamp      time.Time     `json:"timestamp"`
	ReadReceipts   []ReadReceipt `json:"read_receipts"`
}

type ChatThreadSummary struct {
	ThreadID             int64      `json:"thread_id"`
	PlanID               FlexibleID `json:"plan_id"`
	PlanTitle            string     `json:"plan_title"`
	PlanCoverImage       *string    `json:"plan_cover_image"`
	IsOwner              bool       `json:"is_owner"`
	LastMessage          *string    `json:"last_message"`
	LastMessageTimestamp *string    `json:"last_message_timestamp"`
	LastMessageSender    *string    `json:"last_message_sender"`
}

type NotificationActor struct {
	ID             FlexibleID `json:"id"`
	Username       string     `json:"username"`
	DisplayName    *string    `json:"display_name,omitempty"`
	ProfilePicture *string    `json:"profile_picture,omitempty"`
}

type Notification struct {
	ID               FlexibleID         `json:"id"`
	Title            string             `json:"title"`
	Message          string             `json:"message"`
	NotificationType string             `json:"notification_type"`
	Topic            string             `json:"topic"`
	Plan             FlexibleID         `json:"plan,omitempty"`
	PlanID           FlexibleID         `json:"plan_id,omitempty"`
	PlanTitle        *string            `json:"plan_title,omitempty"`
	PlanCoverImage   *string            `json:"plan_cover_image,omitempty"`
	ChatThread       FlexibleID         `json:"chat_thread,omitempty"`
	ChatMessage      FlexibleID         `json:"chat_message,omitempty"`
	Actor            *NotificationActor `json:"actor,omitempty"`
	ActionURL        *string            `json:"action_url,omitempty"`
	Metadata         map[string]any     `json:"metadata"`
	IsRead           bool               `json:"is_read"`
	ReadAt           *string            `json:"read_at,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
	IsDeleted        bool               `json:"is_deleted"`
}

// PlanKey is the plan a chat notification belongs to: plan_id, then plan,
// then metadata.plan_id.
func (n Notification) PlanKey() string {
	if n.PlanID != "" {
		return string(n.PlanID)
	}
	if n.Plan != "" {
		return string(n.Plan)
	}
	switch v := n.Metadata["plan_id"].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatInt(int64(v), 10)
	case json.Number:
		return v.String()
	}
	return ""
}

type NotificationList struct {
	Count               int            `json:"count"`
	Page                int            `json:"page"`
	PageSize            int            `json:"page_size"`
	HasNext             bool           `json:"has_next"`
	UnreadCount         *int           `json:"unread_count"`
	UnreadCountsByTopic map[string]int `json:"unread_counts_by_topic"`
	Notifications       []Notification `json:"notifications"`
}

// UnreadUpdate is what the mutating notification endpoints may answer with.
type UnreadUpdate struct {
	UnreadCount         *int           `json:"unread_count"`
	UnreadCountsByTopic map[string]int `json:"unread_counts_by_topic"`
}

type PlanState struct {
	IsJoined bool `json:"isJoined"`
	IsLiked  bool `json:"isLiked"`
	IsSaved  bool `json:"isSaved"`
	IsPinned bool `json:"isPinned"`
}

// PersistedPlanState is the stored subset: saved and pinned always come
// from the server.
type PersistedPlanState struct {
	IsJoined bool `json:"isJoined"`
	IsLiked  bool `json:"isLiked"`
}

type Participant struct {
	UserID         FlexibleID `json:"user_id"`
	Username       string     `json:"username"`
	DisplayName    string     `json:"display_name"`
	ProfilePicture *string    `json:"profile_picture"`
	Role           string     `json:"role"`
	JoinedAt       string     `json:"joined_at,omitempty"`
}

type Plan struct {
	ID               FlexibleID    `json:"id"`
	Title            string        `json:"title"`
	Description      string        `json:"description,omitempty"`
	Location         string        `json:"location,omitempty"`
	LeaderID         FlexibleID    `json:"leader_id,omitempty"`
	CreatorUsername  string        `json:"creator_username,omitempty"`
	EventTime        string        `json:"event_time,omitempty"`
	MaxPeople        int           `json:"max_people,omitempty"`
	ParticipantCount int           `json:"people_joined"`
	Participants     []Participant `json:"members"`
	Joined           *bool         `json:"joined,omitempty"`
	Role             *string       `json:"role,omitempty"`
	Images           []string      `json:"images,omitempty"`
	IsExpired        bool          `json:"is_expired"`
}

type JoinResponse struct {
	PeopleJoined *int `json:"people_joined"`
}

// Profile is the signed-in user as far as receipts and participant lists
// need it.
type Profile struct {
	ID          string  `json:"id"`
	Username    string  `json:"username"`
	DisplayName string  `json:"display_name"`
	Avatar      *string `json:"avatar,omitempty"`
}

type ChatSnapshot struct {
	Rooms            []Room               `json:"rooms"`
	SelectedRoomID   *string              `json:"selected_room_id"`
	Messages         map[string][]Message `json:"messages"`
	IsLoadingRooms   bool                 `json:"is_loading_rooms"`
	ConnectionStatus ConnectionStatus     `json:"connection_status"`
	ConnectionError  *string              `json:"connection_error"`
}

type NotificationSnapshot struct {
	Notifications    []Notification `json:"notifications"`
	UnreadCount      int            `json:"unread_count"`
	UnreadByTopic    map[string]int `json:"unread_by_topic"`
	ChatUnreadByPlan map[string]int `json:"chat_unread_by_plan"`
	SocketStatus     SocketStatus   `json:"socket_status"`
	Error            *string        `json:"error"`
}

type PlanSnapshot struct {
	Plans         []Plan               `json:"plans"`
	States        map[string]PlanState `json:"states"`
	MutationError *string              `json:"mutation_error"`
}
