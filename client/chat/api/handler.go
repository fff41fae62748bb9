package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"plan_sync/client/chat/domain"
	"plan_sync/client/chat/service"
	"plan_sync/client/common/middleware"
)

type Rooms interface {
	Snapshot() domain.ChatSnapshot
	Messages(roomID string) []domain.Message
	RefreshRooms(ctx context.Context) error
	SelectRoom(roomID string)
	SendMessage(roomID, text string) error
	MarkRoomAsRead(roomID string)
	MarkMessagesRead(messageIDs []string) error
	OnFocus()
	Subscribe(fn func(domain.ChatSnapshot)) func()
}

type Notifications interface {
	Snapshot() domain.NotificationSnapshot
	Refresh(ctx context.Context) error
	MarkAsRead(ctx context.Context, id string) error
	MarkAllAsRead(ctx context.Context, topic string) error
	Subscribe(fn func(domain.NotificationSnapshot)) func()
}

type Plans interface {
	Snapshot() domain.PlanSnapshot
	State(planID string) domain.PlanState
	ToggleJoin(ctx context.Context, planID string) error
	ToggleSave(ctx context.Context, planID string) error
	ToggleLike(ctx context.Context, planID string) error
	TogglePin(ctx context.Context, planID string) error
	Reload(ctx context.Context) error
	Subscribe(fn func(domain.PlanSnapshot)) func()
}

type Dock interface {
	DockOpen() bool
	ToggleDock() bool
	Subscribe(fn func(bool)) func()
}

type tokenSource interface {
	Token() (string, error)
}

type Handler struct {
	rooms         Rooms
	notifications Notifications
	plans         Plans
	dock          Dock
	session       tokenSource
	hub           *StateHub
	unsubscribe   []func()
}

// NewHandler wires the bridge and starts forwarding every state change to
// the state websocket. Close stops the forwarding.
func NewHandler(rooms Rooms, notifications Notifications, plans Plans, dock Dock, session tokenSource) *Handler {
	h := &Handler{
		rooms:         rooms,
		notifications: notifications,
		plans:         plans,
		dock:          dock,
		session:       session,
		hub:           NewStateHub(),
	}
	h.unsubscribe = append(h.unsubscribe,
		rooms.Subscribe(func(s domain.ChatSnapshot) { h.hub.Broadcast("chat", s) }),
		notifications.Subscribe(func(s domain.NotificationSnapshot) { h.hub.Broadcast("notifications", s) }),
		plans.Subscribe(func(s domain.PlanSnapshot) { h.hub.Broadcast("plans", s) }),
		dock.Subscribe(func(open bool) { h.hub.Broadcast("dock", NewDockResponse(open)) }),
	)
	return h
}

func (h *Handler) Close() {
	for _, fn := range h.unsubscribe {
		fn()
	}
	h.unsubscribe = nil
	h.hub.Close()
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, NewStatusResponse("ok")) })
	r.GET("/ws/state", middleware.AuthRequired(h.session), h.handleStateWS)

	api := r.Group("/api/v1")
	api.Use(middleware.AuthRequired(h.session))
	{
		api.GET("/state", h.getState)
		api.GET("/rooms", h.listRooms)
		api.POST("/rooms/refresh", h.refreshRooms)
		api.POST("/rooms/select", h.selectRoom)
		api.GET("/rooms/:id/messages", h.listMessages)
		api.POST("/rooms/:id/messages", h.sendMessage)
		api.POST("/rooms/:id/read", h.markRoomRead)
		api.POST("/focus", h.focus)
		api.GET("/notifications", h.listNotifications)
		api.POST("/notifications/refresh", h.refreshNotifications)
		api.POST("/notifications/read-all", h.markAllNotificationsRead)
		api.POST("/notifications/:id/read", h.markNotificationRead)
		api.GET("/plans", h.listPlans)
		api.POST("/plans/reload", h.reloadPlans)
		api.POST("/plans/:id/join", h.togglePlan(h.plans.ToggleJoin))
		api.POST("/plans/:id/save", h.togglePlan(h.plans.ToggleSave))
		api.POST("/plans/:id/like", h.togglePlan(h.plans.ToggleLike))
		api.POST("/plans/:id/pin", h.togglePlan(h.plans.TogglePin))
		api.GET("/dock", h.getDock)
		api.POST("/dock/toggle", h.toggleDock)
	}
}

func (h *Handler) state() StateResponse {
	return StateResponse{
		Chat:          h.rooms.Snapshot(),
		Notifications: h.notifications.Snapshot(),
		Plans:         h.plans.Snapshot(),
		DockOpen:      h.dock.DockOpen(),
	}
}

func (h *Handler) handleStateWS(c *gin.Context) {
	h.hub.HandleWS(c, StateEvent{Type: "state", Payload: h.state()})
}

func (h *Handler) getState(c *gin.Context) {
	c.JSON(http.StatusOK, h.state())
}

func (h *Handler) listRooms(c *gin.Context) {
	c.JSON(http.StatusOK, NewRoomsResponse(h.rooms.Snapshot()))
}

func (h *Handler) refreshRooms(c *gin.Context) {
	if err := h.rooms.RefreshRooms(c.Request.Context()); err != nil {
		c.JSON(http.StatusBadGateway, NewErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusOK, NewRoomsResponse(h.rooms.Snapshot()))
}

func (h *Handler) selectRoom(c *gin.Context) {
	var req struct {
		RoomID *string `json:"room_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(ErrInvalidRequest))
		return
	}
	h.rooms.SelectRoom(strings.TrimSpace(*req.RoomID))
	c.JSON(http.StatusOK, NewOKResponse())
}

func (h *Handler) listMessages(c *gin.Context) {
	roomID := strings.TrimSpace(c.Param("id"))
	if !hasRoom(h.rooms.Snapshot(), roomID) {
		c.JSON(http.StatusNotFound, NewErrorResponse(ErrRoomNotFound))
		return
	}
	c.JSON(http.StatusOK, NewMessagesResponse(roomID, h.rooms.Messages(roomID)))
}

func (h *Handler) sendMessage(c *gin.Context) {
	roomID := strings.TrimSpace(c.Param("id"))
	var req struct {
		Text string `json:"text" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(ErrInvalidRequest))
		return
	}
	if err := h.rooms.SendMessage(roomID, req.Text); err != nil {
		writeSendError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, NewOKResponse())
}

func (h *Handler) markRoomRead(c *gin.Context) {
	roomID := strings.TrimSpace(c.Param("id"))
	var req struct {
		MessageIDs []string `json:"message_ids"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, NewErrorResponse(ErrInvalidRequest))
			return
		}
	}
	if len(req.MessageIDs) == 0 {
		h.rooms.MarkRoomAsRead(roomID)
		c.JSON(http.StatusOK, NewOKResponse())
		return
	}
	snap := h.rooms.Snapshot()
	if snap.SelectedRoomID == nil || *snap.SelectedRoomID != roomID {
		c.JSON(http.StatusConflict, NewErrorResponse(ErrRoomNotSelected))
		return
	}
	if err := h.rooms.MarkMessagesRead(req.MessageIDs); err != nil {
		writeSendError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewOKResponse())
}

func (h *Handler) focus(c *gin.Context) {
	h.rooms.OnFocus()
	c.JSON(http.StatusAccepted, NewOKResponse())
}

func (h *Handler) listNotifications(c *gin.Context) {
	c.JSON(http.StatusOK, h.notifications.Snapshot())
}

func (h *Handler) refreshNotifications(c *gin.Context) {
	if err := h.notifications.Refresh(c.Request.Context()); err != nil {
		c.JSON(http.StatusBadGateway, NewErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusOK, h.notifications.Snapshot())
}

func (h *Handler) markNotificationRead(c *gin.Context) {
	if err := h.notifications.MarkAsRead(c.Request.Context(), strings.TrimSpace(c.Param("id"))); err != nil {
		c.JSON(http.StatusBadGateway, NewErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusOK, NewOKResponse())
}

func (h *Handler) markAllNotificationsRead(c *gin.Context) {
	var req struct {
		Topic string `json:"topic"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, NewErrorResponse(ErrInvalidRequest))
			return
		}
	}
	if err := h.notifications.MarkAllAsRead(c.Request.Context(), req.Topic); err != nil {
		c.JSON(http.StatusBadGateway, NewErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusOK, NewOKResponse())
}

func (h *Handler) listPlans(c *gin.Context) {
	c.JSON(http.StatusOK, h.plans.Snapshot())
}

func (h *Handler) reloadPlans(c *gin.Context) {
	if err := h.plans.Reload(c.Request.Context()); err != nil {
		c.JSON(http.StatusBadGateway, NewErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusOK, h.plans.Snapshot())
}

// togglePlan answers with the plan's state after the mutation settled,
// which is the reverted state when it failed.
func (h *Handler) togglePlan(toggle func(ctx context.Context, planID string) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		planID := strings.TrimSpace(c.Param("id"))
		err := toggle(c.Request.Context(), planID)
		switch {
		case errors.Is(err, service.ErrInvalidPlanID):
			c.JSON(http.StatusBadRequest, NewErrorResponse(err.Error()))
		case err != nil:
			c.JSON(http.StatusBadGateway, NewErrorResponse(err.Error()))
		default:
			c.JSON(http.StatusOK, NewPlanStateResponse(planID, h.plans.State(planID)))
		}
	}
}

func (h *Handler) getDock(c *gin.Context) {
	c.JSON(http.StatusOK, NewDockResponse(h.dock.DockOpen()))
}

func (h *Handler) toggleDock(c *gin.Context) {
	c.JSON(http.StatusOK, NewDockResponse(h.dock.ToggleDock()))
}

func writeSendError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrEmptyMessage):
		c.JSON(http.StatusBadRequest, NewErrorResponse(err.Error()))
	case errors.Is(err, service.ErrRoomNotSelected):
		c.JSON(http.StatusConflict, NewErrorResponse(ErrRoomNotSelected))
	case errors.Is(err, service.ErrNotConnected):
		c.JSON(http.StatusConflict, NewErrorResponse(ErrNotConnected))
	default:
		c.JSON(http.StatusInternalServerError, NewErrorResponse(err.Error()))
	}
}

func hasRoom(snap domain.ChatSnapshot, roomID string) bool {
	if snap.SelectedRoomID != nil && *snap.SelectedRoomID == roomID {
		return true
	}
	for _, r := range snap.Rooms {
		if r.PlanID == roomID {
			return true
		}
	}
	return false
}
