package api

import (
	"plan_sync/client/chat/domain"
	"plan_sync/client/common/transport/httpresp"
)

const (
	ErrInvalidRequest  = httpresp.ErrInvalidRequest
	ErrRoomNotFound    = httpresp.ErrRoomNotFound
	ErrPlanNotFound    = httpresp.ErrPlanNotFound
	ErrNotConnected    = httpresp.ErrNotConnected
	ErrRoomNotSelected = httpresp.ErrRoomNotSelected
)

type ErrorResponse = httpresp.ErrorResponse
type OKResponse = httpresp.OKResponse
type StatusResponse = httpresp.StatusResponse
type DockResponse = httpresp.DockResponse

type StateResponse struct {
	Chat          domain.ChatSnapshot         `json:"chat"`
	Notifications domain.NotificationSnapshot `json:"notifications"`
	Plans         domain.PlanSnapshot         `json:"plans"`
	DockOpen      bool                        `json:"dock_open"`
}

type RoomsResponse struct {
	Rooms          []domain.Room           `json:"rooms"`
	SelectedRoomID *string                 `json:"selected_room_id"`
	Status         domain.ConnectionStatus `json:"connection_status"`
}

type MessagesResponse struct {
	RoomID   string           `json:"room_id"`
	Messages []domain.Message `json:"messages"`
}

type PlanStateResponse struct {
	PlanID string           `json:"plan_id"`
	State  domain.PlanState `json:"state"`
}

// StateEvent is what the state websocket pushes.
type StateEvent struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

func NewErrorResponse(message string) ErrorResponse {
	return httpresp.NewErrorResponse(message)
}

func NewOKResponse() OKResponse {
	return httpresp.NewOKResponse()
}

func NewStatusResponse(status string) StatusResponse {
	return httpresp.NewStatusResponse(status)
}

func NewDockResponse(open bool) DockResponse {
	return httpresp.NewDockResponse(open)
}

func NewRoomsResponse(snap domain.ChatSnapshot) RoomsResponse {
	return RoomsResponse{Rooms: snap.Rooms, SelectedRoomID: snap.SelectedRoomID, Status: snap.ConnectionStatus}
}

func NewMessagesResponse(roomID string, messages []domain.Message) MessagesResponse {
	if messages == nil {
		messages = []domain.Message{}
	}
	return MessagesResponse{RoomID: roomID, Messages: messages}
}

func NewPlanStateResponse(planID string, state domain.PlanState) PlanStateResponse {
	return PlanStateResponse{PlanID: planID, State: state}
}
