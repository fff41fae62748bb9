package httpresp

const (
	ErrMissingBearerToken = "bearer token is required"
	ErrInvalidToken       = "invalid token"
	ErrInvalidRequest     = "invalid request body"
	ErrRoomNotFound       = "room not found"
	ErrPlanNotFound       = "plan not found"
	ErrNotConnected       = "not connected"
	ErrRoomNotSelected    = "room is not selected"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

type OKResponse struct {
	OK bool `json:"ok"`
}

type StatusResponse struct {
	Status string `json:"status"`
}

type DockResponse struct {
	Open bool `json:"open"`
}

func NewErrorResponse(message string) ErrorResponse {
	return ErrorResponse{Error: message}
}

func NewOKResponse() OKResponse {
	return OKResponse{OK: true}
}

func NewStatusResponse(status string) StatusResponse {
	return StatusResponse{Status: status}
}

func NewDockResponse(open bool) DockResponse {
	return DockResponse{Open: open}
}
