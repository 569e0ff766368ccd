package domain

import "errors"

var (
	// ErrValidation means the input was rejected before any network call.
	ErrValidation = errors.New("invalid message input")
	// ErrNotConnected means an operation was attempted without a live session.
	ErrNotConnected = errors.New("no active session")
	// ErrAlreadyConnected means a duplicate connect attempt.
	ErrAlreadyConnected = errors.New("session already established")
	// ErrConnectionFailed means the transport or auth failed during connect.
	ErrConnectionFailed = errors.New("connection failed")
	// ErrTimeout means no server response arrived within the bound.
	ErrTimeout = errors.New("server response timed out")
	// ErrRoomRejected means the server refused a join/leave request.
	ErrRoomRejected = errors.New("room membership change rejected")
	// ErrServerRejected means the server sent an explicit negative acknowledgment.
	ErrServerRejected = errors.New("server rejected request")
	// ErrUnauthorized means the REST API returned 401 and the token was invalidated.
	ErrUnauthorized = errors.New("unauthorized")
)
