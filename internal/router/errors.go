package router

import (
	"errors"
	"fmt"

	"github.com/tubesync/tubesync/internal/envelope"
)

// RoomNotFoundError means no worker claimed the room before the resolve
// timeout.
type RoomNotFoundError struct {
	Room envelope.RoomName
}

func (e *RoomNotFoundError) Error() string {
	return fmt.Sprintf("router: room %s not found", e.Room)
}

// Code returns the client close code.
func (e *RoomNotFoundError) Code() uint16 { return envelope.CodeRoomNotFound }

// RoomUnloadedError means the room's directory entry was retracted while
// clients were still bound to it.
type RoomUnloadedError struct {
	Room envelope.RoomName
}

func (e *RoomUnloadedError) Error() string {
	return fmt.Sprintf("router: room %s unloaded", e.Room)
}

func (e *RoomUnloadedError) Code() uint16 { return envelope.CodeRoomUnloaded }

// WorkerUnavailableError means the link to the owning worker is gone, or
// no worker is connected at all when Worker is empty.
type WorkerUnavailableError struct {
	Worker envelope.WorkerID
}

func (e *WorkerUnavailableError) Error() string {
	if e.Worker == "" {
		return "router: no workers available"
	}
	return fmt.Sprintf("router: worker %s unavailable", e.Worker)
}

func (e *WorkerUnavailableError) Code() uint16 { return envelope.CodeWorkerUnavailable }

type coded interface {
	Code() uint16
}

// CloseCode maps an error to the close code sent to clients.
func CloseCode(err error) uint16 {
	var c coded
	if errors.As(err, &c) {
		return c.Code()
	}
	return envelope.CodeUnknown
}

// errorName is the name clients see in error frames.
func errorName(err error) string {
	switch err.(type) {
	case *RoomNotFoundError:
		return "RoomNotFoundError"
	case *RoomUnloadedError:
		return "RoomUnloadedError"
	case *WorkerUnavailableError:
		return "WorkerUnavailableError"
	default:
		return "UnknownError"
	}
}
