package worker

import (
	"fmt"

	"github.com/tubesync/tubesync/internal/envelope"
)

// TokenInvalidError is a join rejected by the auth validator. The client is
// kicked with envelope.CodeInvalidToken.
type TokenInvalidError struct {
	Client envelope.ClientID
	Room   envelope.RoomName
	Err    error
}

func (e *TokenInvalidError) Error() string {
	return fmt.Sprintf("worker: join %s to %s: %v", e.Client, e.Room, e.Err)
}

func (e *TokenInvalidError) Unwrap() error { return e.Err }
