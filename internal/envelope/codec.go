package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrUnknownTag is wrapped by MalformedEnvelopeError when the tag is not
	// part of the direction's variant set.
	ErrUnknownTag = errors.New("unknown tag")

	// ErrMissingField is wrapped by MalformedEnvelopeError when a routing
	// field is empty.
	ErrMissingField = errors.New("missing field")
)

// MalformedEnvelopeError reports a frame that could not be decoded into a
// known variant.
type MalformedEnvelopeError struct {
	Tag string
	Err error
}

func (e *MalformedEnvelopeError) Error() string {
	if e.Tag == "" {
		return fmt.Sprintf("envelope: malformed: %v", e.Err)
	}
	return fmt.Sprintf("envelope: malformed %q: %v", e.Tag, e.Err)
}

func (e *MalformedEnvelopeError) Unwrap() error { return e.Err }

type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func encode(tag string, v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("envelope: encode %s: %w", tag, err)
	}
	return json.Marshal(frame{Type: tag, Payload: payload})
}

// EncodeB2M encodes a router-to-worker message.
func EncodeB2M(m B2M) ([]byte, error) {
	return encode(m.b2mTag(), m)
}

// EncodeM2B encodes a worker-to-router message.
func EncodeM2B(m M2B) ([]byte, error) {
	return encode(m.m2bTag(), m)
}

func splitFrame(data []byte) (frame, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return f, &MalformedEnvelopeError{Err: err}
	}
	if f.Type == "" {
		return f, &MalformedEnvelopeError{Err: fmt.Errorf("%w: type", ErrMissingField)}
	}
	if len(f.Payload) == 0 {
		return f, &MalformedEnvelopeError{Tag: f.Type, Err: fmt.Errorf("%w: payload", ErrMissingField)}
	}
	return f, nil
}

func decodeInto[T any](f frame) (T, error) {
	var v T
	if err := json.Unmarshal(f.Payload, &v); err != nil {
		return v, &MalformedEnvelopeError{Tag: f.Type, Err: err}
	}
	return v, nil
}

func requireField(tag string, ok bool, field string) error {
	if ok {
		return nil
	}
	return &MalformedEnvelopeError{Tag: tag, Err: fmt.Errorf("%w: %s", ErrMissingField, field)}
}

func decodeB2M[T B2M](f frame, check func(*T) error) (B2M, error) {
	m, err := decodeInto[T](f)
	if err != nil {
		return nil, err
	}
	if check != nil {
		if err := check(&m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func decodeM2B[T M2B](f frame, check func(*T) error) (M2B, error) {
	m, err := decodeInto[T](f)
	if err != nil {
		return nil, err
	}
	if check != nil {
		if err := check(&m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// opaque maps a JSON null payload back to nil, the value it was encoded
// from.
func opaque(p json.RawMessage) json.RawMessage {
	if bytes.Equal(bytes.TrimSpace(p), []byte("null")) {
		return nil
	}
	return p
}

// DecodeB2M decodes a router-to-worker frame.
func DecodeB2M(data []byte) (B2M, error) {
	f, err := splitFrame(data)
	if err != nil {
		return nil, err
	}
	switch f.Type {
	case TagLoad:
		return decodeB2M(f, func(m *Load) error { return requireField(f.Type, m.Room != "", "room") })
	case TagJoin:
		return decodeB2M(f, func(m *Join) error {
			if err := requireField(f.Type, m.Room != "", "room"); err != nil {
				return err
			}
			return requireField(f.Type, m.Client != "", "client")
		})
	case TagLeave:
		return decodeB2M(f, func(m *Leave) error { return requireField(f.Type, m.Client != "", "client") })
	case TagClientMsg:
		return decodeB2M(f, func(m *ClientMsg) error {
			m.Payload = opaque(m.Payload)
			return requireField(f.Type, m.ClientID != "", "client_id")
		})
	case TagUnload:
		return decodeB2M(f, func(m *Unload) error { return requireField(f.Type, m.Room != "", "room") })
	default:
		return nil, &MalformedEnvelopeError{Tag: f.Type, Err: ErrUnknownTag}
	}
}

// DecodeM2B decodes a worker-to-router frame.
func DecodeM2B(data []byte) (M2B, error) {
	f, err := splitFrame(data)
	if err != nil {
		return nil, err
	}
	switch f.Type {
	case TagInit:
		return decodeM2B[Init](f, nil)
	case TagLoaded:
		return decodeM2B(f, func(m *Loaded) error { return requireField(f.Type, m.Room.Name != "", "room.name") })
	case TagUnloaded:
		return decodeM2B(f, func(m *Unloaded) error { return requireField(f.Type, m.Name != "", "name") })
	case TagGossip:
		return decodeM2B[Gossip](f, nil)
	case TagRoomMsg:
		return decodeM2B(f, func(m *RoomMsg) error {
			m.Payload = opaque(m.Payload)
			return requireField(f.Type, m.Room != "", "room")
		})
	case TagKick:
		return decodeM2B(f, func(m *Kick) error { return requireField(f.Type, m.ClientID != "", "client_id") })
	default:
		return nil, &MalformedEnvelopeError{Tag: f.Type, Err: ErrUnknownTag}
	}
}
