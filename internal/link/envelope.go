package link

import (
	"context"

	"github.com/tubesync/tubesync/internal/envelope"
)

// SendB2M encodes and queues a router to worker message.
func (c *Conn) SendB2M(ctx context.Context, msg envelope.B2M) error {
	data, err := envelope.EncodeB2M(msg)
	if err != nil {
		return err
	}
	return c.Send(ctx, data)
}

// SendM2B encodes and queues a worker to router message.
func (c *Conn) SendM2B(ctx context.Context, msg envelope.M2B) error {
	data, err := envelope.EncodeM2B(msg)
	if err != nil {
		return err
	}
	return c.Send(ctx, data)
}

// RecvB2M reads the next router to worker message. A
// *envelope.MalformedEnvelopeError leaves the connection usable; any other
// error means it is gone.
func (c *Conn) RecvB2M() (envelope.B2M, error) {
	data, err := c.Read()
	if err != nil {
		return nil, err
	}
	return envelope.DecodeB2M(data)
}

// RecvM2B reads the next worker to router message, with the same error
// contract as RecvB2M.
func (c *Conn) RecvM2B() (envelope.M2B, error) {
	data, err := c.Read()
	if err != nil {
		return nil, err
	}
	return envelope.DecodeM2B(data)
}
