package pipeline

import (
	"context"
	"errors"
	"log/slog"

	"github.com/a-essam23/go-relay/pkg/protocol"
	"github.com/a-essam23/go-relay/pkg/transport"
)

/*
 * The purpose of this is to detach the implementation of frame handlers
 * from the router that schedules them.
 */

type Cargo struct {
	Ctx      context.Context
	Logger   *slog.Logger
	Conn     transport.Socket
	Identity string
	Frame    protocol.Frame
}

// Reply encodes frame and sends it back on the originating socket. A socket
// that closed in the meantime is not an error.
func (c *Cargo) Reply(frame any) error {
	raw, err := protocol.Encode(frame)
	if err != nil {
		return err
	}
	if err := c.Conn.Send(raw); err != nil && !errors.Is(err, transport.ErrConnectionClosed) {
		return err
	}
	return nil
}

// HandlerFunc handles one decoded frame. Returning a *protocol.Error sends it
// to the client as-is; any other error is reported as internal_error.
type HandlerFunc func(c *Cargo) error
