package forward

import (
	"context"

	"github.com/pkg/errors"
)

// ErrPermission is returned when the process may not bind a kernel queue.
var ErrPermission = errors.New("not permitted to bind the packet queue, CAP_NET_ADMIN required")

// Deliver hands one queued packet to the pipeline. The payload belongs to
// the callee.
type Deliver func(id uint32, payload []byte)

// Queue is the kernel packet queue boundary.
type Queue interface {
	// Run delivers packets until ctx is done. Overflows are handled inside
	// Run; only unrecoverable errors are returned.
	Run(ctx context.Context, deliver Deliver) error
	// Accept releases a packet. A nil payload accepts it unmodified.
	Accept(id uint32, payload []byte) error
	Drop(id uint32) error
	Close() error
}
