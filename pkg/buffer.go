package protocol

import (
	"github.com/pkg/errors"

	"rudp-tcp-pa/chain"
)

// fill copies a received datagram into a chain of pool buffers. The receive
// buffer is reused for the next datagram, so nothing may alias it.
func (stack *Stack) fill(b []byte) (*chain.Chain, error) {
	ch, err := stack.bufs.From(b)
	if err != nil {
		return nil, errors.Wrapf(ErrOutOfMemory, "%d byte datagram: %v", len(b), err)
	}
	return ch, nil
}
