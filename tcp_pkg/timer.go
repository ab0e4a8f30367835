package tcp_protocol

import (
	"go.uber.org/zap"

	"rudp-tcp-pa/pool"
)

// Tick advances every connection by one timer period: retransmissions,
// zero window probes, TIME_WAIT expiry, pending closes and poll callbacks.
func (stack *TCPStack) Tick() {
	stack.ticks++
	var live []*TCPConn
	stack.conns.Each(func(_ pool.Ref, c *TCPConn) {
		live = append(live, c)
	})
	for _, c := range live {
		// an earlier callback in this pass may have freed c
		if stack.Live(c) {
			stack.tickConn(c)
		}
	}
}

func (stack *TCPStack) tickConn(c *TCPConn) {
	ref := c.ref
	c.tmr++
	switch c.State {
	case CLOSED:
		return
	case TIME_WAIT:
		if c.tmr >= stack.opts.TimeWait {
			stack.log.Debug("time wait expired", zap.Stringer("id", c.ID))
			stack.freeConn(c)
		}
		return
	case FIN_WAIT_2:
		if c.tmr >= stack.opts.FinWaitTimeout {
			stack.log.Debug("fin wait timeout", zap.Stringer("id", c.ID))
			stack.freeConn(c)
			return
		}
	}

	if c.rtime >= 0 && c.unacked.Length() > 0 {
		c.rtime++
		if c.rtime >= c.rto {
			limit := stack.opts.MaxRetries
			if c.State == SYN_SENT || c.State == SYN_RECEIVED {
				limit = stack.opts.SynRetries
			}
			if c.nrtx >= limit {
				stack.abandon(c, ErrTimeout, true)
				return
			}
			c.nrtx++
			c.rto = min(c.rto*2, stack.opts.MaxRTO)
			c.rtime = 0
			stack.log.Debug("retransmit", zap.Stringer("id", c.ID), zap.Int("try", c.nrtx), zap.Int("rto", c.rto))
			stack.rexmit(c)
			stack.output(c)
		}
	} else if c.unsent.Length() > 0 && c.unacked.Length() == 0 {
		// the window is too small for the next segment
		c.persist++
		if c.persist >= c.rto {
			c.persist = 0
			stack.flush(c, true)
		}
	}

	if c.closePending {
		if err := stack.sendFin(c); err == nil {
			c.closePending = false
			stack.log.Debug("pending close sent", zap.Stringer("id", c.ID))
			if closed := c.callbacks.Closed; closed != nil {
				closed(c)
				if !stack.Alive(c, ref) {
					return
				}
			}
		}
	}

	c.pollTmr++
	if c.pollTmr >= stack.opts.PollInterval {
		c.pollTmr = 0
		if poll := c.callbacks.Poll; poll != nil {
			poll(c)
		}
	}
}
