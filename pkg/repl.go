package protocol

import (
	"fmt"
	"strconv"

	"rudp-tcp-pa/pool"
)

// REPL commands

// Lp lists the pool classes with their accounting
func (stack *Stack) Lp() string {
	var res = "Class           Size  Avail   Used    Max    Err"
	for cl := pool.Class(0); cl < pool.NumClasses; cl++ {
		st := stack.pool.Stats(cl)
		res += fmt.Sprintf("\n%-14s %5d %6d %6d %6d %6d", cl, st.Size, st.Avail, st.Used, st.Max, st.Err)
	}
	return res
}

// Lc shows the datagram counters
func (stack *Stack) Lc() string {
	c := stack.counters
	return "Received " + strconv.FormatUint(c.Received, 10) +
		"\nDropped  " + strconv.FormatUint(c.Dropped, 10) +
		"\nSent     " + strconv.FormatUint(c.Sent, 10) +
		"\nErrors   " + strconv.FormatUint(c.SendErrors, 10) +
		"\nTicks    " + strconv.FormatUint(c.Ticks, 10)
}
