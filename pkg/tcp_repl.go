package protocol

import (
	"fmt"
	"io"
	"strconv"

	"rudp-tcp-pa/chain"
)

// SetOutput redirects what the REPL commands print.
func (stack *Stack) SetOutput(w io.Writer) {
	stack.out = w
}

func (stack *Stack) ListSockets() {
	fmt.Fprintln(stack.out, "SID  LAddr                 RAddr                 ConnID             Status")
	for _, info := range stack.Handles() {
		fmt.Fprintf(stack.out, "%-4d %-21s %-21s %-18s %v\n",
			info.Handle, formatAddr(info.Local), formatAddr(info.Remote), info.ID, info.State)
	}
}

// printData is the receive callback of sockets made from the REPL.
func (stack *Stack) printData(h Handle, data *chain.Chain, err error) {
	switch {
	case err != nil:
		fmt.Fprintln(stack.out, "Socket "+strconv.Itoa(int(h))+" failed: "+err.Error())
	case data == nil:
		fmt.Fprintln(stack.out, "Socket "+strconv.Itoa(int(h))+" closed by peer")
	default:
		fmt.Fprintln(stack.out, "Read "+strconv.Itoa(data.Len())+" bytes on socket "+strconv.Itoa(int(h))+": "+string(data.Bytes()))
	}
}

func (stack *Stack) ACommand(port uint16) {
	h, err := stack.CreateConnection()
	if err != nil {
		fmt.Fprintln(stack.out, err)
		return
	}
	if err := stack.Bind(h, "0.0.0.0", port); err != nil {
		fmt.Fprintln(stack.out, err)
		stack.Release(h)
		return
	}
	err = stack.Listen(h, func(listener Handle, conn Handle, err error) {
		if err != nil {
			fmt.Fprintln(stack.out, "Accept on socket "+strconv.Itoa(int(listener))+" failed: "+err.Error())
			return
		}
		fmt.Fprintln(stack.out, "New connection on socket "+strconv.Itoa(int(listener))+" => created new socket "+strconv.Itoa(int(conn)))
	}, stack.printData)
	if err != nil {
		fmt.Fprintln(stack.out, err)
		stack.Release(h)
		return
	}
	fmt.Fprintln(stack.out, "Created listen socket "+strconv.Itoa(int(h)))
}

func (stack *Stack) CCommand(address string, port uint16) {
	h, err := stack.CreateConnection()
	if err != nil {
		fmt.Fprintln(stack.out, err)
		return
	}
	err = stack.Connect(h, address, port, func(h Handle, err error) {
		if err != nil {
			fmt.Fprintln(stack.out, "Connect on socket "+strconv.Itoa(int(h))+" failed: "+err.Error())
			return
		}
		fmt.Fprintln(stack.out, "Socket "+strconv.Itoa(int(h))+" established")
	}, stack.printData)
	if err != nil {
		fmt.Fprintln(stack.out, err)
		stack.Release(h)
		return
	}
	fmt.Fprintln(stack.out, "Created socket "+strconv.Itoa(int(h)))
}

func (stack *Stack) SCommand(h Handle, data string) {
	if err := stack.Send(h, []byte(data)); err != nil {
		fmt.Fprintln(stack.out, "Error ("+ErrorCode(err).String()+"): "+err.Error())
		return
	}
	fmt.Fprintln(stack.out, "Sent "+strconv.Itoa(len(data))+" bytes")
}

func (stack *Stack) CloseCommand(h Handle) {
	err := stack.Close(h)
	switch ErrorCode(err) {
	case OK:
		fmt.Fprintln(stack.out, "Closed socket "+strconv.Itoa(int(h)))
	case WouldBlock:
		fmt.Fprintln(stack.out, "Close of socket "+strconv.Itoa(int(h))+" pending")
	default:
		fmt.Fprintln(stack.out, "Error ("+ErrorCode(err).String()+"): "+err.Error())
	}
}

func (stack *Stack) AbortCommand(h Handle) {
	if err := stack.Abort(h); err != nil {
		fmt.Fprintln(stack.out, "Error ("+ErrorCode(err).String()+"): "+err.Error())
		return
	}
	fmt.Fprintln(stack.out, "Aborted socket "+strconv.Itoa(int(h)))
}
