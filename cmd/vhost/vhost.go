package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"rudp-tcp-pa/lnxconfig"
	protocol "rudp-tcp-pa/pkg"
)

func newLogger(cfg *lnxconfig.IPConfig) (*zap.Logger, error) {
	zcfg := zap.NewDevelopmentConfig()
	zcfg.Level = zap.NewAtomicLevelAt(cfg.LogLevel)
	zcfg.OutputPaths = []string{"stderr"}
	return zcfg.Build()
}

func parseHandle(s string) (protocol.Handle, error) {
	n, err := strconv.ParseInt(s, 10, 32)
	return protocol.Handle(n), err
}

// command runs one REPL line on the loop goroutine.
func command(stack *protocol.Stack, userInput string) {
	fields := strings.Fields(userInput)
	if len(fields) == 0 {
		return
	}
	switch fields[0] {
	case "ls":
		stack.ListSockets()
	case "lp":
		fmt.Println(stack.Lp())
	case "lc":
		fmt.Println(stack.Lc())
	case "a":
		if len(fields) != 2 {
			fmt.Println("Usage: a <port>")
			return
		}
		port, err := strconv.ParseUint(fields[1], 10, 16)
		if err != nil {
			fmt.Println(err)
			return
		}
		stack.ACommand(uint16(port))
	case "c":
		if len(fields) != 3 {
			fmt.Println("Usage: c <ip> <port>")
			return
		}
		port, err := strconv.ParseUint(fields[2], 10, 16)
		if err != nil {
			fmt.Println(err)
			return
		}
		stack.CCommand(fields[1], uint16(port))
	case "s":
		if len(fields) < 3 {
			fmt.Println("Usage: s <socket ID> <bytes>")
			return
		}
		h, err := parseHandle(fields[1])
		if err != nil {
			fmt.Println(err)
			return
		}
		stack.SCommand(h, strings.Join(fields[2:], " "))
	case "cl":
		if len(fields) != 2 {
			fmt.Println("Usage: cl <socket ID>")
			return
		}
		h, err := parseHandle(fields[1])
		if err != nil {
			fmt.Println(err)
			return
		}
		stack.CloseCommand(h)
	case "ab":
		if len(fields) != 2 {
			fmt.Println("Usage: ab <socket ID>")
			return
		}
		h, err := parseHandle(fields[1])
		if err != nil {
			fmt.Println(err)
			return
		}
		stack.AbortCommand(h)
	default:
		fmt.Println("Invalid command.")
	}
}

func main() {
	if len(os.Args) != 3 {
		fmt.Println("Usage: ./vhost --config <lnx file>")
		return
	}
	lnxFile := os.Args[2]

	// Parse the lnx file
	lnxConfig, err := lnxconfig.ParseConfig(lnxFile)
	if err != nil {
		fmt.Println("error parsing config file:", err)
		return
	}
	logger, err := newLogger(lnxConfig)
	if err != nil {
		fmt.Println(err)
		return
	}
	defer logger.Sync()

	stack, err := protocol.Initialize(*lnxConfig, logger)
	if err != nil {
		logger.Fatal("initialize", zap.Error(err))
	}
	defer stack.Shutdown()

	if lnxConfig.Bind.IsValid() {
		if err := stack.Open(lnxConfig.Bind); err != nil {
			logger.Fatal("open socket", zap.Error(err))
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	// the REPL only reads; every command runs on the loop goroutine
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		fmt.Println("Enter command:")
		for scanner.Scan() {
			userInput := scanner.Text()
			if userInput == "q" || userInput == "quit" {
				break
			}
			if err := stack.Invoke(ctx, func() { command(stack, userInput) }); err != nil {
				return
			}
		}
		cancel()
	}()

	if err := stack.RunForever(ctx); err != nil && ctx.Err() == nil {
		logger.Error("poll loop stopped", zap.Error(err))
	}
}
