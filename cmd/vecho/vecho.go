package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"go.uber.org/zap"

	"rudp-tcp-pa/chain"
	"rudp-tcp-pa/lnxconfig"
	protocol "rudp-tcp-pa/pkg"
)

// vecho accepts connections on the configured bind address and sends every
// payload back on the connection it arrived on.
func main() {
	if len(os.Args) != 3 {
		fmt.Println("Usage: ./vecho --config <lnx file>")
		return
	}
	lnxConfig, err := lnxconfig.ParseConfig(os.Args[2])
	if err != nil {
		fmt.Println("Error parsing config file:", err)
		return
	}
	if !lnxConfig.Bind.IsValid() {
		fmt.Println("vecho needs a bind directive")
		return
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lnxConfig.LogLevel)
	logger, err := zcfg.Build()
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

	echo := func(h protocol.Handle, data *chain.Chain, err error) {
		switch {
		case err != nil:
			logger.Info("connection failed", zap.Int32("handle", int32(h)), zap.Error(err))
		case data == nil:
			if err := stack.Close(h); err != nil {
				logger.Info("close", zap.Int32("handle", int32(h)), zap.Error(err))
			}
		default:
			if err := stack.Send(h, data.Bytes()); err != nil {
				logger.Warn("echo", zap.Int32("handle", int32(h)), zap.Stringer("code", protocol.ErrorCode(err)), zap.Error(err))
			}
		}
	}

	h, err := stack.CreateConnection()
	if err != nil {
		logger.Fatal("create listener", zap.Error(err))
	}
	bind := lnxConfig.Bind
	if err := stack.Bind(h, bind.Addr().String(), bind.Port()); err != nil {
		logger.Fatal("bind", zap.Stringer("addr", bind), zap.Error(err))
	}
	err = stack.Listen(h, func(listener, conn protocol.Handle, err error) {
		if err != nil {
			logger.Warn("accept", zap.Error(err))
			return
		}
		info, _ := stack.Lookup(conn)
		logger.Info("accepted", zap.Int32("handle", int32(conn)), zap.Stringer("remote", info.Remote))
	}, echo)
	if err != nil {
		logger.Fatal("listen", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	if err := stack.RunForever(ctx); err != nil && ctx.Err() == nil {
		logger.Error("poll loop stopped", zap.Error(err))
	}
}
