// Package lnxconfig parses the line oriented node configuration: one
// directive per line, '#' starts a comment.
//
//	bind 0.0.0.0:10001
//	tick 100ms
//	drain 1000
//	mss 536
//	sndqueue 40
//	window 5360
//	checksum on
//	pool TCP_PCB 16
//	bufsize 1536
//	rcvbuf 65536
//	log debug
package lnxconfig

import (
	"bufio"
	"io"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap/zapcore"

	"rudp-tcp-pa/pool"
	tcp "rudp-tcp-pa/tcp_pkg"
)

type IPConfig struct {
	Bind      netip.AddrPort // zero when the node only connects
	Tick      time.Duration
	MaxDrain  int
	MSS       int
	SendQueue int
	Window    int
	Checksum  bool
	Pools     [pool.NumClasses]int // capacity per class
	BufSize   int                  // payload bytes per buffer slab
	RcvBuf    int                  // SO_RCVBUF of the UDP socket, 0 leaves the OS default
	LogLevel  zapcore.Level
}

var ErrSyntax = errors.New("config syntax error")

// Default holds the values the node runs with when a directive is absent.
func Default() IPConfig {
	return IPConfig{
		Tick:      100 * time.Millisecond,
		MaxDrain:  1000,
		MSS:       536,
		SendQueue: 40,
		Window:    10 * 536,
		Checksum:  true,
		Pools: [pool.NumClasses]int{
			pool.ClassRecord:   16,
			pool.ClassConn:     16,
			pool.ClassListener: 8,
			pool.ClassSegment:  256,
			pool.ClassBufDesc:  512,
			pool.ClassBuffer:   512,
		},
		BufSize:  1536,
		RcvBuf:   64 * 1024,
		LogLevel: zapcore.InfoLevel,
	}
}

// PoolConfig converts the capacities into pool classes. Only buffers
// reserve arena bytes, the other classes live in typed slot tables.
func (cfg *IPConfig) PoolConfig() [pool.NumClasses]pool.ClassConfig {
	var pc [pool.NumClasses]pool.ClassConfig
	for i, n := range cfg.Pools {
		pc[i].Capacity = n
	}
	pc[pool.ClassBuffer].Size = cfg.BufSize
	return pc
}

func ParseConfig(path string) (*IPConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open config")
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads directives on top of Default.
func Parse(r io.Reader) (*IPConfig, error) {
	cfg := Default()
	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if err := cfg.apply(fields); err != nil {
			return nil, errors.Wrapf(err, "line %d", lineNum)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *IPConfig) apply(fields []string) error {
	directive, args := fields[0], fields[1:]
	want := 1
	if directive == "pool" {
		want = 2
	}
	if len(args) != want {
		return errors.Wrapf(ErrSyntax, "%s takes %d argument(s), got %d", directive, want, len(args))
	}

	var err error
	switch directive {
	case "bind":
		cfg.Bind, err = netip.ParseAddrPort(args[0])
	case "tick":
		cfg.Tick, err = time.ParseDuration(args[0])
	case "drain":
		cfg.MaxDrain, err = strconv.Atoi(args[0])
	case "mss":
		cfg.MSS, err = strconv.Atoi(args[0])
	case "sndqueue":
		cfg.SendQueue, err = strconv.Atoi(args[0])
	case "window":
		cfg.Window, err = strconv.Atoi(args[0])
	case "checksum":
		cfg.Checksum, err = parseSwitch(args[0])
	case "bufsize":
		cfg.BufSize, err = strconv.Atoi(args[0])
	case "rcvbuf":
		cfg.RcvBuf, err = strconv.Atoi(args[0])
	case "log":
		err = cfg.LogLevel.UnmarshalText([]byte(args[0]))
	case "pool":
		var cl pool.Class
		cl, err = parseClass(args[0])
		if err == nil {
			cfg.Pools[cl], err = strconv.Atoi(args[1])
		}
	default:
		return errors.Wrapf(ErrSyntax, "unknown directive %q", directive)
	}
	if err != nil {
		return errors.Wrapf(ErrSyntax, "%s: %v", directive, err)
	}
	return nil
}

func parseSwitch(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "yes", "true", "1":
		return true, nil
	case "off", "no", "false", "0":
		return false, nil
	}
	return false, errors.Errorf("%q is not on or off", s)
}

func parseClass(name string) (pool.Class, error) {
	for cl := pool.Class(0); cl < pool.NumClasses; cl++ {
		if strings.EqualFold(cl.String(), name) {
			return cl, nil
		}
	}
	return 0, errors.Errorf("unknown pool class %q", name)
}

// Validate rejects values the stack cannot run with.
func (cfg *IPConfig) Validate() error {
	switch {
	case cfg.Tick <= 0:
		return errors.Wrapf(ErrSyntax, "tick %v", cfg.Tick)
	case cfg.MaxDrain <= 0:
		return errors.Wrapf(ErrSyntax, "drain %d", cfg.MaxDrain)
	case cfg.MSS <= 0 || cfg.MSS > tcp.MaxMSS:
		return errors.Wrapf(ErrSyntax, "mss %d", cfg.MSS)
	case cfg.SendQueue <= 0:
		return errors.Wrapf(ErrSyntax, "sndqueue %d", cfg.SendQueue)
	case cfg.Window <= 0 || cfg.Window > 65535:
		return errors.Wrapf(ErrSyntax, "window %d", cfg.Window)
	case cfg.BufSize <= 0:
		return errors.Wrapf(ErrSyntax, "bufsize %d", cfg.BufSize)
	case cfg.RcvBuf < 0:
		return errors.Wrapf(ErrSyntax, "rcvbuf %d", cfg.RcvBuf)
	}
	for cl, n := range cfg.Pools {
		if n <= 0 {
			return errors.Wrapf(ErrSyntax, "pool %v capacity %d", pool.Class(cl), n)
		}
	}
	return nil
}
