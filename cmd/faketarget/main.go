package main

// a stand-in for the classifier: it "captures" on the given interface and dies after
// a while, writing a crash-like message to stderr

import (
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type options struct {
	Iface    string        `short:"i" long:"iface" description:"interface to capture on"`
	Lifetime time.Duration `long:"lifetime" description:"time until the fake crash, random up to --max-lifetime when zero"`
	MaxLife  time.Duration `long:"max-lifetime" default:"30s"`
	ExitCode int           `long:"exit-code" default:"139"`
	Args     struct {
		Iface string `positional-arg-name:"iface"`
	} `positional-args:"true"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(2)
	}
	iface := opts.Iface
	if iface == "" {
		iface = opts.Args.Iface
	}

	// everything goes to stderr, which is what the supervisor keeps
	cfg := zap.NewDevelopmentConfig()
	cfg.OutputPaths = []string{"stderr"}
	cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	logger, err := cfg.Build()
	if err != nil {
		logger = zap.NewExample()
	}

	lifetime := opts.Lifetime
	if lifetime <= 0 && opts.MaxLife > 0 {
		lifetime = time.Duration(rand.Int63n(int64(opts.MaxLife))) + time.Millisecond
	}
	logger.Info("capturing", zap.String("iface", iface), zap.Int("pid", os.Getpid()), zap.Duration("lifetime", lifetime))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGTERM, syscall.SIGINT)

	select {
	case s := <-sig:
		logger.Info("terminated", zap.Stringer("signal", s))
		_ = logger.Sync()
	case <-time.After(lifetime):
		_ = logger.Sync()
		fmt.Fprintf(os.Stderr, "fake crash on %s: SIGSEGV in packet dissector\n", iface)
		os.Exit(opts.ExitCode)
	}
}
