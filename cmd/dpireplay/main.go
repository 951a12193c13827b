package main

// re-send the frames of crash captures, one file after the other

import (
	"fmt"
	"os"
	"time"

	"dpifuzz/internal/packet"
	"dpifuzz/internal/transmit"

	"github.com/jessevdk/go-flags"
	"go.uber.org/zap"
)

type options struct {
	Iface  string        `long:"iface" short:"i" env:"DPIFUZZ_IFACE" required:"true" description:"interface to send on"`
	Count  int           `long:"count" short:"n" default:"1" description:"times each capture is replayed"`
	Delay  time.Duration `long:"delay" default:"10ms" description:"pause between frames"`
	Dump   bool          `long:"dump" description:"print the full decode of every frame"`
	DryRun bool          `long:"dry-run" description:"decode only, send nothing"`
	Args   struct {
		Captures []string `positional-arg-name:"capture" required:"1"`
	} `positional-args:"true"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			return
		}
		os.Exit(2)
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		logger = zap.NewExample()
	}
	defer logger.Sync()

	if err := run(opts, logger); err != nil {
		logger.Error("replay failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(opts options, logger *zap.Logger) error {
	var sender transmit.Sender
	if !opts.DryRun {
		raw, err := transmit.NewRawSender(opts.Iface, logger)
		if err != nil {
			return err
		}
		defer raw.Close()
		sender = raw
	}

	sent := 0
	for _, path := range opts.Args.Captures {
		pkts, err := readCapture(path)
		if err != nil {
			return err
		}
		for round := 0; round < opts.Count; round++ {
			for _, pkt := range pkts {
				logger.Info("replaying frame", zap.String("capture", path), zap.String("packet", pkt.Summary()))
				if opts.Dump {
					fmt.Print(pkt.Describe(time.Now()))
				}
				if sender == nil {
					continue
				}
				if err := sender.Send(pkt); err != nil {
					return err
				}
				sent++
				time.Sleep(opts.Delay)
			}
		}
	}
	logger.Info("replay finished", zap.Int("sent", sent))
	return nil
}

func readCapture(path string) ([]*packet.Packet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture: %w", err)
	}
	defer f.Close()
	pkts, err := packet.ReadPcap(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return pkts, nil
}
