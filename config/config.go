package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"dpifuzz/internal/mutator"

	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type AppConfig struct {
	// fuzzing
	Target       string        `long:"target" short:"t" env:"DPIFUZZ_TARGET" yaml:"target" description:"IPv4 address the crafted frames are sent to"`
	Iface        string        `long:"iface" short:"i" env:"DPIFUZZ_IFACE" yaml:"iface" description:"interface used to send, also handed to the target"`
	Binary       string        `long:"binary" short:"b" env:"DPIFUZZ_BINARY" yaml:"binary" description:"path to the target binary"`
	OutDir       string        `long:"out" short:"o" env:"DPIFUZZ_OUT" yaml:"out_dir" description:"directory receiving crash reports"`
	MaxPackets   int           `long:"max-packets" short:"n" env:"DPIFUZZ_MAX_PACKETS" yaml:"max_packets" description:"stop after this many packets, 0 runs until interrupted"`
	RestartEvery int           `long:"restart-every" env:"DPIFUZZ_RESTART_EVERY" yaml:"restart_every" description:"restart the target every N packets, 0 disables"`
	StatsEvery   int           `long:"stats-every" env:"DPIFUZZ_STATS_EVERY" yaml:"stats_every" description:"log statistics every N packets, 0 disables"`
	MinPayload   int           `long:"min-payload" env:"DPIFUZZ_MIN_PAYLOAD" yaml:"min_payload" description:"minimum payload length"`
	MaxPayload   int           `long:"max-payload" env:"DPIFUZZ_MAX_PAYLOAD" yaml:"max_payload" description:"maximum payload length"`
	Source       string        `long:"source" env:"DPIFUZZ_SOURCE" yaml:"source" description:"source IPv4 address, defaults to the interface address"`
	Seed         int64         `long:"seed" env:"DPIFUZZ_SEED" yaml:"seed" description:"random seed, 0 picks one from the clock"`
	IfaceFlag    string        `long:"iface-flag" env:"DPIFUZZ_IFACE_FLAG" yaml:"iface_flag" description:"flag preceding the interface on the target command line, empty for positional"`
	StartupDelay time.Duration `long:"startup-delay" env:"DPIFUZZ_STARTUP_DELAY" yaml:"startup_delay" description:"time the target gets to come up"`
	SendDelay    time.Duration `long:"send-delay" env:"DPIFUZZ_SEND_DELAY" yaml:"send_delay" description:"pause after every packet"`
	StopGrace    time.Duration `long:"stop-grace" env:"DPIFUZZ_STOP_GRACE" yaml:"stop_grace" description:"SIGTERM to SIGKILL window"`
	Quiet        bool          `long:"quiet" short:"q" env:"DPIFUZZ_QUIET" yaml:"quiet" description:"do not print progress markers"`

	// service
	ConfigFile         string `long:"config" short:"c" env:"DPIFUZZ_CONFIG" yaml:"-" description:"yaml file with defaults for any of these options"`
	LogLevel           string `long:"log-level" env:"LOG_LEVEL" yaml:"log_level" description:"debug, info, warn or error"`
	ServiceName        string `long:"service-name" env:"SERVICE_NAME" yaml:"service_name"`
	MetricsAddr        string `long:"metrics-addr" env:"DPIFUZZ_METRICS_ADDR" yaml:"metrics_addr" description:"serve prometheus metrics on this address"`
	OtelEndpoint       string `long:"otel-endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT" yaml:"otel_endpoint" description:"OTLP collector, telemetry is off when empty"`
	DatabaseURL        string `long:"database-url" env:"DATABASE_URL" yaml:"database_url" description:"postgres DSN for the crash table"`
	RedisURL           string `long:"redis-url" env:"REDIS_URL" yaml:"redis_url" description:"redis URL for crash lists and run counters"`
	RedisSentinelHosts string `long:"redis-sentinel-hosts" env:"REDIS_SENTINEL_HOSTS" yaml:"redis_sentinel_hosts" description:"comma separated sentinels, used when no redis URL is set"`
	RedisMasterName    string `long:"redis-master" env:"REDIS_MASTER" yaml:"redis_master"`
	RabbitMQURL        string `long:"rabbitmq-url" env:"RABBITMQ_URL" yaml:"rabbitmq_url" description:"AMQP URL crash messages are published to"`
	CrashQueue         string `long:"crash-queue" env:"DPIFUZZ_CRASH_QUEUE" yaml:"crash_queue"`
}

// Default returns the configuration used when nothing overrides a field.
func Default() *AppConfig {
	return &AppConfig{
		StatsEvery:   100,
		MinPayload:   1,
		MaxPayload:   100,
		IfaceFlag:    "-i",
		StartupDelay: 4 * time.Second,
		SendDelay:    10 * time.Millisecond,
		StopGrace:    2 * time.Second,
		LogLevel:     "info",
		ServiceName:  "dpifuzz",
		CrashQueue:   "crash_queue",
	}
}

// LoadConfig resolves the configuration from, in increasing precedence: built-in
// defaults, the yaml file named by --config, the environment (including .env) and the
// command line. The result is validated.
func LoadConfig(args []string) (*AppConfig, error) {
	godotenv.Load()

	// first pass only locates the yaml file
	early := &AppConfig{}
	if _, err := flags.NewParser(early, flags.IgnoreUnknown).ParseArgs(args); err != nil {
		return nil, err
	}

	config := Default()
	if early.ConfigFile != "" {
		if err := config.loadYAML(early.ConfigFile); err != nil {
			return nil, err
		}
	}

	parser := flags.NewParser(config, flags.HelpFlag|flags.PassDoubleDash)
	rest, err := parser.ParseArgs(args)
	if err != nil {
		return nil, err
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", rest)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *AppConfig) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// IsHelp reports whether err is the request for usage text rather than a failure.
func IsHelp(err error) bool {
	var flagsErr *flags.Error
	return errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp
}

func (c *AppConfig) Validate() error {
	var errs []error
	if c.Target == "" {
		errs = append(errs, errors.New("target address is required"))
	} else if ip := net.ParseIP(c.Target); ip == nil || ip.To4() == nil {
		errs = append(errs, fmt.Errorf("target %q is not an IPv4 address", c.Target))
	}
	if c.Source != "" {
		if ip := net.ParseIP(c.Source); ip == nil || ip.To4() == nil {
			errs = append(errs, fmt.Errorf("source %q is not an IPv4 address", c.Source))
		}
	}
	if c.Iface == "" {
		errs = append(errs, errors.New("interface is required"))
	}
	if c.Binary == "" {
		errs = append(errs, errors.New("target binary is required"))
	}
	if c.OutDir == "" {
		errs = append(errs, errors.New("output directory is required"))
	}
	if c.MaxPackets < 0 || c.RestartEvery < 0 || c.StatsEvery < 0 {
		errs = append(errs, errors.New("packet counts must not be negative"))
	}
	if c.MinPayload < 0 || c.MinPayload > c.MaxPayload {
		errs = append(errs, fmt.Errorf("payload bounds [%d, %d] are invalid", c.MinPayload, c.MaxPayload))
	}
	if c.MaxPayload > mutator.MaxPayloadLimit {
		errs = append(errs, fmt.Errorf("max payload %d exceeds %d", c.MaxPayload, mutator.MaxPayloadLimit))
	}
	if c.StartupDelay < 0 || c.SendDelay < 0 || c.StopGrace < 0 {
		errs = append(errs, errors.New("delays must not be negative"))
	}
	return errors.Join(errs...)
}

// TargetIP is the parsed target address; only valid after Validate succeeded.
func (c *AppConfig) TargetIP() net.IP {
	return net.ParseIP(c.Target).To4()
}
