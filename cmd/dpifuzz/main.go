package main

import (
	"fmt"
	"os"

	"dpifuzz/config"
	"dpifuzz/internal/crash"
	"dpifuzz/internal/fuzz"
	"dpifuzz/internal/types"
	"dpifuzz/pkg/database"
	"dpifuzz/pkg/logger"
	"dpifuzz/pkg/metrics"
	"dpifuzz/pkg/mq"
	"dpifuzz/pkg/telemetry"
	"dpifuzz/pkg/watchdog"

	_ "go.uber.org/automaxprocs"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.LoadConfig(os.Args[1:])
	if err != nil {
		if config.IsHelp(err) {
			fmt.Println(err)
			return
		}
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(2)
	}

	app := fx.New(
		fx.Supply(cfg),
		fx.Provide(
			types.NewRunID,              // inject run id
			logger.NewLogger,            // inject logger
			telemetry.NewTelemetry,      // inject telemetry
			telemetry.NewTracerFactory,  // inject telemetry tracer factory
			metrics.NewMetrics,          // inject prometheus metrics
			database.NewDBConnection,    // inject db connection
			database.NewRedisClient,     // inject redis client
			mq.NewRabbitMQ,              // inject rabbitmq service
			watchdog.NewWatchDogFactory, // inject watchdog factory
			crash.NewCrashManager,       // inject crash manager
			fuzz.NewRunnerService,       // inject fuzz runner
		),
		crash.SinksModule, // inject crash sinks
		fx.Invoke(
			metrics.NewServer,
			// the crash manager must be watching before the first crash can land
			func(*crash.Manager, *fuzz.Service) {},
		),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			zlogger := fxevent.ZapLogger{Logger: log}
			zlogger.UseLogLevel(zap.DebugLevel)
			return &zlogger
		}),
	)
	app.Run()
}
