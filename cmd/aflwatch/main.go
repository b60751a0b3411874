package main

import (
	"os/exec"

	"aflwatch/config"
	"aflwatch/internal/campaign"
	"aflwatch/internal/report"
	"aflwatch/pkg/database"
	"aflwatch/pkg/logger"
	"aflwatch/pkg/mq"
	"aflwatch/pkg/telemetry"

	_ "go.uber.org/automaxprocs"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func setUpCorePattern(logger *zap.Logger) {
	// afl-fuzz refuses to run when crashes would be handed to an external
	// core handler instead of landing in the output directory
	if err := exec.Command("sysctl", "-w", "kernel.core_pattern=core").Run(); err != nil {
		logger.Warn("Failed to set core_pattern", zap.Error(err))
	} else {
		logger.Info("Successfully set core_pattern to core")
	}
}

func main() {
	app := fx.New(
		fx.Provide(
			config.LoadConfig,        // inject config
			database.NewDBConnection, // inject db connection
			database.NewRedisClient,  // inject redis client
			logger.NewLogger,         // inject logger
			mq.NewRabbitMQ,           // inject rabbitmq service
			telemetry.NewTelemetry,   // inject telemetry
			report.NewReporter,       // inject crash reporter
		),
		fx.Invoke(
			setUpCorePattern, // avoid external core handlers eating crashes
			campaign.NewRunner,
		),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			zlogger := fxevent.ZapLogger{Logger: log}
			zlogger.UseLogLevel(zap.DebugLevel)
			return &zlogger
		}),
	)
	app.Run()
}
