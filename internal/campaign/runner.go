package campaign

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"aflwatch/config"
	"aflwatch/internal/report"
	"aflwatch/internal/stats"
	"aflwatch/internal/supervisor"
	"aflwatch/pkg/database"
	"aflwatch/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	SessionStatusKeyTmpl = "aflwatch:session:%s:status" // running | crashed | timeout | stopped | error
	SessionStatsKeyTmpl  = "aflwatch:session:%s:stats"
	sessionKeyTTL        = 24 * time.Hour
)

// Runner drives the campaign: one supervised afl-fuzz session per target,
// sequentially. Each session gets a fresh id, an optional trace span, live
// status in redis, and its crash artifacts handed to the reporter.
type Runner struct {
	logger      *zap.Logger
	appConfig   *config.AppConfig
	redisClient *redis.Client
	telemetry   telemetry.Telemetry
	reporter    *report.Reporter
	db          *gorm.DB

	done chan struct{}
}

type RunnerParams struct {
	fx.In

	Lc          fx.Lifecycle
	Logger      *zap.Logger
	AppConfig   *config.AppConfig
	RedisClient *redis.Client `optional:"true"`
	Telemetry   telemetry.Telemetry
	Reporter    *report.Reporter
	DB          *gorm.DB `optional:"true"`
	Shutdowner  fx.Shutdowner
}

func NewRunner(params RunnerParams) *Runner {
	runner := &Runner{
		logger:      params.Logger,
		appConfig:   params.AppConfig,
		redisClient: params.RedisClient,
		telemetry:   params.Telemetry,
		reporter:    params.Reporter,
		db:          params.DB,
		done:        make(chan struct{}),
	}

	runnerCtx, cancel := context.WithCancel(context.Background())

	params.Lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				runner.start(runnerCtx)
				params.Shutdowner.Shutdown()
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			<-runner.done
			return nil
		},
	})
	return runner
}

func (r *Runner) start(ctx context.Context) {
	defer close(r.done)

	campaign, err := LoadCampaign(r.appConfig.CampaignFile)
	if err != nil {
		r.logger.Error("failed to load campaign", zap.Error(err))
		return
	}
	r.logger.Info("campaign loaded",
		zap.String("file", r.appConfig.CampaignFile),
		zap.Int("targets", len(campaign.Targets)))

	for _, target := range campaign.Targets {
		select {
		case <-ctx.Done():
			r.logger.Info("campaign interrupted")
			return
		default:
		}
		r.runSession(ctx, target)
	}
	r.logger.Info("campaign finished")
}

// runSession supervises one target until a crash, the budget, or shutdown.
func (r *Runner) runSession(ctx context.Context, target Target) {
	sessionID := uuid.NewString()
	logger := r.logger.With(
		zap.String("session_id", sessionID),
		zap.String("target", target.Name))

	var span trace.Span
	if tracer := r.telemetry.GetTracer(); tracer != nil {
		ctx, span = tracer.Start(ctx, "fuzzing_session")
		span.SetAttributes(
			attribute.String("session_id", sessionID),
			attribute.String("target", target.Name),
		)
		defer span.End()
	}

	if r.db != nil {
		if err := database.AddSession(ctx, r.db, database.NewSessionRecord(sessionID, target.Name)); err != nil {
			logger.Error("failed to record session", zap.Error(err))
		}
	}

	opts := supervisor.Options{
		TargetBinary: target.Binary,
		TargetArgs:   target.Args,
		InputDir:     target.InputDir,
		OutputDir:    target.OutputDir,
		MemoryLimit:  target.MemoryLimit,
		Dictionary:   target.Dictionary,
		QemuMode:     target.QemuMode,
		FuzzerPath:   r.appConfig.AFLFuzzPath,
	}
	supCfg := r.appConfig.SupervisorConfig
	if target.ExecTimeoutMs > 0 {
		supCfg.ExecTimeoutMs = target.ExecTimeoutMs
	}
	sup := supervisor.New(logger, opts, supCfg)

	sup.SetOnProgressUpdate(func(snapshot stats.Stats) {
		r.publishStats(sessionID, snapshot)
	})
	sup.SetOnStateChange(func(state supervisor.State, _ stats.Stats) {
		logger.Info("session state changed", zap.Stringer("state", state))
	})
	sup.SetOnCrashFound(func(count int) {
		logger.Info("session crash count increased", zap.Int("count", count))
	})

	if !sup.Start(target.ExtraArgs, target.Env) {
		logger.Error("failed to start fuzzing session")
		r.finishSession(sessionID, "error", 0)
		return
	}
	r.publishStatus(sessionID, "running")

	resCh := make(chan supervisor.WaitResult, 1)
	go func() {
		resCh <- sup.WaitForCrash(time.Duration(target.Budget))
	}()

	var res supervisor.WaitResult
	select {
	case res = <-resCh:
	case <-ctx.Done():
		logger.Info("shutdown requested, stopping session")
		sup.Stop(true)
		res = <-resCh
	}

	status := "stopped"
	switch res.Reason {
	case supervisor.ReasonCrashDetected:
		status = "crashed"
	case supervisor.ReasonTimeout:
		status = "timeout"
	case supervisor.ReasonError:
		status = "error"
	}
	logger.Info("session wait finished",
		zap.String("reason", string(res.Reason)),
		zap.Duration("waited", res.WaitTime),
		zap.Int("crash_count", res.CrashCount))

	if span != nil {
		span.SetAttributes(
			attribute.Int("crash_count", res.CrashCount),
			attribute.String("outcome", string(res.Reason)),
		)
	}

	finalStats := sup.Status().Stats
	for _, crashFile := range res.CrashFiles {
		r.reporter.Report(report.CrashEvent{
			SessionID: sessionID,
			Target:    target.Name,
			CrashFile: crashFile,
			Stats:     finalStats,
		})
	}

	sup.Stop(true)
	r.publishStatus(sessionID, status)
	r.finishSession(sessionID, status, res.CrashCount)
}

func (r *Runner) finishSession(sessionID, status string, crashes int) {
	if r.db == nil {
		return
	}
	if err := database.CloseSession(context.Background(), r.db, sessionID, status, crashes); err != nil {
		r.logger.Error("failed to close session record", zap.Error(err))
	}
}

func (r *Runner) publishStatus(sessionID, status string) {
	if r.redisClient == nil {
		return
	}
	key := fmt.Sprintf(SessionStatusKeyTmpl, sessionID)
	if err := r.redisClient.Set(context.Background(), key, status, sessionKeyTTL).Err(); err != nil {
		r.logger.Warn("failed to publish session status", zap.Error(err))
	}
}

func (r *Runner) publishStats(sessionID string, snapshot stats.Stats) {
	if r.redisClient == nil {
		return
	}
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return
	}
	key := fmt.Sprintf(SessionStatsKeyTmpl, sessionID)
	if err := r.redisClient.Set(context.Background(), key, raw, sessionKeyTTL).Err(); err != nil {
		r.logger.Warn("failed to publish session stats", zap.Error(err))
	}
}
