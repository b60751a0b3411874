package report

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"aflwatch/config"
	"aflwatch/internal/stats"
	"aflwatch/pkg/database"
	"aflwatch/pkg/mq"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	CrashQueueName = "aflwatch_crashes"
)

// CrashEvent is one crash artifact coming out of a fuzzing session.
type CrashEvent struct {
	SessionID string      `json:"session_id"`
	Target    string      `json:"target"`
	CrashFile string      `json:"crash_file"`
	Stats     stats.Stats `json:"stats"`
}

// CrashNotification is the message published to the crash queue.
type CrashNotification struct {
	SessionID string      `json:"session_id"`
	Target    string      `json:"target"`
	Path      string      `json:"path"`
	Digest    string      `json:"digest"`
	Size      int64       `json:"size"`
	FoundAt   time.Time   `json:"found_at"`
	Stats     stats.Stats `json:"stats"`
}

// Reporter archives crash artifacts into the crash store and fans each
// unique one out to postgres and rabbitmq. Both backends are optional; with
// neither configured a crash is still copied and logged. Duplicate inputs
// that crash the target identically are collapsed by content digest.
type Reporter struct {
	db       *gorm.DB
	rabbitMQ mq.RabbitMQ
	logger   *zap.Logger

	crashStore string
	crashChan  chan CrashEvent
	done       chan struct{}

	mu   sync.Mutex
	seen map[string]struct{} // sessionID + digest
}

type ReporterParams struct {
	fx.In

	Config    *config.AppConfig
	DB        *gorm.DB `optional:"true"`
	RabbitMQ  mq.RabbitMQ
	Logger    *zap.Logger
	Lifecycle fx.Lifecycle
}

func NewReporter(p ReporterParams) *Reporter {
	if err := os.MkdirAll(p.Config.CrashStore, 0755); err != nil {
		// without a crash store there is no point in continuing
		p.Logger.Fatal("failed to create crash store directory", zap.Error(err))
		return nil
	}

	r := &Reporter{
		db:         p.DB,
		rabbitMQ:   p.RabbitMQ,
		logger:     p.Logger,
		crashStore: p.Config.CrashStore,
		crashChan:  make(chan CrashEvent, 1024),
		done:       make(chan struct{}),
		seen:       make(map[string]struct{}),
	}

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			r.logger.Debug("starting crash reporter")
			go r.start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			r.logger.Info("stopping crash reporter")
			close(r.crashChan)
			<-r.done // wait until all queued crashes are processed
			return nil
		},
	})

	return r
}

// Report enqueues one crash event for processing.
func (r *Reporter) Report(ev CrashEvent) {
	r.crashChan <- ev
}

func (r *Reporter) start() {
	defer close(r.done)
	for ev := range r.crashChan {
		if err := r.processCrashFile(ev); err != nil {
			r.logger.Error("failed to process crash file", zap.Error(err))
			continue
		}
	}
}

// processCrashFile archives a single crash artifact and reports it
func (r *Reporter) processCrashFile(ev CrashEvent) error {
	crashData, err := os.ReadFile(ev.CrashFile)
	if err != nil {
		return fmt.Errorf("failed to read crash file: %w", err)
	}
	sum := md5.Sum(crashData)
	digest := hex.EncodeToString(sum[:])

	r.mu.Lock()
	key := ev.SessionID + ":" + digest
	if _, dup := r.seen[key]; dup {
		r.mu.Unlock()
		r.logger.Debug("duplicate crash ignored", zap.String("digest", digest))
		return nil
	}
	r.seen[key] = struct{}{}
	r.mu.Unlock()

	store := filepath.Join(r.crashStore, ev.Target)
	if err := os.MkdirAll(store, 0755); err != nil {
		return fmt.Errorf("failed to create crash store directory: %w", err)
	}
	crashPath := filepath.Join(store, digest)
	if err := os.WriteFile(crashPath, crashData, 0644); err != nil {
		return fmt.Errorf("failed to write crash file: %w", err)
	}

	r.logger.Info("crash archived",
		zap.String("session_id", ev.SessionID),
		zap.String("target", ev.Target),
		zap.String("path", crashPath),
		zap.String("digest", digest))

	if r.db != nil {
		record := database.NewCrashRecord(
			ev.SessionID,
			ev.Target,
			crashPath,
			digest,
			int64(len(crashData)),
			statsSnapshot(ev.Stats),
		)
		if err := database.AddCrashes(context.Background(), r.db, []*database.CrashRecord{record}); err != nil {
			return fmt.Errorf("failed to add crash record: %w", err)
		}
	}

	if err := r.publishNotification(ev, crashPath, digest, int64(len(crashData))); err != nil {
		// the artifact is already archived, a lost notification is not fatal
		r.logger.Warn("failed to publish crash notification", zap.Error(err))
	}

	return nil
}

func (r *Reporter) publishNotification(ev CrashEvent, crashPath, digest string, size int64) error {
	if r.rabbitMQ == nil {
		return nil
	}
	channel := r.rabbitMQ.GetChannel()
	if channel == nil {
		return nil
	}
	defer channel.Close()

	q, err := channel.QueueDeclare(
		CrashQueueName,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return err
	}

	body, err := json.Marshal(CrashNotification{
		SessionID: ev.SessionID,
		Target:    ev.Target,
		Path:      crashPath,
		Digest:    digest,
		Size:      size,
		FoundAt:   time.Now(),
		Stats:     ev.Stats,
	})
	if err != nil {
		return err
	}

	return channel.PublishWithContext(context.Background(),
		"",     // exchange
		q.Name, // routing key
		false,  // mandatory
		false,  // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		},
	)
}

func statsSnapshot(s stats.Stats) database.Snapshot {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil
	}
	var snap database.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil
	}
	return snap
}
