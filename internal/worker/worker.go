package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/offerforge/offerpdf/internal/blob"
	"github.com/offerforge/offerpdf/internal/pipeline"
	"github.com/offerforge/offerpdf/internal/render"
	"github.com/offerforge/offerpdf/internal/webhook"
	"github.com/offerforge/offerpdf/shared/rabbitmq"
)

// jobMessage is the queue message dispatched to the worker pool.
type jobMessage struct {
	JobID       string `json:"job_id"`
	DeliveryTag uint64 `json:"-"`
}

// Config holds worker configuration
type Config struct {
	Logger            *slog.Logger
	Store             *pipeline.Store
	Service           *pipeline.Service
	Renderer          render.Renderer
	Blobs             blob.Store
	Deliverer         *webhook.Deliverer
	RabbitClient      *rabbitmq.Client
	Concurrency       int
	PrefetchCount     int
	JobTimeout        time.Duration
	HeartbeatInterval time.Duration
	RenderAttempts    int
}

// Worker consumes render jobs from the queue and drives them through the
// claim -> render -> upload -> commit pipeline.
type Worker struct {
	logger            *slog.Logger
	store             *pipeline.Store
	service           *pipeline.Service
	renderer          render.Renderer
	blobs             blob.Store
	deliverer         *webhook.Deliverer
	rabbitClient      *rabbitmq.Client
	workerID          string
	concurrency       int
	prefetchCount     int
	jobTimeout        time.Duration
	heartbeatInterval time.Duration
	renderAttempts    int
	jobsChan          chan *jobMessage
	wg                sync.WaitGroup
	stopChan          chan struct{}
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	attempts := cfg.RenderAttempts
	if attempts <= 0 {
		attempts = 3
	}

	return &Worker{
		logger:            cfg.Logger,
		store:             cfg.Store,
		service:           cfg.Service,
		renderer:          cfg.Renderer,
		blobs:             cfg.Blobs,
		deliverer:         cfg.Deliverer,
		rabbitClient:      cfg.RabbitClient,
		workerID:          "worker-" + uuid.New().String()[:8],
		concurrency:       cfg.Concurrency,
		prefetchCount:     cfg.PrefetchCount,
		jobTimeout:        cfg.JobTimeout,
		heartbeatInterval: heartbeat,
		renderAttempts:    attempts,
		jobsChan:          make(chan *jobMessage),
		stopChan:          make(chan struct{}),
	}
}

// Start subscribes to the queue, spawns the worker pool, and dispatches
// messages until ctx is canceled.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("job_timeout", w.jobTimeout),
	)

	deliveries, err := w.setupConsumer()
	if err != nil {
		return fmt.Errorf("failed to set up consumer: %w", err)
	}

	w.spawnWorkerPool(ctx)
	w.startMessageDispatcher(ctx, deliveries)

	return nil
}

// Stop gracefully stops the worker
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	close(w.stopChan)
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}
