package handler

import (
	"context"
	"log/slog"

	"github.com/offerforge/offerpdf/internal/api/storage"
	"github.com/offerforge/offerpdf/internal/config"
	"github.com/offerforge/offerpdf/internal/pipeline"
	"github.com/offerforge/offerpdf/internal/quota"
	"github.com/offerforge/offerpdf/internal/webhook"
	"github.com/offerforge/offerpdf/shared/rabbitmq"
	"github.com/offerforge/offerpdf/shared/redis"
)

// AdminChecker decides whether a user may call the admin endpoints. The
// actual identity system lives outside this service.
type AdminChecker interface {
	IsAdmin(ctx context.Context, userID string) (bool, error)
}

// StaticAdminChecker is a config-backed AdminChecker: a fixed set of user ids.
type StaticAdminChecker struct {
	ids map[string]struct{}
}

// NewStaticAdminChecker builds a checker from configured admin user ids.
func NewStaticAdminChecker(userIDs []string) *StaticAdminChecker {
	ids := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		ids[id] = struct{}{}
	}
	return &StaticAdminChecker{ids: ids}
}

func (c *StaticAdminChecker) IsAdmin(_ context.Context, userID string) (bool, error) {
	_, ok := c.ids[userID]
	return ok, nil
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger          *slog.Logger
	Config          *config.Config
	Storage         *storage.Storage
	Service         *pipeline.Service
	QuotaReconciler *quota.Reconciler
	Deliverer       *webhook.Deliverer
	Allowlist       []webhook.AllowlistEntry
	RabbitClient    *rabbitmq.Client
	RedisClient     *redis.Client
	AdminChecker    AdminChecker
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger       *slog.Logger
	cfg          *config.Config
	storage      *storage.Storage
	rabbitClient *rabbitmq.Client
	allowlist    []webhook.AllowlistEntry
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:       deps.Logger,
		cfg:          deps.Config,
		storage:      deps.Storage,
		rabbitClient: deps.RabbitClient,
		allowlist:    deps.Allowlist,
	}
}

// WebhookHandler handles webhook replay requests
type WebhookHandler struct {
	logger    *slog.Logger
	storage   *storage.Storage
	deliverer *webhook.Deliverer
	allowlist []webhook.AllowlistEntry
}

// NewWebhookHandler creates a new WebhookHandler instance
func NewWebhookHandler(deps *Dependencies) *WebhookHandler {
	return &WebhookHandler{
		logger:    deps.Logger,
		storage:   deps.Storage,
		deliverer: deps.Deliverer,
		allowlist: deps.Allowlist,
	}
}

// AdminHandler handles the operational safety-net endpoints
type AdminHandler struct {
	logger          *slog.Logger
	cfg             *config.Config
	service         *pipeline.Service
	quotaReconciler *quota.Reconciler
}

// NewAdminHandler creates a new AdminHandler instance
func NewAdminHandler(deps *Dependencies) *AdminHandler {
	return &AdminHandler{
		logger:          deps.Logger,
		cfg:             deps.Config,
		service:         deps.Service,
		quotaReconciler: deps.QuotaReconciler,
	}
}
