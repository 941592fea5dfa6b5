package service

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ottofleet/fleet-api/internal/dto"
	"github.com/ottofleet/fleet-api/internal/models"
	"github.com/ottofleet/fleet-api/pkg/config"
	appErrors "github.com/ottofleet/fleet-api/pkg/errors"
	"github.com/ottofleet/fleet-api/pkg/jobs"
)

type webhookStore interface {
	Create(ctx context.Context, hook *models.Webhook) error
	List(ctx context.Context) ([]models.Webhook, error)
	ListActive(ctx context.Context) ([]models.Webhook, error)
	Delete(ctx context.Context, id string) error
}

type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// webhookPayload is the JSON body posted to subscribers.
type webhookPayload struct {
	Event     models.WebhookEvent `json:"event"`
	Timestamp time.Time           `json:"timestamp"`
	Rollout   rolloutSnapshot     `json:"rollout"`
}

// rolloutSnapshot carries the rollout fields subscribers act on.
type rolloutSnapshot struct {
	ID             string               `json:"id"`
	Version        string               `json:"version"`
	Status         models.RolloutStatus `json:"status"`
	CurrentStage   int                  `json:"current_stage"`
	TotalStages    int                  `json:"total_stages"`
	TotalDevices   int                  `json:"total_devices"`
	UpdatedDevices int                  `json:"updated_devices"`
	FailedDevices  int                  `json:"failed_devices"`
	FailureRate    float64              `json:"failure_rate"`
}

type webhookDelivery struct {
	Hook    models.Webhook
	Payload []byte
}

// WebhookService manages notification endpoints and asynchronous delivery of
// rollout lifecycle events.
type WebhookService struct {
	repo     webhookStore
	client   httpDoer
	queue    *jobs.Queue
	cfg      config.WebhooksConfig
	validate *validator.Validate
	logger   *zap.Logger
}

// NewWebhookService constructs the service and its delivery queue. Call
// Start before enqueueing events.
func NewWebhookService(repo webhookStore, cfg config.WebhooksConfig, logger *zap.Logger) *WebhookService {
	s := &WebhookService{
		repo:     repo,
		client:   &http.Client{Timeout: cfg.RequestTimeout},
		cfg:      cfg,
		validate: validator.New(),
		logger:   logger,
	}
	s.queue = jobs.NewQueue("webhooks", s.deliver, jobs.QueueConfig{
		Workers:    cfg.Workers,
		MaxRetries: cfg.MaxRetries,
		RetryDelay: cfg.RetryDelay,
		Logger:     logger,
	})
	return s
}

// Start launches the delivery workers.
func (s *WebhookService) Start(ctx context.Context) {
	s.queue.Start(ctx)
}

// Stop drains the delivery workers.
func (s *WebhookService) Stop() {
	s.queue.Stop()
}

// Register validates and stores a new webhook subscription.
func (s *WebhookService) Register(ctx context.Context, req dto.CreateWebhookRequest) (*models.Webhook, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, err.Error())
	}

	hook := &models.Webhook{
		ID:        uuid.NewString(),
		URL:       req.URL,
		Secret:    req.Secret,
		Events:    req.Events,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.repo.Create(ctx, hook); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to register webhook")
	}

	s.logger.Sugar().Infow("webhook registered", "webhook_id", hook.ID, "url", hook.URL)
	return hook, nil
}

// List returns all registered webhooks.
func (s *WebhookService) List(ctx context.Context) ([]models.Webhook, error) {
	hooks, err := s.repo.List(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list webhooks")
	}
	return hooks, nil
}

// Delete removes a webhook subscription.
func (s *WebhookService) Delete(ctx context.Context, id string) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return appErrors.Clone(appErrors.ErrNotFound, "webhook not found")
	}
	s.logger.Sugar().Infow("webhook deleted", "webhook_id", id)
	return nil
}

// RolloutEvent fans the event out to every active subscriber. Delivery is
// asynchronous and failures never propagate back to the caller.
func (s *WebhookService) RolloutEvent(event models.WebhookEvent, rollout *models.Rollout) {
	if !s.cfg.Enabled {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hooks, err := s.repo.ListActive(ctx)
	if err != nil {
		s.logger.Sugar().Warnw("failed to load webhooks for event", "event", event, "error", err)
		return
	}

	payload, err := json.Marshal(webhookPayload{
		Event:     event,
		Timestamp: time.Now().UTC(),
		Rollout: rolloutSnapshot{
			ID:             rollout.ID,
			Version:        rollout.Version,
			Status:         rollout.Status,
			CurrentStage:   rollout.CurrentStage,
			TotalStages:    len(rollout.StagePercentages),
			TotalDevices:   rollout.TotalDevices,
			UpdatedDevices: rollout.UpdatedDevices,
			FailedDevices:  rollout.FailedDevices,
			FailureRate:    rollout.FailureRate(),
		},
	})
	if err != nil {
		s.logger.Sugar().Warnw("failed to encode webhook payload", "event", event, "error", err)
		return
	}

	for _, hook := range hooks {
		if !hook.SubscribedTo(event) {
			continue
		}
		job := jobs.Job{
			ID:      uuid.NewString(),
			Type:    string(event),
			Payload: webhookDelivery{Hook: hook, Payload: payload},
		}
		if err := s.queue.Enqueue(job); err != nil {
			s.logger.Sugar().Warnw("failed to enqueue webhook delivery", "webhook_id", hook.ID, "event", event, "error", err)
		}
	}
}

func (s *WebhookService) deliver(ctx context.Context, job jobs.Job) error {
	delivery, ok := job.Payload.(webhookDelivery)
	if !ok {
		s.logger.Sugar().Errorw("unexpected webhook job payload", "job_id", job.ID)
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, delivery.Hook.URL, bytes.NewReader(delivery.Payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Fleet-Event", job.Type)
	req.Header.Set("X-Fleet-Signature", sign(delivery.Hook.Secret, delivery.Payload))

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver webhook %s: %w", delivery.Hook.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s responded %d", delivery.Hook.ID, resp.StatusCode)
	}

	s.logger.Sugar().Debugw("webhook delivered", "webhook_id", delivery.Hook.ID, "event", job.Type)
	return nil
}

// sign computes the hex HMAC-SHA256 of the payload under the subscriber secret.
func sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
