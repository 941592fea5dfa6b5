package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/ottofleet/fleet-api/internal/models"
)

// WebhookRepository provides persistence for notification subscriptions.
type WebhookRepository struct {
	db *sqlx.DB
}

// NewWebhookRepository constructs the repository.
func NewWebhookRepository(db *sqlx.DB) *WebhookRepository {
	return &WebhookRepository{db: db}
}

// Create inserts a webhook subscription.
func (r *WebhookRepository) Create(ctx context.Context, hook *models.Webhook) error {
	const query = `
INSERT INTO webhooks (id, url, secret, events, active, created_at)
VALUES (:id, :url, :secret, :events, :active, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, hook); err != nil {
		return fmt.Errorf("insert webhook: %w", err)
	}
	return nil
}

// List returns all registered webhooks.
func (r *WebhookRepository) List(ctx context.Context) ([]models.Webhook, error) {
	hooks := []models.Webhook{}
	if err := r.db.SelectContext(ctx, &hooks, `SELECT * FROM webhooks ORDER BY created_at ASC`); err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	return hooks, nil
}

// ListActive returns webhooks eligible for delivery.
func (r *WebhookRepository) ListActive(ctx context.Context) ([]models.Webhook, error) {
	hooks := []models.Webhook{}
	if err := r.db.SelectContext(ctx, &hooks, `SELECT * FROM webhooks WHERE active = TRUE ORDER BY created_at ASC`); err != nil {
		return nil, fmt.Errorf("list active webhooks: %w", err)
	}
	return hooks, nil
}

// Delete removes a webhook subscription.
func (r *WebhookRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM webhooks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete webhook rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}
