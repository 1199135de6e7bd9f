package queue

import (
	"context"
	"time"

	"gemscan/internal/repository"
)

// Postgres is the production queue: a table behind the repository with
// primary-key dedup, SKIP LOCKED leasing and visibility timeouts.
type Postgres struct {
	repo *repository.Repository
}

func NewPostgres(repo *repository.Repository) *Postgres {
	return &Postgres{repo: repo}
}

func (p *Postgres) Enqueue(ctx context.Context, queue, messageID string, body []byte) (bool, error) {
	return p.repo.EnqueueMessage(ctx, queue, messageID, body)
}

func (p *Postgres) Receive(ctx context.Context, queue string, visibility time.Duration) (*Message, error) {
	m, err := p.repo.ReceiveMessage(ctx, queue, visibility)
	if err != nil || m == nil {
		return nil, err
	}
	return &Message{
		ID:            m.MessageID,
		Queue:         m.Queue,
		Body:          m.Body,
		DeliveryCount: m.DeliveryCount,
	}, nil
}

func (p *Postgres) Complete(ctx context.Context, msg *Message) error {
	return p.repo.CompleteMessage(ctx, msg.ID)
}

func (p *Postgres) Abandon(ctx context.Context, msg *Message) error {
	return p.repo.AbandonMessage(ctx, msg.ID)
}
