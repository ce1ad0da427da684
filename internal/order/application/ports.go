package application

import (
	"context"

	"github.com/glimte/mmate-orders/internal/rabbitmq"
)

// Notifier sends the post-create notification and returns the raw reply.
// *rpc.Client satisfies it.
type Notifier interface {
	Call(ctx context.Context, message string) (string, error)
}

// Sender performs one-way sends to a queue, declaring it first.
// *rabbitmq.Publisher satisfies it.
type Sender interface {
	PublishToQueue(ctx context.Context, queue rabbitmq.QueueDeclaration, body []byte) error
}
