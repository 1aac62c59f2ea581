package broker

import (
	"context"

	"verdict/pkg/models"
)

type Producer interface {
	Publish(ctx context.Context, topic string, event models.ChangeEvent) error
	Close() error
}
