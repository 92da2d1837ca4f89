package notify

import (
	"context"

	"github.com/oasis-spa/loyalty-engine/loyalty"
	"go.uber.org/zap"
)

// LogSender writes messages to the log instead of sending them.
type LogSender struct {
	Log *zap.Logger
}

func (s LogSender) Send(_ context.Context, to loyalty.Customer, msg loyalty.Message) error {
	log := s.Log
	if log == nil {
		log = zap.NewNop()
	}
	log.Info("reward notification",
		zap.String("customer_id", string(to.ID)),
		zap.String("customer_name", to.Name),
		zap.String("subject", msg.Subject),
		zap.String("body", msg.Body))
	return nil
}
