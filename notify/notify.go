/*
Package notify delivers rendered reward messages to customers.

CHANNELS:
  email:    Resend HTTP API (POST /emails, JSON, bearer token)
  whatsapp: Twilio Messages API (form-encoded, basic auth, "whatsapp:" prefix)
  log:      Writes the message to the structured log; used in development

Router implements loyalty.Notifier and dispatches on the channel the
delivery scheduler resolved for the customer. A channel with no sender
falls back to the router's fallback channel when one is set. Rate limiting
is not done here; the scheduler owns the cooldown and asks Resolve which
transport a channel really uses before claiming a slot.
*/
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/oasis-spa/loyalty-engine/loyalty"
	"go.uber.org/zap"
)

var (
	// ErrChannelNotConfigured is returned when no sender is registered for a channel.
	ErrChannelNotConfigured = loyalty.ErrChannelNotConfigured

	// ErrNoRecipient is returned when the customer has no address for the channel.
	ErrNoRecipient = errors.New("customer has no address for channel")
)

// APIError is a non-2xx response from a provider.
type APIError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API returned %d: %s", e.Provider, e.StatusCode, e.Message)
}

// Sender delivers over one channel.
type Sender interface {
	Send(ctx context.Context, to loyalty.Customer, msg loyalty.Message) error
}

// Router dispatches to the sender registered for each channel.
type Router struct {
	mu       sync.RWMutex
	senders  map[loyalty.Channel]Sender
	fallback loyalty.Channel
	log      *zap.Logger
}

func NewRouter(log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{senders: make(map[loyalty.Channel]Sender), log: log.Named("notify")}
}

// Register sets the sender for a channel, replacing any previous one.
func (r *Router) Register(channel loyalty.Channel, s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders[channel] = s
}

// SetFallback names the channel used when the requested one has no sender.
func (r *Router) SetFallback(channel loyalty.Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = channel
}

// Channels lists registered channels.
func (r *Router) Channels() []loyalty.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]loyalty.Channel, 0, len(r.senders))
	for c := range r.senders {
		out = append(out, c)
	}
	return out
}

// Resolve implements loyalty.ChannelResolver. It names the channel whose
// sender would carry a message for channel.
func (r *Router) Resolve(channel loyalty.Channel) (loyalty.Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	transport, _, ok := r.lookup(channel)
	return transport, ok
}

func (r *Router) lookup(channel loyalty.Channel) (loyalty.Channel, Sender, bool) {
	if s, ok := r.senders[channel]; ok {
		return channel, s, true
	}
	if r.fallback != "" {
		if s, ok := r.senders[r.fallback]; ok {
			return r.fallback, s, true
		}
	}
	return "", nil, false
}

// Send implements loyalty.Notifier.
func (r *Router) Send(ctx context.Context, channel loyalty.Channel, to loyalty.Customer, msg loyalty.Message) error {
	r.mu.RLock()
	transport, s, ok := r.lookup(channel)
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%s: %w", channel, ErrChannelNotConfigured)
	}
	if transport != channel {
		r.log.Debug("channel not configured, using fallback",
			zap.String("channel", string(channel)), zap.String("fallback", string(transport)))
	}
	if err := s.Send(ctx, to, msg); err != nil {
		return fmt.Errorf("send via %s: %w", channel, err)
	}
	r.log.Debug("notification sent", zap.String("channel", string(channel)), zap.String("customer_id", string(to.ID)))
	return nil
}

var (
	_ loyalty.Notifier        = (*Router)(nil)
	_ loyalty.ChannelResolver = (*Router)(nil)
)
