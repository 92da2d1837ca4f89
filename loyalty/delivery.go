/*
delivery.go - Rate-limited notification of approved grants

PURPOSE:
  Drains approved grants, renders a message variant for each and sends it
  through a Notifier. At most one outbound send per channel is allowed per
  cooldown window.

COOLDOWN:
  The last-send time lives in a CooldownStore, not in process memory, so
  several workers sharing a store still respect the window. A slot is
  claimed before the send is attempted; a failed send still used its slot.

  The window belongs to the transport, not to the customer's preference.
  When the Notifier routes one channel through another (a fallback), the
  slot is claimed on the channel that actually carries the message.

  Non-blocking (default): when the slot is taken, the grant is left
  approved and the channel is skipped for the rest of the batch. The next
  scheduled run picks it up.
  Blocking: the scheduler sleeps on its Clock until the window elapses.
  Run blocking delivery only in a dedicated worker.

FAILURES:
  A failed send is recorded on the grant (attempt count, last error) and
  the grant stays approved, so the next run retries it.

SHUTDOWN:
  ctx is checked between grants. The grant in flight finishes; the next one
  is not started.
*/
package loyalty

import (
	"context"
	"fmt"
	"time"

	"github.com/oasis-spa/loyalty-engine/observability"
	"go.uber.org/zap"
)

// DefaultCooldown is the minimum interval between two sends on one channel.
const DefaultCooldown = 30 * time.Minute

// Notifier sends a rendered message to a customer over a channel.
type Notifier interface {
	Send(ctx context.Context, channel Channel, to Customer, msg Message) error
}

// ChannelResolver is implemented by notifiers that may carry a channel over
// a different transport. ok is false when nothing can carry it.
type ChannelResolver interface {
	Resolve(channel Channel) (transport Channel, ok bool)
}

// DeliveryConfig tunes the scheduler.
type DeliveryConfig struct {
	Cooldown       time.Duration
	BatchSize      int
	Blocking       bool
	DefaultChannel Channel
}

func (c DeliveryConfig) withDefaults() DeliveryConfig {
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.DefaultChannel == "" {
		c.DefaultChannel = ChannelLog
	}
	return c
}

// DeliveryReport summarises one DeliverNext run.
type DeliveryReport struct {
	Processed int
	Sent      int
	Failed    int
	Deferred  int
	Skipped   int
}

// DeliveryScheduler sends notifications for approved grants.
type DeliveryScheduler struct {
	Store     TxStore
	Ledger    *RewardLedger
	Directory CustomerDirectory
	Cooldowns CooldownStore
	Notifier  Notifier
	Renderer  *MessageRenderer
	Clock     Clock
	Config    DeliveryConfig
	Log       *zap.Logger
}

func NewDeliveryScheduler(store TxStore, ledger *RewardLedger, dir CustomerDirectory, cooldowns CooldownStore, notifier Notifier, clock Clock, cfg DeliveryConfig, log *zap.Logger) *DeliveryScheduler {
	if clock == nil {
		clock = SystemClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &DeliveryScheduler{
		Store:     store,
		Ledger:    ledger,
		Directory: dir,
		Cooldowns: cooldowns,
		Notifier:  notifier,
		Renderer:  NewMessageRenderer(clock.Now().UnixNano()),
		Clock:     clock,
		Config:    cfg.withDefaults(),
		Log:       log.Named("loyalty.delivery"),
	}
}

// DeliverNext processes up to limit approved, unexpired grants, oldest
// first. A limit of zero or less uses Config.BatchSize.
func (d *DeliveryScheduler) DeliverNext(ctx context.Context, limit int) (DeliveryReport, error) {
	cfg := d.Config.withDefaults()
	if limit <= 0 {
		limit = cfg.BatchSize
	}
	var report DeliveryReport

	grants, err := d.Store.DeliverableGrants(ctx, d.Clock.Now(), limit)
	if err != nil {
		return report, fmt.Errorf("load approved grants: %w", err)
	}

	blocked := make(map[Channel]bool)
	for i := range grants {
		if ctx.Err() != nil {
			d.Log.Info("delivery stopped before batch end", zap.Int("remaining", len(grants)-i))
			break
		}
		g := grants[i]
		report.Processed++

		if g.Expired(d.Clock.Now()) {
			report.Skipped++
			continue
		}

		customer, err := d.Directory.GetCustomer(ctx, g.CustomerID)
		if err != nil {
			return report, fmt.Errorf("load customer %s: %w", g.CustomerID, err)
		}
		if customer == nil {
			d.fail(ctx, &report, g, ChannelLog, fmt.Errorf("customer %s: %w", g.CustomerID, ErrCustomerNotFound))
			continue
		}
		preferred := customer.PreferredChannel
		if preferred == "" {
			preferred = cfg.DefaultChannel
		}
		channel, ok := d.transport(preferred)
		if !ok {
			d.fail(ctx, &report, g, preferred, fmt.Errorf("%s: %w", preferred, ErrChannelNotConfigured))
			continue
		}
		if blocked[channel] {
			report.Deferred++
			continue
		}

		msg, err := d.render(ctx, g, *customer)
		if err != nil {
			d.fail(ctx, &report, g, channel, err)
			continue
		}

		acquired, err := d.acquire(ctx, channel, cfg)
		if err != nil {
			return report, err
		}
		if !acquired {
			blocked[channel] = true
			report.Deferred++
			continue
		}

		if err := d.Notifier.Send(ctx, channel, *customer, msg); err != nil {
			d.fail(ctx, &report, g, channel, err)
			continue
		}
		if _, err := d.Ledger.MarkSent(ctx, g.ID, channel, msg.Subject+"\n\n"+msg.Body); err != nil {
			// Sent but not recorded; the grant stays approved and may be resent.
			d.Log.Error("mark sent failed after successful send", zap.String("grant_id", string(g.ID)), zap.Error(err))
			report.Failed++
			continue
		}
		observability.Deliveries.WithLabelValues(string(channel), "sent").Inc()
		report.Sent++
	}

	if report.Processed > 0 {
		d.Log.Info("delivery run finished",
			zap.Int("processed", report.Processed),
			zap.Int("sent", report.Sent),
			zap.Int("failed", report.Failed),
			zap.Int("deferred", report.Deferred),
			zap.Int("skipped", report.Skipped))
	}
	return report, nil
}

func (d *DeliveryScheduler) transport(channel Channel) (Channel, bool) {
	if r, ok := d.Notifier.(ChannelResolver); ok {
		return r.Resolve(channel)
	}
	return channel, true
}

// acquire claims the channel's send slot. In blocking mode it sleeps until
// the slot frees up; otherwise it reports false when the window is open.
func (d *DeliveryScheduler) acquire(ctx context.Context, channel Channel, cfg DeliveryConfig) (bool, error) {
	for {
		ok, wait, err := d.Cooldowns.AcquireSendSlot(ctx, string(channel), d.Clock.Now(), cfg.Cooldown)
		if err != nil {
			return false, fmt.Errorf("acquire send slot for %s: %w", channel, err)
		}
		if ok {
			return true, nil
		}
		observability.CooldownDeferrals.Inc()
		if !cfg.Blocking {
			d.Log.Debug("send deferred by cooldown", zap.String("channel", string(channel)), zap.Duration("wait", wait))
			return false, nil
		}
		d.Log.Info("waiting for cooldown", zap.String("channel", string(channel)), zap.Duration("wait", wait))
		if err := d.Clock.Sleep(ctx, wait); err != nil {
			return false, err
		}
	}
}

func (d *DeliveryScheduler) render(ctx context.Context, g RewardGrant, c Customer) (Message, error) {
	data := MessageData{
		CustomerName:   c.Name,
		RewardName:     string(g.Category),
		RedemptionCode: g.RedemptionCode,
		Tier:           g.TierAtGrant,
		ExpiresAt:      g.ExpiresAt,
	}
	def, err := d.Store.GetDefinition(ctx, g.Category)
	if err != nil {
		return Message{}, fmt.Errorf("load definition %s: %w", g.Category, err)
	}
	if def != nil {
		data.RewardName = def.Name
		data.Description = def.Description
	}
	if d.Renderer == nil {
		d.Renderer = NewMessageRenderer(d.Clock.Now().UnixNano())
	}
	return d.Renderer.Render(g.Category, data)
}

func (d *DeliveryScheduler) fail(ctx context.Context, report *DeliveryReport, g RewardGrant, channel Channel, sendErr error) {
	report.Failed++
	observability.Deliveries.WithLabelValues(string(channel), "failed").Inc()
	d.Log.Error("reward notification failed",
		zap.String("grant_id", string(g.ID)),
		zap.String("channel", string(channel)),
		zap.Error(sendErr))
	if _, err := d.Ledger.RecordDeliveryFailure(ctx, g.ID, sendErr); err != nil {
		d.Log.Error("record delivery failure", zap.String("grant_id", string(g.ID)), zap.Error(err))
	}
}
