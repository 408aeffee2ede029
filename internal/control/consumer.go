package control

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aristath/asv8/internal/clock"
	"github.com/aristath/asv8/internal/domain"
	"github.com/aristath/asv8/internal/notifier"
	"github.com/aristath/asv8/internal/persistence"
	"github.com/rs/zerolog"
)

// EmergencyExitFunc is invoked by the consumer when an EMERGENCY_EXIT
// command arrives; the strategy engine registers its close-everything
// path here so the consumer stays free of order logic.
type EmergencyExitFunc func(ctx context.Context, traceID, actor string) error

// Consumer polls the control-command queue every CONTROL_POLL_SECONDS,
// applies the semantic effect of each NEW command, marks it PROCESSED
// (or ERROR with a reason), and republishes the control snapshot.
type Consumer struct {
	commands  *persistence.CommandRepository
	config    *persistence.ConfigRepository
	state     *State
	notify    notifier.Notifier
	clock     clock.Clock
	log       zerolog.Logger
	defaults  Snapshot
	pollEvery time.Duration

	onEmergencyExit EmergencyExitFunc

	// subscribers receive the msgpack-encoded snapshot after every
	// refresh; delivery is best-effort (a full channel is skipped) so
	// a stalled worker can never wedge the consumer.
	subscribers []chan []byte
}

// ConsumerConfig wires a Consumer's collaborators.
type ConsumerConfig struct {
	Commands  *persistence.CommandRepository
	Config    *persistence.ConfigRepository
	State     *State
	Notifier  notifier.Notifier
	Clock     clock.Clock
	Defaults  Snapshot
	PollEvery time.Duration
}

// NewConsumer constructs a Consumer.
func NewConsumer(cfg ConsumerConfig, log zerolog.Logger) *Consumer {
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 2 * time.Second
	}
	return &Consumer{
		commands:  cfg.Commands,
		config:    cfg.Config,
		state:     cfg.State,
		notify:    cfg.Notifier,
		clock:     cfg.Clock,
		defaults:  cfg.Defaults,
		pollEvery: cfg.PollEvery,
		log:       log.With().Str("component", "control_consumer").Logger(),
	}
}

// OnEmergencyExit registers the engine's close-everything callback.
func (c *Consumer) OnEmergencyExit(fn EmergencyExitFunc) { c.onEmergencyExit = fn }

// Subscribe returns a channel carrying the encoded snapshot after
// every refresh. Must be called before Run.
func (c *Consumer) Subscribe() <-chan []byte {
	ch := make(chan []byte, 1)
	c.subscribers = append(c.subscribers, ch)
	return ch
}

// Run polls until ctx is cancelled. Commands are consumed
// at-least-once; every apply path below is idempotent so a crash
// between apply and MarkProcessed is safe.
func (c *Consumer) Run(ctx context.Context) {
	c.log.Info().Dur("poll_every", c.pollEvery).Msg("control consumer started")

	// Publish an initial snapshot so workers see current config even
	// before the first command arrives.
	if err := c.refreshSnapshot(ctx); err != nil {
		c.log.Error().Err(err).Msg("initial snapshot refresh failed")
	}

	ticker := time.NewTicker(c.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.log.Info().Msg("control consumer stopped")
			return
		case <-ticker.C:
			if err := c.pollOnce(ctx); err != nil {
				c.log.Error().Err(err).Msg("control poll failed")
			}
		}
	}
}

// pollOnce drains every currently-NEW command, then refreshes the
// snapshot once, keeping operator round-trip latency inside the 1-3 s
// contract even when commands arrive in bursts.
func (c *Consumer) pollOnce(ctx context.Context) error {
	applied := 0
	for {
		cmd, err := c.commands.ClaimNextNew(ctx)
		if err != nil {
			return fmt.Errorf("claim command: %w", err)
		}
		if cmd == nil {
			break
		}
		c.apply(ctx, cmd)
		applied++
	}

	if applied > 0 {
		return c.refreshSnapshot(ctx)
	}
	return nil
}

func (c *Consumer) apply(ctx context.Context, cmd *domain.ControlCommand) {
	c.log.Info().
		Int64("command_id", cmd.ID).
		Str("command", cmd.Command).
		Str("trace_id", cmd.TraceID).
		Str("actor", cmd.Actor).
		Msg("applying control command")

	var err error
	switch cmd.Command {
	case domain.CommandHalt:
		err = c.config.Write(ctx, domain.ConfigKeyHaltTrading, "true",
			cmd.Actor, "HALT", cmd.TraceID, domain.ReasonManualHalt, "operator halted trading")
	case domain.CommandResume:
		err = c.applyResume(ctx, cmd)
	case domain.CommandEmergencyExit:
		err = c.applyEmergencyExit(ctx, cmd)
	case domain.CommandConfigUpdate:
		err = c.applyConfigUpdate(ctx, cmd)
	default:
		err = fmt.Errorf("unrecognized command %q", cmd.Command)
	}

	if err != nil {
		c.log.Error().Err(err).Int64("command_id", cmd.ID).Msg("command failed")
		if markErr := c.commands.MarkError(ctx, cmd.ID, "MANUAL_COMMAND_FAILED", err.Error()); markErr != nil {
			c.log.Error().Err(markErr).Int64("command_id", cmd.ID).Msg("mark error failed")
		}
		return
	}

	if err := c.commands.MarkProcessed(ctx, cmd.ID); err != nil {
		c.log.Error().Err(err).Int64("command_id", cmd.ID).Msg("mark processed failed")
	}
}

// applyResume clears both the halt and the emergency flag: the breaker
// never self-clears, so RESUME is the only way out.
func (c *Consumer) applyResume(ctx context.Context, cmd *domain.ControlCommand) error {
	if err := c.config.Write(ctx, domain.ConfigKeyHaltTrading, "false",
		cmd.Actor, "RESUME", cmd.TraceID, domain.ReasonManualResume, "operator resumed trading"); err != nil {
		return err
	}
	return c.config.Write(ctx, domain.ConfigKeyEmergencyExit, "false",
		cmd.Actor, "RESUME", cmd.TraceID, domain.ReasonManualResume, "operator cleared emergency exit")
}

func (c *Consumer) applyEmergencyExit(ctx context.Context, cmd *domain.ControlCommand) error {
	if err := c.config.Write(ctx, domain.ConfigKeyHaltTrading, "true",
		cmd.Actor, "EMERGENCY_EXIT", cmd.TraceID, domain.ReasonEmergencyExit, "emergency exit: trading halted"); err != nil {
		return err
	}
	if err := c.config.Write(ctx, domain.ConfigKeyEmergencyExit, "true",
		cmd.Actor, "EMERGENCY_EXIT", cmd.TraceID, domain.ReasonEmergencyExit, "emergency exit: closing all positions"); err != nil {
		return err
	}

	if c.onEmergencyExit != nil {
		if err := c.onEmergencyExit(ctx, cmd.TraceID, cmd.Actor); err != nil {
			return fmt.Errorf("emergency exit handler: %w", err)
		}
	}

	if c.notify != nil {
		_ = c.notify.SendSystemAlert(ctx, map[string]interface{}{
			"trace_id":    cmd.TraceID,
			"actor":       cmd.Actor,
			"reason_code": domain.ReasonEmergencyExit,
			"summary":     "emergency exit executed, trading halted",
		})
	}
	return nil
}

type configUpdatePayload struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (c *Consumer) applyConfigUpdate(ctx context.Context, cmd *domain.ControlCommand) error {
	var p configUpdatePayload
	if err := json.Unmarshal([]byte(cmd.Payload), &p); err != nil {
		return fmt.Errorf("parse config update payload: %w", err)
	}
	if p.Key == "" {
		return fmt.Errorf("config update payload missing key")
	}
	return c.config.Write(ctx, p.Key, p.Value,
		cmd.Actor, "CONFIG_UPDATE", cmd.TraceID, domain.ReasonManualConfigUpdate,
		fmt.Sprintf("operator set %s", p.Key))
}

// refreshSnapshot rebuilds the snapshot from system_config and
// publishes it to the atomic state and every subscriber.
func (c *Consumer) refreshSnapshot(ctx context.Context) error {
	rows, err := c.config.All(ctx)
	if err != nil {
		return fmt.Errorf("read config for snapshot: %w", err)
	}

	snap := FromConfigRows(rows, c.defaults, c.clock.Now())
	c.state.Publish(snap)

	encoded, err := snap.Encode()
	if err != nil {
		return err
	}
	for _, ch := range c.subscribers {
		select {
		case ch <- encoded:
		default:
		}
	}
	return nil
}
