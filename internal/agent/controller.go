package agent

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/3cpo-dev/relaynode/internal/command"
	"github.com/3cpo-dev/relaynode/internal/identity"
	"github.com/3cpo-dev/relaynode/internal/relay"
	"github.com/3cpo-dev/relaynode/internal/telemetry"
	"github.com/3cpo-dev/relaynode/pkg/api"
)

// Relay is the control-plane client.
type Relay interface {
	Register(ctx context.Context, nodeName, computerName string) (string, error)
	Heartbeat(ctx context.Context, nodeID string) ([]api.Command, error)
	SendCommandResult(ctx context.Context, commandID string, result any)
}

// Dispatcher executes one decoded command.
type Dispatcher interface {
	Execute(ctx context.Context, cmd command.Command) command.Result
}

// Supervisor runs the workload loop and owns the running flag.
type Supervisor interface {
	Run(ctx context.Context) error
	Stop()
	Running() bool
	Done() <-chan struct{}
}

// Options configures the heartbeat loop.
type Options struct {
	HeartbeatInterval time.Duration
	// SeenTTL and SeenSize bound the duplicate command id memory.
	SeenTTL  time.Duration
	SeenSize int
}

// Controller ties the relay, dispatcher and supervisor together.
type Controller struct {
	identity   identity.NodeIdentity
	relay      Relay
	dispatcher Dispatcher
	supervisor Supervisor
	opts       Options
	seen       *seenSet
	logger     zerolog.Logger

	mu     sync.RWMutex
	nodeID string
}

// New creates a Controller.
func New(id identity.NodeIdentity, relay Relay, dispatcher Dispatcher, supervisor Supervisor, opts Options) *Controller {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.SeenTTL <= 0 {
		opts.SeenTTL = time.Hour
	}
	if opts.SeenSize <= 0 {
		opts.SeenSize = 1024
	}
	return &Controller{
		identity:   id,
		relay:      relay,
		dispatcher: dispatcher,
		supervisor: supervisor,
		opts:       opts,
		seen:       newSeenSet(opts.SeenTTL, opts.SeenSize),
		logger:     log.With().Str("component", "controller").Str("node_name", id.NodeName).Logger(),
	}
}

// NodeID returns the relay-assigned id, empty until registration succeeds.
func (c *Controller) NodeID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nodeID
}

// Registered reports whether the node holds a relay id.
func (c *Controller) Registered() bool { return c.NodeID() != "" }

// Run starts the supervision loop and the heartbeat loop and waits for both.
// Cancelling ctx stops the agent.
func (c *Controller) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.supervisor.Run(gctx)
	})
	g.Go(func() error {
		c.heartbeatLoop(gctx)
		return nil
	})
	err := g.Wait()
	c.logger.Info().Msg("Agent stopped")
	return err
}

func (c *Controller) heartbeatLoop(ctx context.Context) {
	c.logger.Info().Dur("interval", c.opts.HeartbeatInterval).Msg("Starting heartbeat loop")
	defer c.logger.Info().Msg("Heartbeat loop stopped")

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			c.supervisor.Stop()
			return
		case <-c.supervisor.Done():
			return
		case <-timer.C:
		}

		if !c.supervisor.Running() {
			return
		}
		if c.cycle(ctx) {
			return
		}
		timer.Reset(c.opts.HeartbeatInterval)
	}
}

// cycle runs one register/heartbeat/dispatch round. It reports whether a
// stop command was processed.
func (c *Controller) cycle(ctx context.Context) bool {
	nodeID := c.NodeID()
	if nodeID == "" {
		id, err := c.relay.Register(ctx, c.identity.NodeName, c.identity.ComputerName)
		if err != nil {
			telemetry.GaugeGlobal("relaynode_registered", 0, nil)
			c.logger.Warn().Msg("Not registered with relay, will retry next cycle")
			return false
		}
		c.mu.Lock()
		c.nodeID = id
		c.mu.Unlock()
		nodeID = id
		telemetry.GaugeGlobal("relaynode_registered", 1, nil)
	}

	cmds, err := c.relay.Heartbeat(ctx, nodeID)
	telemetry.CounterGlobal("relaynode_heartbeats_total", 1, nil)
	if relay.IsStatus(err, http.StatusNotFound) {
		c.logger.Warn().Str("node_id", nodeID).Msg("Relay no longer knows this node, re-registering")
		c.mu.Lock()
		c.nodeID = ""
		c.mu.Unlock()
		telemetry.GaugeGlobal("relaynode_registered", 0, nil)
		return false
	}
	return c.process(ctx, cmds)
}

// process dispatches commands in arrival order and answers each one. A stop
// command ends the batch; later commands in it are not executed. A repeated
// command id is answered with an error instead of running twice.
func (c *Controller) process(ctx context.Context, cmds []api.Command) bool {
	for _, raw := range cmds {
		cmd := command.FromAPI(raw)
		if cmd.ID != "" && c.seen.checkAndMark(cmd.ID) {
			c.logger.Warn().Str("command_id", cmd.ID).Msg("Duplicate command not executed")
			telemetry.CounterGlobal("relaynode_commands_duplicate_total", 1, nil)
			c.relay.SendCommandResult(ctx, cmd.ID, command.ErrorResult("Duplicate command: "+cmd.ID))
			continue
		}

		res := c.dispatcher.Execute(ctx, cmd)
		c.relay.SendCommandResult(ctx, cmd.ID, res)

		if cmd.Terminal() {
			c.logger.Info().Str("command_id", cmd.ID).Msg("Stop command processed")
			return true
		}
	}
	return false
}
