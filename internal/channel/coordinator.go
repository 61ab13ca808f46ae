package channel

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ovictorfarias/pegasus/internal/kernel"
	"github.com/ovictorfarias/pegasus/internal/log"
	"github.com/ovictorfarias/pegasus/internal/model"
	"github.com/ovictorfarias/pegasus/internal/session"
)

// IdentityVerifier verifies a bearer credential and returns the identity it
// belongs to.
type IdentityVerifier interface {
	Verify(token string) (string, error)
}

// connState is the lifecycle state of one channel connection.
type connState string

const (
	stateConnecting     connState = "connecting"
	stateAuthenticating connState = "authenticating"
	stateBinding        connState = "binding"
	stateActive         connState = "active"
	stateClosing        connState = "closing"
	stateClosed         connState = "closed"
)

const (
	// defaultTelemetryInterval is the live telemetry cycle period.
	defaultTelemetryInterval = 2 * time.Second
	// teardownTimeout bounds kernel teardown when a channel terminates.
	teardownTimeout = 30 * time.Second
	// restartReason is the close reason of an explicit kernel restart.
	restartReason = "restarting"
)

// CoordinatorConfig is the configuration for the channel coordinator.
type CoordinatorConfig struct {
	Verifier          IdentityVerifier
	Registry          *session.Registry
	Engine            kernel.Engine
	TelemetryInterval time.Duration
	Logger            log.Logger
}

func (c *CoordinatorConfig) defaults() error {
	if c.Verifier == nil {
		return fmt.Errorf("verifier is required")
	}
	if c.Registry == nil {
		return fmt.Errorf("registry is required")
	}
	if c.Engine == nil {
		return fmt.Errorf("engine is required")
	}
	if c.TelemetryInterval <= 0 {
		c.TelemetryInterval = defaultTelemetryInterval
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "channel.Coordinator"})
	return nil
}

// Coordinator owns the websocket execution endpoint. Each accepted connection
// gets its own control loop, execution task slot and telemetry task.
type Coordinator struct {
	verifier          IdentityVerifier
	registry          *session.Registry
	engine            kernel.Engine
	telemetryInterval time.Duration
	upgrader          websocket.Upgrader
	logger            log.Logger
}

// NewCoordinator creates a new channel coordinator.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Coordinator{
		verifier:          cfg.Verifier,
		registry:          cfg.Registry,
		engine:            cfg.Engine,
		telemetryInterval: cfg.TelemetryInterval,
		upgrader: websocket.Upgrader{
			// The API sits behind the reverse proxy that enforces origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: cfg.Logger,
	}, nil
}

// Handle upgrades an HTTP request into a channel connection and runs it to
// completion.
func (c *Coordinator) Handle(w http.ResponseWriter, r *http.Request) {
	wsConn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.Warningf("Could not upgrade connection: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	cn := &connection{
		coordinator: c,
		conn:        wsConn,
		sender:      newEventSender(wsConn),
		ctx:         ctx,
		cancel:      cancel,
		state:       stateConnecting,
		logger:      c.logger,
	}

	cn.run(r.URL.Query().Get("token"))
}

// connection is the per-channel state machine.
type connection struct {
	coordinator *Coordinator
	conn        *websocket.Conn
	sender      *eventSender
	logger      log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	state  connState

	identity string
	kern     *model.Kernel

	execMu     sync.Mutex
	execCancel context.CancelFunc
	execDone   chan struct{}
}

func (c *connection) setState(s connState) {
	c.state = s
	c.logger.Debugf("Channel state: %s", s)
}

// run drives the connection through its states. Kernel teardown is guaranteed
// on every exit path.
func (c *connection) run(token string) {
	defer c.close()

	c.setState(stateAuthenticating)
	identity, err := c.coordinator.verifier.Verify(token)
	if err != nil {
		c.logger.Warningf("Identity check failed: %v", err)
		_ = c.sender.Close(websocket.ClosePolicyViolation, "authentication failed")
		return
	}
	c.identity = identity
	c.logger = c.logger.WithValues(log.Kv{"identity": identity})

	c.setState(stateBinding)
	k, outcome, err := c.coordinator.registry.Acquire(c.ctx, identity)
	if err != nil {
		c.logger.Errorf("Could not bind kernel: %v", err)
		_ = c.sender.Send(model.StderrEvent{Content: fmt.Sprintf("Could not provision kernel: %s", err)})
		_ = c.sender.Close(websocket.CloseInternalServerErr, "kernel provisioning failed")
		return
	}
	c.kern = k

	if outcome == session.AcquireReprovisioned {
		_ = c.sender.Send(model.StatusEvent{Content: "Previous kernel was unhealthy, a fresh one has been provisioned."})
	}
	_ = c.sender.Send(model.StatusEvent{Content: fmt.Sprintf("Kernel ready (tier: %s).", k.Tier)})

	c.setState(stateActive)

	telemetry := &telemetryTask{
		engine:    c.coordinator.engine,
		kernelID:  k.ID,
		mountPath: k.Config.MountPath,
		interval:  c.coordinator.telemetryInterval,
		sender:    c.sender,
		logger:    c.logger,
	}
	go telemetry.run(c.ctx)

	c.controlLoop()
}

// controlLoop reads control messages until the peer disconnects, a read
// fails, or the kernel is restarted.
func (c *connection) controlLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warningf("Channel read failed: %v", err)
			} else {
				c.logger.Debugf("Peer disconnected")
			}
			return
		}

		msg, err := parseClientMessage(data)
		if err != nil {
			_ = c.sender.Send(model.StderrEvent{Content: fmt.Sprintf("Rejected control message: %s", err)})
			continue
		}

		switch msg.Action {
		case ActionExecute:
			c.handleExecute(msg.Code)
		case ActionStopExecution:
			c.handleStop()
		case ActionRestartKernel:
			c.handleRestart()
			return
		}
	}
}

// handleExecute spawns an execution task, rejecting the submission when one
// is already in flight (never queued).
func (c *connection) handleExecute(code string) {
	c.execMu.Lock()
	if c.execRunningLocked() {
		c.execMu.Unlock()
		_ = c.sender.Send(model.StderrEvent{Content: "An execution is already in progress, stop it before submitting more code."})
		return
	}

	execCtx, cancel := context.WithCancel(c.ctx)
	done := make(chan struct{})
	c.execCancel = cancel
	c.execDone = done
	c.execMu.Unlock()

	task := &executionTask{
		engine:   c.coordinator.engine,
		kernelID: c.kern.ID,
		sender:   c.sender,
		logger:   c.logger,
	}

	go func() {
		defer close(done)
		defer cancel()
		task.run(execCtx, code)
	}()
}

// handleStop cancels the in-flight execution task, if any.
func (c *connection) handleStop() {
	c.execMu.Lock()
	running := c.execRunningLocked()
	cancel := c.execCancel
	c.execMu.Unlock()

	if !running {
		_ = c.sender.Send(model.StatusEvent{Content: "No execution in progress, nothing to stop."})
		return
	}

	cancel()
}

// handleRestart cancels any in-flight execution and closes the channel with
// the restart reason. Teardown on the close path destroys the kernel.
func (c *connection) handleRestart() {
	c.execMu.Lock()
	if c.execRunningLocked() {
		c.execCancel()
	}
	done := c.execDone
	c.execMu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-time.After(interruptTimeout):
		}
	}

	_ = c.sender.Send(model.StatusEvent{Content: "Kernel is restarting."})
	_ = c.sender.Close(websocket.CloseNormalClosure, restartReason)
}

// execRunningLocked reports whether an execution task is in flight. Caller
// must hold execMu.
func (c *connection) execRunningLocked() bool {
	if c.execDone == nil {
		return false
	}
	select {
	case <-c.execDone:
		return false
	default:
		return true
	}
}

// close cancels both tasks and releases the kernel. Idempotent side effects
// only, so every termination path can end here.
func (c *connection) close() {
	c.setState(stateClosing)

	// Cancelling the connection context stops the telemetry task and any
	// in-flight execution task.
	c.cancel()

	c.execMu.Lock()
	done := c.execDone
	c.execMu.Unlock()
	if done != nil {
		select {
		case <-done:
		case <-time.After(interruptTimeout):
			c.logger.Warningf("Execution task did not finish in time during teardown")
		}
	}

	if c.kern != nil {
		ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()
		if err := c.coordinator.registry.Release(ctx, c.identity); err != nil {
			c.logger.Errorf("Could not release kernel: %v", err)
		}
	}

	c.conn.Close()
	c.setState(stateClosed)
}
