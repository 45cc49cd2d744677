/*
Package node implements the current-state command node.

For every inbound [Message] the node resolves a device identifier (the configured one, or else the
message payload), obtains the shared cloud session for its account, and asks the cloud for the
device's current state. If an identifier was resolved, the node sends the inbound message onward
with its payload replaced by the result. If not, the request is still made but nothing is sent.

Failures never escape to the host as panics or outbound messages; they are handed to the node's
[Reporter].
*/
package node

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/flowrelay/ewelink-command/internal/log"
	"github.com/flowrelay/ewelink-command/internal/metrics"
	"github.com/flowrelay/ewelink-command/pkg/cache"
	"github.com/flowrelay/ewelink-command/pkg/ewelink"
	"github.com/flowrelay/ewelink-command/pkg/protocol"
)

// State enumerates the phases of a single invocation. A node with no invocation in flight keeps
// reporting the last terminal state; the zero value is not a valid State.
type State int

const (
	StateAwaitingSession State = iota + 1
	StateDispatching
	StateEmitting
	StateSuppressing
	StateFailed
)

var stateNames = map[State]string{
	StateAwaitingSession: "connecting",
	StateDispatching:     "requesting",
	StateEmitting:        "ok",
	StateSuppressing:     "no device id",
	StateFailed:          "error",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Status describes the most recent phase change of a node.
type Status struct {
	State    State
	DeviceID string
	Err      error
}

func (s Status) String() string {
	if s.Err != nil {
		return fmt.Sprintf("%s: %s", s.State, s.Err)
	}
	return s.State.String()
}

// Sender delivers outbound messages along a node's wires.
type Sender interface {
	Send(msg Message)
}

// Reporter receives diagnostics. Implementations must be safe for concurrent use.
type Reporter interface {
	Status(status Status)
	Error(err error, msg Message)
}

// SessionSource supplies shared cloud sessions. [cache.SessionCache] implements it.
type SessionSource interface {
	Acquire(ctx context.Context, creds ewelink.Credentials) (cache.Session, error)
	Invalidate(creds ewelink.Credentials, session cache.Session) bool
}

// Config holds a node's static configuration.
type Config struct {
	Name string
	// DeviceID, if set, takes precedence over identifiers carried in message payloads.
	DeviceID    string
	Credentials ewelink.Credentials
}

// Outcome summarizes one invocation of a node.
type Outcome struct {
	DeviceID DeviceID
	Result   *structpb.Struct
	// Emitted is true if Message should be sent downstream.
	Emitted bool
	Message Message
}

type CommandNode struct {
	// Timeout bounds each invocation started by Input. Zero leaves timeouts to the transport.
	Timeout time.Duration

	config   Config
	sessions SessionSource
	sender   Sender
	reporter Reporter
	inflight sync.WaitGroup
}

type discard struct{}

func (discard) Send(Message)         {}
func (discard) Status(Status)        {}
func (discard) Error(error, Message) {}

// New creates a CommandNode. The sender and reporter may be nil, in which case outbound messages
// and diagnostics are dropped.
func New(config Config, sessions SessionSource, sender Sender, reporter Reporter) *CommandNode {
	if sender == nil {
		sender = discard{}
	}
	if reporter == nil {
		reporter = discard{}
	}
	return &CommandNode{
		config:   config,
		sessions: sessions,
		sender:   sender,
		reporter: reporter,
	}
}

func (n *CommandNode) Name() string {
	return n.config.Name
}

func (n *CommandNode) Config() Config {
	return n.config
}

func (n *CommandNode) setState(state State, id DeviceID, err error) {
	n.reporter.Status(Status{State: state, DeviceID: id.Value(), Err: err})
}

// Process handles msg synchronously and returns what the node would send. It does not call the
// node's Sender; see Input for host-style delivery.
//
// The cloud request is made whether or not a device identifier was resolved. The returned Outcome
// is only marked Emitted if one was.
func (n *CommandNode) Process(ctx context.Context, msg Message) (outcome Outcome, err error) {
	start := time.Now()
	id := ResolveDeviceID(n.config.DeviceID, msg.Payload)
	outcome.DeviceID = id
	defer func() {
		// A panic leaves outcome.Result unset and counts as a failure.
		result := metrics.OutcomeFailed
		switch {
		case err != nil:
			n.setState(StateFailed, id, err)
		case outcome.Emitted:
			result = metrics.OutcomeEmitted
		case outcome.Result != nil:
			result = metrics.OutcomeSuppressed
		}
		metrics.ObserveCommand(result, time.Since(start).Seconds())
	}()

	n.setState(StateAwaitingSession, id, nil)
	session, err := n.sessions.Acquire(ctx, n.config.Credentials)
	if err != nil {
		return outcome, fmt.Errorf("could not open cloud session for %s: %w", n.config.Credentials, err)
	}

	n.setState(StateDispatching, id, nil)
	log.Debug("[%s] Requesting state of device '%s'", n.config.Name, id)
	result, err := session.GetCurrentState(ctx, id.Value())
	if err != nil {
		if protocol.IsAuthError(err) {
			n.sessions.Invalidate(n.config.Credentials, session)
		}
		return outcome, fmt.Errorf("could not read state of device '%s': %w", id, err)
	}
	if result == nil {
		return outcome, fmt.Errorf("%w: no state returned for device '%s'", protocol.ErrBadResponse, id)
	}
	outcome.Result = result

	if !id.Present() {
		log.Debug("[%s] No device id configured or supplied; discarding result", n.config.Name)
		n.setState(StateSuppressing, id, nil)
		return outcome, nil
	}
	outcome.Emitted = true
	outcome.Message = msg.WithPayload(result)
	n.setState(StateEmitting, id, nil)
	return outcome, nil
}

// Input handles msg asynchronously, the way a flow host delivers messages. The outbound message,
// if any, goes to the node's Sender; errors go to its Reporter.
func (n *CommandNode) Input(msg Message) {
	n.inflight.Add(1)
	go func() {
		defer n.inflight.Done()
		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("panic while handling message: %v", r)
				log.Error("[%s] %s", n.config.Name, err)
				n.setState(StateFailed, ResolveDeviceID(n.config.DeviceID, msg.Payload), err)
				n.reporter.Error(err, msg)
			}
		}()

		ctx := context.Background()
		if n.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, n.Timeout)
			defer cancel()
		}
		outcome, err := n.Process(ctx, msg)
		if err != nil {
			log.Warning("[%s] %s", n.config.Name, err)
			n.reporter.Error(err, msg)
			return
		}
		if outcome.Emitted {
			n.sender.Send(outcome.Message)
		}
	}()
}

// Wait blocks until every invocation started by Input has finished.
func (n *CommandNode) Wait() {
	n.inflight.Wait()
}
