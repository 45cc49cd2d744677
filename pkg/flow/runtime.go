package flow

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/flowrelay/ewelink-command/pkg/cache"
	"github.com/flowrelay/ewelink-command/pkg/node"
)

var (
	ErrUnknownNode = errors.New("no such node")
	ErrClosed      = errors.New("runtime is closed")
)

// Runtime hosts the command nodes of a flow. All nodes share one [cache.SessionCache], so nodes
// configured with the same credentials log in once.
type Runtime struct {
	sessions *cache.SessionCache
	nodes    map[string]*node.CommandNode
	names    []string

	lock   sync.RWMutex
	closed bool
}

// NewRuntime creates the nodes described by def. Nodes log in through connector the first time
// they handle a message. Their output goes to sink; a nil sink is replaced with [LogSink].
func NewRuntime(def *Definition, connector cache.Connector, sink Sink) (*Runtime, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		sink = LogSink{}
	}

	sessions := cache.New(connector, def.MaxSessions)
	if def.ConnectTimeout > 0 {
		sessions.ConnectTimeout = def.ConnectTimeout
	}
	r := &Runtime{
		sessions: sessions,
		nodes:    make(map[string]*node.CommandNode, len(def.Nodes)),
	}
	for _, nd := range def.Nodes {
		config := node.Config{
			Name:        nd.Name,
			DeviceID:    nd.DeviceID,
			Credentials: def.Credentials[nd.Credentials],
		}
		p := port{name: nd.Name, sink: sink}
		n := node.New(config, sessions, p, p)
		n.Timeout = nd.Timeout
		r.nodes[nd.Name] = n
		r.names = append(r.names, nd.Name)
	}
	return r, nil
}

// Names returns the node names in definition order.
func (r *Runtime) Names() []string {
	return append([]string(nil), r.names...)
}

func (r *Runtime) Node(name string) (*node.CommandNode, bool) {
	n, ok := r.nodes[name]
	return n, ok
}

// Sessions returns the cache shared by the runtime's nodes.
func (r *Runtime) Sessions() *cache.SessionCache {
	return r.sessions
}

// Inject delivers a new message carrying payload to the named node and returns the message id.
func (r *Runtime) Inject(name string, payload interface{}) (string, error) {
	msg := node.Message{Payload: payload}
	if err := r.Deliver(name, &msg); err != nil {
		return "", err
	}
	return msg.ID, nil
}

// Deliver hands msg to the named node for asynchronous processing. A message without an id is
// assigned one.
func (r *Runtime) Deliver(name string, msg *node.Message) error {
	r.lock.RLock()
	defer r.lock.RUnlock()

	if r.closed {
		return ErrClosed
	}
	n, ok := r.nodes[name]
	if !ok {
		return fmt.Errorf("%w: '%s'", ErrUnknownNode, name)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	n.Input(*msg)
	return nil
}

// Wait blocks until every delivered message has been processed.
func (r *Runtime) Wait() {
	for _, n := range r.nodes {
		n.Wait()
	}
}

// Close stops accepting messages and waits for in-flight ones to finish.
func (r *Runtime) Close() {
	r.lock.Lock()
	r.closed = true
	r.lock.Unlock()
	r.Wait()
}
