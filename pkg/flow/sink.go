package flow

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/flowrelay/ewelink-command/internal/log"
	"github.com/flowrelay/ewelink-command/pkg/node"
)

// Sink receives everything the nodes of a Runtime produce. Implementations must be safe for
// concurrent use.
type Sink interface {
	Send(source string, msg node.Message)
	Status(source string, status node.Status)
	Error(source string, err error, msg node.Message)
}

// LogSink writes node activity to the global logger and drops outbound messages.
type LogSink struct{}

func (LogSink) Send(source string, msg node.Message) {
	log.Debug("[%s] Dropping outbound message %s", source, msg.ID)
}

func (LogSink) Status(source string, status node.Status) {
	log.Debug("[%s] %s", source, status)
}

func (LogSink) Error(source string, err error, msg node.Message) {
	log.Error("[%s] %s", source, err)
}

// WriterSink writes each outbound message to W as a line of JSON. Diagnostics go to the global
// logger.
type WriterSink struct {
	LogSink
	W io.Writer

	lock sync.Mutex
}

func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{W: w}
}

func (s *WriterSink) Send(source string, msg node.Message) {
	encoded, err := json.Marshal(msg)
	if err != nil {
		log.Error("[%s] Could not encode outbound message: %s", source, err)
		return
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	if _, err := s.W.Write(append(encoded, '\n')); err != nil {
		log.Error("[%s] Could not write outbound message: %s", source, err)
	}
}

// port binds a node to the runtime's sink under the node's name.
type port struct {
	name string
	sink Sink
}

func (p port) Send(msg node.Message) {
	p.sink.Send(p.name, msg)
}

func (p port) Status(status node.Status) {
	p.sink.Status(p.name, status)
}

func (p port) Error(err error, msg node.Message) {
	p.sink.Error(p.name, err, msg)
}
