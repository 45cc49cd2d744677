package flow_test

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/flowrelay/ewelink-command/mocks"
	"github.com/flowrelay/ewelink-command/pkg/flow"
	"github.com/flowrelay/ewelink-command/pkg/node"
	"github.com/flowrelay/ewelink-command/pkg/protocol"
)

type delivery struct {
	source string
	msg    node.Message
}

type recordingSink struct {
	sent   chan delivery
	errors chan error

	lock     sync.Mutex
	statuses map[string][]node.State
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		sent:     make(chan delivery, 10),
		errors:   make(chan error, 10),
		statuses: make(map[string][]node.State),
	}
}

func (s *recordingSink) Send(source string, msg node.Message) {
	s.sent <- delivery{source: source, msg: msg}
}

func (s *recordingSink) Status(source string, status node.Status) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.statuses[source] = append(s.statuses[source], status.State)
}

func (s *recordingSink) Error(source string, err error, msg node.Message) {
	s.errors <- err
}

var _ = Describe("Runtime", func() {
	var (
		ctrl      *gomock.Controller
		connector *mocks.MockConnector
		session   *mocks.MockSession
		sink      *recordingSink
		runtime   *flow.Runtime
		result    *structpb.Struct
	)

	BeforeEach(func() {
		ctrl = gomock.NewController(GinkgoT())
		connector = mocks.NewMockConnector(ctrl)
		session = mocks.NewMockSession(ctrl)
		sink = newRecordingSink()

		def, err := flow.Load(strings.NewReader(homeFlow))
		Expect(err).NotTo(HaveOccurred())
		runtime, err = flow.NewRuntime(def, connector, sink)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(runtime.Close)

		result, err = structpb.NewStruct(map[string]interface{}{"switch": "off"})
		Expect(err).NotTo(HaveOccurred())
	})

	It("lists nodes in definition order", func() {
		Expect(runtime.Names()).To(Equal([]string{"living-room", "any-device"}))
		n, ok := runtime.Node("any-device")
		Expect(ok).To(BeTrue())
		Expect(n.Config().DeviceID).To(BeEmpty())
		Expect(runtime.Sessions().ConnectTimeout).To(Equal(5 * time.Second))
	})

	It("routes outbound messages to the sink with a generated id", func() {
		connector.EXPECT().Connect(gomock.Any(), gomock.Any()).Return(session, nil).Times(1)
		session.EXPECT().GetCurrentState(gomock.Any(), "1000abcdef").Return(result, nil)

		id, err := runtime.Inject("living-room", nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(id).NotTo(BeEmpty())

		var d delivery
		Eventually(sink.sent).Should(Receive(&d))
		Expect(d.source).To(Equal("living-room"))
		Expect(d.msg.ID).To(Equal(id))
		Expect(d.msg.Payload).To(BeIdenticalTo(result))
	})

	It("logs in once for nodes sharing credentials", func() {
		connector.EXPECT().Connect(gomock.Any(), gomock.Any()).Return(session, nil).Times(1)
		session.EXPECT().GetCurrentState(gomock.Any(), "1000abcdef").Return(result, nil)
		session.EXPECT().GetCurrentState(gomock.Any(), "54321").Return(result, nil)

		_, err := runtime.Inject("living-room", "")
		Expect(err).NotTo(HaveOccurred())
		_, err = runtime.Inject("any-device", "54321")
		Expect(err).NotTo(HaveOccurred())
		runtime.Wait()

		Expect(sink.sent).To(HaveLen(2))
		Expect(runtime.Sessions().Len()).To(Equal(1))
	})

	It("sends nothing when no device id is available", func() {
		connector.EXPECT().Connect(gomock.Any(), gomock.Any()).Return(session, nil)
		session.EXPECT().GetCurrentState(gomock.Any(), "").Return(result, nil).Times(1)

		_, err := runtime.Inject("any-device", "")
		Expect(err).NotTo(HaveOccurred())
		Consistently(sink.sent, 300*time.Millisecond).ShouldNot(Receive())
		runtime.Wait()
		Expect(sink.errors).NotTo(Receive())
	})

	It("forwards node errors to the sink", func() {
		connector.EXPECT().Connect(gomock.Any(), gomock.Any()).Return(session, nil)
		session.EXPECT().GetCurrentState(gomock.Any(), "1000abcdef").Return(nil, protocol.ErrDeviceOffline)

		_, err := runtime.Inject("living-room", nil)
		Expect(err).NotTo(HaveOccurred())
		var nodeErr error
		Eventually(sink.errors).Should(Receive(&nodeErr))
		Expect(nodeErr).To(MatchError(protocol.ErrDeviceOffline))
	})

	It("keeps caller supplied ids", func() {
		connector.EXPECT().Connect(gomock.Any(), gomock.Any()).Return(session, nil)
		session.EXPECT().GetCurrentState(gomock.Any(), "1000abcdef").Return(result, nil)

		msg := node.Message{ID: "fixed", Topic: "poll"}
		Expect(runtime.Deliver("living-room", &msg)).To(Succeed())
		var d delivery
		Eventually(sink.sent).Should(Receive(&d))
		Expect(d.msg.ID).To(Equal("fixed"))
		Expect(d.msg.Topic).To(Equal("poll"))
	})

	It("rejects unknown nodes and closed runtimes", func() {
		_, err := runtime.Inject("kitchen", nil)
		Expect(err).To(MatchError(flow.ErrUnknownNode))

		runtime.Close()
		_, err = runtime.Inject("living-room", nil)
		Expect(err).To(MatchError(flow.ErrClosed))
	})
})

var _ = Describe("WriterSink", func() {
	It("writes one JSON document per message", func() {
		var buf bytes.Buffer
		sink := flow.NewWriterSink(&buf)
		result, err := structpb.NewStruct(map[string]interface{}{"switch": "on"})
		Expect(err).NotTo(HaveOccurred())

		sink.Send("a", node.Message{ID: "1", Payload: result})
		sink.Send("a", node.Message{ID: "2", Payload: "text"})

		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		Expect(lines).To(HaveLen(2))
		Expect(lines[0]).To(MatchJSON(`{"_msgid":"1","payload":{"switch":"on"}}`))

		var decoded node.Message
		Expect(json.Unmarshal([]byte(lines[1]), &decoded)).To(Succeed())
		Expect(decoded.Payload).To(Equal("text"))
	})
})
