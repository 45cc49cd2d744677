package node_test

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/flowrelay/ewelink-command/mocks"
	"github.com/flowrelay/ewelink-command/pkg/cache"
	"github.com/flowrelay/ewelink-command/pkg/ewelink"
	"github.com/flowrelay/ewelink-command/pkg/node"
	"github.com/flowrelay/ewelink-command/pkg/protocol"
)

var creds = ewelink.Credentials{
	Email:     "owner@example.com",
	Password:  "hunter2",
	Region:    "eu",
	AppID:     "app-id",
	AppSecret: "app-secret",
}

// recorder stands in for the flow host's wires and status channel.
type recorder struct {
	sent   chan node.Message
	errors chan error

	lock     sync.Mutex
	statuses []node.Status
}

func newRecorder() *recorder {
	return &recorder{
		sent:   make(chan node.Message, 10),
		errors: make(chan error, 10),
	}
}

func (r *recorder) Send(msg node.Message) {
	r.sent <- msg
}

func (r *recorder) Status(status node.Status) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.statuses = append(r.statuses, status)
}

func (r *recorder) Error(err error, msg node.Message) {
	r.errors <- err
}

func (r *recorder) states() []node.State {
	r.lock.Lock()
	defer r.lock.Unlock()
	var states []node.State
	for _, s := range r.statuses {
		states = append(states, s.State)
	}
	return states
}

var _ = Describe("CommandNode", func() {
	var (
		ctrl      *gomock.Controller
		connector *mocks.MockConnector
		session   *mocks.MockSession
		sessions  *cache.SessionCache
		rec       *recorder
		result    *structpb.Struct
	)

	BeforeEach(func() {
		var err error
		ctrl = gomock.NewController(GinkgoT())
		connector = mocks.NewMockConnector(ctrl)
		session = mocks.NewMockSession(ctrl)
		sessions = cache.New(connector, 0)
		rec = newRecorder()
		result, err = structpb.NewStruct(map[string]interface{}{"methodResult": "great"})
		Expect(err).NotTo(HaveOccurred())
	})

	newNode := func(deviceID string) *node.CommandNode {
		return node.New(node.Config{Name: "temperature", DeviceID: deviceID, Credentials: creds}, sessions, rec, rec)
	}

	DescribeTable("resolves the device id and applies the output policy",
		func(configured, injected, expectedArgument string, emitted bool) {
			connector.EXPECT().Connect(gomock.Any(), creds).Return(session, nil).Times(1)
			session.EXPECT().GetCurrentState(gomock.Any(), expectedArgument).Return(result, nil).Times(1)

			n := newNode(configured)
			n.Input(node.Message{ID: "m1", Payload: injected})

			if emitted {
				var msg node.Message
				Eventually(rec.sent).Should(Receive(&msg))
				Expect(msg.ID).To(Equal("m1"))
				Expect(msg.Payload).To(BeIdenticalTo(result))
			} else {
				Consistently(rec.sent, 300*time.Millisecond).ShouldNot(Receive())
			}
			n.Wait()
			Expect(rec.errors).NotTo(Receive())
		},
		Entry("configured id, empty payload", "12345", "", "12345", true),
		Entry("no configured id, empty payload", "", "", "", false),
		Entry("no configured id, injected id", "", "54321", "54321", true),
		Entry("configured id wins over injected id", "10001", "54321", "10001", true),
	)

	It("suppresses output for a nil payload but still calls the cloud", func() {
		connector.EXPECT().Connect(gomock.Any(), creds).Return(session, nil)
		session.EXPECT().GetCurrentState(gomock.Any(), "").Return(result, nil).Times(1)

		outcome, err := newNode("").Process(context.Background(), node.Message{})
		Expect(err).NotTo(HaveOccurred())
		Expect(outcome.Emitted).To(BeFalse())
		Expect(outcome.DeviceID.Present()).To(BeFalse())
		Expect(outcome.Result).To(BeIdenticalTo(result))
		Expect(rec.states()).To(Equal([]node.State{node.StateAwaitingSession, node.StateDispatching, node.StateSuppressing}))
	})

	It("preserves message properties on the outbound message", func() {
		connector.EXPECT().Connect(gomock.Any(), creds).Return(session, nil)
		session.EXPECT().GetCurrentState(gomock.Any(), "54321").Return(result, nil)

		in := node.Message{ID: "m2", Topic: "sensors", Payload: "54321", Fields: map[string]interface{}{"room": "den"}}
		outcome, err := newNode("").Process(context.Background(), in)
		Expect(err).NotTo(HaveOccurred())
		Expect(outcome.Emitted).To(BeTrue())
		Expect(outcome.Message.Topic).To(Equal("sensors"))
		Expect(outcome.Message.Fields).To(HaveKeyWithValue("room", "den"))
		Expect(in.Payload).To(Equal("54321"))
		Expect(rec.states()).To(Equal([]node.State{node.StateAwaitingSession, node.StateDispatching, node.StateEmitting}))
	})

	It("shares one session between nodes with the same credentials", func() {
		connector.EXPECT().Connect(gomock.Any(), creds).Return(session, nil).Times(1)
		session.EXPECT().GetCurrentState(gomock.Any(), "1").Return(result, nil)
		session.EXPECT().GetCurrentState(gomock.Any(), "2").Return(result, nil)

		first := newNode("1")
		second := newNode("2")
		first.Input(node.Message{})
		second.Input(node.Message{})
		first.Wait()
		second.Wait()

		Expect(rec.sent).To(HaveLen(2))
		Expect(sessions.Len()).To(Equal(1))
	})

	It("reports command failures instead of sending", func() {
		connector.EXPECT().Connect(gomock.Any(), creds).Return(session, nil)
		session.EXPECT().GetCurrentState(gomock.Any(), "12345").Return(nil, protocol.ErrDeviceOffline)

		n := newNode("12345")
		n.Input(node.Message{})
		var err error
		Eventually(rec.errors).Should(Receive(&err))
		Expect(errors.Is(err, protocol.ErrDeviceOffline)).To(BeTrue())
		n.Wait()
		Expect(rec.sent).NotTo(Receive())
		Expect(rec.states()).To(ContainElement(node.StateFailed))
		Expect(sessions.Len()).To(Equal(1))
	})

	It("retries authentication after a rejected login without reconfiguration", func() {
		errDenied := errors.New("login rejected")
		gomock.InOrder(
			connector.EXPECT().Connect(gomock.Any(), creds).Return(nil, errDenied),
			connector.EXPECT().Connect(gomock.Any(), creds).Return(session, nil),
		)
		session.EXPECT().GetCurrentState(gomock.Any(), "12345").Return(result, nil)

		n := newNode("12345")
		_, err := n.Process(context.Background(), node.Message{})
		Expect(errors.Is(err, errDenied)).To(BeTrue())

		outcome, err := n.Process(context.Background(), node.Message{})
		Expect(err).NotTo(HaveOccurred())
		Expect(outcome.Emitted).To(BeTrue())
	})

	It("discards a session the cloud no longer accepts", func() {
		replacement := mocks.NewMockSession(ctrl)
		gomock.InOrder(
			connector.EXPECT().Connect(gomock.Any(), creds).Return(session, nil),
			connector.EXPECT().Connect(gomock.Any(), creds).Return(replacement, nil),
		)
		session.EXPECT().GetCurrentState(gomock.Any(), "12345").Return(nil, protocol.ErrSessionExpired)
		replacement.EXPECT().GetCurrentState(gomock.Any(), "12345").Return(result, nil)

		n := newNode("12345")
		_, err := n.Process(context.Background(), node.Message{})
		Expect(protocol.IsAuthError(err)).To(BeTrue())
		Expect(sessions.Len()).To(Equal(0))

		outcome, err := n.Process(context.Background(), node.Message{})
		Expect(err).NotTo(HaveOccurred())
		Expect(outcome.Message.Payload).To(BeIdenticalTo(result))
	})

	It("contains panics raised while handling a message", func() {
		connector.EXPECT().Connect(gomock.Any(), creds).Return(session, nil)
		session.EXPECT().GetCurrentState(gomock.Any(), "12345").DoAndReturn(
			func(ctx context.Context, deviceID string) (*structpb.Struct, error) {
				panic("transport exploded")
			})

		n := newNode("12345")
		n.Input(node.Message{})
		var err error
		Eventually(rec.errors).Should(Receive(&err))
		Expect(err.Error()).To(ContainSubstring("transport exploded"))
		n.Wait()
		states := rec.states()
		Expect(states).NotTo(BeEmpty())
		Expect(states[len(states)-1]).To(Equal(node.StateFailed))
	})

	It("fails when the cloud returns no state", func() {
		connector.EXPECT().Connect(gomock.Any(), creds).Return(session, nil)
		session.EXPECT().GetCurrentState(gomock.Any(), "12345").Return(nil, nil)

		outcome, err := newNode("12345").Process(context.Background(), node.Message{Payload: "ignored"})
		Expect(errors.Is(err, protocol.ErrBadResponse)).To(BeTrue())
		Expect(outcome.Emitted).To(BeFalse())
		Expect(rec.states()).To(ContainElement(node.StateFailed))
		Expect(rec.states()).NotTo(ContainElement(node.StateEmitting))
	})

	It("never reports the zero state", func() {
		connector.EXPECT().Connect(gomock.Any(), creds).Return(session, nil)
		session.EXPECT().GetCurrentState(gomock.Any(), "12345").Return(result, nil)

		_, err := newNode("12345").Process(context.Background(), node.Message{})
		Expect(err).NotTo(HaveOccurred())
		Expect(rec.states()).NotTo(ContainElement(node.State(0)))
		Expect(node.State(0).String()).To(Equal("state(0)"))
	})

	It("applies its timeout to invocations", func() {
		connector.EXPECT().Connect(gomock.Any(), creds).Return(session, nil)
		session.EXPECT().GetCurrentState(gomock.Any(), "12345").DoAndReturn(
			func(ctx context.Context, deviceID string) (*structpb.Struct, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			})

		n := newNode("12345")
		n.Timeout = 50 * time.Millisecond
		n.Input(node.Message{})
		var err error
		Eventually(rec.errors).Should(Receive(&err))
		Expect(errors.Is(err, context.DeadlineExceeded)).To(BeTrue())
		n.Wait()
	})

	It("tolerates a nil sender and reporter", func() {
		connector.EXPECT().Connect(gomock.Any(), creds).Return(session, nil)
		session.EXPECT().GetCurrentState(gomock.Any(), "12345").Return(result, nil)

		n := node.New(node.Config{Name: "quiet", DeviceID: "12345", Credentials: creds}, sessions, nil, nil)
		n.Input(node.Message{})
		n.Wait()
		Expect(n.Name()).To(Equal("quiet"))
	})
})
