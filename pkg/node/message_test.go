package node_test

import (
	"encoding/json"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/flowrelay/ewelink-command/pkg/node"
)

var _ = Describe("Message", func() {
	It("keeps unknown properties and numeric payloads", func() {
		var msg node.Message
		err := json.Unmarshal([]byte(`{"_msgid":"a1","topic":"t","payload":10001,"room":"den"}`), &msg)
		Expect(err).NotTo(HaveOccurred())
		Expect(msg.ID).To(Equal("a1"))
		Expect(msg.Topic).To(Equal("t"))
		Expect(msg.Payload).To(Equal(json.Number("10001")))
		Expect(msg.Fields).To(Equal(map[string]interface{}{"room": "den"}))
		Expect(node.PayloadString(msg.Payload)).To(Equal("10001"))
	})

	It("leaves Fields nil when there are no extra properties", func() {
		var msg node.Message
		Expect(json.Unmarshal([]byte(`{"payload":"x"}`), &msg)).To(Succeed())
		Expect(msg.Fields).To(BeNil())
	})

	It("rejects non-object messages", func() {
		var msg node.Message
		Expect(json.Unmarshal([]byte(`[1,2]`), &msg)).NotTo(Succeed())
		Expect(json.Unmarshal([]byte(`null`), &msg)).NotTo(Succeed())
	})

	It("encodes protobuf payloads with the protobuf JSON mapping", func() {
		result, err := structpb.NewStruct(map[string]interface{}{
			"switch":      "on",
			"temperature": 21.5,
		})
		Expect(err).NotTo(HaveOccurred())
		msg := node.Message{
			ID:      "a1",
			Payload: result,
			Fields:  map[string]interface{}{"room": "den"},
		}
		encoded, err := json.Marshal(msg)
		Expect(err).NotTo(HaveOccurred())
		Expect(encoded).To(MatchJSON(`{"_msgid":"a1","room":"den","payload":{"switch":"on","temperature":21.5}}`))
	})

	It("copies properties when replacing the payload", func() {
		in := node.Message{ID: "a1", Payload: "old", Fields: map[string]interface{}{"room": "den"}}
		out := in.WithPayload("new")
		out.Fields["room"] = "hall"
		Expect(in.Payload).To(Equal("old"))
		Expect(in.Fields["room"]).To(Equal("den"))
		Expect(out.ID).To(Equal("a1"))
	})
})
