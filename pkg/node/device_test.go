package node_test

import (
	"encoding/json"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/flowrelay/ewelink-command/pkg/node"
)

var _ = Describe("ResolveDeviceID", func() {
	DescribeTable("precedence",
		func(configured string, payload interface{}, expected string, present bool) {
			id := node.ResolveDeviceID(configured, payload)
			Expect(id.Value()).To(Equal(expected))
			Expect(id.Present()).To(Equal(present))
		},
		Entry("configured only", "12345", "", "12345", true),
		Entry("neither", "", "", "", false),
		Entry("nil payload", "", nil, "", false),
		Entry("payload only", "", "54321", "54321", true),
		Entry("configured overrides payload", "10001", "54321", "10001", true),
		Entry("numeric payload", "", json.Number("10001"), "10001", true),
	)
})

type label string

func (l label) String() string { return "device-" + string(l) }

var _ = Describe("PayloadString", func() {
	DescribeTable("conversion",
		func(payload interface{}, expected string) {
			Expect(node.PayloadString(payload)).To(Equal(expected))
		},
		Entry("nil", nil, ""),
		Entry("string", "1000abcdef", "1000abcdef"),
		Entry("bytes", []byte("1000abcdef"), "1000abcdef"),
		Entry("json number", json.Number("12345"), "12345"),
		Entry("integral float", float64(12345), "12345"),
		Entry("fractional float", 1.5, "1.5"),
		Entry("large float", float64(1e21), "1000000000000000000000"),
		Entry("int", 7, "7"),
		Entry("negative int64", int64(-3), "-3"),
		Entry("uint", uint(9), "9"),
		Entry("bool", true, "true"),
		Entry("stringer", label("a"), "device-a"),
		Entry("object", map[string]interface{}{"id": 1}, `{"id":1}`),
		Entry("array", []int{1, 2}, "[1,2]"),
	)
})
