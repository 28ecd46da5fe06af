package topics_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/irrigation-hub/internal/topics"
	"procodus.dev/irrigation-hub/pkg/broker"
)

var _ = Describe("Layout", func() {
	layout := topics.New("")

	It("should default the prefix", func() {
		Expect(layout.Prefix).To(Equal("vermilinks"))
		Expect(topics.New("/farm/").Prefix).To(Equal("farm"))
	})

	It("should build device topics", func() {
		Expect(layout.State("esp32a")).To(Equal("vermilinks/esp32a/state"))
		Expect(layout.Status("esp32a")).To(Equal("vermilinks/esp32a/status"))
		Expect(layout.Telemetry("esp32b")).To(Equal("vermilinks/esp32b/telemetry"))
		Expect(layout.Command("esp32a")).To(Equal("vermilinks/esp32a/command"))
		Expect(layout.Presence("esp32b")).To(Equal("vermilinks/device_status/esp32b"))
	})

	DescribeTable("Parse",
		func(topic string, kind topics.Kind, device string) {
			k, d := layout.Parse(topic)
			Expect(k).To(Equal(kind))
			Expect(d).To(Equal(device))
		},
		Entry("state", "vermilinks/esp32a/state", topics.KindState, "esp32a"),
		Entry("status", "vermilinks/esp32a/status", topics.KindStatus, "esp32a"),
		Entry("telemetry", "vermilinks/esp32b/telemetry", topics.KindTelemetry, "esp32b"),
		Entry("presence", "vermilinks/device_status/esp32b", topics.KindPresence, "esp32b"),
		Entry("foreign prefix", "other/esp32a/state", topics.KindUnknown, ""),
		Entry("unknown suffix", "vermilinks/esp32a/debug", topics.KindUnknown, ""),
		Entry("too deep", "vermilinks/esp32a/state/extra", topics.KindUnknown, ""),
		Entry("empty device", "vermilinks//state", topics.KindUnknown, ""),
	)

	It("should subscribe to every inbound topic kind", func() {
		filters := layout.Inbound()
		matches := func(topic string) bool {
			for _, f := range filters {
				if broker.MatchTopic(f, topic) {
					return true
				}
			}
			return false
		}

		Expect(matches(layout.State("x"))).To(BeTrue())
		Expect(matches(layout.Status("x"))).To(BeTrue())
		Expect(matches(layout.Telemetry("x"))).To(BeTrue())
		Expect(matches(layout.Presence("x"))).To(BeTrue())
		Expect(matches(layout.Command("x"))).To(BeFalse())
	})
})
