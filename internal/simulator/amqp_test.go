package simulator_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/irrigation-hub/internal/simulator"
	"procodus.dev/irrigation-hub/internal/topics"
	"procodus.dev/irrigation-hub/pkg/logger"
	mqmock "procodus.dev/irrigation-hub/pkg/mq/mock"
)

var _ = Describe("Simulator over AMQP", func() {
	It("should bind the command topic and publish on mapped routing keys", func() {
		ctx := context.Background()
		client := mqmock.NewMockClient()

		sim, err := simulator.New(&simulator.Config{
			Logger: logger.Discard(),
			Client: client,
			Topics: topics.New("farm"),
			Now:    func() time.Time { return time.Unix(1717243200, 0) },
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(sim.Start(ctx)).To(Succeed())

		Expect(client.Bindings).To(ConsistOf("farm.esp32a.command"))

		keys := make([]string, 0, len(client.PushCalls))
		for _, c := range client.PushCalls {
			keys = append(keys, c.RoutingKey)
		}
		Expect(keys).To(ContainElements(
			"farm.device_status.esp32a",
			"farm.device_status.esp32b",
			"farm.esp32a.state",
		))

		cmd := []byte(`{"pump":false,"valve1":false,"valve2":true,"valve3":false,"requestId":"req-amqp"}`)
		Expect(client.Handlers).To(HaveLen(1))
		Expect(client.Handlers[0](ctx, "farm/esp32a/command", cmd)).To(Succeed())
		Expect(sim.Actuators().Valve2).To(BeTrue())

		last := client.PushCalls[len(client.PushCalls)-1]
		Expect(last.RoutingKey).To(Equal("farm.esp32a.state"))
		Expect(string(last.Data)).To(ContainSubstring(`"requestId":"req-amqp"`))
	})
})
