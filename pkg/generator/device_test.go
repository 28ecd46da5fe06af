package generator_test

import (
	"encoding/json"
	"math/rand"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/irrigation-hub/pkg/generator"
)

var _ = Describe("Generator", func() {
	Describe("NewNode", func() {
		It("should keep the device id and fake the network identity", func() {
			node := generator.NewNode("esp32a")
			Expect(node.DeviceID).To(Equal("esp32a"))
			Expect(node.MacAddress).NotTo(BeEmpty())
			Expect(node.IPAddress).NotTo(BeEmpty())
		})
	})

	Describe("TelemetryGenerator", func() {
		var g *generator.TelemetryGenerator

		BeforeEach(func() {
			g = generator.NewTelemetryGenerator(rand.New(rand.NewSource(42)))
		})

		It("should produce readings within realistic bounds", func() {
			start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
			for i := range 48 {
				r := g.GenerateReading(start.Add(time.Duration(i)*30*time.Minute), false)
				Expect(r.Temperature).To(BeNumerically(">", 10))
				Expect(r.Temperature).To(BeNumerically("<", 45))
				Expect(r.Humidity).To(BeNumerically(">=", 20))
				Expect(r.Humidity).To(BeNumerically("<=", 95))
				Expect(r.SoilMoisture).To(BeNumerically(">=", 5))
				Expect(r.SoilMoisture).To(BeNumerically("<=", 95))
			}
		})

		It("should raise soil moisture while watering", func() {
			dry := g.GenerateMoisture(20, false)
			wet := g.GenerateMoisture(20, true)
			Expect(wet).To(BeNumerically(">", dry))
		})

		It("should encode the sensor node wire format", func() {
			r := g.GenerateReading(time.Unix(1717243200, 0), false)
			b, err := json.Marshal(r)
			Expect(err).NotTo(HaveOccurred())

			var fields map[string]any
			Expect(json.Unmarshal(b, &fields)).To(Succeed())
			Expect(fields).To(HaveKey("tempC"))
			Expect(fields).To(HaveKey("humidity"))
			Expect(fields).To(HaveKey("soil"))
			Expect(fields).To(HaveKey("waterTempC"))
			Expect(fields).To(HaveKeyWithValue("ts", BeNumerically("==", 1717243200)))
		})
	})

	Describe("Tank", func() {
		It("should drain while pumping until the float reads LOW", func() {
			tank := generator.NewTank()
			Expect(tank.Float()).To(Equal(generator.FloatHigh))

			for range 25 {
				tank.Step(true)
			}
			Expect(tank.Level).To(BeNumerically(">=", 0))
			Expect(tank.Float()).To(Equal(generator.FloatLow))
		})

		It("should refill when the pump is off", func() {
			tank := &generator.Tank{Level: 10, LowMark: 15, DrainRate: 4, RefillRate: 10}
			tank.Step(false)
			Expect(tank.Level).To(Equal(20.0))
			Expect(tank.Float()).To(Equal(generator.FloatHigh))
		})
	})
})
