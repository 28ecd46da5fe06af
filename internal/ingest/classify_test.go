package ingest_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/irrigation-hub/internal/ingest"
	"procodus.dev/irrigation-hub/internal/store"
	"procodus.dev/irrigation-hub/internal/topics"
)

var _ = Describe("Classify", func() {
	layout := topics.New("")
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	It("should decode state reports", func() {
		msg, err := ingest.Classify(layout, "vermilinks/esp32a/state",
			[]byte(`{"pump":true,"valve1":false,"valve2":false,"valve3":true,"float":"low","requestId":"r-1"}`), now)
		Expect(err).NotTo(HaveOccurred())
		Expect(msg.Kind).To(Equal(topics.KindState))
		Expect(msg.Report).NotTo(BeNil())
		Expect(msg.Status).To(BeNil())
		Expect(msg.Telemetry).To(BeNil())
		Expect(msg.Report.DeviceID).To(Equal("esp32a"))
		Expect(msg.Report.Actuators).To(Equal(store.Actuators{Pump: true, Valve3: true}))
		Expect(msg.Report.Float).To(Equal(store.FloatLow))
		Expect(msg.Report.RequestID).To(Equal("r-1"))
	})

	It("should reject state reports missing actuator fields", func() {
		_, err := ingest.Classify(layout, "vermilinks/esp32a/state", []byte(`{"pump":true}`), now)
		Expect(err).To(MatchError(ingest.ErrMalformed))
	})

	It("should decode heartbeats with metadata", func() {
		msg, err := ingest.Classify(layout, "vermilinks/esp32b/status",
			[]byte(`{"online":true,"rssi":-61,"uptime":3600,"extra":"ignored"}`), now)
		Expect(err).NotTo(HaveOccurred())
		Expect(msg.Kind).To(Equal(topics.KindStatus))
		Expect(msg.Status.Online).To(BeTrue())
		Expect(msg.Status.Meta).To(Equal(map[string]any{"rssi": float64(-61), "uptime": float64(3600)}))
	})

	It("should treat heartbeats without an online field as online", func() {
		msg, err := ingest.Classify(layout, "vermilinks/esp32b/status", []byte(`{}`), now)
		Expect(err).NotTo(HaveOccurred())
		Expect(msg.Status.Online).To(BeTrue())
	})

	DescribeTable("presence payloads",
		func(payload string, online bool) {
			msg, err := ingest.Classify(layout, "vermilinks/device_status/esp32a", []byte(payload), now)
			Expect(err).NotTo(HaveOccurred())
			Expect(msg.Kind).To(Equal(topics.KindPresence))
			Expect(msg.DeviceID).To(Equal("esp32a"))
			Expect(msg.Status.Online).To(Equal(online))
		},
		Entry("plain online", "online", true),
		Entry("plain offline with whitespace", " OFFLINE\n", false),
		Entry("json boolean", `{"online":false}`, false),
		Entry("json status", `{"status":"online"}`, true),
	)

	It("should reject unrecognised presence payloads", func() {
		_, err := ingest.Classify(layout, "vermilinks/device_status/esp32a", []byte("maybe"), now)
		Expect(err).To(MatchError(ingest.ErrMalformed))
	})

	It("should map telemetry field aliases", func() {
		msg, err := ingest.Classify(layout, "vermilinks/esp32b/telemetry",
			[]byte(`{"tempC":24.5,"humidity":55,"soil":41,"waterTempC":19.25,"ts":1717243200}`), now)
		Expect(err).NotTo(HaveOccurred())
		r := msg.Telemetry
		Expect(r.DeviceID).To(Equal("esp32b"))
		Expect(*r.Temperature).To(Equal(24.5))
		Expect(*r.Humidity).To(Equal(55.0))
		Expect(*r.Moisture).To(Equal(41.0))
		Expect(*r.SoilTemperature).To(Equal(19.25))
		Expect(r.RecordedAt).To(Equal(time.Unix(1717243200, 0).UTC()))
		Expect(msg.Replayable()).To(BeTrue())
	})

	It("should accept long telemetry names and default the timestamp", func() {
		msg, err := ingest.Classify(layout, "vermilinks/esp32b/telemetry",
			[]byte(`{"temperature":20,"moisture":"n/a","waterTemp":18}`), now)
		Expect(err).NotTo(HaveOccurred())
		r := msg.Telemetry
		Expect(*r.Temperature).To(Equal(20.0))
		Expect(r.Moisture).To(BeNil())
		Expect(r.Humidity).To(BeNil())
		Expect(*r.SoilTemperature).To(Equal(18.0))
		Expect(r.RecordedAt).To(Equal(now))
		Expect(msg.Replayable()).To(BeFalse())
	})

	It("should reject non-object telemetry", func() {
		_, err := ingest.Classify(layout, "vermilinks/esp32b/telemetry", []byte(`[1,2]`), now)
		Expect(err).To(MatchError(ingest.ErrMalformed))
	})

	It("should reject topics outside the layout", func() {
		_, err := ingest.Classify(layout, "other/esp32a/state", []byte(`{}`), now)
		Expect(err).To(MatchError(ingest.ErrUnknownTopic))

		_, err = ingest.Classify(layout, "vermilinks/esp32a/command", []byte(`{}`), now)
		Expect(err).To(MatchError(ingest.ErrUnknownTopic))
	})
})

var _ = Describe("Deduper", func() {
	var (
		now time.Time
		d   *ingest.Deduper
	)

	BeforeEach(func() {
		now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
		d = ingest.NewDeduper(5*time.Second, func() time.Time { return now })
	})

	It("should report repeats inside the window only", func() {
		key := ingest.Key("vermilinks/esp32a/state", []byte(`{"pump":true}`))
		Expect(d.Seen(key)).To(BeFalse())
		Expect(d.Seen(key)).To(BeTrue())

		now = now.Add(6 * time.Second)
		Expect(d.Seen(key)).To(BeFalse())
	})

	It("should distinguish topics with the same payload", func() {
		Expect(ingest.Key("a/b", []byte("x"))).NotTo(Equal(ingest.Key("a/c", []byte("x"))))
	})

	It("should forget keys", func() {
		key := ingest.Key("t", []byte("p"))
		Expect(d.Seen(key)).To(BeFalse())
		d.Forget(key)
		Expect(d.Seen(key)).To(BeFalse())
		Expect(d.Len()).To(Equal(1))
	})

	It("should be disabled by a non-positive window", func() {
		off := ingest.NewDeduper(0, nil)
		Expect(off.Seen("k")).To(BeFalse())
		Expect(off.Seen("k")).To(BeFalse())
	})
})
