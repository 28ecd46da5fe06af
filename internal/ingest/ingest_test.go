package ingest_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/irrigation-hub/internal/alerts"
	"procodus.dev/irrigation-hub/internal/commands"
	"procodus.dev/irrigation-hub/internal/ingest"
	"procodus.dev/irrigation-hub/internal/realtime"
	"procodus.dev/irrigation-hub/internal/registry"
	"procodus.dev/irrigation-hub/internal/store"
	"procodus.dev/irrigation-hub/internal/store/storetest"
	"procodus.dev/irrigation-hub/internal/thresholds"
	"procodus.dev/irrigation-hub/pkg/broker/mock"
	"procodus.dev/irrigation-hub/pkg/logger"
)

type defaultThresholds struct{}

func (defaultThresholds) Get(context.Context) thresholds.Config { return thresholds.Defaults() }

type seriesRecorder struct {
	err      error
	readings []*store.TelemetryReading
}

func (r *seriesRecorder) WriteTelemetry(_ context.Context, reading *store.TelemetryReading) error {
	r.readings = append(r.readings, reading)
	return r.err
}

type failingResolver struct{ calls int }

func (f *failingResolver) ResolveStateReport(context.Context, commands.Report) error {
	f.calls++
	return errors.New("database unavailable")
}

var _ = Describe("Ingestor", func() {
	var (
		ctx     context.Context
		clock   time.Time
		s       *store.Store
		events  *realtime.Recorder
		reg     *registry.Registry
		engine  *alerts.Engine
		rec     *commands.Reconciler
		mirror  *seriesRecorder
		handler *ingest.Ingestor
		yes     = true
	)

	newIngestor := func(resolver ingest.StateResolver, window time.Duration) *ingest.Ingestor {
		i, err := ingest.New(&ingest.Config{
			Logger:      logger.Discard(),
			Store:       s,
			Presence:    reg,
			Reconciler:  resolver,
			Alerts:      engine,
			Series:      mirror,
			Events:      events,
			DedupWindow: window,
		})
		Expect(err).NotTo(HaveOccurred())
		return i
	}

	BeforeEach(func() {
		ctx = context.Background()
		clock = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
		s = storetest.MustStore(store.WithClock(func() time.Time { return clock }))
		DeferCleanup(storetest.Close, s)
		events = &realtime.Recorder{}
		mirror = &seriesRecorder{}

		var err error
		reg, err = registry.New(&registry.Config{Logger: logger.Discard(), Store: s, Publisher: events})
		Expect(err).NotTo(HaveOccurred())
		engine, err = alerts.New(&alerts.Config{
			Logger: logger.Discard(), Store: s, Thresholds: defaultThresholds{}, Publisher: events,
		})
		Expect(err).NotTo(HaveOccurred())
		rec, err = commands.New(&commands.Config{
			Logger:    logger.Discard(),
			Store:     s,
			Transport: mock.NewClient(),
			Alerts:    engine,
			Presence:  reg,
			Events:    events,
		})
		Expect(err).NotTo(HaveOccurred())
		handler = newIngestor(rec, 0)
	})

	It("should validate the config", func() {
		_, err := ingest.New(&ingest.Config{Logger: logger.Discard(), Store: s})
		Expect(err).To(MatchError("presence cannot be nil"))
	})

	It("should subscribe to every inbound topic", func() {
		client := mock.NewClient()
		Expect(handler.Subscribe(ctx, client)).To(Succeed())

		Expect(client.Deliver(ctx, "vermilinks/esp32b/status", []byte(`{"online":true}`))).To(Succeed())
		Expect(reg.IsOnline(ctx, "esp32b")).To(BeTrue())
	})

	Describe("telemetry", func() {
		It("should store, mirror, touch presence, evaluate alerts and broadcast", func() {
			Expect(handler.Handle(ctx, "vermilinks/esp32b/telemetry", []byte(`{"tempC":36,"humidity":50}`))).To(Succeed())

			n, err := s.CountReadings(ctx, "esp32b")
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(int64(1)))

			snap, err := s.LatestSnapshot(ctx, "esp32b")
			Expect(err).NotTo(HaveOccurred())
			Expect(*snap.Temperature).To(Equal(36.0))

			Expect(mirror.readings).To(HaveLen(1))
			Expect(reg.IsOnline(ctx, "esp32b")).To(BeTrue())

			active, err := s.ListAlerts(ctx, store.AlertFilter{Active: &yes})
			Expect(err).NotTo(HaveOccurred())
			Expect(active).To(HaveLen(1))
			Expect(active[0].Type).To(Equal(alerts.TypeTemperatureHigh))
			Expect(active[0].Level).To(Equal(store.LevelCritical))

			Expect(events.Count(realtime.EventTelemetryUpdate)).To(Equal(1))
		})

		It("should keep going when the series mirror fails", func() {
			mirror.err = errors.New("influx down")
			Expect(handler.Handle(ctx, "vermilinks/esp32b/telemetry", []byte(`{"tempC":22}`))).To(Succeed())
			Expect(events.Count(realtime.EventTelemetryUpdate)).To(Equal(1))
		})
	})

	Describe("state", func() {
		It("should hand reports to the reconciler", func() {
			payload := `{"pump":false,"valve1":true,"valve2":false,"valve3":false,"float":"HIGH"}`
			Expect(handler.Handle(ctx, "vermilinks/esp32a/state", []byte(payload))).To(Succeed())

			state, err := s.GetActuatorState(ctx, "esp32a")
			Expect(err).NotTo(HaveOccurred())
			Expect(state.Valve1).To(BeTrue())
			Expect(state.FloatState).To(Equal(store.FloatHigh))
		})

		It("should drop malformed reports without touching state", func() {
			Expect(handler.Handle(ctx, "vermilinks/esp32a/state", []byte(`{"pump":"on"}`))).To(Succeed())
			_, err := s.GetActuatorState(ctx, "esp32a")
			Expect(err).To(MatchError(store.ErrNotFound))
		})

		It("should return resolver errors and accept the redelivery", func() {
			failing := &failingResolver{}
			h := newIngestor(failing, time.Minute)
			payload := []byte(`{"pump":false,"valve1":false,"valve2":false,"valve3":false}`)

			Expect(h.Handle(ctx, "vermilinks/esp32a/state", payload)).To(MatchError("database unavailable"))
			Expect(h.Handle(ctx, "vermilinks/esp32a/state", payload)).To(HaveOccurred())
			Expect(failing.calls).To(Equal(2))
		})
	})

	Describe("status and presence", func() {
		It("should mark devices online with metadata from heartbeats", func() {
			Expect(handler.Handle(ctx, "vermilinks/esp32a/status", []byte(`{"online":true,"rssi":-70}`))).To(Succeed())

			device, err := s.GetDevice(ctx, "esp32a")
			Expect(err).NotTo(HaveOccurred())
			Expect(device.Online).To(BeTrue())
			Expect(device.Metadata).To(HaveKeyWithValue("rssi", BeNumerically("==", -70)))
			Expect(events.Count(realtime.EventDeviceStatus)).To(Equal(1))
		})

		It("should follow last-will presence messages", func() {
			Expect(handler.Handle(ctx, "vermilinks/device_status/esp32a", []byte("online"))).To(Succeed())
			Expect(reg.IsOnline(ctx, "esp32a")).To(BeTrue())

			Expect(handler.Handle(ctx, "vermilinks/device_status/esp32a", []byte("offline"))).To(Succeed())
			Expect(reg.IsOnline(ctx, "esp32a")).To(BeFalse())
			Expect(events.Count(realtime.EventDeviceStatus)).To(Equal(2))
		})

		It("should mark devices offline from an explicit heartbeat flag", func() {
			Expect(handler.Handle(ctx, "vermilinks/esp32a/status", []byte(`{"online":true}`))).To(Succeed())
			Expect(handler.Handle(ctx, "vermilinks/esp32a/status", []byte(`{"online":false}`))).To(Succeed())
			Expect(reg.IsOnline(ctx, "esp32a")).To(BeFalse())
		})
	})

	It("should drop identical redeliveries inside the window", func() {
		payload := []byte(`{"tempC":25,"ts":1748779200}`)
		Expect(handler.Handle(ctx, "vermilinks/esp32b/telemetry", payload)).To(Succeed())
		Expect(handler.Handle(ctx, "vermilinks/esp32b/telemetry", payload)).To(Succeed())

		n, err := s.CountReadings(ctx, "esp32b")
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(int64(1)))

		clock = clock.Add(ingest.DefaultDedupWindow + time.Second)
		Expect(handler.Handle(ctx, "vermilinks/esp32b/telemetry", payload)).To(Succeed())
		n, err = s.CountReadings(ctx, "esp32b")
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(int64(2)))
	})

	It("should record repeated readings that carry no device timestamp", func() {
		payload := []byte(`{"tempC":25}`)
		for range 3 {
			Expect(handler.Handle(ctx, "vermilinks/esp32b/telemetry", payload)).To(Succeed())
		}

		n, err := s.CountReadings(ctx, "esp32b")
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(int64(3)))
	})

	It("should still drop a redelivered state report", func() {
		payload := []byte(`{"pump":false,"valve1":true,"valve2":false,"valve3":false,"float":"HIGH","source":"manual"}`)
		Expect(handler.Handle(ctx, "vermilinks/esp32a/state", payload)).To(Succeed())
		Expect(handler.Handle(ctx, "vermilinks/esp32a/state", payload)).To(Succeed())
		Expect(events.Count(realtime.EventActuatorState)).To(Equal(1))
	})

	It("should ignore unknown topics", func() {
		Expect(handler.Handle(ctx, "elsewhere/thing", []byte(`{}`))).To(Succeed())
		Expect(events.Events()).To(BeEmpty())
	})
})
