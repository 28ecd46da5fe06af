package store_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/irrigation-hub/internal/store"
	"procodus.dev/irrigation-hub/internal/store/storetest"
)

func ptr(v float64) *float64 { return &v }

var _ = Describe("Telemetry and thresholds", func() {
	var (
		ctx context.Context
		s   *store.Store
		t0  time.Time
	)

	BeforeEach(func() {
		ctx = context.Background()
		t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
		s = storetest.MustStore()
		DeferCleanup(storetest.Close, s)
	})

	Describe("RecordTelemetry", func() {
		It("should append the series and keep one snapshot per device", func() {
			Expect(s.RecordTelemetry(ctx, &store.TelemetryReading{
				DeviceID: "dev", RecordedAt: t0, Temperature: ptr(21.5), Humidity: ptr(50),
			})).To(Succeed())
			Expect(s.RecordTelemetry(ctx, &store.TelemetryReading{
				DeviceID: "dev", RecordedAt: t0.Add(time.Minute), Temperature: ptr(22.5),
			})).To(Succeed())

			n, err := s.CountReadings(ctx, "dev")
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(int64(2)))

			snap, err := s.LatestSnapshot(ctx, "dev")
			Expect(err).NotTo(HaveOccurred())
			Expect(*snap.Temperature).To(Equal(22.5))
			Expect(snap.Humidity).To(BeNil())
		})

		It("should not let an older reading overwrite the snapshot", func() {
			Expect(s.RecordTelemetry(ctx, &store.TelemetryReading{
				DeviceID: "dev", RecordedAt: t0.Add(time.Minute), Temperature: ptr(30),
			})).To(Succeed())
			Expect(s.RecordTelemetry(ctx, &store.TelemetryReading{
				DeviceID: "dev", RecordedAt: t0, Temperature: ptr(10),
			})).To(Succeed())

			snap, err := s.LatestSnapshot(ctx, "dev")
			Expect(err).NotTo(HaveOccurred())
			Expect(*snap.Temperature).To(Equal(30.0))
		})

		It("should return the newest snapshot of any device without a device id", func() {
			Expect(s.RecordTelemetry(ctx, &store.TelemetryReading{DeviceID: "a", RecordedAt: t0})).To(Succeed())
			Expect(s.RecordTelemetry(ctx, &store.TelemetryReading{DeviceID: "b", RecordedAt: t0.Add(time.Hour)})).To(Succeed())

			snap, err := s.LatestSnapshot(ctx, "")
			Expect(err).NotTo(HaveOccurred())
			Expect(snap.DeviceID).To(Equal("b"))
		})
	})

	Describe("thresholds", func() {
		It("should return ErrNotFound before the first save", func() {
			_, err := s.LoadThreshold(ctx, "default")
			Expect(err).To(MatchError(store.ErrNotFound))
		})

		It("should upsert by key", func() {
			Expect(s.SaveThreshold(ctx, &store.Threshold{Key: "default", TemperatureHigh: 32})).To(Succeed())
			Expect(s.SaveThreshold(ctx, &store.Threshold{Key: "default", TemperatureHigh: 30})).To(Succeed())

			t, err := s.LoadThreshold(ctx, "default")
			Expect(err).NotTo(HaveOccurred())
			Expect(t.TemperatureHigh).To(Equal(30.0))
		})
	})

	Describe("audit", func() {
		It("should append entries", func() {
			Expect(s.AppendAudit(ctx, &store.AuditLog{
				EventID:   "evt-1",
				EventType: "actuator.command.requested",
				Actor:     "operator",
				DeviceID:  "dev",
				Data:      map[string]any{"pump": true},
			})).To(Succeed())

			logs, err := s.AuditLogs(ctx, "actuator.command.requested", 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(logs).To(HaveLen(1))
			Expect(logs[0].Data).To(HaveKeyWithValue("pump", true))
		})
	})
})
