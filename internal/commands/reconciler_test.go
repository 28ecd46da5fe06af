package commands_test

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/irrigation-hub/internal/alerts"
	"procodus.dev/irrigation-hub/internal/audit"
	"procodus.dev/irrigation-hub/internal/commands"
	"procodus.dev/irrigation-hub/internal/realtime"
	"procodus.dev/irrigation-hub/internal/registry"
	"procodus.dev/irrigation-hub/internal/store"
	"procodus.dev/irrigation-hub/internal/store/storetest"
	"procodus.dev/irrigation-hub/internal/thresholds"
	"procodus.dev/irrigation-hub/pkg/broker/mock"
	"procodus.dev/irrigation-hub/pkg/logger"
)

type fixedThresholds struct{}

func (fixedThresholds) Get(context.Context) thresholds.Config { return thresholds.Defaults() }

var _ = Describe("Reconciler", func() {
	var (
		ctx       context.Context
		clock     time.Time
		s         *store.Store
		transport *mock.Client
		events    *realtime.Recorder
		reg       *registry.Registry
		engine    *alerts.Engine
		rec       *commands.Reconciler
		yes       = true
	)

	newReconciler := func(mutate func(*commands.Config)) *commands.Reconciler {
		cfg := &commands.Config{
			Logger:    logger.Discard(),
			Store:     s,
			Transport: transport,
			Alerts:    engine,
			Presence:  reg,
			Events:    events,
			Audit:     audit.NewRecorder(audit.NewStoreSink(s), logger.Discard()),
		}
		if mutate != nil {
			mutate(cfg)
		}
		r, err := commands.New(cfg)
		Expect(err).NotTo(HaveOccurred())
		return r
	}

	report := func(a store.Actuators, float, source, requestID string) commands.Report {
		return commands.Report{
			DeviceID:   "esp32a",
			Actuators:  a,
			Float:      float,
			Source:     source,
			RequestID:  requestID,
			ReportedAt: clock,
		}
	}

	activeAlerts := func(alertType string) []store.Alert {
		list, err := s.ListAlerts(ctx, store.AlertFilter{Active: &yes, Type: alertType, DeviceID: "esp32a"})
		Expect(err).NotTo(HaveOccurred())
		return list
	}

	pendingCount := func() int64 {
		var n int64
		Expect(s.DB().Model(&store.PendingCommand{}).
			Where("status IN ?", store.PendingStatuses).
			Count(&n).Error).To(Succeed())
		return n
	}

	BeforeEach(func() {
		ctx = context.Background()
		clock = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
		s = storetest.MustStore(store.WithClock(func() time.Time { return clock }))
		DeferCleanup(storetest.Close, s)
		transport = mock.NewClient()
		events = &realtime.Recorder{}

		var err error
		reg, err = registry.New(&registry.Config{Logger: logger.Discard(), Store: s, Publisher: events})
		Expect(err).NotTo(HaveOccurred())
		engine, err = alerts.New(&alerts.Config{
			Logger: logger.Discard(), Store: s, Thresholds: fixedThresholds{}, Publisher: events,
		})
		Expect(err).NotTo(HaveOccurred())
		rec = newReconciler(nil)
	})

	Describe("New", func() {
		It("should validate the config", func() {
			_, err := commands.New(nil)
			Expect(err).To(HaveOccurred())
			_, err = commands.New(&commands.Config{Logger: logger.Discard(), Store: s, Alerts: engine, Presence: reg})
			Expect(err).To(MatchError(ContainSubstring("transport cannot be nil")))
		})
	})

	Describe("CreateCommand", func() {
		desired := store.Actuators{Pump: true, Valve1: false, Valve2: true, Valve3: false}

		It("should persist a sent command and publish it with the request id", func() {
			res, err := rec.CreateCommand(ctx, commands.Request{Desired: desired, Actor: "operator"})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.RequestID).NotTo(BeEmpty())

			cmd, err := s.GetCommand(ctx, res.RequestID)
			Expect(err).NotTo(HaveOccurred())
			Expect(cmd.Status).To(Equal(store.CommandSent))
			Expect(cmd.DeviceID).To(Equal(commands.DefaultDeviceID))

			calls := transport.Published()
			Expect(calls).To(HaveLen(1))
			Expect(calls[0].Topic).To(Equal("vermilinks/esp32a/command"))
			Expect(calls[0].QoS).To(Equal(byte(1)))
			Expect(string(calls[0].Payload)).To(MatchJSON(
				`{"pump":true,"valve1":false,"valve2":true,"valve3":false,"requestId":"` + res.RequestID + `"}`,
			))

			logs, err := s.AuditLogs(ctx, audit.EventCommandRequested, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(logs).To(HaveLen(1))
			Expect(logs[0].Actor).To(Equal("operator"))
			Expect(events.Count(realtime.EventCommandUpdate)).To(Equal(1))
		})

		It("should reject a second command with the original request id and no new row", func() {
			first, err := rec.CreateCommand(ctx, commands.Request{Desired: desired})
			Expect(err).NotTo(HaveOccurred())

			_, err = rec.CreateCommand(ctx, commands.Request{Desired: store.Actuators{}})
			Expect(err).To(MatchError(commands.ErrPendingExists))
			Expect(commands.RequestIDOf(err)).To(Equal(first.RequestID))

			var total int64
			Expect(s.DB().Model(&store.PendingCommand{}).Count(&total).Error).To(Succeed())
			Expect(total).To(Equal(int64(1)))
			Expect(transport.Published()).To(HaveLen(1))
		})

		It("should lock out the pump while the float is LOW and write no row", func() {
			Expect(rec.ResolveStateReport(ctx, report(store.Actuators{}, store.FloatLow, "applied", ""))).To(Succeed())

			_, err := rec.CreateCommand(ctx, commands.Request{Desired: store.Actuators{Pump: true}})
			Expect(err).To(MatchError(commands.ErrPumpLockedOut))

			var total int64
			Expect(s.DB().Model(&store.PendingCommand{}).Count(&total).Error).To(Succeed())
			Expect(total).To(BeZero())
		})

		It("should still allow valve commands while the float is LOW", func() {
			Expect(rec.ResolveStateReport(ctx, report(store.Actuators{}, store.FloatLow, "applied", ""))).To(Succeed())

			_, err := rec.CreateCommand(ctx, commands.Request{Desired: store.Actuators{Valve1: true}})
			Expect(err).NotTo(HaveOccurred())
		})

		It("should mark the command failed when publish fails and not block the next one", func() {
			transport.PublishError = errors.New("broker unreachable")

			_, err := rec.CreateCommand(ctx, commands.Request{Desired: desired})
			Expect(err).To(MatchError(commands.ErrPublishFailed))
			requestID := commands.RequestIDOf(err)
			Expect(requestID).NotTo(BeEmpty())

			cmd, err := s.GetCommand(ctx, requestID)
			Expect(err).NotTo(HaveOccurred())
			Expect(cmd.Status).To(Equal(store.CommandFailed))
			Expect(*cmd.Error).To(ContainSubstring("broker unreachable"))
			Expect(pendingCount()).To(BeZero())

			transport.PublishError = nil
			_, err = rec.CreateCommand(ctx, commands.Request{Desired: desired})
			Expect(err).NotTo(HaveOccurred())
		})

		It("should reject offline devices when RequireOnline is set", func() {
			strict := newReconciler(func(c *commands.Config) { c.RequireOnline = true })

			_, err := strict.CreateCommand(ctx, commands.Request{Desired: desired})
			Expect(err).To(MatchError(commands.ErrDeviceOffline))

			reg.Touch(ctx, "esp32a")
			_, err = strict.CreateCommand(ctx, commands.Request{Desired: desired})
			Expect(err).NotTo(HaveOccurred())
		})
	})

	Describe("ResolveStateReport", func() {
		It("should acknowledge a matching report and store it as the response", func() {
			desired := store.Actuators{Pump: true}
			res, err := rec.CreateCommand(ctx, commands.Request{Desired: desired})
			Expect(err).NotTo(HaveOccurred())

			Expect(rec.ResolveStateReport(ctx, report(desired, store.FloatHigh, "applied", res.RequestID))).To(Succeed())

			cmd, err := s.GetCommand(ctx, res.RequestID)
			Expect(err).NotTo(HaveOccurred())
			Expect(cmd.Status).To(Equal(store.CommandAcknowledged))
			Expect(cmd.Error).To(BeNil())
			Expect(cmd.AckAt).NotTo(BeNil())
			Expect(cmd.ResponseState).To(Equal(&store.ReportedState{
				Actuators: desired,
				Float:     store.FloatHigh,
				Source:    "applied",
				RequestID: res.RequestID,
			}))
		})

		It("should record a mismatch", func() {
			res, err := rec.CreateCommand(ctx, commands.Request{Desired: store.Actuators{Valve1: true}})
			Expect(err).NotTo(HaveOccurred())

			Expect(rec.ResolveStateReport(ctx, report(store.Actuators{}, store.FloatHigh, "applied", res.RequestID))).To(Succeed())

			cmd, err := s.GetCommand(ctx, res.RequestID)
			Expect(err).NotTo(HaveOccurred())
			Expect(cmd.Status).To(Equal(store.CommandMismatch))
			Expect(*cmd.Error).To(Equal("Device state mismatch"))
		})

		It("should ignore a report carrying another request id", func() {
			res, err := rec.CreateCommand(ctx, commands.Request{Desired: store.Actuators{Valve1: true}})
			Expect(err).NotTo(HaveOccurred())

			Expect(rec.ResolveStateReport(ctx, report(store.Actuators{Valve1: true}, store.FloatHigh, "applied", "stale-id"))).To(Succeed())

			cmd, err := s.GetCommand(ctx, res.RequestID)
			Expect(err).NotTo(HaveOccurred())
			Expect(cmd.Status).To(Equal(store.CommandSent))
		})

		It("should apply state and float logic for an unmatched request id", func() {
			Expect(rec.ResolveStateReport(ctx, report(store.Actuators{Pump: true}, store.FloatHigh, "manual", ""))).To(Succeed())
			Expect(rec.ResolveStateReport(ctx, report(store.Actuators{Valve3: true}, store.FloatLow, "manual", "nobody"))).To(Succeed())

			state, err := s.GetActuatorState(ctx, "esp32a")
			Expect(err).NotTo(HaveOccurred())
			Expect(state.Actuators()).To(Equal(store.Actuators{Valve3: true}))
			Expect(state.FloatState).To(Equal(store.FloatLow))

			logs, err := s.ActuatorLogs(ctx, "esp32a", 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(logs).To(HaveLen(2))
			Expect(activeAlerts(alerts.TypeFloatLow)).To(HaveLen(1))
		})

		It("should not write transition logs for the first report", func() {
			Expect(rec.ResolveStateReport(ctx, report(store.Actuators{Pump: true}, store.FloatHigh, "manual", ""))).To(Succeed())
			logs, err := s.ActuatorLogs(ctx, "esp32a", 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(logs).To(BeEmpty())
		})

		It("should handle the float LOW safety override sequence idempotently", func() {
			Expect(rec.ResolveStateReport(ctx, report(store.Actuators{Pump: true}, store.FloatHigh, "manual", ""))).To(Succeed())
			res, err := rec.CreateCommand(ctx, commands.Request{Desired: store.Actuators{Pump: true, Valve1: true}})
			Expect(err).NotTo(HaveOccurred())

			override := report(store.Actuators{}, store.FloatLow, "safety_override", res.RequestID)
			Expect(rec.ResolveStateReport(ctx, override)).To(Succeed())

			cmd, err := s.GetCommand(ctx, res.RequestID)
			Expect(err).NotTo(HaveOccurred())
			Expect(cmd.Status).To(Equal(store.CommandAcknowledged))
			Expect(cmd.Error).To(BeNil())

			Expect(activeAlerts(alerts.TypePumpEmergencyShutdown)).To(HaveLen(1))
			Expect(activeAlerts(alerts.TypeFloatLow)).To(HaveLen(1))

			logs, err := s.ActuatorLogs(ctx, "esp32a", 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(logs).To(HaveLen(1))
			Expect(logs[0].Actuator).To(Equal("pump"))
			Expect(logs[0].Action).To(Equal("off"))
			Expect(logs[0].TriggeredBy).To(Equal("automatic"))

			Expect(rec.ResolveStateReport(ctx, override)).To(Succeed())
			Expect(activeAlerts(alerts.TypePumpEmergencyShutdown)).To(HaveLen(1))
			Expect(activeAlerts(alerts.TypeFloatLow)).To(HaveLen(1))

			var total int64
			Expect(s.DB().Model(&store.Alert{}).Count(&total).Error).To(Succeed())
			Expect(total).To(Equal(int64(2)))
		})

		It("should clear float alerts when the float recovers", func() {
			Expect(rec.ResolveStateReport(ctx, report(store.Actuators{}, store.FloatLow, "manual", ""))).To(Succeed())
			Expect(activeAlerts(alerts.TypeFloatLow)).To(HaveLen(1))

			Expect(rec.ResolveStateReport(ctx, report(store.Actuators{}, store.FloatHigh, "manual", ""))).To(Succeed())
			Expect(activeAlerts(alerts.TypeFloatLow)).To(BeEmpty())
		})

		It("should mark the device online and emit state and per-actuator events", func() {
			Expect(rec.ResolveStateReport(ctx, report(store.Actuators{Pump: true}, store.FloatHigh, "manual", ""))).To(Succeed())

			Expect(reg.IsOnline(ctx, "esp32a")).To(BeTrue())
			Expect(events.Count(realtime.EventActuatorState)).To(Equal(1))
			Expect(events.Count(realtime.EventActuatorUpdate)).To(Equal(4))

			for _, ev := range events.Events() {
				if ev.Name != realtime.EventActuatorState {
					continue
				}
				b, err := json.Marshal(ev.Payload)
				Expect(err).NotTo(HaveOccurred())
				Expect(string(b)).To(ContainSubstring(`"pump":true`))
			}
		})
	})

	Describe("Lookup", func() {
		It("should report no confirmation after the confirm wait without mutating the row", func() {
			res, err := rec.CreateCommand(ctx, commands.Request{Desired: store.Actuators{Valve2: true}})
			Expect(err).NotTo(HaveOccurred())

			view, err := rec.Lookup(ctx, res.RequestID)
			Expect(err).NotTo(HaveOccurred())
			Expect(view.NoConfirmation).To(BeFalse())

			clock = clock.Add(commands.DefaultConfirmWait + time.Second)
			view, err = rec.Lookup(ctx, res.RequestID)
			Expect(err).NotTo(HaveOccurred())
			Expect(view.NoConfirmation).To(BeTrue())
			Expect(view.Status).To(Equal(store.CommandSent))
		})

		It("should return ErrNotFound for unknown ids", func() {
			_, err := rec.Lookup(ctx, "missing")
			Expect(err).To(MatchError(store.ErrNotFound))
		})
	})

	Describe("Latest", func() {
		It("should combine device state and pending command", func() {
			Expect(rec.ResolveStateReport(ctx, report(store.Actuators{}, store.FloatHigh, "manual", ""))).To(Succeed())
			res, err := rec.CreateCommand(ctx, commands.Request{Desired: store.Actuators{Valve2: true}})
			Expect(err).NotTo(HaveOccurred())

			latest, err := rec.Latest(ctx, "")
			Expect(err).NotTo(HaveOccurred())
			Expect(latest.DeviceState).NotTo(BeNil())
			Expect(latest.PendingCommand).NotTo(BeNil())
			Expect(latest.PendingCommand.RequestID).To(Equal(res.RequestID))
		})

		It("should return empty fields for an unknown device", func() {
			latest, err := rec.Latest(ctx, "ghost")
			Expect(err).NotTo(HaveOccurred())
			Expect(latest.DeviceState).To(BeNil())
			Expect(latest.PendingCommand).To(BeNil())
		})
	})

	Describe("ExpireStale", func() {
		It("should fail commands pending past the TTL", func() {
			res, err := rec.CreateCommand(ctx, commands.Request{Desired: store.Actuators{Valve2: true}})
			Expect(err).NotTo(HaveOccurred())

			n, err := rec.ExpireStale(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(BeZero())

			clock = clock.Add(commands.DefaultCommandTTL + time.Minute)
			n, err = rec.ExpireStale(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(1))

			cmd, err := s.GetCommand(ctx, res.RequestID)
			Expect(err).NotTo(HaveOccurred())
			Expect(cmd.Status).To(Equal(store.CommandFailed))
			Expect(*cmd.Error).To(Equal("expired without device confirmation"))

			_, err = rec.CreateCommand(ctx, commands.Request{Desired: store.Actuators{Valve2: true}})
			Expect(err).NotTo(HaveOccurred())
		})
	})
})
