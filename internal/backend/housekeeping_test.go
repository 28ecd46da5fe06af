package backend_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"procodus.dev/irrigation-hub/internal/alerts"
	"procodus.dev/irrigation-hub/internal/backend"
	"procodus.dev/irrigation-hub/internal/commands"
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

var _ = Describe("Housekeeper", func() {
	var (
		ctx      context.Context
		clock    time.Time
		s        *store.Store
		reg      *registry.Registry
		rec      *commands.Reconciler
		hs       *health.Server
		checkErr error
		keeper   *backend.Housekeeper
	)

	BeforeEach(func() {
		ctx = context.Background()
		clock = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
		checkErr = nil
		s = storetest.MustStore(store.WithClock(func() time.Time { return clock }))
		DeferCleanup(storetest.Close, s)
		events := &realtime.Recorder{}

		var err error
		reg, err = registry.New(&registry.Config{Logger: logger.Discard(), Store: s, Publisher: events})
		Expect(err).NotTo(HaveOccurred())
		engine, err := alerts.New(&alerts.Config{
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

		hs = health.NewServer()
		keeper, err = backend.NewHousekeeper(&backend.HousekeeperConfig{
			Logger:   logger.Discard(),
			Presence: reg,
			Commands: rec,
			Health:   hs,
			Check:    func(context.Context) error { return checkErr },
		})
		Expect(err).NotTo(HaveOccurred())
	})

	servingStatus := func() healthpb.HealthCheckResponse_ServingStatus {
		resp, err := hs.Check(ctx, &healthpb.HealthCheckRequest{})
		Expect(err).NotTo(HaveOccurred())
		return resp.GetStatus()
	}

	It("should validate the config", func() {
		_, err := backend.NewHousekeeper(&backend.HousekeeperConfig{Logger: logger.Discard()})
		Expect(err).To(MatchError(ContainSubstring("presence")))
	})

	It("should mark silent devices offline and expire stale commands", func() {
		reg.Touch(ctx, "esp32a")
		res, err := rec.CreateCommand(ctx, commands.Request{Desired: store.Actuators{Valve1: true}})
		Expect(err).NotTo(HaveOccurred())

		keeper.RunOnce(ctx)
		Expect(reg.IsOnline(ctx, "esp32a")).To(BeTrue())

		clock = clock.Add(commands.DefaultCommandTTL + time.Minute)
		keeper.RunOnce(ctx)

		device, err := s.GetDevice(ctx, "esp32a")
		Expect(err).NotTo(HaveOccurred())
		Expect(device.Online).To(BeFalse())

		cmd, err := s.GetCommand(ctx, res.RequestID)
		Expect(err).NotTo(HaveOccurred())
		Expect(cmd.Status).To(Equal(store.CommandFailed))
	})

	It("should report gRPC health from the check", func() {
		keeper.RunOnce(ctx)
		Expect(servingStatus()).To(Equal(healthpb.HealthCheckResponse_SERVING))

		checkErr = errors.New("broker disconnected")
		keeper.RunOnce(ctx)
		Expect(servingStatus()).To(Equal(healthpb.HealthCheckResponse_NOT_SERVING))
	})

	It("should stop when the context is canceled", func() {
		runCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			keeper.Run(runCtx)
		}()
		cancel()
		Eventually(done).Should(BeClosed())
	})
})
