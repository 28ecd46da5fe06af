package commands_test

import (
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/irrigation-hub/internal/commands"
	"procodus.dev/irrigation-hub/internal/store"
)

var _ = Describe("ValidateDesiredState", func() {
	It("should accept four booleans", func() {
		a, err := commands.ValidateDesiredState([]byte(`{"pump":true,"valve1":false,"valve2":true,"valve3":false}`))
		Expect(err).NotTo(HaveOccurred())
		Expect(a).To(Equal(store.Actuators{Pump: true, Valve2: true}))
	})

	DescribeTable("rejections name the offending field",
		func(body, field, message string) {
			_, err := commands.ValidateDesiredState([]byte(body))
			var verr *commands.ValidationError
			Expect(errors.As(err, &verr)).To(BeTrue())
			Expect(verr.Field).To(Equal(field))
			Expect(verr.Message).To(Equal(message))
		},
		Entry("missing pump", `{"valve1":false,"valve2":false,"valve3":false}`, "pump", "pump is required"),
		Entry("string valve2", `{"pump":true,"valve1":false,"valve2":"yes","valve3":false}`, "valve2", "valve2 must be boolean"),
		Entry("numeric valve3", `{"pump":true,"valve1":false,"valve2":false,"valve3":1}`, "valve3", "valve3 must be boolean"),
		Entry("null valve1", `{"pump":true,"valve1":null,"valve2":false,"valve3":false}`, "valve1", "valve1 must be boolean"),
		Entry("not an object", `[true]`, "", "Payload required"),
		Entry("empty body", ``, "", "Payload required"),
	)
})

var _ = Describe("DecodeReport", func() {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	It("should apply defaults for optional fields", func() {
		r, err := commands.DecodeReport("dev", []byte(`{"pump":false,"valve1":false,"valve2":false,"valve3":false}`), now)
		Expect(err).NotTo(HaveOccurred())
		Expect(r.Float).To(Equal(store.FloatUnknown))
		Expect(r.Source).To(Equal(commands.SourceApplied))
		Expect(r.RequestID).To(BeEmpty())
		Expect(r.ReportedAt).To(Equal(now))
	})

	It("should read float, source, requestId and ts", func() {
		r, err := commands.DecodeReport("dev", []byte(
			`{"pump":true,"valve1":false,"valve2":false,"valve3":true,"float":"low","source":"safety_override","requestId":"X","ts":1700000000}`,
		), now)
		Expect(err).NotTo(HaveOccurred())
		Expect(r.Actuators).To(Equal(store.Actuators{Pump: true, Valve3: true}))
		Expect(r.Float).To(Equal(store.FloatLow))
		Expect(r.Source).To(Equal("safety_override"))
		Expect(r.RequestID).To(Equal("X"))
		Expect(r.ReportedAt).To(Equal(time.Unix(1700000000, 0).UTC()))
	})

	It("should reject a report missing an actuator", func() {
		_, err := commands.DecodeReport("dev", []byte(`{"pump":true}`), now)
		Expect(err).To(MatchError("valve1 is required"))
	})
})

var _ = DescribeTable("NormalizeFloat",
	func(v any, want string) {
		Expect(commands.NormalizeFloat(v)).To(Equal(want))
	},
	Entry("upper string", "HIGH", store.FloatHigh),
	Entry("lower string", " low ", store.FloatLow),
	Entry("zero", 0.0, store.FloatLow),
	Entry("negative", -1.0, store.FloatLow),
	Entry("positive", 1.0, store.FloatHigh),
	Entry("true", true, store.FloatHigh),
	Entry("false", false, store.FloatLow),
	Entry("garbage", "wet", store.FloatUnknown),
	Entry("nil", nil, store.FloatUnknown),
)

var _ = Describe("Diff", func() {
	It("should return nothing for identical snapshots", func() {
		a := store.Actuators{Pump: true}
		Expect(commands.Diff(a, a)).To(BeEmpty())
	})

	It("should list each changed field in order", func() {
		prev := store.Actuators{Pump: true, Valve2: true}
		cur := store.Actuators{Valve1: true, Valve2: true}
		Expect(commands.Diff(prev, cur)).To(Equal([]commands.Transition{
			{Actuator: "pump", From: true, To: false},
			{Actuator: "valve1", From: false, To: true},
		}))
	})

	It("should classify sources", func() {
		Expect(commands.TriggeredBy("safety_override")).To(Equal("automatic"))
		Expect(commands.TriggeredBy("SAFETY")).To(Equal("automatic"))
		Expect(commands.TriggeredBy("manual")).To(Equal("manual"))
		Expect(commands.TriggeredBy("")).To(Equal("manual"))
	})
})
