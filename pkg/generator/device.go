// Package generator produces realistic fake irrigation node data for the simulator.
package generator

import (
	"math"
	"math/rand"
	"time"

	"github.com/brianvoe/gofakeit/v7"
)

// Float sensor states reported by the tank.
const (
	FloatHigh = "HIGH"
	FloatLow  = "LOW"
)

// Node is the identity a simulated ESP32 reports in its heartbeat.
type Node struct {
	DeviceID   string
	MacAddress string `fake:"{macaddress}"`
	IPAddress  string `fake:"{ipv4address}"`
	Firmware   string `fake:"{appversion}"`
	Location   string `fake:"{city}"`
}

// NewNode creates a node with a fake network identity.
func NewNode(deviceID string) *Node {
	var node Node
	if err := gofakeit.Struct(&node); err != nil {
		return &Node{DeviceID: deviceID}
	}
	node.DeviceID = deviceID
	return &node
}

// Reading is one telemetry sample in the wire format of the sensor node.
type Reading struct {
	Temperature      float64 `json:"tempC"`
	Humidity         float64 `json:"humidity"`
	SoilMoisture     float64 `json:"soil"`
	WaterTemperature float64 `json:"waterTempC"`
	Timestamp        int64   `json:"ts"`
}

// TelemetryGenerator produces correlated greenhouse readings.
type TelemetryGenerator struct {
	rnd              *rand.Rand
	baselineTemp     float64
	baselineHumidity float64
	moisture         float64
	waterTemp        float64
	noise            float64
}

// NewTelemetryGenerator creates a generator. A nil rnd uses a time-seeded source.
func NewTelemetryGenerator(rnd *rand.Rand) *TelemetryGenerator {
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano())) // #nosec G404 - simulation data
	}
	return &TelemetryGenerator{
		rnd:              rnd,
		baselineTemp:     22.0 + rnd.Float64()*6,  // 22-28°C
		baselineHumidity: 55.0 + rnd.Float64()*10, // 55-65%
		moisture:         45.0 + rnd.Float64()*15,
		waterTemp:        18.0 + rnd.Float64()*3,
		noise:            0.5 + rnd.Float64()*1.5,
	}
}

// GenerateTemperature with a daily pattern peaking early afternoon.
func (g *TelemetryGenerator) GenerateTemperature(t time.Time) float64 {
	hour := float64(t.Hour())
	dailyCycle := 5 * math.Sin((hour-8)*math.Pi/12)
	noise := (g.rnd.Float64() - 0.5) * g.noise

	// Occasional heat spike (3% chance)
	anomaly := 0.0
	if g.rnd.Float64() < 0.03 {
		anomaly = g.rnd.Float64() * 10
	}
	return g.baselineTemp + dailyCycle + noise + anomaly
}

// GenerateHumidity with inverse temperature correlation.
func (g *TelemetryGenerator) GenerateHumidity(t time.Time, temperature float64) float64 {
	hour := float64(t.Hour())
	dailyCycle := -4 * math.Sin((hour-8)*math.Pi/12)
	tempEffect := -(temperature - g.baselineTemp) * 1.5
	noise := (g.rnd.Float64() - 0.5) * g.noise

	humidity := g.baselineHumidity + dailyCycle + tempEffect + noise
	return math.Max(20, math.Min(95, humidity))
}

// GenerateMoisture dries the soil each sample and wets it while watering.
func (g *TelemetryGenerator) GenerateMoisture(temperature float64, watering bool) float64 {
	evaporation := 0.2 + math.Max(0, temperature-25)*0.05
	g.moisture -= evaporation
	if watering {
		g.moisture += 2.5 + g.rnd.Float64()
	}
	g.moisture = math.Max(5, math.Min(95, g.moisture))
	return g.moisture
}

// GenerateWaterTemperature drifts slowly toward the air temperature.
func (g *TelemetryGenerator) GenerateWaterTemperature(temperature float64) float64 {
	g.waterTemp += (temperature - g.waterTemp) * 0.02
	return g.waterTemp
}

// GenerateReading produces a full sample. watering reports whether any valve is open.
func (g *TelemetryGenerator) GenerateReading(t time.Time, watering bool) Reading {
	temperature := g.GenerateTemperature(t)
	humidity := g.GenerateHumidity(t, temperature)
	moisture := g.GenerateMoisture(temperature, watering)
	water := g.GenerateWaterTemperature(temperature)

	return Reading{
		Temperature:      round(temperature, 1),
		Humidity:         round(humidity, 1),
		SoilMoisture:     round(moisture, 1),
		WaterTemperature: round(water, 2),
		Timestamp:        t.Unix(),
	}
}

// Tank models the water reservoir drained by the pump and refilled between cycles.
type Tank struct {
	// Level is the fill level in percent.
	Level float64
	// LowMark is the level at or below which the float reads LOW.
	LowMark float64
	// DrainRate and RefillRate are percent per step.
	DrainRate  float64
	RefillRate float64
}

// NewTank returns a full tank with default rates.
func NewTank() *Tank {
	return &Tank{Level: 100, LowMark: 15, DrainRate: 4, RefillRate: 1}
}

// Step advances the tank by one sample.
func (t *Tank) Step(pumping bool) {
	if pumping {
		t.Level -= t.DrainRate
	} else {
		t.Level += t.RefillRate
	}
	t.Level = math.Max(0, math.Min(100, t.Level))
}

// Float returns the float sensor reading.
func (t *Tank) Float() string {
	if t.Level <= t.LowMark {
		return FloatLow
	}
	return FloatHigh
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
