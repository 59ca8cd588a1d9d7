package ess

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/raterudder/optimshine/pkg/types"
)

const (
	mockPlantName    = "Mock Plant"
	mockCapacityKWH  = 10.0
	mockBatteryVolts = 48.0
)

// Mock is a simulated plant with a single inverter. It lets the optimizer
// run end to end without touching real hardware.
type Mock struct {
	now func() time.Time

	mu       sync.Mutex
	session  *types.Session
	plant    types.Plant
	settings map[types.SettingName]float64
	soc      float64
	lastStep time.Time
}

// NewMock returns a simulated system located at lat, lon whose battery starts
// at 50%.
func NewMock(lat, lon float64) *Mock {
	return &Mock{
		now: time.Now,
		plant: types.Plant{
			ID:        "mock",
			Name:      mockPlantName,
			Latitude:  lat,
			Longitude: lon,
			TimeZone:  "Europe/Warsaw",
		},
		settings: map[types.SettingName]float64{
			types.SettingBatteryChargeCurrent:    600,
			types.SettingBatteryDischargeCurrent: 1000,
		},
		soc: 50,
	}
}

// MockSerial is the serial number of the simulated inverter.
const MockSerial = "MOCK0001"

// Login implements System.
func (m *Mock) Login(ctx context.Context) (types.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess := types.Session{Token: "Bearer_mock", ExpiresAt: m.now().Add(shineMaxTokenTTL)}
	m.session = &sess
	return sess, nil
}

// Session implements System.
func (m *Mock) Session() *types.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	sess := *m.session
	return &sess
}

func (m *Mock) authorized() error {
	if m.session == nil {
		return ErrUnauthorized
	}
	return nil
}

// ListPlants implements System.
func (m *Mock) ListPlants(ctx context.Context) (map[string]types.Plant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.authorized(); err != nil {
		return nil, err
	}
	return map[string]types.Plant{m.plant.Name: m.plant}, nil
}

// ListDevices implements System.
func (m *Mock) ListDevices(ctx context.Context, plantID string, deviceType types.DeviceType) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.authorized(); err != nil {
		return nil, err
	}
	if plantID != m.plant.ID || deviceType != types.DeviceTypeInverter {
		return nil, fmt.Errorf("no %s devices in plant %s", deviceType, plantID)
	}
	return []string{MockSerial}, nil
}

// GetSetting implements System.
func (m *Mock) GetSetting(ctx context.Context, serial string, name types.SettingName) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.authorized(); err != nil {
		return 0, err
	}
	v, ok := m.settings[name]
	if !ok || serial != MockSerial {
		return 0, fmt.Errorf("%s is not supported", name)
	}
	return v, nil
}

// GetDeviceValue implements System.
func (m *Mock) GetDeviceValue(ctx context.Context, serial string, name types.DeviceValueName) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.authorized(); err != nil {
		return 0, err
	}
	if name != types.DeviceValueBatterySOC || serial != MockSerial {
		return 0, fmt.Errorf("%s is not supported", name)
	}
	m.advance(m.now())
	return math.Round(m.soc), nil
}

// SetChargeCurrent implements System.
func (m *Mock) SetChargeCurrent(ctx context.Context, serial string, amps int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.authorized(); err != nil {
		return err
	}
	if serial != MockSerial {
		return fmt.Errorf("unknown device %s", serial)
	}
	// advance with the old current before switching
	m.advance(m.now())
	m.settings[types.SettingBatteryChargeCurrent] = float64(amps * 10)
	return nil
}

// advance simulates the battery up to now in at most 5 minute steps. Solar
// follows a bell curve peaking at 12:30 local time, the home draws a steady
// 0.5kW and the charge current caps how fast solar can fill the battery.
func (m *Mock) advance(now time.Time) {
	if m.lastStep.IsZero() || now.Before(m.lastStep) {
		m.lastStep = now
		return
	}
	loc := m.plant.Location()
	maxChargeKW := m.settings[types.SettingBatteryChargeCurrent] / 10 * mockBatteryVolts / 1000

	step := m.lastStep
	for step.Before(now) {
		end := step.Add(5 * time.Minute)
		if end.After(now) {
			end = now
		}
		hours := end.Sub(step).Hours()
		mid := step.Add(end.Sub(step) / 2).In(loc)
		hour := float64(mid.Hour()) + float64(mid.Minute())/60

		solarKW := 0.0
		if hour >= 6 && hour <= 19 {
			solarKW = 4.0 * math.Sin((hour-6)/13*math.Pi)
		}
		netKW := min(solarKW-0.5, maxChargeKW)

		m.soc += netKW * hours / mockCapacityKWH * 100
		m.soc = max(min(m.soc, 100), 0)
		step = end
	}
	m.lastStep = now
}
