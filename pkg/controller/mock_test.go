package controller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/raterudder/optimshine/pkg/log"
	"github.com/raterudder/optimshine/pkg/scheduler"
	"github.com/raterudder/optimshine/pkg/types"
)

func init() {
	log.SetDefaultLogLevel(slog.LevelError)
}

type mockSystem struct {
	mock.Mock
}

func (m *mockSystem) Login(ctx context.Context) (types.Session, error) {
	args := m.Called(ctx)
	return args.Get(0).(types.Session), args.Error(1)
}

func (m *mockSystem) Session() *types.Session {
	args := m.Called()
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).(*types.Session)
}

func (m *mockSystem) ListPlants(ctx context.Context) (map[string]types.Plant, error) {
	args := m.Called(ctx)
	return args.Get(0).(map[string]types.Plant), args.Error(1)
}

func (m *mockSystem) ListDevices(ctx context.Context, plantID string, deviceType types.DeviceType) ([]string, error) {
	args := m.Called(ctx, plantID, deviceType)
	return args.Get(0).([]string), args.Error(1)
}

func (m *mockSystem) GetSetting(ctx context.Context, serial string, name types.SettingName) (float64, error) {
	args := m.Called(ctx, serial, name)
	return args.Get(0).(float64), args.Error(1)
}

func (m *mockSystem) GetDeviceValue(ctx context.Context, serial string, name types.DeviceValueName) (float64, error) {
	args := m.Called(ctx, serial, name)
	return args.Get(0).(float64), args.Error(1)
}

func (m *mockSystem) SetChargeCurrent(ctx context.Context, serial string, amps int) error {
	args := m.Called(ctx, serial, amps)
	return args.Error(0)
}

type mockWeather struct {
	mock.Mock
}

func (m *mockWeather) FetchWindow(ctx context.Context, lat, lon float64, date string) (types.WeatherWindow, error) {
	args := m.Called(ctx, lat, lon, date)
	return args.Get(0).(types.WeatherWindow), args.Error(1)
}

type mockPrices struct {
	mock.Mock
}

func (m *mockPrices) FetchPrices(ctx context.Context, date string) (types.PriceCurve, error) {
	args := m.Called(ctx, date)
	return args.Get(0).(types.PriceCurve), args.Error(1)
}

type scheduledJob struct {
	at     time.Time
	action scheduler.Action
}

// recordingScheduler keeps the last job registered under every id.
type recordingScheduler struct {
	mu   sync.Mutex
	jobs map[string]scheduledJob
	logs int
}

func newRecordingScheduler() *recordingScheduler {
	return &recordingScheduler{jobs: make(map[string]scheduledJob)}
}

func (r *recordingScheduler) Schedule(id string, at time.Time, action scheduler.Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[id] = scheduledJob{at: at, action: action}
}

func (r *recordingScheduler) LogJobs(context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs++
}

func (r *recordingScheduler) times() map[string]time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	times := make(map[string]time.Time, len(r.jobs))
	for id, j := range r.jobs {
		times[id] = j.at
	}
	return times
}

func (r *recordingScheduler) job(id string) (scheduledJob, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	return j, ok
}
