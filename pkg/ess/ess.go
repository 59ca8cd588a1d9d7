package ess

import (
	"context"
	"errors"
	"fmt"

	"github.com/levenlabs/go-lflag"

	"github.com/raterudder/optimshine/pkg/types"
)

var (
	// ErrUnauthorized is returned when a call needs a session but Login never
	// succeeded.
	ErrUnauthorized = errors.New("session is not authorized")

	// ErrCommandTimeout is returned when the device didn't acknowledge a
	// setting command in time.
	ErrCommandTimeout = errors.New("command timeout")
)

// System defines the interface for interacting with an inverter vendor cloud
// (like FelicitySolar Shine).
type System interface {
	// Login authenticates and stores a fresh session.
	Login(ctx context.Context) (types.Session, error)

	// Session returns the current session or nil if Login never succeeded.
	Session() *types.Session

	// ListPlants returns the account's plants keyed by plant name.
	ListPlants(ctx context.Context) (map[string]types.Plant, error)

	// ListDevices returns the serial numbers of a plant's devices of a type.
	ListDevices(ctx context.Context, plantID string, deviceType types.DeviceType) ([]string, error)

	// GetSetting returns the raw value of a device setting.
	GetSetting(ctx context.Context, serial string, name types.SettingName) (float64, error)

	// GetDeviceValue returns a live reading of a device.
	GetDeviceValue(ctx context.Context, serial string, name types.DeviceValueName) (float64, error)

	// SetChargeCurrent sets the battery charge current and waits for the
	// device to acknowledge it.
	SetChargeCurrent(ctx context.Context, serial string, amps int) error
}

type configured struct {
	System
}

// Configured sets up the vendor system from flags. Besides FelicitySolar
// Shine there's a simulated plant in Warsaw for dry runs.
func Configured() System {
	c := &configured{}
	shine := configuredShine()
	provider := lflag.String("ess", "shine", "Which system to control (shine or mock)")

	lflag.Do(func() {
		switch *provider {
		case "shine":
			c.System = shine
		case "mock":
			c.System = NewMock(52.2297, 21.0122)
		default:
			panic(fmt.Sprintf("unknown ess provider: %s", *provider))
		}
	})
	return c
}
