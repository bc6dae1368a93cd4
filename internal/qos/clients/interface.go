package clients

import (
	"context"

	"github.com/pkg/errors"

	"github.com/talkincode/toughqos/internal/qos/classifier"
	"github.com/talkincode/toughqos/internal/qos/stats"
)

// ErrNotConnected is returned by Send for devices without an active session.
var ErrNotConnected = errors.New("device not connected")

// ResponseHandler receives the raw bytes of a typed response from device.
type ResponseHandler func(device stats.DeviceID, payload []byte)

// DeviceTransport is the session layer towards the WTPs.
// Implementations may invoke handlers from their own goroutines.
type DeviceTransport interface {
	// Devices lists the devices known to the transport, connected or not.
	Devices() []stats.DeviceID

	// Connected reports whether device has an active session.
	Connected(device stats.DeviceID) bool

	// Send delivers payload fire-and-forget. When onResponse is not nil it is
	// called once with the response to this message, if one ever arrives.
	Send(ctx context.Context, device stats.DeviceID, msgType uint8, payload []byte, onResponse ResponseHandler) error

	// Close releases the transport
	Close() error
}

// SliceProperties is the shaping configuration of a slice.
type SliceProperties struct {
	Quantum float64 `json:"quantum"`
}

// SliceManager provisions traffic shaping slices on the network.
type SliceManager interface {
	// UpsertSlice creates the slice or replaces its properties
	UpsertSlice(ctx context.Context, id classifier.SliceID, props SliceProperties) error

	// DeleteSlice removes the slice
	DeleteSlice(ctx context.Context, id classifier.SliceID) error

	// Slices returns every provisioned slice
	Slices(ctx context.Context) (map[classifier.SliceID]SliceProperties, error)
}
