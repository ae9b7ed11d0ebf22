// Package devices defines the device contract the tensor engine runs on: a
// Device owns asynchronous work queues, and the engine talks to them only
// through the Queue interface (allocation, ordered copies, completion events,
// sticky errors).
//
// Devices register themselves with Register, typically in their package init,
// and are instantiated by name + configuration string:
//
//	dev := devices.New()                          // default (see below)
//	dev := devices.NewWithConfig("cpu:timeout=2s")
//
// The format of a configuration is "<device_name>:<device_configuration>",
// where "<device_configuration>" is device specific. New picks, in order: the
// WEFT_DEVICE environment variable, the DefaultConfig package variable, or
// the first registered device with an empty configuration.
package devices

import (
	"os"
	"strings"
	"time"

	"github.com/gomlx/exceptions"
)

// Device owns work queues and the buffers allocated through them.
//
// A Device is created through the registry (New/NewWithConfig) or directly by
// a concrete implementation's constructor. All its queues observe the device
// timeout set with SetTimeout.
type Device interface {
	// Name returns the short registered name of the device, e.g. "cpu".
	Name() string

	// Description is a longer description of the device that can be used to pretty-print.
	Description() string

	// HostQueue returns the queue representing synchronous execution on the
	// calling goroutine. It is always available and never blocks on itself.
	HostQueue() Queue

	// NewQueue creates an independent asynchronous sequential executor.
	// The name is used for diagnostics only and may be empty.
	NewQueue(name string) Queue

	// Timeout returns the current device timeout. Zero means no timeout.
	Timeout() time.Duration

	// SetTimeout sets the timeout propagated to all queues owned by this
	// device: blocking waits exceeding it fail with a *DeviceError whose
	// Timeout flag is set. A value <= 0 disables the timeout.
	SetTimeout(timeout time.Duration)

	// Finalize releases the device resources and stops its queues. The device
	// is invalid afterwards.
	Finalize()
}

// Constructor takes a config string (optionally empty) and returns a Device.
// Invalid configurations are programmer/deployment errors and panic.
type Constructor func(config string) Device

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register a device type under the given name, with the constructor used by
// New and NewWithConfig.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// DefaultConfig is the device configuration New uses if the WEFT_DEVICE
// environment variable is not set. See NewWithConfig for the format.
var DefaultConfig string

// WEFT_DEVICE is the environment variable with the default device
// configuration, in the "<device_name>:<device_configuration>" format.
const WEFT_DEVICE = "WEFT_DEVICE"

// New returns a new Device built from the default configuration:
//
// 1. The environment variable WEFT_DEVICE, if set.
// 2. The DefaultConfig package variable, if not empty.
// 3. The first registered device with an empty configuration.
//
// It panics if no device was registered.
func New() Device {
	config, found := os.LookupEnv(WEFT_DEVICE)
	if found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// NewWithConfig builds the device described by a "<device_name>:<device_configuration>"
// string. An empty device name selects the first registered device; the
// device configuration syntax is device specific.
//
// It panics if the name is unknown or nothing was registered.
func NewWithConfig(config string) Device {
	if len(registeredConstructors) == 0 {
		exceptions.Panicf(`no registered devices -- import a concrete one, e.g. import _ "github.com/weftml/weft/devices/cpu"`)
	}
	deviceName := firstRegistered
	deviceConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		deviceName = config[:idx]
		deviceConfig = config[idx+1:]
	} else if _, found := registeredConstructors[config]; found {
		// A bare device name, no configuration.
		deviceName = config
		deviceConfig = ""
	}
	constructor, found := registeredConstructors[deviceName]
	if !found {
		exceptions.Panicf("can't find device %q for configuration %q", deviceName, config)
	}
	return constructor(deviceConfig)
}
