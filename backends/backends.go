// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package backends defines the interface a compute backend (host CPU, GPU-class accelerator or
// ASIC-class accelerator) needs to implement to hold device tensors and execute work for the
// actor scheduler.
//
// A backend is only asked for memory (allocation and the copy contract) and for an in-order
// stream where asynchronous work is submitted. Kernels are resolved separately, see package kernels.
//
// Backends are registered by name (see Register) and constructed from a configuration string
// "<backend_name>:<backend_configuration>", see NewWithConfig.
package backends

import (
	"os"
	"slices"
	"strings"

	"github.com/pkg/errors"
)

// DeviceType is the kind of memory/compute a Device offers.
type DeviceType int

const (
	// Host is the CPU and its main memory.
	Host DeviceType = iota

	// Accelerator is a general purpose accelerator (GPU-class).
	Accelerator

	// DedicatedAccelerator is a dedicated ASIC accelerator.
	DedicatedAccelerator

	// DeviceTypeLast is the number of device types, not a valid value.
	DeviceTypeLast
)

var deviceTypeNames = [DeviceTypeLast]string{"Host", "Accelerator", "DedicatedAccelerator"}

// String implements fmt.Stringer.
func (t DeviceType) String() string {
	if t < 0 || t >= DeviceTypeLast {
		return "InvalidDeviceType"
	}
	return deviceTypeNames[t]
}

// IsHost returns whether the device type is the host memory.
func (t DeviceType) IsHost() bool { return t == Host }

// ParseDeviceType converts a (case-insensitive) name to a DeviceType.
// It also accepts the short names "cpu", "gpu" and "asic".
func ParseDeviceType(name string) (DeviceType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "host", "cpu":
		return Host, nil
	case "accelerator", "gpu":
		return Accelerator, nil
	case "dedicatedaccelerator", "dedicated_accelerator", "asic":
		return DedicatedAccelerator, nil
	}
	return Host, errors.Errorf("unknown device type %q", name)
}

// Constructor takes a config string (optionally empty) and returns a Device.
type Constructor func(config string) (Device, error)

var (
	registeredConstructors = make(map[string]Constructor)
	registrationOrder      []string
)

// Register backend with the given name, and a default constructor that takes as input a configuration string that is
// passed along to the backend constructor.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if _, found := registeredConstructors[name]; !found {
		registrationOrder = append(registrationOrder, name)
	}
	registeredConstructors[name] = constructor
}

// Registered returns the names of the registered backends, in order of registration.
func Registered() []string {
	return slices.Clone(registrationOrder)
}

// ACTORFLOW_BACKENDS is the environment variable with the default list of backend configurations to use.
//
// It's a comma-separated list of configurations, each in the format "<backend_name>:<backend_configuration>".
// E.g.: "host,gpu:capacity=64MiB,asic:capacity=16MiB;queue=32".
// Notice the backend configuration itself uses ";" to separate its options.
const ACTORFLOW_BACKENDS = "ACTORFLOW_BACKENDS"

// DefaultConfig is the list of backends used if ACTORFLOW_BACKENDS is not set.
var DefaultConfig = "host"

// NewWithConfig takes a configuration string formatted as "<backend_name>:<backend_configuration>".
// The "<backend_name>" is the name of a registered backend (e.g.: "gpu") and
// "<backend_configuration>" is backend specific.
func NewWithConfig(config string) (Device, error) {
	if len(registeredConstructors) == 0 {
		return nil, errors.New(`no registered backends -- maybe import "github.com/gomlx/actorflow/backends/host"?`)
	}
	backendName := config
	var backendConfig string
	if idx := strings.Index(config, ":"); idx != -1 {
		backendName = config[:idx]
		backendConfig = config[idx+1:]
	}
	constructor, found := registeredConstructors[backendName]
	if !found {
		return nil, errors.Errorf("can't find backend %q for configuration %q given, registered backends: %v",
			backendName, config, registrationOrder)
	}
	device, err := constructor(backendConfig)
	if err != nil {
		return nil, errors.WithMessagef(err, "while creating backend %q", backendName)
	}
	return device, nil
}

// NewDevices creates one Device per entry of the comma-separated list of configurations.
// If more than one Device is configured for the same DeviceType, it returns an error.
//
// If configs is empty, the environment variable ACTORFLOW_BACKENDS is used, and if that is not set,
// DefaultConfig is used.
func NewDevices(configs string) (map[DeviceType]Device, error) {
	if configs == "" {
		var found bool
		configs, found = os.LookupEnv(ACTORFLOW_BACKENDS)
		if !found {
			configs = DefaultConfig
		}
	}
	devices := make(map[DeviceType]Device)
	for _, config := range strings.Split(configs, ",") {
		config = strings.TrimSpace(config)
		if config == "" {
			continue
		}
		device, err := NewWithConfig(config)
		if err != nil {
			FinalizeAll(devices)
			return nil, err
		}
		if _, found := devices[device.Type()]; found {
			device.Finalize()
			FinalizeAll(devices)
			return nil, errors.Errorf("more than one backend configured for device type %s in %q", device.Type(), configs)
		}
		devices[device.Type()] = device
	}
	return devices, nil
}

// FinalizeAll finalizes all devices in the map.
func FinalizeAll(devices map[DeviceType]Device) {
	for _, device := range devices {
		device.Finalize()
	}
}
