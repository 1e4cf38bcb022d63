// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package memory implements the Manager, the exclusive owner of every device memory allocation, and the
// static reference count analysis (UpdateRefCount) that decides when a DeviceTensor can be released.
//
// Other components hold non-owning *devicetensor.DeviceTensor references: they decrement the reference count
// when they are done consuming a tensor, and hand it back to the Manager (usually through its Actor) when
// the count reaches 0. No one else calls backends.Device.Allocate or backends.Device.Free.
package memory

import (
	"fmt"
	"maps"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/actorflow/backends"
	"github.com/gomlx/actorflow/devicetensor"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// TierSizes are the block sizes the Manager rounds allocations up to, so freed blocks can be reused by
// tensors of slightly different sizes. Allocations larger than the last tier are made with their exact size
// and are not pooled.
var TierSizes = []int{
	1 << 10,  // 1KiB
	4 << 10,  // 4KiB
	16 << 10, // 16KiB
	64 << 10, // 64KiB
	256 << 10,
	1 << 20, // 1MiB
	4 << 20,
	16 << 20,
	64 << 20, // 64MiB
}

// DefaultMaxPooled is the default number of free blocks kept for reuse per device and tier.
var DefaultMaxPooled = 16

// blockSizeFor returns the size of the block used to hold size bytes, and whether it's a pooled tier.
func blockSizeFor(size int) (blockSize int, pooled bool) {
	for _, tier := range TierSizes {
		if size <= tier {
			return tier, true
		}
	}
	return size, false
}

type poolKey struct {
	deviceType backends.DeviceType
	blockSize  int
}

// blockPool holds free blocks of one size of one device.
type blockPool struct {
	blocks chan backends.Address
}

// get returns a free block, if one is available.
func (p *blockPool) get() (backends.Address, bool) {
	select {
	case addr := <-p.blocks:
		return addr, true
	default:
		return backends.InvalidAddress, false
	}
}

// put keeps the block for reuse, it returns false if the pool is full.
func (p *blockPool) put(addr backends.Address) bool {
	select {
	case p.blocks <- addr:
		return true
	default:
		return false
	}
}

// allocation is the record of the block currently bound to a tensor.
type allocation struct {
	addr      backends.Address
	blockSize int
	pooled    bool
}

// Stats of the memory handled by the Manager for one device.
type Stats struct {
	// InUse is the number of bytes of blocks bound to tensors.
	InUse uint64

	// Pooled is the number of bytes of free blocks kept for reuse.
	Pooled uint64

	// Live is the number of tensors currently allocated.
	Live int

	// Allocations from the device, Reuses of pooled blocks and Frees back to the device.
	Allocations, Reuses, Frees int
}

// String implements fmt.Stringer.
func (s Stats) String() string {
	return fmt.Sprintf("%d live tensors using %s, %s pooled (allocations=%d, reuses=%d, frees=%d)",
		s.Live, humanize.IBytes(s.InUse), humanize.IBytes(s.Pooled), s.Allocations, s.Reuses, s.Frees)
}

// Manager owns the device memory of all the DeviceTensors it creates.
//
// It's safe for concurrent use, but the scheduler funnels all allocations and releases through its Actor.
type Manager struct {
	devices   map[backends.DeviceType]backends.Device
	maxPooled int

	mu          sync.Mutex
	closed      bool
	pools       map[poolKey]*blockPool
	allocations map[*devicetensor.DeviceTensor]allocation
	stats       map[backends.DeviceType]*Stats
}

// NewManager creates a Manager of the memory of the given devices, at most one per DeviceType.
func NewManager(devices map[backends.DeviceType]backends.Device) *Manager {
	m := &Manager{
		devices:     make(map[backends.DeviceType]backends.Device, len(devices)),
		maxPooled:   DefaultMaxPooled,
		pools:       make(map[poolKey]*blockPool),
		allocations: make(map[*devicetensor.DeviceTensor]allocation),
		stats:       make(map[backends.DeviceType]*Stats),
	}
	for deviceType, device := range devices {
		m.devices[deviceType] = device
		m.stats[deviceType] = &Stats{}
	}
	return m
}

// WithMaxPooled sets the maximum number of free blocks kept for reuse per device and tier.
// 0 disables reuse. It returns the Manager itself, and should be called before any allocation.
func (m *Manager) WithMaxPooled(maxPooled int) *Manager {
	m.maxPooled = max(maxPooled, 0)
	return m
}

// Device returns the device of the given type.
func (m *Manager) Device(deviceType backends.DeviceType) (backends.Device, error) {
	device, found := m.devices[deviceType]
	if !found {
		return nil, errors.Errorf("memory manager has no %s device configured, configured devices: %s",
			deviceType, m.deviceList())
	}
	return device, nil
}

// Devices returns the devices managed, by DeviceType.
func (m *Manager) Devices() map[backends.DeviceType]backends.Device {
	return maps.Clone(m.devices)
}

// HasDevice returns whether a device of the given type is configured.
func (m *Manager) HasDevice(deviceType backends.DeviceType) bool {
	_, found := m.devices[deviceType]
	return found
}

func (m *Manager) deviceList() string {
	var names []string
	for deviceType := backends.Host; deviceType < backends.DeviceTypeLast; deviceType++ {
		if device, found := m.devices[deviceType]; found {
			names = append(names, fmt.Sprintf("%s=%q", deviceType, device.Name()))
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ", ")
}

// NewTensor creates a (not yet allocated) DeviceTensor on the device of the given type, sized to hold shape.
func (m *Manager) NewTensor(name string, deviceType backends.DeviceType, shape devicetensor.Shape) (
	*devicetensor.DeviceTensor, error) {
	t, err := m.NewTensorWithSize(name, deviceType, shape.Memory())
	if err != nil {
		return nil, err
	}
	t.SetShape(shape)
	return t, nil
}

// NewTensorWithSize creates a (not yet allocated) DeviceTensor of size bytes on the device of the given type.
func (m *Manager) NewTensorWithSize(name string, deviceType backends.DeviceType, size int) (
	*devicetensor.DeviceTensor, error) {
	device, err := m.Device(deviceType)
	if err != nil {
		return nil, errors.WithMessagef(err, "NewTensor(%q)", name)
	}
	if size < 0 {
		return nil, errors.Errorf("NewTensor(%q): negative size %d", name, size)
	}
	return devicetensor.New(name, device, size), nil
}

func (m *Manager) ownsDevice(t *devicetensor.DeviceTensor) error {
	device, found := m.devices[t.DeviceType()]
	if !found || device != t.Device() {
		return errors.Errorf("tensor %q is on device %q (%s), which is not owned by this memory manager",
			t.Name(), t.Device().Name(), t.DeviceType())
	}
	return nil
}

// Allocate binds device memory to t. It's a no-op if t is already allocated.
func (m *Manager) Allocate(t *devicetensor.DeviceTensor) error {
	if t == nil {
		return errors.New("memory.Manager.Allocate(nil)")
	}
	if err := m.ownsDevice(t); err != nil {
		return errors.WithMessage(err, "memory.Manager.Allocate")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.Errorf("memory.Manager.Allocate(%q): manager already closed", t.Name())
	}
	if _, found := m.allocations[t]; found {
		return nil
	}
	deviceType := t.DeviceType()
	stats := m.stats[deviceType]
	blockSize, pooled := blockSizeFor(t.Size())
	alloc := allocation{blockSize: blockSize, pooled: pooled}
	if pooled {
		if pool, found := m.pools[poolKey{deviceType, blockSize}]; found {
			if addr, ok := pool.get(); ok {
				alloc.addr = addr
				stats.Reuses++
				stats.Pooled -= uint64(blockSize)
			}
		}
	}
	if alloc.addr == backends.InvalidAddress {
		addr, err := t.Device().Allocate(blockSize)
		if err != nil {
			return errors.WithMessagef(err, "memory.Manager.Allocate(%q, %s)", t.Name(),
				humanize.IBytes(uint64(t.Size())))
		}
		alloc.addr = addr
		stats.Allocations++
	}
	m.allocations[t] = alloc
	stats.InUse += uint64(blockSize)
	stats.Live++
	t.SetAddress(alloc.addr)
	return nil
}

// Free unbinds the device memory of t: the block is kept for reuse, or returned to the device.
// It's a no-op if t is not allocated.
func (m *Manager) Free(t *devicetensor.DeviceTensor) error {
	if t == nil {
		return errors.New("memory.Manager.Free(nil)")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.freeLocked(t)
}

func (m *Manager) freeLocked(t *devicetensor.DeviceTensor) error {
	alloc, found := m.allocations[t]
	if !found {
		if t.IsAllocated() {
			return errors.Errorf("memory.Manager.Free(%q): tensor memory was not allocated by this manager", t.Name())
		}
		return nil
	}
	delete(m.allocations, t)
	t.SetAddress(backends.InvalidAddress)
	deviceType := t.DeviceType()
	stats := m.stats[deviceType]
	stats.InUse -= uint64(alloc.blockSize)
	stats.Live--
	if alloc.pooled && !m.closed && m.maxPooled > 0 {
		key := poolKey{deviceType, alloc.blockSize}
		pool, found := m.pools[key]
		if !found {
			pool = &blockPool{blocks: make(chan backends.Address, m.maxPooled)}
			m.pools[key] = pool
		}
		if pool.put(alloc.addr) {
			stats.Pooled += uint64(alloc.blockSize)
			return nil
		}
	}
	stats.Frees++
	if err := t.Device().Free(alloc.addr); err != nil {
		return errors.WithMessagef(err, "memory.Manager.Free(%q)", t.Name())
	}
	return nil
}

// Release is called by a consumer of t when it's done with it: it decrements the reference count, and frees t
// when it reaches 0. It returns whether t was freed.
//
// Tensors with max reference count are never freed by Release.
func (m *Manager) Release(t *devicetensor.DeviceTensor) (freed bool, err error) {
	remaining, err := t.DecreaseRefCount()
	if err != nil {
		return false, err
	}
	if remaining != 0 {
		return false, nil
	}
	if err = m.Free(t); err != nil {
		return false, err
	}
	return true, nil
}

// IsLive returns whether t currently holds memory allocated by the manager.
func (m *Manager) IsLive(t *devicetensor.DeviceTensor) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, found := m.allocations[t]
	return found
}

// Stats returns a snapshot of the statistics of the device of the given type.
func (m *Manager) Stats(deviceType backends.DeviceType) Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats, found := m.stats[deviceType]
	if !found {
		return Stats{}
	}
	return *stats
}

// Close frees the memory of every tensor still allocated, and returns the pooled blocks to their devices.
// It returns the first error encountered, but it frees everything it can.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	var firstErr error
	keepErr := func(err error) {
		if err == nil {
			return
		}
		klog.Errorf("memory manager close: %+v", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	for t := range m.allocations {
		keepErr(m.freeLocked(t))
	}
	for key, pool := range m.pools {
		device := m.devices[key.deviceType]
		stats := m.stats[key.deviceType]
		for {
			addr, ok := pool.get()
			if !ok {
				break
			}
			stats.Pooled -= uint64(key.blockSize)
			stats.Frees++
			keepErr(device.Free(addr))
		}
	}
	clear(m.pools)
	if klog.V(1).Enabled() {
		for deviceType := backends.Host; deviceType < backends.DeviceTypeLast; deviceType++ {
			if stats, found := m.stats[deviceType]; found {
				klog.Infof("memory manager closed, %s: %s", deviceType, stats)
			}
		}
	}
	return firstErr
}
