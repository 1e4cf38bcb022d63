// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package arena implements the memory bookkeeping shared by the Go-memory backend implementations:
// addresses handed out by Allocate, the blocks of bytes they point to, and reuse pools of blocks
// keyed by their length.
package arena

import (
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/actorflow/backends"
	"github.com/pkg/errors"
)

// Arena maps backends.Address to blocks of Go memory.
type Arena struct {
	name string

	// capacity is the maximum number of bytes that can be allocated at once. 0 means unlimited.
	capacity uint64

	mu        sync.RWMutex
	nextAddr  backends.Address
	blocks    map[backends.Address][]byte
	allocated uint64
	finalized bool

	// pools are a map to pools of blocks that can be reused.
	// The underlying type is map[int]*sync.Pool, keyed by the length of the block.
	pools sync.Map
}

// New creates an arena with the given capacity in bytes. If capacity is 0 it is unlimited.
func New(name string, capacity uint64) *Arena {
	return &Arena{
		name:     name,
		capacity: capacity,
		blocks:   make(map[backends.Address][]byte),
	}
}

// getPool for the given block length.
func (a *Arena) getPool(length int) *sync.Pool {
	poolInterface, ok := a.pools.Load(length)
	if !ok {
		poolInterface, _ = a.pools.LoadOrStore(length, &sync.Pool{
			New: func() interface{} {
				block := make([]byte, length)
				return &block
			},
		})
	}
	return poolInterface.(*sync.Pool)
}

// Allocate a block of size bytes, and returns its address. The block is zeroed.
func (a *Arena) Allocate(size int) (backends.Address, error) {
	if size < 0 {
		return backends.InvalidAddress, errors.Errorf("%s: cannot allocate negative size %d", a.name, size)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.finalized {
		return backends.InvalidAddress, errors.Errorf("%s: allocation after device was finalized", a.name)
	}
	if a.capacity > 0 && a.allocated+uint64(size) > a.capacity {
		return backends.InvalidAddress, errors.Errorf("%s: out of memory allocating %s: %s of %s in use",
			a.name, humanize.IBytes(uint64(size)), humanize.IBytes(a.allocated), humanize.IBytes(a.capacity))
	}
	blockPtr := a.getPool(size).Get().(*[]byte)
	block := *blockPtr
	clear(block)
	a.nextAddr++
	addr := a.nextAddr
	a.blocks[addr] = block
	a.allocated += uint64(size)
	return addr, nil
}

// Free returns the block back to its pool.
func (a *Arena) Free(addr backends.Address) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	block, found := a.blocks[addr]
	if !found {
		return errors.Errorf("%s: Free(%d) of unknown address, freed twice?", a.name, addr)
	}
	delete(a.blocks, addr)
	a.allocated -= uint64(len(block))
	a.getPool(len(block)).Put(&block)
	return nil
}

// Bytes returns the block pointed by addr.
func (a *Arena) Bytes(addr backends.Address) ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	block, found := a.blocks[addr]
	if !found {
		return nil, errors.Errorf("%s: invalid address %d, used after being freed?", a.name, addr)
	}
	return block, nil
}

// Allocated returns the number of bytes currently allocated.
func (a *Arena) Allocated() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.allocated
}

// NumBlocks returns the number of live blocks.
func (a *Arena) NumBlocks() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.blocks)
}

// Finalize drops all blocks. Any further use of the arena returns errors.
func (a *Arena) Finalize() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.blocks = make(map[backends.Address][]byte)
	a.allocated = 0
	a.finalized = true
}
