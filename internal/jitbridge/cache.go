package jitbridge

import (
	"fmt"
	"sync"

	"github.com/docker/go-units"

	"github.com/tetratelabs/cellvm/internal/wasm"
)

type codeKey struct {
	module wasm.ModuleID
	index  wasm.Index
}

// CodeCache tracks the native code of each compiled function and enforces a budget on the bytes it spans. The code
// memory itself is owned by the Compiler that produced it.
type CodeCache struct {
	budget int

	mux   sync.Mutex
	used  int
	codes map[codeKey]Code
}

// NewCodeCache returns a cache admitting up to budget bytes of code. Zero or less means unlimited.
func NewCodeCache(budget int) *CodeCache {
	return &CodeCache{budget: budget, codes: map[codeKey]Code{}}
}

// Put records code for the function index of module. It fails without side effects if the budget would be exceeded.
func (c *CodeCache) Put(module wasm.ModuleID, index wasm.Index, code Code) error {
	c.mux.Lock()
	defer c.mux.Unlock()

	key := codeKey{module, index}
	used := c.used + code.Size()
	if prev, ok := c.codes[key]; ok {
		used -= prev.Size()
	}
	if c.budget > 0 && used > c.budget {
		return fmt.Errorf("code cache full: %s used of %s, %s requested",
			units.BytesSize(float64(c.used)), units.BytesSize(float64(c.budget)), units.BytesSize(float64(code.Size())))
	}
	c.codes[key] = code
	c.used = used
	return nil
}

// Get returns the code of the function index of module, if any.
func (c *CodeCache) Get(module wasm.ModuleID, index wasm.Index) (Code, bool) {
	c.mux.Lock()
	defer c.mux.Unlock()
	code, ok := c.codes[codeKey{module, index}]
	return code, ok
}

// DeleteModule forgets every function of module and returns how many were removed.
func (c *CodeCache) DeleteModule(module wasm.ModuleID) int {
	c.mux.Lock()
	defer c.mux.Unlock()
	var n int
	for key, code := range c.codes {
		if key.module == module {
			c.used -= code.Size()
			delete(c.codes, key)
			n++
		}
	}
	return n
}

// Used returns the bytes of code currently tracked.
func (c *CodeCache) Used() int {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.used
}
