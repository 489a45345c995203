package cellvm

import (
	"crypto/sha256"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/tetratelabs/cellvm/internal/wasm"
)

// compilationCache keeps the most recently used compiled modules, keyed by the SHA-256 of their binary. Concurrent
// compilations of the same binary share one result.
type compilationCache struct {
	modules *lru.Cache[wasm.ModuleID, *compiledModule]
	group   singleflight.Group
}

func newCompilationCache(size int, engine wasm.Engine) *compilationCache {
	modules, err := lru.NewWithEvict(size, func(_ wasm.ModuleID, c *compiledModule) {
		engine.DeleteCompiledModule(c.module)
	})
	if err != nil { // only when size is not positive, which RuntimeConfig prevents
		panic(err)
	}
	return &compilationCache{modules: modules}
}

func (c *compilationCache) getOrCompile(source []byte, compile func() (*compiledModule, error)) (*compiledModule, error) {
	id := sha256.Sum256(source)
	if cm, ok := c.modules.Get(id); ok {
		return cm, nil
	}
	v, err, _ := c.group.Do(string(id[:]), func() (any, error) {
		if cm, ok := c.modules.Get(id); ok {
			return cm, nil
		}
		cm, err := compile()
		if err != nil {
			return nil, err
		}
		c.modules.Add(id, cm)
		return cm, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*compiledModule), nil
}

func (c *compilationCache) remove(id wasm.ModuleID) {
	c.modules.Remove(id)
}

func (c *compilationCache) len() int {
	return c.modules.Len()
}

func (c *compilationCache) purge() {
	c.modules.Purge()
}
