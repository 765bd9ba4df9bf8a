package analysis

import (
	"sync"

	"github.com/ianlancetaylor/demangle"

	"hutch/internal/elfx"
)

// demangleCache is shared by every trace in the process; traces of one
// image run concurrently.
var demangleCache = struct {
	sync.RWMutex
	names map[string]string
	hits  int
}{names: make(map[string]string)}

// CachedDemangle demangles a C++ symbol, or returns it unchanged.
func CachedDemangle(mangled string) string {
	demangleCache.RLock()
	d, ok := demangleCache.names[mangled]
	demangleCache.RUnlock()
	if ok {
		demangleCache.Lock()
		demangleCache.hits++
		demangleCache.Unlock()
		return d
	}

	d = demangle.Filter(mangled, demangle.NoClones)

	demangleCache.Lock()
	demangleCache.names[mangled] = d
	demangleCache.Unlock()
	return d
}

// DemangleCacheStats reports how many names are cached and how many
// lookups were served from the cache.
func DemangleCacheStats() (names, hits int) {
	demangleCache.RLock()
	defer demangleCache.RUnlock()
	return len(demangleCache.names), demangleCache.hits
}

// SymbolMap maps function start addresses to symbol names.
func SymbolMap(img *elfx.Image) map[uint64]string {
	m := make(map[uint64]string, len(img.Funcs))
	for _, fn := range img.Funcs {
		m[fn.Addr] = fn.Name
	}
	return m
}
