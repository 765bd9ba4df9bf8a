// Package processors bundles the processor descriptions shipped with
// hutch.
package processors

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"
	"sync"

	"hutch/internal/sla"
)

//go:embed *.yaml
var files embed.FS

var (
	mu     sync.Mutex
	loaded = make(map[string]*sla.Spec)
)

// Names lists the bundled processors.
func Names() []string {
	entries, _ := fs.ReadDir(files, ".")
	var names []string
	for _, e := range entries {
		if name, ok := strings.CutSuffix(e.Name(), ".yaml"); ok {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

// Source returns the raw description of a bundled processor.
func Source(name string) ([]byte, error) {
	src, err := files.ReadFile(path.Clean(name) + ".yaml")
	if err != nil {
		return nil, fmt.Errorf("unknown processor %q (have %s)", name, strings.Join(Names(), ", "))
	}
	return src, nil
}

// Load returns the compiled specification of a bundled processor. Specs
// are immutable, so every caller shares one copy.
func Load(name string) (*sla.Spec, error) {
	mu.Lock()
	defer mu.Unlock()
	if s, ok := loaded[name]; ok {
		return s, nil
	}
	src, err := Source(name)
	if err != nil {
		return nil, err
	}
	s, err := sla.Load(src, name+".yaml")
	if err != nil {
		return nil, err
	}
	loaded[name] = s
	return s, nil
}

// MustLoad is Load for callers that ship with the processor.
func MustLoad(name string) *sla.Spec {
	s, err := Load(name)
	if err != nil {
		panic(err)
	}
	return s
}
