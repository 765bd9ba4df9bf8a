package sla

import (
	"fmt"
	"sort"
	"strings"

	"hutch/internal/space"
)

// Context is the processor mode state threaded through a decode pass.
// It is a value; copies are independent.
type Context struct {
	Bits uint64
}

// DefaultContext returns the context with every field at its declared default.
func (s *Spec) DefaultContext() Context {
	var c Context
	for i := range s.Context {
		c = c.With(&s.Context[i], s.Context[i].Default)
	}
	return c
}

func (f *ContextField) mask() uint64 {
	w := f.MSB - f.LSB + 1
	if w >= 64 {
		return ^uint64(0)
	}
	return ((uint64(1) << uint(w)) - 1) << uint(f.LSB)
}

// Get returns the raw value of field f.
func (c Context) Get(f *ContextField) uint64 {
	return (c.Bits & f.mask()) >> uint(f.LSB)
}

// Int returns the value of f, sign-extended for signed fields.
func (c Context) Int(f *ContextField) int64 {
	raw := c.Get(f)
	if f.Signed {
		return space.SignExtend(raw, f.MSB-f.LSB+1)
	}
	return int64(raw)
}

// With returns a copy of c with field f set to v.
func (c Context) With(f *ContextField, v uint64) Context {
	m := f.mask()
	c.Bits = (c.Bits &^ m) | ((v << uint(f.LSB)) & m)
	return c
}

// SetContext assigns a named field.
func (s *Spec) SetContext(c Context, name string, v uint64) (Context, error) {
	i, ok := s.ContextField(name)
	if !ok {
		return c, fmt.Errorf("unknown context variable %q", name)
	}
	return c.With(&s.Context[i], v), nil
}

// FormatContext lists the context fields as name=value pairs.
func (s *Spec) FormatContext(c Context) string {
	parts := make([]string, 0, len(s.Context))
	for i := range s.Context {
		parts = append(parts, fmt.Sprintf("%s=%d", s.Context[i].Name, c.Int(&s.Context[i])))
	}
	sort.Strings(parts)
	return strings.Join(parts, " ")
}
