package sla

import (
	"bytes"
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// cacheVersion is mixed into cache keys; bump it when Spec changes shape.
const cacheVersion = "hutch-sla-1"

// LoadCached loads the description at path, reusing a compiled copy from
// dir when one exists for identical source bytes. hit reports whether the
// cache was used. A cache that cannot be written is not an error.
func LoadCached(path, dir string) (spec *Spec, hit bool, err error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, false, fmt.Errorf("read spec: %w", err)
	}
	name := filepath.Base(path)
	key := cacheKey(src, name)
	file := filepath.Join(dir, key+".gob")
	if data, err := os.ReadFile(file); err == nil {
		if spec, err := Decode(data); err == nil {
			return spec, true, nil
		}
	}
	spec, err = Load(src, name)
	if err != nil {
		return nil, false, err
	}
	if data, err := spec.Encode(); err == nil {
		if os.MkdirAll(dir, 0o755) == nil {
			tmp := file + ".tmp"
			if os.WriteFile(tmp, data, 0o644) == nil {
				_ = os.Rename(tmp, file)
			}
		}
	}
	return spec, false, nil
}

func cacheKey(src []byte, name string) string {
	h := sha256.New()
	h.Write([]byte(cacheVersion))
	h.Write([]byte{0})
	h.Write([]byte(name))
	h.Write([]byte{0})
	h.Write(src)
	return hex.EncodeToString(h.Sum(nil))
}

// Encode serializes a loaded Spec.
func (s *Spec) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s); err != nil {
		return nil, fmt.Errorf("encode spec: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode restores a Spec written by Encode.
func Decode(data []byte) (*Spec, error) {
	var s Spec
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return nil, fmt.Errorf("decode spec: %w", err)
	}
	s.buildIndex()
	return &s, nil
}
