// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package device

import (
	"strings"
)

// Mux routes paths with a scheme prefix ("s3://...") and identities with a
// registered major to their backends. Everything else goes to the fallback.
type Mux struct {
	fallback Backend
	schemes  map[string]Backend
	majors   map[uint32]Backend
}

func NewMux(fallback Backend) *Mux {
	return &Mux{
		fallback: fallback,
		schemes:  make(map[string]Backend),
		majors:   make(map[uint32]Backend),
	}
}

// Handle registers backend b for paths starting with scheme:// and for
// devices with major.
func (m *Mux) Handle(scheme string, major uint32, b Backend) {
	m.schemes[scheme] = b
	m.majors[major] = b
}

func (m *Mux) Resolve(path string) (ID, error) {
	if i := strings.Index(path, "://"); i > 0 {
		if b, ok := m.schemes[path[:i]]; ok {
			return b.Resolve(path)
		}
	}

	return m.fallback.Resolve(path)
}

func (m *Mux) Open(id ID, mode Mode) (Resource, error) {
	if b, ok := m.majors[id.Major]; ok {
		return b.Open(id, mode)
	}

	return m.fallback.Open(id, mode)
}
