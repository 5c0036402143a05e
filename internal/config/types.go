package config

import (
	"fmt"
	"maps"
	"strings"
	"time"
)

// Duration wraps time.Duration for YAML unmarshalling.
type Duration struct {
	time.Duration
	explicit bool
}

// UnmarshalText parses a textual duration, accepting empty strings.
func (d *Duration) UnmarshalText(text []byte) error {
	d.explicit = true
	if len(text) == 0 {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = dur
	return nil
}

// MarshalText renders the duration using time.Duration formatting.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// IsSet reports whether the duration was explicitly provided or non-zero.
func (d Duration) IsSet() bool {
	return d.explicit || d.Duration != 0
}

// Manifest mirrors the phases.yaml document structure.
type Manifest struct {
	Version         string   `yaml:"version"`
	Name            string   `yaml:"name"`
	Workdir         string   `yaml:"workdir"`
	Tmpdir          string   `yaml:"tmpdir"`
	KeepTmpdir      bool     `yaml:"keepTmpdir"`
	ContinueOnError bool     `yaml:"continueOnError"`
	Phases          []*Phase `yaml:"phases"`
}

// Phase describes a single command run under supervision.
type Phase struct {
	Name        string            `yaml:"name"`
	Command     []string          `yaml:"command"`
	Workdir     string            `yaml:"workdir"`
	Env         map[string]string `yaml:"env"`
	EnvFromFile string            `yaml:"envFromFile"`
	Timeout     Duration          `yaml:"timeout"`

	// ResolvedWorkdir is the absolute working directory computed by Load.
	ResolvedWorkdir string `yaml:"-"`
}

// Clone creates a deep copy of the phase.
func (p *Phase) Clone() *Phase {
	if p == nil {
		return nil
	}
	cp := *p
	if len(p.Command) > 0 {
		cp.Command = append([]string(nil), p.Command...)
	}
	if len(p.Env) > 0 {
		cp.Env = maps.Clone(p.Env)
	}
	return &cp
}

// Lookup returns the phase with the given name.
func (m *Manifest) Lookup(name string) (*Phase, bool) {
	for _, p := range m.Phases {
		if p != nil && p.Name == name {
			return p, true
		}
	}
	return nil, false
}

// Select returns the named phases in the order given, or every phase in
// manifest order when no names are provided.
func (m *Manifest) Select(names ...string) ([]*Phase, error) {
	if len(names) == 0 {
		return append([]*Phase(nil), m.Phases...), nil
	}
	out := make([]*Phase, 0, len(names))
	var unknown []string
	for _, name := range names {
		p, ok := m.Lookup(name)
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		out = append(out, p)
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("unknown phase(s): %s", strings.Join(unknown, ", "))
	}
	return out, nil
}

// PhaseNames returns phase names in manifest order.
func (m *Manifest) PhaseNames() []string {
	out := make([]string, 0, len(m.Phases))
	for _, p := range m.Phases {
		if p != nil {
			out = append(out, p.Name)
		}
	}
	return out
}

func fieldPath(parts ...string) string {
	return strings.Join(parts, ".")
}

func phaseField(index int, parts ...string) string {
	phase := fmt.Sprintf("phases[%d]", index)
	pathParts := append([]string{phase}, parts...)
	return fieldPath(pathParts...)
}
