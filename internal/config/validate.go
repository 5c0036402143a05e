package config

import (
	"fmt"
	"regexp"
	"strings"
)

// SupportedVersion is the only manifest version understood by this release.
const SupportedVersion = "1"

var phaseNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// ApplyDefaults fills in values omitted from the manifest.
func (m *Manifest) ApplyDefaults(defaultName string) error {
	m.Version = strings.TrimSpace(m.Version)
	if m.Name == "" {
		m.Name = defaultName
	}
	for idx, p := range m.Phases {
		if p == nil {
			return fmt.Errorf("%s: is null", phaseField(idx))
		}
		p.Name = strings.TrimSpace(p.Name)
	}
	return nil
}

// Validate performs semantic checks that the schema can not express.
func (m *Manifest) Validate() error {
	if m.Version == "" {
		return fmt.Errorf("%s: is required", fieldPath("version"))
	}
	if m.Version != SupportedVersion {
		return fmt.Errorf("%s: unsupported version %q (expected %q)", fieldPath("version"), m.Version, SupportedVersion)
	}
	if len(m.Phases) == 0 {
		return fmt.Errorf("%s: must define at least one phase", fieldPath("phases"))
	}

	seen := make(map[string]int, len(m.Phases))
	for idx, p := range m.Phases {
		if p == nil {
			return fmt.Errorf("%s: is null", phaseField(idx))
		}
		if p.Name == "" {
			return fmt.Errorf("%s: is required", phaseField(idx, "name"))
		}
		if !phaseNamePattern.MatchString(p.Name) {
			return fmt.Errorf("%s: invalid phase name %q", phaseField(idx, "name"), p.Name)
		}
		if prev, dup := seen[p.Name]; dup {
			return fmt.Errorf("%s: duplicate phase %q (first defined at %s)", phaseField(idx, "name"), p.Name, phaseField(prev))
		}
		seen[p.Name] = idx

		if len(p.Command) == 0 || strings.TrimSpace(p.Command[0]) == "" {
			return fmt.Errorf("%s: must name an executable", phaseField(idx, "command"))
		}
		if p.Timeout.IsSet() && p.Timeout.Duration < 0 {
			return fmt.Errorf("%s: must be non-negative", phaseField(idx, "timeout"))
		}
		for key := range p.Env {
			if key == "" || strings.ContainsAny(key, "=\x00") {
				return fmt.Errorf("%s: invalid variable name %q", phaseField(idx, "env"), key)
			}
		}
	}
	return nil
}
