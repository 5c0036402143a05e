package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	phaseschema "github.com/Paintersrp/phaserun/schema"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	schemaOnce     sync.Once
	manifestSchema *jsonschema.Schema
	schemaErr      error
)

func loadManifestSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		if err := compiler.AddResource("phases.v1.json", bytes.NewReader(phaseschema.PhasesV1Schema)); err != nil {
			schemaErr = fmt.Errorf("add manifest schema resource: %w", err)
			return
		}
		manifestSchema, schemaErr = compiler.Compile("phases.v1.json")
		if schemaErr != nil {
			schemaErr = fmt.Errorf("compile manifest schema: %w", schemaErr)
		}
	})
	if schemaErr != nil {
		return nil, schemaErr
	}
	return manifestSchema, nil
}

func validateAgainstSchema(doc map[string]any) error {
	schema, err := loadManifestSchema()
	if err != nil {
		return fmt.Errorf("load manifest schema: %w", err)
	}

	normalized, err := normalizeForSchema(doc)
	if err != nil {
		return fmt.Errorf("prepare manifest for schema validation: %w", err)
	}

	err = schema.Validate(normalized)
	var vErr *jsonschema.ValidationError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &vErr):
		return fmt.Errorf("schema validation failed:\n%s", strings.Join(schemaProblems(doc, vErr), "\n"))
	default:
		return fmt.Errorf("schema validation failed: %w", err)
	}
}

// normalizeForSchema round-trips the YAML document through JSON so numbers and
// maps have the shapes the validator expects.
func normalizeForSchema(doc map[string]any) (any, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	var out any
	if err := decoder.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// schemaProblems flattens a validation error into one line per leaf cause,
// each prefixed with the phase or manifest field it concerns.
func schemaProblems(doc map[string]any, err *jsonschema.ValidationError) []string {
	var lines []string
	seen := make(map[string]bool)
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) > 0 {
			for _, cause := range e.Causes {
				walk(cause)
			}
			return
		}
		line := fmt.Sprintf("- %s: %s", describeLocation(doc, e.InstanceLocation), e.Message)
		if !seen[line] {
			seen[line] = true
			lines = append(lines, line)
		}
	}
	walk(err)
	return lines
}

// describeLocation renders a JSON pointer into the manifest. Pointers below
// phases/N name the phase when it has one, so "/phases/1/timeout" becomes
// `phase "compile": timeout`.
func describeLocation(doc map[string]any, ptr string) string {
	segments := pointerSegments(ptr)
	if len(segments) == 0 {
		return "manifest"
	}
	if segments[0] != "phases" || len(segments) < 2 {
		return strings.Join(segments, ".")
	}
	idx, err := strconv.Atoi(segments[1])
	if err != nil {
		return strings.Join(segments, ".")
	}
	label := fmt.Sprintf("phase #%d", idx+1)
	if name := phaseNameAt(doc, idx); name != "" {
		label = fmt.Sprintf("phase %q", name)
	}
	if rest := segments[2:]; len(rest) > 0 {
		return label + ": " + strings.Join(rest, ".")
	}
	return label
}

func pointerSegments(ptr string) []string {
	ptr = strings.TrimPrefix(ptr, "/")
	if ptr == "" {
		return nil
	}
	segments := strings.Split(ptr, "/")
	for i, segment := range segments {
		segments[i] = strings.ReplaceAll(strings.ReplaceAll(segment, "~1", "/"), "~0", "~")
	}
	return segments
}

func phaseNameAt(doc map[string]any, idx int) string {
	phases, ok := doc["phases"].([]any)
	if !ok || idx < 0 || idx >= len(phases) {
		return ""
	}
	entry, ok := phases[idx].(map[string]any)
	if !ok {
		return ""
	}
	name, _ := entry["name"].(string)
	return name
}
