package schema

import _ "embed"

// PhasesV1Schema contains the JSON schema for phase manifests.
//
//go:embed phases.v1.json
var PhasesV1Schema []byte
