package edgeruntime

import _ "embed"

// OpenAPISpec documents the control API surface. The runtime does not
// serve any UI assets, so the spec file is the only embedded artifact.
//
//go:embed openapi.yaml
var OpenAPISpec []byte
