package fixtures

import (
	_ "embed"
)

// ConfigTemplate is written by `matmul config init`.
//
//go:embed config/config.yaml.template
var ConfigTemplate []byte
