package config

import (
	_ "embed"
	"strings"
)

//go:embed template.yaml
var template string

// Template is the starter file written by `chatgate config init`.
func Template() []byte {
	return []byte(strings.TrimSpace(template) + "\n")
}
