// Package configs embeds the commented configuration template written by
// `indexsync config init`. Edit config.example.yaml and rebuild to change it.
package configs

import _ "embed"

// ConfigTemplate is the user configuration template.
//
//go:embed config.example.yaml
var ConfigTemplate string
