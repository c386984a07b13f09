// Package templates embeds the default configuration and status tables.
package templates

import "embed"

//go:embed config.yaml status_actions.yaml
var FS embed.FS

const (
	ConfigFile       = "config.yaml"
	StatusActionFile = "status_actions.yaml"
)
