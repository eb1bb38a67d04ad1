// Package templates embeds the files written by `specforge init`.
package templates

import "embed"

//go:embed config.yaml gates.yaml example.md
var FS embed.FS
