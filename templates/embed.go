// Package templates embeds the files written by "tempvoice setup".
package templates

import "embed"

//go:embed config.yaml dashboard.md
var FS embed.FS
