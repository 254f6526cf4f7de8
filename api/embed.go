// Package api holds the admin API's OpenAPI document.
package api

import "embed"

//go:embed openapi.yaml
var FS embed.FS
