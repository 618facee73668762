// Package web embeds the static assets served by the API: the player page
// template and the admin UI shell.
package web

import "embed"

//go:embed templates
var Templates embed.FS

//go:embed static
var Static embed.FS
