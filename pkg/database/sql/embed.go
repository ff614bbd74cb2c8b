// Package sql embeds the bursar database schema so deployments and tests can
// apply it without shipping loose files.
package sql

import _ "embed"

//go:embed schema.sql
var Schema string
