// Package db embeds the database schema so services can bootstrap their own
// tables with the -migrate flag.
package db

import _ "embed"

//go:embed schema.sql
var Schema string
