// Package migrations embeds the MySQL schema. Every statement is idempotent:
// tables are created only when absent and dropped only when present.
package migrations

import _ "embed"

//go:embed 001_init.sql
var Init string

// Drop removes the dispatch tables. The contact directory is left untouched.
//
//go:embed 000_drop.sql
var Drop string
