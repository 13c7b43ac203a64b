package database

import _ "embed"

// Schema is the current schema, generated from the migration files. Tests
// apply it directly instead of running migrations.
//
//go:embed schema.sql
var Schema string
