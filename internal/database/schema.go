package database

import _ "embed"

// Schema is the fully migrated schema, used to set up test databases
// without running migrations.
//
//go:embed schema.sql
var Schema string
