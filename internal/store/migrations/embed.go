package migrations

import "embed"

// postgresSQL holds the embedded golang-migrate source tree for the
// PostgreSQL backend, grounded on the teacher's internal/migrations package.
//
//go:embed postgres/*.sql
var postgresSQL embed.FS
