// Package db embeds the SQL migrations so binaries can run them without a checkout.
package db

import "embed"

// Migrations holds the goose migration files under migrations/.
//
//go:embed migrations/*.sql
var Migrations embed.FS
