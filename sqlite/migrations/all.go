// Package migrations holds the schema scripts of the sqlite relational store.
// Scripts are named "<version>_<name>.sql" and applied in version order.
package migrations

import "embed"

//go:embed *.sql
var AllUp embed.FS
