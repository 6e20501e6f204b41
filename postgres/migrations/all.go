// Package migrations holds the schema scripts of the postgres relational store.
package migrations

import "embed"

//go:embed *.sql
var AllUp embed.FS
