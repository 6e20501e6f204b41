// Package relational builds the statements shared by the SQL backed
// RelationalStore implementations.
package relational

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/wickedlab/outages"
)

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidIdentifier reports whether name can be interpolated as a table or
// column name without quoting.
func ValidIdentifier(name string) bool {
	return identifier.MatchString(name)
}

// UpsertQuery returns an INSERT statement for fields that overwrites every
// column but conflictKey when a row with the same conflictKey exists.
// Columns are emitted in lexical order so equal inputs produce equal SQL.
func UpsertQuery(ph sq.PlaceholderFormat, table, conflictKey string, fields map[string]interface{}) (string, []interface{}, error) {
	if !ValidIdentifier(table) {
		return "", nil, invalid(fmt.Sprintf("invalid table name %q", table))
	}
	if !ValidIdentifier(conflictKey) {
		return "", nil, invalid(fmt.Sprintf("invalid conflict column %q", conflictKey))
	}
	if _, ok := fields[conflictKey]; !ok {
		return "", nil, invalid(fmt.Sprintf("conflict column %q has no value", conflictKey))
	}

	columns := make([]string, 0, len(fields))
	for c := range fields {
		if !ValidIdentifier(c) {
			return "", nil, invalid(fmt.Sprintf("invalid column name %q", c))
		}
		columns = append(columns, c)
	}
	sort.Strings(columns)

	values := make([]interface{}, 0, len(columns))
	updates := make([]string, 0, len(columns))
	for _, c := range columns {
		values = append(values, fields[c])
		if c != conflictKey {
			updates = append(updates, fmt.Sprintf("%s = excluded.%s", c, c))
		}
	}

	suffix := fmt.Sprintf("ON CONFLICT (%s) DO NOTHING", conflictKey)
	if len(updates) > 0 {
		suffix = fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s", conflictKey, strings.Join(updates, ", "))
	}

	query, args, err := sq.Insert(table).
		Columns(columns...).
		Values(values...).
		Suffix(suffix).
		PlaceholderFormat(ph).
		ToSql()
	if err != nil {
		return "", nil, &outages.Error{
			Code: outages.EInternal,
			Op:   "relational.UpsertQuery",
			Err:  err,
		}
	}
	return query, args, nil
}

func invalid(msg string) error {
	return &outages.Error{
		Code: outages.EInvalid,
		Op:   "relational.UpsertQuery",
		Msg:  msg,
	}
}
