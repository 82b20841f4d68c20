// Package migrations embeds the SQL schema migrations.
//
// Files follow the golang-migrate naming convention
// (NNNNNN_name.up.sql / NNNNNN_name.down.sql) so they can also be applied
// with the migrate CLI.
package migrations

import (
	"embed"
	"io/fs"
	"sort"
	"strings"
)

//go:embed *.sql
var files embed.FS

// FS returns the embedded migration files.
func FS() fs.FS {
	return files
}

// Up returns the names of all up migrations in apply order.
func Up() ([]string, error) {
	return list(".up.sql")
}

// Down returns the names of all down migrations in apply order (newest first).
func Down() ([]string, error) {
	names, err := list(".down.sql")
	if err != nil {
		return nil, err
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names, nil
}

func list(suffix string) ([]string, error) {
	entries, err := fs.ReadDir(files, ".")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
