// Package storage selects the gateway's store implementation.
package storage

import (
	"fmt"

	"github.com/tjfontaine/surveyor-gateway/internal/core/ports"
	"github.com/tjfontaine/surveyor-gateway/internal/storage/memory"
	"github.com/tjfontaine/surveyor-gateway/internal/storage/sqldb"
)

const (
	TypeSQLite = "sqlite"
	TypeMemory = "memory"
)

// Open returns the store for typ. path is only used by sqlite.
func Open(typ, path string) (ports.Store, error) {
	switch typ {
	case TypeSQLite, "":
		s, err := sqldb.NewSQLite(path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case TypeMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", typ)
	}
}
