// Package storage persists PDF documents by ID.
package storage

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Storage errors
var (
	ErrNotFound  = errors.New("document not found")
	ErrInvalidID = errors.New("invalid document id")
)

// Store loads and saves whole documents. Save replaces any previous
// version atomically.
type Store interface {
	Load(ctx context.Context, id string) ([]byte, error)
	Save(ctx context.Context, id string, data []byte) error
	Exists(ctx context.Context, id string) (bool, error)
}

var idRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateID rejects IDs that could escape a directory or bucket prefix.
func ValidateID(id string) error {
	if !idRe.MatchString(id) || strings.Contains(id, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}
