// Package store is the persistence gateway for document rooms. One record
// per room key: the encoded replica state plus the flattened text for the
// rest of the product to read without knowing the engine encoding.
package store

import (
	"errors"
	"time"

	"github.com/inkfold/server/internal/domain"
)

var ErrNotFound = errors.New("document not found")

// Record is the persisted form of one room's document.
type Record struct {
	Key       domain.RoomKey
	State     []byte
	Text      string
	UpdatedAt time.Time
}
