package kvstore

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a key is absent from its namespace.
	ErrNotFound = errors.New("kvstore: key not found")

	// ErrTypeMismatch is returned when a key holds a value of another type.
	ErrTypeMismatch = errors.New("kvstore: value type mismatch")
)

// Value types recorded alongside each stored value.
const (
	typeString = "string"
	typeInt    = "int"
	typeBool   = "bool"
)

// Reader reads typed values. Missing keys return ErrNotFound.
type Reader interface {
	GetString(ctx context.Context, namespace, key string) (string, error)
	GetInt(ctx context.Context, namespace, key string) (int64, error)
	GetBool(ctx context.Context, namespace, key string) (bool, error)
}

// Writer writes typed values. Setting a key replaces any previous value
// regardless of its type.
type Writer interface {
	SetString(ctx context.Context, namespace, key, value string) error
	SetInt(ctx context.Context, namespace, key string, value int64) error
	SetBool(ctx context.Context, namespace, key string, value bool) error
	Delete(ctx context.Context, namespace, key string) error
}

// Store is a namespaced key-value store.
//
// Update runs fn with a Writer whose writes become visible together when fn
// returns nil, or not at all when fn (or the commit) fails.
type Store interface {
	Reader
	Writer
	Update(ctx context.Context, fn func(w Writer) error) error
}
