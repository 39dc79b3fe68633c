// Copyright 2026 The Freeflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package kvstore is the durable key/value layer under the connection
// registry and the message store.
//
// Keys are flat strings; callers namespace them per local user with a
// prefix so [Store.DeletePrefix] can purge one account on logout.
// Values are opaque bytes, normally CBOR records written with
// [PutRecord]. Two implementations exist: [SQLiteStore] for the binary
// and [MemoryStore] for tests. Both can enforce a size quota, reported
// as [ErrQuotaExceeded].
package kvstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/freeflow-chat/freeflow/lib/codec"
)

var (
	// ErrNotFound is returned by Get for an absent key.
	ErrNotFound = errors.New("kvstore: key not found")

	// ErrQuotaExceeded is returned by Put when the write would exceed
	// the store's size limit. The store is unchanged.
	ErrQuotaExceeded = errors.New("kvstore: quota exceeded")
)

// Store is a string-keyed byte store. Implementations are safe for
// concurrent use.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error

	// DeletePrefix removes every key starting with prefix.
	DeletePrefix(ctx context.Context, prefix string) error

	// Keys lists keys starting with prefix in ascending order.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// GetRecord decodes the CBOR value at key into v. It reports false,
// with a nil error, when the key is absent.
func GetRecord(ctx context.Context, store Store, key string, v any) (bool, error) {
	data, err := store.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := codec.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decoding %s: %w", key, err)
	}
	return true, nil
}

// PutRecord encodes v as CBOR and stores it at key.
func PutRecord(ctx context.Context, store Store, key string, v any) error {
	data, err := codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	return store.Put(ctx, key, data)
}

// UserPrefix is the namespace holding every key of one local user.
func UserPrefix(user string) string {
	return "freeflow/" + user + "/"
}
