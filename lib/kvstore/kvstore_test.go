// Copyright 2026 The Freeflow Authors
// SPDX-License-Identifier: Apache-2.0

package kvstore

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/freeflow-chat/freeflow/lib/sqlitepool"
)

// stores returns one of each implementation so the contract tests run
// against both.
func stores(t *testing.T) map[string]Store {
	t.Helper()
	sqliteStore, err := OpenSQLite(sqlitepool.Config{Path: filepath.Join(t.TempDir(), "kv.db")})
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { sqliteStore.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqliteStore,
	}
}

func TestStoreContract(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := store.Get(ctx, "absent"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Get(absent) = %v, want ErrNotFound", err)
			}

			for _, key := range []string{"alice/blacklist", "alice/messages/bob", "alice/messages/carol", "bob/blacklist"} {
				if err := store.Put(ctx, key, []byte("v:"+key)); err != nil {
					t.Fatalf("Put(%s): %v", key, err)
				}
			}
			if err := store.Put(ctx, "alice/blacklist", []byte("replaced")); err != nil {
				t.Fatalf("Put overwrite: %v", err)
			}
			value, err := store.Get(ctx, "alice/blacklist")
			if err != nil || string(value) != "replaced" {
				t.Fatalf("Get = %q, %v", value, err)
			}

			keys, err := store.Keys(ctx, "alice/messages/")
			if err != nil {
				t.Fatalf("Keys: %v", err)
			}
			if !slices.Equal(keys, []string{"alice/messages/bob", "alice/messages/carol"}) {
				t.Fatalf("Keys = %v", keys)
			}

			if err := store.Delete(ctx, "alice/messages/bob"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if err := store.DeletePrefix(ctx, "alice/"); err != nil {
				t.Fatalf("DeletePrefix: %v", err)
			}
			remaining, _ := store.Keys(ctx, "")
			if !slices.Equal(remaining, []string{"bob/blacklist"}) {
				t.Fatalf("after DeletePrefix keys = %v", remaining)
			}
		})
	}
}

func TestRecordRoundTrip(t *testing.T) {
	type status struct {
		State        string `cbor:"state"`
		LastActivity int64  `cbor:"lastActivity"`
	}
	ctx := context.Background()
	store := NewMemoryStore()

	var missing status
	found, err := GetRecord(ctx, store, "alice/status/bob", &missing)
	if err != nil || found {
		t.Fatalf("GetRecord(absent) = %v, %v", found, err)
	}

	if err := PutRecord(ctx, store, "alice/status/bob", status{State: "connected", LastActivity: 1700000000000}); err != nil {
		t.Fatalf("PutRecord: %v", err)
	}
	var loaded status
	found, err = GetRecord(ctx, store, "alice/status/bob", &loaded)
	if err != nil || !found || loaded.State != "connected" || loaded.LastActivity != 1700000000000 {
		t.Fatalf("GetRecord = %+v, %v, %v", loaded, found, err)
	}
}

func TestMemoryQuota(t *testing.T) {
	ctx := context.Background()
	store := &MemoryStore{MaxBytes: 20}

	if err := store.Put(ctx, "k", []byte("0123456789")); err != nil {
		t.Fatalf("Put within quota: %v", err)
	}
	if err := store.Put(ctx, "k2", []byte("0123456789")); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("Put over quota = %v, want ErrQuotaExceeded", err)
	}
	if err := store.Put(ctx, "k", []byte("small")); err != nil {
		t.Fatalf("overwrite shrinking value: %v", err)
	}
	if store.Size() != len("k")+len("small") {
		t.Fatalf("Size() = %d", store.Size())
	}
}

func TestSQLiteQuota(t *testing.T) {
	ctx := context.Background()
	store, err := OpenSQLite(sqlitepool.Config{Path: filepath.Join(t.TempDir(), "quota.db"), MaxPages: 16})
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer store.Close()

	payload := []byte(strings.Repeat("m", 8192))
	var putErr error
	for index := range 64 {
		putErr = store.Put(ctx, "alice/messages/"+string(rune('a'+index%26))+strings.Repeat("x", index), payload)
		if putErr != nil {
			break
		}
	}
	if !errors.Is(putErr, ErrQuotaExceeded) {
		t.Fatalf("Put past page limit = %v, want ErrQuotaExceeded", putErr)
	}

	if err := store.DeletePrefix(ctx, "alice/"); err != nil {
		t.Fatalf("DeletePrefix: %v", err)
	}
	if err := store.Put(ctx, "alice/messages/bob", []byte("fits again")); err != nil {
		t.Fatalf("Put after freeing space: %v", err)
	}
}
