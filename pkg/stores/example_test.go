package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/openfroyo/unitctl/pkg/engine"
	"github.com/openfroyo/unitctl/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path: ":memory:", // Use in-memory database for example
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}

	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}

	defer store.Close()

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_ListBackups demonstrates recording and listing state backups.
func ExampleSQLiteStore_ListBackups() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	key := engine.BackendKey("acme-prod/eu-west-1/kms/payments/payments.tfstate")
	_ = store.SaveBackup(ctx, &engine.StateBackupRecord{
		ID:               "7d1c2f",
		BackendKey:       key,
		SnapshotLocation: "backups/acme-prod/eu-west-1/kms/payments/payments/20260301T120000-7d1c2f.tfstate",
		Checksum:         "9f86d081884c7d65",
		Size:             2048,
		Timestamp:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	})

	backups, err := store.ListBackups(ctx, key)
	if err != nil {
		log.Fatal(err)
	}
	for _, b := range backups {
		fmt.Printf("%s %d bytes at %s\n", b.ID, b.Size, b.Timestamp.Format(time.RFC3339))
	}
	// Output: 7d1c2f 2048 bytes at 2026-03-01T12:00:00Z
}
