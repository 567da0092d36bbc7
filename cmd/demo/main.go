package main

import (
	"fmt"
	"log"

	"github.com/nestdb/nestdb/pkg/engine"
	"github.com/nestdb/nestdb/pkg/index"
	"github.com/nestdb/nestdb/pkg/query"
	"github.com/nestdb/nestdb/pkg/value"
)

func main() {
	fmt.Println("🚀 nestdb Example")
	fmt.Println("==================")
	fmt.Println()

	db, err := engine.Open(":memory:", &engine.Options{
		InMemory:  true,
		CacheSize: 1024,
	})
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	fmt.Println("1. Opening collection 'users'...")
	users, err := db.Collection("users")
	if err != nil {
		log.Fatalf("failed to open collection: %v", err)
	}
	if err := users.CreateIndex("email", index.KindHashOnly); err != nil {
		log.Fatalf("failed to create index: %v", err)
	}
	if err := users.CreateIndex("age", index.KindOrdered); err != nil {
		log.Fatalf("failed to create index: %v", err)
	}
	fmt.Println("   ✅ collection ready, indexed on email and age")
	fmt.Println()

	fmt.Println("2. Inserting users...")
	seed := []map[string]value.Value{
		{"name": value.String("Ersin"), "email": value.String("ersin@nestdb.dev"), "age": value.Int(34)},
		{"name": value.String("Jane"), "email": value.String("jane@example.com"), "age": value.Int(29)},
		{"name": value.String("John"), "email": value.String("john@example.com"), "age": value.Int(41)},
	}
	for _, fields := range seed {
		e, err := users.Insert(fields)
		if err != nil {
			log.Fatalf("failed to insert: %v", err)
		}
		fmt.Printf("   ✅ inserted %s (id=%s, version=%d)\n", fields["name"].Str, e.ID, e.Version)
	}
	fmt.Println()

	fmt.Println("3. Querying users over 30 via the indexed age range...")
	pred, err := query.Parse("age >= 30")
	if err != nil {
		log.Fatalf("failed to parse filter: %v", err)
	}
	matches, err := users.Count(pred)
	if err != nil {
		log.Fatalf("failed to count: %v", err)
	}
	fmt.Printf("   matches: %d\n", matches)
	fmt.Println()

	fmt.Println("4. Inserting Alice through the same optimistic-concurrency path...")
	alice, err := users.Insert(map[string]value.Value{
		"name":  value.String("Alice"),
		"email": value.String("alice@example.com"),
		"age":   value.Int(27),
	})
	if err != nil {
		log.Fatalf("failed to insert in transaction: %v", err)
	}
	fmt.Printf("   ✅ committed insert of %s\n", alice.ID)
	fmt.Println()

	fmt.Println("5. Updating Alice's age with optimistic concurrency...")
	updated, err := users.Update(alice.ID, map[string]value.Value{
		"name":  value.String("Alice"),
		"email": value.String("alice@example.com"),
		"age":   value.Int(28),
	}, alice.Version)
	if err != nil {
		log.Fatalf("failed to update: %v", err)
	}
	fmt.Printf("   ✅ updated to version %d\n", updated.Version)

	if _, err := users.Update(alice.ID, map[string]value.Value{"age": value.Int(99)}, alice.Version); err != nil {
		fmt.Printf("   expected conflict on stale version: %v\n", err)
	}
	fmt.Println()

	fmt.Println("6. Counting all users...")
	all, err := users.All()
	if err != nil {
		log.Fatalf("failed to scan: %v", err)
	}
	fmt.Printf("   total users: %d\n", len(all))

	fmt.Println()
	fmt.Println("✨ Example completed successfully!")
}
