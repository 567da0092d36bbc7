package engine

import "testing"

type typedUser struct {
	Name string `msgpack:"name"`
	Age  int64  `msgpack:"age"`
}

type typedOrder struct {
	Total int64 `msgpack:"total"`
}

func TestTypedInsertGetRoundTrip(t *testing.T) {
	db, err := Open(":memory:", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	users, err := Typed[typedUser](db, "users")
	if err != nil {
		t.Fatalf("Typed: %v", err)
	}
	id, err := users.Insert(typedUser{Name: "Ada", Age: 36})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	got, err := users.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "Ada" || got.Age != 36 {
		t.Fatalf("Get = %+v; want {Ada 36}", got)
	}
}

func TestTypedReopenWithDifferentTypeFails(t *testing.T) {
	db, err := Open(":memory:", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	if _, err := Typed[typedUser](db, "things"); err != nil {
		t.Fatalf("Typed[typedUser]: %v", err)
	}
	if _, err := Typed[typedOrder](db, "things"); err != ErrTypeMismatch {
		t.Fatalf("Typed[typedOrder] error = %v; want ErrTypeMismatch", err)
	}
}

func TestTypedReopenWithSameTypeSucceeds(t *testing.T) {
	db, err := Open(":memory:", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	if _, err := Typed[typedUser](db, "users"); err != nil {
		t.Fatalf("first Typed: %v", err)
	}
	if _, err := Typed[typedUser](db, "users"); err != nil {
		t.Fatalf("second Typed with the same type: %v", err)
	}
}

func TestTypedUpdateAndDelete(t *testing.T) {
	db, err := Open(":memory:", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	users, _ := Typed[typedUser](db, "users")
	id, _ := users.Insert(typedUser{Name: "Ada", Age: 36})

	if err := users.Update(id, typedUser{Name: "Grace", Age: 37}, 1); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, _ := users.Get(id)
	if got.Name != "Grace" {
		t.Fatalf("Name after Update = %q; want Grace", got.Name)
	}

	if err := users.Delete(id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := users.Get(id); err == nil {
		t.Fatal("expected an error fetching a deleted entity")
	}
}

func TestTypedFindVisitsMatches(t *testing.T) {
	db, err := Open(":memory:", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	users, _ := Typed[typedUser](db, "users")
	users.Insert(typedUser{Name: "Ada", Age: 36})
	users.Insert(typedUser{Name: "Grace", Age: 40})

	var names []string
	err = users.Find(nil, func(id string, v typedUser) bool {
		names = append(names, v.Name)
		return true
	})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(names) != 2 {
		t.Fatalf("Find visited %v; want 2 entities", names)
	}
}
