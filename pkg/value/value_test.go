package value

import "testing"

func TestEqualCrossNumeric(t *testing.T) {
	if !Equal(Int(4), Float(4.0)) {
		t.Error("Int(4) should equal Float(4.0)")
	}
	if Equal(Int(4), Float(4.5)) {
		t.Error("Int(4) should not equal Float(4.5)")
	}
}

func TestEqualMapsAndLists(t *testing.T) {
	a := Map(map[string]Value{"x": Int(1), "y": List([]Value{String("a"), String("b")})})
	b := Map(map[string]Value{"x": Int(1), "y": List([]Value{String("a"), String("b")})})
	if !Equal(a, b) {
		t.Error("expected deep-equal maps to be Equal")
	}
	c := Map(map[string]Value{"x": Int(2)})
	if Equal(a, c) {
		t.Error("expected maps with different values to not be Equal")
	}
}

func TestCompareOrdering(t *testing.T) {
	values := []Value{Int(3), Int(1), Int(2)}
	if Compare(values[1], values[2]) >= 0 {
		t.Error("Compare(1, 2) should be negative")
	}
	if Compare(values[0], values[1]) <= 0 {
		t.Error("Compare(3, 1) should be positive")
	}
	if Compare(Int(5), Float(5.0)) != 0 {
		t.Error("Compare(Int(5), Float(5.0)) should be 0")
	}
}

func TestCompareDifferingKinds(t *testing.T) {
	if Compare(Bool(true), String("x")) == 0 {
		t.Error("values of different non-numeric kinds should never compare equal")
	}
}

func TestFromInterfaceRoundTrip(t *testing.T) {
	in := map[string]interface{}{
		"name": "Ada",
		"age":  int64(36),
		"tags": []interface{}{"math", "computing"},
	}
	v, err := FromInterface(in)
	if err != nil {
		t.Fatalf("FromInterface: %v", err)
	}
	if v.Kind != KindMap {
		t.Fatalf("Kind = %v; want KindMap", v.Kind)
	}
	out := v.Interface().(map[string]interface{})
	if out["name"] != "Ada" {
		t.Errorf("name = %v; want Ada", out["name"])
	}
	tags := out["tags"].([]interface{})
	if len(tags) != 2 || tags[0] != "math" {
		t.Errorf("tags = %v", tags)
	}
}

func TestFromInterfaceUnsupportedType(t *testing.T) {
	if _, err := FromInterface(struct{}{}); err == nil {
		t.Error("expected an error converting an unsupported type")
	}
}

func TestGetPathNestedAndIndexed(t *testing.T) {
	doc := Map(map[string]Value{
		"user": Map(map[string]Value{
			"name": String("Grace"),
			"tags": List([]Value{String("admin"), String("staff")}),
		}),
	})

	v, ok := GetPath(doc, "user.name")
	if !ok || v.Str != "Grace" {
		t.Fatalf("GetPath(user.name) = %v, %v; want Grace, true", v, ok)
	}

	v, ok = GetPath(doc, "user.tags[1]")
	if !ok || v.Str != "staff" {
		t.Fatalf("GetPath(user.tags[1]) = %v, %v; want staff, true", v, ok)
	}

	if _, ok := GetPath(doc, "user.missing"); ok {
		t.Error("GetPath should fail on a missing field")
	}
}

func TestSetPathCreatesIntermediateMaps(t *testing.T) {
	v, err := SetPath(Null(), "address.city", String("Boston"))
	if err != nil {
		t.Fatalf("SetPath: %v", err)
	}
	city, ok := GetPath(v, "address.city")
	if !ok || city.Str != "Boston" {
		t.Fatalf("address.city = %v, %v; want Boston, true", city, ok)
	}
}

func TestContainsSubset(t *testing.T) {
	doc := Map(map[string]Value{
		"name": String("Ada"),
		"age":  Int(36),
	})
	needle := Map(map[string]Value{"age": Int(36)})
	if !Contains(doc, needle) {
		t.Error("expected doc to contain the {age: 36} subset")
	}

	mismatch := Map(map[string]Value{"age": Int(99)})
	if Contains(doc, mismatch) {
		t.Error("doc should not contain {age: 99}")
	}
}

func TestParsePathBracketAndDot(t *testing.T) {
	parts := ParsePath("$.a.b[0].c")
	want := []string{"a", "b", "0", "c"}
	if len(parts) != len(want) {
		t.Fatalf("ParsePath = %v; want %v", parts, want)
	}
	for i := range want {
		if parts[i] != want[i] {
			t.Fatalf("ParsePath[%d] = %q; want %q", i, parts[i], want[i])
		}
	}
}
