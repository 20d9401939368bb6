package identity

import "testing"

func TestResolveTwoPartyOrderIndependent(t *testing.T) {
	a, err := Resolve([]string{"alice", "bob"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := Resolve([]string{"bob", "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Errorf("Resolve(alice,bob)=%q != Resolve(bob,alice)=%q", a, b)
	}
	if a != "alice:bob" {
		t.Errorf("two-party id = %q, want alice:bob", a)
	}
}

func TestResolveGroupPermutations(t *testing.T) {
	perms := [][]string{
		{"a", "b", "c"},
		{"c", "a", "b"},
		{"b", "c", "a"},
		{"c", "b", "a"},
	}
	want, err := Resolve(perms[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(want) != 64 {
		t.Errorf("group id length = %d, want 64 hex chars", len(want))
	}
	for _, p := range perms[1:] {
		got, err := Resolve(p)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("Resolve(%v) = %q, want %q", p, got, want)
		}
	}
}

func TestResolveMembershipChangesIdentity(t *testing.T) {
	pair, _ := Resolve([]string{"a", "b"})
	group, _ := Resolve([]string{"a", "b", "c"})
	if pair == group {
		t.Error("adding a member must change the derived id")
	}
}

func TestResolveDeduplicates(t *testing.T) {
	a, err := Resolve([]string{"alice", "bob", "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if a != "alice:bob" {
		t.Errorf("duplicate participant should collapse, got %q", a)
	}
}

func TestResolveRejectsDegenerateSets(t *testing.T) {
	cases := [][]string{
		nil,
		{"alice"},
		{"alice", "alice"},
		{"alice", ""},
	}
	for _, c := range cases {
		if _, err := Resolve(c); err == nil {
			t.Errorf("Resolve(%v) should fail", c)
		}
	}
}

func TestCanonical(t *testing.T) {
	got := Canonical([]string{"c", "a", "b", "a"})
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("Canonical = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Canonical = %v, want %v", got, want)
		}
	}
}
