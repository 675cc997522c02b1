package session

import "testing"

func TestNewID_Shape(t *testing.T) {
	for i := 0; i < 1000; i++ {
		id, err := NewID()
		if err != nil {
			t.Fatal(err)
		}
		if !ValidID(id) {
			t.Fatalf("generated id %q does not match the 22-char base64url shape", id)
		}
	}
}

func TestNewID_NoCollisions(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping large entropy run in -short mode")
	}
	seen := make(map[string]struct{}, 1_000_000)
	for i := 0; i < 1_000_000; i++ {
		id, err := NewID()
		if err != nil {
			t.Fatal(err)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("collision after %d ids: %q", i, id)
		}
		seen[id] = struct{}{}
	}
}

func TestValidID_RejectsOtherShapes(t *testing.T) {
	bad := []string{
		"",
		"short",
		"aaaaaaaaaaaaaaaaaaaaa",    // 21 chars
		"aaaaaaaaaaaaaaaaaaaaaaa",  // 23 chars
		"aaaaaaaaaaaaaaaaaaaaa=",   // padding
		"aaaaaaaaaaaaaaaaaaaaa+",   // std-base64 alphabet
		"aaaaaaaaaaaaaaaaaaaaa/",   // std-base64 alphabet
		"aaaaaaaaaaaaaaaaaaaaa\n",  // trailing control
		"../../../../etc/passwdXY", // path-ish
	}
	for _, id := range bad {
		if ValidID(id) {
			t.Fatalf("ValidID(%q) = true, want false", id)
		}
	}
	if !ValidID("Ab0-_Ab0-_Ab0-_Ab0-_Ab") {
		t.Fatalf("full alphabet 22-char id should validate")
	}
}
