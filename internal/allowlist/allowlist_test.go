package allowlist

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/jonboulle/clockwork"
)

func newTestList(t *testing.T, dir string) *List {
	t.Helper()
	return New(Config{
		Admins:       []string{"100000000000000001"},
		InitialUsers: []string{"100000000000000002"},
		DataDir:      dir,
		Clock:        clockwork.NewFakeClock(),
	})
}

func TestSeeding(t *testing.T) {
	l := newTestList(t, "")

	if !l.IsAdmin("100000000000000001") {
		t.Fatalf("configured admin should be admin")
	}
	if !l.IsAllowed("100000000000000001") {
		t.Fatalf("admins are implicitly allowed")
	}
	if !l.IsAllowed("100000000000000002") {
		t.Fatalf("initial users should be allowed")
	}
	if l.IsAdmin("100000000000000002") {
		t.Fatalf("initial user must not be admin")
	}
	if l.IsAllowed("") || l.IsAdmin("") {
		t.Fatalf("empty user id must never match")
	}
}

func TestAddRequiresAdmin(t *testing.T) {
	l := newTestList(t, "")

	if l.Add("100000000000000009", "100000000000000002") {
		t.Fatalf("non-admin must not add users")
	}
	if l.IsAllowed("100000000000000009") {
		t.Fatalf("refused add must not mutate state")
	}
	if !l.Add("100000000000000009", "100000000000000001") {
		t.Fatalf("admin add should succeed")
	}
	if !l.IsAllowed("100000000000000009") {
		t.Fatalf("added user should be allowed")
	}

	// Adding an existing user is a successful no-op.
	if !l.Add("100000000000000009", "100000000000000001") {
		t.Fatalf("duplicate add should report success")
	}
}

func TestRemoveRefusesAdmins(t *testing.T) {
	l := newTestList(t, "")

	if l.Remove("100000000000000001", "100000000000000001") {
		t.Fatalf("admins cannot be removed, even by themselves")
	}
	if !l.IsAllowed("100000000000000001") || !l.IsAdmin("100000000000000001") {
		t.Fatalf("admin must remain queryable after refused remove")
	}

	if !l.Remove("100000000000000002", "100000000000000001") {
		t.Fatalf("admin should remove a normal user")
	}
	if l.IsAllowed("100000000000000002") {
		t.Fatalf("removed user should not be allowed")
	}
}

func TestPersistenceSkipsConfigEntries(t *testing.T) {
	dir := t.TempDir()
	l := newTestList(t, dir)

	if !l.Add("100000000000000009", "100000000000000001") {
		t.Fatalf("add failed")
	}

	data, err := os.ReadFile(filepath.Join(dir, snapshotFile))
	if err != nil {
		t.Fatalf("snapshot not written: %v", err)
	}
	var users []User
	if err := json.Unmarshal(data, &users); err != nil {
		t.Fatalf("snapshot not valid JSON: %v", err)
	}
	if len(users) != 1 || users[0].DiscordUserID != "100000000000000009" {
		t.Fatalf("snapshot should contain only the runtime-added user, got %+v", users)
	}
	if users[0].AddedBy != "100000000000000001" {
		t.Fatalf("AddedBy should record the admin, got %q", users[0].AddedBy)
	}
}

func TestSnapshotRehydration(t *testing.T) {
	dir := t.TempDir()

	first := newTestList(t, dir)
	first.Add("100000000000000009", "100000000000000001")

	// Simulate a restart with a reduced initial list; the runtime entry comes
	// back from the snapshot, config entries come back from config.
	second := New(Config{
		Admins:  []string{"100000000000000001"},
		DataDir: dir,
		Clock:   clockwork.NewFakeClock(),
	})
	if !second.IsAllowed("100000000000000009") {
		t.Fatalf("runtime-added user should survive restart")
	}
	if second.IsAllowed("100000000000000002") {
		t.Fatalf("config-seeded user dropped from config must not be rehydrated")
	}
}

func TestMalformedSnapshotIgnored(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, snapshotFile), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	l := newTestList(t, dir)
	if !l.IsAllowed("100000000000000001") {
		t.Fatalf("list should come up from config despite a bad snapshot")
	}
}

func TestUsersSortedAndComplete(t *testing.T) {
	l := newTestList(t, "")
	l.Add("100000000000000003", "100000000000000001")

	users := l.Users()
	if len(users) != 3 {
		t.Fatalf("expected 3 users, got %d", len(users))
	}
	for i := 1; i < len(users); i++ {
		if users[i-1].DiscordUserID >= users[i].DiscordUserID {
			t.Fatalf("users not sorted: %v", users)
		}
	}

	admins := l.Admins()
	if len(admins) != 1 || admins[0] != "100000000000000001" {
		t.Fatalf("unexpected admins %v", admins)
	}
}
