// Package allowlist holds the set of Discord users permitted to create
// sessions, plus the frozen admin set that gates the admin HTTP surface.
//
// The in-memory state is authoritative at runtime. Runtime-added entries are
// mirrored to a JSON snapshot in the data directory so they survive restarts;
// admin and config-seeded entries are rehydrated from configuration on boot
// and never written to disk.
package allowlist

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// AddedByConfig marks entries seeded from configuration rather than added by
// an admin at runtime. Such entries are not persisted.
const AddedByConfig = "config"

type User struct {
	DiscordUserID string    `json:"discord_user_id"`
	AddedAt       time.Time `json:"added_at"`
	AddedBy       string    `json:"added_by"`
}

type List struct {
	log   *slog.Logger
	clock clockwork.Clock
	store *store

	admins map[string]struct{}

	mu    sync.RWMutex
	users map[string]User
}

type Config struct {
	// Admins is frozen at construction; admins are implicitly allowed and can
	// never be removed.
	Admins []string

	// InitialUsers are seeded on every boot with AddedBy="config".
	InitialUsers []string

	// DataDir is where the runtime snapshot lives. Empty disables persistence.
	DataDir string

	Logger *slog.Logger
	Clock  clockwork.Clock
}

// New builds the list from configuration plus any snapshot found in DataDir.
// Snapshot read errors are logged and ignored; configuration always wins.
func New(cfg Config) *List {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	l := &List{
		log:    log,
		clock:  clock,
		admins: make(map[string]struct{}, len(cfg.Admins)),
		users:  make(map[string]User),
	}
	if cfg.DataDir != "" {
		l.store = newStore(cfg.DataDir, log)
	}

	now := clock.Now()
	for _, id := range cfg.Admins {
		if id == "" {
			continue
		}
		l.admins[id] = struct{}{}
		l.users[id] = User{DiscordUserID: id, AddedAt: now, AddedBy: AddedByConfig}
	}
	for _, id := range cfg.InitialUsers {
		if id == "" {
			continue
		}
		if _, ok := l.users[id]; ok {
			continue
		}
		l.users[id] = User{DiscordUserID: id, AddedAt: now, AddedBy: AddedByConfig}
	}

	if l.store != nil {
		for _, u := range l.store.load() {
			if _, ok := l.users[u.DiscordUserID]; ok {
				continue
			}
			l.users[u.DiscordUserID] = u
		}
	}

	return l
}

func (l *List) IsAllowed(userID string) bool {
	if userID == "" {
		return false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.users[userID]
	return ok
}

func (l *List) IsAdmin(userID string) bool {
	if userID == "" {
		return false
	}
	_, ok := l.admins[userID]
	return ok
}

// Add inserts userID on behalf of byAdminID. It returns false when the caller
// is not an admin; adding an existing user is a successful no-op.
func (l *List) Add(userID, byAdminID string) bool {
	if !l.IsAdmin(byAdminID) {
		l.log.Warn("allowlist add refused: caller is not an admin", "caller", byAdminID, "target", userID)
		return false
	}
	if userID == "" {
		return false
	}

	l.mu.Lock()
	if _, ok := l.users[userID]; ok {
		l.mu.Unlock()
		return true
	}
	l.users[userID] = User{
		DiscordUserID: userID,
		AddedAt:       l.clock.Now(),
		AddedBy:       byAdminID,
	}
	snapshot := l.persistableLocked()
	l.mu.Unlock()

	l.persist(snapshot)
	l.log.Info("allowlist user added", "user", userID, "by", byAdminID)
	return true
}

// Remove deletes userID on behalf of byAdminID. Admins cannot be removed.
func (l *List) Remove(userID, byAdminID string) bool {
	if !l.IsAdmin(byAdminID) {
		l.log.Warn("allowlist remove refused: caller is not an admin", "caller", byAdminID, "target", userID)
		return false
	}
	if l.IsAdmin(userID) {
		l.log.Warn("allowlist remove refused: target is an admin", "caller", byAdminID, "target", userID)
		return false
	}

	l.mu.Lock()
	if _, ok := l.users[userID]; !ok {
		l.mu.Unlock()
		return false
	}
	delete(l.users, userID)
	snapshot := l.persistableLocked()
	l.mu.Unlock()

	l.persist(snapshot)
	l.log.Info("allowlist user removed", "user", userID, "by", byAdminID)
	return true
}

// Users returns every allowed user, sorted by ID for stable output.
func (l *List) Users() []User {
	l.mu.RLock()
	out := make([]User, 0, len(l.users))
	for _, u := range l.users {
		out = append(out, u)
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DiscordUserID < out[j].DiscordUserID })
	return out
}

func (l *List) Admins() []string {
	out := make([]string, 0, len(l.admins))
	for id := range l.admins {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (l *List) persistableLocked() []User {
	out := make([]User, 0, len(l.users))
	for _, u := range l.users {
		if u.AddedBy == AddedByConfig {
			continue
		}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DiscordUserID < out[j].DiscordUserID })
	return out
}

func (l *List) persist(users []User) {
	if l.store == nil {
		return
	}
	if err := l.store.save(users); err != nil {
		// In-memory state stays authoritative; losing the snapshot only costs
		// runtime-added entries across a restart.
		l.log.Error("failed to persist allowlist snapshot", "err", err)
	}
}
