package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nyrvik/tokenvault/internal/core/domain"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *fakeClock) Now() time.Time             { return c.now }
func (c *fakeClock) Advance(d time.Duration)    { c.now = c.now.Add(d) }
func (c *fakeClock) NowMilli() int64            { return c.now.UnixMilli() }
func (c *fakeClock) After(d time.Duration) int64 { return c.now.Add(d).UnixMilli() }

func newTestSession(clock *fakeClock, token string, ownerID int64, ttl time.Duration) *domain.Session {
	return &domain.Session{
		Token:          token,
		OwnerID:        ownerID,
		IPAddress:      "10.0.0.1",
		UserAgent:      "test-agent",
		CreatedAt:      clock.NowMilli(),
		ExpiresAt:      clock.After(ttl),
		LastActivityAt: clock.NowMilli(),
	}
}

func mustCreate(t *testing.T, store *SessionStore, session *domain.Session) []string {
	t.Helper()
	if session.ID == 0 {
		id, err := store.NextID(context.Background())
		if err != nil {
			t.Fatalf("NextID: %v", err)
		}
		session.ID = id
	}
	evicted, err := store.Create(context.Background(), session)
	if err != nil {
		t.Fatalf("Create(%s): %v", session.Token, err)
	}
	return evicted
}

func TestSessionStore_CreateAndGet(t *testing.T) {
	clock := newFakeClock()
	store := NewSessionStore(WithClock(clock.Now))
	ctx := context.Background()

	session := newTestSession(clock, "tvs_alpha", 1, time.Hour)
	mustCreate(t, store, session)

	got, err := store.Get(ctx, "tvs_alpha")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.OwnerID != 1 || got.ExpiresAt != session.ExpiresAt {
		t.Fatalf("Get returned wrong session: %+v", got)
	}

	byID, err := store.GetByID(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if byID.Token != "tvs_alpha" {
		t.Fatalf("GetByID token = %q", byID.Token)
	}

	// Returned sessions are clones.
	got.OwnerID = 999
	again, _ := store.Get(ctx, "tvs_alpha")
	if again.OwnerID != 1 {
		t.Fatal("mutating returned session affected the store")
	}
}

func TestSessionStore_GetMissing(t *testing.T) {
	store := NewSessionStore()

	_, err := store.Get(context.Background(), "tvs_absent")
	if !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("Get = %v, want ErrSessionNotFound", err)
	}
}

func TestSessionStore_GetExpiredStillPhysical(t *testing.T) {
	clock := newFakeClock()
	store := NewSessionStore(WithClock(clock.Now))
	ctx := context.Background()

	mustCreate(t, store, newTestSession(clock, "tvs_short", 1, time.Minute))
	clock.Advance(2 * time.Minute)

	// Physical read: the record is expired but unswept.
	got, err := store.Get(ctx, "tvs_short")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.IsExpiredAt(clock.NowMilli()) {
		t.Fatal("session should be logically expired")
	}
}

func TestSessionStore_CreateConflict(t *testing.T) {
	clock := newFakeClock()
	store := NewSessionStore(WithClock(clock.Now))

	mustCreate(t, store, newTestSession(clock, "tvs_dup", 1, time.Hour))

	dup := newTestSession(clock, "tvs_dup", 2, time.Hour)
	dup.ID = 99
	_, err := store.Create(context.Background(), dup)
	if !errors.Is(err, domain.ErrSessionConflict) {
		t.Fatalf("Create duplicate = %v, want ErrSessionConflict", err)
	}
}

func TestSessionStore_EvictsEarliestExpiring(t *testing.T) {
	clock := newFakeClock()
	store := NewSessionStore(WithClock(clock.Now), WithMaxSessionsPerOwner(15))

	// Fill the cap with staggered expiries; tvs_s00 expires first.
	for i := 0; i < 15; i++ {
		ttl := time.Hour + time.Duration(i)*time.Minute
		mustCreate(t, store, newTestSession(clock, fmt.Sprintf("tvs_s%02d", i), 7, ttl))
	}

	evicted := mustCreate(t, store, newTestSession(clock, "tvs_s15", 7, 2*time.Hour))
	if len(evicted) != 1 || evicted[0] != "tvs_s00" {
		t.Fatalf("evicted = %v, want [tvs_s00]", evicted)
	}

	if _, err := store.Get(context.Background(), "tvs_s00"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("evicted session still readable: %v", err)
	}

	count, _ := store.CountByOwner(context.Background(), 7)
	if count != 15 {
		t.Fatalf("CountByOwner = %d, want 15", count)
	}
}

func TestSessionStore_EvictionTieBreaksLexically(t *testing.T) {
	clock := newFakeClock()
	store := NewSessionStore(WithClock(clock.Now), WithMaxSessionsPerOwner(2))

	// Same expiry; the lexically smallest token goes first.
	mustCreate(t, store, newTestSession(clock, "tvs_bbb", 1, time.Hour))
	mustCreate(t, store, newTestSession(clock, "tvs_aaa", 1, time.Hour))

	evicted := mustCreate(t, store, newTestSession(clock, "tvs_ccc", 1, time.Hour))
	if len(evicted) != 1 || evicted[0] != "tvs_aaa" {
		t.Fatalf("evicted = %v, want [tvs_aaa]", evicted)
	}
}

func TestSessionStore_CreatePrunesExpiredBeforeEvicting(t *testing.T) {
	clock := newFakeClock()
	store := NewSessionStore(WithClock(clock.Now), WithMaxSessionsPerOwner(2))

	mustCreate(t, store, newTestSession(clock, "tvs_old", 1, time.Minute))
	mustCreate(t, store, newTestSession(clock, "tvs_live", 1, time.Hour))

	clock.Advance(5 * time.Minute) // tvs_old is now expired

	evicted := mustCreate(t, store, newTestSession(clock, "tvs_new", 1, time.Hour))
	if len(evicted) != 1 || evicted[0] != "tvs_old" {
		t.Fatalf("evicted = %v, want [tvs_old]", evicted)
	}
	if _, err := store.Get(context.Background(), "tvs_live"); err != nil {
		t.Fatalf("live session was evicted: %v", err)
	}
}

func TestSessionStore_DeleteCleansAllIndexes(t *testing.T) {
	clock := newFakeClock()
	store := NewSessionStore(WithClock(clock.Now))
	ctx := context.Background()

	session := newTestSession(clock, "tvs_gone", 3, time.Hour)
	mustCreate(t, store, session)

	ok, err := store.Delete(ctx, "tvs_gone")
	if err != nil || !ok {
		t.Fatalf("Delete = %v, %v", ok, err)
	}

	if _, err := store.Get(ctx, "tvs_gone"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatal("primary record survived delete")
	}
	if _, err := store.GetByID(ctx, session.ID); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatal("id index survived delete")
	}
	if tokens, _ := store.TokensByOwner(ctx, 3, false, clock.NowMilli()); len(tokens) != 0 {
		t.Fatalf("owner index survived delete: %v", tokens)
	}
	if tokens, _ := store.TokensByIP(ctx, "10.0.0.1"); len(tokens) != 0 {
		t.Fatalf("ip index survived delete: %v", tokens)
	}
	if tokens, _ := store.TokensExpiringBetween(ctx, 0, session.ExpiresAt+1); len(tokens) != 0 {
		t.Fatalf("expiry index survived delete: %v", tokens)
	}
	if tokens, _ := store.TokensInactiveBefore(ctx, clock.NowMilli()+1); len(tokens) != 0 {
		t.Fatalf("activity index survived delete: %v", tokens)
	}

	ok, _ = store.Delete(ctx, "tvs_gone")
	if ok {
		t.Fatal("second Delete = true")
	}
}

func TestSessionStore_TouchMonotonic(t *testing.T) {
	clock := newFakeClock()
	store := NewSessionStore(WithClock(clock.Now))
	ctx := context.Background()

	session := newTestSession(clock, "tvs_touch", 1, time.Hour)
	mustCreate(t, store, session)

	later := clock.After(10 * time.Minute)
	if ok, err := store.Touch(ctx, "tvs_touch", later); err != nil || !ok {
		t.Fatalf("Touch = %v, %v", ok, err)
	}

	// A stale touch must not move activity backwards.
	if ok, _ := store.Touch(ctx, "tvs_touch", later-5000); !ok {
		t.Fatal("stale Touch = false, want true")
	}

	got, _ := store.Get(ctx, "tvs_touch")
	if got.LastActivityAt != later {
		t.Fatalf("LastActivityAt = %d, want %d", got.LastActivityAt, later)
	}

	// Activity index tracks the advanced score.
	if tokens, _ := store.TokensInactiveBefore(ctx, later-1); len(tokens) != 0 {
		t.Fatalf("activity index stale: %v", tokens)
	}

	if ok, _ := store.Touch(ctx, "tvs_absent", later); ok {
		t.Fatal("Touch on absent session = true")
	}
}

func TestSessionStore_ExtendMovesExpiryIndexes(t *testing.T) {
	clock := newFakeClock()
	store := NewSessionStore(WithClock(clock.Now))
	ctx := context.Background()

	session := newTestSession(clock, "tvs_ext", 1, time.Hour)
	mustCreate(t, store, session)

	newExpiry := clock.After(48 * time.Hour)
	if ok, err := store.Extend(ctx, "tvs_ext", newExpiry); err != nil || !ok {
		t.Fatalf("Extend = %v, %v", ok, err)
	}

	got, _ := store.Get(ctx, "tvs_ext")
	if got.ExpiresAt != newExpiry {
		t.Fatalf("ExpiresAt = %d, want %d", got.ExpiresAt, newExpiry)
	}

	// Old expiry window must be empty, new window must hold the token.
	if tokens, _ := store.TokensExpiringBetween(ctx, 0, session.ExpiresAt); len(tokens) != 0 {
		t.Fatalf("old expiry window still populated: %v", tokens)
	}
	tokens, _ := store.TokensExpiringBetween(ctx, newExpiry, newExpiry)
	if len(tokens) != 1 || tokens[0] != "tvs_ext" {
		t.Fatalf("new expiry window = %v", tokens)
	}
}

func TestSessionStore_TokensByOwnerLiveOnly(t *testing.T) {
	clock := newFakeClock()
	store := NewSessionStore(WithClock(clock.Now))
	ctx := context.Background()

	mustCreate(t, store, newTestSession(clock, "tvs_a", 1, time.Minute))
	mustCreate(t, store, newTestSession(clock, "tvs_b", 1, time.Hour))

	clock.Advance(5 * time.Minute)
	now := clock.NowMilli()

	all, _ := store.TokensByOwner(ctx, 1, false, now)
	if len(all) != 2 {
		t.Fatalf("all tokens = %v, want 2", all)
	}

	live, _ := store.TokensByOwner(ctx, 1, true, now)
	if len(live) != 1 || live[0] != "tvs_b" {
		t.Fatalf("live tokens = %v, want [tvs_b]", live)
	}
}

func TestSessionStore_IPIndexHorizon(t *testing.T) {
	clock := newFakeClock()
	store := NewSessionStore(WithClock(clock.Now), WithIPIndexHorizon(24*time.Hour))
	ctx := context.Background()

	mustCreate(t, store, newTestSession(clock, "tvs_ip1", 1, 100*time.Hour))

	tokens, _ := store.TokensByIP(ctx, "10.0.0.1")
	if len(tokens) != 1 {
		t.Fatalf("TokensByIP = %v, want 1", tokens)
	}

	// Past the horizon the bucket is forgotten even though the session
	// itself is still live.
	clock.Advance(25 * time.Hour)
	tokens, _ = store.TokensByIP(ctx, "10.0.0.1")
	if len(tokens) != 0 {
		t.Fatalf("TokensByIP past horizon = %v, want none", tokens)
	}
	if _, err := store.Get(ctx, "tvs_ip1"); err != nil {
		t.Fatalf("session vanished with its ip bucket: %v", err)
	}
}

func TestSessionStore_ExpiryRangeOrdering(t *testing.T) {
	clock := newFakeClock()
	store := NewSessionStore(WithClock(clock.Now))
	ctx := context.Background()

	mustCreate(t, store, newTestSession(clock, "tvs_late", 1, 3*time.Hour))
	mustCreate(t, store, newTestSession(clock, "tvs_soon", 2, time.Hour))
	mustCreate(t, store, newTestSession(clock, "tvs_mid", 3, 2*time.Hour))

	tokens, _ := store.TokensExpiringBetween(ctx, 0, clock.After(4*time.Hour))
	want := []string{"tvs_soon", "tvs_mid", "tvs_late"}
	for i, tok := range want {
		if tokens[i] != tok {
			t.Fatalf("expiry order = %v, want %v", tokens, want)
		}
	}
}

func TestSessionStore_Stats(t *testing.T) {
	clock := newFakeClock()
	store := NewSessionStore(WithClock(clock.Now))

	mustCreate(t, store, newTestSession(clock, "tvs_live1", 1, time.Hour))
	mustCreate(t, store, newTestSession(clock, "tvs_live2", 2, time.Hour))
	mustCreate(t, store, newTestSession(clock, "tvs_dead", 2, time.Minute))

	clock.Advance(10 * time.Minute)

	stats, err := store.Stats(context.Background(), clock.NowMilli())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalTracked != 3 || stats.Live != 2 || stats.Expired != 1 || stats.Owners != 2 {
		t.Fatalf("Stats = %+v", stats)
	}
}

func TestSessionStore_NextIDMonotonic(t *testing.T) {
	store := NewSessionStore()
	ctx := context.Background()

	prev := int64(0)
	for i := 0; i < 100; i++ {
		id, err := store.NextID(ctx)
		if err != nil {
			t.Fatalf("NextID: %v", err)
		}
		if id <= prev {
			t.Fatalf("NextID not increasing: %d after %d", id, prev)
		}
		prev = id
	}
}
