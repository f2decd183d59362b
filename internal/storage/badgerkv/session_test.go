package badgerkv

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v3"

	"github.com/nyrvik/tokenvault/internal/core/domain"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *fakeClock) Now() time.Time              { return c.now }
func (c *fakeClock) Advance(d time.Duration)     { c.now = c.now.Add(d) }
func (c *fakeClock) NowMilli() int64             { return c.now.UnixMilli() }
func (c *fakeClock) After(d time.Duration) int64 { return c.now.Add(d).UnixMilli() }

func newTestStore(t *testing.T, opts ...Option) (*Store, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	store, err := Open(t.TempDir(), opts...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return store, clock
}

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

func mustCreate(t *testing.T, sessions *SessionStore, session *domain.Session) []string {
	t.Helper()
	if session.ID == 0 {
		id, err := sessions.NextID(context.Background())
		if err != nil {
			t.Fatalf("NextID: %v", err)
		}
		session.ID = id
	}
	evicted, err := sessions.Create(context.Background(), session)
	if err != nil {
		t.Fatalf("Create(%s): %v", session.Token, err)
	}
	return evicted
}

func TestSessionStore_CreateAndGet(t *testing.T) {
	store, clock := newTestStore(t)
	sessions := store.Sessions(15)
	ctx := context.Background()

	session := newTestSession(clock, "tvs_alpha", 1, time.Hour)
	mustCreate(t, sessions, session)

	got, err := sessions.Get(ctx, "tvs_alpha")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.OwnerID != 1 || got.ExpiresAt != session.ExpiresAt {
		t.Fatalf("Get returned wrong session: %+v", got)
	}

	byID, err := sessions.GetByID(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if byID.Token != "tvs_alpha" {
		t.Fatalf("GetByID token = %q", byID.Token)
	}
}

func TestSessionStore_GetMissing(t *testing.T) {
	store, _ := newTestStore(t)
	sessions := store.Sessions(15)

	_, err := sessions.Get(context.Background(), "tvs_absent")
	if !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("Get = %v, want ErrSessionNotFound", err)
	}
}

func TestSessionStore_GetExpiredStillPhysical(t *testing.T) {
	store, clock := newTestStore(t)
	sessions := store.Sessions(15)
	ctx := context.Background()

	mustCreate(t, sessions, newTestSession(clock, "tvs_short", 1, time.Minute))
	clock.Advance(2 * time.Minute)

	// The entry TTL carries a retention grace past logical expiry, so
	// the record is still physically readable.
	got, err := sessions.Get(ctx, "tvs_short")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.IsExpiredAt(clock.NowMilli()) {
		t.Fatal("session should be logically expired")
	}
}

func TestSessionStore_CreateConflict(t *testing.T) {
	store, clock := newTestStore(t)
	sessions := store.Sessions(15)

	mustCreate(t, sessions, newTestSession(clock, "tvs_dup", 1, time.Hour))

	dup := newTestSession(clock, "tvs_dup", 2, time.Hour)
	dup.ID = 99
	_, err := sessions.Create(context.Background(), dup)
	if !errors.Is(err, domain.ErrSessionConflict) {
		t.Fatalf("Create duplicate = %v, want ErrSessionConflict", err)
	}
}

func TestSessionStore_EvictEarliestExpiring(t *testing.T) {
	store, clock := newTestStore(t)
	sessions := store.Sessions(3)

	mustCreate(t, sessions, newTestSession(clock, "tvs_c", 1, 3*time.Hour))
	mustCreate(t, sessions, newTestSession(clock, "tvs_a", 1, time.Hour))
	mustCreate(t, sessions, newTestSession(clock, "tvs_b", 1, 2*time.Hour))

	evicted := mustCreate(t, sessions, newTestSession(clock, "tvs_d", 1, 4*time.Hour))
	if len(evicted) != 1 || evicted[0] != "tvs_a" {
		t.Fatalf("evicted = %v, want [tvs_a]", evicted)
	}

	if _, err := sessions.Get(context.Background(), "tvs_a"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("evicted session still readable: %v", err)
	}
}

func TestSessionStore_EvictLexicalTieBreak(t *testing.T) {
	store, clock := newTestStore(t)
	sessions := store.Sessions(3)

	// Identical expiry; the key order breaks the tie lexically.
	mustCreate(t, sessions, newTestSession(clock, "tvs_zz", 1, time.Hour))
	mustCreate(t, sessions, newTestSession(clock, "tvs_aa", 1, time.Hour))
	mustCreate(t, sessions, newTestSession(clock, "tvs_mm", 1, time.Hour))

	evicted := mustCreate(t, sessions, newTestSession(clock, "tvs_new", 1, 2*time.Hour))
	if len(evicted) != 1 || evicted[0] != "tvs_aa" {
		t.Fatalf("evicted = %v, want [tvs_aa]", evicted)
	}
}

func TestSessionStore_CreatePrunesExpiredBeforeEvicting(t *testing.T) {
	store, clock := newTestStore(t)
	sessions := store.Sessions(3)

	mustCreate(t, sessions, newTestSession(clock, "tvs_old1", 1, time.Minute))
	mustCreate(t, sessions, newTestSession(clock, "tvs_old2", 1, time.Minute))
	mustCreate(t, sessions, newTestSession(clock, "tvs_live", 1, 3*time.Hour))

	clock.Advance(10 * time.Minute)

	// Dropping the two expired sessions makes room; the live one
	// survives.
	evicted := mustCreate(t, sessions, newTestSession(clock, "tvs_new", 1, time.Hour))
	if len(evicted) != 2 {
		t.Fatalf("evicted = %v, want the two expired tokens", evicted)
	}
	if _, err := sessions.Get(context.Background(), "tvs_live"); err != nil {
		t.Fatalf("live session was evicted: %v", err)
	}
}

func TestSessionStore_DeleteCleansIndexes(t *testing.T) {
	store, clock := newTestStore(t)
	sessions := store.Sessions(15)
	ctx := context.Background()

	session := newTestSession(clock, "tvs_gone", 7, time.Hour)
	mustCreate(t, sessions, session)

	found, err := sessions.Delete(ctx, "tvs_gone")
	if err != nil || !found {
		t.Fatalf("Delete = (%v, %v), want (true, nil)", found, err)
	}

	if _, err := sessions.Get(ctx, "tvs_gone"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("Get after delete = %v", err)
	}
	if _, err := sessions.GetByID(ctx, session.ID); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("GetByID after delete = %v", err)
	}

	byOwner, _ := sessions.TokensByOwner(ctx, 7, false, clock.NowMilli())
	if len(byOwner) != 0 {
		t.Fatalf("owner index after delete = %v", byOwner)
	}
	byIP, _ := sessions.TokensByIP(ctx, "10.0.0.1")
	if len(byIP) != 0 {
		t.Fatalf("ip index after delete = %v", byIP)
	}
	expiring, _ := sessions.TokensExpiringBetween(ctx, 0, session.ExpiresAt+1)
	if len(expiring) != 0 {
		t.Fatalf("expiry index after delete = %v", expiring)
	}
	inactive, _ := sessions.TokensInactiveBefore(ctx, session.LastActivityAt+1)
	if len(inactive) != 0 {
		t.Fatalf("activity index after delete = %v", inactive)
	}

	found, err = sessions.Delete(ctx, "tvs_gone")
	if err != nil || found {
		t.Fatalf("second Delete = (%v, %v), want (false, nil)", found, err)
	}
}

func ipEntryExpiresAt(t *testing.T, store *Store, ip, token string) uint64 {
	t.Helper()
	var exp uint64
	err := store.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(sessIPKey(ip, token))
		if err != nil {
			return err
		}
		exp = item.ExpiresAt()
		return nil
	})
	if err != nil {
		t.Fatalf("read ip index entry: %v", err)
	}
	return exp
}

func TestSessionStore_ActivityDoesNotRenewIPIndex(t *testing.T) {
	store, clock := newTestStore(t, WithIPIndexHorizon(time.Hour))
	sessions := store.Sessions(15)
	ctx := context.Background()

	session := newTestSession(clock, "tvs_ip_horizon", 1, 24*time.Hour)
	mustCreate(t, sessions, session)

	before := ipEntryExpiresAt(t, store, session.IPAddress, session.Token)

	// Entry expiry has second resolution; cross into the next second
	// so a rewrite would be visible.
	time.Sleep(1100 * time.Millisecond)

	clock.Advance(10 * time.Minute)
	if _, err := sessions.Touch(ctx, session.Token, clock.NowMilli()); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	if _, err := sessions.Extend(ctx, session.Token, clock.After(24*time.Hour)); err != nil {
		t.Fatalf("Extend: %v", err)
	}

	after := ipEntryExpiresAt(t, store, session.IPAddress, session.Token)
	if after != before {
		t.Fatalf("ip index expiry moved from %d to %d after activity", before, after)
	}
}

func TestSessionStore_TouchMonotonic(t *testing.T) {
	store, clock := newTestStore(t)
	sessions := store.Sessions(15)
	ctx := context.Background()

	session := newTestSession(clock, "tvs_act", 1, time.Hour)
	mustCreate(t, sessions, session)
	created := session.LastActivityAt

	found, err := sessions.Touch(ctx, "tvs_act", clock.After(10*time.Minute))
	if err != nil || !found {
		t.Fatalf("Touch = (%v, %v)", found, err)
	}

	got, _ := sessions.Get(ctx, "tvs_act")
	if got.LastActivityAt != clock.After(10*time.Minute) {
		t.Fatalf("LastActivityAt = %d", got.LastActivityAt)
	}

	// Stale touch does not move activity backwards.
	if _, err := sessions.Touch(ctx, "tvs_act", created); err != nil {
		t.Fatalf("stale Touch: %v", err)
	}
	got, _ = sessions.Get(ctx, "tvs_act")
	if got.LastActivityAt != clock.After(10*time.Minute) {
		t.Fatal("stale touch moved activity backwards")
	}

	// The old index entry moved with the timestamp.
	inactive, _ := sessions.TokensInactiveBefore(ctx, created)
	if len(inactive) != 0 {
		t.Fatalf("activity index kept stale entry: %v", inactive)
	}

	found, err = sessions.Touch(ctx, "tvs_missing", clock.NowMilli())
	if err != nil || found {
		t.Fatalf("Touch missing = (%v, %v), want (false, nil)", found, err)
	}
}

func TestSessionStore_ExtendMovesExpiryIndexes(t *testing.T) {
	store, clock := newTestStore(t)
	sessions := store.Sessions(15)
	ctx := context.Background()

	session := newTestSession(clock, "tvs_ext", 1, time.Hour)
	mustCreate(t, sessions, session)

	newExpiry := clock.After(6 * time.Hour)
	found, err := sessions.Extend(ctx, "tvs_ext", newExpiry)
	if err != nil || !found {
		t.Fatalf("Extend = (%v, %v)", found, err)
	}

	got, _ := sessions.Get(ctx, "tvs_ext")
	if got.ExpiresAt != newExpiry {
		t.Fatalf("ExpiresAt = %d, want %d", got.ExpiresAt, newExpiry)
	}

	// Nothing left at the old expiry slot.
	early, _ := sessions.TokensExpiringBetween(ctx, 0, clock.After(2*time.Hour))
	if len(early) != 0 {
		t.Fatalf("expiry index kept stale entry: %v", early)
	}
	late, _ := sessions.TokensExpiringBetween(ctx, 0, newExpiry)
	if len(late) != 1 || late[0] != "tvs_ext" {
		t.Fatalf("expiry index = %v", late)
	}

	// The owner index moved too: the session is still live well past
	// the original expiry.
	byOwner, _ := sessions.TokensByOwner(ctx, 1, true, clock.After(2*time.Hour))
	if len(byOwner) != 1 || byOwner[0] != "tvs_ext" {
		t.Fatalf("owner index after extend = %v", byOwner)
	}

	found, err = sessions.Extend(ctx, "tvs_missing", newExpiry)
	if err != nil || found {
		t.Fatalf("Extend missing = (%v, %v), want (false, nil)", found, err)
	}
}

func TestSessionStore_TokensByOwnerOrderAndLiveFilter(t *testing.T) {
	store, clock := newTestStore(t)
	sessions := store.Sessions(15)
	ctx := context.Background()

	mustCreate(t, sessions, newTestSession(clock, "tvs_late", 5, 3*time.Hour))
	mustCreate(t, sessions, newTestSession(clock, "tvs_soon", 5, time.Minute))
	mustCreate(t, sessions, newTestSession(clock, "tvs_mid", 5, time.Hour))
	mustCreate(t, sessions, newTestSession(clock, "tvs_other", 6, time.Hour))

	all, err := sessions.TokensByOwner(ctx, 5, false, clock.NowMilli())
	if err != nil {
		t.Fatalf("TokensByOwner: %v", err)
	}
	want := []string{"tvs_soon", "tvs_mid", "tvs_late"}
	if fmt.Sprint(all) != fmt.Sprint(want) {
		t.Fatalf("TokensByOwner = %v, want %v", all, want)
	}

	clock.Advance(2 * time.Minute)
	live, err := sessions.TokensByOwner(ctx, 5, true, clock.NowMilli())
	if err != nil {
		t.Fatalf("TokensByOwner live: %v", err)
	}
	if fmt.Sprint(live) != fmt.Sprint([]string{"tvs_mid", "tvs_late"}) {
		t.Fatalf("live TokensByOwner = %v", live)
	}

	count, err := sessions.CountByOwner(ctx, 5)
	if err != nil || count != 3 {
		t.Fatalf("CountByOwner = (%d, %v), want 3", count, err)
	}
}

func TestSessionStore_TokensByIP(t *testing.T) {
	store, clock := newTestStore(t)
	sessions := store.Sessions(15)
	ctx := context.Background()

	a := newTestSession(clock, "tvs_ip1", 1, time.Hour)
	a.IPAddress = "192.0.2.10"
	b := newTestSession(clock, "tvs_ip2", 2, time.Hour)
	b.IPAddress = "192.0.2.10"
	c := newTestSession(clock, "tvs_ip3", 3, time.Hour)
	c.IPAddress = "192.0.2.99"
	mustCreate(t, sessions, a)
	mustCreate(t, sessions, b)
	mustCreate(t, sessions, c)

	got, err := sessions.TokensByIP(ctx, "192.0.2.10")
	if err != nil {
		t.Fatalf("TokensByIP: %v", err)
	}
	if fmt.Sprint(got) != fmt.Sprint([]string{"tvs_ip1", "tvs_ip2"}) {
		t.Fatalf("TokensByIP = %v", got)
	}

	none, _ := sessions.TokensByIP(ctx, "198.51.100.1")
	if len(none) != 0 {
		t.Fatalf("TokensByIP unknown = %v", none)
	}
}

func TestSessionStore_TokensExpiringBetweenOrdered(t *testing.T) {
	store, clock := newTestStore(t)
	sessions := store.Sessions(15)
	ctx := context.Background()

	mustCreate(t, sessions, newTestSession(clock, "tvs_3h", 1, 3*time.Hour))
	mustCreate(t, sessions, newTestSession(clock, "tvs_1h", 2, time.Hour))
	mustCreate(t, sessions, newTestSession(clock, "tvs_2h", 3, 2*time.Hour))

	got, err := sessions.TokensExpiringBetween(ctx, clock.NowMilli(), clock.After(150*time.Minute))
	if err != nil {
		t.Fatalf("TokensExpiringBetween: %v", err)
	}
	if fmt.Sprint(got) != fmt.Sprint([]string{"tvs_1h", "tvs_2h"}) {
		t.Fatalf("TokensExpiringBetween = %v", got)
	}
}

func TestSessionStore_Stats(t *testing.T) {
	store, clock := newTestStore(t)
	sessions := store.Sessions(15)
	ctx := context.Background()

	mustCreate(t, sessions, newTestSession(clock, "tvs_s1", 1, time.Minute))
	mustCreate(t, sessions, newTestSession(clock, "tvs_s2", 1, time.Hour))
	mustCreate(t, sessions, newTestSession(clock, "tvs_s3", 2, time.Hour))

	clock.Advance(5 * time.Minute)

	stats, err := sessions.Stats(ctx, clock.NowMilli())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalTracked != 3 || stats.Live != 2 || stats.Expired != 1 || stats.Owners != 2 {
		t.Fatalf("Stats = %+v", stats)
	}
}

func TestSessionStore_NextIDMonotonic(t *testing.T) {
	store, _ := newTestStore(t)
	sessions := store.Sessions(15)
	ctx := context.Background()

	prev := int64(0)
	for i := 0; i < 10; i++ {
		id, err := sessions.NextID(ctx)
		if err != nil {
			t.Fatalf("NextID: %v", err)
		}
		if id <= prev {
			t.Fatalf("NextID not increasing: %d after %d", id, prev)
		}
		prev = id
	}
}
