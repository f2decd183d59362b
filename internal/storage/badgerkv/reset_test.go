package badgerkv

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nyrvik/tokenvault/internal/core/domain"
)

func newTestResetToken(clock *fakeClock, token string, ownerID int64, ttl time.Duration) *domain.ResetToken {
	return &domain.ResetToken{
		Token:     token,
		OwnerID:   ownerID,
		CreatedAt: clock.NowMilli(),
		ExpiresAt: clock.After(ttl),
	}
}

func mustCreateReset(t *testing.T, resets *ResetTokenStore, rt *domain.ResetToken) {
	t.Helper()
	if rt.ID == 0 {
		id, err := resets.NextID(context.Background())
		if err != nil {
			t.Fatalf("NextID: %v", err)
		}
		rt.ID = id
	}
	if err := resets.Create(context.Background(), rt); err != nil {
		t.Fatalf("Create(%s): %v", rt.Token, err)
	}
}

func TestResetTokenStore_CreateAndGet(t *testing.T) {
	store, clock := newTestStore(t)
	resets := store.ResetTokens()
	ctx := context.Background()

	rt := newTestResetToken(clock, "tvr_alpha", 1, time.Hour)
	mustCreateReset(t, resets, rt)

	got, err := resets.Get(ctx, "tvr_alpha")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.OwnerID != 1 || got.IsUsed {
		t.Fatalf("Get returned wrong token: %+v", got)
	}

	byID, err := resets.GetByID(ctx, rt.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if byID.Token != "tvr_alpha" {
		t.Fatalf("GetByID token = %q", byID.Token)
	}

	_, err = resets.Get(ctx, "tvr_absent")
	if !errors.Is(err, domain.ErrResetTokenNotFound) {
		t.Fatalf("Get missing = %v, want ErrResetTokenNotFound", err)
	}
}

func TestResetTokenStore_CreateConflict(t *testing.T) {
	store, clock := newTestStore(t)
	resets := store.ResetTokens()

	mustCreateReset(t, resets, newTestResetToken(clock, "tvr_dup", 1, time.Hour))

	dup := newTestResetToken(clock, "tvr_dup", 2, time.Hour)
	dup.ID = 99
	err := resets.Create(context.Background(), dup)
	if !errors.Is(err, domain.ErrResetTokenConflict) {
		t.Fatalf("Create duplicate = %v, want ErrResetTokenConflict", err)
	}
}

func TestResetTokenStore_MarkUsedTransition(t *testing.T) {
	store, clock := newTestStore(t)
	resets := store.ResetTokens()
	ctx := context.Background()

	mustCreateReset(t, resets, newTestResetToken(clock, "tvr_once", 1, time.Hour))

	usedAt := clock.After(5 * time.Minute)
	ok, err := resets.MarkUsed(ctx, "tvr_once", usedAt)
	if err != nil || !ok {
		t.Fatalf("MarkUsed = (%v, %v), want (true, nil)", ok, err)
	}

	got, _ := resets.Get(ctx, "tvr_once")
	if !got.IsUsed || got.UsedAt != usedAt {
		t.Fatalf("token after MarkUsed = %+v", got)
	}

	// One-way transition: the second consume reports false and keeps
	// the original timestamp.
	ok, err = resets.MarkUsed(ctx, "tvr_once", clock.After(time.Hour))
	if err != nil || ok {
		t.Fatalf("second MarkUsed = (%v, %v), want (false, nil)", ok, err)
	}
	got, _ = resets.Get(ctx, "tvr_once")
	if got.UsedAt != usedAt {
		t.Fatalf("UsedAt rewritten to %d", got.UsedAt)
	}

	_, err = resets.MarkUsed(ctx, "tvr_absent", usedAt)
	if !errors.Is(err, domain.ErrResetTokenNotFound) {
		t.Fatalf("MarkUsed missing = %v, want ErrResetTokenNotFound", err)
	}
}

func TestResetTokenStore_StateSets(t *testing.T) {
	store, clock := newTestStore(t)
	resets := store.ResetTokens()
	ctx := context.Background()

	mustCreateReset(t, resets, newTestResetToken(clock, "tvr_a", 1, time.Hour))
	mustCreateReset(t, resets, newTestResetToken(clock, "tvr_b", 1, time.Hour))
	mustCreateReset(t, resets, newTestResetToken(clock, "tvr_c", 2, time.Hour))

	if _, err := resets.MarkUsed(ctx, "tvr_b", clock.NowMilli()); err != nil {
		t.Fatalf("MarkUsed: %v", err)
	}

	pending, err := resets.PendingTokens(ctx)
	if err != nil {
		t.Fatalf("PendingTokens: %v", err)
	}
	if fmt.Sprint(pending) != fmt.Sprint([]string{"tvr_a", "tvr_c"}) {
		t.Fatalf("PendingTokens = %v", pending)
	}

	used, err := resets.UsedTokens(ctx)
	if err != nil {
		t.Fatalf("UsedTokens: %v", err)
	}
	if fmt.Sprint(used) != fmt.Sprint([]string{"tvr_b"}) {
		t.Fatalf("UsedTokens = %v", used)
	}
}

func TestResetTokenStore_TokensByOwner(t *testing.T) {
	store, clock := newTestStore(t)
	resets := store.ResetTokens()
	ctx := context.Background()

	mustCreateReset(t, resets, newTestResetToken(clock, "tvr_late", 5, 2*time.Hour))
	mustCreateReset(t, resets, newTestResetToken(clock, "tvr_soon", 5, time.Hour))
	mustCreateReset(t, resets, newTestResetToken(clock, "tvr_other", 6, time.Hour))

	all, err := resets.TokensByOwner(ctx, 5, false)
	if err != nil {
		t.Fatalf("TokensByOwner: %v", err)
	}
	if fmt.Sprint(all) != fmt.Sprint([]string{"tvr_soon", "tvr_late"}) {
		t.Fatalf("TokensByOwner = %v", all)
	}

	if _, err := resets.MarkUsed(ctx, "tvr_soon", clock.NowMilli()); err != nil {
		t.Fatalf("MarkUsed: %v", err)
	}
	pendingOnly, err := resets.TokensByOwner(ctx, 5, true)
	if err != nil {
		t.Fatalf("TokensByOwner pending: %v", err)
	}
	if fmt.Sprint(pendingOnly) != fmt.Sprint([]string{"tvr_late"}) {
		t.Fatalf("pending TokensByOwner = %v", pendingOnly)
	}
}

func TestResetTokenStore_DeleteCleansIndexes(t *testing.T) {
	store, clock := newTestStore(t)
	resets := store.ResetTokens()
	ctx := context.Background()

	rt := newTestResetToken(clock, "tvr_gone", 9, time.Hour)
	mustCreateReset(t, resets, rt)

	found, err := resets.Delete(ctx, "tvr_gone")
	if err != nil || !found {
		t.Fatalf("Delete = (%v, %v), want (true, nil)", found, err)
	}

	if _, err := resets.Get(ctx, "tvr_gone"); !errors.Is(err, domain.ErrResetTokenNotFound) {
		t.Fatalf("Get after delete = %v", err)
	}
	byOwner, _ := resets.TokensByOwner(ctx, 9, false)
	if len(byOwner) != 0 {
		t.Fatalf("owner index after delete = %v", byOwner)
	}
	pending, _ := resets.PendingTokens(ctx)
	if len(pending) != 0 {
		t.Fatalf("pending set after delete = %v", pending)
	}
	expiring, _ := resets.TokensExpiringBetween(ctx, 0, rt.ExpiresAt+1)
	if len(expiring) != 0 {
		t.Fatalf("expiry index after delete = %v", expiring)
	}

	found, err = resets.Delete(ctx, "tvr_gone")
	if err != nil || found {
		t.Fatalf("second Delete = (%v, %v), want (false, nil)", found, err)
	}
}

func TestResetTokenStore_TokensExpiringBetweenOrdered(t *testing.T) {
	store, clock := newTestStore(t)
	resets := store.ResetTokens()
	ctx := context.Background()

	mustCreateReset(t, resets, newTestResetToken(clock, "tvr_2h", 1, 2*time.Hour))
	mustCreateReset(t, resets, newTestResetToken(clock, "tvr_30m", 2, 30*time.Minute))
	mustCreateReset(t, resets, newTestResetToken(clock, "tvr_4h", 3, 4*time.Hour))

	got, err := resets.TokensExpiringBetween(ctx, clock.NowMilli(), clock.After(3*time.Hour))
	if err != nil {
		t.Fatalf("TokensExpiringBetween: %v", err)
	}
	if fmt.Sprint(got) != fmt.Sprint([]string{"tvr_30m", "tvr_2h"}) {
		t.Fatalf("TokensExpiringBetween = %v", got)
	}
}

func TestResetTokenStore_Stats(t *testing.T) {
	store, clock := newTestStore(t)
	resets := store.ResetTokens()
	ctx := context.Background()

	mustCreateReset(t, resets, newTestResetToken(clock, "tvr_s1", 1, time.Minute))
	mustCreateReset(t, resets, newTestResetToken(clock, "tvr_s2", 1, time.Hour))
	mustCreateReset(t, resets, newTestResetToken(clock, "tvr_s3", 2, time.Hour))

	if _, err := resets.MarkUsed(ctx, "tvr_s2", clock.NowMilli()); err != nil {
		t.Fatalf("MarkUsed: %v", err)
	}
	clock.Advance(5 * time.Minute)

	stats, err := resets.Stats(ctx, clock.NowMilli())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalTracked != 3 || stats.Live != 2 || stats.Expired != 1 {
		t.Fatalf("Stats = %+v", stats)
	}
	if stats.Pending != 2 || stats.Used != 1 {
		t.Fatalf("Stats state counts = %+v", stats)
	}
}
