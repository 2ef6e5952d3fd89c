package sqlitedir

import (
	"context"
	"path/filepath"
	"testing"
)

func openTempStore(t *testing.T, openAccess bool) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "directory.db"), openAccess)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	if _, err := Open("", false); err == nil {
		t.Fatal("expected empty path error")
	}
}

func TestBansAndAllowList(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := openTempStore(t, false)

	if allowed, err := store.IsAllowed(ctx, "did:a"); err != nil || allowed {
		t.Fatalf("IsAllowed before allow = %v, %v", allowed, err)
	}
	if err := store.Allow(ctx, "did:a"); err != nil {
		t.Fatalf("allow: %v", err)
	}
	if err := store.Allow(ctx, "did:a"); err != nil {
		t.Fatalf("allow twice: %v", err)
	}
	if allowed, err := store.IsAllowed(ctx, "did:a"); err != nil || !allowed {
		t.Fatalf("IsAllowed after allow = %v, %v", allowed, err)
	}

	if err := store.Ban(ctx, "did:a", "spam"); err != nil {
		t.Fatalf("ban: %v", err)
	}
	if banned, err := store.IsBanned(ctx, "did:a"); err != nil || !banned {
		t.Fatalf("IsBanned after ban = %v, %v", banned, err)
	}
	if err := store.Unban(ctx, "did:a"); err != nil {
		t.Fatalf("unban: %v", err)
	}
	if banned, err := store.IsBanned(ctx, "did:a"); err != nil || banned {
		t.Fatalf("IsBanned after unban = %v, %v", banned, err)
	}
}

func TestOpenAccessSkipsAllowList(t *testing.T) {
	t.Parallel()

	store := openTempStore(t, true)
	if allowed, err := store.IsAllowed(context.Background(), "did:stranger"); err != nil || !allowed {
		t.Fatalf("IsAllowed with open access = %v, %v", allowed, err)
	}
}

func TestBlocksAndCommunity(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := openTempStore(t, false)

	if err := store.Block(ctx, "did:a", "did:b"); err != nil {
		t.Fatalf("block: %v", err)
	}
	if blocks, _ := store.DoesBlock(ctx, "did:a", "did:b"); !blocks {
		t.Fatal("expected a to block b")
	}
	if blocks, _ := store.DoesBlock(ctx, "did:b", "did:a"); blocks {
		t.Fatal("blocks must be directional")
	}
	if err := store.Unblock(ctx, "did:a", "did:b"); err != nil {
		t.Fatalf("unblock: %v", err)
	}
	if blocks, _ := store.DoesBlock(ctx, "did:a", "did:b"); blocks {
		t.Fatal("block survived unblock")
	}

	if err := store.AddMember(ctx, "did:a", "did:b", false); err != nil {
		t.Fatalf("add member: %v", err)
	}
	if member, _ := store.IsMember(ctx, "did:a", "did:b"); !member {
		t.Fatal("expected b to be a member of a's community")
	}
	if inner, _ := store.IsInnerCircle(ctx, "did:a", "did:b"); inner {
		t.Fatal("b is not inner circle yet")
	}
	if err := store.AddMember(ctx, "did:a", "did:b", true); err != nil {
		t.Fatalf("promote member: %v", err)
	}
	if inner, _ := store.IsInnerCircle(ctx, "did:a", "did:b"); !inner {
		t.Fatal("expected b to be promoted to inner circle")
	}
}

func TestLookupHonorsCancelledContext(t *testing.T) {
	t.Parallel()

	store := openTempStore(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := store.IsBanned(ctx, "did:a"); err == nil {
		t.Fatal("expected cancelled context error")
	}
}
