package vault

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryVaultRoundTrip(t *testing.T) {
	v := NewMemoryVault()
	ctx := context.Background()

	if _, err := v.Retrieve(ctx, ServiceTwilio, "SK1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := v.Store(ctx, ServiceTwilio, "SK1", "s3cret"); err != nil {
		t.Fatalf("store: %v", err)
	}
	got, err := v.Retrieve(ctx, ServiceTwilio, "SK1")
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if got != "s3cret" {
		t.Fatalf("unexpected secret %q", got)
	}

	// Entries are keyed, not singleton: same account under another service
	// does not collide.
	if err := v.Store(ctx, ServiceSIP, "SK1", "other"); err != nil {
		t.Fatalf("store: %v", err)
	}
	got, _ = v.Retrieve(ctx, ServiceTwilio, "SK1")
	if got != "s3cret" {
		t.Fatalf("cross-service collision: %q", got)
	}

	if err := v.Delete(ctx, ServiceTwilio, "SK1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := v.Retrieve(ctx, ServiceTwilio, "SK1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestMemoryVaultRequiresKeys(t *testing.T) {
	v := NewMemoryVault()
	if err := v.Store(context.Background(), "", "acct", "x"); err == nil {
		t.Fatalf("expected error for empty service")
	}
	if err := v.Store(context.Background(), "svc", "", "x"); err == nil {
		t.Fatalf("expected error for empty account")
	}
}
