package cid_test

import (
	"context"
	"testing"

	"wavelink/internal/cid"
)

func TestCIDRoundtrip(t *testing.T) {
	ctx := cid.WithCID(context.Background(), "cid-123")
	if got := cid.FromContext(ctx); got != "cid-123" {
		t.Fatalf("expected cid-123, got %q", got)
	}
	if got := cid.FromContext(context.Background()); got != "" {
		t.Fatalf("expected empty cid on fresh context, got %q", got)
	}
}

func TestAddHeaderFromContext(t *testing.T) {
	headers := map[string][]string{}
	cid.AddHeaderFromContext(headers, context.Background())
	if len(headers) != 0 {
		t.Fatalf("no header expected without cid, got %v", headers)
	}

	ctx := cid.WithCID(context.Background(), "abc")
	cid.AddHeaderFromContext(headers, ctx)
	if got := headers[cid.HeaderName]; len(got) != 1 || got[0] != "abc" {
		t.Fatalf("expected header %s=abc, got %v", cid.HeaderName, got)
	}
}
