package tags

import (
	"slices"
	"testing"
)

// TestContext_NestedPushRelease verifies Current between strictly nested operations.
// Params: testing.T for assertions.
// Returns: none.
func TestContext_NestedPushRelease(t *testing.T) {
	var ctx Context

	if got := ctx.Current(); len(got) != 0 {
		t.Fatalf("expected empty tags, got %v", got)
	}

	outer := ctx.Push("dc1")
	assertTags(t, &ctx, "dc1")

	middle := ctx.Push("api")
	assertTags(t, &ctx, "dc1", "api")

	inner := ctx.Push("canary")
	assertTags(t, &ctx, "dc1", "api", "canary")

	inner.Release()
	assertTags(t, &ctx, "dc1", "api")

	again := ctx.Push("blue")
	assertTags(t, &ctx, "dc1", "api", "blue")
	again.Release()

	middle.Release()
	assertTags(t, &ctx, "dc1")

	outer.Release()
	assertTags(t, &ctx)
}

// TestContext_ReleaseIsIdempotent verifies double release does not unwind a sibling scope.
// Params: testing.T for assertions.
// Returns: none.
func TestContext_ReleaseIsIdempotent(t *testing.T) {
	var ctx Context

	first := ctx.Push("a")
	first.Release()
	second := ctx.Push("b")

	first.Release()
	assertTags(t, &ctx, "b")

	second.Release()
	assertTags(t, &ctx)
}

// TestContext_SnapshotIsDetached verifies Current is a point-in-time copy.
// Params: testing.T for assertions.
// Returns: none.
func TestContext_SnapshotIsDetached(t *testing.T) {
	var ctx Context

	scope := ctx.Push("a")
	snapshot := ctx.Current()
	inner := ctx.Push("b")

	if !slices.Equal(snapshot, []string{"a"}) {
		t.Fatalf("snapshot changed after push: %v", snapshot)
	}

	snapshot[0] = "mutated"
	assertTags(t, &ctx, "a", "b")

	inner.Release()
	scope.Release()
}

// TestContext_OutOfOrderRelease documents non-LIFO release behavior.
// Params: testing.T for assertions.
// Returns: none.
func TestContext_OutOfOrderRelease(t *testing.T) {
	var ctx Context

	outer := ctx.Push("outer")
	inner := ctx.Push("inner")

	outer.Release()
	assertTags(t, &ctx)

	inner.Release()
	assertTags(t, &ctx, "outer")
}

// TestScope_NilRelease verifies releasing a nil scope is safe.
// Params: testing.T for assertions.
// Returns: none.
func TestScope_NilRelease(t *testing.T) {
	var scope *Scope
	scope.Release()
}

// assertTags compares active tags with expectation.
// Params: t test context; ctx tag context; want expected tags outer-to-inner.
// Returns: none; fails test on mismatch.
func assertTags(t *testing.T, ctx *Context, want ...string) {
	t.Helper()
	got := ctx.Current()
	if len(got) == 0 && len(want) == 0 {
		return
	}
	if !slices.Equal(got, want) {
		t.Fatalf("unexpected tags: got %v want %v", got, want)
	}
}
