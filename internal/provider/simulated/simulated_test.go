package simulated

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BadgerOps/resurrect/internal/provider"
	"github.com/BadgerOps/resurrect/internal/restoration"
	"github.com/BadgerOps/resurrect/internal/tier"
)

const inventoryYAML = `
projects:
  feature-film:
    assets:
      - id: reel-2
        type: video
        tier: glacier
        size: 12GiB
      - id: reel-1
        type: video
        tier: DEEP_ARCHIVE
        size: 800 MB
      - id: edl
        type: metadata
        tier: hot
        size: 4KiB
`

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestParseInventory(t *testing.T) {
	inv, err := ParseInventory([]byte(inventoryYAML))
	require.NoError(t, err)

	assets := inv["feature-film"]
	require.Len(t, assets, 3)
	assert.Equal(t, tier.Glacier, assets[0].StorageTier)
	assert.Equal(t, int64(12<<30), assets[0].SizeBytes)
	assert.Equal(t, int64(800_000_000), assets[1].SizeBytes)
	assert.Equal(t, "metadata", assets[2].AssetType)
	assert.Equal(t, int64(4096), assets[2].SizeBytes)
}

func TestParseInventoryErrors(t *testing.T) {
	tests := map[string]string{
		"bad tier": "projects:\n  p:\n    assets:\n      - {id: a, tier: tape, size: 1GB}\n",
		"bad size": "projects:\n  p:\n    assets:\n      - {id: a, tier: hot, size: lots}\n",
		"no id":    "projects:\n  p:\n    assets:\n      - {tier: hot, size: 1GB}\n",
		"bad yaml": "projects: [",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseInventory([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadInventory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inventory.yaml")
	require.NoError(t, os.WriteFile(path, []byte(inventoryYAML), 0o644))

	inv, err := LoadInventory(path)
	require.NoError(t, err)
	assert.Len(t, inv["feature-film"], 3)

	_, err = LoadInventory(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestListAssets(t *testing.T) {
	inv, err := ParseInventory([]byte(inventoryYAML))
	require.NoError(t, err)
	p := New(inv, Options{Model: tier.DefaultModel()})

	assets, err := p.ListAssets(context.Background(), "feature-film")
	require.NoError(t, err)
	assert.Equal(t, "edl", assets[0].AssetID, "sorted by asset id")

	_, err = p.ListAssets(context.Background(), "unknown")
	assert.ErrorIs(t, err, restoration.ErrNotFound)

	boom := errors.New("catalogue offline")
	p.FailListing(boom)
	_, err = p.ListAssets(context.Background(), "feature-film")
	assert.ErrorIs(t, err, boom)
}

func TestRestoreWindow(t *testing.T) {
	c := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	p := New(Inventory{}, Options{Model: tier.DefaultModel(), TimeScale: 1, Now: c.now})
	ctx := context.Background()

	h, err := p.IssueRestore(ctx, provider.Call{AssetID: "a", StorageTier: tier.Glacier, Speed: tier.Standard})
	require.NoError(t, err)

	st, err := p.PollStatus(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, provider.StatusPending, st)

	c.advance(239 * time.Minute)
	st, _ = p.PollStatus(ctx, h)
	assert.Equal(t, provider.StatusPending, st)

	c.advance(time.Minute)
	st, _ = p.PollStatus(ctx, h)
	assert.Equal(t, provider.StatusRestored, st)

	assert.NoError(t, p.VerifyIntegrity(ctx, restoration.AssetStorageRecord{AssetID: "a"}, h))
	assert.Len(t, p.Issued(), 1)
}

func TestHandlesSurviveRestart(t *testing.T) {
	c := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	ctx := context.Background()

	first := New(Inventory{}, Options{Model: tier.DefaultModel(), TimeScale: 1, Now: c.now})
	h, err := first.IssueRestore(ctx, provider.Call{AssetID: "film/reel:1.mov", StorageTier: tier.Glacier, Speed: tier.Standard})
	require.NoError(t, err)

	restarted := New(Inventory{}, Options{Model: tier.DefaultModel(), TimeScale: 1, Now: c.now})
	st, err := restarted.PollStatus(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, provider.StatusPending, st)

	c.advance(240 * time.Minute)
	st, err = restarted.PollStatus(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, provider.StatusRestored, st)
	assert.NoError(t, restarted.VerifyIntegrity(ctx, restoration.AssetStorageRecord{AssetID: "film/reel:1.mov"}, h))

	restarted.FailAsset("film/reel:1.mov")
	st, _ = restarted.PollStatus(ctx, h)
	assert.Equal(t, provider.StatusFailed, st)

	_, err = restarted.PollStatus(ctx, "sim-legacy")
	assert.Error(t, err)
	_, err = restarted.PollStatus(ctx, "sim:x:GLACIER:standard:notanumber:a")
	assert.Error(t, err)
}

func TestUnsupportedCombination(t *testing.T) {
	p := New(Inventory{}, Options{Model: tier.DefaultModel()})
	_, err := p.IssueRestore(context.Background(), provider.Call{AssetID: "a", StorageTier: tier.DeepArchive, Speed: tier.Expedited})
	assert.ErrorIs(t, err, tier.ErrUnsupportedCombination)
}

func TestFailureInjection(t *testing.T) {
	p := New(Inventory{}, Options{Model: tier.DefaultModel()})
	ctx := context.Background()
	call := provider.Call{AssetID: "a", StorageTier: tier.Glacier, Speed: tier.Bulk}

	p.FailIssue("a", 2)
	for i := 0; i < 2; i++ {
		_, err := p.IssueRestore(ctx, call)
		require.Error(t, err)
		assert.True(t, provider.IsTransient(err))
	}
	h, err := p.IssueRestore(ctx, call)
	require.NoError(t, err)

	st, _ := p.PollStatus(ctx, h)
	assert.Equal(t, provider.StatusRestored, st, "zero time scale restores immediately")

	p.CorruptAsset("a")
	assert.ErrorIs(t, p.VerifyIntegrity(ctx, restoration.AssetStorageRecord{AssetID: "a"}, h), provider.ErrIntegrity)

	p.FailAsset("a")
	st, _ = p.PollStatus(ctx, h)
	assert.Equal(t, provider.StatusFailed, st)

	p.RejectIssue("b")
	_, err = p.IssueRestore(ctx, provider.Call{AssetID: "b", StorageTier: tier.Glacier, Speed: tier.Bulk})
	require.Error(t, err)
	assert.False(t, provider.IsTransient(err))

	_, err = p.PollStatus(ctx, "nope")
	assert.Error(t, err)
}

func TestSetName(t *testing.T) {
	p := New(Inventory{}, Options{})
	reg := provider.NewRegistry()
	reg.RegisterAs("lab", p)
	assert.Equal(t, "lab", p.Name())
}
