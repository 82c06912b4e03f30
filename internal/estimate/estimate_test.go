package estimate

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BadgerOps/resurrect/internal/policy"
	"github.com/BadgerOps/resurrect/internal/restoration"
	"github.com/BadgerOps/resurrect/internal/tier"
)

const gib = int64(1) << 30

// spread builds n assets in one tier whose sizes add up to exactly total bytes.
func spread(prefix string, n int, st tier.StorageTier, total int64) []restoration.AssetStorageRecord {
	assets := make([]restoration.AssetStorageRecord, n)
	each := total / int64(n)
	for i := range assets {
		assets[i] = restoration.AssetStorageRecord{
			AssetID:     fmt.Sprintf("%s-%04d", prefix, i),
			AssetType:   "video",
			StorageTier: st,
			SizeBytes:   each,
		}
	}
	assets[0].SizeBytes += total - each*int64(n)
	return assets
}

func sumSizes(assets []restoration.AssetStorageRecord) int64 {
	var n int64
	for _, a := range assets {
		n += a.SizeBytes
	}
	return n
}

func TestScenarioGlacierStandard(t *testing.T) {
	e := New(tier.DefaultModel())
	assets := spread("g", 2000, tier.Glacier, 200*gib)

	est, err := e.Estimate(assets, restoration.Options{Tier: tier.Standard}, tier.Hot)
	require.NoError(t, err)

	require.Len(t, est.TierBreakdown, 1)
	entry := est.TierBreakdown[0]
	assert.Equal(t, tier.Glacier, entry.Tier)
	assert.Equal(t, 2000, entry.AssetCount)
	assert.Equal(t, 200*gib, entry.SizeBytes)
	assert.InDelta(t, 2.00, entry.RestoreCost, 1e-9)
	assert.Equal(t, 240, entry.RestoreTimeMinutes)

	assert.Equal(t, 2000, est.TotalAssets)
	assert.Equal(t, 2000, est.AssetsInGlacier)
	assert.Equal(t, 10, est.MetadataRestoreMinutes)
	assert.Equal(t, 240, est.AssetRestoreMinutes)
	assert.Equal(t, 250, est.TotalRestoreMinutes)
	assert.InDelta(t, 2.00, est.RestoreCost, 1e-9)
	assert.InDelta(t, 200*0.023, est.StorageCostPerMonth, 1e-9)

	approvals := policy.Default().RequiredApprovals(est, restoration.PriorityNormal)
	require.Len(t, approvals, 1)
	assert.Equal(t, restoration.RoleManager, approvals[0].Role)
}

func TestScenarioDeepArchiveBulk(t *testing.T) {
	e := New(tier.DefaultModel())
	assets := spread("d", 500, tier.DeepArchive, 1024*gib)

	est, err := e.Estimate(assets, restoration.Options{Tier: tier.Bulk}, tier.Hot)
	require.NoError(t, err)

	require.Len(t, est.TierBreakdown, 1)
	assert.InDelta(t, 2.56, est.RestoreCost, 1e-9)
	assert.Equal(t, 2880, est.TierBreakdown[0].RestoreTimeMinutes)
	assert.Equal(t, 5, est.MetadataRestoreMinutes)
	assert.Equal(t, 2885, est.TotalRestoreMinutes)
	assert.Equal(t, 500, est.AssetsInDeepArchive)

	approvals := policy.Default().RequiredApprovals(est, restoration.PriorityNormal)
	roles := make([]restoration.Role, len(approvals))
	for i, a := range approvals {
		roles[i] = a.Role
	}
	assert.Equal(t, []restoration.Role{restoration.RoleManager, restoration.RoleFinance}, roles)
}

func TestEmptyAssets(t *testing.T) {
	est, err := New(tier.DefaultModel()).Estimate(nil, restoration.Options{Tier: tier.Expedited}, tier.Hot)
	require.NoError(t, err)
	assert.Zero(t, est.TotalAssets)
	assert.Zero(t, est.TotalRestoreMinutes)
	assert.Zero(t, est.RestoreCost)
	assert.NotNil(t, est.TierBreakdown)
	assert.Empty(t, est.TierBreakdown)
}

func TestUnsupportedCombinationAborts(t *testing.T) {
	assets := append(
		spread("g", 3, tier.Glacier, 3*gib),
		spread("d", 2, tier.DeepArchive, 2*gib)...,
	)
	_, err := New(tier.DefaultModel()).Estimate(assets, restoration.Options{Tier: tier.Expedited}, tier.Hot)
	require.Error(t, err)
	assert.True(t, errors.Is(err, tier.ErrUnsupportedCombination))
}

func TestUnknownTier(t *testing.T) {
	assets := []restoration.AssetStorageRecord{{AssetID: "x", StorageTier: "TAPE", SizeBytes: 1}}
	_, err := New(tier.DefaultModel()).Estimate(assets, restoration.Options{Tier: tier.Bulk}, tier.Hot)
	assert.ErrorIs(t, err, ErrUnknownTier)
}

func TestMixedTiersInvariants(t *testing.T) {
	var assets []restoration.AssetStorageRecord
	assets = append(assets, spread("h", 7, tier.Hot, 3*gib)...)
	assets = append(assets, spread("w", 4, tier.Warm, 5*gib)...)
	assets = append(assets, spread("c", 9, tier.Cold, 11*gib)...)
	assets = append(assets, spread("g", 1500, tier.Glacier, 40*gib)...)
	assets = append(assets, spread("d", 13, tier.DeepArchive, 70*gib)...)

	est, err := New(tier.DefaultModel()).Estimate(assets, restoration.Options{Tier: tier.Standard}, tier.Warm)
	require.NoError(t, err)

	assert.Equal(t, len(assets), est.TotalAssets)
	assert.Equal(t, sumSizes(assets), est.TotalSizeBytes)

	var breakdownAssets int
	var breakdownCost float64
	tiers := make([]tier.StorageTier, 0, len(est.TierBreakdown))
	for _, b := range est.TierBreakdown {
		breakdownAssets += b.AssetCount
		breakdownCost += b.RestoreCost
		tiers = append(tiers, b.Tier)
	}
	assert.Equal(t, []tier.StorageTier{tier.Cold, tier.Glacier, tier.DeepArchive}, tiers, "HOT/WARM are not broken down")
	assert.Equal(t, est.TotalAssets, breakdownAssets+7+4)
	assert.InDelta(t, est.RestoreCost, breakdownCost, 1e-9)

	// 1533 assets -> two batches of metadata overhead
	assert.Equal(t, 10, est.MetadataRestoreMinutes)
	assert.Equal(t, 720, est.AssetRestoreMinutes, "tiers restore concurrently, the slowest wins")
	assert.Equal(t, 730, est.TotalRestoreMinutes)
	assert.InDelta(t, 40*0.01+70*0.02, est.RestoreCost, 1e-9)
	assert.InDelta(t, 129*0.0125, est.StorageCostPerMonth, 1e-9)
}

func TestDoublingSizeDoublesCostNotTime(t *testing.T) {
	e := New(tier.DefaultModel())
	for _, st := range []tier.StorageTier{tier.Glacier, tier.DeepArchive} {
		for _, sp := range []tier.Speed{tier.Standard, tier.Bulk} {
			t.Run(fmt.Sprintf("%s/%s", st, sp), func(t *testing.T) {
				small := spread("a", 17, st, 33*gib+12345)
				large := make([]restoration.AssetStorageRecord, len(small))
				for i, a := range small {
					a.SizeBytes *= 2
					large[i] = a
				}

				opts := restoration.Options{Tier: sp}
				e1, err := e.Estimate(small, opts, tier.Hot)
				require.NoError(t, err)
				e2, err := e.Estimate(large, opts, tier.Hot)
				require.NoError(t, err)

				assert.InDelta(t, 2*e1.TierBreakdown[0].RestoreCost, e2.TierBreakdown[0].RestoreCost, 1e-9)
				assert.Equal(t, e1.TierBreakdown[0].RestoreTimeMinutes, e2.TierBreakdown[0].RestoreTimeMinutes)
			})
		}
	}
}

func TestMetadataMinutes(t *testing.T) {
	tests := []struct {
		assets int
		want   int
	}{
		{0, 0},
		{1, 5},
		{1000, 5},
		{1001, 10},
		{2000, 10},
		{2001, 15},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MetadataMinutes(tt.assets), "assets=%d", tt.assets)
	}
}

func TestSyntheticModel(t *testing.T) {
	model := tier.NewModel(tier.Rates{
		tier.Glacier: {
			Restore:          map[tier.Speed]tier.Rate{tier.Bulk: {CostPerGB: 1, Minutes: 7}},
			MonthlyCostPerGB: 2,
		},
	})
	assets := spread("g", 4, tier.Glacier, 8*gib)

	est, err := New(model).Estimate(assets, restoration.Options{Tier: tier.Bulk}, tier.Glacier)
	require.NoError(t, err)
	assert.InDelta(t, 8.0, est.RestoreCost, 1e-9)
	assert.Equal(t, 12, est.TotalRestoreMinutes)
	assert.InDelta(t, 16.0, est.StorageCostPerMonth, 1e-9)
}
