// Package estimate computes the time and cost of restoring a set of archived assets.
package estimate

import (
	"errors"
	"fmt"

	"github.com/BadgerOps/resurrect/internal/restoration"
	"github.com/BadgerOps/resurrect/internal/tier"
)

const (
	bytesPerGB = 1 << 30

	// metadataBatch assets cost metadataBatchMinutes of catalogue overhead.
	metadataBatch        = 1000
	metadataBatchMinutes = 5
)

// ErrUnknownTier is returned when an asset carries a storage tier the model does not know.
var ErrUnknownTier = errors.New("unknown storage tier")

// Estimator turns asset inventories into restoration estimates. It holds no
// mutable state and is safe for concurrent use.
type Estimator struct {
	model tier.Model
}

// New returns an Estimator over the given tier model.
func New(model tier.Model) *Estimator {
	return &Estimator{model: model}
}

// Model returns the tier model the estimator prices against.
func (e *Estimator) Model() tier.Model {
	return e.model
}

// Estimate prices restoring assets at opts.Tier and keeping them in target afterwards.
// An empty asset list yields a zero estimate. A (tier, speed) pair the model does not
// support aborts with an error matching tier.ErrUnsupportedCombination.
func (e *Estimator) Estimate(assets []restoration.AssetStorageRecord, opts restoration.Options, target tier.StorageTier) (restoration.Estimates, error) {
	est := restoration.Estimates{TierBreakdown: []restoration.TierBreakdownEntry{}}
	if len(assets) == 0 {
		return est, nil
	}

	byTier := make(map[tier.StorageTier]*restoration.TierBreakdownEntry)
	for _, a := range assets {
		if !a.StorageTier.Valid() {
			return restoration.Estimates{}, fmt.Errorf("asset %s: %w %q", a.AssetID, ErrUnknownTier, a.StorageTier)
		}
		if a.SizeBytes < 0 {
			return restoration.Estimates{}, fmt.Errorf("asset %s: negative size %d", a.AssetID, a.SizeBytes)
		}

		est.TotalAssets++
		est.TotalSizeBytes += a.SizeBytes
		switch a.StorageTier {
		case tier.Glacier:
			est.AssetsInGlacier++
		case tier.DeepArchive:
			est.AssetsInDeepArchive++
		}

		if !a.StorageTier.RequiresRestore() {
			continue
		}
		entry, ok := byTier[a.StorageTier]
		if !ok {
			entry = &restoration.TierBreakdownEntry{Tier: a.StorageTier}
			byTier[a.StorageTier] = entry
		}
		entry.AssetCount++
		entry.SizeBytes += a.SizeBytes
	}

	for _, t := range tier.StorageTiers {
		entry, ok := byTier[t]
		if !ok {
			continue
		}
		rate, err := e.model.Lookup(t, opts.Tier)
		if err != nil {
			return restoration.Estimates{}, err
		}
		entry.RestoreCost = GB(entry.SizeBytes) * rate.CostPerGB
		entry.RestoreTimeMinutes = rate.Minutes

		est.TierBreakdown = append(est.TierBreakdown, *entry)
		est.RestoreCost += entry.RestoreCost
		if rate.Minutes > est.AssetRestoreMinutes {
			est.AssetRestoreMinutes = rate.Minutes
		}
	}

	est.MetadataRestoreMinutes = MetadataMinutes(est.TotalAssets)
	est.TotalRestoreMinutes = est.MetadataRestoreMinutes + est.AssetRestoreMinutes
	est.StorageCostPerMonth = GB(est.TotalSizeBytes) * e.model.MonthlyCostPerGB(target)
	return est, nil
}

// MetadataMinutes is the catalogue overhead: five minutes per started batch of 1000 assets.
func MetadataMinutes(assets int) int {
	if assets <= 0 {
		return 0
	}
	batches := (assets + metadataBatch - 1) / metadataBatch
	return batches * metadataBatchMinutes
}

// GB converts bytes to binary gigabytes.
func GB(bytes int64) float64 {
	return float64(bytes) / bytesPerGB
}
