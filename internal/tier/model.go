package tier

import (
	"errors"
	"fmt"
	"sort"
)

// ErrUnsupportedCombination matches every *UnsupportedCombinationError.
var ErrUnsupportedCombination = errors.New("unsupported restoration combination")

// UnsupportedCombinationError reports a (storage tier, speed) pair with no price/time entry.
type UnsupportedCombinationError struct {
	Tier  StorageTier
	Speed Speed
}

func (e *UnsupportedCombinationError) Error() string {
	return fmt.Sprintf("unsupported restoration combination: %s restore from %s", e.Speed, e.Tier)
}

// Is lets errors.Is match ErrUnsupportedCombination.
func (e *UnsupportedCombinationError) Is(target error) bool {
	return target == ErrUnsupportedCombination
}

// Rate is the price and fixed time window for restoring one tier at one speed.
type Rate struct {
	CostPerGB float64 `json:"cost_per_gb" yaml:"cost_per_gb"`
	Minutes   int     `json:"minutes" yaml:"minutes"`
}

// TierRates holds the restore rates by speed plus the ongoing storage price of a tier.
type TierRates struct {
	Restore          map[Speed]Rate `json:"restore,omitempty" yaml:"restore,omitempty"`
	MonthlyCostPerGB float64        `json:"monthly_cost_per_gb" yaml:"monthly_cost_per_gb"`
}

// Rates is the full set of policy tables keyed by storage tier.
type Rates map[StorageTier]TierRates

// Model is an immutable view over the restore cost/time and monthly storage tables.
// Construct it with NewModel or DefaultModel; the zero value has no entries.
type Model struct {
	rates Rates
}

// DefaultRates returns a fresh copy of the built-in policy tables.
func DefaultRates() Rates {
	return Rates{
		Hot:  {MonthlyCostPerGB: 0.023},
		Warm: {MonthlyCostPerGB: 0.0125},
		Cold: {
			Restore: map[Speed]Rate{
				Expedited: {CostPerGB: 0, Minutes: 0},
				Standard:  {CostPerGB: 0, Minutes: 0},
				Bulk:      {CostPerGB: 0, Minutes: 0},
			},
			MonthlyCostPerGB: 0.01,
		},
		Glacier: {
			Restore: map[Speed]Rate{
				Expedited: {CostPerGB: 0.03, Minutes: 5},
				Standard:  {CostPerGB: 0.01, Minutes: 240},
				Bulk:      {CostPerGB: 0.0025, Minutes: 480},
			},
			MonthlyCostPerGB: 0.0036,
		},
		DeepArchive: {
			Restore: map[Speed]Rate{
				Standard: {CostPerGB: 0.02, Minutes: 720},
				Bulk:     {CostPerGB: 0.0025, Minutes: 2880},
			},
			MonthlyCostPerGB: 0.00099,
		},
	}
}

// DefaultModel returns a Model over DefaultRates.
func DefaultModel() Model {
	return NewModel(DefaultRates())
}

// NewModel deep-copies rates so later changes by the caller cannot leak in.
func NewModel(rates Rates) Model {
	m := Model{rates: make(Rates, len(rates))}
	for t, tr := range rates {
		cp := TierRates{MonthlyCostPerGB: tr.MonthlyCostPerGB}
		if len(tr.Restore) > 0 {
			cp.Restore = make(map[Speed]Rate, len(tr.Restore))
			for sp, r := range tr.Restore {
				cp.Restore[sp] = r
			}
		}
		m.rates[t] = cp
	}
	return m
}

// WithOverrides returns a new Model where the given tiers replace the current entries.
func (m Model) WithOverrides(overrides Rates) Model {
	merged := make(Rates, len(m.rates)+len(overrides))
	for t, tr := range m.rates {
		merged[t] = tr
	}
	for t, tr := range overrides {
		merged[t] = tr
	}
	return NewModel(merged)
}

// Lookup returns the restore rate for a restore-requiring tier at the given speed.
// HOT and WARM are already readable and always resolve to a free, instant rate.
func (m Model) Lookup(t StorageTier, s Speed) (Rate, error) {
	if !t.RequiresRestore() && t.Valid() {
		return Rate{}, nil
	}
	tr, ok := m.rates[t]
	if !ok {
		return Rate{}, &UnsupportedCombinationError{Tier: t, Speed: s}
	}
	r, ok := tr.Restore[s]
	if !ok {
		return Rate{}, &UnsupportedCombinationError{Tier: t, Speed: s}
	}
	return r, nil
}

// RestoreCostPerGB returns the per-GB restore price for (tier, speed).
func (m Model) RestoreCostPerGB(t StorageTier, s Speed) (float64, error) {
	r, err := m.Lookup(t, s)
	if err != nil {
		return 0, err
	}
	return r.CostPerGB, nil
}

// RestoreMinutes returns the fixed restore window for (tier, speed).
func (m Model) RestoreMinutes(t StorageTier, s Speed) (int, error) {
	r, err := m.Lookup(t, s)
	if err != nil {
		return 0, err
	}
	return r.Minutes, nil
}

// MonthlyCostPerGB returns the ongoing storage price of a tier (0 if unknown).
func (m Model) MonthlyCostPerGB(t StorageTier) float64 {
	return m.rates[t].MonthlyCostPerGB
}

// Supported reports whether Lookup(t, s) would succeed.
func (m Model) Supported(t StorageTier, s Speed) bool {
	_, err := m.Lookup(t, s)
	return err == nil
}

// CheapestSpeed returns the lowest-cost supported speed for a tier, preferring the
// faster speed on a tie. Callers use it to offer a fallback; the model never
// substitutes one on its own.
func (m Model) CheapestSpeed(t StorageTier) (Speed, bool) {
	var (
		best  Speed
		found bool
		cost  float64
	)
	for _, s := range Speeds {
		r, err := m.Lookup(t, s)
		if err != nil {
			continue
		}
		if !found || r.CostPerGB < cost {
			best, cost, found = s, r.CostPerGB, true
		}
	}
	return best, found
}

// TableRow is one printable line of the restore tables.
type TableRow struct {
	Tier             StorageTier `json:"tier"`
	Speed            Speed       `json:"speed,omitempty"`
	CostPerGB        float64     `json:"cost_per_gb"`
	Minutes          int         `json:"minutes"`
	MonthlyCostPerGB float64     `json:"monthly_cost_per_gb"`
	Supported        bool        `json:"supported"`
}

// Table flattens the model into rows ordered by tier rank then speed.
func (m Model) Table() []TableRow {
	var rows []TableRow
	for _, t := range StorageTiers {
		if !t.RequiresRestore() {
			rows = append(rows, TableRow{Tier: t, MonthlyCostPerGB: m.MonthlyCostPerGB(t), Supported: true})
			continue
		}
		for _, s := range Speeds {
			r, err := m.Lookup(t, s)
			rows = append(rows, TableRow{
				Tier:             t,
				Speed:            s,
				CostPerGB:        r.CostPerGB,
				Minutes:          r.Minutes,
				MonthlyCostPerGB: m.MonthlyCostPerGB(t),
				Supported:        err == nil,
			})
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].Tier.Rank() < rows[j].Tier.Rank()
	})
	return rows
}
