// Package simulated is an in-memory restore provider backed by a YAML inventory.
// Restores become readable once the tier model's window, scaled by TimeScale,
// has elapsed since they were issued.
package simulated

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/BadgerOps/resurrect/internal/provider"
	"github.com/BadgerOps/resurrect/internal/restoration"
	"github.com/BadgerOps/resurrect/internal/safety"
	"github.com/BadgerOps/resurrect/internal/tier"
)

// Inventory maps project IDs to their archived assets.
type Inventory map[string][]restoration.AssetStorageRecord

type inventoryFile struct {
	Projects map[string]struct {
		Assets []struct {
			ID   string `yaml:"id"`
			Type string `yaml:"type"`
			Tier string `yaml:"tier"`
			Size string `yaml:"size"`
		} `yaml:"assets"`
	} `yaml:"projects"`
}

// ParseInventory decodes a YAML inventory. Sizes are human readable ("12GiB", "800 MB").
func ParseInventory(data []byte) (Inventory, error) {
	var f inventoryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing inventory: %w", err)
	}

	inv := make(Inventory, len(f.Projects))
	for project, p := range f.Projects {
		assets := make([]restoration.AssetStorageRecord, 0, len(p.Assets))
		for i, a := range p.Assets {
			if a.ID == "" {
				return nil, fmt.Errorf("project %s asset %d: missing id", project, i)
			}
			st, err := tier.ParseStorageTier(a.Tier)
			if err != nil {
				return nil, fmt.Errorf("project %s asset %s: %w", project, a.ID, err)
			}
			size, err := humanize.ParseBytes(a.Size)
			if err != nil {
				return nil, fmt.Errorf("project %s asset %s: invalid size %q: %w", project, a.ID, a.Size, err)
			}
			assets = append(assets, restoration.AssetStorageRecord{
				AssetID:     a.ID,
				AssetType:   a.Type,
				StorageTier: st,
				SizeBytes:   int64(size),
			})
		}
		inv[project] = assets
	}
	return inv, nil
}

// MaxInventorySize caps how much of an inventory file is read.
const MaxInventorySize = 64 << 20

// LoadInventory reads and parses an inventory file.
func LoadInventory(path string) (Inventory, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reading inventory %s: %w", path, err)
	}
	defer f.Close()

	data, err := safety.ReadLimited(f, MaxInventorySize)
	if err != nil {
		return nil, fmt.Errorf("reading inventory %s: %w", path, err)
	}
	return ParseInventory(data)
}

// Options tunes the simulation.
type Options struct {
	Model tier.Model
	// TimeScale multiplies every restore window; 0 makes restores complete on the next poll.
	TimeScale float64
	Now       func() time.Time
}

type job struct {
	call     provider.Call
	issuedAt time.Time
	ready    time.Duration
}

// Provider simulates a cold-storage backend.
type Provider struct {
	name  string
	inv   Inventory
	model tier.Model
	scale float64
	now   func() time.Time

	mu             sync.Mutex
	jobs           map[provider.JobHandle]*job
	issued         []provider.Call
	failAssets     map[string]bool
	corruptAssets  map[string]bool
	issueFailures  map[string]int
	issueHardFails map[string]bool
	listErr        error
}

// New creates a simulated provider over inv.
func New(inv Inventory, opts Options) *Provider {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Provider{
		name:           "simulated",
		inv:            inv,
		model:          opts.Model,
		scale:          opts.TimeScale,
		now:            now,
		jobs:           make(map[provider.JobHandle]*job),
		failAssets:     make(map[string]bool),
		corruptAssets:  make(map[string]bool),
		issueFailures:  make(map[string]int),
		issueHardFails: make(map[string]bool),
	}
}

func (p *Provider) Name() string { return p.name }

// SetName overrides the provider name with the configured one.
func (p *Provider) SetName(name string) { p.name = name }

// ListAssets returns a copy of the project's inventory.
func (p *Provider) ListAssets(ctx context.Context, projectID string) ([]restoration.AssetStorageRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.listErr != nil {
		return nil, p.listErr
	}
	assets, ok := p.inv[projectID]
	if !ok {
		return nil, fmt.Errorf("project %s: %w", projectID, restoration.ErrNotFound)
	}
	out := make([]restoration.AssetStorageRecord, len(assets))
	copy(out, assets)
	sort.Slice(out, func(i, j int) bool { return out[i].AssetID < out[j].AssetID })
	return out, nil
}

// IssueRestore records the call and starts its restore window.
func (p *Provider) IssueRestore(ctx context.Context, call provider.Call) (provider.JobHandle, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.issueHardFails[call.AssetID] {
		return "", fmt.Errorf("asset %s: access denied", call.AssetID)
	}
	if n := p.issueFailures[call.AssetID]; n > 0 {
		p.issueFailures[call.AssetID] = n - 1
		return "", provider.Transient(fmt.Errorf("asset %s: service unavailable", call.AssetID))
	}

	j, err := p.newJob(call, p.now())
	if err != nil {
		return "", err
	}

	handle := encodeHandle(call, j.issuedAt)
	p.jobs[handle] = j
	p.issued = append(p.issued, call)
	return handle, nil
}

func (p *Provider) newJob(call provider.Call, issuedAt time.Time) (*job, error) {
	rate, err := p.model.Lookup(call.StorageTier, call.Speed)
	if err != nil {
		return nil, err
	}
	return &job{
		call:     call,
		issuedAt: issuedAt,
		ready:    time.Duration(float64(rate.Minutes) * p.scale * float64(time.Minute)),
	}, nil
}

// Handles carry everything needed to rebuild the job, so a restarted process
// can keep polling restores issued before it started:
// sim:<id>:<storage tier>:<speed>:<issued unix nanos>:<asset id>
func encodeHandle(call provider.Call, issuedAt time.Time) provider.JobHandle {
	return provider.JobHandle(fmt.Sprintf("sim:%s:%s:%s:%d:%s",
		uuid.NewString(), call.StorageTier, call.Speed, issuedAt.UnixNano(), call.AssetID))
}

// job returns the job behind handle, rebuilding it from the handle when this
// provider did not issue it. Callers hold p.mu.
func (p *Provider) job(handle provider.JobHandle) (*job, error) {
	if j, ok := p.jobs[handle]; ok {
		return j, nil
	}
	parts := strings.SplitN(string(handle), ":", 6)
	if len(parts) != 6 || parts[0] != "sim" {
		return nil, fmt.Errorf("unknown restore handle %s", handle)
	}
	nanos, err := strconv.ParseInt(parts[4], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("unknown restore handle %s: %w", handle, err)
	}
	call := provider.Call{
		AssetID:     parts[5],
		StorageTier: tier.StorageTier(parts[2]),
		Speed:       tier.Speed(parts[3]),
	}
	j, err := p.newJob(call, time.Unix(0, nanos))
	if err != nil {
		return nil, fmt.Errorf("unknown restore handle %s: %w", handle, err)
	}
	p.jobs[handle] = j
	return j, nil
}

// PollStatus reports restored once the scaled window has elapsed. Handles
// issued by an earlier instance are accepted.
func (p *Provider) PollStatus(ctx context.Context, handle provider.JobHandle) (provider.JobStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	j, err := p.job(handle)
	if err != nil {
		return "", err
	}
	if p.failAssets[j.call.AssetID] {
		return provider.StatusFailed, nil
	}
	if p.now().Sub(j.issuedAt) >= j.ready {
		return provider.StatusRestored, nil
	}
	return provider.StatusPending, nil
}

// VerifyIntegrity fails for assets marked corrupt.
func (p *Provider) VerifyIntegrity(ctx context.Context, asset restoration.AssetStorageRecord, handle provider.JobHandle) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := p.job(handle); err != nil {
		return err
	}
	if p.corruptAssets[asset.AssetID] {
		return fmt.Errorf("asset %s: %w", asset.AssetID, provider.ErrIntegrity)
	}
	return nil
}

// FailAsset makes every poll of the asset's restore report failed.
func (p *Provider) FailAsset(assetID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failAssets[assetID] = true
}

// CorruptAsset makes integrity verification of the asset fail.
func (p *Provider) CorruptAsset(assetID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.corruptAssets[assetID] = true
}

// FailIssue makes the next n restore calls for the asset fail transiently.
func (p *Provider) FailIssue(assetID string, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.issueFailures[assetID] = n
}

// RejectIssue makes every restore call for the asset fail permanently.
func (p *Provider) RejectIssue(assetID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.issueHardFails[assetID] = true
}

// FailListing makes ListAssets return err; nil clears it.
func (p *Provider) FailListing(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listErr = err
}

// Issued returns every successful restore call so far, in order.
func (p *Provider) Issued() []provider.Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]provider.Call(nil), p.issued...)
}
