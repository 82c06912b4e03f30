package provider

import (
	"context"
	"errors"
	"sort"

	"github.com/BadgerOps/resurrect/internal/restoration"
	"github.com/BadgerOps/resurrect/internal/tier"
)

// JobHandle identifies one restore issued to a provider.
type JobHandle string

// JobStatus is the provider-side state of a restore.
type JobStatus string

const (
	StatusPending  JobStatus = "pending"
	StatusRestored JobStatus = "restored"
	StatusFailed   JobStatus = "failed"
)

// Call is a single restore instruction for one asset.
type Call struct {
	AssetID     string
	StorageTier tier.StorageTier
	Speed       tier.Speed
	// RetainDays is how long the restored copy stays readable before it is
	// re-archived. Zero lets the provider pick its default.
	RetainDays int
}

// Provider is the cold-storage collaborator the orchestrator drives.
type Provider interface {
	// Name returns the provider identifier (e.g., "simulated", "s3")
	Name() string

	// ListAssets returns the storage placement of every asset of a project.
	ListAssets(ctx context.Context, projectID string) ([]restoration.AssetStorageRecord, error)

	// IssueRestore asks the provider to bring an asset back to readable storage.
	IssueRestore(ctx context.Context, call Call) (JobHandle, error)

	// PollStatus reports the current state of an issued restore.
	PollStatus(ctx context.Context, handle JobHandle) (JobStatus, error)
}

// Verifier is an optional interface for providers that can check the integrity
// of a restored asset.
type Verifier interface {
	VerifyIntegrity(ctx context.Context, asset restoration.AssetStorageRecord, handle JobHandle) error
}

// NameSetter is an optional interface that providers can implement to allow
// their name to be overridden with the user-chosen config name.
type NameSetter interface {
	SetName(name string)
}

// ErrIntegrity reports a restored asset whose content does not check out.
var ErrIntegrity = errors.New("integrity check failed")

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as retryable. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err, or anything it wraps, was marked retryable.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

// Registry holds all registered providers
type Registry struct {
	providers map[string]Provider
}

// NewRegistry creates a new provider registry
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
	}
}

// Register adds a provider to the registry using its Name().
func (r *Registry) Register(p Provider) {
	r.providers[p.Name()] = p
}

// RegisterAs adds a provider under an explicit name, overriding p.Name().
// If the provider implements NameSetter, its internal name is also updated
// so that logs use the config name consistently.
func (r *Registry) RegisterAs(name string, p Provider) {
	if ns, ok := p.(NameSetter); ok {
		ns.SetName(name)
	}
	r.providers[name] = p
}

// Get returns a provider by name
func (r *Registry) Get(name string) (Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// Names returns all registered provider names, sorted
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
