// Package s3glacier restores archived project assets stored in Amazon S3
// Glacier and Deep Archive storage classes.
package s3glacier

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/BadgerOps/resurrect/internal/provider"
	"github.com/BadgerOps/resurrect/internal/restoration"
	"github.com/BadgerOps/resurrect/internal/safety"
	"github.com/BadgerOps/resurrect/internal/tier"
)

// DefaultRetainDays keeps restored copies readable for a week when the request does not say.
const DefaultRetainDays = 7

// S3API is the subset of the S3 client the provider needs.
type S3API interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	RestoreObject(ctx context.Context, params *s3.RestoreObjectInput, optFns ...func(*s3.Options)) (*s3.RestoreObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// Config locates a project's assets: every object under Prefix + projectID + "/".
type Config struct {
	Bucket       string
	Prefix       string
	Region       string
	Endpoint     string
	UsePathStyle bool
}

// Provider implements provider.Provider and provider.Verifier over S3.
type Provider struct {
	name   string
	client S3API
	cfg    Config
}

// New wraps an existing S3 client.
func New(client S3API, cfg Config) *Provider {
	return &Provider{name: "s3", client: client, cfg: cfg}
}

// NewFromConfig builds an S3 client from the default AWS credential chain.
func NewFromConfig(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 provider: bucket is required")
	}

	if cfg.Endpoint != "" {
		if _, err := safety.ParseEndpoint(cfg.Endpoint); err != nil {
			return nil, fmt.Errorf("s3 provider: endpoint: %w", err)
		}
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithHTTPClient(safety.NewHTTPClient(0)),
	}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return New(client, cfg), nil
}

func (p *Provider) Name() string { return p.name }

// SetName overrides the provider name with the configured one.
func (p *Provider) SetName(name string) { p.name = name }

func (p *Provider) projectPrefix(projectID string) (string, error) {
	seg, err := safety.CleanKeySegment(projectID)
	if err != nil {
		return "", restoration.Wrap(restoration.KindValidation, err, "project ID cannot be used as an object prefix")
	}
	return p.cfg.Prefix + seg + "/", nil
}

// ListAssets pages through every object under the project prefix.
func (p *Provider) ListAssets(ctx context.Context, projectID string) ([]restoration.AssetStorageRecord, error) {
	prefix, err := p.projectPrefix(projectID)
	if err != nil {
		return nil, err
	}
	paginator := s3.NewListObjectsV2Paginator(p.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(p.cfg.Bucket),
		Prefix: aws.String(prefix),
	})

	var assets []restoration.AssetStorageRecord
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classify(fmt.Errorf("listing s3://%s/%s: %w", p.cfg.Bucket, prefix, err))
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if key == "" || strings.HasSuffix(key, "/") {
				continue
			}
			assets = append(assets, restoration.AssetStorageRecord{
				AssetID:     key,
				AssetType:   AssetType(key),
				StorageTier: TierForStorageClass(string(obj.StorageClass)),
				SizeBytes:   aws.ToInt64(obj.Size),
			})
		}
	}
	if len(assets) == 0 {
		return nil, fmt.Errorf("project %s: no objects under s3://%s/%s: %w", projectID, p.cfg.Bucket, prefix, restoration.ErrNotFound)
	}
	return assets, nil
}

// IssueRestore starts a Glacier restore of the object. The handle is the object key.
func (p *Provider) IssueRestore(ctx context.Context, call provider.Call) (provider.JobHandle, error) {
	handle := provider.JobHandle(call.AssetID)
	if call.StorageTier != tier.Glacier && call.StorageTier != tier.DeepArchive {
		// instant-retrieval and standard classes are readable without a restore
		return handle, nil
	}

	jobTier, err := jobTier(call.Speed)
	if err != nil {
		return "", err
	}
	if call.StorageTier == tier.DeepArchive && jobTier == types.TierExpedited {
		return "", &tier.UnsupportedCombinationError{Tier: call.StorageTier, Speed: call.Speed}
	}

	days := call.RetainDays
	if days <= 0 {
		days = DefaultRetainDays
	}

	_, err = p.client.RestoreObject(ctx, &s3.RestoreObjectInput{
		Bucket: aws.String(p.cfg.Bucket),
		Key:    aws.String(call.AssetID),
		RestoreRequest: &types.RestoreRequest{
			Days:                 aws.Int32(int32(days)),
			GlacierJobParameters: &types.GlacierJobParameters{Tier: jobTier},
		},
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			switch apiErr.ErrorCode() {
			case "RestoreAlreadyInProgress", "ObjectAlreadyInActiveTierError":
				return handle, nil
			}
		}
		return "", classify(fmt.Errorf("restoring s3://%s/%s: %w", p.cfg.Bucket, call.AssetID, err))
	}
	return handle, nil
}

// PollStatus reads the object's x-amz-restore header.
func (p *Provider) PollStatus(ctx context.Context, handle provider.JobHandle) (provider.JobStatus, error) {
	out, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.cfg.Bucket),
		Key:    aws.String(string(handle)),
	})
	if err != nil {
		return "", classify(fmt.Errorf("head s3://%s/%s: %w", p.cfg.Bucket, handle, err))
	}
	return restoreStatus(string(out.StorageClass), aws.ToString(out.Restore)), nil
}

// VerifyIntegrity checks the restored object's length against the inventory size.
// S3 validates its own checksums on read; a length mismatch means the object
// changed since the inventory was taken.
func (p *Provider) VerifyIntegrity(ctx context.Context, asset restoration.AssetStorageRecord, handle provider.JobHandle) error {
	out, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket:       aws.String(p.cfg.Bucket),
		Key:          aws.String(string(handle)),
		ChecksumMode: types.ChecksumModeEnabled,
	})
	if err != nil {
		return classify(fmt.Errorf("head s3://%s/%s: %w", p.cfg.Bucket, handle, err))
	}
	if got := aws.ToInt64(out.ContentLength); got != asset.SizeBytes {
		return fmt.Errorf("asset %s: size %d, inventory says %d: %w", asset.AssetID, got, asset.SizeBytes, provider.ErrIntegrity)
	}
	if restoreStatus(string(out.StorageClass), aws.ToString(out.Restore)) != provider.StatusRestored {
		return fmt.Errorf("asset %s is not readable: %w", asset.AssetID, provider.ErrIntegrity)
	}
	return nil
}

func restoreStatus(storageClass, restoreHeader string) provider.JobStatus {
	switch types.StorageClass(storageClass) {
	case types.StorageClassGlacier, types.StorageClassDeepArchive:
	default:
		return provider.StatusRestored
	}
	switch {
	case strings.Contains(restoreHeader, `ongoing-request="false"`):
		return provider.StatusRestored
	case strings.Contains(restoreHeader, `ongoing-request="true"`):
		return provider.StatusPending
	default:
		// no restore on record: it expired or was never accepted
		return provider.StatusFailed
	}
}

func jobTier(s tier.Speed) (types.Tier, error) {
	switch s {
	case tier.Expedited:
		return types.TierExpedited, nil
	case tier.Standard:
		return types.TierStandard, nil
	case tier.Bulk:
		return types.TierBulk, nil
	default:
		return "", fmt.Errorf("unknown restoration tier %q", s)
	}
}

// TierForStorageClass maps an S3 storage class to a storage tier.
func TierForStorageClass(class string) tier.StorageTier {
	switch types.ObjectStorageClass(class) {
	case "", types.ObjectStorageClassStandard, types.ObjectStorageClassReducedRedundancy, types.ObjectStorageClassExpressOnezone:
		return tier.Hot
	case types.ObjectStorageClassStandardIa, types.ObjectStorageClassOnezoneIa, types.ObjectStorageClassIntelligentTiering:
		return tier.Warm
	case types.ObjectStorageClassGlacierIr:
		return tier.Cold
	case types.ObjectStorageClassGlacier:
		return tier.Glacier
	case types.ObjectStorageClassDeepArchive:
		return tier.DeepArchive
	default:
		return tier.Glacier
	}
}

var assetTypes = map[string]string{
	".mov": "video", ".mp4": "video", ".mxf": "video", ".r3d": "video", ".braw": "video", ".avi": "video",
	".wav": "audio", ".aif": "audio", ".aiff": "audio", ".mp3": "audio",
	".jpg": "image", ".jpeg": "image", ".png": "image", ".tif": "image", ".tiff": "image", ".exr": "image", ".dpx": "image",
	".json": restoration.AssetTypeMetadata, ".xml": restoration.AssetTypeMetadata, ".edl": restoration.AssetTypeMetadata,
	".aaf": restoration.AssetTypeMetadata, ".csv": restoration.AssetTypeMetadata, ".prproj": restoration.AssetTypeMetadata,
}

// AssetType classifies an object by its key extension.
func AssetType(key string) string {
	if t, ok := assetTypes[strings.ToLower(path.Ext(key))]; ok {
		return t
	}
	return "other"
}

var transientCodes = map[string]bool{
	"SlowDown":                              true,
	"ServiceUnavailable":                    true,
	"InternalError":                         true,
	"RequestTimeout":                        true,
	"Throttling":                            true,
	"ThrottlingException":                   true,
	"RequestLimitExceeded":                  true,
	"GlacierExpeditedRetrievalNotAvailable": true,
}

// classify marks throttling and server-side failures as transient.
func classify(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && transientCodes[apiErr.ErrorCode()] {
		return provider.Transient(err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return provider.Transient(err)
	}
	return err
}
