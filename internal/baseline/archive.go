package baseline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"botsentry/internal/config"
)

// Archive writes versioned baseline snapshots to S3 on the refresh cadence,
// giving each organization an auditable history of its learned profile.
// Keys are "{prefix}{org_id}/v{version}.json".
type Archive struct {
	client *s3.Client
	bucket string
	prefix string
	logger *slog.Logger
}

// ArchiveOptions carries optional static credentials; when empty the
// default AWS credential chain applies.
type ArchiveOptions struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	UsePathStyle    bool
}

// NewArchive creates an S3 snapshot archive from configuration.
func NewArchive(ctx context.Context, cfg config.ArchiveConfig, opts ArchiveOptions, logger *slog.Logger) (*Archive, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("archive: bucket is required")
	}
	if cfg.Region == "" {
		return nil, errors.New("archive: region is required")
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))

	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		creds := credentials.NewStaticCredentialsProvider(
			opts.AccessKeyID,
			opts.SecretAccessKey,
			opts.SessionToken,
		)
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(creds))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("archive: failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if opts.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	a := &Archive{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		logger: logger,
	}

	logger.Info("baseline archive initialized",
		"bucket", cfg.Bucket,
		"region", cfg.Region,
		"prefix", cfg.Prefix,
	)
	return a, nil
}

// Store uploads one snapshot version. Existing versions are never
// overwritten from this path because the key embeds the version.
func (a *Archive) Store(ctx context.Context, snap *OrganizationBaseline) error {
	if snap == nil {
		return errors.New("archive: nil snapshot")
	}

	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("archive: marshal snapshot: %w", err)
	}

	key := a.keyFor(snap.OrgID, snap.Version)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("archive: put %s: %w", key, err)
	}

	a.logger.Debug("archived baseline snapshot",
		"org_id", snap.OrgID,
		"version", snap.Version,
		"key", key,
		"bytes", len(payload),
	)
	return nil
}

// Fetch retrieves one archived snapshot version.
func (a *Archive) Fetch(ctx context.Context, orgID string, version uint64) (*OrganizationBaseline, error) {
	key := a.keyFor(orgID, version)
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("archive: get %s: %w", key, err)
	}
	defer out.Body.Close()

	var snap OrganizationBaseline
	if err := json.NewDecoder(out.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("archive: decode %s: %w", key, err)
	}
	return &snap, nil
}

// FetchLatest retrieves the newest archived snapshot for an organization,
// or ErrNotFound when nothing has been archived yet. Used to reseed a
// baseline store that lost its state.
func (a *Archive) FetchLatest(ctx context.Context, orgID string) (*OrganizationBaseline, error) {
	prefix := path.Join(a.prefix, orgID) + "/"

	var keys []string
	paginator := s3.NewListObjectsV2Paginator(a.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(a.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("archive: list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}

	version, ok := latestVersion(keys)
	if !ok {
		return nil, ErrNotFound
	}
	return a.Fetch(ctx, orgID, version)
}

// latestVersion returns the highest snapshot version among archive keys,
// ignoring keys that do not follow the v{version}.json naming.
func latestVersion(keys []string) (uint64, bool) {
	var best uint64
	var found bool
	for _, key := range keys {
		var v uint64
		if _, err := fmt.Sscanf(path.Base(key), "v%d.json", &v); err != nil {
			continue
		}
		if !found || v > best {
			best = v
			found = true
		}
	}
	return best, found
}

func (a *Archive) keyFor(orgID string, version uint64) string {
	return path.Join(a.prefix, orgID, fmt.Sprintf("v%d.json", version))
}
