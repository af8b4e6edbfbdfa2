package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const s3RefPrefix = "s3://"

type S3Options struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// S3Store keeps uploads and engine scratch space local and moves finished
// artifacts into a bucket. Job rows then carry "s3://{bucket}/{key}".
type S3Store struct {
	*LocalStore
	client *s3.Client
	bucket string
}

func NewS3(ctx context.Context, local *LocalStore, opts S3Options) (*S3Store, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("S3_BUCKET is required")
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(opts.Region)}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
			// many S3-compatible servers reject the SDK's default checksums
			o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
			o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
		}
	})
	return &S3Store{LocalStore: local, client: client, bucket: opts.Bucket}, nil
}

func (s *S3Store) key(ownerID, jobID, name string) string {
	return path.Join(SanitizeFilename(ownerID), "outputs", SanitizeFilename(jobID), SanitizeFilename(name))
}

func (s *S3Store) ref(key string) string {
	return s3RefPrefix + s.bucket + "/" + key
}

func (s *S3Store) parseRef(ref string) (string, bool) {
	rest, ok := strings.CutPrefix(ref, s3RefPrefix+s.bucket+"/")
	return rest, ok
}

// Adopt uploads the artifact and removes the local copy.
func (s *S3Store) Adopt(ctx context.Context, ownerID, jobID, localPath string) (string, error) {
	p, err := s.artifact(ownerID, jobID, localPath)
	if err != nil {
		return "", err
	}
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()

	key := s.key(ownerID, jobID, filepath.Base(p))
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String("application/pdf"),
	})
	if err != nil {
		return "", fmt.Errorf("s3 put %s: %w", key, err)
	}
	_ = os.Remove(p)
	return s.ref(key), nil
}

func (s *S3Store) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	key, ok := s.parseRef(ref)
	if !ok {
		return s.LocalStore.Open(ctx, ref)
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	return out.Body, nil
}

func (s *S3Store) Remove(ctx context.Context, refs ...string) error {
	var errs []error
	var local []string
	for _, ref := range refs {
		key, ok := s.parseRef(ref)
		if !ok {
			local = append(local, ref)
			continue
		}
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	errs = append(errs, s.LocalStore.Remove(ctx, local...))
	return errors.Join(errs...)
}

// RemoveJob drops the job's objects and its local scratch directory.
func (s *S3Store) RemoveJob(ctx context.Context, ownerID, jobID string) error {
	prefix := path.Join(SanitizeFilename(ownerID), "outputs", SanitizeFilename(jobID)) + "/"
	return errors.Join(
		s.removePrefix(ctx, prefix),
		s.LocalStore.RemoveJob(ctx, ownerID, jobID),
	)
}

func (s *S3Store) RemoveUser(ctx context.Context, ownerID string) error {
	return errors.Join(
		s.removePrefix(ctx, SanitizeFilename(ownerID)+"/"),
		s.LocalStore.RemoveUser(ctx, ownerID),
	)
}

func (s *S3Store) removePrefix(ctx context.Context, prefix string) error {
	var errs []error
	pager := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			errs = append(errs, err)
			break
		}
		for _, obj := range page.Contents {
			if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    obj.Key,
			}); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
