// Package storage publishes audio artifacts to an S3-compatible bucket so
// providers that only accept URLs can fetch them.
package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/joseph-ayodele/transcript-pipeline/internal/common"
)

type objectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type presignAPI interface {
	PresignGetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Store puts objects and hands out presigned GET URLs.
type Store struct {
	bucket         string
	publicEndpoint string
	expiry         time.Duration
	objects        objectAPI
	presign        presignAPI
	log            *slog.Logger
}

// New builds a path-style S3 client against cfg.Endpoint.
func New(ctx context.Context, cfg common.StorageConfig, log *slog.Logger) (*Store, error) {
	if cfg.Bucket == "" || cfg.Endpoint == "" || cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, common.NewAppError(common.CodeConfig, "S3 bucket, endpoint and credentials are required", common.ErrValidation)
	}
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.Endpoint)
		o.UsePathStyle = true
	})
	return newStore(cfg, client, s3.NewPresignClient(client), log), nil
}

func newStore(cfg common.StorageConfig, objects objectAPI, presign presignAPI, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	expiry := cfg.SignExpiry
	if expiry <= 0 {
		expiry = time.Hour
	}
	return &Store{
		bucket:         cfg.Bucket,
		publicEndpoint: cfg.PublicEndpoint,
		expiry:         expiry,
		objects:        objects,
		presign:        presign,
		log:            log,
	}
}

// Put uploads the file at path under key.
func (s *Store) Put(ctx context.Context, key, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	ct := mime.TypeByExtension(filepath.Ext(path))
	if ct == "" {
		ct = "application/octet-stream"
	}
	start := time.Now()
	_, err = s.objects.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(fi.Size()),
		ContentType:   aws.String(ct),
	})
	if err != nil {
		s.log.Error("storage.put.failed", "key", key, "error", err)
		return fmt.Errorf("put object %s: %w", key, err)
	}
	s.log.Info("storage.put.ok", "key", key, "bytes", fi.Size(), "elapsed_ms", time.Since(start).Milliseconds())
	return nil
}

// URL returns a presigned GET URL for key, rewritten onto the public
// endpoint when one is configured.
func (s *Store) URL(ctx context.Context, key string) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(s.expiry))
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return RewriteEndpoint(req.URL, s.publicEndpoint)
}

// Upload stores the audio for jobID under a fresh object name and returns a
// signed URL for it.
func (s *Store) Upload(ctx context.Context, jobID, path string) (string, error) {
	key, err := ObjectName(jobID, path)
	if err != nil {
		return "", err
	}
	if err := s.Put(ctx, key, path); err != nil {
		return "", err
	}
	return s.URL(ctx, key)
}

// ObjectName returns "<jobID>-<32 hex chars><ext>".
func ObjectName(jobID, path string) (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return jobID + "-" + hex.EncodeToString(b[:]) + filepath.Ext(path), nil
}

// RewriteEndpoint swaps the scheme and host of signed for those of public,
// keeping the path and query. An empty public leaves signed untouched.
func RewriteEndpoint(signed, public string) (string, error) {
	if public == "" {
		return signed, nil
	}
	pe, err := url.Parse(public)
	if err != nil {
		return "", fmt.Errorf("parse public endpoint: %w", err)
	}
	pu, err := url.Parse(signed)
	if err != nil {
		return "", fmt.Errorf("parse signed url: %w", err)
	}
	if pe.Scheme != "" {
		pu.Scheme = pe.Scheme
	}
	if pe.Host != "" {
		pu.Host = pe.Host
	}
	return pu.String(), nil
}
