package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/pairwire/pairwire-go/errs"
)

// S3 is a Storage backed by objects under a key prefix in one bucket.
// It is intended for clients that sync state across devices; local
// callers should prefer SQLite.
type S3 struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3 loads default AWS configuration and returns a bucket-scoped
// backend. Every storage key becomes an object at <prefix><key>.
func NewS3(ctx context.Context, region, bucket, prefix string) (*S3, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, "load AWS config", err)
	}
	return &S3{
		client: s3.NewFromConfig(awsCfg),
		bucket: bucket,
		prefix: prefix,
	}, nil
}

// NewS3WithClient wires an existing client, used by tests and callers
// with custom credentials.
func NewS3WithClient(client *s3.Client, bucket, prefix string) *S3 {
	return &S3{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3) objectKey(key string) string {
	return s.prefix + key
}

func (s *S3) GetItem(key string) ([]byte, bool, error) {
	obj := s.objectKey(key)
	result, err := s.client.GetObject(context.Background(), &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &obj,
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, false, nil
		}
		return nil, false, errs.Wrap(errs.KindStorage, "S3 GetObject", err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, false, errs.Wrap(errs.KindStorage, "read S3 object", err)
	}
	return data, true, nil
}

func (s *S3) SetItem(key string, value []byte) error {
	obj := s.objectKey(key)
	_, err := s.client.PutObject(context.Background(), &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    &obj,
		Body:   bytes.NewReader(value),
	})
	if err != nil {
		return errs.Wrap(errs.KindStorage, "S3 PutObject", err)
	}
	return nil
}

func (s *S3) RemoveItem(key string) error {
	obj := s.objectKey(key)
	_, err := s.client.DeleteObject(context.Background(), &s3.DeleteObjectInput{
		Bucket: &s.bucket,
		Key:    &obj,
	})
	if err != nil {
		return errs.Wrap(errs.KindStorage, "S3 DeleteObject", err)
	}
	return nil
}

func (s *S3) ListKeys() ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: &s.bucket,
		Prefix: &s.prefix,
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(context.Background())
		if err != nil {
			return nil, errs.Wrap(errs.KindStorage, "S3 ListObjects", err)
		}
		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			keys = append(keys, strings.TrimPrefix(*obj.Key, s.prefix))
		}
	}
	return keys, nil
}
