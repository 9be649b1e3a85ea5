package artifact

import (
	"bytes"
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"
)

// projectTag is the URL-encoded object tagging string for cost allocation.
const projectTag = "Project=family-resemblance"

// S3API is the subset of *s3.Client used by S3Store.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Presigner is the subset of *s3.PresignClient used by S3Store.
type Presigner interface {
	PresignGetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// S3Store keeps artifacts in a bucket under a key prefix and serves them
// through pre-signed GET URLs.
type S3Store struct {
	client    S3API
	presigner Presigner
	bucket    string
	prefix    string
	expiry    time.Duration
}

var _ Store = (*S3Store)(nil)

// NewS3Store creates a bucket-backed store. URLs expire after expiry.
func NewS3Store(client S3API, presigner Presigner, bucket, prefix string, expiry time.Duration) *S3Store {
	if expiry <= 0 {
		expiry = time.Hour
	}
	return &S3Store{client: client, presigner: presigner, bucket: bucket, prefix: prefix, expiry: expiry}
}

func (s *S3Store) objectKey(key string) string { return s.prefix + key }

func (s *S3Store) Put(ctx context.Context, key string, data []byte, mimeType string) error {
	if err := validKey(key); err != nil {
		return err
	}
	objKey := s.objectKey(key)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &s.bucket,
		Key:         &objKey,
		Body:        bytes.NewReader(data),
		ContentType: aws.String(mimeType),
		Tagging:     aws.String(projectTag),
	})
	if err != nil {
		return errors.Wrapf(err, "S3 PutObject %s", objKey)
	}
	log.Debug().Str("bucket", s.bucket).Str("key", objKey).Int("bytes", len(data)).Msg("Artifact uploaded to S3")
	return nil
}

// Delete checks for the object first; DeleteObject alone succeeds on
// missing keys and would hide a lost artifact.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	if err := validKey(key); err != nil {
		return err
	}
	objKey := s.objectKey(key)
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &s.bucket, Key: &objKey})
	if err != nil {
		var nf *s3types.NotFound
		if errors.As(err, &nf) {
			return errors.Wrapf(ErrNotFound, "s3://%s/%s", s.bucket, objKey)
		}
		return errors.Wrapf(err, "S3 HeadObject %s", objKey)
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &s.bucket, Key: &objKey}); err != nil {
		return errors.Wrapf(err, "S3 DeleteObject %s", objKey)
	}
	return nil
}

func (s *S3Store) URL(ctx context.Context, key string) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}
	objKey := s.objectKey(key)
	result, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket, Key: &objKey,
	}, func(opts *s3.PresignOptions) {
		opts.Expires = s.expiry
	})
	if err != nil {
		return "", errors.Wrap(err, "presign GetObject")
	}
	return result.URL, nil
}
