// Package evidence keeps claim documents off the ledger. Claimants upload
// through presigned URLs; the ledger records only the SHA-256 digest, which
// adjudication checks against the stored object.
package evidence

import (
	"ApolloLedger/internal/event"
	"ApolloLedger/internal/observability"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

const keyPrefix = "evidence/"

// ErrBadKey is returned for keys not produced by BuildKey.
var ErrBadKey = errors.New("evidence: malformed object key")

// Presigner defines the interface for presigning S3 requests.
type Presigner interface {
	PresignPutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// ObjectGetter reads objects back for digest checks.
type ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Upload is what a claimant needs to PUT a document.
type Upload struct {
	Key       string            `json:"key"`
	URL       string            `json:"url"`
	Headers   map[string]string `json:"headers"`
	ExpiresIn time.Duration     `json:"expires_in"`
}

// Store is the S3-backed evidence store.
type Store struct {
	presigner Presigner
	objects   ObjectGetter
	bucket    string
	ttl       time.Duration
	metrics   *observability.Metrics
}

func NewStore(presigner Presigner, objects ObjectGetter, bucket string, ttl time.Duration, metrics *observability.Metrics) *Store {
	return &Store{
		presigner: presigner,
		objects:   objects,
		bucket:    bucket,
		ttl:       ttl,
		metrics:   metrics,
	}
}

// BuildKey returns evidence/<member>/<id>.
func BuildKey(member uuid.UUID, id ulid.ULID) string {
	return keyPrefix + member.String() + "/" + id.String()
}

// ParseKey is the inverse of BuildKey.
func ParseKey(key string) (uuid.UUID, ulid.ULID, error) {
	rest, ok := strings.CutPrefix(key, keyPrefix)
	if !ok {
		return uuid.Nil, ulid.ULID{}, fmt.Errorf("%w: %q", ErrBadKey, key)
	}
	memberPart, idPart, ok := strings.Cut(rest, "/")
	if !ok {
		return uuid.Nil, ulid.ULID{}, fmt.Errorf("%w: %q", ErrBadKey, key)
	}
	member, err := uuid.Parse(memberPart)
	if err != nil {
		return uuid.Nil, ulid.ULID{}, fmt.Errorf("%w: member: %v", ErrBadKey, err)
	}
	id, err := ulid.ParseStrict(idPart)
	if err != nil {
		return uuid.Nil, ulid.ULID{}, fmt.Errorf("%w: id: %v", ErrBadKey, err)
	}
	return member, id, nil
}

// PresignUpload allocates a fresh key under member and presigns a PUT for it.
func (s *Store) PresignUpload(ctx context.Context, member uuid.UUID, contentType string) (*Upload, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	key := BuildKey(member, ulid.Make())

	req, err := s.presigner.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(key),
		ContentType:          aws.String(contentType),
		Metadata:             map[string]string{"member_id": member.String()},
		ServerSideEncryption: types.ServerSideEncryptionAwsKms,
	}, func(o *s3.PresignOptions) { o.Expires = s.ttl })
	if err != nil {
		return nil, fmt.Errorf("presign %s: %w", key, err)
	}

	return &Upload{
		Key: key,
		URL: req.URL,
		Headers: map[string]string{
			"Content-Type":                 contentType,
			"x-amz-server-side-encryption": "aws:kms",
			"x-amz-meta-member_id":         member.String(),
		},
		ExpiresIn: s.ttl,
	}, nil
}

// Digest streams the object and returns its SHA-256.
func (s *Store) Digest(ctx context.Context, key string) (event.Digest, error) {
	if _, _, err := ParseKey(key); err != nil {
		return event.Digest{}, err
	}
	out, err := s.objects.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return event.Digest{}, fmt.Errorf("get %s: %w", key, err)
	}
	defer out.Body.Close()

	h := sha256.New()
	if _, err := io.Copy(h, out.Body); err != nil {
		return event.Digest{}, fmt.Errorf("read %s: %w", key, err)
	}
	var d event.Digest
	copy(d[:], h.Sum(nil))
	return d, nil
}

// Verify reports whether the object under key hashes to expected.
func (s *Store) Verify(ctx context.Context, key string, expected event.Digest) (bool, error) {
	got, err := s.Digest(ctx, key)
	if err != nil {
		s.count("error")
		return false, err
	}
	if got != expected {
		s.count("mismatch")
		return false, nil
	}
	s.count("match")
	return true, nil
}

func (s *Store) count(result string) {
	if s.metrics != nil {
		s.metrics.EvidenceVerifications.WithLabelValues(result).Inc()
	}
}
