package evidence

import (
	"ApolloLedger/internal/event"
	"ApolloLedger/internal/observability"
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePresigner struct {
	input   *s3.PutObjectInput
	expires time.Duration
}

func (f *fakePresigner) PresignPutObject(_ context.Context, in *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	opts := s3.PresignOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}
	f.input = in
	f.expires = opts.Expires
	return &v4.PresignedHTTPRequest{URL: "https://bucket.example/" + aws.ToString(in.Key) + "?sig=x", Method: "PUT"}, nil
}

type fakeObjects map[string][]byte

func (f fakeObjects) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f[aws.ToString(in.Key)]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func TestBuildAndParseKey(t *testing.T) {
	member := uuid.New()
	id := ulid.Make()

	key := BuildKey(member, id)
	assert.True(t, strings.HasPrefix(key, "evidence/"+member.String()+"/"))

	gotMember, gotID, err := ParseKey(key)
	require.NoError(t, err)
	assert.Equal(t, member, gotMember)
	assert.Equal(t, id, gotID)

	for _, bad := range []string{
		"user/" + member.String() + "/" + id.String(),
		"evidence/" + member.String(),
		"evidence/not-a-uuid/" + id.String(),
		"evidence/" + member.String() + "/short",
	} {
		_, _, err := ParseKey(bad)
		assert.ErrorIs(t, err, ErrBadKey, bad)
	}
}

func TestPresignUpload(t *testing.T) {
	p := &fakePresigner{}
	s := NewStore(p, fakeObjects{}, "claims-evidence", 10*time.Minute, nil)
	member := uuid.New()

	up, err := s.PresignUpload(context.Background(), member, "application/pdf")
	require.NoError(t, err)

	gotMember, _, err := ParseKey(up.Key)
	require.NoError(t, err)
	assert.Equal(t, member, gotMember)
	assert.Contains(t, up.URL, up.Key)
	assert.Equal(t, "application/pdf", up.Headers["Content-Type"])
	assert.Equal(t, 10*time.Minute, up.ExpiresIn)

	assert.Equal(t, "claims-evidence", aws.ToString(p.input.Bucket))
	assert.Equal(t, member.String(), p.input.Metadata["member_id"])
	assert.Equal(t, 10*time.Minute, p.expires)

	// keys never repeat
	again, err := s.PresignUpload(context.Background(), member, "")
	require.NoError(t, err)
	assert.NotEqual(t, up.Key, again.Key)
	assert.Equal(t, "application/octet-stream", again.Headers["Content-Type"])
}

func TestDigestAndVerify(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	key := BuildKey(uuid.New(), ulid.Make())
	doc := []byte("rainfall station 42: 0mm over 30 days")
	s := NewStore(&fakePresigner{}, fakeObjects{key: doc}, "b", time.Minute, metrics)
	ctx := context.Background()

	d, err := s.Digest(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, event.Digest(sha256.Sum256(doc)), d)

	ok, err := s.Verify(ctx, key, d)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Verify(ctx, key, event.Digest{1})
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Verify(ctx, BuildKey(uuid.New(), ulid.Make()), d)
	require.Error(t, err)

	_, err = s.Digest(ctx, "../etc/passwd")
	require.ErrorIs(t, err, ErrBadKey)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.EvidenceVerifications.WithLabelValues("match")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.EvidenceVerifications.WithLabelValues("mismatch")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.EvidenceVerifications.WithLabelValues("error")))
}
