package evidence

import (
	"ApolloLedger/internal/observability"
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsCfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config selects the bucket and, for LocalStack, a custom endpoint.
type S3Config struct {
	Region     string
	Bucket     string
	Endpoint   string // empty for AWS
	PresignTTL time.Duration
}

// NewS3Store loads AWS credentials from the environment and builds a Store
// on a real S3 client.
func NewS3Store(ctx context.Context, cfg S3Config, metrics *observability.Metrics) (*Store, error) {
	awsConf, err := awsCfg.LoadDefaultConfig(ctx, awsCfg.WithRegion(cfg.Region))
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(awsConf, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewStore(s3.NewPresignClient(client), client, cfg.Bucket, cfg.PresignTTL, metrics), nil
}
