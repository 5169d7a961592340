package aws

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"

	"github.com/ffgarciam/cloud-usage-report/pkg/cur"
)

const (
	// ReportSuffix is the extension of AWS Usage Data report files.
	ReportSuffix = ".csv"

	// CompressedReportSuffix is the extension of gzip-compressed report files.
	CompressedReportSuffix = ".csv.gz"

	// kmsEncryption is the server-side encryption algorithm for KMS-managed keys.
	kmsEncryption = "aws:kms"

	// maxS3Keys is the maximum amount of keys to be returned by a single S3
	// list objects API response
	maxS3Keys = 200
)

// NewS3Client returns an S3 client using the pipeline's own identity.
func NewS3Client(region string) s3iface.S3API {
	awsSession := session.Must(session.NewSession())
	return s3.New(awsSession, aws.NewConfig().WithRegion(region))
}

// NewS3ClientWithCredentials returns an S3 client scoped to the vended
// credentials of a single execution. Used only for reading a client's source
// bucket, never for writes.
func NewS3ClientWithCredentials(region string, creds *cur.Credentials) s3iface.S3API {
	awsSession := session.Must(session.NewSession())
	staticCreds := credentials.NewStaticCredentials(creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken)
	return s3.New(awsSession, aws.NewConfig().WithRegion(region).WithCredentials(staticCreds))
}

// ReportClient reads and writes usage report objects in S3.
type ReportClient struct {
	s3API s3iface.S3API
}

func NewReportClient(s3API s3iface.S3API) *ReportClient {
	return &ReportClient{s3API: s3API}
}

// ListReportObjects returns the keys of all report files under the given
// bucket and prefix, in listing (lexicographic) order. Manifest files and
// other non-report objects sharing the prefix are skipped.
func (c *ReportClient) ListReportObjects(ctx context.Context, bucket, prefix string) ([]string, error) {
	// ensure that a non-empty prefix has a slash at its end
	if len(prefix) > 0 && prefix[len(prefix)-1] != '/' {
		prefix += "/"
	}

	var keys []string
	pageFn := func(out *s3.ListObjectsV2Output, lastPage bool) bool {
		keys = append(keys, filterReportObjects(out.Contents)...)
		return true
	}

	err := c.s3API.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int64(maxS3Keys),
	}, pageFn)
	if err != nil {
		return nil, fmt.Errorf("could not list usage report keys in bucket '%s': %w", bucket, err)
	}

	return keys, nil
}

func filterReportObjects(objects []*s3.Object) []string {
	var keys []string
	for _, obj := range objects {
		key := *obj.Key
		// only look for report files; manifests and additional artifacts
		// share the prefix but aren't usage data
		if strings.HasSuffix(key, ReportSuffix) || strings.HasSuffix(key, CompressedReportSuffix) {
			keys = append(keys, key)
		}
	}
	return keys
}

// GetReportObject retrieves a single report object. The caller owns the
// returned reader and must close it.
func (c *ReportClient) GetReportObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	obj, err := c.s3API.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("can't get report object from bucket '%s' with key '%s': %w", bucket, key, err)
	}
	return obj.Body, nil
}

// PutEncryptedObject uploads data to the given bucket and key, encrypting
// server-side with the referenced KMS key.
func (c *ReportClient) PutEncryptedObject(ctx context.Context, bucket, key, kmsKeyID string, data []byte) error {
	_, err := c.s3API.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(data),
		ServerSideEncryption: aws.String(kmsEncryption),
		SSEKMSKeyId:          aws.String(kmsKeyID),
	})
	if err != nil {
		return fmt.Errorf("can't put object to bucket '%s' with key '%s': %w", bucket, key, err)
	}
	return nil
}
