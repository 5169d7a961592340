package processor

import (
	"bytes"
	"compress/gzip"
	"context"
	"io/ioutil"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	curaws "github.com/ffgarciam/cloud-usage-report/pkg/aws"
	s3mock "github.com/ffgarciam/cloud-usage-report/pkg/aws/s3_test"
	"github.com/ffgarciam/cloud-usage-report/pkg/cur"
)

func gzipData(t *testing.T, data string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gzw := gzip.NewWriter(&buf)
	_, err := gzw.Write([]byte(data))
	require.NoError(t, err)
	require.NoError(t, gzw.Close())
	return buf.Bytes()
}

func gunzipData(t *testing.T, data []byte) string {
	t.Helper()
	gzr, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	out, err := ioutil.ReadAll(gzr)
	require.NoError(t, err)
	return string(out)
}

func testClientConfig() cur.ClientConfig {
	return cur.ClientConfig{
		ClientID:      "acme",
		AccountID:     "111122223333",
		RoleArn:       "arn:aws:iam::111122223333:role/cur-access",
		ExternalID:    "ext1",
		CURBucketName: "acme-cur",
		CURPrefix:     "reports",
	}
}

func testCredentials() *cur.Credentials {
	return &cur.Credentials{
		AccessKeyID:     "AKIAEXAMPLE",
		SecretAccessKey: "secret",
		SessionToken:    "token",
	}
}

type stageFixture struct {
	stage      *Stage
	sourceS3   *s3mock.MockS3
	destS3     *s3mock.MockS3
	seenCreds  []*cur.Credentials
	seenRegion []string
}

func newStageFixture(t *testing.T) *stageFixture {
	t.Helper()
	f := &stageFixture{
		sourceS3: s3mock.NewMockS3(),
		destS3:   s3mock.NewMockS3(),
	}
	f.sourceS3.NewBucket("acme-cur")
	f.destS3.NewBucket("processed-cur")

	sourceFn := func(region string, creds *cur.Credentials) s3iface.S3API {
		f.seenCreds = append(f.seenCreds, creds)
		f.seenRegion = append(f.seenRegion, region)
		return f.sourceS3
	}
	cfg := Config{
		Region:            "us-east-1",
		DestinationBucket: "processed-cur",
		EncryptionKeyID:   "arn:aws:kms:us-east-1:1:key/abc",
	}
	f.stage = New(logrus.New(), cfg, f.destS3, sourceFn, nil)
	return f
}

func (f *stageFixture) putSourceObject(t *testing.T, key string, data []byte) {
	t.Helper()
	client := curaws.NewReportClient(f.sourceS3)
	require.NoError(t, client.PutEncryptedObject(context.Background(), "acme-cur", key, "src-key", data))
}

func TestProcessTransformsAndUploads(t *testing.T) {
	f := newStageFixture(t)
	f.putSourceObject(t, "reports/20240101-20240201/report-1.csv.gz",
		gzipData(t, "id,cost\n1,0.5\n2,1.5\n"))
	f.putSourceObject(t, "reports/20240101-20240201/report-2.csv",
		[]byte("id,cost\n3,2.0\n4,0.1\n5,0.9\n"))

	result, err := f.stage.Process(context.Background(), testClientConfig(), testCredentials())
	require.NoError(t, err)

	assert.Equal(t, "acme", result.ClientID)
	assert.Equal(t, []string{
		"reports/20240101-20240201/report-1.csv.gz",
		"reports/20240101-20240201/report-2.csv",
	}, result.ProcessedFiles)
	// 2 rows in the first file plus 3 in the second, headers excluded
	assert.Equal(t, int64(5), result.TotalRecords)
	assert.GreaterOrEqual(t, result.ProcessingTime, int64(0))
	assert.Contains(t, result.DestinationPath, "s3://processed-cur/acme/")

	// source bucket reads used the vended credentials
	require.Len(t, f.seenCreds, 1)
	assert.Equal(t, "AKIAEXAMPLE", f.seenCreds[0].AccessKeyID)
	assert.Equal(t, "us-east-1", f.seenRegion[0])

	// both outputs landed in the destination bucket, gzipped and KMS-encrypted
	destKeys := f.destS3.Keys("processed-cur")
	require.Len(t, destKeys, 2)
	for _, key := range destKeys {
		meta := f.destS3.Meta("processed-cur", key)
		assert.Equal(t, "aws:kms", meta.ServerSideEncryption)
		assert.Equal(t, "arn:aws:kms:us-east-1:1:key/abc", meta.SSEKMSKeyID)
	}
	assert.Contains(t, destKeys[0], "report-1.csv.gz")
	assert.Contains(t, destKeys[1], "report-2.csv.gz")

	client := curaws.NewReportClient(f.destS3)
	body, err := client.GetReportObject(context.Background(), "processed-cur", destKeys[0])
	require.NoError(t, err)
	defer body.Close()
	raw, err := ioutil.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "id,cost\n1,0.5\n2,1.5\n", gunzipData(t, raw))
}

func TestProcessNoSourceData(t *testing.T) {
	f := newStageFixture(t)

	result, err := f.stage.Process(context.Background(), testClientConfig(), testCredentials())
	require.Error(t, err)
	assert.Nil(t, result)
	assert.Equal(t, cur.ErrClassNoSourceData, cur.ClassOf(err))
}

func TestProcessParseFailureAbortsWithoutPartialCommit(t *testing.T) {
	f := newStageFixture(t)
	f.putSourceObject(t, "reports/report-1.csv", []byte("id,cost\n1,0.5\n"))
	// corrupt gzip payload in the second file
	f.putSourceObject(t, "reports/report-2.csv.gz", []byte("not gzip at all"))

	result, err := f.stage.Process(context.Background(), testClientConfig(), testCredentials())
	require.Error(t, err)
	assert.Nil(t, result)
	assert.Equal(t, cur.ErrClassParseError, cur.ClassOf(err))

	// the first file parsed fine but nothing may be committed
	assert.Empty(t, f.destS3.Keys("processed-cur"))
}

func TestProcessUploadFailureClassification(t *testing.T) {
	tests := map[string]struct {
		putErr      error
		expectClass cur.ErrorClass
	}{
		"generic upload failure": {
			putErr:      awserr.New("InternalError", "we encountered an internal error", nil),
			expectClass: cur.ErrClassUploadError,
		},
		"throttled upload": {
			putErr:      awserr.New("SlowDown", "reduce your request rate", nil),
			expectClass: cur.ErrClassQuotaExceeded,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			f := newStageFixture(t)
			f.putSourceObject(t, "reports/report-1.csv", []byte("id,cost\n1,0.5\n"))
			f.destS3.PutErr = tt.putErr

			_, err := f.stage.Process(context.Background(), testClientConfig(), testCredentials())
			require.Error(t, err)
			assert.Equal(t, tt.expectClass, cur.ClassOf(err))
		})
	}
}

func TestProcessQueuesWhenConcurrencyCapReached(t *testing.T) {
	f := newStageFixture(t)
	f.putSourceObject(t, "reports/report-1.csv", []byte("id,cost\n1,0.5\n"))

	// saturate the semaphore so the next invocation has to queue
	for i := 0; i < cap(f.stage.semaphore); i++ {
		f.stage.semaphore <- struct{}{}
	}

	done := make(chan error, 1)
	go func() {
		_, err := f.stage.Process(context.Background(), testClientConfig(), testCredentials())
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("invocation should have queued behind the concurrency cap, got %v", err)
	default:
	}

	// free a slot; the queued invocation proceeds
	<-f.stage.semaphore
	require.NoError(t, <-done)
}
