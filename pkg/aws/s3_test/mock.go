package s3_test

import (
	"fmt"
	"io"
	"io/ioutil"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
)

func NewMockS3() *MockS3 {
	return &MockS3{
		buckets: map[string]map[string][]byte{},
		meta:    map[string]ObjectMeta{},
		GetErrs: map[string]error{},
	}
}

// ObjectMeta records the encryption parameters a PutObject call carried.
type ObjectMeta struct {
	ServerSideEncryption string
	SSEKMSKeyID          string
}

// MockS3 mimics an S3 blob store for testing. Keys list in lexicographic
// order, matching S3 semantics. GetErrs and PutErr inject failures.
type MockS3 struct {
	sync.RWMutex
	buckets map[string]map[string][]byte
	meta    map[string]ObjectMeta

	GetErrs map[string]error
	PutErr  error

	s3iface.S3API
}

func (m *MockS3) NewBucket(name string) {
	m.Lock()
	defer m.Unlock()
	m.buckets[name] = map[string][]byte{}
}

// Meta returns the encryption metadata recorded for bucket/key.
func (m *MockS3) Meta(bucket, key string) ObjectMeta {
	m.RLock()
	defer m.RUnlock()
	return m.meta[bucket+"/"+key]
}

// Keys returns all keys stored in the bucket, sorted.
func (m *MockS3) Keys(bucket string) []string {
	m.RLock()
	defer m.RUnlock()
	var keys []string
	for key := range m.buckets[bucket] {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (m *MockS3) PutObjectWithContext(ctx aws.Context, in *s3.PutObjectInput, opts ...request.Option) (*s3.PutObjectOutput, error) {
	if m.PutErr != nil {
		return nil, m.PutErr
	}

	data, err := ioutil.ReadAll(in.Body.(io.Reader))
	if err != nil {
		return nil, err
	}

	m.Lock()
	defer m.Unlock()

	bucket, ok := m.buckets[*in.Bucket]
	if !ok {
		bucket = map[string][]byte{}
		m.buckets[*in.Bucket] = bucket
	}

	bucket[*in.Key] = data
	m.meta[*in.Bucket+"/"+*in.Key] = ObjectMeta{
		ServerSideEncryption: aws.StringValue(in.ServerSideEncryption),
		SSEKMSKeyID:          aws.StringValue(in.SSEKMSKeyId),
	}
	return &s3.PutObjectOutput{}, nil
}

func (m *MockS3) GetObjectWithContext(ctx aws.Context, in *s3.GetObjectInput, opts ...request.Option) (*s3.GetObjectOutput, error) {
	m.RLock()
	defer m.RUnlock()

	if err, ok := m.GetErrs[*in.Key]; ok {
		return nil, err
	}

	bucket, ok := m.buckets[*in.Bucket]
	if !ok {
		return nil, fmt.Errorf("bucket '%s' does not exist", *in.Bucket)
	}

	data, ok := bucket[*in.Key]
	if !ok {
		return nil, fmt.Errorf("key '%s' does not exist in bucket '%s'", *in.Key, *in.Bucket)
	}

	return &s3.GetObjectOutput{
		Body: ioutil.NopCloser(strings.NewReader(string(data))),
	}, nil
}

func (m *MockS3) ListObjectsV2PagesWithContext(ctx aws.Context, in *s3.ListObjectsV2Input, fn func(*s3.ListObjectsV2Output, bool) bool, opts ...request.Option) error {
	m.RLock()
	defer m.RUnlock()

	bucket, ok := m.buckets[*in.Bucket]
	if !ok {
		return fmt.Errorf("bucket '%s' does not exist", *in.Bucket)
	}

	var keys []string
	for key := range bucket {
		if strings.HasPrefix(key, aws.StringValue(in.Prefix)) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	var objects []*s3.Object
	for _, key := range keys {
		objKey := key
		objects = append(objects, &s3.Object{Key: &objKey})
	}
	out := new(s3.ListObjectsV2Output)
	out.SetContents(objects)

	fn(out, true)
	return nil
}
