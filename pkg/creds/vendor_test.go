package creds

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/sts"
	"github.com/aws/aws-sdk-go/service/sts/stsiface"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ffgarciam/cloud-usage-report/pkg/cur"
)

type mockSTS struct {
	stsiface.STSAPI

	inputs []*sts.AssumeRoleInput
	err    error
}

func (m *mockSTS) AssumeRoleWithContext(ctx aws.Context, in *sts.AssumeRoleInput, opts ...request.Option) (*sts.AssumeRoleOutput, error) {
	m.inputs = append(m.inputs, in)
	if m.err != nil {
		return nil, m.err
	}
	expiry := time.Now().Add(time.Hour)
	return &sts.AssumeRoleOutput{
		Credentials: &sts.Credentials{
			AccessKeyId:     aws.String("AKIAEXAMPLE"),
			SecretAccessKey: aws.String("secret"),
			SessionToken:    aws.String("token"),
			Expiration:      aws.Time(expiry),
		},
	}, nil
}

func testConfig() cur.ClientConfig {
	return cur.ClientConfig{
		ClientID:      "acme",
		AccountID:     "111122223333",
		RoleArn:       "arn:aws:iam::111122223333:role/cur-access",
		ExternalID:    "ext1",
		CURBucketName: "acme-cur",
	}
}

func TestVendCredentials(t *testing.T) {
	mock := &mockSTS{}
	vendor := NewSTSVendor(logrus.New(), mock)

	creds, err := vendor.VendCredentials(context.Background(), testConfig())
	require.NoError(t, err)

	require.Len(t, mock.inputs, 1)
	in := mock.inputs[0]
	assert.Equal(t, "arn:aws:iam::111122223333:role/cur-access", aws.StringValue(in.RoleArn))
	assert.Equal(t, "ext1", aws.StringValue(in.ExternalId))
	assert.Equal(t, int64(3600), aws.Int64Value(in.DurationSeconds))
	assert.True(t, strings.HasPrefix(aws.StringValue(in.RoleSessionName), "CURProcessor-acme-"),
		"session name should embed the client id: %s", aws.StringValue(in.RoleSessionName))

	assert.Equal(t, "AKIAEXAMPLE", creds.AccessKeyID)
	assert.Equal(t, "secret", creds.SecretAccessKey)
	assert.Equal(t, "token", creds.SessionToken)
	assert.WithinDuration(t, time.Now().Add(time.Hour), creds.Expiration, time.Minute)
}

func TestVendCredentialsNeverCached(t *testing.T) {
	mock := &mockSTS{}
	vendor := NewSTSVendor(logrus.New(), mock)

	_, err := vendor.VendCredentials(context.Background(), testConfig())
	require.NoError(t, err)
	_, err = vendor.VendCredentials(context.Background(), testConfig())
	require.NoError(t, err)

	// every execution triggers a fresh AssumeRole call
	assert.Len(t, mock.inputs, 2)
}

func TestVendCredentialsClassification(t *testing.T) {
	tests := map[string]struct {
		err         error
		expectClass cur.ErrorClass
	}{
		"access denied on trust policy mismatch": {
			err:         awserr.New("AccessDenied", "not authorized to perform sts:AssumeRole", nil),
			expectClass: cur.ErrClassAccessDenied,
		},
		"external id mismatch": {
			err:         awserr.New("AccessDenied", "the externalId does not match", nil),
			expectClass: cur.ErrClassInvalidExternalID,
		},
		"throttled": {
			err:         awserr.New("Throttling", "rate exceeded", nil),
			expectClass: cur.ErrClassServiceUnavailable,
		},
		"network failure": {
			err:         awserr.New("RequestError", "send request failed", nil),
			expectClass: cur.ErrClassServiceUnavailable,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			mock := &mockSTS{err: tt.err}
			vendor := NewSTSVendor(logrus.New(), mock)

			creds, err := vendor.VendCredentials(context.Background(), testConfig())
			require.Error(t, err)
			assert.Nil(t, creds)
			assert.Equal(t, tt.expectClass, cur.ClassOf(err))
		})
	}
}
