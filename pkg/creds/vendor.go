// Package creds vends short-lived cross-account credentials for the
// processing pipeline. Each execution requests fresh credentials; nothing is
// ever cached, bounding the blast radius of a leak to one client and one
// hour.
package creds

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/sts"
	"github.com/aws/aws-sdk-go/service/sts/stsiface"
	"github.com/sirupsen/logrus"

	"github.com/ffgarciam/cloud-usage-report/pkg/cur"
)

const (
	// sessionNamePrefix makes vended sessions traceable in the target
	// account's audit trail.
	sessionNamePrefix = "CURProcessor"

	// DefaultSessionDuration is the fixed validity of vended credentials.
	DefaultSessionDuration = time.Hour
)

// Vendor obtains short-lived, externally-scoped credentials for a target
// account.
type Vendor interface {
	VendCredentials(ctx context.Context, cfg cur.ClientConfig) (*cur.Credentials, error)
}

type stsVendor struct {
	logger   logrus.FieldLogger
	stsAPI   stsiface.STSAPI
	duration time.Duration
	nowFn    func() time.Time
}

func NewSTSVendor(logger logrus.FieldLogger, stsAPI stsiface.STSAPI) Vendor {
	return &stsVendor{
		logger:   logger.WithField("component", "credentialVendor"),
		stsAPI:   stsAPI,
		duration: DefaultSessionDuration,
		nowFn:    time.Now,
	}
}

// VendCredentials assumes the client's cross-account role gated by its
// external id. The session name embeds the client id and issuance time so the
// target account can attribute every access to one execution.
func (v *stsVendor) VendCredentials(ctx context.Context, cfg cur.ClientConfig) (*cur.Credentials, error) {
	sessionName := sessionNamePrefix + "-" + cfg.ClientID + "-" + strconv.FormatInt(v.nowFn().UnixMilli(), 10)

	logger := v.logger.WithFields(logrus.Fields{
		"clientId":    cfg.ClientID,
		"roleArn":     cfg.RoleArn,
		"sessionName": sessionName,
	})
	logger.Infof("assuming role for client %s", cfg.ClientID)

	out, err := v.stsAPI.AssumeRoleWithContext(ctx, &sts.AssumeRoleInput{
		RoleArn:         aws.String(cfg.RoleArn),
		RoleSessionName: aws.String(sessionName),
		ExternalId:      aws.String(cfg.ExternalID),
		DurationSeconds: aws.Int64(int64(v.duration / time.Second)),
	})
	if err != nil {
		cerr := classifyAssumeRoleError(err)
		logger.WithError(err).Errorf("failed assuming role: %s", cerr.Class)
		return nil, cerr
	}
	if out.Credentials == nil {
		return nil, cur.NewError(cur.ErrClassServiceUnavailable, "assume role returned no credentials")
	}

	return &cur.Credentials{
		AccessKeyID:     aws.StringValue(out.Credentials.AccessKeyId),
		SecretAccessKey: aws.StringValue(out.Credentials.SecretAccessKey),
		SessionToken:    aws.StringValue(out.Credentials.SessionToken),
		Expiration:      aws.TimeValue(out.Credentials.Expiration),
	}, nil
}

// classifyAssumeRoleError maps STS failures to the vendor's failure taxonomy.
// Access denied covers trust-policy mismatch, which is retried upstream to
// absorb cross-account policy propagation delay.
func classifyAssumeRoleError(err error) *cur.Error {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case "AccessDenied", "AccessDeniedException":
			if strings.Contains(strings.ToLower(aerr.Message()), "externalid") {
				return cur.WrapError(cur.ErrClassInvalidExternalID, err)
			}
			return cur.WrapError(cur.ErrClassAccessDenied, err)
		case "ValidationError", "InvalidParameterValue":
			return cur.WrapError(cur.ErrClassInvalidExternalID, err)
		case sts.ErrCodeRegionDisabledException, "ServiceUnavailable", "Throttling", "RequestLimitExceeded":
			return cur.WrapError(cur.ErrClassServiceUnavailable, err)
		}
	}
	// request never reached STS, or an unrecognized fault; treat as a
	// transient service problem
	return cur.WrapError(cur.ErrClassServiceUnavailable, err)
}
