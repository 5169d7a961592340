package cur

import (
	"time"
)

// ClientConfig is one billing client's data-source configuration. Records are
// written by the onboarding workflow and are read-only to the pipeline; an
// insertion into the config store triggers exactly one processing execution.
type ClientConfig struct {
	ClientID          string `json:"clientId"`
	AccountID         string `json:"accountId"`
	RoleArn           string `json:"roleArn"`
	ExternalID        string `json:"externalId"`
	CURBucketName     string `json:"curBucketName"`
	CURPrefix         string `json:"curPrefix,omitempty"`
	NotificationEmail string `json:"notificationEmail,omitempty"`
}

// requiredFields maps the JSON attribute names validated at trigger time to
// accessors. curPrefix and notificationEmail are optional.
var requiredFields = []struct {
	name  string
	value func(*ClientConfig) string
}{
	{"clientId", func(c *ClientConfig) string { return c.ClientID }},
	{"accountId", func(c *ClientConfig) string { return c.AccountID }},
	{"roleArn", func(c *ClientConfig) string { return c.RoleArn }},
	{"externalId", func(c *ClientConfig) string { return c.ExternalID }},
	{"curBucketName", func(c *ClientConfig) string { return c.CURBucketName }},
}

// Validate checks that every required field is non-empty. Validation happens
// at trigger time, not at storage time.
func (c *ClientConfig) Validate() error {
	for _, field := range requiredFields {
		if field.value(c) == "" {
			return NewError(ErrClassValidation, "missing required field: %s", field.name)
		}
	}
	return nil
}

// Credentials are short-lived credentials vended for a single execution. They
// are never persisted beyond the execution that requested them and must never
// be logged; both String and GoString redact the secret material so a stray
// %v or %#v can't leak it.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Expiration      time.Time
}

func (c Credentials) String() string {
	return "cur.Credentials{REDACTED}"
}

func (c Credentials) GoString() string {
	return c.String()
}

// ProcessingResult is the output of the data transformation stage and the
// input to the notification fan-out.
type ProcessingResult struct {
	ClientID        string   `json:"clientId"`
	ProcessedFiles  []string `json:"processedFiles"`
	TotalRecords    int64    `json:"totalRecords"`
	ProcessingTime  int64    `json:"processingTime"`
	DestinationPath string   `json:"destinationPath"`
}
