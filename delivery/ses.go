package delivery

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"sunsetsmail/internal/config"
	"sunsetsmail/internal/metrics"
)

const sesName = "ses"

// sesAPI is the subset of *sesv2.Client used by SESTransport.
type sesAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESTransport sends messages through the AWS SES v2 API.
type SESTransport struct {
	client sesAPI
	from   string
}

// NewSES builds an SES transport. Static credentials are used when both keys
// are set; otherwise the default AWS credential chain applies.
func NewSES(ctx context.Context, cfg config.SES, from string) (*SESTransport, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, &ConfigurationError{Transport: sesName, Reason: err.Error()}
	}
	return newSESTransport(sesv2.NewFromConfig(awsCfg), from), nil
}

func newSESTransport(client sesAPI, from string) *SESTransport {
	if from == "" {
		from = config.DefaultFrom
	}
	return &SESTransport{client: client, from: from}
}

// Send submits msg as a simple SES message.
func (t *SESTransport) Send(ctx context.Context, msg Message) error {
	if t == nil || t.client == nil {
		return &ConfigurationError{Transport: sesName, Reason: "client was not constructed"}
	}
	if err := validate(sesName, msg); err != nil {
		return err
	}
	defer metrics.ObserveSend(sesName, time.Now())

	body := &types.Body{}
	if msg.HTML != "" {
		body.Html = &types.Content{Data: aws.String(msg.HTML), Charset: aws.String("UTF-8")}
	}
	if msg.Text != "" || msg.HTML == "" {
		body.Text = &types.Content{Data: aws.String(msg.Text), Charset: aws.String("UTF-8")}
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(sender(msg, t.from)),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body:    body,
			},
		},
	}
	if _, err := t.client.SendEmail(ctx, input); err != nil {
		return &TransportError{Transport: sesName, Op: "send", Err: err}
	}
	return nil
}
