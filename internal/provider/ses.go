package provider

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
)

// SESAPI is the subset of the SES v2 client used here.
type SESAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SES sends through AWS SES v2. Messages with attachments go out as raw MIME.
type SES struct {
	client SESAPI
}

// NewSES wraps an existing SES client.
func NewSES(client SESAPI) *SES {
	return &SES{client: client}
}

// NewSESFromKeys builds an SES client from static credentials. Without keys
// the default AWS credential chain is used. endpoint overrides the service
// URL (local stacks and tests).
func NewSESFromKeys(ctx context.Context, accessKey, secretKey, region, endpoint string) (*SES, error) {
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if accessKey != "" && secretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := sesv2.NewFromConfig(cfg, func(o *sesv2.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return NewSES(client), nil
}

// SendMessage delivers a single message through SES.
func (s *SES) SendMessage(ctx context.Context, msg *Message) (*Receipt, error) {
	if s.client == nil {
		return nil, &SendError{Provider: "ses", Err: ErrNotConfigured}
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(msg.From.String()),
		Destination:      &types.Destination{ToAddresses: []string{msg.To.String()}},
	}
	if msg.ReplyTo != "" {
		input.ReplyToAddresses = []string{msg.ReplyTo}
	}
	for k, v := range msg.Metadata {
		input.EmailTags = append(input.EmailTags, types.MessageTag{Name: aws.String(k), Value: aws.String(v)})
	}

	if len(msg.Attachments) > 0 || len(msg.Headers) > 0 {
		raw, err := BuildMIME(msg, msg.ID)
		if err != nil {
			return nil, &SendError{Provider: "ses", Err: err}
		}
		input.Content = &types.EmailContent{Raw: &types.RawMessage{Data: raw}}
	} else {
		body := &types.Body{}
		if msg.HTML != "" {
			body.Html = &types.Content{Data: aws.String(msg.HTML), Charset: aws.String("UTF-8")}
		}
		if msg.Text != "" {
			body.Text = &types.Content{Data: aws.String(msg.Text), Charset: aws.String("UTF-8")}
		}
		input.Content = &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body:    body,
			},
		}
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return nil, &SendError{Provider: "ses", Err: err}
	}
	return &Receipt{MessageID: aws.ToString(result.MessageId)}, nil
}
