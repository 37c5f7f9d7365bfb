package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"

	"github.com/foxzi/mailcast/internal/models"
)

// SES sends through Amazon SES v2. Messages with attachments go out as raw MIME.
type SES struct {
	provider models.Provider
	opts     Options
	logger   *slog.Logger

	once      sync.Once
	client    *sesv2.Client
	clientErr error
}

// NewSES creates an SES sender. The AWS client is built on first use.
func NewSES(p *models.Provider, opts Options) *SES {
	opts = opts.withDefaults()
	return &SES{
		provider: *p,
		opts:     opts,
		logger:   opts.Logger.With("component", "ses_transport", "provider", p.Name),
	}
}

func (s *SES) sesClient(ctx context.Context) (*sesv2.Client, error) {
	s.once.Do(func() {
		loadOpts := []func(*awsconfig.LoadOptions) error{
			awsconfig.WithRegion(s.provider.Region),
			// The buildable client lets AWS_CA_BUNDLE add its roots
			awsconfig.WithHTTPClient(awshttp.NewBuildableClient().WithTimeout(s.opts.Timeout)),
		}
		// Without static keys the default AWS credential chain applies
		if s.provider.APIKey != "" && s.provider.APISecret != "" {
			loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(s.provider.APIKey, s.provider.APISecret, ""),
			))
		}

		cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			s.clientErr = fmt.Errorf("failed to load AWS config: %w", err)
			return
		}

		s.client = sesv2.NewFromConfig(cfg, func(o *sesv2.Options) {
			if s.provider.BaseURL != "" {
				o.BaseEndpoint = aws.String(s.provider.BaseURL)
			}
		})
	})
	return s.client, s.clientErr
}

// Send delivers one message
func (s *SES) Send(ctx context.Context, msg *Message) (Receipt, error) {
	client, err := s.sesClient(ctx)
	if err != nil {
		return Receipt{}, &Error{Category: CategoryAuth, Message: err.Error(), Err: err}
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(models.FormatAddress(msg.From, msg.FromName)),
		Destination:      &types.Destination{ToAddresses: []string{models.FormatAddress(msg.To, msg.ToName)}},
	}
	if msg.ReplyTo != "" {
		input.ReplyToAddresses = []string{msg.ReplyTo}
	}

	if len(msg.Attachments) > 0 || len(msg.Headers) > 0 {
		if msg.MessageID == "" {
			msg.MessageID = NewMessageID(DomainOf(msg.From))
		}
		raw, err := Compose(msg, time.Now())
		if err != nil {
			return Receipt{}, &Error{Category: CategoryUnknown, Message: err.Error(), Err: err}
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

	out, err := client.SendEmail(ctx, input)
	if err != nil {
		return Receipt{}, classifyAWSError(err, "SendEmail")
	}

	messageID := aws.ToString(out.MessageId)
	if messageID == "" {
		messageID = NewMessageID(s.opts.Hostname)
	}
	return Receipt{MessageID: messageID}, nil
}

// Probe reads the account sending status
func (s *SES) Probe(ctx context.Context) Probe {
	started := time.Now()

	client, err := s.sesClient(ctx)
	if err != nil {
		return Probe{Success: false, Message: err.Error(), Category: string(CategoryAuth), Latency: time.Since(started)}
	}

	out, err := client.GetAccount(ctx, &sesv2.GetAccountInput{})
	if err != nil {
		return apiProbe(classifyAWSError(err, "GetAccount"), started, "")
	}

	msg := "SES account reachable"
	if !out.SendingEnabled {
		msg = "SES account reachable, sending disabled"
	}
	return Probe{Success: true, Message: msg, Latency: time.Since(started)}
}

// classifyAWSError keeps the HTTP status of AWS API failures
func classifyAWSError(err error, op string) *Error {
	var respErr interface{ HTTPStatusCode() int }
	if !errors.As(err, &respErr) {
		return classifyNetError(err, op)
	}

	status := respErr.HTTPStatusCode()
	category := CategoryAPI
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		category = CategoryAuth
	}

	msg := fmt.Sprintf("%s: %v", op, err)
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		msg = fmt.Sprintf("%s: %s: %s", op, apiErr.ErrorCode(), apiErr.ErrorMessage())
	}

	return &Error{
		Category:   category,
		Temporary:  retryable(status),
		StatusCode: status,
		Message:    msg,
		Err:        err,
	}
}
