package sender

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/tdmboyd-dev/TIME-sub002/internal/config"
	"github.com/tdmboyd-dev/TIME-sub002/internal/domain"
	"github.com/tdmboyd-dev/TIME-sub002/internal/pkg/logger"
)

// SESSender delivers mail through AWS SES v2. Correlation ids travel as
// message tags so provider webhooks can be mapped back to the originating
// campaign, email log, and user.
type SESSender struct {
	client    *sesv2.Client
	fromEmail string
	log       *logger.Logger
}

// NewSESSender initializes the SES client from static credentials.
func NewSESSender(cfg config.SESConfig) (*SESSender, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &SESSender{
		client:    sesv2.NewFromConfig(awsCfg),
		fromEmail: cfg.FromEmail,
		log:       logger.With("ses"),
	}, nil
}

// Send delivers a single email. Provider rejections come back as a failed
// SendResult, not an error, so trigger processing can record FAILED and
// move on.
func (s *SESSender) Send(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error) {
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.fromEmail),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(msg.HTML), Charset: aws.String("UTF-8")},
				},
			},
		},
		EmailTags: []types.MessageTag{
			{Name: aws.String("campaign_id"), Value: aws.String(msg.CampaignID)},
			{Name: aws.String("email_log_id"), Value: aws.String(msg.ID)},
			{Name: aws.String("user_id"), Value: aws.String(msg.UserID)},
		},
	}
	if msg.Text != "" {
		input.Content.Simple.Body.Text = &types.Content{Data: aws.String(msg.Text), Charset: aws.String("UTF-8")}
	}

	out, err := s.client.SendEmail(ctx, input)
	if err != nil {
		s.log.Warn("ses send failed", "to", msg.To, "error", err.Error())
		return &domain.SendResult{Success: false, Error: err.Error(), SentAt: time.Now()}, nil
	}

	messageID := ""
	if out.MessageId != nil {
		messageID = *out.MessageId
	}
	s.log.Debug("ses send ok", "to", msg.To, "message_id", messageID)
	return &domain.SendResult{Success: true, MessageID: messageID, SentAt: time.Now()}, nil
}
