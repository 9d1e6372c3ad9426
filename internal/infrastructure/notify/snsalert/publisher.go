package snsalert

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
)

// API is the subset of the SNS client used to publish alerts.
type API interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Publisher sends alerts to an SNS topic.
type Publisher struct {
	api      API
	topicARN string
}

func New(cfg aws.Config, topicARN string) *Publisher {
	return NewWithAPI(sns.NewFromConfig(cfg), topicARN)
}

func NewWithAPI(api API, topicARN string) *Publisher {
	return &Publisher{api: api, topicARN: topicARN}
}

func (p *Publisher) Publish(ctx context.Context, subject, message string) error {
	_, err := p.api.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Subject:  aws.String(truncateSubject(subject)),
		Message:  aws.String(message),
	})
	if err != nil {
		return fmt.Errorf("sns publish: %w", err)
	}
	return nil
}

// SNS rejects subjects longer than 100 characters.
func truncateSubject(subject string) string {
	runes := []rune(subject)
	if len(runes) <= 100 {
		return subject
	}
	return string(runes[:100])
}
