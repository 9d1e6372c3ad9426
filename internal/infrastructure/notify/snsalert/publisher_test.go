package snsalert

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
)

type apiFake struct {
	inputs []*sns.PublishInput
	err    error
}

func (f *apiFake) Publish(_ context.Context, params *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	f.inputs = append(f.inputs, params)
	if f.err != nil {
		return nil, f.err
	}
	return &sns.PublishOutput{MessageId: aws.String("mid")}, nil
}

func TestPublishSendsToTopic(t *testing.T) {
	api := &apiFake{}
	if err := NewWithAPI(api, "arn:aws:sns:us-east-1:1:alerts").Publish(context.Background(), "Celebrity detected", "body"); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	in := api.inputs[0]
	if aws.ToString(in.TopicArn) != "arn:aws:sns:us-east-1:1:alerts" || aws.ToString(in.Subject) != "Celebrity detected" || aws.ToString(in.Message) != "body" {
		t.Fatalf("unexpected input: %+v", in)
	}
}

func TestPublishTruncatesLongSubject(t *testing.T) {
	api := &apiFake{}
	_ = NewWithAPI(api, "arn").Publish(context.Background(), strings.Repeat("x", 150), "body")
	if got := aws.ToString(api.inputs[0].Subject); len(got) != 100 {
		t.Fatalf("expected 100-char subject, got %d", len(got))
	}
}

func TestPublishWrapsError(t *testing.T) {
	err := NewWithAPI(&apiFake{err: errors.New("AuthorizationError")}, "arn").Publish(context.Background(), "s", "m")
	if err == nil || !strings.Contains(err.Error(), "sns publish") {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}
