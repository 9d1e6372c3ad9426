package rekognition

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rekognition"
	"github.com/aws/aws-sdk-go-v2/service/rekognition/types"
	"github.com/aws/smithy-go"

	"github.com/kirillkom/image-detection-worker/internal/core/domain"
	"github.com/kirillkom/image-detection-worker/internal/infrastructure/resilience"
)

type apiFake struct {
	labels      []types.Label
	celebrities []types.Celebrity
	errs        []error

	labelInputs []*rekognition.DetectLabelsInput
	celebCalls  int
}

func (f *apiFake) nextErr() error {
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

func (f *apiFake) DetectLabels(_ context.Context, params *rekognition.DetectLabelsInput, _ ...func(*rekognition.Options)) (*rekognition.DetectLabelsOutput, error) {
	f.labelInputs = append(f.labelInputs, params)
	if err := f.nextErr(); err != nil {
		return nil, err
	}
	return &rekognition.DetectLabelsOutput{Labels: f.labels}, nil
}

func (f *apiFake) RecognizeCelebrities(_ context.Context, _ *rekognition.RecognizeCelebritiesInput, _ ...func(*rekognition.Options)) (*rekognition.RecognizeCelebritiesOutput, error) {
	f.celebCalls++
	if err := f.nextErr(); err != nil {
		return nil, err
	}
	return &rekognition.RecognizeCelebritiesOutput{CelebrityFaces: f.celebrities}, nil
}

func TestClassifyLabelsPassesObjectReference(t *testing.T) {
	api := &apiFake{labels: []types.Label{
		{Name: aws.String("Person"), Confidence: aws.Float32(92)},
	}}
	got, err := NewWithAPI(api, nil).Classify(context.Background(), domain.ObjectRef{Bucket: "photos", Key: "a b.jpg"}, domain.ModeLabels, 80)
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if !reflect.DeepEqual(got, []domain.Prediction{{Label: "Person", Confidence: 92}}) {
		t.Fatalf("unexpected predictions: %+v", got)
	}
	input := api.labelInputs[0]
	if aws.ToString(input.Image.S3Object.Bucket) != "photos" || aws.ToString(input.Image.S3Object.Name) != "a b.jpg" {
		t.Fatalf("unexpected image reference: %+v", input.Image.S3Object)
	}
	if aws.ToFloat32(input.MinConfidence) != 80 {
		t.Fatalf("unexpected min confidence: %v", aws.ToFloat32(input.MinConfidence))
	}
}

func TestClassifyCelebrities(t *testing.T) {
	api := &apiFake{celebrities: []types.Celebrity{
		{Name: aws.String("Jeff Bezos")},
		{Name: aws.String("Ada Lovelace"), MatchConfidence: aws.Float32(97)},
	}}
	got, err := NewWithAPI(api, nil).Classify(context.Background(), domain.ObjectRef{Bucket: "b", Key: "k"}, domain.ModeCelebrities, 80)
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	want := []domain.Prediction{{Label: "Jeff Bezos", Confidence: 100}, {Label: "Ada Lovelace", Confidence: 97}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected predictions: %+v", got)
	}
}

func TestClassifyRetriesThrottling(t *testing.T) {
	api := &apiFake{errs: []error{&smithy.GenericAPIError{Code: "ThrottlingException", Message: "rate exceeded"}}}
	exec := resilience.NewExecutor(resilience.Config{
		RetryMaxAttempts:    2,
		RetryInitialBackoff: time.Millisecond,
		RetryMaxBackoff:     time.Millisecond,
		RetryMultiplier:     2,
	})
	if _, err := NewWithAPI(api, exec).Classify(context.Background(), domain.ObjectRef{Bucket: "b", Key: "k"}, domain.ModeLabels, 80); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if len(api.labelInputs) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(api.labelInputs))
	}
}

func TestClassifyWrapsPermanentErrors(t *testing.T) {
	api := &apiFake{errs: []error{&smithy.GenericAPIError{Code: "InvalidS3ObjectException", Message: "no such key"}}}
	_, err := NewWithAPI(api, nil).Classify(context.Background(), domain.ObjectRef{Bucket: "b", Key: "k"}, domain.ModeCelebrities, 80)
	if !domain.IsKind(err, domain.ErrClassification) {
		t.Fatalf("expected classification error, got %v", err)
	}
	if api.celebCalls != 1 {
		t.Fatalf("expected one call, got %d", api.celebCalls)
	}
}
