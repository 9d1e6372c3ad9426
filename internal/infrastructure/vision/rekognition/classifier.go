package rekognition

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rekognition"
	"github.com/aws/aws-sdk-go-v2/service/rekognition/types"
	"github.com/aws/smithy-go"

	"github.com/kirillkom/image-detection-worker/internal/core/domain"
	"github.com/kirillkom/image-detection-worker/internal/infrastructure/resilience"
)

// API is the subset of the Rekognition client used by the classifier.
type API interface {
	DetectLabels(ctx context.Context, params *rekognition.DetectLabelsInput, optFns ...func(*rekognition.Options)) (*rekognition.DetectLabelsOutput, error)
	RecognizeCelebrities(ctx context.Context, params *rekognition.RecognizeCelebritiesInput, optFns ...func(*rekognition.Options)) (*rekognition.RecognizeCelebritiesOutput, error)
}

// Classifier asks Rekognition to analyse objects in place; image bytes never pass through the worker.
type Classifier struct {
	api      API
	executor *resilience.Executor
}

func New(cfg aws.Config, executor *resilience.Executor) *Classifier {
	return NewWithAPI(rekognition.NewFromConfig(cfg), executor)
}

func NewWithAPI(api API, executor *resilience.Executor) *Classifier {
	return &Classifier{api: api, executor: executor}
}

func (c *Classifier) Classify(ctx context.Context, ref domain.ObjectRef, mode domain.DetectionMode, minConfidence float64) ([]domain.Prediction, error) {
	image := &types.Image{S3Object: &types.S3Object{
		Bucket: aws.String(ref.Bucket),
		Name:   aws.String(ref.Key),
	}}

	var predictions []domain.Prediction
	var call func(context.Context) error
	var operation string

	switch mode {
	case domain.ModeCelebrities:
		operation = "rekognition.recognize_celebrities"
		call = func(callCtx context.Context) error {
			out, err := c.api.RecognizeCelebrities(callCtx, &rekognition.RecognizeCelebritiesInput{Image: image})
			if err != nil {
				return err
			}
			predictions = celebrityPredictions(out.CelebrityFaces)
			return nil
		}
	case domain.ModeLabels, "":
		operation = "rekognition.detect_labels"
		call = func(callCtx context.Context) error {
			out, err := c.api.DetectLabels(callCtx, &rekognition.DetectLabelsInput{
				Image:         image,
				MinConfidence: aws.Float32(float32(minConfidence)),
			})
			if err != nil {
				return err
			}
			predictions = labelPredictions(out.Labels)
			return nil
		}
	default:
		return nil, domain.WrapError(domain.ErrInvalidInput, "rekognition classify", fmt.Errorf("unsupported mode %q", mode))
	}

	var err error
	if c.executor != nil {
		err = c.executor.Execute(ctx, operation, call, classifyRekognitionError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return nil, domain.WrapError(domain.ErrClassification, operation, err)
	}
	return predictions, nil
}

func labelPredictions(labels []types.Label) []domain.Prediction {
	out := make([]domain.Prediction, 0, len(labels))
	for _, label := range labels {
		out = append(out, domain.Prediction{
			Label:      aws.ToString(label.Name),
			Confidence: float64(aws.ToFloat32(label.Confidence)),
		})
	}
	return out
}

// celebrityPredictions treats a recognized face as a full-confidence hit unless Rekognition
// reports a match confidence.
func celebrityPredictions(faces []types.Celebrity) []domain.Prediction {
	out := make([]domain.Prediction, 0, len(faces))
	for _, face := range faces {
		confidence := 100.0
		if face.MatchConfidence != nil {
			confidence = float64(*face.MatchConfidence)
		}
		out = append(out, domain.Prediction{Label: aws.ToString(face.Name), Confidence: confidence})
	}
	return out
}

func classifyRekognitionError(err error) resilience.ErrorClassification {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "ProvisionedThroughputExceededException", "InternalServerError", "ServiceUnavailableException":
			return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
		default:
			return resilience.ErrorClassification{Retryable: false, RecordFailure: false}
		}
	}
	return resilience.ClassifyTransportError(err)
}
