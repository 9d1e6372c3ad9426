package httpvision

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/kirillkom/image-detection-worker/internal/core/domain"
	"github.com/kirillkom/image-detection-worker/internal/infrastructure/resilience"
)

const (
	labelsPath      = "/v1/detect-labels"
	celebritiesPath = "/v1/recognize-celebrities"
)

// Client talks to a vision service that accepts object references and answers in the
// native label/celebrity response schema.
type Client struct {
	baseURL    string
	httpClient *http.Client
	executor   *resilience.Executor
	limiter    *rate.Limiter
}

type Options struct {
	Timeout            time.Duration
	RateLimitPerSecond float64
	ResilienceExecutor *resilience.Executor
}

func New(baseURL string) *Client {
	return NewWithOptions(baseURL, Options{})
}

func NewWithOptions(baseURL string, options Options) *Client {
	timeout := options.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	var limiter *rate.Limiter
	if options.RateLimitPerSecond > 0 {
		burst := int(options.RateLimitPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(options.RateLimitPerSecond), burst)
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		executor:   options.ResilienceExecutor,
		limiter:    limiter,
	}
}

type imageRef struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

type detectRequest struct {
	ImageRef      imageRef `json:"imageRef"`
	MinConfidence float64  `json:"minConfidence"`
}

type labelsResponse struct {
	Labels []struct {
		Name       string  `json:"Name"`
		Confidence float64 `json:"Confidence"`
	} `json:"Labels"`
}

type celebritiesResponse struct {
	CelebrityFaces []struct {
		Name            string   `json:"Name"`
		MatchConfidence *float64 `json:"MatchConfidence,omitempty"`
	} `json:"CelebrityFaces"`
}

func (c *Client) Classify(ctx context.Context, ref domain.ObjectRef, mode domain.DetectionMode, minConfidence float64) ([]domain.Prediction, error) {
	request := detectRequest{
		ImageRef:      imageRef{Bucket: ref.Bucket, Key: ref.Key},
		MinConfidence: minConfidence,
	}

	switch mode {
	case domain.ModeCelebrities:
		var response celebritiesResponse
		if err := c.call(ctx, celebritiesPath, request, &response, "recognize_celebrities"); err != nil {
			return nil, err
		}
		out := make([]domain.Prediction, 0, len(response.CelebrityFaces))
		for _, face := range response.CelebrityFaces {
			confidence := 100.0
			if face.MatchConfidence != nil {
				confidence = *face.MatchConfidence
			}
			out = append(out, domain.Prediction{Label: face.Name, Confidence: confidence})
		}
		return out, nil
	case domain.ModeLabels, "":
		var response labelsResponse
		if err := c.call(ctx, labelsPath, request, &response, "detect_labels"); err != nil {
			return nil, err
		}
		out := make([]domain.Prediction, 0, len(response.Labels))
		for _, label := range response.Labels {
			out = append(out, domain.Prediction{Label: label.Name, Confidence: label.Confidence})
		}
		return out, nil
	default:
		return nil, domain.WrapError(domain.ErrInvalidInput, "vision classify", fmt.Errorf("unsupported mode %q", mode))
	}
}

func (c *Client) call(ctx context.Context, path string, payload any, out any, operation string) error {
	call := func(callCtx context.Context) error {
		if c.limiter != nil {
			if err := c.limiter.Wait(callCtx); err != nil {
				return fmt.Errorf("vision %s rate limit wait: %w", operation, err)
			}
		}
		return c.postJSON(callCtx, path, payload, out, operation)
	}

	var err error
	if c.executor != nil {
		err = c.executor.Execute(ctx, "vision."+operation, call, classifyVisionError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return domain.WrapError(domain.ErrClassification, "vision "+operation, wrapTemporaryIfNeeded(operation, err))
	}
	return nil
}
