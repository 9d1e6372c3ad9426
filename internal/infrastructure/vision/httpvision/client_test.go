package httpvision

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kirillkom/image-detection-worker/internal/core/domain"
	"github.com/kirillkom/image-detection-worker/internal/infrastructure/resilience"
)

func TestClassifyLabelsNormalizesResponse(t *testing.T) {
	var captured detectRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != labelsPath {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{"Labels":[{"Name":"Person","Confidence":92.5,"Parents":[]},{"Name":"Dog","Confidence":81}]}`))
	}))
	defer server.Close()

	client := New(server.URL)
	got, err := client.Classify(context.Background(), domain.ObjectRef{Bucket: "photos", Key: "a b.jpg"}, domain.ModeLabels, 80)
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	want := []domain.Prediction{{Label: "Person", Confidence: 92.5}, {Label: "Dog", Confidence: 81}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected predictions: %+v", got)
	}
	if captured.ImageRef.Bucket != "photos" || captured.ImageRef.Key != "a b.jpg" || captured.MinConfidence != 80 {
		t.Fatalf("unexpected request: %+v", captured)
	}
}

func TestClassifyCelebritiesDefaultsToFullConfidence(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != celebritiesPath {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"CelebrityFaces":[{"Name":"Jeff Bezos"},{"Name":"Ada Lovelace","MatchConfidence":97.5}]}`))
	}))
	defer server.Close()

	got, err := New(server.URL).Classify(context.Background(), domain.ObjectRef{Bucket: "b", Key: "k"}, domain.ModeCelebrities, 80)
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	want := []domain.Prediction{{Label: "Jeff Bezos", Confidence: 100}, {Label: "Ada Lovelace", Confidence: 97.5}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected predictions: %+v", got)
	}
}

func TestClassifyWrapsServiceErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model unavailable", http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := New(server.URL).Classify(context.Background(), domain.ObjectRef{Bucket: "b", Key: "k"}, domain.ModeLabels, 80)
	if err == nil {
		t.Fatalf("expected error")
	}
	if !domain.IsKind(err, domain.ErrClassification) || !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected temporary classification error, got %v", err)
	}
	if !strings.Contains(err.Error(), "model unavailable") {
		t.Fatalf("expected response body in error, got %v", err)
	}
}

func TestClassifyRetriesThroughExecutor(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "slow down", http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"Labels":[]}`))
	}))
	defer server.Close()

	client := NewWithOptions(server.URL, Options{
		RateLimitPerSecond: 100,
		ResilienceExecutor: resilience.NewExecutor(resilience.Config{
			RetryMaxAttempts:    2,
			RetryInitialBackoff: time.Millisecond,
			RetryMaxBackoff:     time.Millisecond,
			RetryMultiplier:     2,
		}),
	})
	got, err := client.Classify(context.Background(), domain.ObjectRef{Bucket: "b", Key: "k"}, domain.ModeLabels, 80)
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if len(got) != 0 || calls.Load() != 2 {
		t.Fatalf("expected retry then empty result, calls=%d got=%+v", calls.Load(), got)
	}
}

func TestClassifyDoesNotRetryBadRequest(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "invalid image", http.StatusBadRequest)
	}))
	defer server.Close()

	client := NewWithOptions(server.URL, Options{
		ResilienceExecutor: resilience.NewExecutor(resilience.Config{RetryMaxAttempts: 3, RetryInitialBackoff: time.Millisecond}),
	})
	_, err := client.Classify(context.Background(), domain.ObjectRef{Bucket: "b", Key: "k"}, domain.ModeLabels, 80)
	if !domain.IsKind(err, domain.ErrClassification) || domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected permanent classification error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single call, got %d", calls.Load())
	}
}
