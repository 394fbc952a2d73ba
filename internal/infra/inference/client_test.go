package inference

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dtrovato997/speechanalysis/internal/domain/inference"
)

// samplePayload mirrors the backend's /predict_all wire shape, including the
// fields the client is expected to ignore.
const samplePayload = `{
  "success": true,
  "predictions": {
    "demographics": {
      "age": {"predicted_age": 34.5},
      "gender": {
        "predicted_gender": "female",
        "probabilities": {"female": 0.81, "male": 0.17, "child": 0.02},
        "confidence": 0.81
      }
    },
    "nationality": {
      "predicted_language": "ita",
      "confidence": 0.64,
      "top_languages": [
        {"language_code": "ita", "probability": 0.64},
        {"language_code": "spa", "probability": 0.21},
        {"language_code": "por", "probability": 0.08}
      ]
    },
    "emotion": {
      "predicted_emotion": "happy",
      "confidence": 0.52,
      "all_emotions": {"happy": 0.52, "neutral": 0.3, "sad": 0.18}
    }
  },
  "processing_time": {"total": 1.234},
  "audio_info": {"was_clipped": false, "max_duration_seconds": 30}
}`

func tempAudio(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "take.wav")
	if err := os.WriteFile(path, []byte("RIFF fake audio"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestPredictAll(t *testing.T) {
	var gotFilename string
	var gotBytes []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/predict_all" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
			http.NotFound(w, r)
			return
		}
		file, hdr, err := r.FormFile("file")
		if err != nil {
			t.Errorf("form file: %v", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer file.Close()
		gotFilename = hdr.Filename
		gotBytes, _ = io.ReadAll(file)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, samplePayload)
	}))
	defer srv.Close()

	pred, err := NewClient(srv.URL, 5*time.Second).PredictAll(context.Background(), tempAudio(t))
	if err != nil {
		t.Fatalf("PredictAll: %v", err)
	}
	if gotFilename != "take.wav" {
		t.Errorf("uploaded filename = %q, want take.wav", gotFilename)
	}
	if string(gotBytes) != "RIFF fake audio" {
		t.Errorf("uploaded body = %q", gotBytes)
	}
	if got := pred.Age["age"]; got != 34.5 {
		t.Errorf("age = %v, want 34.5", got)
	}
	if got := pred.Gender["female"]; got != 0.81 || len(pred.Gender) != 3 {
		t.Errorf("gender = %v", pred.Gender)
	}
	if got := pred.Nationality["ita"]; got != 0.64 || len(pred.Nationality) != 3 {
		t.Errorf("nationality = %v", pred.Nationality)
	}
	if got := pred.Emotion["happy"]; got != 0.52 {
		t.Errorf("emotion = %v", pred.Emotion)
	}
}

func TestPredictAllPartialChannels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"success": true, "predictions": {"demographics": {"age": {"predicted_age": 28.0}}}}`)
	}))
	defer srv.Close()

	pred, err := NewClient(srv.URL, time.Second).PredictAll(context.Background(), tempAudio(t))
	if err != nil {
		t.Fatalf("PredictAll: %v", err)
	}
	if pred.Age == nil {
		t.Error("age channel missing")
	}
	if pred.Gender != nil || pred.Nationality != nil || pred.Emotion != nil {
		t.Errorf("absent channels should stay nil, got %+v", pred)
	}
}

func TestPredictAllZeroAge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"success": true, "predictions": {"demographics": {"age": {"predicted_age": 0.0}}}}`)
	}))
	defer srv.Close()

	pred, err := NewClient(srv.URL, time.Second).PredictAll(context.Background(), tempAudio(t))
	if err != nil {
		t.Fatalf("PredictAll: %v", err)
	}
	if pred.Age == nil {
		t.Fatal("a reported age of zero is still a prediction")
	}
	if got := pred.Age["age"]; got != 0 {
		t.Errorf("age = %v, want 0", got)
	}
}

func TestPredictAllBackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail": "Age & gender model not loaded"}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, time.Second).PredictAll(context.Background(), tempAudio(t))
	if err == nil || !strings.Contains(err.Error(), "500") {
		t.Fatalf("want status error, got %v", err)
	}
}

func TestPredictAllUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := NewClient(url, time.Second).PredictAll(context.Background(), tempAudio(t))
	if !errors.Is(err, inference.ErrUnavailable) {
		t.Fatalf("want ErrUnavailable, got %v", err)
	}
}

func TestPredictAllMissingSource(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, time.Second).PredictAll(context.Background(), filepath.Join(t.TempDir(), "gone.wav"))
	if err == nil {
		t.Fatal("want error for missing file")
	}
	if called {
		t.Error("no request should be issued when the file is unreadable")
	}
}

func TestHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		io.WriteString(w, `{"models_loaded": {"age_gender": true, "nationality": true, "emotion": true}}`)
	}))
	defer srv.Close()

	if err := NewClient(srv.URL, time.Second).Healthy(context.Background()); err != nil {
		t.Fatalf("Healthy: %v", err)
	}
}

func TestHealthyModelNotLoaded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"models_loaded": {"age_gender": true, "emotion": false}}`)
	}))
	defer srv.Close()

	err := NewClient(srv.URL, time.Second).Healthy(context.Background())
	if err == nil || !strings.Contains(err.Error(), "emotion model not loaded") {
		t.Fatalf("want unloaded-model error, got %v", err)
	}
}

func TestHealthyUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	if err := NewClient(url, time.Second).Healthy(context.Background()); !errors.Is(err, inference.ErrUnavailable) {
		t.Fatalf("want ErrUnavailable, got %v", err)
	}
}
