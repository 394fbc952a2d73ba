package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dtrovato997/speechanalysis/internal/domain/inference"
)

// Client calls the model backend over HTTP. One POST to /predict_all runs
// every channel in a single pass; the backend loads large models and can be
// slow, so the request timeout comes from config rather than a constant.
type Client struct {
	baseURL string
	httpc   *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: timeout},
	}
}

// predictAllResponse mirrors the backend's /predict_all payload. Fields the
// coordinator never stores (confidence, processing_time, audio_info) are not
// decoded.
type predictAllResponse struct {
	Success     bool `json:"success"`
	Predictions struct {
		Demographics struct {
			Age struct {
				// pointer so an absent field and a predicted age of
				// zero stay distinguishable
				PredictedAge *float64 `json:"predicted_age"`
			} `json:"age"`
			Gender struct {
				Probabilities map[string]float64 `json:"probabilities"`
			} `json:"gender"`
		} `json:"demographics"`
		Nationality struct {
			TopLanguages []struct {
				LanguageCode string  `json:"language_code"`
				Probability  float64 `json:"probability"`
			} `json:"top_languages"`
		} `json:"nationality"`
		Emotion struct {
			AllEmotions map[string]float64 `json:"all_emotions"`
		} `json:"emotion"`
	} `json:"predictions"`
}

type statusResponse struct {
	ModelsLoaded map[string]bool `json:"models_loaded"`
}

// PredictAll uploads the audio file as multipart field "file" and maps the
// backend's nested payload onto the four channel maps.
func (c *Client) PredictAll(ctx context.Context, path string) (*inference.Prediction, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open recording: %w", err)
	}
	defer f.Close()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("buffer recording: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/predict_all", body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", inference.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read prediction response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("backend returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var pr predictAllResponse
	if err := json.Unmarshal(raw, &pr); err != nil {
		return nil, fmt.Errorf("parse prediction response: %w", err)
	}
	return toPrediction(&pr), nil
}

// Healthy probes the backend's root status endpoint. The backend reports each
// model's load state there; a reachable backend with an unloaded model still
// fails every prediction, so that counts as unhealthy.
func (c *Client) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", inference.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", inference.ErrUnavailable, resp.StatusCode)
	}
	var st statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return fmt.Errorf("parse status response: %w", err)
	}
	for name, loaded := range st.ModelsLoaded {
		if !loaded {
			return fmt.Errorf("%s model not loaded", name)
		}
	}
	return nil
}

func toPrediction(pr *predictAllResponse) *inference.Prediction {
	p := &inference.Prediction{}
	demo := pr.Predictions.Demographics
	if age := demo.Age.PredictedAge; age != nil {
		p.Age = map[string]float64{"age": *age}
	}
	if len(demo.Gender.Probabilities) > 0 {
		p.Gender = demo.Gender.Probabilities
	}
	if langs := pr.Predictions.Nationality.TopLanguages; len(langs) > 0 {
		p.Nationality = make(map[string]float64, len(langs))
		for _, l := range langs {
			p.Nationality[l.LanguageCode] = l.Probability
		}
	}
	if len(pr.Predictions.Emotion.AllEmotions) > 0 {
		p.Emotion = pr.Predictions.Emotion.AllEmotions
	}
	return p
}
