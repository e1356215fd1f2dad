package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

const (
	defaultVisionBaseURL = "https://vision.googleapis.com/v1"
	defaultVisionTimeout = 30 * time.Second
)

// GoogleVisionExtractor calls the Google Cloud Vision images:annotate API
// with TEXT_DETECTION.
type GoogleVisionExtractor struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewGoogleVisionExtractor constructs an extractor with the provided API key.
func NewGoogleVisionExtractor(apiKey string) (*GoogleVisionExtractor, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, fmt.Errorf("vision api key required")
	}
	return &GoogleVisionExtractor{
		apiKey:     apiKey,
		baseURL:    defaultVisionBaseURL,
		httpClient: &http.Client{Timeout: defaultVisionTimeout},
	}, nil
}

// WithBaseURL overrides the API endpoint. Used by tests and proxies.
func (c *GoogleVisionExtractor) WithBaseURL(baseURL string) *GoogleVisionExtractor {
	c.baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	return c
}

// WithTimeout overrides the per-call HTTP timeout. Non-positive values keep
// the current one.
func (c *GoogleVisionExtractor) WithTimeout(timeout time.Duration) *GoogleVisionExtractor {
	if timeout > 0 {
		c.httpClient.Timeout = timeout
	}
	return c
}

// ExtractText reads the image file and returns the full text annotation.
func (c *GoogleVisionExtractor) ExtractText(ctx context.Context, imagePath string) (string, error) {
	content, err := os.ReadFile(imagePath)
	if err != nil {
		return "", fmt.Errorf("read image: %w", err)
	}
	reqBody := annotateRequest{
		Requests: []annotateItem{
			{
				Image:    annotateImage{Content: base64.StdEncoding.EncodeToString(content)},
				Features: []annotateFeature{{Type: "TEXT_DETECTION"}},
			},
		},
	}
	var resp annotateResponse
	url := fmt.Sprintf("%s/images:annotate?key=%s", c.baseURL, c.apiKey)
	if err := c.doJSON(ctx, url, reqBody, &resp); err != nil {
		return "", err
	}
	if len(resp.Responses) == 0 {
		return "", nil
	}
	first := resp.Responses[0]
	if first.Error.Message != "" {
		return "", fmt.Errorf("vision api error: %s", first.Error.Message)
	}
	if len(first.TextAnnotations) == 0 {
		return "", nil
	}
	return first.TextAnnotations[0].Description, nil
}

func (c *GoogleVisionExtractor) doJSON(ctx context.Context, url string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("vision request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var errResp errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		if errResp.Error.Message != "" {
			return fmt.Errorf("vision api error: %s", errResp.Error.Message)
		}
		return fmt.Errorf("vision api error: %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("vision decode: %w", err)
	}
	return nil
}

// Vision API request/response types (the subset used here).

type annotateRequest struct {
	Requests []annotateItem `json:"requests"`
}

type annotateItem struct {
	Image    annotateImage     `json:"image"`
	Features []annotateFeature `json:"features"`
}

type annotateImage struct {
	Content string `json:"content"`
}

type annotateFeature struct {
	Type string `json:"type"`
}

type annotateResponse struct {
	Responses []struct {
		TextAnnotations []struct {
			Description string `json:"description"`
		} `json:"textAnnotations"`
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	} `json:"responses"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}
