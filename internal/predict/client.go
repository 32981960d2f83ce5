// Package predict talks to the external consumption prediction service and
// derives local recommendations from imported samples.
package predict

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"energy-metrics-monitor/internal/anomaly"

	"go.uber.org/zap"
)

var (
	ErrNotConfigured = errors.New("predictor url not configured")
	ErrRemote        = errors.New("predictor error")
)

// Prediction is the upload response of the prediction service
type Prediction struct {
	Filename        string    `json:"filename"`
	Next24h         []float64 `json:"prediccion_24h"`
	Recommendations []string  `json:"recomendaciones"`
	Status          string    `json:"status"`
	Error           string    `json:"error,omitempty"`
}

// Peaks flags the hours of the predicted day that exceed the multiplier of
// the predicted mean.
func (p *Prediction) Peaks(multiplier float64) ([]bool, error) {
	return anomaly.FlagValues(p.Next24h, multiplier)
}

// Answer is the response of the assistant endpoint
type Answer struct {
	Response string `json:"response"`
	Error    string `json:"error,omitempty"`
}

// Client calls the prediction service
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a client for the service at baseURL.
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.Named("predict"),
	}
}

// Upload sends an import file for training and returns the 24 hour prediction.
func (c *Client) Upload(ctx context.Context, filename string, r io.Reader) (*Prediction, error) {
	body, contentType, err := multipartBody(map[string]string{}, "file", []namedReader{{filename, r}})
	if err != nil {
		return nil, err
	}

	var out Prediction
	if err := c.post(ctx, "/api/upload/", contentType, body, &out); err != nil {
		if out.Error != "" {
			return nil, fmt.Errorf("%w: %s", ErrRemote, out.Error)
		}
		return nil, err
	}
	if out.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrRemote, out.Error)
	}

	c.logger.Info("prediction received",
		zap.String("filename", out.Filename),
		zap.Int("hours", len(out.Next24h)),
		zap.String("status", out.Status),
	)
	return &out, nil
}

// Ask sends a question and optional documents to the assistant endpoint.
func (c *Client) Ask(ctx context.Context, prompt string, files map[string]io.Reader) (*Answer, error) {
	var readers []namedReader
	for name, r := range files {
		readers = append(readers, namedReader{name, r})
	}
	body, contentType, err := multipartBody(map[string]string{"prompt": prompt}, "files", readers)
	if err != nil {
		return nil, err
	}

	var out Answer
	if err := c.post(ctx, "/api/spark-check-ai/", contentType, body, &out); err != nil {
		if out.Error != "" {
			return nil, fmt.Errorf("%w: %s", ErrRemote, out.Error)
		}
		return nil, err
	}
	if out.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrRemote, out.Error)
	}
	return &out, nil
}

type namedReader struct {
	name string
	r    io.Reader
}

func multipartBody(fields map[string]string, fileField string, files []namedReader) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", k, err)
		}
	}
	for _, f := range files {
		part, err := w.CreateFormFile(fileField, f.name)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create form file: %w", err)
		}
		if _, err := io.Copy(part, f.r); err != nil {
			return nil, "", fmt.Errorf("failed to copy %s: %w", f.name, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

// post decodes the JSON body into out for every status so that service error
// messages reach the caller.
func (c *Client) post(ctx context.Context, path, contentType string, body io.Reader, out interface{}) error {
	if c.baseURL == "" {
		return ErrNotConfigured
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("predictor request failed: %w", err)
	}
	defer resp.Body.Close()

	decodeErr := json.NewDecoder(resp.Body).Decode(out)
	if resp.StatusCode >= http.StatusBadRequest {
		c.logger.Warn("predictor returned error", zap.Int("status", resp.StatusCode), zap.String("path", path))
		return fmt.Errorf("%w: status %d", ErrRemote, resp.StatusCode)
	}
	if decodeErr != nil {
		return fmt.Errorf("failed to decode predictor response: %w", decodeErr)
	}
	return nil
}
