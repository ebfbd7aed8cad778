// cmd/mrictl/client.go
package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// client talks to a running classifier.
type client struct {
	base string
	http *http.Client
}

// apiError is a non-2xx response.
type apiError struct {
	Status int
	Detail string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Detail)
}

// prediction mirrors the predict response body.
type prediction struct {
	FileName                  string             `json:"file_name"`
	PredictedClass            string             `json:"predicted_class"`
	Confidence                float64            `json:"confidence"`
	ClassProbabilities        map[string]float64 `json:"class_probabilities"`
	AttentionMapVisualization *string            `json:"attention_map_visualization"`
}

type historyEntry struct {
	ID             string  `json:"id"`
	FileName       string  `json:"file_name"`
	PredictedClass string  `json:"predicted_class"`
	Confidence     float64 `json:"confidence"`
	CreatedAt      string  `json:"created_at"`
}

func newClient(base string, hc *http.Client) *client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &client{base: strings.TrimSuffix(base, "/"), http: hc}
}

func (c *client) predict(ctx context.Context, path string) (*prediction, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(fw, f); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/model/predict", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out prediction
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) info(ctx context.Context) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/model/", nil)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	return out, c.do(req, &out)
}

func (c *client) history(ctx context.Context, limit int) ([]historyEntry, error) {
	url := c.base + "/model/history"
	if limit > 0 {
		url += "?limit=" + strconv.Itoa(limit)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Predictions []historyEntry `json:"predictions"`
	}
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return out.Predictions, nil
}

func (c *client) reload(ctx context.Context) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/model/reload", nil)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	return out, c.do(req, &out)
}

func (c *client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var body struct {
			Detail string `json:"detail"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Detail == "" {
			body.Detail = http.StatusText(resp.StatusCode)
		}
		return &apiError{Status: resp.StatusCode, Detail: body.Detail}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
