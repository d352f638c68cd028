package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"meshbridge/cas"
)

// DefaultHTTPTimeout bounds one storage API request.
const DefaultHTTPTimeout = 30 * time.Second

// ErrNotFound indicates the storage bridge has no content for a hash.
var ErrNotFound = errors.New("bridge: content not found")

// Storage is the content-addressed storage bridge.
type Storage interface {
	Health(ctx context.Context) error
	Upload(ctx context.Context, content []byte, metadata cas.UploadMetadata) (cas.UploadResponse, error)
	Retrieve(ctx context.Context, contentHash string) ([]byte, error)
}

// HTTPStorage talks to the storage bridge API over HTTP.
type HTTPStorage struct {
	baseURL string
	client  *http.Client
}

// NewHTTPStorage validates baseURL and returns a client. A nil client gets a default timeout.
func NewHTTPStorage(baseURL string, client *http.Client) (*HTTPStorage, error) {
	parsed, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid storage url %q", baseURL)
	}
	if client == nil {
		client = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &HTTPStorage{
		baseURL: strings.TrimRight(parsed.String(), "/"),
		client:  client,
	}, nil
}

// Health returns nil when GET /health answers 200.
func (s *HTTPStorage) Health(ctx context.Context) error {
	resp, err := s.do(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("storage health: status %d", resp.StatusCode)
	}
	return nil
}

// Upload posts content and its metadata and returns the content hash.
func (s *HTTPStorage) Upload(ctx context.Context, content []byte, metadata cas.UploadMetadata) (cas.UploadResponse, error) {
	body, err := json.Marshal(cas.UploadRequest{Content: content, Metadata: metadata})
	if err != nil {
		return cas.UploadResponse{}, fmt.Errorf("encode upload: %w", err)
	}
	resp, err := s.do(ctx, http.MethodPost, "/upload", body)
	if err != nil {
		return cas.UploadResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return cas.UploadResponse{}, statusError("upload", resp)
	}
	var out cas.UploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return cas.UploadResponse{}, fmt.Errorf("decode upload response: %w", err)
	}
	if out.ContentHash == "" {
		return cas.UploadResponse{}, errors.New("upload response missing content hash")
	}
	return out, nil
}

// Retrieve fetches the bytes stored under contentHash.
func (s *HTTPStorage) Retrieve(ctx context.Context, contentHash string) ([]byte, error) {
	resp, err := s.do(ctx, http.MethodGet, "/retrieve/"+url.PathEscape(contentHash), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrNotFound
	default:
		return nil, statusError("retrieve", resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read retrieve body: %w", err)
	}
	return data, nil
}

func (s *HTTPStorage) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

func statusError(op string, resp *http.Response) error {
	var apiErr cas.ErrorResponse
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(data, &apiErr) == nil && apiErr.Message != "" {
		return fmt.Errorf("%s: status %d: %s: %s", op, resp.StatusCode, apiErr.Code, apiErr.Message)
	}
	return fmt.Errorf("%s: status %d", op, resp.StatusCode)
}
