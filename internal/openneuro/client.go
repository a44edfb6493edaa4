// Package openneuro lists dataset draft files through the OpenNeuro GraphQL
// API and opens per-file HTTP sources for streaming.
package openneuro

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"

	"github.com/openneuro-tools/transfer/errors"
	"github.com/openneuro-tools/transfer/transfertypes"
)

// DefaultEndpoint is the public OpenNeuro GraphQL endpoint.
const DefaultEndpoint = "https://openneuro.org/crn/graphql"

const (
	listQuery = `query Dataset($id: ID!) {
  dataset(id: $id) {
    draft {
      files {
        filename
        size
        urls
        directory
      }
    }
  }
}`

	maxListRetries = 3
)

// File is one draft file as reported by the API.
type File struct {
	Filename  string   `json:"filename"`
	Size      int64    `json:"size"`
	URLs      []string `json:"urls"`
	Directory bool     `json:"directory"`
}

// Client talks to one OpenNeuro endpoint. Listing calls are bounded by a
// whole-request timeout; download calls are not, because http.Client.Timeout
// covers reading the response body and a large file can legitimately stream
// for longer than any fixed bound. Download attempts are limited by the
// caller's context instead.
type Client struct {
	endpoint string
	list     *http.Client
	download *http.Client
}

// listTimeout bounds one GraphQL listing request end to end.
const listTimeout = 60 * time.Second

// New creates a Client for endpoint. An empty endpoint selects the public
// API. A nil httpClient selects defaults: a 60s-timeout client for listing
// and a client without a whole-request timeout for downloads. A non-nil
// httpClient is used for both.
func New(endpoint string, httpClient *http.Client) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if httpClient != nil {
		return &Client{endpoint: endpoint, list: httpClient, download: httpClient}
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = listTimeout
	return &Client{
		endpoint: endpoint,
		list:     &http.Client{Timeout: listTimeout},
		download: &http.Client{Transport: transport},
	}
}

// ListFiles returns the draft files of the dataset, directories excluded.
// Transient failures are retried with exponential backoff.
func (c *Client) ListFiles(ctx context.Context, datasetID string) ([]File, error) {
	if datasetID == "" {
		return nil, errors.NewError("ListFiles", errors.ErrInvalidInput).
			WithMessage("dataset ID cannot be empty")
	}

	var files []File
	op := func() error {
		var err error
		files, err = c.listOnce(ctx, datasetID)
		return err
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxListRetries),
		ctx,
	)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, errors.NewError("ListFiles", errors.ErrNetwork).
			WithDataset(datasetID).
			WithMessage(err.Error())
	}
	return files, nil
}

func (c *Client) listOnce(ctx context.Context, datasetID string) ([]File, error) {
	body, err := json.Marshal(map[string]any{
		"query":     listQuery,
		"variables": map[string]string{"id": datasetID},
	})
	if err != nil {
		return nil, backoff.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.list.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("graphql endpoint returned %s", resp.Status)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	var payload struct {
		Data struct {
			Dataset *struct {
				Draft struct {
					Files []File `json:"files"`
				} `json:"draft"`
			} `json:"dataset"`
		} `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, err
	}
	if len(payload.Errors) > 0 {
		return nil, backoff.Permanent(fmt.Errorf("graphql error: %s", payload.Errors[0].Message))
	}
	if payload.Data.Dataset == nil {
		return nil, backoff.Permanent(fmt.Errorf("dataset %s not found", datasetID))
	}

	var files []File
	for _, f := range payload.Data.Dataset.Draft.Files {
		if f.Directory {
			continue
		}
		files = append(files, f)
	}
	return files, nil
}

// Open starts a streaming download of one entry. The returned source reports
// the manifest's declared size, not the response's, so truncated responses
// surface as integrity failures.
func (c *Client) Open(ctx context.Context, entry transfertypes.ManifestEntry) (transfertypes.Source, error) {
	if entry.URL == "" {
		return nil, errors.NewError("Open", errors.ErrInvalidInput).
			WithPath(entry.Path).
			WithMessage("manifest entry has no download URL")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, entry.URL, nil)
	if err != nil {
		return nil, errors.NewError("Open", err).WithPath(entry.Path)
	}

	resp, err := c.download.Do(req)
	if err != nil {
		return nil, errors.NewError("Open", errors.ErrNetwork).
			WithPath(entry.Path).
			WithMessage(err.Error())
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, errors.NewError("Open", errors.ErrNetwork).
			WithPath(entry.Path).
			WithMessage("download returned " + resp.Status)
	}

	return &httpSource{ReadCloser: resp.Body, length: entry.DeclaredSize}, nil
}

// PickURL selects the download URL for a file, preferring HTTPS.
func PickURL(f File) string {
	for _, u := range f.URLs {
		if strings.HasPrefix(u, "https://") {
			return u
		}
	}
	if len(f.URLs) > 0 {
		return f.URLs[0]
	}
	return ""
}

type httpSource struct {
	io.ReadCloser
	length int64
}

func (s *httpSource) Length() int64 { return s.length }
