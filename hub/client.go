// Package hub publishes trained models to a Hugging Face Hub compatible
// service: repo creation, file commits and model card rendering.
package hub

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultEndpoint is the public Hugging Face Hub API endpoint.
const DefaultEndpoint = "https://huggingface.co"

// Client talks to the Hub HTTP API. The zero value is not usable; construct
// with NewClient.
type Client struct {
	Endpoint   string
	Token      string
	HTTPClient *http.Client
}

// NewClient returns a client for the public hub authenticated with token.
func NewClient(token string) *Client {
	return &Client{
		Endpoint:   DefaultEndpoint,
		Token:      token,
		HTTPClient: &http.Client{Timeout: 5 * time.Minute},
	}
}

// File is one file to include in a commit.
type File struct {
	Path    string
	Content []byte
}

// CreateRepo creates a model repository. An already existing repository is
// not an error.
func (c *Client) CreateRepo(ctx context.Context, repoID string, private bool) error {
	org, name, err := splitRepoID(repoID)
	if err != nil {
		return err
	}
	body := map[string]any{
		"type":    "model",
		"name":    name,
		"private": private,
	}
	if org != "" {
		body["organization"] = org
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "encoding create repo request")
	}

	resp, err := c.do(ctx, http.MethodPost, c.Endpoint+"/api/repos/create", "application/json", bytes.NewReader(payload))
	if err != nil {
		return errors.Wrapf(err, "creating repo %q", repoID)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusConflict:
		klog.Infof("Repo %q already exists", repoID)
		return nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		klog.Infof("Created repo %q", repoID)
		return nil
	default:
		return errors.Errorf("creating repo %q: %s", repoID, responseError(resp))
	}
}

// UploadFiles commits files to the repository's main revision in a single
// commit with the given message.
func (c *Client) UploadFiles(ctx context.Context, repoID, message string, files []File) error {
	org, name, err := splitRepoID(repoID)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return errors.New("no files to upload")
	}

	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	header := ndjsonLine{
		Key:   "header",
		Value: map[string]any{"summary": message, "description": ""},
	}
	if err := enc.Encode(header); err != nil {
		return errors.Wrap(err, "encoding commit header")
	}
	var total uint64
	for _, f := range files {
		line := ndjsonLine{
			Key: "file",
			Value: map[string]any{
				"path":     f.Path,
				"content":  base64.StdEncoding.EncodeToString(f.Content),
				"encoding": "base64",
			},
		}
		if err := enc.Encode(line); err != nil {
			return errors.Wrapf(err, "encoding commit line for %q", f.Path)
		}
		total += uint64(len(f.Content))
	}

	// The repo id's slash is a path separator on the commit endpoint, so
	// escape the segments individually.
	repoPath := url.PathEscape(name)
	if org != "" {
		repoPath = url.PathEscape(org) + "/" + url.PathEscape(name)
	}
	commitURL := fmt.Sprintf("%s/api/models/%s/commit/main", c.Endpoint, repoPath)
	resp, err := c.do(ctx, http.MethodPost, commitURL, "application/x-ndjson", &body)
	if err != nil {
		return errors.Wrapf(err, "committing to %q", repoID)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Errorf("committing to %q: %s", repoID, responseError(resp))
	}
	klog.Infof("Uploaded %d files (%s) to %q", len(files), humanize.Bytes(total), repoID)
	return nil
}

type ndjsonLine struct {
	Key   string         `json:"key"`
	Value map[string]any `json:"value"`
}

func (c *Client) do(ctx context.Context, method, rawURL, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, errors.Wrap(err, "building request")
	}
	req.Header.Set("Content-Type", contentType)
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	return client.Do(req)
}

// splitRepoID separates "org/name" into its parts. A bare "name" is allowed
// and creates the repo under the token owner's namespace.
func splitRepoID(repoID string) (org, name string, err error) {
	if repoID == "" {
		return "", "", errors.New("empty repo id")
	}
	parts := strings.Split(repoID, "/")
	switch len(parts) {
	case 1:
		return "", parts[0], nil
	case 2:
		if parts[0] == "" || parts[1] == "" {
			return "", "", errors.Errorf("invalid repo id %q", repoID)
		}
		return parts[0], parts[1], nil
	default:
		return "", "", errors.Errorf("invalid repo id %q", repoID)
	}
}

func responseError(resp *http.Response) string {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(data))
	if msg == "" {
		return resp.Status
	}
	return fmt.Sprintf("%s: %s", resp.Status, msg)
}
