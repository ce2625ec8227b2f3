package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultIPLookupURL = "https://api.ipify.org?format=json"

// HTTPClient performs the outbound calls of the demo.http and demo.getip actions.
type HTTPClient struct {
	HTTPClient  *http.Client
	IPLookupURL string
}

func NewHTTPClient(cli *http.Client) *HTTPClient {
	if cli == nil {
		cli = &http.Client{Timeout: 25 * time.Second}
	}
	return &HTTPClient{HTTPClient: cli, IPLookupURL: defaultIPLookupURL}
}

type HTTPInput struct {
	Method string            `json:"method"`
	URL    string            `json:"url"`
	Form   map[string]string `json:"form,omitempty"`
	Header map[string]string `json:"header,omitempty"`
}

type HTTPResult struct {
	StatusCode int    `json:"statusCode"`
	Body       string `json:"body"`
}

// Call sends the request described by in. Form values are posted url-encoded; any
// non-2xx response fails the attempt so the retry policy can take over.
func (c *HTTPClient) Call(ctx context.Context, in HTTPInput) (HTTPResult, error) {
	if in.URL == "" {
		return HTTPResult{}, errors.New("url is required")
	}
	method := strings.ToUpper(in.Method)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if len(in.Form) > 0 {
		form := url.Values{}
		for k, v := range in.Form {
			form.Set(k, v)
		}
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, in.URL, body)
	if err != nil {
		return HTTPResult{}, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	for k, v := range in.Header {
		req.Header.Set(k, v)
	}

	slog.InfoContext(ctx, "HTTP action request", "method", method, "url", in.URL)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return HTTPResult{}, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return HTTPResult{}, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return HTTPResult{}, fmt.Errorf("unexpected status: %s", resp.Status)
	}
	return HTTPResult{StatusCode: resp.StatusCode, Body: string(b)}, nil
}

type GetIPInput struct{}

type GetIPResult struct {
	IP string `json:"ip"`
}

// GetIP looks up the host's public address.
func (c *HTTPClient) GetIP(ctx context.Context, _ GetIPInput) (GetIPResult, error) {
	res, err := c.Call(ctx, HTTPInput{Method: http.MethodGet, URL: c.IPLookupURL})
	if err != nil {
		return GetIPResult{}, err
	}
	var out GetIPResult
	if err := json.Unmarshal([]byte(res.Body), &out); err != nil {
		return GetIPResult{}, fmt.Errorf("parse ip response: %w", err)
	}
	if out.IP == "" {
		return GetIPResult{}, errors.New("ip lookup returned no address")
	}
	return out, nil
}
