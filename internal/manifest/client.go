package manifest

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"time"

	"bufferengine/internal/logger"
)

// Client fetches and parses MPDs from an origin server.
type Client struct {
	httpClient *http.Client
	log        logger.Logger
	userAgent  string
}

// NewClient builds a Client. A nil httpClient gets a default transport with
// a short response-header timeout, matching a live-manifest poller's needs;
// a nil Logger gets a no-op logger.
func NewClient(httpClient *http.Client, log logger.Logger, userAgent string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: &http.Transport{ResponseHeaderTimeout: 3 * time.Second},
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Client{httpClient: httpClient, log: log, userAgent: userAgent}
}

// FetchAndParseMPD fetches the MPD at initialURL and parses it, following
// at most one redirect itself (the http.Client is configured to stop at the
// first hop so the final, resolved URL can be used as the manifest's base
// for relative segment addressing).
func (c *Client) FetchAndParseMPD(ctx context.Context, initialURL string) (*MPD, string, error) {
	c.log.Debugf("manifest: fetching MPD from %s", initialURL)

	data, finalURL, err := c.fetch(ctx, initialURL)
	if err != nil {
		return nil, "", err
	}

	var mpd MPD
	if err := xml.Unmarshal(data, &mpd); err != nil {
		c.log.Errorf("manifest: failed to unmarshal MPD XML from %s: %v", finalURL, err)
		return nil, "", fmt.Errorf("manifest: unmarshaling MPD XML: %w", err)
	}

	c.log.Debugf("manifest: parsed MPD type=%s from %s", mpd.Type, finalURL)
	return &mpd, finalURL, nil
}

func (c *Client) fetch(ctx context.Context, initialURL string) ([]byte, string, error) {
	resp, finalURL, err := c.doRequest(ctx, initialURL)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusFound || resp.StatusCode == http.StatusMovedPermanently {
		location, err := resp.Location()
		if err != nil {
			return nil, "", fmt.Errorf("manifest: redirect location: %w", err)
		}
		resp.Body.Close()
		finalURL = location.String()
		c.log.Debugf("manifest: redirected to %s", finalURL)
		resp, finalURL, err = c.doRequest(ctx, finalURL)
		if err != nil {
			return nil, "", err
		}
		defer resp.Body.Close()
	}

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("manifest: fetching MPD: status %d from %s", resp.StatusCode, finalURL)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("manifest: reading MPD body: %w", err)
	}
	return data, finalURL, nil
}

func (c *Client) doRequest(ctx context.Context, url string) (*http.Response, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("manifest: building request for %s: %w", url, err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("manifest: fetching %s: %w", url, err)
	}
	return resp, url, nil
}
