// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bureau-foundation/tabletop/lib/netutil"
)

// ClientConfig configures a Client.
type ClientConfig struct {
	// HTTPClient performs requests. Nil means a client whose timeout
	// exceeds Wait.
	HTTPClient *http.Client

	// Wait is the long-poll wait requested from the server. Zero
	// means DefaultLongPollWait.
	Wait time.Duration
}

// Client is a Relay speaking to a remote Server.
type Client struct {
	baseURL string
	http    *http.Client
	wait    time.Duration
}

// NewClient creates a Client for the server at baseURL.
func NewClient(baseURL string, config ClientConfig) *Client {
	if config.Wait <= 0 {
		config.Wait = DefaultLongPollWait
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: config.Wait + 10*time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    config.HTTPClient,
		wait:    config.Wait,
	}
}

// Publish implements Relay.
func (c *Client) Publish(ctx context.Context, channel string, record []byte) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.channelURL(channel), bytes.NewReader(record))
	if err != nil {
		return fmt.Errorf("building publish request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := c.http.Do(request)
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", channel, err)
	}
	defer response.Body.Close()
	if response.StatusCode/100 != 2 {
		return fmt.Errorf("publishing to %s: HTTP %d: %s", channel, response.StatusCode, netutil.ErrorBody(response.Body))
	}
	return nil
}

// Poll implements Relay. The server may return an empty page when its
// wait elapses; Poll then asks again until records arrive or ctx ends.
func (c *Client) Poll(ctx context.Context, channel, cursor string) (Page, error) {
	for {
		page, err := c.pollOnce(ctx, channel, cursor)
		if err != nil {
			return Page{}, err
		}
		if cursor == "" || len(page.Records) > 0 || page.Cursor != cursor {
			return page, nil
		}
		if err := ctx.Err(); err != nil {
			return Page{}, err
		}
	}
}

func (c *Client) pollOnce(ctx context.Context, channel, cursor string) (Page, error) {
	query := url.Values{}
	if cursor != "" {
		query.Set("cursor", cursor)
	}
	query.Set("wait", c.wait.String())

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.channelURL(channel)+"?"+query.Encode(), nil)
	if err != nil {
		return Page{}, fmt.Errorf("building poll request: %w", err)
	}
	response, err := c.http.Do(request)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Page{}, ctxErr
		}
		return Page{}, fmt.Errorf("polling %s: %w", channel, err)
	}
	defer response.Body.Close()

	switch {
	case response.StatusCode == http.StatusBadRequest && cursor != "":
		return Page{}, fmt.Errorf("polling %s: %w: %s", channel, ErrInvalidCursor, netutil.ErrorBody(response.Body))
	case response.StatusCode != http.StatusOK:
		return Page{}, fmt.Errorf("polling %s: HTTP %d: %s", channel, response.StatusCode, netutil.ErrorBody(response.Body))
	}

	var decoded pollResponse
	if err := netutil.DecodeResponse(response.Body, &decoded); err != nil {
		return Page{}, fmt.Errorf("decoding poll response: %w", err)
	}
	page := Page{Cursor: decoded.Cursor, Records: make([][]byte, 0, len(decoded.Records))}
	for _, record := range decoded.Records {
		page.Records = append(page.Records, record)
	}
	return page, nil
}

func (c *Client) channelURL(channel string) string {
	return c.baseURL + "/mcast/" + url.PathEscape(channel)
}
