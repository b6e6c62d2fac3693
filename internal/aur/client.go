package aur

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/bytedance/sonic"
	"github.com/phuslu/log"
	"golang.org/x/sync/singleflight"

	"github.com/huyhandes/aurcache/internal/config"
)

const userAgent = "aurcache/1.0.0"

// Client performs physical RPC calls against the AUR.
type Client struct {
	config       *config.Config
	httpClient   *http.Client
	sf           singleflight.Group // deduplicates identical in-flight calls
	maxURILength int
}

// RPCError is an error reported by the RPC endpoint inside a well-formed
// response, such as a search term that is too short.
type RPCError struct {
	Message string
}

func (e *RPCError) Error() string {
	return "aur: RPC error: " + e.Message
}

type rpcResponse struct {
	Version     int             `json:"version"`
	Type        string          `json:"type"`
	ResultCount int             `json:"resultcount"`
	Results     json.RawMessage `json:"results"`
	Error       string          `json:"error,omitempty"`
}

var bufferPool = sync.Pool{
	New: func() interface{} {
		return new(bytes.Buffer)
	},
}

var copyBufferPool = sync.Pool{
	New: func() interface{} {
		return make([]byte, 32*1024)
	},
}

func copyToBuffer(dst *bytes.Buffer, src io.Reader) error {
	copyBuf := copyBufferPool.Get().([]byte)
	defer copyBufferPool.Put(copyBuf)

	_, err := io.CopyBuffer(dst, src, copyBuf)
	return err
}

// withBuffers lends a pooled buffer to fn.
func withBuffers(fn func(*bytes.Buffer) error) error {
	buf := bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		bufferPool.Put(buf)
	}()

	return fn(buf)
}

func NewClient(cfg *config.Config) *Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.DisableSSLVerification,
		},
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}

	httpClient := &http.Client{
		Transport: transport,
		Timeout:   60 * time.Second,
	}

	if cfg.ConnectTimeout > 0 || cfg.ReadTimeout > 0 {
		timeout := cfg.ConnectTimeout + cfg.ReadTimeout
		if timeout > 0 {
			httpClient.Timeout = timeout
		}
	}

	return &Client{
		config:       cfg,
		httpClient:   httpClient,
		maxURILength: cfg.MaxURILength,
	}
}

// URL returns the full request URI for req.
func (c *Client) URL(req Request) string {
	return strings.TrimSuffix(c.config.RPCURL, "/") + "?" + req.Query()
}

// URILength returns the encoded length of req's request URI.
func (c *Client) URILength(req Request) int {
	return len(c.URL(req))
}

// Call performs one physical RPC request. It returns ErrTooLong for an
// over-length request, *TransportError for network and HTTP failures,
// *DecodeError for malformed responses and *RPCError when the endpoint
// reports an error of its own.
func (c *Client) Call(ctx context.Context, req Request) ([]Record, error) {
	u := c.URL(req)
	if c.maxURILength > 0 && len(u) > c.maxURILength {
		log.Debug().
			Int("length", len(u)).
			Int("limit", c.maxURILength).
			Str("request", req.String()).
			Msg("Refusing over-length request")
		return nil, ErrTooLong
	}

	// The flight outlives any single caller; the HTTP client timeout
	// bounds it, and each caller stops waiting when its own ctx ends.
	flight := context.WithoutCancel(ctx)
	ch := c.sf.DoChan(u, func() (interface{}, error) {
		return c.call(flight, req.Kind, u)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if res.Err != nil {
		return nil, res.Err
	}
	if res.Shared {
		log.Debug().Str("request", req.String()).Msg("Shared in-flight RPC call")
	}

	// Callers may annotate records, so hand each one its own slice.
	records := res.Val.([]Record)
	return append([]Record(nil), records...), nil
}

func (c *Client) call(ctx context.Context, kind Kind, u string) ([]Record, error) {
	start := time.Now()
	resp, err := c.makeRequest(ctx, u, "application/json")
	if err != nil {
		return nil, &TransportError{URL: u, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusRequestURITooLong:
		log.Debug().Str("url", u).Msg("Endpoint rejected request as too long")
		return nil, ErrTooLong
	case resp.StatusCode != http.StatusOK:
		return nil, &TransportError{URL: u, Status: resp.StatusCode}
	}

	records, err := c.parseResponse(kind, resp.Body)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			return nil, err
		}
		return nil, &DecodeError{URL: u, Err: err}
	}

	log.Debug().
		Str("type", string(kind)).
		Int("results", len(records)).
		Dur("duration", time.Since(start)).
		Msg("RPC call completed")

	return records, nil
}

func (c *Client) makeRequest(ctx context.Context, url, accept string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", userAgent)

	return c.httpClient.Do(req)
}

func (c *Client) parseResponse(kind Kind, body io.Reader) ([]Record, error) {
	var records []Record

	err := withBuffers(func(buf *bytes.Buffer) error {
		if err := copyToBuffer(buf, bufio.NewReaderSize(body, 64*1024)); err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}

		var response rpcResponse
		if err := sonic.ConfigStd.Unmarshal(buf.Bytes(), &response); err != nil {
			return fmt.Errorf("failed to parse JSON response: %w", err)
		}

		switch {
		case response.Type == "error":
			return &RPCError{Message: response.Error}
		case response.Type == string(kind), kind == KindInfo && response.Type == "multiinfo":
		default:
			return fmt.Errorf("unexpected response type %q", response.Type)
		}

		if response.ResultCount == 0 || len(response.Results) == 0 {
			return nil
		}
		if err := sonic.ConfigStd.Unmarshal(response.Results, &records); err != nil {
			return fmt.Errorf("failed to parse results: %w", err)
		}
		for i := range records {
			if records[i].Name == "" {
				return fmt.Errorf("result %d has no name", i)
			}
			records[i].Full = kind == KindInfo
		}
		return nil
	})

	return records, err
}

// LastPackager scrapes the last packager of a package from its web page.
// The RPC interface does not expose this field.
func (c *Client) LastPackager(ctx context.Context, name string) (string, error) {
	page := (&Record{Name: name}).PageURL(c.config.AURURL)
	resp, err := c.makeRequest(ctx, page, "text/html")
	if err != nil {
		return "", &TransportError{URL: page, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &TransportError{URL: page, Status: resp.StatusCode}
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", &DecodeError{URL: page, Err: err}
	}

	var packager string
	doc.Find("table#pkginfo tr").EachWithBreak(func(_ int, row *goquery.Selection) bool {
		if strings.TrimSpace(row.Find("th").Text()) != "Last Packager:" {
			return true
		}
		packager = strings.TrimSpace(row.Find("td").Text())
		return false
	})
	return packager, nil
}

// Download opens the snapshot tarball for r. The caller closes the body.
func (c *Client) Download(ctx context.Context, r *Record) (io.ReadCloser, error) {
	u := r.SnapshotURL(c.config.AURURL)
	if u == "" {
		return nil, fmt.Errorf("package %s has no snapshot URL", r.Name)
	}
	resp, err := c.makeRequest(ctx, u, "*/*")
	if err != nil {
		return nil, &TransportError{URL: u, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &TransportError{URL: u, Status: resp.StatusCode}
	}
	return resp.Body, nil
}
