package storage

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"argumentum/bursar/pkg/logging"
)

// Config selects the bucket and credentials for a storage client. Endpoint
// is the account endpoint host; the client addresses the bucket virtual-host
// style as https://<bucket>.<endpoint>. BaseURL, when set, overrides the
// derived URL entirely (tests point it at a local server).
type Config struct {
	Endpoint        string
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	PublicBaseURL   string
	BaseURL         string
}

// Client uploads and deletes objects in a single bucket
type Client struct {
	http    *resty.Client
	creds   Credentials
	region  string
	baseURL string
	host    string
	public  string
	logger  logging.Logger
	now     func() time.Time
}

// NewClient builds a storage client. Requests are signed per call; failures
// surface as *StorageError and are not retried, callers decide whether a
// replay is safe.
func NewClient(cfg Config, logger logging.Logger) (*Client, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		if cfg.Endpoint == "" || cfg.Bucket == "" {
			return nil, fmt.Errorf("storage endpoint and bucket are required")
		}
		baseURL = "https://" + cfg.Bucket + "." + cfg.Endpoint
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid storage base url: %w", err)
	}

	region := cfg.Region
	if region == "" {
		region = "auto"
	}

	http := resty.New().
		SetTimeout(30 * time.Second).
		SetRetryCount(0)

	return &Client{
		http:    http,
		creds:   Credentials{AccessKeyID: cfg.AccessKeyID, SecretAccessKey: cfg.SecretAccessKey},
		region:  region,
		baseURL: strings.TrimRight(baseURL, "/"),
		host:    parsed.Host,
		public:  strings.TrimRight(cfg.PublicBaseURL, "/"),
		logger:  logger,
		now:     time.Now,
	}, nil
}

// StorageError is a non-2xx response from the storage provider. Code and
// Message come from the XML error body when the provider sent one.
type StorageError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *StorageError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("storage request failed: %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("storage request failed: %d", e.StatusCode)
}

type xmlError struct {
	Code    string `xml:"Code"`
	Message string `xml:"Message"`
}

func newStorageError(status int, body []byte) *StorageError {
	se := &StorageError{StatusCode: status, Body: string(body)}
	var parsed xmlError
	if err := xml.Unmarshal(body, &parsed); err == nil {
		se.Code = parsed.Code
		se.Message = parsed.Message
	}
	return se
}

// Upload writes an object and returns its public URL. The key is stored
// as given; the URL path is percent-encoded.
func (c *Client) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	path := "/" + encodePath(key)
	signed := Sign(c.creds, c.region, SigningInput{
		Method:      "PUT",
		Host:        c.host,
		Path:        path,
		ContentType: contentType,
		PayloadHash: HashPayload(body),
		Time:        c.now(),
	})

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(signed.Headers).
		SetBody(body).
		Put(c.baseURL + path)
	if err != nil {
		return "", fmt.Errorf("storage put failed: %w", err)
	}
	if resp.IsError() {
		se := newStorageError(resp.StatusCode(), resp.Body())
		c.logger.WithFields(logging.Fields{
			"key":    key,
			"status": se.StatusCode,
			"code":   se.Code,
		}).Error("Storage upload rejected")
		return "", se
	}

	c.logger.WithFields(logging.Fields{
		"key":   key,
		"bytes": len(body),
	}).Info("Stored object")
	return c.ObjectURL(key), nil
}

// Delete removes an object. Providers return 204 whether or not the key
// existed, so a repeated delete is naturally idempotent.
func (c *Client) Delete(ctx context.Context, key string) error {
	path := "/" + encodePath(key)
	signed := Sign(c.creds, c.region, SigningInput{
		Method:      "DELETE",
		Host:        c.host,
		Path:        path,
		PayloadHash: UnsignedPayload,
		Time:        c.now(),
	})

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(signed.Headers).
		Delete(c.baseURL + path)
	if err != nil {
		return fmt.Errorf("storage delete failed: %w", err)
	}
	if resp.IsError() {
		return newStorageError(resp.StatusCode(), resp.Body())
	}

	c.logger.WithFields(logging.Fields{"key": key}).Info("Deleted object")
	return nil
}

// ObjectURL returns the client-facing URL for a stored key. When a public
// base URL is configured (a CDN or public bucket domain) it is preferred
// over the signed endpoint host.
func (c *Client) ObjectURL(key string) string {
	base := c.public
	if base == "" {
		base = c.baseURL
	}
	return base + "/" + encodePath(key)
}
