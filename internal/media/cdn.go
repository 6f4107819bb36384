// internal/media/cdn.go
package media

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gojektech/heimdall/v6/httpclient"

	"github.com/team4edu/edu-backend-go/internal/metrics"
)

// CDNUploader uploads through a CloudFront distribution that forwards signed-in
// PUT requests to the bucket, passing the caller's bearer token along. Deletes
// go straight to S3.
type CDNUploader struct {
	client  *httpclient.Client
	baseURL string
	deleter ObjectStore
}

// NewCDNUploader creates an uploader for https://<domain>. deleter handles Delete.
func NewCDNUploader(domain string, deleter ObjectStore) *CDNUploader {
	base := strings.TrimSuffix(domain, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}
	return &CDNUploader{
		client: httpclient.NewClient(
			httpclient.WithHTTPTimeout(5*time.Minute),
			httpclient.WithRetryCount(0),
		),
		baseURL: base,
		deleter: deleter,
	}
}

func (c *CDNUploader) Store(ctx context.Context, prefix string, obj Object, token string) (string, error) {
	target := objectURL(c.baseURL, objectKey(prefix, obj.Name))

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, obj.Body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", obj.ContentType)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if obj.Size >= 0 {
		req.ContentLength = obj.Size
	}

	resp, err := c.client.Do(req)
	if err != nil {
		// heimdall hands back the last response together with the error on 5xx
		if resp != nil {
			resp.Body.Close()
		}
		metrics.Get().ObjectOps.WithLabelValues("put", "error").Inc()
		return "", fmt.Errorf("cdn upload failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusBadRequest {
		metrics.Get().ObjectOps.WithLabelValues("put", "error").Inc()
		return "", fmt.Errorf("cdn upload failed: %s", resp.Status)
	}
	metrics.Get().ObjectOps.WithLabelValues("put", "ok").Inc()
	return target, nil
}

func (c *CDNUploader) Delete(ctx context.Context, url string) error {
	return c.deleter.Delete(ctx, url)
}
