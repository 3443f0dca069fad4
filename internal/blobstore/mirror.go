package blobstore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const maxImageBytes = 32 << 20

// Mirror copies provider-hosted images into the bucket, since provider URLs
// usually expire.
type Mirror struct {
	uploader   *Uploader
	httpClient *http.Client
	logger     *zap.Logger
}

func NewMirror(uploader *Uploader, logger *zap.Logger) *Mirror {
	return &Mirror{
		uploader:   uploader,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     logger.Named("mirror"),
	}
}

// Mirror downloads src and returns the bucket URL of the copy.
func (m *Mirror) Mirror(ctx context.Context, owner, src string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return "", fmt.Errorf("build download request: %w", err)
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download image: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return "", fmt.Errorf("read image: %w", err)
	}
	if len(data) > maxImageBytes {
		return "", fmt.Errorf("image exceeds %d bytes", maxImageBytes)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	url, err := m.uploader.Upload(ctx, owner, data, contentType)
	if err != nil {
		return "", err
	}
	m.logger.Debug("Mirrored image", zap.String("source", src), zap.String("target", url), zap.Int("bytes", len(data)))
	return url, nil
}
