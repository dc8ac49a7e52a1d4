package phases

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/fentz26/ainews/internal/models"
	"github.com/fentz26/ainews/internal/pipeline"
	"go.uber.org/zap"
)

// maxMediaBytes caps a single downloaded file.
const maxMediaBytes = 25 << 20

// HTTPMediaDownloader saves media files under a directory per article.
type HTTPMediaDownloader struct {
	client    *http.Client
	userAgent string
	dir       string
	logger    *zap.Logger
}

// NewHTTPMediaDownloader creates a downloader writing below dir.
func NewHTTPMediaDownloader(dir, userAgent string, timeout time.Duration, logger *zap.Logger) *HTTPMediaDownloader {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPMediaDownloader{
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
		dir:       dir,
		logger:    logger.With(zap.String("component", "media")),
	}
}

// DownloadBatch implements pipeline.MediaDownloader. Individual download
// failures are reported in the result; only an unusable media directory is
// returned as an error.
func (d *HTTPMediaDownloader) DownloadBatch(ctx context.Context, items []models.MediaItem) (*pipeline.MediaResult, error) {
	res := &pipeline.MediaResult{Completed: make(map[string]string)}
	for _, item := range items {
		res.Processed++

		dir := filepath.Join(d.dir, item.ArticleID)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create media dir: %w", err)
		}

		local, err := d.download(ctx, item, dir)
		if err != nil {
			d.logger.Warn("media download failed",
				zap.String("media_id", item.MediaID),
				zap.String("url", item.URL),
				zap.Error(err))
			res.Failed = append(res.Failed, item.MediaID)
			continue
		}
		res.Completed[item.MediaID] = local
		res.Downloaded++
	}
	return res, nil
}

func (d *HTTPMediaDownloader) download(ctx context.Context, item models.MediaItem, dir string) (string, error) {
	body, err := fetch(ctx, d.client, d.userAgent, item.URL)
	if err != nil {
		return "", err
	}
	defer body.Close()

	target := filepath.Join(dir, item.MediaID+mediaExt(item.URL))
	f, err := os.Create(target)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", target, err)
	}

	n, err := io.Copy(f, io.LimitReader(body, maxMediaBytes+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && n > maxMediaBytes {
		err = fmt.Errorf("file exceeds %d bytes", maxMediaBytes)
	}
	if err != nil {
		os.Remove(target)
		return "", err
	}
	return target, nil
}

func mediaExt(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	ext := strings.ToLower(path.Ext(u.Path))
	if len(ext) > 6 {
		return ""
	}
	return ext
}
