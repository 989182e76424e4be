package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/naperu/wagateway/internal/storage"
)

const maxMediaSize = 64 << 20

// MediaFetcher loads the bytes behind a media URL.
type MediaFetcher interface {
	Fetch(ctx context.Context, ref string) (*Media, error)
}

// ObjectReader reads objects from the media store.
type ObjectReader interface {
	GetFile(ctx context.Context, objectKey string) ([]byte, string, error)
}

// URLFetcher reads storage proxy paths straight from the object store and
// downloads anything else over HTTP.
type URLFetcher struct {
	objects ObjectReader
	client  *http.Client
}

func NewURLFetcher(objects ObjectReader, timeout time.Duration) *URLFetcher {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &URLFetcher{objects: objects, client: &http.Client{Timeout: timeout}}
}

func (f *URLFetcher) Fetch(ctx context.Context, ref string) (*Media, error) {
	if ref == "" {
		return nil, errors.New("empty media url")
	}

	if key, ok := storage.ObjectKey(ref); ok {
		if f.objects == nil {
			return nil, errors.New("storage not configured")
		}
		data, contentType, err := f.objects.GetFile(ctx, key)
		if err != nil {
			return nil, err
		}
		if contentType == "" || contentType == "application/octet-stream" {
			contentType = mimetypeFromName(key)
		}
		return &Media{Data: data, Mimetype: contentType}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid media url: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("failed to download media: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read media: %w", err)
	}
	if len(data) > maxMediaSize {
		return nil, fmt.Errorf("media exceeds %d bytes", maxMediaSize)
	}

	mimetype := resp.Header.Get("Content-Type")
	if i := strings.IndexByte(mimetype, ';'); i >= 0 {
		mimetype = strings.TrimSpace(mimetype[:i])
	}
	if mimetype == "" || mimetype == "application/octet-stream" {
		mimetype = mimetypeFromName(fileNameFromURL(ref))
	}
	return &Media{Data: data, Mimetype: mimetype}, nil
}

func fileNameFromURL(ref string) string {
	if u, err := url.Parse(ref); err == nil && u.Path != "" {
		ref = u.Path
	}
	name := path.Base(ref)
	if name == "." || name == "/" {
		return ""
	}
	return name
}

func mimetypeFromName(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".mp4":
		return "video/mp4"
	case ".webm":
		return "video/webm"
	case ".mp3":
		return "audio/mpeg"
	case ".ogg", ".opus":
		return "audio/ogg"
	case ".m4a":
		return "audio/mp4"
	case ".pdf":
		return "application/pdf"
	}
	return "application/octet-stream"
}

// extensionFor picks the file extension used when storing received media.
func extensionFor(kind, mimetype, fileName string) string {
	if ext := path.Ext(fileName); ext != "" {
		return strings.ToLower(ext)
	}
	mt := mimetype
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	switch mt {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	case "video/mp4":
		return ".mp4"
	case "audio/ogg":
		return ".ogg"
	case "audio/mpeg":
		return ".mp3"
	case "audio/mp4":
		return ".m4a"
	case "application/pdf":
		return ".pdf"
	}
	switch kind {
	case "image":
		return ".jpg"
	case "video":
		return ".mp4"
	case "audio":
		return ".ogg"
	}
	return ".bin"
}
