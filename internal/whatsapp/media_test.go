package whatsapp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type fakeObjects struct {
	key string
}

func (o *fakeObjects) GetFile(ctx context.Context, objectKey string) ([]byte, string, error) {
	o.key = objectKey
	return []byte("blob"), "", nil
}

func TestURLFetcherHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png; charset=binary")
		_, _ = w.Write([]byte("png-bytes"))
	}))
	defer srv.Close()

	f := NewURLFetcher(nil, time.Second)
	media, err := f.Fetch(context.Background(), srv.URL+"/a.png")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(media.Data) != "png-bytes" || media.Mimetype != "image/png" {
		t.Fatalf("media = %q %q", media.Data, media.Mimetype)
	}
}

func TestURLFetcherHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	if _, err := NewURLFetcher(nil, time.Second).Fetch(context.Background(), srv.URL+"/missing.png"); err == nil {
		t.Fatal("expected error for 404")
	}
}

func TestURLFetcherStorageProxyPath(t *testing.T) {
	objects := &fakeObjects{}
	f := NewURLFetcher(objects, time.Second)

	media, err := f.Fetch(context.Background(), "/api/media/file/tenant/outbound/clip.mp4")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if objects.key != "tenant/outbound/clip.mp4" {
		t.Fatalf("object key = %q", objects.key)
	}
	if media.Mimetype != "video/mp4" {
		t.Fatalf("mimetype = %q", media.Mimetype)
	}
}

func TestExtensionFor(t *testing.T) {
	tests := []struct {
		kind, mimetype, file, want string
	}{
		{"image", "image/jpeg", "", ".jpg"},
		{"audio", "audio/ogg; codecs=opus", "", ".ogg"},
		{"document", "application/pdf", "x.PDF", ".pdf"},
		{"video", "", "", ".mp4"},
		{"unknown", "image/webp", "", ".webp"},
		{"document", "application/zip", "", ".bin"},
	}
	for _, tt := range tests {
		if got := extensionFor(tt.kind, tt.mimetype, tt.file); got != tt.want {
			t.Errorf("extensionFor(%q, %q, %q) = %q, want %q", tt.kind, tt.mimetype, tt.file, got, tt.want)
		}
	}
}
