package archive

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/live-tender/config"
	"github.com/onnwee/live-tender/credentials"
	"github.com/onnwee/live-tender/pipeline"
	"github.com/onnwee/live-tender/upload"
)

// fakeS3 answers the handful of path-style S3 calls the publisher makes.
type fakeS3 struct {
	mu       sync.Mutex
	buckets  map[string]bool
	objects  map[string]string
	denyPuts bool
	conflict bool
}

func newFakeS3() *fakeS3 {
	return &fakeS3{buckets: map[string]bool{}, objects: map[string]string{}}
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 2)
	bucket := parts[0]
	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}
	switch {
	case key == "" && r.Method == http.MethodHead:
		if !f.buckets[bucket] {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	case key == "" && r.Method == http.MethodPut:
		f.buckets[bucket] = true
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodPut:
		if f.conflict {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusConflict)
			_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>OperationAborted</Code><Message>A conflicting operation is in progress</Message><Key>`+key+`</Key><BucketName>`+bucket+`</BucketName></Error>`)
			return
		}
		if f.denyPuts {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusForbidden)
			_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>AccessDenied</Code><Message>Access Denied</Message><Key>`+key+`</Key><BucketName>`+bucket+`</BucketName></Error>`)
			return
		}
		body, _ := io.ReadAll(r.Body)
		f.objects[bucket+"/"+key] = string(body)
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusNotImplemented)
	}
}

func newTestPublisher(t *testing.T, s3 *fakeS3) *Publisher {
	t.Helper()
	srv := httptest.NewServer(s3)
	t.Cleanup(srv.Close)
	return New(config.ArchiveConfig{
		Endpoint: strings.TrimPrefix(srv.URL, "http://"),
		Bucket:   "records",
		Region:   "us-east-1",
	}, nil)
}

var creds = credentials.Credentials{Account: "archive", AccessKey: "minio", SecretKey: "minio-secret"}

func testMeta() upload.Meta {
	return upload.Meta{
		RoomID: "chan",
		Slug:   "chan_2024-03-01_20-00-00",
		Title:  "chan 2024-03-01",
		Start:  time.Date(2024, 3, 1, 20, 0, 0, 0, time.UTC),
	}
}

func writeFile(t *testing.T, name string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte("video bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestUploadPartCreatesBucketAndStoresObject(t *testing.T) {
	s3 := newFakeS3()
	p := newTestPublisher(t, s3)
	file := writeFile(t, "chan_2024-03-01_20-00-00_0000.mp4")

	id, err := p.UploadPart(context.Background(), creds, testMeta(), upload.Part{Index: 1, Path: file})
	if err != nil {
		t.Fatalf("UploadPart: %v", err)
	}
	if id != "chan/chan_2024-03-01_20-00-00/chan_2024-03-01_20-00-00_0000.mp4" {
		t.Errorf("id = %q", id)
	}
	if !s3.buckets["records"] {
		t.Error("bucket should have been created")
	}
	if _, ok := s3.objects["records/"+id]; !ok {
		t.Errorf("object missing, have %v", s3.objects)
	}
}

func TestFinalizeWritesManifest(t *testing.T) {
	s3 := newFakeS3()
	s3.buckets["records"] = true
	p := newTestPublisher(t, s3)
	ids := []string{"chan/chan_2024-03-01_20-00-00/a.mp4"}
	if err := p.Finalize(context.Background(), creds, testMeta(), ids); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	body, ok := s3.objects["records/chan/chan_2024-03-01_20-00-00/manifest.json"]
	if !ok {
		t.Fatalf("manifest missing, have %v", s3.objects)
	}
	if !strings.Contains(body, `"room_id": "chan"`) || !strings.Contains(body, ids[0]) {
		t.Errorf("manifest = %s", body)
	}
}

func TestUploadPartAccessDenied(t *testing.T) {
	s3 := newFakeS3()
	s3.buckets["records"] = true
	s3.denyPuts = true
	p := newTestPublisher(t, s3)
	_, err := p.UploadPart(context.Background(), creds, testMeta(), upload.Part{Index: 1, Path: writeFile(t, "a.mp4")})
	if !errors.Is(err, pipeline.ErrAuth) {
		t.Fatalf("err = %v, want ErrAuth", err)
	}
}

func TestMissingKeys(t *testing.T) {
	p := newTestPublisher(t, newFakeS3())
	_, err := p.UploadPart(context.Background(), credentials.Credentials{Account: "x"}, testMeta(), upload.Part{Path: writeFile(t, "a.mp4")})
	if !errors.Is(err, pipeline.ErrAuth) {
		t.Fatalf("err = %v", err)
	}
}

func TestUploadPartClientErrorIsPermanent(t *testing.T) {
	s3 := newFakeS3()
	s3.buckets["records"] = true
	s3.conflict = true
	p := newTestPublisher(t, s3)
	meta := upload.Meta{RoomID: "xqc500", Slug: "xqc500_2024-03-01_20-00-00"}
	_, err := p.UploadPart(context.Background(), creds, meta, upload.Part{Index: 1, Path: writeFile(t, "xqc500_2024-03-01_20-00-00_0000.mp4")})
	if err == nil {
		t.Fatal("expected an error")
	}
	if pipeline.IsRetryable(err) {
		t.Errorf("a 409 for room xqc500 was classified retryable: %v", err)
	}
}
