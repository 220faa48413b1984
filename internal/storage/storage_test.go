package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

func TestKeyPreservesRelativeStructure(t *testing.T) {
	cases := map[string]string{
		"index.html":        "dep-1/index.html",
		"css/style.css":     "dep-1/css/style.css",
		`assets\img\a.png`:  "dep-1/assets/img/a.png",
		"../../etc/passwd":  "dep-1/etc/passwd",
		"./docs/./guide.md": "dep-1/docs/guide.md",
	}
	for rel, want := range cases {
		if got := Key("dep-1", rel); got != want {
			t.Errorf("Key(%q) = %q, want %q", rel, got, want)
		}
	}
}

func TestContentType(t *testing.T) {
	if got := ContentType("index.html"); !strings.HasPrefix(got, "text/html") {
		t.Fatalf("unexpected html content type %q", got)
	}
	if got := ContentType("LICENSE"); got != "application/octet-stream" {
		t.Fatalf("unexpected fallback content type %q", got)
	}
}

func TestDirStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewDirStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewDirStore returned error: %v", err)
	}
	for key, body := range map[string]string{
		"dep-1/index.html":    "<h1>hi</h1>",
		"dep-1/css/style.css": "body{}",
		"dep-2/index.html":    "other",
	} {
		if err := store.Put(ctx, key, strings.NewReader(body), int64(len(body)), ContentType(key)); err != nil {
			t.Fatalf("Put(%s) returned error: %v", key, err)
		}
	}

	rc, err := store.Get(ctx, "dep-1/css/style.css")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "body{}" {
		t.Fatalf("unexpected object body %q", data)
	}

	keys, err := store.List(ctx, Prefix("dep-1"))
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(keys) != 2 || keys[0] != "dep-1/css/style.css" || keys[1] != "dep-1/index.html" {
		t.Fatalf("unexpected keys: %v", keys)
	}

	if err := store.Delete(ctx, "dep-1/index.html"); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	if _, err := store.Get(ctx, "dep-1/index.html"); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound, got %v", err)
	}
	if err := store.Delete(ctx, "dep-1/index.html"); err != nil {
		t.Fatalf("deleting a missing object should succeed, got %v", err)
	}
}

func TestDirStoreRejectsEscapingKeys(t *testing.T) {
	store, _ := NewDirStore(t.TempDir())
	err := store.Put(context.Background(), "../escape.txt", strings.NewReader("x"), 1, "")
	if err == nil {
		t.Fatal("expected error for key escaping the root")
	}
}

func newTestS3Store(t *testing.T, handler http.HandlerFunc) *S3Store {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := s3.New(s3.Options{
		Region:       "us-east-1",
		BaseEndpoint: aws.String(srv.URL),
		UsePathStyle: true,
		Credentials:  aws.AnonymousCredentials{},
	})
	return NewS3StoreWithClient(client, "artifacts")
}

func TestS3StorePutUsesBucketAndKey(t *testing.T) {
	var gotMethod, gotPath, gotType string
	var gotBody []byte
	store := newTestS3Store(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath, gotType = r.Method, r.URL.Path, r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	})

	body := []byte("<h1>hello</h1>")
	if err := store.Put(context.Background(), "dep-1/index.html", bytes.NewReader(body), int64(len(body)), "text/html"); err != nil {
		t.Fatalf("Put returned error: %v", err)
	}
	if gotMethod != http.MethodPut || gotPath != "/artifacts/dep-1/index.html" {
		t.Fatalf("unexpected request %s %s", gotMethod, gotPath)
	}
	if gotType != "text/html" {
		t.Fatalf("unexpected content type %q", gotType)
	}
	if !bytes.Contains(gotBody, body) {
		t.Fatalf("expected body to contain upload, got %q", gotBody)
	}
}

func TestS3StoreGetMissingKey(t *testing.T) {
	store := newTestS3Store(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`)
	})
	if _, err := store.Get(context.Background(), "dep-1/missing.html"); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound, got %v", err)
	}
}

func TestDirStorePingDetectsMissingRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "objects")
	store, err := NewDirStore(root)
	if err != nil {
		t.Fatalf("NewDirStore returned error: %v", err)
	}
	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("Ping returned error: %v", err)
	}
	if err := os.RemoveAll(root); err != nil {
		t.Fatal(err)
	}
	if err := store.Ping(context.Background()); err == nil {
		t.Fatal("expected Ping to fail once the root is gone")
	}
}

func TestDirStoreListsDotPrefixedObjects(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store, err := NewDirStore(root)
	if err != nil {
		t.Fatalf("NewDirStore returned error: %v", err)
	}
	for _, key := range []string{"dep-1/.upload-manifest.json", "dep-1/.well-known/security.txt", "dep-1/index.html"} {
		if err := store.Put(ctx, key, strings.NewReader("x"), 1, ContentType(key)); err != nil {
			t.Fatalf("Put(%s) returned error: %v", key, err)
		}
	}

	keys, err := store.List(ctx, "")
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	want := []string{"dep-1/.upload-manifest.json", "dep-1/.well-known/security.txt", "dep-1/index.html"}
	if len(keys) != len(want) {
		t.Fatalf("expected %v, got %v", want, keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, keys)
		}
	}

	staged, err := os.ReadDir(filepath.Join(root, stagingDir))
	if err != nil {
		t.Fatalf("read staging dir: %v", err)
	}
	if len(staged) != 0 {
		t.Fatalf("expected no leftover staged files, got %d", len(staged))
	}
	if err := store.Put(ctx, ".tmp/put-1", strings.NewReader("x"), 1, ""); err == nil {
		t.Fatal("expected error for key inside the staging area")
	}
}
