package ingest

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/splax/buildflow/internal/domain"
	"github.com/splax/buildflow/internal/storage"
	"github.com/splax/buildflow/internal/workspace"
)

const (
	defaultConcurrency   = 8
	compensationTimeout  = 30 * time.Second
	vcsMetadataDirectory = ".git"
)

// Fetcher materializes a source reference into a local directory.
type Fetcher interface {
	Validate(sourceRef string) error
	Fetch(ctx context.Context, sourceRef, dest string) error
}

// Options tunes fetch/upload deadlines and upload fan-out. Zero durations disable the deadline.
type Options struct {
	FetchTimeout  time.Duration
	UploadTimeout time.Duration
	Concurrency   int
}

// Service turns a source reference into files stored under the deployment namespace.
type Service struct {
	fetcher   Fetcher
	workspace *workspace.Manager
	store     storage.Store
	logger    *slog.Logger
	opts      Options
}

// New returns an ingest service.
func New(fetcher Fetcher, ws *workspace.Manager, store storage.Store, logger *slog.Logger, opts Options) Service {
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return Service{fetcher: fetcher, workspace: ws, store: store, logger: logger, opts: opts}
}

// Validate delegates source reference validation to the fetcher.
func (s Service) Validate(sourceRef string) error {
	return s.fetcher.Validate(sourceRef)
}

// Ingest fetches sourceRef into scratch space scoped by id, then uploads every regular file
// to {id}/{relativePath}. The manifest is returned only when every upload succeeded.
func (s Service) Ingest(ctx context.Context, sourceRef, id string) ([]string, error) {
	dir, err := s.workspace.Prepare(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrFetch, err)
	}
	defer func() {
		if err := s.workspace.Cleanup(dir); err != nil {
			s.logger.Warn("workspace cleanup failed", "deployment_id", id, "dir", dir, "error", err)
		}
	}()

	fetchCtx, cancel := withOptionalTimeout(ctx, s.opts.FetchTimeout)
	err = s.fetcher.Fetch(fetchCtx, sourceRef, dir)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrFetch, err)
	}

	files, err := ListFiles(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: enumerate files: %w", domain.ErrFetch, err)
	}
	s.logger.Info("repository fetched", "deployment_id", id, "files", len(files))

	uploadCtx, cancel := withOptionalTimeout(ctx, s.opts.UploadTimeout)
	defer cancel()
	if err := s.upload(uploadCtx, id, dir, files); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrStorage, err)
	}
	return files, nil
}

func (s Service) upload(ctx context.Context, id, dir string, files []string) error {
	var (
		mu       sync.Mutex
		uploaded []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for _, rel := range files {
		g.Go(func() error {
			key := storage.Key(id, rel)
			if err := s.putFile(gctx, key, filepath.Join(dir, filepath.FromSlash(rel))); err != nil {
				return fmt.Errorf("upload %s: %w", rel, err)
			}
			mu.Lock()
			uploaded = append(uploaded, key)
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	if err != nil {
		s.compensate(ctx, id, uploaded)
	}
	return err
}

func (s Service) putFile(ctx context.Context, key, src string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	return s.store.Put(ctx, key, f, info.Size(), storage.ContentType(key))
}

// compensate removes objects of a half-uploaded artifact so it is never mistaken for a buildable one.
func (s Service) compensate(ctx context.Context, id string, keys []string) {
	if len(keys) == 0 {
		return
	}
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()
	var failed int
	for _, key := range keys {
		if err := s.store.Delete(cleanupCtx, key); err != nil {
			failed++
			s.logger.Warn("orphaned artifact object", "deployment_id", id, "key", key, "error", err)
		}
	}
	s.logger.Info("partial artifact removed", "deployment_id", id, "objects", len(keys), "orphaned", failed)
}

// ListFiles walks root breadth-first and returns the slash-separated paths of every regular
// file, skipping version-control metadata. Entries within a directory keep lexical order.
func ListFiles(root string) ([]string, error) {
	files := []string{}
	queue := []string{""}
	for len(queue) > 0 {
		rel := queue[0]
		queue = queue[1:]

		entries, err := os.ReadDir(filepath.Join(root, filepath.FromSlash(rel)))
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			entryPath := path.Join(rel, entry.Name())
			switch {
			case entry.IsDir():
				if entry.Name() == vcsMetadataDirectory {
					continue
				}
				queue = append(queue, entryPath)
			case entry.Type().IsRegular():
				files = append(files, entryPath)
			}
		}
	}
	return files, nil
}

func withOptionalTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
