package git

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	gogit "github.com/go-git/go-git/v5"

	"github.com/splax/buildflow/internal/domain"
)

var scpLike = regexp.MustCompile(`^[A-Za-z0-9._-]+@[A-Za-z0-9.-]+:[^/].*$`)

var allowedSchemes = map[string]struct{}{
	"http":  {},
	"https": {},
	"ssh":   {},
	"git":   {},
}

// Fetcher retrieves repository trees with go-git.
type Fetcher struct {
	depth int
}

// NewFetcher returns a Fetcher performing shallow clones.
func NewFetcher() *Fetcher {
	return &Fetcher{depth: 1}
}

// Validate rejects source references that cannot name a remote repository.
func (f *Fetcher) Validate(sourceRef string) error {
	return ValidateSourceRef(sourceRef)
}

// Fetch clones sourceRef into dest, which must exist and be empty.
func (f *Fetcher) Fetch(ctx context.Context, sourceRef, dest string) error {
	if dest == "" {
		return fmt.Errorf("destination cannot be empty")
	}
	_, err := gogit.PlainCloneContext(ctx, dest, false, &gogit.CloneOptions{
		URL:          strings.TrimSpace(sourceRef),
		Depth:        f.depth,
		SingleBranch: true,
		Tags:         gogit.NoTags,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return fmt.Errorf("git clone interrupted: %w", err)
		}
		return fmt.Errorf("git clone failed: %w", err)
	}
	return nil
}

// ValidateSourceRef checks that sourceRef is a non-empty http(s), ssh, git or scp-style location.
func ValidateSourceRef(sourceRef string) error {
	ref := strings.TrimSpace(sourceRef)
	if ref == "" {
		return fmt.Errorf("%w: empty", domain.ErrInvalidSourceRef)
	}
	if scpLike.MatchString(ref) {
		return nil
	}
	u, err := url.Parse(ref)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidSourceRef, err)
	}
	if _, ok := allowedSchemes[strings.ToLower(u.Scheme)]; !ok {
		return fmt.Errorf("%w: unsupported scheme %q", domain.ErrInvalidSourceRef, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host", domain.ErrInvalidSourceRef)
	}
	if strings.Trim(u.Path, "/") == "" {
		return fmt.Errorf("%w: missing repository path", domain.ErrInvalidSourceRef)
	}
	return nil
}
