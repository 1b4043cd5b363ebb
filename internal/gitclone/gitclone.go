package gitclone

import (
	"context"
	"errors"
	"fmt"
	"strings"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/transport"
)

var (
	// ErrInvalidURL is returned for repository URLs that cannot be cloned.
	ErrInvalidURL = errors.New("gitclone: invalid repository url")

	// ErrUnreachable is returned when the remote cannot be reached or
	// rejects the request.
	ErrUnreachable = errors.New("gitclone: repository unreachable")
)

// Cloner performs shallow clones of remote repositories.
type Cloner struct{}

func New() *Cloner {
	return &Cloner{}
}

// Clone fetches the default branch of url into dir at depth 1 and returns
// the resolved HEAD commit hash.
func (c *Cloner) Clone(ctx context.Context, url, dir string) (string, error) {
	if !validURL(url) {
		return "", fmt.Errorf("%w: %s", ErrInvalidURL, url)
	}

	repo, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
		URL:   url,
		Depth: 1,
	})
	if err != nil {
		if errors.Is(err, transport.ErrAuthenticationRequired) ||
			errors.Is(err, transport.ErrRepositoryNotFound) {
			return "", fmt.Errorf("%w: %v", ErrUnreachable, err)
		}
		return "", fmt.Errorf("clone %s: %w", url, err)
	}

	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("resolve head: %w", err)
	}
	return head.Hash().String(), nil
}

func validURL(url string) bool {
	if url == "" {
		return false
	}
	return strings.HasPrefix(url, "http://") ||
		strings.HasPrefix(url, "https://") ||
		strings.HasPrefix(url, "git@") ||
		strings.HasPrefix(url, "ssh://")
}
