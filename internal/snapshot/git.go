package snapshot

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/phuslu/log"

	"github.com/huyhandes/aurcache/internal/aur"
)

// ErrNoPKGBUILD is returned for a repository without a PKGBUILD, which is
// what the AUR serves for a base that does not exist.
var ErrNoPKGBUILD = errors.New("snapshot: repository has no PKGBUILD")

// GitMirror keeps a working copy of the git repository of each package base.
type GitMirror struct {
	baseURL string
	pull    bool
}

// NewGitMirror returns a GitMirror for the AUR at baseURL. Existing working
// copies are fast-forwarded when pull is set and only fetched otherwise.
func NewGitMirror(baseURL string, pull bool) *GitMirror {
	return &GitMirror{baseURL: strings.TrimRight(baseURL, "/"), pull: pull}
}

// RepoURL returns the clone URL of a package base.
func (m *GitMirror) RepoURL(base string) string {
	return m.baseURL + "/" + url.QueryEscape(base) + ".git"
}

// Download clones or updates the repository of every record from seq under
// dir, one directory per package base, and yields the records whose
// repository is ready. Failures are logged and skipped. Errors from seq are
// passed through.
func (m *GitMirror) Download(ctx context.Context, dir string, seq iter.Seq2[aur.Record, error]) iter.Seq2[aur.Record, error] {
	return eachBase(ctx, dir, seq, m.sync)
}

func (m *GitMirror) sync(ctx context.Context, dir string, r *aur.Record) error {
	base := packageBase(r)
	repoDir, err := safeJoin(dir, base)
	if err != nil || filepath.Dir(repoDir) != filepath.Clean(dir) {
		return fmt.Errorf("%w: %q", ErrUnsafePath, base)
	}

	_, err = os.Stat(repoDir)
	switch {
	case err == nil:
		err = m.update(ctx, repoDir)
	case errors.Is(err, fs.ErrNotExist):
		err = m.clone(ctx, repoDir, base)
	}
	if err != nil {
		return err
	}

	if _, err := os.Stat(filepath.Join(repoDir, "PKGBUILD")); err != nil {
		if rmErr := os.RemoveAll(repoDir); rmErr != nil {
			log.Warn().Err(rmErr).Str("path", repoDir).Msg("Failed to remove repository")
		}
		return fmt.Errorf("%s: %w", base, ErrNoPKGBUILD)
	}

	names, err := srcinfoNames(filepath.Join(repoDir, ".SRCINFO"))
	if err != nil {
		log.Debug().Err(err).Str("package", base).Msg("No package names from .SRCINFO")
	}
	log.Debug().Str("package", base).Strs("names", names).Str("path", repoDir).Msg("Repository ready")
	return nil
}

func (m *GitMirror) clone(ctx context.Context, repoDir, base string) error {
	u := m.RepoURL(base)
	log.Debug().Str("url", u).Str("path", repoDir).Msg("Cloning repository")
	_, err := git.PlainCloneContext(ctx, repoDir, false, &git.CloneOptions{URL: u})
	if err != nil {
		_ = os.RemoveAll(repoDir)
		return fmt.Errorf("clone %s: %w", u, err)
	}
	return nil
}

func (m *GitMirror) update(ctx context.Context, repoDir string) error {
	repo, err := git.PlainOpen(repoDir)
	if err != nil {
		return fmt.Errorf("open %s: %w", repoDir, err)
	}

	if m.pull {
		wt, err := repo.Worktree()
		if err != nil {
			return fmt.Errorf("worktree %s: %w", repoDir, err)
		}
		err = wt.PullContext(ctx, &git.PullOptions{RemoteName: git.DefaultRemoteName})
		if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
			return fmt.Errorf("pull %s: %w", repoDir, err)
		}
		return nil
	}

	err = repo.FetchContext(ctx, &git.FetchOptions{RemoteName: git.DefaultRemoteName})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("fetch %s: %w", repoDir, err)
	}
	return nil
}

// srcinfoNames returns the pkgname values of a .SRCINFO file in order.
func srcinfoNames(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var names []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), "=")
		if ok && strings.TrimSpace(key) == "pkgname" {
			names = append(names, strings.TrimSpace(value))
		}
	}
	return names, scanner.Err()
}
