package main

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePackage struct {
	Name        string   `json:"Name"`
	PackageBase string   `json:"PackageBase"`
	Version     string   `json:"Version"`
	Description string   `json:"Description"`
	Maintainer  *string  `json:"Maintainer"`
	NumVotes    int      `json:"NumVotes"`
	Popularity  float64  `json:"Popularity"`
	URLPath     string   `json:"URLPath"`
	Depends     []string `json:"Depends,omitempty"`
}

// fakeAUR serves the RPC interface, package pages and snapshots.
type fakeAUR struct {
	*httptest.Server
	rpcHits atomic.Int32
}

func strPtr(s string) *string { return &s }

func newFakeAUR(t *testing.T) *fakeAUR {
	t.Helper()

	packages := map[string]fakePackage{
		"yay": {
			Name: "yay", PackageBase: "yay", Version: "12.3.5-1",
			Description: "Yet another yogurt", Maintainer: strPtr("jguer"),
			NumVotes: 2000, Popularity: 31.5,
			URLPath: "/cgit/aur.git/snapshot/yay.tar.gz",
			Depends: []string{"pacman>6.1", "git"},
		},
		"yay-bin": {
			Name: "yay-bin", PackageBase: "yay-bin", Version: "12.3.5-1",
			Description: "Yet another yogurt (binary)", Maintainer: strPtr("jguer"),
			URLPath: "/cgit/aur.git/snapshot/yay-bin.tar.gz",
		},
		"lonely": {
			Name: "lonely", PackageBase: "lonely", Version: "0.1-1",
			Description: "Nobody loves me",
			URLPath:     "/cgit/aur.git/snapshot/lonely.tar.gz",
		},
	}
	searches := map[string][]string{
		"name-desc:yay":    {"yay", "yay-bin"},
		"name-desc:bin":    {"yay-bin"},
		"name:yay":         {"yay"},
		"maintainer:":      {"lonely"},
		"maintainer:jguer": {"yay", "yay-bin"},
	}

	f := &fakeAUR{}
	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", func(w http.ResponseWriter, r *http.Request) {
		f.rpcHits.Add(1)
		query := r.URL.Query()
		var results []fakePackage
		respType := query.Get("type")

		switch respType {
		case "info":
			respType = "multiinfo"
			for _, name := range query["arg[]"] {
				if p, ok := packages[name]; ok {
					results = append(results, p)
				}
			}
		case "search":
			for _, name := range searches[query.Get("by")+":"+query.Get("arg")] {
				p := packages[name]
				p.Depends = nil
				results = append(results, p)
			}
		}
		if results == nil {
			results = []fakePackage{}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"version":     5,
			"type":        respType,
			"resultcount": len(results),
			"results":     results,
		})
	})
	mux.HandleFunc("/packages/yay", func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, `<table id="pkginfo"><tr><th>Last Packager:</th><td>jguer</td></tr></table>`)
	})
	mux.HandleFunc("/cgit/aur.git/snapshot/yay.tar.gz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(tarball(t, "yay/PKGBUILD", "pkgname=yay\n"))
	})

	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func tarball(t *testing.T, name, body string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(zw)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}))
	_, err := tw.Write([]byte(body))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// isolate points every on-disk location at a temp dir.
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CACHE_HOME", t.TempDir())
	t.Setenv("AURCACHE_CACHE_BACKEND", "")
	t.Setenv("AURCACHE_CACHE_PATH", "")
	t.Setenv("AURCACHE_ARCHIVE_PATH", "")
	t.Setenv("AURCACHE_TTL", "")
	t.Setenv("AURCACHE_LOG_COLOR", "false")
	t.Setenv("AURCACHE_LOGGING_LEVEL", "WARN")
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestInfo(t *testing.T) {
	isolate(t)
	aur := newFakeAUR(t)

	code, out, errOut := runCLI(t, "--aur-url", aur.URL, "info", "yay")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "Name            : yay")
	assert.Contains(t, out, "Version         : 12.3.5-1")
	assert.Contains(t, out, "Depends On      : pacman>6.1  git")
	assert.Contains(t, out, "AUR URL         : "+aur.URL+"/packages/yay")
	assert.Contains(t, out, "Out-of-date     : No")
	assert.NotContains(t, out, "Last Packager")
	assert.Equal(t, int32(1), aur.rpcHits.Load())

	// The bolt cache persists between runs.
	code, _, errOut = runCLI(t, "--aur-url", aur.URL, "info", "yay")
	require.Equal(t, 0, code, errOut)
	assert.Equal(t, int32(1), aur.rpcHits.Load())

	code, _, errOut = runCLI(t, "--aur-url", aur.URL, "--refresh", "info", "yay")
	require.Equal(t, 0, code, errOut)
	assert.Equal(t, int32(2), aur.rpcHits.Load())
}

func TestInfo_ZeroTTL(t *testing.T) {
	isolate(t)
	aur := newFakeAUR(t)

	for i := 0; i < 2; i++ {
		code, _, errOut := runCLI(t, "--aur-url", aur.URL, "--ttl", "0", "info", "yay")
		require.Equal(t, 0, code, errOut)
	}
	assert.Equal(t, int32(2), aur.rpcHits.Load())
}

func TestInfo_Missing(t *testing.T) {
	isolate(t)
	aur := newFakeAUR(t)

	code, out, errOut := runCLI(t, "--aur-url", aur.URL, "--no-cache", "info", "yay", "nope")
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "Name            : yay")
	assert.Contains(t, errOut, "error: package 'nope' was not found")
}

func TestInfo_VersionRequirements(t *testing.T) {
	isolate(t)
	aur := newFakeAUR(t)

	code, out, errOut := runCLI(t, "--aur-url", aur.URL, "--no-cache", "info", "yay>=12", "yay<13")
	require.Equal(t, 0, code, errOut)
	assert.Equal(t, 1, strings.Count(out, "Name            : yay\n"))
	assert.Empty(t, errOut)

	code, out, errOut = runCLI(t, "--aur-url", aur.URL, "--no-cache", "info", "yay>12.4", "yay-bin")
	assert.Equal(t, 1, code)
	assert.NotContains(t, out, "Name            : yay\n")
	assert.Contains(t, out, "Name            : yay-bin")
	assert.Contains(t, errOut, "error: package 'yay>12.4' was not found")
}

func TestInfo_LastPackagerAndJSON(t *testing.T) {
	isolate(t)
	aur := newFakeAUR(t)

	code, out, errOut := runCLI(t, "--aur-url", aur.URL, "--no-cache", "info", "--last-packager", "--json", "yay")
	require.Equal(t, 0, code, errOut)

	var records []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &records))
	require.Len(t, records, 1)
	assert.Equal(t, "yay", records[0]["Name"])
	assert.Equal(t, "jguer", records[0]["LastPackager"])
}

func TestSearch(t *testing.T) {
	isolate(t)
	aur := newFakeAUR(t)

	code, out, errOut := runCLI(t, "--aur-url", aur.URL, "search", "yay")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "aur/yay 12.3.5-1 (+2000 31.50)\n    Yet another yogurt\n")
	assert.Contains(t, out, "aur/yay-bin 12.3.5-1")

	code, out, errOut = runCLI(t, "--aur-url", aur.URL, "search", "--by", "name", "yay")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "aur/yay ")
	assert.NotContains(t, out, "yay-bin")

	code, out, errOut = runCLI(t, "--aur-url", aur.URL, "search", "--intersect", "yay", "bin")
	require.Equal(t, 0, code, errOut)
	assert.Equal(t, 1, strings.Count(out, "aur/"))
	assert.Contains(t, out, "aur/yay-bin")
}

func TestSearch_FullInfo(t *testing.T) {
	isolate(t)
	aur := newFakeAUR(t)

	code, out, errOut := runCLI(t, "--aur-url", aur.URL, "--no-cache", "search", "--full-info", "yay")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "Depends On      : pacman>6.1  git")
	assert.Contains(t, out, "Name            : yay-bin")
}

func TestSearch_BadField(t *testing.T) {
	isolate(t)
	aur := newFakeAUR(t)

	code, _, errOut := runCLI(t, "--aur-url", aur.URL, "search", "--by", "votes", "yay")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "votes")
	assert.Zero(t, aur.rpcHits.Load())
}

func TestMSearch(t *testing.T) {
	isolate(t)
	aur := newFakeAUR(t)

	code, out, errOut := runCLI(t, "--aur-url", aur.URL, "msearch")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "aur/lonely 0.1-1 (+0 0.00) (Orphaned)")

	code, out, errOut = runCLI(t, "--aur-url", aur.URL, "msearch", "jguer")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "aur/yay ")
	assert.Contains(t, out, "aur/yay-bin ")
}

func TestDownload(t *testing.T) {
	isolate(t)
	aur := newFakeAUR(t)
	dir := t.TempDir()
	archive := t.TempDir()
	t.Setenv("AURCACHE_ARCHIVE_PATH", archive)

	code, out, errOut := runCLI(t, "--aur-url", aur.URL, "download", "--dir", dir, "yay", "lonely")
	assert.Equal(t, 1, code, "lonely has no snapshot")
	assert.Contains(t, out, ":: yay 12.3.5-1")
	assert.Contains(t, errOut, "error: package 'lonely' was not downloaded")

	data, err := os.ReadFile(filepath.Join(dir, "yay", "PKGBUILD"))
	require.NoError(t, err)
	assert.Equal(t, "pkgname=yay\n", string(data))
	assert.FileExists(t, filepath.Join(archive, "yay-12.3.5-1.tar.gz"))
}

func TestDownload_PullNeedsGit(t *testing.T) {
	isolate(t)
	aur := newFakeAUR(t)

	code, _, errOut := runCLI(t, "--aur-url", aur.URL, "download", "--pull", "--dir", t.TempDir(), "yay")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "--pull requires --git")
	assert.Zero(t, aur.rpcHits.Load())
}

func TestDownload_GitSkipsUnreachableRepositories(t *testing.T) {
	isolate(t)
	aur := newFakeAUR(t)
	dir := t.TempDir()

	// The fake AUR has no git endpoint, so every clone fails and is skipped.
	code, out, errOut := runCLI(t, "--aur-url", aur.URL, "download", "--git", "--dir", dir, "yay")
	assert.Equal(t, 1, code)
	assert.NotContains(t, out, ":: yay")
	assert.Contains(t, errOut, "error: package 'yay' was not downloaded")
	assert.NoDirExists(t, filepath.Join(dir, "yay"))
}

func TestPurge(t *testing.T) {
	isolate(t)
	aur := newFakeAUR(t)
	cachePath := filepath.Join(t.TempDir(), "records.sqlite3")

	code, _, errOut := runCLI(t, "--aur-url", aur.URL, "--cache-backend", "sqlite", "--cache-path", cachePath, "info", "yay", "yay-bin")
	require.Equal(t, 0, code, errOut)

	code, out, errOut := runCLI(t, "--cache-backend", "sqlite", "--cache-path", cachePath, "purge")
	require.Equal(t, 0, code, errOut)
	assert.Equal(t, "removed 0 expired entries\n", out)

	code, out, errOut = runCLI(t, "--cache-backend", "sqlite", "--cache-path", cachePath, "--ttl", "0", "purge", "--dry-run")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "info:yay\t")
	assert.Contains(t, out, "info:yay-bin\t")
	assert.True(t, strings.HasSuffix(out, "would remove 2 expired entries\n"), out)

	code, out, errOut = runCLI(t, "--cache-backend", "sqlite", "--cache-path", cachePath, "--ttl", "0", "purge")
	require.Equal(t, 0, code, errOut)
	assert.Equal(t, "removed 2 expired entries\n", out)
}

func TestUsageErrors(t *testing.T) {
	isolate(t)

	code, _, errOut := runCLI(t, "info")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "requires at least 1 arg")

	code, _, _ = runCLI(t, "frobnicate")
	assert.Equal(t, 1, code)

	code, out, _ := runCLI(t, "--version")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, version)
}
