package hub

import (
	"os"
	"path/filepath"
	"strings"
)

const cacheModelPrefix = "models--"

// DefaultCacheDir resolves the cache root: HF_HUB_CACHE, then HF_HOME/hub,
// then XDG_CACHE_HOME/huggingface/hub, then ~/.cache/huggingface/hub.
func DefaultCacheDir() string {
	if dir := os.Getenv(EnvHubCache); dir != "" {
		return dir
	}
	if home := os.Getenv(EnvHome); home != "" {
		return filepath.Join(home, "hub")
	}
	base := os.Getenv("XDG_CACHE_HOME")
	if base == "" {
		if home, err := os.UserHomeDir(); err == nil {
			base = filepath.Join(home, ".cache")
		} else {
			base = filepath.Join(os.TempDir(), "huggingface_cache")
		}
	}
	return filepath.Join(base, "huggingface", "hub")
}

// RepoDir returns the cache directory of a repository.
func (c *Client) RepoDir(repo string) string {
	return filepath.Join(c.cacheDir, cacheModelPrefix+strings.ReplaceAll(repo, "/", "--"))
}

// SnapshotDir returns the directory files of repo at revision are cached in.
func (c *Client) SnapshotDir(repo, revision string) string {
	if revision == "" {
		revision = DefaultRevision
	}
	return filepath.Join(c.RepoDir(repo), "snapshots", revision)
}

// CachedRepos lists repositories present in the cache.
func (c *Client) CachedRepos() ([]string, error) {
	entries, err := os.ReadDir(c.cacheDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var repos []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), cacheModelPrefix) {
			repos = append(repos, strings.Replace(strings.TrimPrefix(e.Name(), cacheModelPrefix), "--", "/", 1))
		}
	}
	return repos, nil
}

// SelectWeightFiles picks the checkpoint files to download from a repository
// listing: top-level SafeTensors shards and their index when present,
// otherwise PyTorch pickle shards and their index. config.json is always
// included first.
func SelectWeightFiles(files []string) []string {
	out := []string{"config.json"}
	var st, pt []string
	for _, f := range files {
		if strings.Contains(f, "/") {
			continue
		}
		switch {
		case strings.HasSuffix(f, ".safetensors"), f == "model.safetensors.index.json":
			st = append(st, f)
		case strings.HasPrefix(f, "pytorch_model") && (strings.HasSuffix(f, ".bin") || strings.HasSuffix(f, ".bin.index.json")):
			pt = append(pt, f)
		}
	}
	if len(st) > 0 {
		return append(out, st...)
	}
	return append(out, pt...)
}
