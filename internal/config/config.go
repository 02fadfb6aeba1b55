// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all gitlabfs client configuration.
type Config struct {
	// GitLab
	GitLabURL string
	Token     string

	// Namespace
	UserProjects bool // include users and their projects in the tree
	TagRefs      bool // include tags alongside branches as refs
	CommitTimes  bool // precise per-file commit timestamps (slower)

	// Cache
	CacheTTL          time.Duration
	ExpireProjectTree bool // when false, the namespace tree never expires
	RefCacheSize      int
	ContentCacheSize  int

	// Logging
	LogLevel  string
	LogFormat string

	// Metrics (empty disables the endpoint)
	MetricsAddr string
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		GitLabURL:         envOr("GITLAB_URL", "https://gitlab.com"),
		Token:             envOr("GITLAB_TOKEN", ""),
		UserProjects:      envBool("GITLABFS_USER_PROJECTS", false),
		TagRefs:           envBool("GITLABFS_TAG_REFS", false),
		CommitTimes:       envBool("GITLABFS_COMMIT_TIMES", false),
		CacheTTL:          time.Duration(envInt("GITLABFS_CACHE_TTL", 120)) * time.Second,
		ExpireProjectTree: envBool("GITLABFS_EXPIRE_TREE", true),
		RefCacheSize:      envInt("GITLABFS_REF_CACHE_SIZE", 128),
		ContentCacheSize:  envInt("GITLABFS_CONTENT_CACHE_SIZE", 32),
		LogLevel:          envOr("GITLABFS_LOG_LEVEL", "info"),
		LogFormat:         envOr("GITLABFS_LOG_FORMAT", "console"),
		MetricsAddr:       envOr("GITLABFS_METRICS_ADDR", ""),
	}

	if cfg.GitLabURL == "" {
		return nil, fmt.Errorf("GITLAB_URL is required")
	}
	cfg.GitLabURL = strings.TrimSuffix(cfg.GitLabURL, "/")

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}
