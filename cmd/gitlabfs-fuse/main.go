// gitlabfs-fuse mounts a GitLab instance as a read-only filesystem.
//
// The namespace exposes groups, users, projects, refs, and repository
// contents, backed by the REST API with TTL caching. Nothing is ever
// written upstream.
//
// Sub-commands:
//
//	gitlabfs-fuse mount [flags]  Mount filesystem (default)
//	gitlabfs-fuse login          Save a personal access token
//	gitlabfs-fuse logout         Remove the saved token
//	gitlabfs-fuse status         Show server and token status
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/Overv/gitlabfs/internal/cache"
	"github.com/Overv/gitlabfs/internal/config"
	"github.com/Overv/gitlabfs/internal/fuse"
	"github.com/Overv/gitlabfs/internal/gitlab"
	"github.com/Overv/gitlabfs/internal/logging"
	"github.com/Overv/gitlabfs/internal/metrics"
	"github.com/Overv/gitlabfs/internal/resolve"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "login":
			cmdLogin(os.Args[2:])
			return
		case "logout":
			cmdLogout(os.Args[2:])
			return
		case "status":
			cmdStatus(os.Args[2:])
			return
		case "mount":
			// Strip "mount" from args and fall through to normal parsing
			os.Args = append(os.Args[:1], os.Args[2:]...)
		}
	}

	cmdMount()
}

func cmdMount() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	mountPoint := flag.String("mount", "", "Mount point for the filesystem (required)")
	gitlabURL := flag.String("gitlab", cfg.GitLabURL, "GitLab instance URL")
	token := flag.String("token", cfg.Token, "Personal access token")
	userProjects := flag.Bool("users", cfg.UserProjects, "Include users and their projects")
	tagRefs := flag.Bool("tags", cfg.TagRefs, "Include tags alongside branches as refs")
	commitTimes := flag.Bool("commit-times", cfg.CommitTimes, "Precise per-file commit timestamps (slower)")
	cacheTTL := flag.Duration("cache-ttl", cfg.CacheTTL, "How long cached API responses stay valid")
	expireTree := flag.Bool("expire-tree", cfg.ExpireProjectTree, "Rebuild the project tree after the cache TTL")
	healthCheck := flag.Duration("health-check", 30*time.Second, "Health check interval (0 to disable)")
	metricsAddr := flag.String("metrics", cfg.MetricsAddr, "Prometheus metrics listen address (empty to disable)")
	debug := flag.Bool("debug", false, "Enable FUSE debug output")
	logLevel := flag.String("log-level", cfg.LogLevel, "Log level: debug, info, warn, error")

	flag.Parse()

	if err := logging.Init(logging.Config{Level: *logLevel, Format: cfg.LogFormat}); err != nil {
		fmt.Fprintf(os.Stderr, "Error: init logging: %v\n", err)
		os.Exit(1)
	}
	defer logging.Sync()

	if *mountPoint == "" {
		fmt.Fprintf(os.Stderr, "Error: -mount is required\n")
		flag.Usage()
		os.Exit(1)
	}

	// Fall back on the saved token file from a previous login.
	if *token == "" {
		if tf, err := gitlab.LoadToken(); err == nil {
			*token = tf.Token
			if flagUnset("gitlab") && tf.Server != "" {
				*gitlabURL = tf.Server
			}
			logging.Info("using saved token", logging.String("server", tf.Server))
		}
	}

	client := gitlab.New(gitlab.Config{
		BaseURL: strings.TrimSuffix(*gitlabURL, "/"),
		Token:   *token,
		Timeout: 60 * time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := client.Ping(ctx); err != nil {
		logging.Fatal("GitLab unreachable", logging.String("url", *gitlabURL), logging.Err(err))
	}

	cacheLayer := cache.New(client, cache.Options{
		TTL:             *cacheTTL,
		ExpireTree:      *expireTree,
		RefCapacity:     cfg.RefCacheSize,
		ContentCapacity: cfg.ContentCacheSize,
	})

	resolver := resolve.New(cacheLayer, resolve.Options{
		UserProjects: *userProjects,
		TagRefs:      *tagRefs,
		CommitTimes:  *commitTimes,
	})

	fsys := fuse.New(resolver, client, fuse.Config{
		AttrTimeout:       *cacheTTL,
		HealthCheckPeriod: *healthCheck,
		Debug:             *debug,
	})

	logging.Info("mounting gitlabfs",
		logging.String("gitlab", *gitlabURL),
		logging.String("mount", *mountPoint),
		logging.Duration("cache_ttl", *cacheTTL))

	server, err := fsys.Mount(*mountPoint)
	if err != nil {
		logging.Fatal("mount failed", logging.Err(err))
	}

	fsys.StartHealthCheck(ctx)

	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr)
	}

	logging.Info("filesystem mounted", logging.String("mount", *mountPoint))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logging.Info("unmounting")
	fsys.StopHealthCheck()
	server.Unmount()

	stats := fsys.GetStats()
	logging.Info("session stats",
		logging.Int64("lookups", stats.Lookups.Load()),
		logging.Int64("reads", stats.Reads.Load()),
		logging.Int64("bytes_read", stats.BytesRead.Load()))
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	logging.Info("metrics endpoint listening", logging.String("addr", addr))
	if err := http.ListenAndServe(addr, metrics.Middleware(mux)); err != nil {
		logging.Error("metrics server failed", logging.Err(err))
	}
}

// flagUnset reports whether the named flag was left at its default.
func flagUnset(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return !set
}

func cmdLogin(args []string) {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	gitlabURL := fs.String("gitlab", "https://gitlab.com", "GitLab instance URL")
	fs.Parse(args)

	fmt.Print("Personal access token: ")
	tokenBytes, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading token: %v\n", err)
		os.Exit(1)
	}
	token := strings.TrimSpace(string(tokenBytes))
	if token == "" {
		fmt.Fprintf(os.Stderr, "Error: empty token\n")
		os.Exit(1)
	}

	client := gitlab.New(gitlab.Config{
		BaseURL: strings.TrimSuffix(*gitlabURL, "/"),
		Token:   token,
		Timeout: 10 * time.Second,
	})
	if err := client.Ping(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot reach %s: %v\n", *gitlabURL, err)
		os.Exit(1)
	}

	tf := &gitlab.TokenFile{
		Token:   token,
		Server:  strings.TrimSuffix(*gitlabURL, "/"),
		SavedAt: time.Now(),
	}
	if err := gitlab.SaveToken(tf); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to save token: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Token saved to %s\n", gitlab.TokenFilePath())
}

func cmdLogout(args []string) {
	fs := flag.NewFlagSet("logout", flag.ExitOnError)
	fs.Parse(args)

	if err := gitlab.DeleteToken(); err != nil {
		if os.IsNotExist(err) {
			fmt.Println("No saved token found.")
			return
		}
		fmt.Fprintf(os.Stderr, "Error: failed to delete token file: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Token removed.")
}

func cmdStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	gitlabURL := fs.String("gitlab", "", "GitLab instance URL (default: saved token's server)")
	fs.Parse(args)

	token := os.Getenv("GITLAB_TOKEN")
	server := *gitlabURL

	tf, err := gitlab.LoadToken()
	if err == nil {
		if token == "" {
			token = tf.Token
		}
		if server == "" {
			server = tf.Server
		}
		fmt.Printf("Token file:  %s (saved %s)\n", gitlab.TokenFilePath(), tf.SavedAt.Format(time.RFC3339))
	} else {
		fmt.Println("Token file:  none")
	}

	if server == "" {
		server = "https://gitlab.com"
	}

	client := gitlab.New(gitlab.Config{
		BaseURL: strings.TrimSuffix(server, "/"),
		Token:   token,
		Timeout: 10 * time.Second,
	})

	fmt.Printf("Server:      %s\n", server)
	if err := client.Ping(context.Background()); err != nil {
		fmt.Printf("Reachable:   no (%v)\n", err)
		os.Exit(1)
	}
	fmt.Println("Reachable:   yes")
}
