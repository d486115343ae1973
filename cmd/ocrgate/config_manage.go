package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/ocrgate/internal/api"
	"github.com/mattjoyce/ocrgate/internal/auth"
	"github.com/mattjoyce/ocrgate/internal/config"
	"github.com/mattjoyce/ocrgate/internal/lock"
)

type configSummary struct {
	Path             string   `json:"path"`
	Locked           bool     `json:"locked"`
	StateBackend     string   `json:"state_backend"`
	RateLimitBackend string   `json:"rate_limit_backend"`
	Listen           string   `json:"listen"`
	Owners           []string `json:"owners"`
	WebhookSchemes   []string `json:"webhook_schemes"`
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output the summary as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	path, err := resolveConfigPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration invalid: %v\n", err)
		return 1
	}

	summary := summarizeConfig(cfg)
	if *jsonOut {
		data, err := json.MarshalIndent(summary, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("Configuration valid: %s\n", summary.Path)
	if summary.Locked {
		fmt.Println("  integrity:   verified against .checksums")
	} else {
		fmt.Println("  integrity:   not locked (run 'ocrgate config lock')")
	}
	fmt.Printf("  state:       %s\n", summary.StateBackend)
	fmt.Printf("  rate limit:  %s\n", summary.RateLimitBackend)
	fmt.Printf("  listen:      %s\n", summary.Listen)
	fmt.Printf("  owners:      %d\n", len(summary.Owners))
	return 0
}

func summarizeConfig(cfg *config.Config) configSummary {
	s := configSummary{
		Path:             cfg.SourcePath,
		StateBackend:     cfg.State.Backend,
		RateLimitBackend: cfg.RateLimit.Backend,
		Listen:           cfg.API.Listen,
		WebhookSchemes:   cfg.Webhooks.AllowedSchemes,
		Owners:           []string{},
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(cfg.SourcePath), config.ChecksumFile)); err == nil {
		s.Locked = true
	}
	for _, c := range credentialsFromConfig(cfg) {
		s.Owners = append(s.Owners, c.Name)
	}
	return s
}

func runConfigLock(args []string) int {
	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	dryRun := fs.Bool("dry-run", false, "Print hashes without writing .checksums")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	path, err := resolveConfigPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}
	file, err := configFileFor(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	report, err := config.GenerateChecksums(filepath.Dir(file), []string{filepath.Base(file)}, *dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to lock config: %v\n", err)
		return 1
	}
	for _, f := range report.Files {
		fmt.Printf("%s  %s\n", f.Hash, f.Filename)
	}
	if report.Written {
		fmt.Printf("Wrote %s\n", report.ChecksumPath)
	} else {
		fmt.Println("Dry run: no changes written")
	}
	return 0
}

func runConfigShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, code := loadConfigForTool(*configPath)
	if cfg == nil {
		return code
	}
	data, err := yaml.Marshal(cfg.Redacted())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render config: %v\n", err)
		return 1
	}
	fmt.Print(string(data))
	return 0
}

func runConfigGet(args []string) int {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output the value as JSON")

	// Allow the path before or after flags.
	var path string
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		path, args = args[0], args[1:]
	}
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if path == "" && fs.NArg() == 1 {
		path = fs.Arg(0)
	}
	if path == "" {
		fmt.Fprintln(os.Stderr, "Usage: ocrgate config get <path> [--config PATH] [--json]")
		return 1
	}

	cfg, code := loadConfigForTool(*configPath)
	if cfg == nil {
		return code
	}
	value, err := cfg.GetPath(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	if *jsonOut {
		data, err := json.Marshal(value)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}
	switch v := value.(type) {
	case map[string]any, []any:
		data, err := yaml.Marshal(v)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render value: %v\n", err)
			return 1
		}
		fmt.Print(string(data))
	default:
		fmt.Println(v)
	}
	return 0
}

func loadConfigForTool(configPath string) (*config.Config, int) {
	path, err := resolveConfigPath(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return nil, 1
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return nil, 1
	}
	return cfg, 0
}

// configFileFor returns the config file for a file or directory path.
func configFileFor(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("config not found: %s", abs)
	}
	if info.IsDir() {
		abs = filepath.Join(abs, "config.yaml")
		if _, err := os.Stat(abs); err != nil {
			return "", fmt.Errorf("directory provided but config.yaml not found: %s", abs)
		}
	}
	return abs, nil
}

func runKeyGenerate(args []string) int {
	fs := flag.NewFlagSet("generate", flag.ContinueOnError)
	count := fs.Int("count", 1, "Number of keys to print")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if *count < 1 || *count > 100 {
		fmt.Fprintln(os.Stderr, "--count must be between 1 and 100")
		return 1
	}

	for i := 0; i < *count; i++ {
		key, err := auth.GenerateKey()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to generate key: %v\n", err)
			return 1
		}
		fmt.Println(key)
	}
	return 0
}

type systemStatus struct {
	Config      string               `json:"config"`
	LockPath    string               `json:"lock_path,omitempty"`
	LockHeld    bool                 `json:"lock_held"`
	HolderPID   int                  `json:"holder_pid,omitempty"`
	Healthy     bool                 `json:"healthy"`
	Health      *api.HealthzResponse `json:"health,omitempty"`
	HealthError string               `json:"health_error,omitempty"`
}

func runSystemStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output status as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	path, err := resolveConfigPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	st := systemStatus{Config: cfg.SourcePath}
	if cfg.State.Backend != "redis" {
		st.LockPath = lock.LockPathFor(cfg.State.Path)
		st.LockHeld, st.HolderPID = probePIDLock(st.LockPath)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	health, err := fetchHealth(ctx, "http://"+cfg.API.Listen+"/healthz")
	if err != nil {
		st.HealthError = err.Error()
	} else {
		st.Health = health
		st.Healthy = health.Status == "ok"
	}

	if *jsonOut {
		data, err := json.MarshalIndent(st, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
	} else {
		fmt.Printf("config:  %s\n", st.Config)
		if st.LockPath != "" {
			if st.LockHeld {
				fmt.Printf("lock:    held by pid %d (%s)\n", st.HolderPID, st.LockPath)
			} else {
				fmt.Printf("lock:    free (%s)\n", st.LockPath)
			}
		}
		if st.Health != nil {
			fmt.Printf("health:  %s, %d pending, up %ds\n", st.Health.Status, st.Health.QueueDepth, st.Health.UptimeSeconds)
		} else {
			fmt.Printf("health:  unreachable (%s)\n", st.HealthError)
		}
	}

	if !st.Healthy {
		return 1
	}
	return 0
}

// probePIDLock reports whether another process holds lockPath. A free lock
// is taken and immediately released.
func probePIDLock(lockPath string) (bool, int) {
	if _, err := os.Stat(lockPath); errors.Is(err, os.ErrNotExist) {
		return false, 0
	}
	l, err := lock.AcquirePIDLock(lockPath)
	if err == nil {
		_ = l.Release()
		return false, 0
	}
	if !errors.Is(err, lock.ErrLocked) {
		return false, 0
	}
	pid, _ := lock.HolderPID(lockPath)
	return true, pid
}

func fetchHealth(ctx context.Context, url string) (*api.HealthzResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var h api.HealthzResponse
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return nil, fmt.Errorf("decode /healthz (status %d): %w", resp.StatusCode, err)
	}
	return &h, nil
}
