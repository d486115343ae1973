package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/ocrgate/internal/tui/watch"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "system":
		return runSystemNoun(args)
	case "config":
		return runConfigNoun(args)
	case "key":
		return runKeyNoun(args)

	case "start":
		return runStart(args)
	case "watch":
		if hasHelpFlag(args) {
			printWatchHelp()
			return 0
		}
		return runWatch(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: ocrgate version [--json]")
		return 1
	}

	info := currentVersionInfo()
	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("ocrgate %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if commit != "" {
		info.Commit = shortenCommit(commit)
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if normalized, ok := normalizeBuildTimeUTC(built); ok {
		info.BuildTime = normalized
	}
	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func normalizeBuildTimeUTC(raw string) (string, bool) {
	if raw == "" || raw == "unknown" {
		return "", false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "", false
	}
	return t.UTC().Format(time.RFC3339), true
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`ocrgate - Authenticated, rate-limited gateway for OCR jobs

Usage:
  ocrgate <noun> <action> [flags]

Nouns:
  system    Gateway lifecycle and health
  config    Configuration validation and integrity
  key       API credential helpers

System Commands:
  system start      Start the gateway in the foreground
  system status     Show PID lock holder and /healthz of a running gateway

Config Commands:
  config check      Validate syntax, policy and integrity
  config lock       Write .checksums for the current config file
  config show       Print the resolved config with secrets redacted
  config get <path> Print one value, e.g. rate_limit.anonymous

Key Commands:
  key generate      Print a new random API credential

Other:
  watch             Live terminal view of jobs and deliveries
  version           Show version information
  help              Show this help message

Use 'ocrgate <noun> help' for action-specific flags.
`)
}

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printSystemNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSystemNounHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "start":
		if hasHelpFlag(actionArgs) {
			printSystemStartHelp()
			return 0
		}
		return runStart(actionArgs)
	case "status":
		if hasHelpFlag(actionArgs) {
			printSystemStatusHelp()
			return 0
		}
		return runSystemStatus(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
		return 1
	}
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	case "lock":
		if hasHelpFlag(actionArgs) {
			printConfigLockHelp()
			return 0
		}
		return runConfigLock(actionArgs)
	case "show":
		if hasHelpFlag(actionArgs) {
			printConfigShowHelp()
			return 0
		}
		return runConfigShow(actionArgs)
	case "get":
		if hasHelpFlag(actionArgs) {
			printConfigGetHelp()
			return 0
		}
		return runConfigGet(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func runKeyNoun(args []string) int {
	if len(args) < 1 {
		printKeyNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printKeyNounHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "generate":
		if hasHelpFlag(actionArgs) {
			printKeyGenerateHelp()
			return 0
		}
		return runKeyGenerate(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown key action: %s\n", action)
		return 1
	}
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	apiURL := fs.String("api-url", "http://127.0.0.1:8080", "Gateway API URL")
	apiKey := fs.String("api-key", os.Getenv("OCRGATE_API_KEY"), "API credential")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if *apiKey == "" {
		fmt.Fprintln(os.Stderr, "Error: API key required. Use --api-key or OCRGATE_API_KEY env var.")
		return 1
	}

	p := tea.NewProgram(watch.New(*apiURL, *apiKey), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, a := range args {
		if a == "--help" || a == "-h" {
			return true
		}
	}
	return false
}

func printSystemNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: ocrgate system <start|status> [flags]")
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: ocrgate config <check|lock|show|get> [flags]")
}

func printKeyNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: ocrgate key generate [--count N]")
}

func printSystemStartHelp() {
	fmt.Println("Usage: ocrgate system start [--config PATH]")
	fmt.Println("Run the API server, webhook dispatcher and janitor in the foreground.")
	fmt.Println("SIGHUP reloads API credentials from the config file.")
}

func printSystemStatusHelp() {
	fmt.Println("Usage: ocrgate system status [--config PATH] [--json]")
	fmt.Println("Report the PID lock holder and the /healthz response of the configured listener.")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: ocrgate config check [--config PATH] [--json]")
	fmt.Println("Validate configuration syntax, policy and integrity.")
}

func printConfigLockHelp() {
	fmt.Println("Usage: ocrgate config lock [--config PATH] [--dry-run]")
	fmt.Println("Record the BLAKE3 hash of the config file in .checksums. Load refuses a file that no longer matches.")
}

func printConfigShowHelp() {
	fmt.Println("Usage: ocrgate config show [--config PATH]")
	fmt.Println("Print the resolved configuration, defaults applied, with credentials redacted.")
}

func printConfigGetHelp() {
	fmt.Println("Usage: ocrgate config get <path> [--config PATH] [--json]")
	fmt.Println("Read a single value from the resolved configuration using a dot path.")
}

func printKeyGenerateHelp() {
	fmt.Println("Usage: ocrgate key generate [--count N]")
	fmt.Println("Print random credentials suitable for api.auth.tokens[].token.")
}

func printWatchHelp() {
	fmt.Println("Usage: ocrgate watch [flags]")
	fmt.Println()
	fmt.Println("Live view of gateway health, your jobs and webhook deliveries.")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --api-url URL    Gateway API URL (default: http://127.0.0.1:8080)")
	fmt.Println("  --api-key KEY    API credential with events:ro (or OCRGATE_API_KEY env var)")
	fmt.Println()
	fmt.Println("Keybindings:")
	fmt.Println("  q, Ctrl+C        Quit")
	fmt.Println("  ↑/↓, k/j         Scroll jobs")
}
