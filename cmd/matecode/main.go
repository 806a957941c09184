// MateCode - Claude Code Telegram bridge
// License: MIT

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/zhaopengme/matecode/pkg/config"
)

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

const logo = "🧉"

// formatVersion returns the version string with optional git commit
func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

// formatBuildInfo returns build time and go version info
func formatBuildInfo() (build string, goVer string) {
	if buildTime != "" {
		build = buildTime
	}
	goVer = goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	return
}

func printVersion() {
	fmt.Printf("%s matecode %s\n", logo, formatVersion())
	build, goVer := formatBuildInfo()
	if build != "" {
		fmt.Printf("  Build: %s\n", build)
	}
	if goVer != "" {
		fmt.Printf("  Go: %s\n", goVer)
	}
}

func main() {
	if len(os.Args) < 2 {
		printHelp()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "bridge":
		bridgeCmd()
	case "status":
		statusCmd()
	case "console":
		consoleCmd()
	case "version", "--version", "-v":
		printVersion()
	case "help", "--help", "-h":
		printHelp()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printHelp()
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Printf("%s matecode - Claude Code Telegram bridge v%s\n\n", logo, version)
	fmt.Println("Usage: matecode <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  bridge      Run the bridge daemon")
	fmt.Println("  console     Talk to the tmux session from this terminal")
	fmt.Println("  status      Show bridge status")
	fmt.Println("  version     Show version information")
}

func getConfigPath() string {
	if p := os.Getenv("MATECODE_CONFIG"); p != "" {
		return p
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".matecode", "config.json")
}

func loadConfig() (*config.Config, error) {
	return config.LoadConfig(getConfigPath())
}
