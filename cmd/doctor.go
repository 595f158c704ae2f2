package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/coderelay/internal/config"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("coderelay doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Discord:")
	if cfg.Discord.Token != "" {
		fmt.Println("    Token:      configured")
	} else {
		fmt.Println("    Token:      MISSING (set CODERELAY_DISCORD_TOKEN)")
	}

	fmt.Println()
	fmt.Println("  Agents:")
	fmt.Printf("    Provider:   %s\n", cfg.Agent.Provider)
	checkBinary("codex", cfg.Agent.CodexBin)
	checkBinary("claude", cfg.Agent.ClaudeBin)

	fmt.Println()
	fmt.Println("  Tools:")
	for _, bin := range []string{"bash", "git", "pgrep", "python3"} {
		checkBinary(bin, bin)
	}

	fmt.Println()
	fmt.Println("  State:")
	fmt.Printf("    Dir:        %s", cfg.StateDir)
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		fmt.Printf(" (NOT WRITABLE: %s)\n", err)
	} else if probe := filepath.Join(cfg.StateDir, ".doctor-probe"); os.WriteFile(probe, nil, 0o644) != nil {
		fmt.Println(" (NOT WRITABLE)")
	} else {
		os.Remove(probe)
		fmt.Println(" (OK)")
	}

	fmt.Println()
	fmt.Println("  Policy:")
	for _, root := range cfg.AllowRoots {
		fmt.Printf("    Allow root: %s\n", root)
	}
	fmt.Printf("    Wait guard: %s\n", cfg.WaitPatternGuard)

	if cfg.Telemetry.Endpoint != "" {
		fmt.Println()
		fmt.Printf("  Telemetry:  %s (%s)\n", cfg.Telemetry.Endpoint, cfg.Telemetry.Protocol)
	}
}

func checkBinary(name, bin string) {
	if path, err := exec.LookPath(bin); err == nil {
		fmt.Printf("    %-11s %s\n", name+":", path)
	} else {
		fmt.Printf("    %-11s NOT FOUND (%s)\n", name+":", bin)
	}
}
