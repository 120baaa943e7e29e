package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/basket/go-loom/internal/config"
	"github.com/basket/go-loom/internal/doctor"
)

func runDoctorCommand(ctx context.Context, args []string) int {
	jsonOutput := slices.Contains(args, "-json") || slices.Contains(args, "--json")

	cfg, err := config.Load()
	if err != nil && !cfg.NeedsGenesis {
		// Run the checks anyway; they report what is broken.
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
	}

	report := doctor.Run(ctx, &cfg, Version)

	if jsonOutput {
		out := json.NewEncoder(os.Stdout)
		out.SetIndent("", "  ")
		if err := out.Encode(report); err != nil {
			fmt.Fprintf(os.Stderr, "encode report: %v\n", err)
			return 1
		}
		return 0
	}
	return printDiagnosis(report)
}

func printDiagnosis(report doctor.Diagnosis) int {
	fmt.Printf("goloom doctor report (%s)\n", report.Timestamp.Format(time.RFC3339))
	fmt.Printf("Host: %s/%s, %s\n", report.System.OS, report.System.Arch, report.System.Go)
	fmt.Println("---")

	code := 0
	for _, check := range report.Results {
		var icon string
		switch check.Status {
		case "FAIL":
			icon = "❌"
			code = 1
		case "WARN":
			icon = "⚠️ "
		case "SKIP":
			icon = "⏩"
		default:
			icon = "✅"
		}
		fmt.Printf("%s %-12s: %s\n", icon, check.Name, check.Message)
		if check.Detail != "" {
			fmt.Printf("    %s\n", check.Detail)
		}
	}
	return code
}
