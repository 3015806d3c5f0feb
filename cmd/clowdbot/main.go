package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/dgellow/clowdbot/internal"
	"github.com/dgellow/clowdbot/internal/config"
	"github.com/dgellow/clowdbot/internal/log"
	"github.com/hashicorp/go-multierror"
)

var BuildVersion = "dev"

func validateConfig(cfg config.Config) error {
	var problems []error
	if err := cfg.Validate(); err != nil {
		var merr *multierror.Error
		if errors.As(err, &merr) {
			problems = merr.Errors
		} else {
			problems = []error{err}
		}
	}

	var warnings []string
	var missing *config.MissingError
	if err := cfg.Provider.ValidateLogin(); errors.As(err, &missing) {
		for _, name := range missing.Names {
			warnings = append(warnings, name+" is empty, logins will fail until it is set")
		}
	}
	if !cfg.Provider.VerifySignature {
		warnings = append(warnings, "OIDC_VERIFY_SIGNATURE is off, ID tokens are trusted without signature checks")
	}

	fmt.Println("Validating environment configuration")

	if len(problems) > 0 {
		fmt.Printf("\nErrors (%d):\n", len(problems))
		for _, err := range problems {
			fmt.Printf("  - %s\n", err)
		}
	}
	if len(warnings) > 0 {
		fmt.Printf("\nWarnings (%d):\n", len(warnings))
		for _, warn := range warnings {
			fmt.Printf("  - %s\n", warn)
		}
	}

	fmt.Println()
	if len(problems) == 0 {
		fmt.Println("Result: PASS")
		return nil
	}
	fmt.Println("Result: FAIL")
	return fmt.Errorf("validation failed: %d error(s)", len(problems))
}

func main() {
	version := flag.Bool("version", false, "print version and exit")
	help := flag.Bool("help", false, "print help and exit")
	validate := flag.Bool("validate", false, "validate the environment configuration and exit")
	flag.Parse()
	if *help {
		flag.Usage()
		return
	}
	if *version {
		fmt.Println(BuildVersion)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		log.LogError("Failed to load config: %v", err)
		os.Exit(1)
	}

	if *validate {
		if err := validateConfig(cfg); err != nil {
			os.Exit(1)
		}
		return
	}

	if err := log.Configure(cfg.Log.Level, cfg.Log.Format); err != nil {
		log.LogError("Failed to configure logging: %v", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		log.LogError("Invalid configuration: %v", err)
		os.Exit(1)
	}

	log.LogInfoWithFields("main", "Starting clowdbot", map[string]any{
		"version": BuildVersion,
		"env":     cfg.Env,
	})

	ctx := context.Background()
	app, err := internal.NewClowdbot(ctx, cfg, BuildVersion)
	if err != nil {
		log.LogError("Failed to create clowdbot: %v", err)
		os.Exit(1)
	}

	if err := app.Run(ctx); err != nil {
		log.LogError("Server stopped with error: %v", err)
		os.Exit(1)
	}
}
