package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"alertbridge/internal/app"
	"alertbridge/internal/clock"
	"alertbridge/internal/config"
)

// main starts alertbridge using file or directory config source.
// Params: CLI flags (--config-file or --config-dir).
// Returns: exit code 2 for invalid configuration, 1 for runtime failures.
func main() {
	var (
		configFile = flag.String("config-file", "", "path to one TOML config file")
		configDir  = flag.String("config-dir", "", "path to directory with TOML config fragments")
	)
	flag.Parse()

	source, err := config.FromCLI(*configFile, *configDir)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}

	service, err := app.NewService(source, clock.RealClock{})
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "service init failed:", err.Error())
		var configErr *app.ConfigError
		if errors.As(err, &configErr) {
			os.Exit(2)
		}
		os.Exit(1)
	}

	if err := service.Run(context.Background()); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "service run failed:", err.Error())
		os.Exit(1)
	}
}
