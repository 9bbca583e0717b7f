// Command yawl is the workflow engine binary: it loads YAWL
// specifications, runs cases through the Petri-net kernel, and serves
// interfaces A, B, and E over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"

	"github.com/yawlengine/yawl/cmd/yawl/container"
	"github.com/yawlengine/yawl/cmd/yawl/faults"
	"github.com/yawlengine/yawl/cmd/yawl/routes"
	"github.com/yawlengine/yawl/cmd/yawl/spec"
	"github.com/yawlengine/yawl/common/config"
	"github.com/yawlengine/yawl/common/logger"
	"github.com/yawlengine/yawl/common/server"
)

// version is stamped by the build.
var version = "dev"

// Exit codes for yawl serve.
const (
	exitOK     = 0
	exitConfig = 1
	exitLog    = 2
	exitBind   = 3
)

// exitError carries a process exit code up through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	root := &cobra.Command{
		Use:           "yawl",
		Short:         "YAWL workflow engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newValidateCmd(), newVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "yawl:", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(exitConfig)
	}
}

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine and serve interfaces A, B, and E",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")
	return cmd
}

func serve(configPath string) error {
	cfg, err := config.Load("yawl", configPath)
	if err != nil {
		return &exitError{exitConfig, err}
	}
	log := logger.New(cfg.Service.LogLevel, cfg.Service.LogFormat)
	log.Info("engine starting", "version", version, "port", cfg.Service.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ct, err := container.New(ctx, cfg, log)
	if err != nil {
		if faults.Is(err, faults.KindLog) {
			return &exitError{exitLog, err}
		}
		return &exitError{exitConfig, err}
	}
	defer ct.Shutdown()

	// The log is the source of truth: every active case is rebuilt from
	// it before the first request is accepted.
	if err := ct.Registry.Recover(ctx); err != nil {
		return &exitError{exitLog, fmt.Errorf("recovery failed: %w", err)}
	}

	if bridge := ct.Hub.Bridge(); bridge != nil {
		go bridge.Run(ctx)
	}
	go ct.Sweeper.Start(ctx)
	go ct.ObserveMetrics(ctx)
	ct.Telemetry.Start()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(echomw.CORS())
	routes.Register(e, ct)

	srv := server.New(cfg.Service.Name, cfg.Service.Port, e, log)
	if err := srv.Start(); err != nil {
		if errors.Is(err, server.ErrBind) {
			return &exitError{exitBind, err}
		}
		return &exitError{exitConfig, err}
	}

	log.Info("engine stopped")
	return nil
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <spec.xml>",
		Short: "Validate a specification file without loading it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			source, err := os.ReadFile(args[0])
			if err != nil {
				return &exitError{exitConfig, err}
			}

			s, diags, err := spec.XMLParser{}.Parse(source)
			if err != nil {
				return &exitError{exitConfig, fmt.Errorf("parse failed: %w", err)}
			}
			for _, d := range diags {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\n", d)
			}
			if spec.HasFatal(diags) {
				return &exitError{exitConfig, fmt.Errorf("specification %s is invalid", args[0])}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s valid: %d net(s), %d diagnostic(s)\n", s.ID.Key(), len(s.Nets), len(diags))
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the engine version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "yawl", version)
		},
	}
}
