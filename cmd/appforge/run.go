package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/metalagman/appforge/internal/app"
	"github.com/metalagman/appforge/internal/config"
	"github.com/metalagman/appforge/internal/logging"
	"github.com/metalagman/appforge/internal/model"
	"github.com/metalagman/appforge/internal/pipeline"
	"github.com/metalagman/appforge/internal/report"
	"github.com/metalagman/appforge/internal/tui"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const reportWidth = 100

func runCmd() *cobra.Command {
	var (
		requestFile   string
		blueprintFile string
		outDir        string
		noTUI         bool
	)
	cmd := &cobra.Command{
		Use:          "run [request]",
		Short:        "Generate an application from a request",
		Long:         "Generate an application from a request given as an argument, read from --file, or piped on stdin.",
		SilenceUsage: true,
		Args:         cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if outDir != "" {
				cfg.Output.Dir = outDir
			}
			fs := afero.NewOsFs()
			request, err := readRequest(fs, args, requestFile, cmd.InOrStdin())
			if err != nil {
				return err
			}
			bp, err := readBlueprint(fs, blueprintFile)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			interactive := !noTUI && isatty.IsTerminal(os.Stdout.Fd())
			res, err := execute(ctx, cfg, request, bp, out, interactive)
			if err != nil {
				return err
			}

			rendered, err := report.Render(res, reportWidth, interactive)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, report.Headline(res))
			fmt.Fprint(out, rendered)
			if res.Status == pipeline.StatusAborted {
				return errors.New(res.Reason)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&requestFile, "file", "f", "", "read the request from a file")
	cmd.Flags().StringVar(&blueprintFile, "blueprint", "", "YAML blueprint to generate from; skips planning")
	cmd.Flags().StringVarP(&outDir, "out", "o", "", "output directory (overrides output.dir)")
	cmd.Flags().BoolVar(&noTUI, "no-tui", false, "disable the live progress display")
	return cmd
}

func execute(ctx context.Context, cfg config.Config, request string, bp model.Blueprint, out io.Writer, interactive bool) (pipeline.Result, error) {
	var opts []app.Option
	var progress *tui.Progress
	if interactive {
		closeLog, err := redirectLogs(cfg)
		if err != nil {
			return pipeline.Result{}, err
		}
		defer closeLog()
		progress = tui.Start(out, request)
		opts = append(opts, app.WithObservers(progress))
	}

	a, err := app.New(ctx, cfg, opts...)
	if err != nil {
		if progress != nil {
			progress.Stop()
		}
		return pipeline.Result{}, err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Close(stopCtx)
	}()

	res, err := a.Run(ctx, request, bp)
	if progress != nil {
		if err != nil {
			progress.Stop()
		} else {
			progress.Wait()
		}
	}
	return res, err
}

// redirectLogs sends logs to a file next to the history database while
// the progress display owns the terminal.
func redirectLogs(cfg config.Config) (func(), error) {
	path := filepath.Join(filepath.Dir(cfg.History.DBPath), "appforge.log")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	logging.InitTo(f, debug)
	return func() {
		logging.Init(debug)
		_ = f.Close()
	}, nil
}

func readRequest(fs afero.Fs, args []string, file string, stdin io.Reader) (string, error) {
	var raw string
	switch {
	case len(args) == 1 && file != "":
		return "", errors.New("pass the request as an argument or with --file, not both")
	case len(args) == 1:
		raw = args[0]
	case file != "":
		data, err := afero.ReadFile(fs, file)
		if err != nil {
			return "", fmt.Errorf("read request: %w", err)
		}
		raw = string(data)
	default:
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read request: %w", err)
		}
		raw = string(data)
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", pipeline.ErrEmptyRequest
	}
	return raw, nil
}

func readBlueprint(fs afero.Fs, path string) (model.Blueprint, error) {
	if path == "" {
		return model.Blueprint{}, nil
	}
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return model.Blueprint{}, fmt.Errorf("read blueprint: %w", err)
	}
	var bp model.Blueprint
	if err := yaml.Unmarshal(data, &bp); err != nil {
		return model.Blueprint{}, fmt.Errorf("parse blueprint: %w", err)
	}
	if bp.Empty() {
		return model.Blueprint{}, fmt.Errorf("blueprint %s lists no files", path)
	}
	return bp, nil
}
