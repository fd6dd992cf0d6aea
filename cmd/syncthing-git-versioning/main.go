package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rbasak/syncthing-git-versioning/internal/capture"
	"github.com/rbasak/syncthing-git-versioning/internal/config"
	"github.com/rbasak/syncthing-git-versioning/internal/git"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	os.Exit(execute(os.Args[1:], os.Stderr))
}

// execute runs the root command and maps its error onto an exit code.
// Capture failures are already logged by runCapture.
func execute(args []string, stderr io.Writer) int {
	rootCmd.SetArgs(args)
	rootCmd.SetErr(stderr)

	err := rootCmd.Execute()
	code := capture.ExitCode(err)
	if code == capture.ExitFailure {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
	}
	return code
}

var rootCmd = &cobra.Command{
	Use:   "syncthing-git-versioning GIT_WORKING_TREE SYNC_FOLDER FILE_PATH",
	Short: "Record Syncthing file changes as git commits",
	Long: `syncthing-git-versioning is a Syncthing external versioning command. Each time
Syncthing is about to replace or delete a file, it copies the file's current
state into a git working tree and commits it if anything changed.

Configure it in Syncthing as:

  syncthing-git-versioning /path/to/repo %FOLDER_PATH% %FILE_PATH%

The synchronized file is only ever read. Settings come from the file named by
$SYNCTHING_GIT_VERSIONING_CONFIG or from syncthing-git-versioning/config.yaml
in the XDG config directories.`,
	Args: cobra.ExactArgs(3),

	// File names starting with a dash are paths, not flags
	DisableFlagParsing: true,
	SilenceUsage:       true,
	SilenceErrors:      true,
	RunE:               runCapture,
}

func runCapture(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	cfg, cfgPath, err := config.Discover()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := setupLogger(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr())
	logger.Debug("syncthing-git-versioning", "version", version, "commit", commit, "built", date)
	if cfgPath != "" {
		logger.Debug("configuration loaded",
			"path", cfgPath,
			"git_binary", cfg.Git.Binary,
			"annex", cfg.Git.Annex,
			"transfer", cfg.Transfer.Mode,
			"lock", cfg.LockEnabled())
	}

	gitClient := git.NewShellClient(cfg.Git.Binary, args[0])
	pipeline := capture.NewPipeline(cfg, gitClient, logger)

	result, err := pipeline.Run(ctx, capture.Args{
		WorkTree:   args[0],
		SyncFolder: args[1],
		FilePath:   args[2],
	})
	if err != nil {
		logger.Error("capture failed",
			"file", args[2],
			"state", result.FailedAt,
			"exit_code", capture.ExitCode(err),
			"error", err)
		return err
	}

	return nil
}

// setupLogger builds the process logger. Syncthing collects the hook's
// stderr, so everything goes there.
func setupLogger(logLevel, logFormat string, w io.Writer) *slog.Logger {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}
