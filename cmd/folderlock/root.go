package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/forest6511/folderlock/internal/cli"
	"github.com/forest6511/folderlock/pkg/attempts"
	"github.com/forest6511/folderlock/pkg/audit"
	"github.com/forest6511/folderlock/pkg/config"
	"github.com/forest6511/folderlock/pkg/crypto"
	"github.com/forest6511/folderlock/pkg/locker"
	"github.com/forest6511/folderlock/pkg/permission"
)

// Global flags
var (
	configPath string
	strictFlag bool
	noACL      bool
	verbose    bool
)

// Replaced in tests.
var (
	appFs       afero.Fs = afero.NewOsFs()
	newPrompter          = func(out io.Writer) locker.Prompter { return cli.NewPrompter(out) }
)

var rootCmd = &cobra.Command{
	Use:   "folderlock",
	Short: "folderlock conceals a folder and gates it behind a password",
	Long: `folderlock hides a folder by renaming it with a marker prefix, stores a
bcrypt digest of its password inside it and hardens its permissions.
The folder is restored only after the password is verified.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default $FOLDERLOCK_HOME/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&strictFlag, "strict", false, "Deny all access to locked folders, not only delete/change")
	rootCmd.PersistentFlags().BoolVar(&noACL, "no-acl", false, "Skip permission hardening")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Print every step and debug logs")

	rootCmd.AddCommand(lockCmd)
	rootCmd.AddCommand(unlockCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyVerifyCmd)

	historyCmd.Flags().IntVar(&historyLimit, "limit", 50, "Maximum number of events to show")
	historyCmd.Flags().StringVar(&historySince, "since", "", "Show events since duration (e.g., 24h, 7d)")
}

// lockCmd locks a folder
var lockCmd = &cobra.Command{
	Use:   "lock [folder]",
	Short: "Conceal and protect a folder (default: current directory)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()
		return s.locker.Lock(folderArg(args))
	},
}

// unlockCmd unlocks a folder
var unlockCmd = &cobra.Command{
	Use:   "unlock [folder]",
	Short: "Verify the password and restore a locked folder",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()
		return s.locker.Unlock(folderArg(args))
	},
}

func folderArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

// session holds the collaborators of one command invocation.
type session struct {
	cfg     *config.Config
	logger  *zap.Logger
	home    string
	workDir string
	tracker *attempts.Tracker
	journal *audit.Logger
	locker  *locker.Locker
}

// openSession loads the config and wires the locker.
func openSession(cmd *cobra.Command) (*session, error) {
	logger := newLogger(cmd.ErrOrStderr(), verbose)

	home, err := config.HomeDir()
	if err != nil {
		return nil, err
	}
	if err := appFs.MkdirAll(home, 0700); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	path := configPath
	if path == "" {
		path = filepath.Join(home, config.FileName)
	}
	cfg, err := config.Load(appFs, path, logger)
	if err != nil {
		return nil, err
	}
	if strictFlag {
		cfg.StrictPermissions = true
	}

	workDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}

	codec, err := crypto.NewBcryptCodec(cfg.BcryptCost)
	if err != nil {
		return nil, err
	}

	var gate permission.Gate = permission.NopGate{}
	if !noACL {
		gate = permission.New(permission.Options{Fs: appFs, Strict: cfg.StrictPermissions, Logger: logger})
	}

	s := &session{cfg: cfg, logger: logger, home: home, workDir: workDir}

	s.tracker, err = attempts.Open(filepath.Join(home, attempts.DBFileName), cfg.Cooldown)
	if err != nil {
		return nil, err
	}
	if cfg.Journal {
		s.journal, err = audit.Open(appFs, filepath.Join(home, config.JournalDirName))
		if err != nil {
			s.Close()
			return nil, err
		}
	}

	lcfg := locker.Config{
		Fs:                    appFs,
		WorkDir:               workDir,
		Marker:                cfg.Marker,
		MetadataName:          cfg.MetadataFile,
		Codec:                 codec,
		Gate:                  gate,
		Prompter:              newPrompter(cmd.OutOrStdout()),
		Observer:              cli.NewProgress(cmd.OutOrStdout(), verbose),
		Logger:                logger,
		Tracker:               s.tracker,
		FailOnPermissionError: cfg.FailOnPermissionError,
	}
	if s.journal != nil {
		lcfg.Journal = s.journal
	}
	s.locker, err = locker.New(lcfg)
	if err != nil {
		s.Close()
		return nil, err
	}

	logger.Debug("session ready",
		zap.String("home", home),
		zap.String("config", path),
		zap.Bool("strict", cfg.StrictPermissions),
		zap.Bool("acl", !noACL))
	return s, nil
}

// Close releases the attempt database and flushes the logger.
func (s *session) Close() {
	if s.tracker != nil {
		if err := s.tracker.Close(); err != nil {
			s.logger.Warn("failed to close attempt database", zap.Error(err))
		}
	}
	_ = s.logger.Sync()
}

// newLogger builds a console logger without timestamps. Warn level by
// default, Debug when verbose.
func newLogger(w io.Writer, verbose bool) *zap.Logger {
	level := zapcore.WarnLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.TimeKey = ""
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(w), level)
	return zap.New(core)
}
