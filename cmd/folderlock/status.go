package main

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/forest6511/folderlock/internal/cli"
	"github.com/forest6511/folderlock/pkg/locker"
)

// statusCmd reports the lock state of folders
var statusCmd = &cobra.Command{
	Use:   "status [folder...]",
	Short: "Show whether folders are locked (accepts glob patterns)",
	Long: `Show the lock state of each folder: Unlocked, Locked or Inconsistent.

Glob patterns match folder names in the current directory, using the
visible name for locked folders:

  folderlock status 'Secrets*'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		folders := []string{""}
		if len(args) > 0 {
			names, err := folderNames(s.workDir, s.cfg.Marker)
			if err != nil {
				return err
			}
			if folders, err = cli.ExpandFolders(args, names); err != nil {
				return err
			}
		}

		out := cmd.OutOrStdout()
		for _, folder := range folders {
			t, err := s.locker.Status(folder)
			if err != nil {
				return err
			}
			line := fmt.Sprintf("%-12s %s", t.State, t.VisiblePath)
			if t.State == locker.Inconsistent {
				line += fmt.Sprintf(" (%s)", t.Detail)
			}
			fmt.Fprintln(out, line)
		}
		return nil
	},
}

// folderNames lists the visible names of the folders in dir.
func folderNames(dir, marker string) ([]string, error) {
	entries, err := afero.ReadDir(appFs, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return cli.VisibleNames(names, marker), nil
}
