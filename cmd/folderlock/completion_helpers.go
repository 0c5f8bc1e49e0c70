package main

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/forest6511/folderlock/pkg/config"
)

// completeFolders completes folder names of the working directory. A true
// state selects concealed folders (offered by visible name), false the
// others. single stops after the first argument.
func completeFolders(single bool, states ...bool) func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
	return func(_ *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		if single && len(args) > 0 {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}

		wd, err := os.Getwd()
		if err != nil {
			return nil, cobra.ShellCompDirectiveError
		}

		var names []string
		marker := completionMarker()
		for _, locked := range states {
			found, err := folderCandidates(wd, marker, locked, toComplete)
			if err != nil {
				return nil, cobra.ShellCompDirectiveError
			}
			names = append(names, found...)
		}
		sort.Strings(names)
		return names, cobra.ShellCompDirectiveNoFileComp
	}
}

// completionMarker reads the marker from the config file without prompting or
// logging. Errors fall back to the default.
func completionMarker() string {
	home, err := config.HomeDir()
	if err != nil {
		return config.DefaultMarker
	}
	path := configPath
	if path == "" {
		path = filepath.Join(home, config.FileName)
	}
	cfg, err := config.Load(appFs, path, zap.NewNop())
	if err != nil {
		return config.DefaultMarker
	}
	return cfg.Marker
}

// folderCandidates returns the visible names of the folders in dir that are
// locked (or unlocked) and start with prefix, ignoring case.
func folderCandidates(dir, marker string, locked bool, prefix string) ([]string, error) {
	entries, err := afero.ReadDir(appFs, dir)
	if err != nil {
		return nil, err
	}

	lowerPrefix := strings.ToLower(prefix)
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name, concealed := strings.CutPrefix(e.Name(), marker)
		if concealed && name == "" {
			continue
		}
		if concealed != locked {
			continue
		}
		if !concealed {
			name = e.Name()
		}
		if strings.HasPrefix(strings.ToLower(name), lowerPrefix) {
			names = append(names, name)
		}
	}
	return names, nil
}
