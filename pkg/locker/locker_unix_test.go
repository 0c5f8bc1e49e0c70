//go:build !windows

package locker

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/forest6511/folderlock/pkg/crypto"
	"github.com/forest6511/folderlock/pkg/metadata"
	"github.com/forest6511/folderlock/pkg/permission"
)

// TestRoundTripOnDiskRestoresMode runs lock and unlock against the real
// filesystem with the host permission gate.
func TestRoundTripOnDiskRestoresMode(t *testing.T) {
	old := unix.Umask(0022)
	t.Cleanup(func() { unix.Umask(old) })

	for _, strict := range []bool{false, true} {
		name := "deny change"
		if strict {
			name = "strict"
		}
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			shown := filepath.Join(dir, "Shared")
			hidden := filepath.Join(dir, ".Shared")
			require.NoError(t, os.Mkdir(shown, 0755))
			require.NoError(t, os.WriteFile(filepath.Join(shown, "note.txt"), []byte("hi"), 0644))

			fs := afero.NewOsFs()
			gate := permission.New(permission.Options{Fs: fs, Strict: strict})
			t.Cleanup(func() { _ = gate.Relax(hidden) })

			codec, err := crypto.NewBcryptCodec(4)
			require.NoError(t, err)
			prompter := &fakePrompter{newPassword: testPassword, password: otherPass}
			l, err := New(Config{Fs: fs, WorkDir: dir, Codec: codec, Gate: gate, Prompter: prompter})
			require.NoError(t, err)

			require.NoError(t, l.Lock("Shared"))
			require.NoDirExists(t, shown)

			// A wrong password leaves the folder protected.
			require.ErrorIs(t, l.Unlock("Shared"), ErrInvalidPassword)
			info, err := os.Stat(hidden)
			require.NoError(t, err)
			want := os.FileMode(permission.LockedDirMode)
			if strict {
				want = permission.StrictDirMode
			}
			require.Equal(t, want, info.Mode().Perm())

			prompter.password = testPassword
			require.NoError(t, l.Unlock("Shared"))

			info, err = os.Stat(shown)
			require.NoError(t, err)
			require.Equal(t, os.FileMode(0755), info.Mode().Perm())
			require.NoFileExists(t, filepath.Join(shown, metadata.DefaultFileName))

			data, err := os.ReadFile(filepath.Join(shown, "note.txt"))
			require.NoError(t, err)
			require.Equal(t, "hi", string(data))
		})
	}
}
