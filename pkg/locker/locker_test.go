package locker

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/forest6511/folderlock/pkg/attempts"
	"github.com/forest6511/folderlock/pkg/audit"
	"github.com/forest6511/folderlock/pkg/crypto"
	"github.com/forest6511/folderlock/pkg/metadata"
)

const (
	testPassword = "correct horse battery staple"
	otherPass    = "Tr0ub4dor&3"
)

var (
	workDir   = filepath.FromSlash("/home/u")
	visible   = filepath.Join(workDir, "Secrets")
	concealed = filepath.Join(workDir, ".Secrets")
	metaPath  = filepath.Join(concealed, metadata.DefaultFileName)
)

// recordingGate tracks which paths currently carry the protection profile.
type recordingGate struct {
	protected map[string]bool
	calls     []string
	applyErr  error
	relaxErr  error
}

func newRecordingGate() *recordingGate {
	return &recordingGate{protected: make(map[string]bool)}
}

func (g *recordingGate) Apply(path string) error {
	g.calls = append(g.calls, "apply:"+path)
	if g.applyErr != nil {
		return g.applyErr
	}
	g.protected[path] = true
	return nil
}

func (g *recordingGate) Relax(path string) error {
	g.calls = append(g.calls, "relax:"+path)
	if g.relaxErr != nil {
		return g.relaxErr
	}
	delete(g.protected, path)
	return nil
}

type fakePrompter struct {
	newPassword string
	newErr      error
	password    string
	err         error
	newCalls    int
	calls       int
}

func (p *fakePrompter) NewPassword(string) (string, error) {
	p.newCalls++
	return p.newPassword, p.newErr
}

func (p *fakePrompter) Password(string) (string, error) {
	p.calls++
	return p.password, p.err
}

// faultyStore injects failures into a real metadata store.
type faultyStore struct {
	*metadata.Store
	writeErr error
}

func (s *faultyStore) Write(dir, digest string) error {
	if s.writeErr != nil {
		return s.writeErr
	}
	return s.Store.Write(dir, digest)
}

// renameFailFs fails every rename.
type renameFailFs struct {
	afero.Fs
	err error
}

func (f renameFailFs) Rename(string, string) error { return f.err }

type harness struct {
	fs       afero.Fs
	gate     *recordingGate
	prompter *fakePrompter
	tracker  *attempts.Tracker
	journal  *audit.Logger
	events   []Event
	logs     *observer.ObservedLogs
	locker   *Locker
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	h := &harness{
		fs:       afero.NewMemMapFs(),
		gate:     newRecordingGate(),
		prompter: &fakePrompter{newPassword: testPassword, password: testPassword},
	}
	require.NoError(t, h.fs.MkdirAll(workDir, 0755))

	tracker, err := attempts.Open(filepath.Join(t.TempDir(), attempts.DBFileName), attempts.DefaultPolicy())
	require.NoError(t, err)
	t.Cleanup(func() { tracker.Close() })
	h.tracker = tracker

	h.journal, err = audit.Open(h.fs, filepath.FromSlash("/state/journal"))
	require.NoError(t, err)

	codec, err := crypto.NewBcryptCodec(4)
	require.NoError(t, err)

	core, logs := observer.New(zapcore.WarnLevel)
	h.logs = logs

	cfg := Config{
		Fs:       h.fs,
		WorkDir:  workDir,
		Codec:    codec,
		Gate:     h.gate,
		Prompter: h.prompter,
		Observer: ObserverFunc(func(e Event) { h.events = append(h.events, e) }),
		Logger:   zap.New(core),
		Tracker:  h.tracker,
		Journal:  h.journal,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	h.locker, err = New(cfg)
	require.NoError(t, err)
	return h
}

func (h *harness) exists(t *testing.T, path string) bool {
	t.Helper()
	ok, err := afero.Exists(h.fs, path)
	require.NoError(t, err)
	return ok
}

func (h *harness) digest(t *testing.T) string {
	t.Helper()
	data, err := afero.ReadFile(h.fs, metaPath)
	require.NoError(t, err)
	return string(data)
}

func (h *harness) journalOps(t *testing.T) []string {
	t.Helper()
	events, err := h.journal.ListEvents(0, time.Time{})
	require.NoError(t, err)
	ops := make([]string, 0, len(events))
	for _, e := range events {
		ops = append(ops, e.Operation)
	}
	return ops
}

// snapshot lists every path under the work directory.
func (h *harness) snapshot(t *testing.T) []string {
	t.Helper()
	var paths []string
	err := afero.Walk(h.fs, workDir, func(path string, _ os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		paths = append(paths, path)
		return nil
	})
	require.NoError(t, err)
	sort.Strings(paths)
	return paths
}

func TestNewRequiresWorkDirAndPrompter(t *testing.T) {
	_, err := New(Config{Prompter: &fakePrompter{}})
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(Config{WorkDir: workDir})
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(Config{WorkDir: workDir, Prompter: &fakePrompter{}, MetadataName: "a/b"})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestResolve(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name          string
		path          string
		wantVisible   string
		wantConcealed string
	}{
		{"empty uses work dir", "", workDir, filepath.Join(filepath.Dir(workDir), ".u")},
		{"relative", "Secrets", visible, concealed},
		{"nested relative", filepath.Join("a", "b"), filepath.Join(workDir, "a", "b"), filepath.Join(workDir, "a", ".b")},
		{"cleaned", filepath.Join("x", "..", "Secrets"), visible, concealed},
		{"trailing separator", "Secrets" + string(filepath.Separator), visible, concealed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := h.locker.Resolve(tt.path)
			require.NoError(t, err)
			require.Equal(t, tt.wantVisible, got.VisiblePath)
			require.Equal(t, tt.wantConcealed, got.ConcealedPath)

			again, err := h.locker.Resolve(tt.path)
			require.NoError(t, err)
			require.Equal(t, got, again)
		})
	}
}

func TestResolveInvalidNames(t *testing.T) {
	h := newHarness(t)
	for _, path := range []string{".", "..", filepath.Join("x", ".."), string(filepath.Separator), filepath.Join(workDir, "..", "..", "..")} {
		t.Run(path, func(t *testing.T) {
			_, err := h.locker.Resolve(path)
			require.ErrorIs(t, err, ErrInvalidFolderName)
		})
	}

	custom := newHarness(t, func(c *Config) { c.Marker = "_" })
	_, err := custom.locker.Resolve("_")
	require.ErrorIs(t, err, ErrInvalidFolderName)

	got, err := custom.locker.Resolve("Secrets")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(workDir, "_Secrets"), got.ConcealedPath)
}

func TestLockUnlockRoundTrip(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.fs.MkdirAll(filepath.Join(visible, "docs"), 0755))
	require.NoError(t, afero.WriteFile(h.fs, filepath.Join(visible, "docs", "plan.txt"), []byte("top secret"), 0644))

	require.NoError(t, h.locker.Lock("Secrets"))

	require.False(t, h.exists(t, visible), "visible path must be gone after lock")
	require.True(t, h.exists(t, concealed))
	require.Regexp(t, `^\$2[aby]\$04\$`, h.digest(t))
	require.True(t, h.gate.protected[concealed])

	status, err := h.locker.Status("Secrets")
	require.NoError(t, err)
	require.Equal(t, Locked, status.State)

	require.NoError(t, h.locker.Unlock("Secrets"))

	require.True(t, h.exists(t, visible))
	require.False(t, h.exists(t, concealed))
	require.False(t, h.exists(t, filepath.Join(visible, metadata.DefaultFileName)), "metadata must be removed")
	require.False(t, h.gate.protected[concealed])

	data, err := afero.ReadFile(h.fs, filepath.Join(visible, "docs", "plan.txt"))
	require.NoError(t, err)
	require.Equal(t, "top secret", string(data))

	require.Equal(t, []string{audit.OpFolderLock, audit.OpFolderUnlock}, h.journalOps(t))
}

func TestLockCreatesMissingFolder(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.locker.Lock("Secrets"))

	info, err := h.fs.Stat(concealed)
	require.NoError(t, err)
	require.True(t, info.IsDir())
	require.False(t, h.exists(t, visible))
	require.NotEmpty(t, h.digest(t))
}

func TestLockLeavesExactlyOneEntry(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.fs.Mkdir(visible, 0755))

	require.NoError(t, h.locker.Lock("Secrets"))

	entries, err := afero.ReadDir(h.fs, workDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, ".Secrets", entries[0].Name())
}

func TestUnlockWrongPassword(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.fs.Mkdir(visible, 0755))
	require.NoError(t, h.locker.Lock("Secrets"))
	digest := h.digest(t)
	before := h.snapshot(t)

	h.prompter.password = otherPass
	err := h.locker.Unlock("Secrets")
	require.ErrorIs(t, err, ErrInvalidPassword)
	require.NotErrorIs(t, err, ErrPasswordOperationFailed)

	require.Equal(t, before, h.snapshot(t))
	require.Equal(t, digest, h.digest(t))
	require.True(t, h.gate.protected[concealed], "protection must be restored")

	state, err := h.tracker.Get(visible)
	require.NoError(t, err)
	require.Equal(t, 1, state.FailedAttempts)
	require.Equal(t, []string{audit.OpFolderLock, audit.OpFolderUnlockFailed}, h.journalOps(t))

	// The correct password still works afterwards and clears the record.
	h.prompter.password = testPassword
	require.NoError(t, h.locker.Unlock("Secrets"))
	state, err = h.tracker.Get(visible)
	require.NoError(t, err)
	require.Zero(t, state.FailedAttempts)
}

func TestDoubleLockIsNoOp(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.fs.Mkdir(visible, 0755))
	require.NoError(t, h.locker.Lock("Secrets"))
	digest := h.digest(t)

	h.prompter.newPassword = otherPass
	require.NoError(t, h.locker.Lock("Secrets"))

	require.Equal(t, 1, h.prompter.newCalls, "second lock must not prompt")
	require.Equal(t, digest, h.digest(t))
	require.Equal(t, []string{audit.OpFolderLock, audit.OpFolderLockSkipped}, h.journalOps(t))
	require.Zero(t, h.logs.Len(), "clean lock must not warn")
}

func TestDoubleLockWarnsWhenInconsistent(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.fs.Mkdir(concealed, 0700))

	require.NoError(t, h.locker.Lock("Secrets"))

	entries := h.logs.FilterMessage("locked folder is in an inconsistent state").All()
	require.Len(t, entries, 1)
	require.Equal(t, "metadata file is missing", entries[0].ContextMap()["detail"])
	require.Zero(t, h.prompter.newCalls)
}

func TestUnlockWithoutLock(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.fs.Mkdir(visible, 0755))
	before := h.snapshot(t)

	err := h.locker.Unlock("Secrets")
	require.ErrorIs(t, err, ErrFolderNotLocked)

	require.Equal(t, before, h.snapshot(t))
	require.Empty(t, h.gate.calls)
	require.Zero(t, h.prompter.calls)

	err = h.locker.Unlock("Missing")
	require.ErrorIs(t, err, ErrFolderNotLocked)
}

func TestUnlockInconsistentState(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.fs.Mkdir(visible, 0755))
	require.NoError(t, h.locker.Lock("Secrets"))
	require.NoError(t, h.fs.Mkdir(visible, 0755))
	before := h.snapshot(t)
	calls := len(h.gate.calls)

	err := h.locker.Unlock("Secrets")
	require.ErrorIs(t, err, ErrInconsistentState)
	require.Equal(t, before, h.snapshot(t))
	require.Len(t, h.gate.calls, calls)
	require.Zero(t, h.prompter.calls)
}

func TestUnlockMissingMetadata(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.fs.Mkdir(concealed, 0700))

	err := h.locker.Unlock("Secrets")
	require.ErrorIs(t, err, ErrMetadataNotFound)
	require.ErrorIs(t, err, ErrFileOperationFailed)
	require.NotErrorIs(t, err, ErrFolderNotLocked)

	var fileErr *FileError
	require.ErrorAs(t, err, &fileErr)
	require.Equal(t, FileRead, fileErr.Operation)
	require.True(t, h.exists(t, concealed))
	require.True(t, h.gate.protected[concealed])
}

func TestUnlockMalformedDigest(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.fs.Mkdir(concealed, 0700))
	require.NoError(t, afero.WriteFile(h.fs, metaPath, []byte("not-a-digest"), 0600))

	err := h.locker.Unlock("Secrets")
	require.ErrorIs(t, err, ErrPasswordOperationFailed)
	require.ErrorIs(t, err, crypto.ErrMalformedDigest)
	require.NotErrorIs(t, err, ErrInvalidPassword)

	var pwErr *PasswordError
	require.ErrorAs(t, err, &pwErr)
	require.Equal(t, PasswordVerify, pwErr.Operation)
	require.True(t, h.exists(t, metaPath))
}

func TestUnlockCooldown(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.tracker.Close())
	tracker, err := attempts.Open(filepath.Join(t.TempDir(), attempts.DBFileName),
		attempts.Policy{{Failures: 2, Cooldown: time.Hour}})
	require.NoError(t, err)
	t.Cleanup(func() { tracker.Close() })
	h.locker.tracker = tracker

	require.NoError(t, h.fs.Mkdir(visible, 0755))
	require.NoError(t, h.locker.Lock("Secrets"))

	h.prompter.password = otherPass
	require.ErrorIs(t, h.locker.Unlock("Secrets"), ErrInvalidPassword)
	err = h.locker.Unlock("Secrets")
	require.ErrorIs(t, err, ErrInvalidPassword)
	require.Contains(t, err.Error(), "further attempts blocked")

	before := h.snapshot(t)
	calls, prompts := len(h.gate.calls), h.prompter.calls

	h.prompter.password = testPassword
	err = h.locker.Unlock("Secrets")
	require.ErrorIs(t, err, ErrCooldownActive)
	require.Equal(t, before, h.snapshot(t))
	require.Len(t, h.gate.calls, calls, "cooldown must not touch permissions")
	require.Equal(t, prompts, h.prompter.calls, "cooldown must not prompt")

	ops := h.journalOps(t)
	require.Equal(t, audit.OpFolderUnlockBlocked, ops[len(ops)-1])
}

func TestPermissionFailureIsNonFatal(t *testing.T) {
	h := newHarness(t)
	h.gate.applyErr = errors.New("icacls: access denied")
	require.NoError(t, h.fs.Mkdir(visible, 0755))

	require.NoError(t, h.locker.Lock("Secrets"))
	require.True(t, h.exists(t, concealed))
	require.Equal(t, 1, h.logs.FilterMessage("failed to apply protection").Len())

	var warned bool
	for _, e := range h.events {
		if e.Step == StepProtect && e.Err != nil {
			warned = true
		}
	}
	require.True(t, warned, "observer must see the permission warning")

	h.gate.applyErr = nil
	h.gate.relaxErr = errors.New("icacls: access denied")
	require.NoError(t, h.locker.Unlock("Secrets"))
	require.True(t, h.exists(t, visible))
	require.Equal(t, 1, h.logs.FilterMessage("failed to relax protection").Len())
}

func TestFailOnPermissionError(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.FailOnPermissionError = true })
	h.gate.applyErr = errors.New("icacls: access denied")
	require.NoError(t, h.fs.Mkdir(visible, 0755))

	err := h.locker.Lock("Secrets")
	require.ErrorIs(t, err, ErrPermissionOperationFailed)
	var permErr *PermissionError
	require.ErrorAs(t, err, &permErr)
	require.Equal(t, PermissionApply, permErr.Operation)
	require.Equal(t, concealed, permErr.Path)

	// The folder is still locked and can be unlocked.
	require.True(t, h.exists(t, metaPath))
	h.gate.applyErr = nil
	require.NoError(t, h.locker.Unlock("Secrets"))

	h.gate.relaxErr = errors.New("icacls: access denied")
	require.NoError(t, h.locker.Lock("Secrets"))
	prompts := h.prompter.calls
	err = h.locker.Unlock("Secrets")
	require.ErrorIs(t, err, ErrPermissionOperationFailed)
	require.Equal(t, prompts, h.prompter.calls, "relax failure must stop before prompting")
	require.True(t, h.exists(t, metaPath))
}

func TestLockPasswordInputFailure(t *testing.T) {
	h := newHarness(t)
	h.prompter.newErr = errors.New("passwords do not match")
	require.NoError(t, h.fs.Mkdir(visible, 0755))

	err := h.locker.Lock("Secrets")
	require.ErrorIs(t, err, ErrPasswordOperationFailed)
	var pwErr *PasswordError
	require.ErrorAs(t, err, &pwErr)
	require.Equal(t, PasswordInput, pwErr.Operation)

	require.True(t, h.exists(t, visible))
	require.False(t, h.exists(t, concealed))
	require.Empty(t, h.gate.calls)
}

func TestLockHashFailure(t *testing.T) {
	h := newHarness(t)
	h.prompter.newPassword = ""
	require.NoError(t, h.fs.Mkdir(visible, 0755))

	err := h.locker.Lock("Secrets")
	require.ErrorIs(t, err, ErrPasswordOperationFailed)
	require.ErrorIs(t, err, crypto.ErrEmptyPassword)
	require.True(t, h.exists(t, visible))
}

func TestLockRenameFailure(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.fs.Mkdir(visible, 0755))
	renameErr := errors.New("device busy")
	h.locker.fs = renameFailFs{Fs: h.fs, err: renameErr}

	err := h.locker.Lock("Secrets")
	require.ErrorIs(t, err, ErrFileOperationFailed)
	require.ErrorIs(t, err, renameErr)
	var fileErr *FileError
	require.ErrorAs(t, err, &fileErr)
	require.Equal(t, FileRename, fileErr.Operation)
	require.Equal(t, visible, fileErr.Path)

	require.True(t, h.exists(t, visible))
	require.Empty(t, h.gate.calls)
}

func TestLockWriteFailure(t *testing.T) {
	writeErr := errors.New("disk full")
	h := newHarness(t)
	store, err := metadata.New(h.fs, metadata.DefaultFileName, nil, nil)
	require.NoError(t, err)
	h.locker.store = &faultyStore{Store: store, writeErr: writeErr}
	require.NoError(t, h.fs.Mkdir(visible, 0755))

	err = h.locker.Lock("Secrets")
	require.ErrorIs(t, err, ErrFileOperationFailed)
	require.ErrorIs(t, err, writeErr)
	var fileErr *FileError
	require.ErrorAs(t, err, &fileErr)
	require.Equal(t, FileWrite, fileErr.Operation)

	// Concealed but unprotected, not rolled back.
	require.True(t, h.exists(t, concealed))
	require.Empty(t, h.gate.calls)
}

func TestLockRejectsRegularFile(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, afero.WriteFile(h.fs, visible, []byte("x"), 0644))

	err := h.locker.Lock("Secrets")
	require.ErrorIs(t, err, ErrNotDirectory)
	require.Zero(t, h.prompter.newCalls)
}

func TestDigestsDifferButBothVerify(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.locker.Lock("One"))
	require.NoError(t, h.locker.Lock("Two"))

	read := func(name string) string {
		data, err := afero.ReadFile(h.fs, filepath.Join(workDir, name, metadata.DefaultFileName))
		require.NoError(t, err)
		return string(data)
	}
	d1, d2 := read(".One"), read(".Two")
	require.NotEqual(t, d1, d2)

	for _, d := range []string{d1, d2} {
		ok, err := h.locker.codec.Verify(testPassword, d)
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func TestStatus(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.fs.Mkdir(filepath.Join(workDir, "Open"), 0755))
	require.NoError(t, h.locker.Lock("Closed"))
	require.NoError(t, h.fs.Mkdir(filepath.Join(workDir, "Both"), 0755))
	require.NoError(t, h.fs.Mkdir(filepath.Join(workDir, ".Both"), 0755))
	require.NoError(t, h.fs.Mkdir(filepath.Join(workDir, ".Bare"), 0755))

	tests := []struct {
		folder string
		want   State
	}{
		{"Open", Unlocked},
		{"Closed", Locked},
		{"Both", Inconsistent},
		{"Bare", Inconsistent},
		{"Nowhere", Inconsistent},
	}
	for _, tt := range tests {
		t.Run(tt.folder, func(t *testing.T) {
			got, err := h.locker.Status(tt.folder)
			require.NoError(t, err)
			require.Equal(t, tt.want, got.State, got.Detail)
			if tt.want == Inconsistent {
				require.NotEmpty(t, got.Detail)
			}
		})
	}
}

func TestObserverEventOrder(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.fs.Mkdir(visible, 0755))

	var ops []Op
	steps := func() []Step {
		out := make([]Step, 0, len(h.events))
		for _, e := range h.events {
			out = append(out, e.Step)
			ops = append(ops, e.Op)
		}
		h.events = nil
		return out
	}

	require.NoError(t, h.locker.Lock("Secrets"))
	require.Equal(t, []Step{StepPrompt, StepHash, StepConceal, StepWriteMetadata, StepProtect, StepDone}, steps())

	require.NoError(t, h.locker.Lock("Secrets"))
	require.Equal(t, []Step{StepSkipped}, steps())

	h.prompter.password = otherPass
	require.Error(t, h.locker.Unlock("Secrets"))
	require.Equal(t, []Step{StepRelax, StepPrompt, StepVerify, StepProtect}, steps())

	h.prompter.password = testPassword
	require.NoError(t, h.locker.Unlock("Secrets"))
	require.Equal(t, []Step{StepRelax, StepPrompt, StepVerify, StepRemoveMetadata, StepReveal, StepDone}, steps())

	for i, op := range ops {
		want := OpUnlock
		if i < 7 {
			want = OpLock
		}
		require.Equal(t, want, op, "event %d", i)
	}
}

func TestStateString(t *testing.T) {
	require.Equal(t, "Unlocked", Unlocked.String())
	require.Equal(t, "Locked", Locked.String())
	require.Equal(t, "Inconsistent", Inconsistent.String())
	require.Equal(t, "Unknown", State(42).String())
}
