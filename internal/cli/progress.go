package cli

import (
	"fmt"
	"io"

	"github.com/forest6511/folderlock/pkg/locker"
)

// Progress prints locker events as status lines.
type Progress struct {
	out     io.Writer
	verbose bool
}

// NewProgress returns a Progress writing to out. Intermediate steps are only
// printed when verbose is set.
func NewProgress(out io.Writer, verbose bool) *Progress {
	return &Progress{out: out, verbose: verbose}
}

// OnEvent implements locker.Observer.
func (p *Progress) OnEvent(e locker.Event) {
	switch {
	case e.Err != nil:
		fmt.Fprintf(p.out, "Warning: %s: %v\n", e.Message, e.Err)
	case e.Step == locker.StepDone:
		fmt.Fprintf(p.out, "✓ %s: %s\n", capitalize(e.Message), e.Path)
	case e.Step == locker.StepSkipped:
		fmt.Fprintf(p.out, "%s: %s\n", capitalize(e.Message), e.Path)
	case p.verbose && e.Step != locker.StepPrompt:
		fmt.Fprintf(p.out, "  %s...\n", capitalize(e.Message))
	}
}

func capitalize(s string) string {
	if s == "" || s[0] < 'a' || s[0] > 'z' {
		return s
	}
	return string(s[0]-'a'+'A') + s[1:]
}

var _ locker.Observer = (*Progress)(nil)
