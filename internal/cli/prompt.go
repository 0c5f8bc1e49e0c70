// Package cli provides the terminal collaborators of the folderlock commands:
// password prompts and progress output.
package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"

	"github.com/forest6511/folderlock/pkg/crypto"
	"github.com/forest6511/folderlock/pkg/security"
)

// Errors
var (
	ErrPasswordMismatch = errors.New("passwords do not match")
	ErrPasswordRejected = errors.New("password rejected")
)

// ReadFunc reads one line of hidden input from fd.
type ReadFunc func(fd int) ([]byte, error)

// Prompter reads passwords from the terminal without echo.
type Prompter struct {
	fd   int
	out  io.Writer
	read ReadFunc
}

// NewPrompter returns a Prompter reading from stdin and writing prompts to
// out.
func NewPrompter(out io.Writer) *Prompter {
	return &Prompter{fd: int(os.Stdin.Fd()), out: out, read: term.ReadPassword}
}

// NewPassword asks for a password twice, rejects a mismatch and reports the
// strength of the accepted password.
func (p *Prompter) NewPassword(folder string) (string, error) {
	first, err := p.prompt(fmt.Sprintf("Enter password for %s: ", folder))
	defer crypto.SecureWipe(first)
	if err != nil {
		return "", err
	}
	second, err := p.prompt("Confirm password: ")
	defer crypto.SecureWipe(second)
	if err != nil {
		return "", err
	}
	if string(first) != string(second) {
		return "", ErrPasswordMismatch
	}

	result := security.ValidatePassword(string(first))
	if !result.Valid {
		return "", fmt.Errorf("%w: %s", ErrPasswordRejected, result.Warnings[0])
	}
	fmt.Fprintf(p.out, "Password strength: %s\n", result.Strength)
	for _, warning := range result.Warnings {
		fmt.Fprintf(p.out, "Warning: %s\n", warning)
	}
	return string(first), nil
}

// Password asks for the password of a locked folder.
func (p *Prompter) Password(folder string) (string, error) {
	pw, err := p.prompt(fmt.Sprintf("Enter password for %s: ", folder))
	defer crypto.SecureWipe(pw)
	if err != nil {
		return "", err
	}
	return string(pw), nil
}

func (p *Prompter) prompt(label string) ([]byte, error) {
	fmt.Fprint(p.out, label)
	pw, err := p.read(p.fd)
	fmt.Fprintln(p.out)
	if err != nil {
		return nil, fmt.Errorf("failed to read password: %w", err)
	}
	return pw, nil
}
