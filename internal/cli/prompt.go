package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// Prompter reads secrets from the terminal, or line by line when stdin is
// not a terminal.
type Prompter struct {
	in     io.Reader
	out    io.Writer
	reader *bufio.Reader
}

// NewPrompter creates a prompter over in, writing prompts to out.
func NewPrompter(in io.Reader, out io.Writer) *Prompter {
	return &Prompter{in: in, out: out}
}

// Password prompts for a secret without echo.
func (p *Prompter) Password(label string) (string, error) {
	fmt.Fprintf(p.out, "%s: ", label)

	if f, ok := p.in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		defer fmt.Fprintln(p.out)
		raw, err := term.ReadPassword(int(f.Fd()))
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		defer clear(raw)
		if len(raw) == 0 {
			return "", errors.New("password cannot be empty")
		}
		return string(raw), nil
	}

	if p.reader == nil {
		p.reader = bufio.NewReader(p.in)
	}
	line, err := p.reader.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("password cannot be empty")
	}
	return line, nil
}

// NewPassword prompts twice and returns both entries.
func (p *Prompter) NewPassword() (string, string, error) {
	password, err := p.Password("New wallet password")
	if err != nil {
		return "", "", err
	}
	confirm, err := p.Password("Confirm password")
	if err != nil {
		return "", "", err
	}
	return password, confirm, nil
}
