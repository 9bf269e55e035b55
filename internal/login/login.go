// Package login provides the ways a run can obtain a fresh session cookie
// when the registration backend rejects the current one.
package login

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"golang.org/x/term"
)

// ErrNoRefresh is returned by Static: the configured cookie is all there is.
var ErrNoRefresh = errors.New("login: no way to obtain a new session cookie")

// Static never produces a new cookie.
type Static struct{}

func (Static) Login(context.Context, string, string) (string, error) {
	return "", ErrNoRefresh
}

// Command runs an external helper that signs in and prints the cookie on
// stdout. The username and password are passed through the environment
// as CLASSSWAP_USERNAME and CLASSSWAP_PASSWORD.
type Command struct {
	Argv []string
	// Stderr receives the helper's stderr. Nil discards it.
	Stderr io.Writer
}

func (c Command) Login(ctx context.Context, username, password string) (string, error) {
	if len(c.Argv) == 0 {
		return "", errors.New("login: empty login command")
	}
	cmd := exec.CommandContext(ctx, c.Argv[0], c.Argv[1:]...)
	cmd.Env = append(os.Environ(),
		"CLASSSWAP_USERNAME="+username,
		"CLASSSWAP_PASSWORD="+password,
	)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = c.Stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("login: %s: %w", c.Argv[0], err)
	}
	cookie := strings.TrimSpace(out.String())
	if cookie == "" {
		return "", fmt.Errorf("login: %s printed no cookie", c.Argv[0])
	}
	return cookie, nil
}

// Prompt asks the operator to sign in through a browser and paste the
// resulting cookie. Input is not echoed when In is a terminal.
type Prompt struct {
	In  *os.File
	Out io.Writer
}

// NewPrompt prompts on the process's stdin and stderr.
func NewPrompt() Prompt {
	return Prompt{In: os.Stdin, Out: os.Stderr}
}

// Interactive reports whether stdin can be used to prompt.
func Interactive() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

func (p Prompt) Login(ctx context.Context, username, _ string) (string, error) {
	who := username
	if who == "" {
		who = "your account"
	}
	fmt.Fprintf(p.Out, "\nSession expired. Sign in as %s in a browser and paste the cookie.\nCookie: ", who)

	// The read itself cannot be interrupted; the caller's timeout abandons
	// it and the goroutine finishes on the next line of input.
	type result struct {
		cookie string
		err    error
	}
	done := make(chan result, 1)
	go func() {
		cookie, err := p.read()
		done <- result{cookie, err}
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(p.Out)
		return "", ctx.Err()
	case res := <-done:
		if res.err != nil {
			return "", fmt.Errorf("login: reading cookie: %w", res.err)
		}
		if res.cookie == "" {
			return "", errors.New("login: empty cookie")
		}
		return res.cookie, nil
	}
}

func (p Prompt) read() (string, error) {
	fd := int(p.In.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(p.Out)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(p.In).ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
