package passphrase

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Source lazily resolves a keystore passphrase from an environment variable or
// by prompting on the terminal. The value is cached after the first call.
type Source struct {
	envVar     string
	prompt     string
	allowEmpty bool

	once  sync.Once
	value string
	err   error
}

// NewSource returns a source that reads envVar before prompting with prompt.
func NewSource(envVar, prompt string) *Source {
	if strings.TrimSpace(prompt) == "" {
		prompt = "Enter keystore passphrase"
	}
	return &Source{envVar: strings.TrimSpace(envVar), prompt: prompt}
}

// AllowEmpty accepts an empty passphrase when neither the environment nor a
// terminal supplies one. Dev nodes write their generated keystore this way.
func (s *Source) AllowEmpty(allow bool) *Source {
	s.allowEmpty = allow
	return s
}

// Get returns the cached passphrase or resolves it on first use.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		if s.envVar != "" {
			if value, ok := os.LookupEnv(s.envVar); ok {
				if strings.TrimSpace(value) == "" && !s.allowEmpty {
					s.err = fmt.Errorf("%s is set but empty", s.envVar)
					return
				}
				s.value = value
				return
			}
		}

		if !term.IsTerminal(int(os.Stdin.Fd())) {
			if s.allowEmpty {
				return
			}
			if s.envVar != "" {
				s.err = fmt.Errorf("keystore passphrase required; set %s or run interactively", s.envVar)
			} else {
				s.err = errors.New("keystore passphrase required and no terminal available")
			}
			return
		}

		fmt.Fprintf(os.Stderr, "%s: ", s.prompt)
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			s.err = fmt.Errorf("failed to read passphrase: %w", err)
			return
		}
		passphrase := string(raw)
		if strings.TrimSpace(passphrase) == "" && !s.allowEmpty {
			s.err = errors.New("keystore passphrase cannot be empty")
			return
		}
		s.value = passphrase
	})
	return s.value, s.err
}

// Static returns a source that always yields value. Tests and scripted CLI
// calls use it.
func Static(value string) *Source {
	s := &Source{allowEmpty: true}
	s.once.Do(func() { s.value = value })
	return s
}
