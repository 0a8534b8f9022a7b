package passphrase

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Source resolves the operator keystore passphrase once and caches it. The
// lookup order is the environment variable, a file named by <env>_FILE, and
// finally an interactive prompt.
type Source struct {
	envVar string
	prompt func() ([]byte, error)

	once  sync.Once
	value string
	err   error
}

// NewSource constructs a passphrase source keyed on envVar.
func NewSource(envVar string) *Source {
	return &Source{envVar: strings.TrimSpace(envVar), prompt: promptTerminal}
}

// Get returns the cached passphrase or resolves it on first use.
// Whitespace-only passphrases are rejected.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		s.value, s.err = s.resolve()
	})
	return s.value, s.err
}

func (s *Source) resolve() (string, error) {
	if s.envVar != "" {
		if value, ok := os.LookupEnv(s.envVar); ok {
			if strings.TrimSpace(value) == "" {
				return "", fmt.Errorf("%s is set but empty", s.envVar)
			}
			return value, nil
		}
		if path, ok := os.LookupEnv(s.envVar + "_FILE"); ok && strings.TrimSpace(path) != "" {
			raw, err := os.ReadFile(strings.TrimSpace(path))
			if err != nil {
				return "", fmt.Errorf("read %s_FILE: %w", s.envVar, err)
			}
			value := strings.TrimRight(string(raw), "\r\n")
			if strings.TrimSpace(value) == "" {
				return "", fmt.Errorf("%s_FILE points at an empty file", s.envVar)
			}
			return value, nil
		}
	}
	if s.prompt == nil {
		return "", errors.New("operator keystore passphrase required")
	}
	raw, err := s.prompt()
	if err != nil {
		if s.envVar != "" {
			return "", fmt.Errorf("%w; set %s", err, s.envVar)
		}
		return "", err
	}
	if strings.TrimSpace(string(raw)) == "" {
		return "", errors.New("operator keystore passphrase cannot be empty")
	}
	return string(raw), nil
}

func promptTerminal() ([]byte, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil, errors.New("operator keystore passphrase required and no terminal available")
	}
	fmt.Fprint(os.Stderr, "Enter operator keystore passphrase: ")
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to read passphrase: %w", err)
	}
	return raw, nil
}
