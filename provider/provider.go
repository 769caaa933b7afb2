// Package provider describes the external agent CLIs the core can drive:
// how to find their binaries, how to build their command lines, and how to
// tell whether they are installed and authenticated.
package provider

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Kind identifies an agent CLI.
type Kind string

const (
	ClaudeCode Kind = "claude_code"
	Amp        Kind = "amp"
)

// Default is used when no provider is configured.
const Default = ClaudeCode

// ParseKind validates a provider name. The empty string selects Default.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case "":
		return Default, nil
	case ClaudeCode, Amp:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("%w: %s", ErrProviderNotFound, s)
	}
}

// Definition holds everything needed to launch and diagnose one provider.
// Paths beginning with "~/" are resolved against the user's home directory.
type Definition struct {
	Kind             Kind     `json:"kind" yaml:"kind" toml:"kind"`
	DisplayName      string   `json:"display_name" yaml:"display_name" toml:"display_name"`
	Binary           string   `json:"binary" yaml:"binary" toml:"binary"`
	Candidates       []string `json:"candidates,omitempty" yaml:"candidates,omitempty" toml:"candidates,omitempty"`
	InstallURL       string   `json:"install_url,omitempty" yaml:"install_url,omitempty" toml:"install_url,omitempty"`
	CredentialFiles  []string `json:"credential_files,omitempty" yaml:"credential_files,omitempty" toml:"credential_files,omitempty"`
	AuthInstructions string   `json:"auth_instructions,omitempty" yaml:"auth_instructions,omitempty" toml:"auth_instructions,omitempty"`
	AuthPhrases      []string `json:"auth_phrases,omitempty" yaml:"auth_phrases,omitempty" toml:"auth_phrases,omitempty"`
}

// Builtin returns the stock definition for kind.
func Builtin(kind Kind) (Definition, bool) {
	switch kind {
	case ClaudeCode:
		return Definition{
			Kind:        ClaudeCode,
			DisplayName: "Claude Code",
			Binary:      "claude",
			Candidates: []string{
				"~/.local/bin/claude",
				"/usr/local/bin/claude",
				"/opt/homebrew/bin/claude",
				"/usr/bin/claude",
			},
			InstallURL:       "https://claude.com/product/claude-code",
			CredentialFiles:  []string{"~/.claude/.credentials.json", "~/.claude.json"},
			AuthInstructions: "Run 'claude' in your terminal to authenticate",
			AuthPhrases: []string{
				"not logged in", "authentication", "invalid api key",
				"unauthorized", "please run 'claude'", "please run /login",
			},
		}, true
	case Amp:
		return Definition{
			Kind:        Amp,
			DisplayName: "Amp",
			Binary:      "amp",
			Candidates: []string{
				"~/.amp/bin/amp",
				"~/.local/bin/amp",
				"/usr/local/bin/amp",
				"/opt/homebrew/bin/amp",
				"/usr/bin/amp",
			},
			InstallURL:       "https://ampcode.com",
			CredentialFiles:  []string{"~/.config/amp/settings.json"},
			AuthInstructions: "Run 'amp login' to authenticate",
			AuthPhrases: []string{
				"not logged in", "authentication", "invalid api key",
				"unauthorized", "amp login", "please login",
			},
		}, true
	default:
		return Definition{}, false
	}
}

// BuildArgs returns the command-line arguments for a run. A non-empty
// resumeID continues that session instead of starting a new one.
func (d Definition) BuildArgs(prompt, resumeID string) []string {
	switch d.Kind {
	case Amp:
		var args []string
		if resumeID != "" {
			args = []string{"threads", "continue", resumeID, "-x"}
		} else {
			args = []string{"-x"}
		}
		return append(args, prompt, "--stream-json", "--dangerously-allow-all")
	default:
		args := []string{
			"-p",
			"--output-format", "stream-json",
			"--verbose",
			"--dangerously-skip-permissions",
		}
		if resumeID != "" {
			args = append(args, "--resume", resumeID)
		}
		return append(args, prompt)
	}
}

// NotInstalledMessage is the user-facing text for a missing binary.
func (d Definition) NotInstalledMessage() string {
	if d.InstallURL == "" {
		return fmt.Sprintf("%s is not installed", d.DisplayName)
	}
	return fmt.Sprintf("%s is not installed. Please install it from %s", d.DisplayName, d.InstallURL)
}

// NotLoggedInMessage is the user-facing text for a missing login.
func (d Definition) NotLoggedInMessage() string {
	return fmt.Sprintf("%s is not logged in. %s.", d.DisplayName, d.AuthInstructions)
}

// IsAuthError reports whether output looks like an authentication failure.
func (d Definition) IsAuthError(output string) bool {
	lower := strings.ToLower(output)
	for _, phrase := range d.AuthPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

func expandHome(path, home string) string {
	if home != "" && strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}
