// Package git fetches app sources with short-lived credential injection.
package git

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/sungreong/openstream-gallery/internal/fault"
)

// Auth carries decrypted clone credentials. The zero value clones anonymously.
// Secrets live only for the duration of the clone.
type Auth struct {
	Kind     string
	Username string
	Secret   string
}

const (
	// AuthToken authenticates over HTTPS with a personal access token.
	AuthToken = "token"
	// AuthSSHKey authenticates with a private key written to a temp file for
	// the duration of the clone.
	AuthSSHKey = "ssh_key"
)

// CloneResult reports what a successful clone checked out.
type CloneResult struct {
	CommitHash string
}

// ShortCommit abbreviates a full commit hash for image tags.
func ShortCommit(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}

// Clone fetches a shallow single-branch copy of the repository into dest and
// reports the checked-out commit. An empty branch clones the remote default.
func Clone(ctx context.Context, repoURL, branch, dest string, auth Auth) (CloneResult, error) {
	if strings.TrimSpace(repoURL) == "" {
		return CloneResult{}, fault.New(fault.KindInvalidInput, "repository URL cannot be empty")
	}
	if dest == "" {
		return CloneResult{}, fault.New(fault.KindInvalidInput, "clone destination cannot be empty")
	}

	cloneURL := repoURL
	env := append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	switch auth.Kind {
	case AuthToken:
		rewritten, err := injectToken(repoURL, auth.Username, auth.Secret)
		if err != nil {
			return CloneResult{}, err
		}
		cloneURL = rewritten
	case AuthSSHKey:
		keyPath, cleanup, err := writeTempKey(auth.Secret)
		if err != nil {
			return CloneResult{}, err
		}
		defer cleanup()
		env = append(env, fmt.Sprintf(
			"GIT_SSH_COMMAND=ssh -i %s -o StrictHostKeyChecking=no -o UserKnownHostsFile=/dev/null", keyPath))
	case "":
	default:
		return CloneResult{}, fault.New(fault.KindInvalidInput, "unsupported auth kind %q", auth.Kind)
	}

	args := []string{"clone", "--depth", "1", "--single-branch"}
	if branch != "" {
		args = append(args, "--branch", branch)
	}
	args = append(args, cloneURL, ".")

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dest
	cmd.Env = env
	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return CloneResult{}, ctxErr
		}
		return CloneResult{}, classifyCloneFailure(err, string(output))
	}

	hash, err := headCommit(ctx, dest)
	if err != nil {
		return CloneResult{}, err
	}
	return CloneResult{CommitHash: hash}, nil
}

// injectToken rewrites an HTTPS clone URL to carry userinfo credentials.
func injectToken(repoURL, username, token string) (string, error) {
	parsed, err := url.Parse(repoURL)
	if err != nil {
		return "", fault.New(fault.KindInvalidInput, "parse repository URL: %v", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fault.New(fault.KindInvalidInput, "token auth requires an http(s) repository URL")
	}
	if token == "" {
		return "", fault.New(fault.KindInvalidInput, "token auth requires a token")
	}
	if username == "" {
		username = "oauth2"
	}
	parsed.User = url.UserPassword(username, token)
	return parsed.String(), nil
}

func writeTempKey(key string) (string, func(), error) {
	if strings.TrimSpace(key) == "" {
		return "", nil, fault.New(fault.KindInvalidInput, "ssh auth requires a private key")
	}
	dir, err := os.MkdirTemp("", "gallery-sshkey-")
	if err != nil {
		return "", nil, fmt.Errorf("create key dir: %w", err)
	}
	path := filepath.Join(dir, "id_key")
	content := key
	if !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		os.RemoveAll(dir)
		return "", nil, fmt.Errorf("write key file: %w", err)
	}
	return path, func() { os.RemoveAll(dir) }, nil
}

func headCommit(ctx context.Context, dir string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "HEAD")
	cmd.Dir = dir
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("resolve HEAD commit: %w", err)
	}
	return strings.TrimSpace(string(output)), nil
}

// classifyCloneFailure maps git output onto the failure taxonomy. Credential
// material is scrubbed before the output is attached to the error.
func classifyCloneFailure(err error, output string) error {
	redacted := fault.Redact(strings.TrimSpace(output))
	lower := strings.ToLower(redacted)

	switch {
	case strings.Contains(lower, "authentication failed"),
		strings.Contains(lower, "could not read username"),
		strings.Contains(lower, "could not read password"),
		strings.Contains(lower, "permission denied"),
		strings.Contains(lower, "invalid credentials"):
		return fault.New(fault.KindInvalidInput, "git authentication failed: %s", redacted)
	case strings.Contains(lower, "repository not found"),
		strings.Contains(lower, "not found"),
		strings.Contains(lower, "remote branch") && strings.Contains(lower, "not found"),
		strings.Contains(lower, "does not exist"):
		return fault.New(fault.KindInvalidInput, "repository or branch not found: %s", redacted)
	case strings.Contains(lower, "could not resolve host"),
		strings.Contains(lower, "unable to access"),
		strings.Contains(lower, "connection refused"),
		strings.Contains(lower, "connection reset"),
		strings.Contains(lower, "timed out"),
		strings.Contains(lower, "early eof"):
		return fault.Wrap(fault.KindTransient, err, "git clone failed: %s", redacted)
	}
	return fault.Wrap(fault.KindBuildFailure, err, "git clone failed: %s", redacted)
}
