package security

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"quill/internal/domain"
)

// maxReadSize bounds read_file payloads; larger files are denied to keep
// memory and token cost predictable.
const maxReadSize = 500 * 1024

// Decision is the sandbox verdict for a single path.
type Decision struct {
	// Path is the resolved absolute path, set whenever resolution succeeded.
	Path             string
	Allowed          bool
	RequiresApproval bool
	Reason           string
}

// hardDenyRoots are never readable or writable, regardless of approval.
var hardDenyRoots = []string{
	"/etc",
	"/sys",
	"/proc",
	"/boot",
	"/root",
}

// homeDenyDirs are hard-denied subdirectories of the user's home.
var homeDenyDirs = []string{
	".ssh",
	".aws",
	".gnupg",
}

// denyFilePatterns match key material by base name. Non-negotiable.
var denyFilePatterns = []string{
	"id_rsa*",
	"id_ed25519*",
	"id_ecdsa*",
	"*.pem",
	"*.ppk",
	"*.p12",
	"*.pfx",
}

// sensitivePatterns match files that are allowed but require explicit
// user approval before a read.
var sensitivePatterns = []string{
	".env*",
	"*credentials*",
	"*token*",
	"*password*",
	"*secret*",
	"*.key",
}

// Sandbox enforces path policy for file operations. It is stateless
// after construction and safe for concurrent use.
type Sandbox struct {
	root string // absolute, resolved workspace root
	home string // user home, may be empty
}

// NewSandbox creates a sandbox rooted at the given directory.
func NewSandbox(root string) (*Sandbox, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve sandbox root: %w", err)
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("eval symlinks for sandbox root: %w", err)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("stat sandbox root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("sandbox root %q is not a directory", resolved)
	}

	home, _ := os.UserHomeDir()
	return &Sandbox{root: resolved, home: home}, nil
}

// Root returns the sandbox root directory.
func (s *Sandbox) Root() string { return s.root }

// Rel returns path relative to the sandbox root, falling back to the
// input when it cannot be made relative.
func (s *Sandbox) Rel(path string) string {
	rel, err := filepath.Rel(s.root, path)
	if err != nil {
		return path
	}
	return rel
}

// Decide evaluates a requested path against the sandbox policy.
// Checks run in order; the first match wins:
//
//  1. textual escape of the workspace root (before symlink resolution)
//  2. symlink escape of the workspace root (after resolution)
//  3. hard-denied system/home roots and key-material file names
//  4. sensitive files: allowed, but flagged for approval
//  5. node_modules traversal
//  6. allow
//
// Probing errors never deny: the actual read/write reports them.
func (s *Sandbox) Decide(requested string) Decision {
	abs := requested
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(s.root, requested)
	}
	abs = filepath.Clean(abs)

	if !s.isWithinRoot(abs) {
		return Decision{Path: abs, Reason: fmt.Sprintf("path %q is outside the workspace root", requested)}
	}

	resolved := s.resolve(abs)
	if !s.isWithinRoot(resolved) {
		return Decision{Path: resolved, Reason: fmt.Sprintf("path %q resolves outside the workspace root", requested)}
	}

	if reason := s.hardDenied(resolved); reason != "" {
		return Decision{Path: resolved, Reason: reason}
	}

	base := strings.ToLower(filepath.Base(resolved))
	for _, pat := range sensitivePatterns {
		if ok, _ := filepath.Match(pat, base); ok {
			return Decision{Path: resolved, Allowed: true, RequiresApproval: true,
				Reason: fmt.Sprintf("%q may contain secrets", filepath.Base(resolved))}
		}
	}

	for _, part := range strings.Split(resolved, string(os.PathSeparator)) {
		if part == "node_modules" {
			return Decision{Path: resolved, Reason: "node_modules is excluded"}
		}
	}

	return Decision{Path: resolved, Allowed: true}
}

// CheckSize denies reads of files over maxReadSize. Stat errors allow:
// the subsequent read surfaces the real failure.
func (s *Sandbox) CheckSize(path string) Decision {
	info, err := os.Stat(path)
	if err != nil {
		return Decision{Path: path, Allowed: true}
	}
	if info.Size() > maxReadSize {
		return Decision{Path: path, Reason: fmt.Sprintf(
			"file is %d bytes, over the %d byte read limit", info.Size(), maxReadSize)}
	}
	return Decision{Path: path, Allowed: true}
}

// ValidatePath is the error-returning form of Decide, for callers that
// only need an allowed/denied answer with the resolved path.
func (s *Sandbox) ValidatePath(requested string) (string, error) {
	d := s.Decide(requested)
	if !d.Allowed {
		return "", domain.NewDomainError("Sandbox.ValidatePath", domain.ErrPathOutsideSandbox, d.Reason)
	}
	return d.Path, nil
}

// resolve follows symlinks AFTER computing the absolute path. A path
// that does not exist yet resolves through its parent directory.
func (s *Sandbox) resolve(abs string) string {
	resolved, err := filepath.EvalSymlinks(abs)
	if err == nil {
		return resolved
	}
	parent := filepath.Dir(abs)
	resolvedParent, err := filepath.EvalSymlinks(parent)
	if err != nil {
		return abs
	}
	return filepath.Join(resolvedParent, filepath.Base(abs))
}

func (s *Sandbox) hardDenied(path string) string {
	for _, root := range hardDenyRoots {
		if path == root || strings.HasPrefix(path, root+string(os.PathSeparator)) {
			return fmt.Sprintf("%s is a protected system directory", root)
		}
	}

	if s.home != "" {
		for _, dir := range homeDenyDirs {
			full := filepath.Join(s.home, dir)
			if path == full || strings.HasPrefix(path, full+string(os.PathSeparator)) {
				return fmt.Sprintf("~/%s holds credentials and is never accessible", dir)
			}
		}
	}

	base := filepath.Base(path)
	if base == "config" && filepath.Base(filepath.Dir(path)) == ".git" {
		return ".git/config is never accessible"
	}

	lower := strings.ToLower(base)
	for _, pat := range denyFilePatterns {
		if ok, _ := filepath.Match(pat, lower); ok {
			return fmt.Sprintf("%q looks like key material", base)
		}
	}

	return ""
}

func (s *Sandbox) isWithinRoot(path string) bool {
	return path == s.root || strings.HasPrefix(path, s.root+string(os.PathSeparator))
}
