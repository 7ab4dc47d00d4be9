package security

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"quill/internal/domain"
)

func TestSandboxAllowsPathInRoot(t *testing.T) {
	dir := t.TempDir()
	sandbox, err := NewSandbox(dir)
	if err != nil {
		t.Fatal(err)
	}

	testFile := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(testFile, []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}

	d := sandbox.Decide(testFile)
	if !d.Allowed {
		t.Errorf("path in root should be allowed: %s", d.Reason)
	}
	if d.RequiresApproval {
		t.Error("plain file should not require approval")
	}
	if d.Path != testFile {
		t.Errorf("Path = %q, want %q", d.Path, testFile)
	}
}

func TestSandboxDeniesTraversal(t *testing.T) {
	dir := t.TempDir()
	sandbox, err := NewSandbox(dir)
	if err != nil {
		t.Fatal(err)
	}

	tests := []string{
		filepath.Join(dir, "..", "etc", "passwd"),
		"/etc/passwd",
		"../outside.txt",
		filepath.Join(dir, "..", "..", "root", ".ssh"),
	}

	for _, path := range tests {
		if d := sandbox.Decide(path); d.Allowed {
			t.Errorf("path %q: expected deny", path)
		}
	}
}

func TestSandboxDeniesSymlinkEscape(t *testing.T) {
	dir := t.TempDir()
	sandbox, err := NewSandbox(dir)
	if err != nil {
		t.Fatal(err)
	}

	outsideDir := t.TempDir()
	symlink := filepath.Join(dir, "escape")
	if err := os.Symlink(outsideDir, symlink); err != nil {
		t.Skip("cannot create symlinks")
	}

	if d := sandbox.Decide(filepath.Join(symlink, "file.txt")); d.Allowed {
		t.Error("symlink escape should be denied")
	}
}

func TestSandboxRelativePathResolvesUnderRoot(t *testing.T) {
	dir := t.TempDir()
	sandbox, err := NewSandbox(dir)
	if err != nil {
		t.Fatal(err)
	}

	d := sandbox.Decide("sub/dir/file.txt")
	if !d.Allowed {
		t.Errorf("relative path should resolve under root: %s", d.Reason)
	}
	want := filepath.Join(dir, "sub", "dir", "file.txt")
	if d.Path != want {
		t.Errorf("Path = %q, want %q", d.Path, want)
	}
}

func TestSandboxFlagsSensitiveFiles(t *testing.T) {
	dir := t.TempDir()
	sandbox, err := NewSandbox(dir)
	if err != nil {
		t.Fatal(err)
	}

	tests := []string{
		".env",
		".env.local",
		"credentials.json",
		"api_token.txt",
		"password_reset.md",
		"server.key",
		"client_secrets.yaml",
	}

	for _, name := range tests {
		d := sandbox.Decide(filepath.Join(dir, name))
		if !d.Allowed {
			t.Errorf("%q: should be allowed, got deny: %s", name, d.Reason)
		}
		if !d.RequiresApproval {
			t.Errorf("%q: should require approval", name)
		}
	}
}

func TestSandboxHardDeniesKeyMaterial(t *testing.T) {
	dir := t.TempDir()
	sandbox, err := NewSandbox(dir)
	if err != nil {
		t.Fatal(err)
	}

	tests := []string{
		"id_rsa",
		"id_rsa.pub",
		"id_ed25519",
		"cert.pem",
		"bundle.p12",
	}

	for _, name := range tests {
		d := sandbox.Decide(filepath.Join(dir, name))
		if d.Allowed {
			t.Errorf("%q: key material should be hard-denied", name)
		}
		if d.RequiresApproval {
			t.Errorf("%q: hard deny must not be approvable", name)
		}
	}
}

func TestSandboxDeniesGitConfig(t *testing.T) {
	dir := t.TempDir()
	sandbox, err := NewSandbox(dir)
	if err != nil {
		t.Fatal(err)
	}

	if d := sandbox.Decide(filepath.Join(dir, ".git", "config")); d.Allowed {
		t.Error(".git/config should be denied")
	}
	// Other .git files are fine.
	if d := sandbox.Decide(filepath.Join(dir, ".git", "HEAD")); !d.Allowed {
		t.Errorf(".git/HEAD should be allowed: %s", d.Reason)
	}
}

func TestSandboxDeniesNodeModules(t *testing.T) {
	dir := t.TempDir()
	sandbox, err := NewSandbox(dir)
	if err != nil {
		t.Fatal(err)
	}

	if d := sandbox.Decide(filepath.Join(dir, "node_modules", "pkg", "index.js")); d.Allowed {
		t.Error("node_modules should be denied")
	}
}

func TestSandboxPendingWritePath(t *testing.T) {
	dir := t.TempDir()
	sandbox, err := NewSandbox(dir)
	if err != nil {
		t.Fatal(err)
	}

	// File and parent do not exist yet: still allowed, write creates them.
	d := sandbox.Decide(filepath.Join(dir, "new", "deep", "file.txt"))
	if !d.Allowed {
		t.Errorf("pending write path should be allowed: %s", d.Reason)
	}
}

func TestSandboxValidatePath(t *testing.T) {
	dir := t.TempDir()
	sandbox, err := NewSandbox(dir)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := sandbox.ValidatePath(filepath.Join(dir, "ok.txt")); err != nil {
		t.Errorf("valid path should pass: %v", err)
	}

	_, err = sandbox.ValidatePath("/etc/passwd")
	if !errors.Is(err, domain.ErrPathOutsideSandbox) {
		t.Errorf("expected ErrPathOutsideSandbox, got %v", err)
	}
}

func TestCheckSize(t *testing.T) {
	dir := t.TempDir()
	sandbox, err := NewSandbox(dir)
	if err != nil {
		t.Fatal(err)
	}

	small := filepath.Join(dir, "small.txt")
	if err := os.WriteFile(small, []byte("tiny"), 0644); err != nil {
		t.Fatal(err)
	}
	if d := sandbox.CheckSize(small); !d.Allowed {
		t.Errorf("small file should pass: %s", d.Reason)
	}

	big := filepath.Join(dir, "big.bin")
	if err := os.WriteFile(big, bytes.Repeat([]byte("x"), maxReadSize+1), 0644); err != nil {
		t.Fatal(err)
	}
	if d := sandbox.CheckSize(big); d.Allowed {
		t.Error("oversized file should be denied")
	}

	// Stat failure allows; the read itself reports the error.
	if d := sandbox.CheckSize(filepath.Join(dir, "missing.txt")); !d.Allowed {
		t.Errorf("missing file should pass CheckSize: %s", d.Reason)
	}
}

func TestNewSandboxRejectsNonDirectory(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "notadir.txt")
	if err := os.WriteFile(file, []byte("content"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := NewSandbox(file); err == nil {
		t.Error("expected error for regular file")
	}
	if _, err := NewSandbox("/nonexistent/path/that/does/not/exist"); err == nil {
		t.Error("expected error for non-existent path")
	}
}

func TestSandboxRel(t *testing.T) {
	dir := t.TempDir()
	sandbox, err := NewSandbox(dir)
	if err != nil {
		t.Fatal(err)
	}

	got := sandbox.Rel(filepath.Join(dir, "a", "b.txt"))
	if got != filepath.Join("a", "b.txt") {
		t.Errorf("Rel = %q", got)
	}
}
