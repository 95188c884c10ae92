package fs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	iofs "io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"agentloom/internal/domain"
)

const (
	KindDir  = "dir"
	KindFile = "file"
)

// Namespace seeds deterministic agent ids so a rescan of the same tree
// reproduces the same identities.
var Namespace = uuid.MustParse("6ba7b812-9dad-11d1-80b4-00c04fd430c8")

func AgentID(kind, rel string) string {
	return uuid.NewSHA1(Namespace, []byte(kind+":"+rel)).String()
}

type Entry struct {
	Identity    domain.AgentIdentity
	ContentHash string
}

type Scanner struct {
	root   string
	ignore []string
}

func NewScanner(root string, ignore []string) (*Scanner, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root path: %w", err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, fmt.Errorf("stat workspace root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace root %s is not a directory", absRoot)
	}
	return &Scanner{root: absRoot, ignore: ignore}, nil
}

func (s *Scanner) Root() string {
	return s.root
}

// Scan walks the workspace. The root itself is a dir agent with no parent.
func (s *Scanner) Scan(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	err := filepath.WalkDir(s.root, func(path string, d iofs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := s.relative(path)
		if err != nil {
			return err
		}
		if rel != "." && s.Ignored(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		switch {
		case d.IsDir():
			entries = append(entries, Entry{Identity: s.identity(KindDir, rel)})
		case d.Type().IsRegular():
			hash, err := HashFile(path)
			if err != nil {
				return err
			}
			entries = append(entries, Entry{Identity: s.identity(KindFile, rel), ContentHash: hash})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan workspace: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Identity.Path < entries[j].Identity.Path
	})
	return entries, nil
}

func (s *Scanner) Lookup(path string) (Entry, error) {
	abs, rel, err := s.resolve(path)
	if err != nil {
		return Entry{}, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return Entry{}, fmt.Errorf("stat %s: %w", rel, err)
	}
	if info.IsDir() {
		return Entry{Identity: s.identity(KindDir, rel)}, nil
	}
	hash, err := HashFile(abs)
	if err != nil {
		return Entry{}, err
	}
	return Entry{Identity: s.identity(KindFile, rel), ContentHash: hash}, nil
}

// Ignored reports whether a workspace-relative path is hidden or matches an
// ignore glob on either its full path or its base name.
func (s *Scanner) Ignored(rel string) bool {
	for _, part := range strings.Split(rel, "/") {
		if strings.HasPrefix(part, ".") && part != "." {
			return true
		}
	}
	base := filepath.Base(rel)
	for _, pattern := range s.ignore {
		if ok, _ := filepath.Match(pattern, rel); ok {
			return true
		}
		if ok, _ := filepath.Match(pattern, base); ok {
			return true
		}
	}
	return false
}

func (s *Scanner) identity(kind, rel string) domain.AgentIdentity {
	name := filepath.Base(rel)
	if rel == "." {
		name = filepath.Base(s.root)
	}
	identity := domain.AgentIdentity{
		ID:   AgentID(kind, rel),
		Name: name,
		Kind: kind,
		Path: rel,
	}
	if rel != "." {
		parent := filepath.ToSlash(filepath.Dir(filepath.FromSlash(rel)))
		identity.ParentID = AgentID(KindDir, parent)
	}
	return identity
}

func (s *Scanner) relative(path string) (string, error) {
	rel, err := filepath.Rel(s.root, path)
	if err != nil {
		return "", fmt.Errorf("resolve relative path: %w", err)
	}
	return filepath.ToSlash(rel), nil
}

// resolve accepts an absolute path or one relative to the root and rejects
// anything escaping the workspace.
func (s *Scanner) resolve(path string) (absolute string, normalized string, err error) {
	candidate := strings.TrimSpace(path)
	if candidate == "" {
		return "", "", fmt.Errorf("invalid path %q", path)
	}
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(s.root, filepath.FromSlash(candidate))
	}
	absClean := filepath.Clean(candidate)
	rel, err := filepath.Rel(s.root, absClean)
	if err != nil {
		return "", "", fmt.Errorf("resolve relative path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", "", fmt.Errorf("path escapes workspace root: %q", path)
	}
	return absClean, filepath.ToSlash(rel), nil
}

func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
