package store

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FilesystemStore implements Store over a local directory tree laid out as
// datasites/<owner>/<path>, the layout the sync daemon mirrors between
// participants.
type FilesystemStore struct {
	root string
}

// NewFilesystemStore creates a store rooted at the given directory.
func NewFilesystemStore(root string) *FilesystemStore {
	return &FilesystemStore{root: strings.Replace(root, "file://", "", 1)}
}

// Root returns the base directory of the store.
func (s *FilesystemStore) Root() string {
	return s.root
}

func (s *FilesystemStore) ownerDir(owner string) string {
	return filepath.Join(s.root, "datasites", owner)
}

func (s *FilesystemStore) objectPath(owner, relPath string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(relPath))
	if cleaned == "." || strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
		return "", errors.New("path escapes the owner's tree: " + relPath)
	}

	return filepath.Join(s.ownerDir(owner), cleaned), nil
}

func (s *FilesystemStore) Write(ctx context.Context, owner, relPath string, data []byte, acl ACL) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	target, err := s.objectPath(owner, relPath)
	if err != nil {
		return err
	}

	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	if err := os.WriteFile(target, data, 0o644); err != nil {
		return err
	}

	sidecar, err := MarshalSidecar(withImplicitAdmin(acl, owner))
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(dir, ACLFileName), sidecar, 0o644)
}

func (s *FilesystemStore) Read(ctx context.Context, owner, relPath string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	target, err := s.objectPath(owner, relPath)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(target)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotExist
	}

	return data, err
}

func (s *FilesystemStore) ReadMetadata(ctx context.Context, owner, relPath string) (Metadata, error) {
	if err := ctx.Err(); err != nil {
		return Metadata{}, err
	}

	target, err := s.objectPath(owner, relPath)
	if err != nil {
		return Metadata{}, err
	}

	info, err := os.Stat(target)
	if errors.Is(err, fs.ErrNotExist) {
		return Metadata{}, nil
	}

	if err != nil {
		return Metadata{}, err
	}

	return Metadata{Exists: true, Size: info.Size(), LastModified: info.ModTime()}, nil
}

func (s *FilesystemStore) List(ctx context.Context, owner, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	base, err := s.objectPath(owner, prefix)
	if err != nil {
		return nil, err
	}

	var paths []string

	walkErr := filepath.WalkDir(base, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if entry.IsDir() || entry.Name() == ACLFileName {
			return nil
		}

		rel, relErr := filepath.Rel(s.ownerDir(owner), path)
		if relErr != nil {
			return relErr
		}

		paths = append(paths, filepath.ToSlash(rel))

		return nil
	})

	if errors.Is(walkErr, fs.ErrNotExist) {
		return nil, nil
	}

	if walkErr != nil {
		return nil, walkErr
	}

	sort.Strings(paths)

	return paths, nil
}

// ReadACL returns the access rules applied to the directory containing the
// object.
func (s *FilesystemStore) ReadACL(ctx context.Context, owner, relPath string) (ACL, error) {
	target, err := s.objectPath(owner, relPath)
	if err != nil {
		return ACL{}, err
	}

	data, err := os.ReadFile(filepath.Join(filepath.Dir(target), ACLFileName))
	if errors.Is(err, fs.ErrNotExist) {
		return ACL{}, ErrNotExist
	}

	if err != nil {
		return ACL{}, err
	}

	return UnmarshalSidecar(data)
}

func withImplicitAdmin(acl ACL, owner string) ACL {
	for _, admin := range acl.Admin {
		if strings.EqualFold(admin, owner) {
			return acl
		}
	}

	acl.Admin = append(append([]string(nil), acl.Admin...), owner)

	return acl
}
