package spec

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// =============================================================================
// Build Identity Hashing
// =============================================================================

// Identity computes the content-addressable identity of a build: a sha256
// over the build fields and the full context tree (relative path, mode bits,
// file content, in sorted path order). Two builds with the same identity
// produce the same image, so an unchanged identity lets the planner skip
// the build and push entirely.
//
// Example:
//
//	id1, _ := buildSpec.Identity()
//	// touch a file under the context
//	id2, _ := buildSpec.Identity()
//	// id1 != id2
func (b BuildSpec) Identity() (string, error) {
	h := sha256.New()

	fmt.Fprintf(h, "dockerfile=%s\n", b.Dockerfile)
	for _, k := range sortedKeys(b.Args) {
		fmt.Fprintf(h, "arg=%s=%s\n", k, b.Args[k])
	}

	if err := hashContextTree(h, b.Context); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// hashContextTree writes every regular file under root into h in a
// deterministic order. Symlinks contribute their target path, not content.
func hashContextTree(h io.Writer, root string) error {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk build context %s: %w", root, err)
	}
	sort.Strings(paths)

	for _, path := range paths {
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		info, err := os.Lstat(path)
		if err != nil {
			return err
		}

		fmt.Fprintf(h, "file=%s mode=%o\n", filepath.ToSlash(rel), info.Mode())

		if info.Mode()&os.ModeSymlink != 0 {
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			fmt.Fprintf(h, "link=%s\n", target)
			continue
		}
		if !info.Mode().IsRegular() {
			continue
		}

		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		_, err = io.Copy(h, f)
		f.Close()
		if err != nil {
			return fmt.Errorf("hash %s: %w", path, err)
		}
	}
	return nil
}

// SpecIdentity hashes only the ServiceSpec fields that define the resource's
// identity on the platform. A change here forces a replace, not an update.
func (s ServiceSpec) SpecIdentity() string {
	return strings.Join([]string{s.Name, s.Region}, "/")
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
