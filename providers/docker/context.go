package docker

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/docker/docker/pkg/archive"
	"github.com/moby/patternmatcher"
	"github.com/moby/patternmatcher/ignorefile"
)

// alwaysExcluded never belong in the build context.
var alwaysExcluded = []string{".git", ".flowdeploy"}

// ExcludePatterns returns the .dockerignore patterns of dir plus the paths
// that are always left out. The Dockerfile and .dockerignore are kept even
// when a pattern matches them, as the Docker CLI does.
func ExcludePatterns(dir, dockerfile string) ([]string, error) {
	patterns := append([]string(nil), alwaysExcluded...)

	f, err := os.Open(filepath.Join(dir, ".dockerignore"))
	switch {
	case err == nil:
		defer f.Close()
		extra, err := ignorefile.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read .dockerignore: %w", err)
		}
		patterns = append(patterns, extra...)
	case !errors.Is(err, fs.ErrNotExist):
		return nil, err
	}

	rel, err := relDockerfile(dir, dockerfile)
	if err != nil {
		return nil, err
	}
	if keep, _ := patternmatcher.MatchesOrParentMatches(rel, patterns); keep {
		patterns = append(patterns, "!"+rel, "!.dockerignore")
	}
	return patterns, nil
}

func relDockerfile(dir, dockerfile string) (string, error) {
	if dockerfile == "" {
		dockerfile = "Dockerfile"
	}
	if !filepath.IsAbs(dockerfile) {
		return filepath.Clean(dockerfile), nil
	}
	rel, err := filepath.Rel(dir, dockerfile)
	if err != nil {
		return "", fmt.Errorf("dockerfile must be inside the build context: %w", err)
	}
	return rel, nil
}

// ContextTar streams the build context as a tar archive.
func ContextTar(dir, dockerfile string) (io.ReadCloser, error) {
	patterns, err := ExcludePatterns(dir, dockerfile)
	if err != nil {
		return nil, err
	}
	tar, err := archive.TarWithOptions(dir, &archive.TarOptions{ExcludePatterns: patterns})
	if err != nil {
		return nil, fmt.Errorf("failed to create build context tar: %w", err)
	}
	return tar, nil
}

// ContextDigest fingerprints the files that would be sent to the daemon.
// Paths, modes and contents count; timestamps do not.
func ContextDigest(dir, dockerfile string) (string, error) {
	patterns, err := ExcludePatterns(dir, dockerfile)
	if err != nil {
		return "", err
	}
	pm, err := patternmatcher.New(patterns)
	if err != nil {
		return "", fmt.Errorf("invalid ignore pattern: %w", err)
	}

	h := sha256.New()
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil || rel == "." {
			return err
		}

		skip, err := pm.MatchesOrParentMatches(rel)
		if err != nil {
			return err
		}
		if skip {
			if d.IsDir() && !pm.Exclusions() {
				return filepath.SkipDir
			}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		fmt.Fprintf(h, "%s\x00%s\x00", filepath.ToSlash(rel), info.Mode())

		switch {
		case info.Mode().IsRegular():
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			if _, err := io.Copy(h, f); err != nil {
				return err
			}
		case info.Mode()&fs.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			io.WriteString(h, target)
		}
		h.Write([]byte{0})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to fingerprint %s: %w", dir, err)
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}
