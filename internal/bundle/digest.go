package bundle

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// Digest returns the content listing a bundle signature covers. Every file and
// symlink below path appears once, in lexical order, except the signature
// itself:
//
//	file x <sha256> "bin/MyApp"
//	link "libfoo.so.1" "lib/libfoo.so"
//
// The flag after "file" is "x" when the owner execute bit is set and "-"
// otherwise. Directories are implied by their contents.
func Digest(path string) ([]byte, error) {
	var buf bytes.Buffer
	err := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(path, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == SignatureName {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		switch mode := info.Mode(); {
		case mode&fs.ModeSymlink != 0:
			target, err := os.Readlink(p)
			if err != nil {
				return err
			}
			fmt.Fprintf(&buf, "link %q %q\n", filepath.ToSlash(target), rel)
		case mode.IsRegular():
			sum, err := fileSHA256(p)
			if err != nil {
				return err
			}
			flag := "-"
			if mode.Perm()&0o100 != 0 {
				flag = "x"
			}
			fmt.Fprintf(&buf, "file %s %x %q\n", flag, sum, rel)
		default:
			return fmt.Errorf("%s: unsupported file type %s", rel, mode.Type())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("digest bundle: %w", err)
	}
	return buf.Bytes(), nil
}

func fileSHA256(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}
