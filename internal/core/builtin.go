package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"buildguard/internal/digest"
	"buildguard/internal/sandbox"
)

// Copy mirrors the files selected under From into To, keeping their
// relative layout.
type Copy struct {
	From     string
	Includes []string
	Excludes []string
	To       string
}

// Body returns the builder body performing the copy.
func (c Copy) Body() Body {
	return func(ctx context.Context, inv *Invocation) error {
		files, err := selectUnder(ctx, c.From, c.Includes, c.Excludes)
		if err != nil {
			return err
		}
		if len(files) == 0 {
			inv.Warnf(c.From, 0, 0, "no files selected")
		}
		for _, src := range files {
			rel, err := filepath.Rel(c.From, src)
			if err != nil {
				return err
			}
			data, err := sandbox.ReadFile(ctx, src)
			if err != nil {
				return err
			}
			dst := filepath.Join(c.To, rel)
			if err := sandbox.MkdirAll(ctx, filepath.Dir(dst), 0o755); err != nil {
				return err
			}
			if err := sandbox.WriteFile(ctx, dst, data, 0o644); err != nil {
				return err
			}
		}
		return nil
	}
}

// Concat writes the selected files under From, in lexical order, into
// the single file To. Separator is written between files.
type Concat struct {
	From      string
	Includes  []string
	Excludes  []string
	Separator string
	To        string
}

// Body returns the builder body performing the concatenation.
func (c Concat) Body() Body {
	return func(ctx context.Context, inv *Invocation) error {
		files, err := selectUnder(ctx, c.From, c.Includes, c.Excludes)
		if err != nil {
			return err
		}
		var buf bytes.Buffer
		for i, src := range files {
			data, err := sandbox.ReadFile(ctx, src)
			if err != nil {
				return err
			}
			if i > 0 {
				buf.WriteString(c.Separator)
			}
			buf.Write(data)
		}
		if err := sandbox.MkdirAll(ctx, filepath.Dir(c.To), 0o755); err != nil {
			return err
		}
		return sandbox.WriteFile(ctx, c.To, buf.Bytes(), 0o644)
	}
}

// selectUnder checks that root is readable and returns the files selected
// under it. Every returned file is still read through the sandbox.
func selectUnder(ctx context.Context, root string, includes, excludes []string) ([]string, error) {
	info, err := sandbox.Stat(ctx, root)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, nil
	case err != nil:
		return nil, err
	case !info.IsDir():
		return nil, fmt.Errorf("%s is not a directory", root)
	}
	return digest.SelectFiles(root, includes, excludes)
}
