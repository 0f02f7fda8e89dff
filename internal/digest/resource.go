package digest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/klauspost/compress/zip"
)

// openedResource is a resource stream plus the facts the engine records
// about it.
type openedResource struct {
	// logical is the path component hashed ahead of the content.
	logical string
	// local is the on-disk file backing the resource, if any.
	local string
	body  io.ReadCloser
}

func (e *Engine) openResource(ctx context.Context, raw string) (*openedResource, error) {
	if rest, ok := strings.CutPrefix(raw, "jar:"); ok {
		return openArchiveEntry(rest)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing resource URL %q: %w", raw, err)
	}
	switch u.Scheme {
	case "file":
		f, err := os.Open(u.Path)
		if err != nil {
			return nil, err
		}
		return &openedResource{logical: u.Path, local: u.Path, body: f}, nil
	case "http", "https":
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, err
		}
		resp, err := e.httpClient().Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetching %s: %w", u.Redacted(), err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("fetching %s: unexpected status %s", u.Redacted(), resp.Status)
		}
		return &openedResource{logical: u.Path, body: resp.Body}, nil
	default:
		return nil, fmt.Errorf("unsupported resource scheme %q in %q", u.Scheme, raw)
	}
}

// openArchiveEntry opens "file:///archive.zip!/entry".
func openArchiveEntry(spec string) (*openedResource, error) {
	archiveURL, entry, ok := strings.Cut(spec, "!/")
	if !ok || entry == "" {
		return nil, fmt.Errorf("archive resource %q has no entry part", spec)
	}
	u, err := url.Parse(archiveURL)
	if err != nil {
		return nil, fmt.Errorf("parsing archive URL %q: %w", archiveURL, err)
	}
	if u.Scheme != "file" {
		return nil, fmt.Errorf("archive %q must be a file URL", archiveURL)
	}

	archive, err := zip.OpenReader(u.Path)
	if err != nil {
		return nil, err
	}
	for _, f := range archive.File {
		if f.Name != entry {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			archive.Close()
			return nil, fmt.Errorf("opening %s in %s: %w", entry, u.Path, err)
		}
		return &openedResource{
			logical: entry,
			local:   u.Path,
			body:    &archiveEntry{ReadCloser: rc, archive: archive},
		}, nil
	}
	archive.Close()
	return nil, fmt.Errorf("entry %s not found in %s: %w", entry, u.Path, os.ErrNotExist)
}

type archiveEntry struct {
	io.ReadCloser
	archive *zip.ReadCloser
}

func (a *archiveEntry) Close() error {
	err := a.ReadCloser.Close()
	if cerr := a.archive.Close(); err == nil {
		err = cerr
	}
	return err
}

func (e *Engine) httpClient() *http.Client {
	if e.HTTPClient != nil {
		return e.HTTPClient
	}
	return http.DefaultClient
}
