package digest

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"net/http"
	"os"
	"runtime"
	"slices"
	"strings"

	"github.com/zeebo/blake3"
	"golang.org/x/sync/errgroup"

	"buildguard/internal/fspath"
)

// Field tags written ahead of every accumulated field. They separate the
// variants so that, for example, a String and a File with the same text
// never hash alike. The byte values are part of the persisted digest.
const (
	tagNil byte = iota + 1
	tagFile
	tagContent
	tagMissing
	tagDirectory
	tagInclude
	tagExclude
	tagResource
	tagGroup
	tagArtifactID
	tagVersion
	tagType
	tagClassifier
	tagList
	tagMap
	tagKey
	tagString
)

// Engine computes Digests. The zero value is ready to use.
type Engine struct {
	// BaseDir resolves relative paths. Empty means the process working
	// directory.
	BaseDir string

	// Concurrency bounds parallel file hashing within one directory.
	// Values <= 0 mean runtime.GOMAXPROCS(0).
	Concurrency int

	// HTTPClient fetches http(s) resources. Nil means http.DefaultClient.
	HTTPClient *http.Client
}

// NewEngine returns an Engine resolving relative paths under baseDir.
func NewEngine(baseDir string) *Engine {
	return &Engine{BaseDir: baseDir}
}

// Compute digests every member of inputs.
//
// Each member gets a fresh accumulator, so the member hash depends only on
// that member's value. Members are visited in name order, which keeps
// errors and the Files map independent of how the InputSet was assembled.
func (e *Engine) Compute(ctx context.Context, inputs InputSet) (*Digest, error) {
	d := &Digest{
		Members: make(map[string]Hash, len(inputs)),
		Files:   make(map[string]Hash),
	}
	for _, name := range slices.Sorted(maps.Keys(inputs)) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v := &visitor{engine: e, acc: newAccumulator(), files: d.Files}
		if err := v.visit(ctx, inputs[name]); err != nil {
			return nil, fmt.Errorf("digesting input %q: %w", name, err)
		}
		d.Members[name] = v.acc.sum()
	}
	return d, nil
}

// DigestFiles returns the current content hash of each path. Paths that do
// not exist are omitted.
func (e *Engine) DigestFiles(paths []string) (map[string]Hash, error) {
	out := make(map[string]Hash, len(paths))
	for _, p := range paths {
		h, ok, err := hashIfExists(p)
		if err != nil {
			return nil, err
		}
		if ok {
			out[p] = h
		}
	}
	return out, nil
}

type accumulator struct {
	h *blake3.Hasher
}

func newAccumulator() *accumulator {
	return &accumulator{h: newHasher(memberDomainKey)}
}

// field writes tag, an 8-byte big-endian length and data. The length prefix
// keeps adjacent fields from running into each other.
func (a *accumulator) field(tag byte, data []byte) {
	var header [9]byte
	header[0] = tag
	binary.BigEndian.PutUint64(header[1:], uint64(len(data)))
	a.h.Write(header[:])
	a.h.Write(data)
}

func (a *accumulator) count(tag byte, n int) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(n))
	a.field(tag, buf[:])
}

func (a *accumulator) sum() Hash {
	return sum(a.h)
}

type visitor struct {
	engine *Engine
	acc    *accumulator
	files  map[string]Hash
}

func (v *visitor) visit(ctx context.Context, value Value) error {
	switch value := value.(type) {
	case nil:
		v.acc.field(tagNil, nil)
		return nil
	case File:
		return v.visitFile(ctx, value.Path)
	case Directory:
		return v.visitDirectory(ctx, value)
	case Resource:
		return v.visitResource(ctx, value)
	case Artifact:
		return v.visitArtifact(ctx, value)
	case List:
		v.acc.count(tagList, len(value))
		for _, item := range value {
			if err := v.visit(ctx, item); err != nil {
				return err
			}
		}
		return nil
	case Map:
		v.acc.count(tagMap, len(value))
		for _, key := range slices.Sorted(maps.Keys(value)) {
			v.acc.field(tagKey, []byte(key))
			if err := v.visit(ctx, value[key]); err != nil {
				return err
			}
		}
		return nil
	case String:
		v.acc.field(tagString, []byte(value))
		return nil
	default:
		return fmt.Errorf("unsupported input value %T", value)
	}
}

func (v *visitor) normalize(path string) (string, error) {
	return fspath.NormalizeUnder(v.engine.BaseDir, path)
}

func (v *visitor) visitFile(ctx context.Context, raw string) error {
	path, err := v.normalize(raw)
	if err != nil {
		return err
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return v.visitDirectory(ctx, Directory{Path: path})
	}

	v.acc.field(tagFile, []byte(path))
	h, ok, err := hashIfExists(path)
	if err != nil {
		return err
	}
	if !ok {
		v.acc.field(tagMissing, nil)
		return nil
	}
	v.acc.field(tagContent, h[:])
	v.files[path] = h
	return nil
}

func (v *visitor) visitDirectory(ctx context.Context, dir Directory) error {
	root, err := v.normalize(dir.Path)
	if err != nil {
		return err
	}
	v.acc.field(tagDirectory, []byte(root))
	for _, p := range dir.Includes {
		v.acc.field(tagInclude, []byte(p))
	}
	for _, p := range dir.Excludes {
		v.acc.field(tagExclude, []byte(p))
	}

	paths, err := SelectFiles(root, dir.Includes, dir.Excludes)
	if err != nil {
		return err
	}
	hashes, err := v.engine.hashAll(ctx, paths)
	if err != nil {
		return err
	}
	for i, path := range paths {
		v.acc.field(tagFile, []byte(path))
		v.acc.field(tagContent, hashes[i][:])
		v.files[path] = hashes[i]
	}
	return nil
}

func (v *visitor) visitResource(ctx context.Context, res Resource) error {
	opened, err := v.engine.openResource(ctx, res.URL)
	if errors.Is(err, fs.ErrNotExist) {
		v.acc.field(tagResource, []byte(res.URL))
		v.acc.field(tagMissing, nil)
		return nil
	}
	if err != nil {
		return err
	}
	defer opened.body.Close()

	v.acc.field(tagResource, []byte(opened.logical))
	h, err := HashReader(opened.body)
	if err != nil {
		return fmt.Errorf("reading %s: %w", res.URL, err)
	}
	v.acc.field(tagContent, h[:])

	if opened.local != "" {
		local, err := v.normalize(opened.local)
		if err != nil {
			return err
		}
		fh, err := HashFile(local)
		if err != nil {
			return err
		}
		v.files[local] = fh
	}
	return nil
}

// visitArtifact hashes the coordinate slots in a fixed order. An empty slot
// contributes nothing; the per-slot tags keep ("a", "") and ("", "a")
// distinct.
func (v *visitor) visitArtifact(ctx context.Context, a Artifact) error {
	slots := []struct {
		tag   byte
		value string
	}{
		{tagGroup, a.Group},
		{tagArtifactID, a.ArtifactID},
		{tagVersion, a.Version},
		{tagType, a.Type},
		{tagClassifier, a.Classifier},
	}
	for _, s := range slots {
		if s.value != "" {
			v.acc.field(s.tag, []byte(s.value))
		}
	}
	if strings.TrimSpace(a.Location) == "" {
		return nil
	}
	return v.visitFile(ctx, a.Location)
}

// hashAll hashes paths in parallel and returns the hashes in the same order
// as paths.
func (e *Engine) hashAll(ctx context.Context, paths []string) ([]Hash, error) {
	hashes := make([]Hash, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	limit := e.Concurrency
	if limit <= 0 {
		limit = runtime.GOMAXPROCS(0)
	}
	g.SetLimit(limit)
	for i, path := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			h, err := HashFile(path)
			if err != nil {
				return err
			}
			hashes[i] = h
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return hashes, nil
}

func hashIfExists(path string) (Hash, bool, error) {
	h, err := HashFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Hash{}, false, nil
		}
		return Hash{}, false, err
	}
	return h, true, nil
}
