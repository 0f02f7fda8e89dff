package cli

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"buildguard/internal/core"
	"buildguard/internal/dag"
	"buildguard/internal/digest"
)

// Builder kinds understood by the build file.
const (
	KindCopy   = "copy"
	KindConcat = "concat"
	KindExec   = "exec"
)

// BuildFile is the YAML build description. Relative paths inside it are
// resolved against the directory containing the file.
type BuildFile struct {
	Builders []BuilderSpec `yaml:"builders"`

	dir string
}

// BuilderSpec declares one builder.
type BuilderSpec struct {
	Name  string   `yaml:"name"`
	Kind  string   `yaml:"kind"`
	After []string `yaml:"after"`

	Inputs InputsSpec `yaml:"inputs"`
	Reads  []string   `yaml:"reads"`

	Outputs []string `yaml:"outputs"`
	Temps   []string `yaml:"temps"`

	ReadExceptions  []string `yaml:"read_exceptions"`
	WriteExceptions []string `yaml:"write_exceptions"`
	ReadAndTrack    []string `yaml:"read_and_track"`
	Exec            []string `yaml:"exec"`
	Network         bool     `yaml:"network"`

	Classpath          []string `yaml:"classpath"`
	CompileSourceRoots []string `yaml:"compile_source_roots"`
	ResourceRoots      []string `yaml:"resource_roots"`

	// copy, concat
	From      string   `yaml:"from"`
	Includes  []string `yaml:"includes"`
	Excludes  []string `yaml:"excludes"`
	To        string   `yaml:"to"`
	Separator string   `yaml:"separator"`

	// exec
	Command []string `yaml:"command"`
	Dir     string   `yaml:"dir"`
	Env     []string `yaml:"env"`
	Stdout  string   `yaml:"stdout"`
}

// InputsSpec is the resolved input set of a builder.
type InputsSpec struct {
	Files       []string          `yaml:"files"`
	Directories []DirectorySpec   `yaml:"directories"`
	Resources   []string          `yaml:"resources"`
	Artifacts   []ArtifactSpec    `yaml:"artifacts"`
	Properties  map[string]string `yaml:"properties"`
}

type DirectorySpec struct {
	Path     string   `yaml:"path"`
	Includes []string `yaml:"includes"`
	Excludes []string `yaml:"excludes"`
}

type ArtifactSpec struct {
	Group      string `yaml:"group"`
	Artifact   string `yaml:"artifact"`
	Version    string `yaml:"version"`
	Type       string `yaml:"type"`
	Classifier string `yaml:"classifier"`
	Location   string `yaml:"location"`
}

// LoadBuildFile reads and validates the build file at path. Unknown fields
// are rejected.
func LoadBuildFile(path string) (*BuildFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read build file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var bf BuildFile
	if err := dec.Decode(&bf); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("parse build file: empty document")
		}
		return nil, fmt.Errorf("parse build file: %w", err)
	}
	var trailing any
	if err := dec.Decode(&trailing); !errors.Is(err, io.EOF) {
		if err == nil {
			return nil, errors.New("parse build file: more than one document")
		}
		return nil, fmt.Errorf("parse build file: %w", err)
	}
	bf.dir = filepath.Dir(path)
	if err := bf.Validate(); err != nil {
		return nil, err
	}
	return &bf, nil
}

func (bf *BuildFile) Validate() error {
	if len(bf.Builders) == 0 {
		return errors.New("build file declares no builders")
	}
	var errs []error
	for i, b := range bf.Builders {
		if err := b.validate(); err != nil {
			errs = append(errs, fmt.Errorf("builders[%d] %q: %w", i, b.Name, err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	_, err := bf.Graph()
	return err
}

func (b BuilderSpec) validate() error {
	var errs []error
	if strings.TrimSpace(b.Name) == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if strings.ContainsAny(b.Name, `/\`) {
		errs = append(errs, errors.New("name must not contain path separators"))
	}
	switch b.Kind {
	case KindCopy, KindConcat:
		if b.From == "" || b.To == "" {
			errs = append(errs, fmt.Errorf("%s needs from and to", b.Kind))
		}
	case KindExec:
		if len(b.Command) == 0 || b.Command[0] == "" {
			errs = append(errs, errors.New("exec needs a command"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown kind %q (expected copy|concat|exec)", b.Kind))
	}
	return errors.Join(errs...)
}

// Graph returns the dependency graph declared by the after lists.
func (bf *BuildFile) Graph() (*dag.Graph, error) {
	names := make([]string, 0, len(bf.Builders))
	var edges []dag.Edge
	for _, b := range bf.Builders {
		names = append(names, b.Name)
		for _, dep := range b.After {
			edges = append(edges, dag.Edge{From: dep, To: b.Name})
		}
	}
	return dag.NewGraph(names, edges)
}

// Spec returns the builder named name.
func (bf *BuildFile) Spec(name string) (BuilderSpec, bool) {
	i := slices.IndexFunc(bf.Builders, func(b BuilderSpec) bool { return b.Name == name })
	if i < 0 {
		return BuilderSpec{}, false
	}
	return bf.Builders[i], true
}

// Builder converts the spec into a core.Builder. The kind's own paths are
// declared implicitly: the source of copy and concat becomes the input
// member "source", their destination an output, and the command of exec is
// added to the exec list with its stdout file as an output.
func (bf *BuildFile) Builder(spec BuilderSpec) *core.Builder {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(bf.dir, p)
	}
	b := &core.Builder{
		Name:               spec.Name,
		Inputs:             bf.inputs(spec.Inputs, abs),
		Reads:              spec.Reads,
		Outputs:            slices.Clone(spec.Outputs),
		Temps:              spec.Temps,
		ReadExceptions:     spec.ReadExceptions,
		WriteExceptions:    spec.WriteExceptions,
		ReadAndTrack:       spec.ReadAndTrack,
		Exec:               slices.Clone(spec.Exec),
		Network:            spec.Network,
		Classpath:          spec.Classpath,
		CompileSourceRoots: spec.CompileSourceRoots,
		ResourceRoots:      spec.ResourceRoots,
	}

	switch spec.Kind {
	case KindCopy:
		b.Inputs["source"] = digest.Directory{Path: abs(spec.From), Includes: spec.Includes, Excludes: spec.Excludes}
		b.Outputs = append(b.Outputs, spec.To)
		b.Body = core.Copy{From: abs(spec.From), Includes: spec.Includes, Excludes: spec.Excludes, To: abs(spec.To)}.Body()
	case KindConcat:
		b.Inputs["source"] = digest.Directory{Path: abs(spec.From), Includes: spec.Includes, Excludes: spec.Excludes}
		b.Outputs = append(b.Outputs, spec.To)
		b.Body = core.Concat{From: abs(spec.From), Includes: spec.Includes, Excludes: spec.Excludes, Separator: spec.Separator, To: abs(spec.To)}.Body()
	case KindExec:
		b.Exec = append(b.Exec, spec.Command[0])
		if spec.Stdout != "" {
			b.Outputs = append(b.Outputs, spec.Stdout)
		}
		dir := abs(spec.Dir)
		if dir == "" {
			dir = bf.dir
		}
		b.Body = core.Exec{Argv: spec.Command, Dir: dir, Env: spec.Env, Stdout: abs(spec.Stdout)}.Body()
	}
	return b
}

func (bf *BuildFile) inputs(in InputsSpec, abs func(string) string) digest.InputSet {
	set := digest.InputSet{}
	if len(in.Files) > 0 {
		files := make(digest.List, 0, len(in.Files))
		for _, f := range in.Files {
			files = append(files, digest.File{Path: abs(f)})
		}
		set["files"] = files
	}
	if len(in.Directories) > 0 {
		dirs := make(digest.List, 0, len(in.Directories))
		for _, d := range in.Directories {
			dirs = append(dirs, digest.Directory{Path: abs(d.Path), Includes: d.Includes, Excludes: d.Excludes})
		}
		set["directories"] = dirs
	}
	if len(in.Resources) > 0 {
		res := make(digest.List, 0, len(in.Resources))
		for _, r := range in.Resources {
			res = append(res, digest.Resource{URL: r})
		}
		set["resources"] = res
	}
	if len(in.Artifacts) > 0 {
		arts := make(digest.List, 0, len(in.Artifacts))
		for _, a := range in.Artifacts {
			arts = append(arts, digest.Artifact{
				Group:      a.Group,
				ArtifactID: a.Artifact,
				Version:    a.Version,
				Type:       a.Type,
				Classifier: a.Classifier,
				Location:   abs(a.Location),
			})
		}
		set["artifacts"] = arts
	}
	if len(in.Properties) > 0 {
		props := make(digest.Map, len(in.Properties))
		for _, k := range slices.Sorted(maps.Keys(in.Properties)) {
			props[k] = digest.String(in.Properties[k])
		}
		set["properties"] = props
	}
	return set
}
