package digest

// Value is one resolved input. The set of variants is closed; the Engine
// handles each one in a fixed way.
type Value interface {
	isValue()
}

// File is a single concrete file. Its path and content contribute.
type File struct {
	Path string
}

// Directory selects files under Path. Includes and Excludes are glob
// patterns relative to Path using "/" as separator ("**" crosses
// directories). An empty Includes selects every file.
type Directory struct {
	Path     string
	Includes []string
	Excludes []string
}

// Resource is a file, archive entry or remote document addressed by URL:
//
//	file:///abs/path
//	jar:file:///abs/archive.zip!/entry/name
//	https://host/path
type Resource struct {
	URL string
}

// Artifact is a dependency coordinate. Location, when set, is the concrete
// file the coordinate resolved to and is digested like a File.
type Artifact struct {
	Group      string
	ArtifactID string
	Version    string
	Type       string
	Classifier string
	Location   string
}

// List is an ordered collection; declaration order is significant.
type List []Value

// Map is a keyed collection; entries are visited in key order.
type Map map[string]Value

// String is a simple non-file value such as a configuration parameter.
type String string

func (File) isValue()      {}
func (Directory) isValue() {}
func (Resource) isValue()  {}
func (Artifact) isValue()  {}
func (List) isValue()      {}
func (Map) isValue()       {}
func (String) isValue()    {}

// InputSet is the fully resolved set of named inputs of one builder.
type InputSet map[string]Value
