package digest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func realTempDir(t *testing.T) string {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	return dir
}

func compute(t *testing.T, e *Engine, inputs InputSet) *Digest {
	t.Helper()
	d, err := e.Compute(context.Background(), inputs)
	require.NoError(t, err)
	return d
}

func TestCompute_RepeatedComputationIsEqual(t *testing.T) {
	dir := realTempDir(t)
	writeFile(t, filepath.Join(dir, "src", "a.txt"), "alpha")
	writeFile(t, filepath.Join(dir, "src", "nested", "b.txt"), "beta")
	writeFile(t, filepath.Join(dir, "config.properties"), "k=v")

	e := NewEngine(dir)
	inputs := InputSet{
		"sources": Directory{Path: "src"},
		"config":  File{Path: "config.properties"},
		"step":    String("1"),
	}

	first := compute(t, e, inputs)
	second := compute(t, e, inputs)

	require.True(t, first.Equal(second))
	require.Equal(t, []string{"config", "sources", "step"}, first.MemberNames())
	require.Len(t, first.Files, 3)
}

func TestCompute_SingleByteChangeChangesDigest(t *testing.T) {
	dir := realTempDir(t)
	target := filepath.Join(dir, "src", "nested", "b.txt")
	writeFile(t, filepath.Join(dir, "src", "a.txt"), "alpha")
	writeFile(t, target, "beta")

	e := NewEngine(dir)
	inputs := InputSet{"sources": Directory{Path: "src"}}
	before := compute(t, e, inputs)

	writeFile(t, target, "betb")
	after := compute(t, e, inputs)

	require.False(t, before.Equal(after))
	require.Equal(t, []string{"sources"}, after.ChangedMembers(before))
	require.Equal(t, []string{target}, after.ChangedFiles(before))
	require.True(t, after.FileChanged(before, target))
	require.False(t, after.FileChanged(before, filepath.Join(dir, "src", "a.txt")))
}

func TestDigest_NilSentinelNeverEqual(t *testing.T) {
	var none *Digest
	real := &Digest{Members: map[string]Hash{}, Files: map[string]Hash{}}

	require.False(t, none.Equal(nil))
	require.False(t, none.Equal(real))
	require.False(t, real.Equal(none))
	require.True(t, real.Equal(&Digest{}))
}

func TestCompute_DirectoryPatternsSelectFiles(t *testing.T) {
	dir := realTempDir(t)
	writeFile(t, filepath.Join(dir, "src", "Main.java"), "class Main {}")
	writeFile(t, filepath.Join(dir, "src", "pkg", "Util.java"), "class Util {}")
	writeFile(t, filepath.Join(dir, "src", "pkg", "notes.txt"), "ignored")
	writeFile(t, filepath.Join(dir, "src", "gen", "Gen.java"), "class Gen {}")

	e := NewEngine(dir)
	inputs := InputSet{"sources": Directory{
		Path:     "src",
		Includes: []string{"**.java"},
		Excludes: []string{"gen/**"},
	}}
	before := compute(t, e, inputs)
	require.Equal(t, []string{
		filepath.Join(dir, "src", "Main.java"),
		filepath.Join(dir, "src", "pkg", "Util.java"),
	}, before.FilePaths())

	// Files outside the selection do not contribute.
	writeFile(t, filepath.Join(dir, "src", "pkg", "notes.txt"), "still ignored")
	writeFile(t, filepath.Join(dir, "src", "gen", "Gen.java"), "class Gen { int x; }")
	require.True(t, before.Equal(compute(t, e, inputs)))

	// Changing a pattern changes the member even if the selection is the same.
	inputs["sources"] = Directory{Path: "src", Includes: []string{"**.java"}, Excludes: []string{"gen/**", "none"}}
	require.False(t, before.Equal(compute(t, e, inputs)))
}

func TestCompute_InvalidPatternIsReported(t *testing.T) {
	dir := realTempDir(t)
	writeFile(t, filepath.Join(dir, "src", "a"), "a")

	_, err := NewEngine(dir).Compute(context.Background(), InputSet{
		"sources": Directory{Path: "src", Includes: []string{"[unterminated"}},
	})
	var patternErr *PatternError
	require.ErrorAs(t, err, &patternErr)
	require.Equal(t, "[unterminated", patternErr.Pattern)
}

func TestCompute_MissingFileThenCreatedChangesDigest(t *testing.T) {
	dir := realTempDir(t)
	e := NewEngine(dir)
	inputs := InputSet{"optional": File{Path: "optional.cfg"}}

	missing := compute(t, e, inputs)
	require.Empty(t, missing.Files)

	writeFile(t, filepath.Join(dir, "optional.cfg"), "")
	created := compute(t, e, inputs)
	require.False(t, missing.Equal(created))
	require.Len(t, created.Files, 1)
}

func TestCompute_ArtifactEmptySlotsAreDistinct(t *testing.T) {
	e := NewEngine(realTempDir(t))

	a := compute(t, e, InputSet{"dep": Artifact{Group: "g", ArtifactID: "a", Version: "1"}})
	b := compute(t, e, InputSet{"dep": Artifact{Group: "g", ArtifactID: "a", Version: "1", Classifier: "tests"}})
	c := compute(t, e, InputSet{"dep": Artifact{Group: "", ArtifactID: "ga", Version: "1"}})

	require.False(t, a.Equal(b))
	require.False(t, a.Equal(c))
}

func TestCompute_ArtifactLocationIsDigested(t *testing.T) {
	dir := realTempDir(t)
	jar := filepath.Join(dir, "repo", "dep-1.jar")
	writeFile(t, jar, "v1")

	e := NewEngine(dir)
	inputs := InputSet{"dep": Artifact{Group: "g", ArtifactID: "dep", Version: "1", Location: jar}}
	before := compute(t, e, inputs)
	require.Contains(t, before.Files, jar)

	writeFile(t, jar, "v2")
	require.False(t, before.Equal(compute(t, e, inputs)))
}

func TestCompute_MapOrderIndependentListOrderSignificant(t *testing.T) {
	e := NewEngine(realTempDir(t))

	m1 := compute(t, e, InputSet{"opts": Map{"a": String("1"), "b": String("2")}})
	m2 := compute(t, e, InputSet{"opts": Map{"b": String("2"), "a": String("1")}})
	require.True(t, m1.Equal(m2))

	l1 := compute(t, e, InputSet{"args": List{String("a"), String("b")}})
	l2 := compute(t, e, InputSet{"args": List{String("b"), String("a")}})
	require.False(t, l1.Equal(l2))
}

func TestCompute_StringAndFileWithSameTextDiffer(t *testing.T) {
	dir := realTempDir(t)
	e := NewEngine(dir)
	path := filepath.Join(dir, "x")

	s := compute(t, e, InputSet{"v": String(path)})
	f := compute(t, e, InputSet{"v": File{Path: path}})
	require.NotEqual(t, s.Members["v"], f.Members["v"])
}

func TestCompute_FilesUnionAcrossMembers(t *testing.T) {
	dir := realTempDir(t)
	shared := filepath.Join(dir, "shared.txt")
	writeFile(t, shared, "s")
	writeFile(t, filepath.Join(dir, "lib", "l.txt"), "l")

	d := compute(t, NewEngine(dir), InputSet{
		"one": File{Path: "shared.txt"},
		"two": List{File{Path: shared}, Directory{Path: "lib"}},
	})
	require.Equal(t, []string{filepath.Join(dir, "lib", "l.txt"), shared}, d.FilePaths())
}

func TestCompute_ArchiveEntryResource(t *testing.T) {
	dir := realTempDir(t)
	archivePath := filepath.Join(dir, "bundle.zip")
	writeZip(t, archivePath, map[string]string{"META-INF/plugin.xml": "<plugin/>", "other": "x"})

	e := NewEngine(dir)
	inputs := InputSet{"descriptor": Resource{URL: "jar:file://" + archivePath + "!/META-INF/plugin.xml"}}
	before := compute(t, e, inputs)
	require.Contains(t, before.Files, archivePath)

	writeZip(t, archivePath, map[string]string{"META-INF/plugin.xml": "<plugin id='x'/>", "other": "x"})
	require.False(t, before.Equal(compute(t, e, inputs)))
}

func TestCompute_HTTPResourceStreamsBody(t *testing.T) {
	body := "remote v1"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	e := NewEngine(realTempDir(t))
	e.HTTPClient = srv.Client()
	inputs := InputSet{"remote": Resource{URL: srv.URL + "/schema.xsd"}}

	before := compute(t, e, inputs)
	require.Empty(t, before.Files)
	require.True(t, before.Equal(compute(t, e, inputs)))

	body = "remote v2"
	require.False(t, before.Equal(compute(t, e, inputs)))
}

func TestCompute_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewEngine(realTempDir(t)).Compute(ctx, InputSet{"a": String("x")})
	require.ErrorIs(t, err, context.Canceled)
}

func TestHash_StringRoundTrip(t *testing.T) {
	h := HashString("content")
	parsed, err := ParseHash(h.String())
	require.NoError(t, err)
	require.Equal(t, h, parsed)

	_, err = ParseHash("abcd")
	require.Error(t, err)
}

func writeZip(t *testing.T, path string, entries map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	w := zip.NewWriter(f)
	for _, name := range []string{"META-INF/plugin.xml", "other"} {
		content, ok := entries[name]
		if !ok {
			continue
		}
		ew, err := w.Create(name)
		require.NoError(t, err)
		_, err = ew.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())
}
