package state

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"buildguard/internal/codec"
	"buildguard/internal/digest"
)

func sampleState() *ExecutionState {
	return &ExecutionState{
		InputsDigest: &digest.Digest{
			Members: map[string]digest.Hash{"sources": digest.HashString("a")},
			Files:   map[string]digest.Hash{"/src/A.java": digest.HashString("class A {}")},
		},
		Properties:      map[string]digest.Hash{"step": digest.HashString("1")},
		ClasspathDigest: digest.HashString("cp"),
		ResourceRoots:   []string{"/res"},
		Messages: []Message{
			{Location: "/src/A.java", Line: 3, Column: 7, Text: "unused import", Severity: SeverityWarning},
		},
		ExceptionsDigest: map[string]digest.Hash{"/out/counter": digest.HashString("1")},
		OutputPaths:      []string{"/out/b", "/out/a", "/out/a"},
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "builder.state"))
	require.NoError(t, err)
	return store
}

func TestStore_SaveAndLoad_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	want := sampleState()
	require.NoError(t, store.Save(want))

	loaded, err := store.Load()
	require.NoError(t, err)
	require.NotNil(t, loaded.State)
	require.Empty(t, loaded.Discarded)
	require.Equal(t, []string{"/out/a", "/out/b"}, loaded.OutputPaths)

	got := loaded.State
	require.True(t, got.InputsDigest.Equal(want.InputsDigest))
	require.Equal(t, want.Properties, got.Properties)
	require.Equal(t, want.ClasspathDigest, got.ClasspathDigest)
	require.Equal(t, want.Messages, got.Messages)
	require.Equal(t, want.ExceptionsDigest, got.ExceptionsDigest)
	require.Equal(t, []string{"/res"}, got.ResourceRoots)
	require.Equal(t, []string{"/out/a", "/out/b"}, got.OutputPaths)
}

func TestStore_Load_MissingFileIsAbsent(t *testing.T) {
	store := newTestStore(t)
	loaded, err := store.Load()
	require.NoError(t, err)
	require.Nil(t, loaded.State)
	require.Empty(t, loaded.OutputPaths)
	require.Empty(t, loaded.Discarded)
}

func TestStore_Save_DoesNotLeaveTempFiles(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save(sampleState()))
	require.NoError(t, store.Save(sampleState()))

	entries, err := os.ReadDir(filepath.Dir(store.Path()))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "builder.state", entries[0].Name())
}

func TestStore_Save_RejectsStateWithoutDigest(t *testing.T) {
	store := newTestStore(t)
	err := store.Save(&ExecutionState{})
	require.ErrorContains(t, err, "inputs digest is required")
}

func TestEncode_IsDeterministic(t *testing.T) {
	a := sampleState()
	b := sampleState()
	b.OutputPaths = []string{"/out/a", "/out/b"}

	ea, err := Encode(a)
	require.NoError(t, err)
	eb, err := Encode(b)
	require.NoError(t, err)
	require.True(t, bytes.Equal(ea, eb))
}

func TestDecode_VersionMismatchKeepsOutputPaths(t *testing.T) {
	data, err := codec.Marshal(header{Format: FormatTag, Version: FormatVersion + 1, OutputPaths: []string{"/out/x"}})
	require.NoError(t, err)
	data = append(data, 0x43, 1, 2, 3) // a future remainder this version cannot read

	loaded, err := Decode(data)
	require.NoError(t, err)
	require.Nil(t, loaded.State)
	require.Equal(t, []string{"/out/x"}, loaded.OutputPaths)
	require.Contains(t, loaded.Discarded, "version")
}

func TestDecode_CorruptRemainderIsAbsent(t *testing.T) {
	data, err := codec.Marshal(header{Format: FormatTag, Version: FormatVersion, OutputPaths: []string{"/out/x"}})
	require.NoError(t, err)
	junk, err := codec.Marshal([]byte("not zstd"))
	require.NoError(t, err)

	loaded, err := Decode(append(data, junk...))
	require.NoError(t, err)
	require.Nil(t, loaded.State)
	require.Equal(t, []string{"/out/x"}, loaded.OutputPaths)
	require.Equal(t, "corrupt remainder", loaded.Discarded)
}

func TestDecode_CorruptHeaderIsHardError(t *testing.T) {
	_, err := Decode([]byte{0xff, 0x00, 0x01})
	require.ErrorIs(t, err, ErrCorruptHeader)

	foreign, merr := codec.Marshal(header{Format: "something.else", Version: FormatVersion})
	require.NoError(t, merr)
	_, err = Decode(foreign)
	require.ErrorIs(t, err, ErrCorruptHeader)
}

func TestStore_Load_CorruptHeaderIsPersistenceError(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, os.WriteFile(store.Path(), []byte{0xff, 0xff}, 0o644))

	_, err := store.Load()
	var pe *PersistenceError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, "decode", pe.Op)
	require.ErrorIs(t, err, ErrCorruptHeader)
}

func TestStore_Invalidate_KeepsOutputsDropsState(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save(sampleState()))
	require.NoError(t, store.Invalidate())

	loaded, err := store.Load()
	require.NoError(t, err)
	require.Nil(t, loaded.State)
	require.Equal(t, "invalidated", loaded.Discarded)
	require.Equal(t, []string{"/out/a", "/out/b"}, loaded.OutputPaths)
}

func TestStore_Invalidate_MissingFileIsNoop(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Invalidate())
	_, err := os.Stat(store.Path())
	require.True(t, os.IsNotExist(err))
}

func TestStore_Paths(t *testing.T) {
	store := newTestStore(t)
	require.True(t, filepath.IsAbs(store.Path()))
	require.Equal(t, store.Path()+"-undo", store.UndoLogPath())
	require.Equal(t, store.Path()+".lock", store.LockPath())

	_, err := NewStore("  ")
	require.Error(t, err)
}

func TestExecutionState_HasErrors(t *testing.T) {
	st := sampleState()
	require.False(t, st.HasErrors())
	st.Messages = append(st.Messages, Message{Text: "boom", Severity: SeverityError})
	require.True(t, st.HasErrors())
}

func TestMessage_String(t *testing.T) {
	m := Message{Location: "A.java", Line: 3, Column: 7, Text: "bad", Severity: SeverityError, Cause: "io"}
	require.Equal(t, "A.java:3:7: error: bad (caused by: io)", m.String())
	require.Equal(t, "warning: w", Message{Text: "w", Severity: SeverityWarning}.String())
	require.Error(t, Message{Severity: "fatal"}.Validate())
}

func TestMessage_Normalized(t *testing.T) {
	cases := []struct {
		name string
		in   Message
		want Message
	}{
		{"valid unchanged", Message{Text: "t", Severity: SeverityWarning, Line: 2}, Message{Text: "t", Severity: SeverityWarning, Line: 2}},
		{"empty severity", Message{Text: "t"}, Message{Text: "t", Severity: SeverityInfo}},
		{"unknown severity", Message{Text: "t", Severity: "fatal"}, Message{Text: "t", Severity: SeverityError}},
		{"blank text", Message{Text: " ", Severity: SeverityError}, Message{Text: "(no message)", Severity: SeverityError}},
		{"negative position", Message{Text: "t", Severity: SeverityInfo, Line: -1, Column: -3}, Message{Text: "t", Severity: SeverityInfo}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := tc.in.Normalized()
			require.Equal(t, tc.want, got)
			require.NoError(t, got.Validate())
		})
	}
}
