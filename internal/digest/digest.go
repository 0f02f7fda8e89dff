package digest

import (
	"maps"
	"slices"
)

// Digest is the fingerprint of a builder's inputs.
//
// Members holds one accumulated hash per top-level input member. Files holds
// the content hash of every concrete file touched by any member, keyed by
// normalized path. Go maps are unordered; every consumer that needs an order
// (encoding, reporting) iterates the sorted keys.
type Digest struct {
	Members map[string]Hash `cbor:"1,keyasint"`
	Files   map[string]Hash `cbor:"2,keyasint"`
}

// Equal reports whether d and other describe identical inputs. A nil Digest
// represents "no previous state" and is unequal to every Digest, including
// another nil one.
func (d *Digest) Equal(other *Digest) bool {
	if d == nil || other == nil {
		return false
	}
	return maps.Equal(d.Members, other.Members) && maps.Equal(d.Files, other.Files)
}

// MemberNames returns the member names in sorted order.
func (d *Digest) MemberNames() []string {
	if d == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(d.Members))
}

// FilePaths returns the paths of all digested files in sorted order.
func (d *Digest) FilePaths() []string {
	if d == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(d.Files))
}

// ChangedMembers lists, in sorted order, members that were added, removed
// or changed between previous and d. Every member is reported changed when
// previous is nil.
func (d *Digest) ChangedMembers(previous *Digest) []string {
	if d == nil {
		return nil
	}
	if previous == nil {
		return d.MemberNames()
	}
	return changedKeys(d.Members, previous.Members)
}

// ChangedFiles lists, in sorted order, files whose content differs between
// previous and d, including files that appeared or disappeared.
func (d *Digest) ChangedFiles(previous *Digest) []string {
	if d == nil {
		return nil
	}
	if previous == nil {
		return d.FilePaths()
	}
	return changedKeys(d.Files, previous.Files)
}

// FileChanged reports whether path has a different content hash in d than
// in previous. Files unknown to both digests are unchanged.
func (d *Digest) FileChanged(previous *Digest, path string) bool {
	if d == nil || previous == nil {
		return true
	}
	cur, inCur := d.Files[path]
	old, inOld := previous.Files[path]
	return inCur != inOld || cur != old
}

func changedKeys(cur, old map[string]Hash) []string {
	var out []string
	for k, v := range cur {
		if ov, ok := old[k]; !ok || ov != v {
			out = append(out, k)
		}
	}
	for k := range old {
		if _, ok := cur[k]; !ok {
			out = append(out, k)
		}
	}
	slices.Sort(out)
	return out
}
