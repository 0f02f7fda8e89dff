package trace

import "buildguard/internal/digest"

// ComputeTraceHash hashes a canonical trace encoding (see
// BuildTrace.CanonicalJSON) with the content digester and returns it in hex.
func ComputeTraceHash(canonicalEncoding []byte) string {
	if len(canonicalEncoding) == 0 {
		return ""
	}
	return digest.HashBytes(canonicalEncoding).String()
}
