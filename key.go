package retain

import "strconv"

// resolveKey derives the stable identity for a retained slot: an explicit
// non-empty key wins, otherwise the tree-position fingerprint is encoded in
// base 36. Base 36 keeps large fingerprints short while remaining printable.
func resolveKey(key string, fingerprint uint64) string {
	if key != "" {
		return key
	}
	return strconv.FormatUint(fingerprint, 36)
}
