package metadata

import "strings"

// maxKeysCeiling is the largest page S3 returns regardless of the requested
// max-keys. Larger requests are clamped but the response still echoes the
// requested value.
const maxKeysCeiling = 1000

// EffectiveMaxKeys resolves the caller-supplied max-keys to the page size the
// listing engine actually uses.
func EffectiveMaxKeys(opts ListObjectsOptions) int {
	if !opts.MaxKeysSet {
		return maxKeysCeiling
	}
	if opts.MaxKeys > maxKeysCeiling {
		return maxKeysCeiling
	}
	return opts.MaxKeys
}

// startKey resolves the pagination cursor: the v2 continuation token wins,
// then the v1 marker, then start-after. All select strictly-greater entries
// and none needs to name an existing key.
func startKey(opts ListObjectsOptions) string {
	if opts.ContinuationToken != "" {
		return opts.ContinuationToken
	}
	if opts.Marker != "" {
		return opts.Marker
	}
	return opts.StartAfter
}

// paginate runs the shared listing algorithm over the bucket's keys in
// ascending raw byte order. records must be sorted by Key; both store
// implementations feed it that way, so "prefix.foo" sorts before
// "prefix/foo" exactly as S3 orders them.
//
// With a delimiter, the portion of each key between the prefix and the first
// delimiter occurrence rolls up into a common prefix; each distinct rolled
// prefix counts once toward max-keys, as does each plain content entry.
// Because a rolled prefix equals its first member key truncated, emission
// order stays ascending without re-sorting.
func paginate(records []ObjectRecord, opts ListObjectsOptions) *ListObjectsResult {
	result := &ListObjectsResult{}
	maxKeys := EffectiveMaxKeys(opts)
	// max-keys=0 is a valid request that returns an empty, non-truncated page.
	if maxKeys <= 0 {
		return result
	}
	start := startKey(opts)

	emitted := 0
	lastEntry := ""
	seenPrefix := ""
	havePrefix := false

	for _, rec := range records {
		key := rec.Key
		if opts.Prefix != "" && !strings.HasPrefix(key, opts.Prefix) {
			continue
		}

		entryKey := key
		isRolled := false
		if opts.Delimiter != "" {
			rest := key[len(opts.Prefix):]
			if idx := strings.Index(rest, opts.Delimiter); idx >= 0 {
				entryKey = opts.Prefix + rest[:idx+len(opts.Delimiter)]
				isRolled = true
			}
		}

		if entryKey <= start {
			continue
		}
		if isRolled && havePrefix && entryKey == seenPrefix {
			continue
		}

		if emitted >= maxKeys {
			result.IsTruncated = true
			break
		}

		if isRolled {
			result.CommonPrefixes = append(result.CommonPrefixes, entryKey)
			seenPrefix = entryKey
			havePrefix = true
		} else {
			result.Objects = append(result.Objects, rec)
		}
		emitted++
		lastEntry = entryKey
	}

	if result.IsTruncated {
		if opts.Delimiter != "" {
			result.NextMarker = lastEntry
		}
		result.NextContinuationToken = lastEntry
	}
	return result
}
