package localdb

import "bytes"

// Bucket name layout. Each collection owns three bucket families:
//
//	col|<name>          key -> record JSON
//	idx|<name>|<index>  value|key -> key (non-unique secondary index)
//	ridx|<name>         key -> JSON map of index values currently stored
//
// The reverse bucket lets an overwrite or delete remove stale forward index
// entries without scanning.
const bucketSep = 0

func dataBucketName(collection string) []byte {
	return compound("col", collection)
}

func indexBucketName(collection, index string) []byte {
	return compound("idx", collection, index)
}

func reverseBucketName(collection string) []byte {
	return compound("ridx", collection)
}

func compound(parts ...string) []byte {
	size := len(parts) - 1
	for _, p := range parts {
		size += len(p)
	}
	out := make([]byte, 0, size)
	for i, p := range parts {
		if i > 0 {
			out = append(out, bucketSep)
		}
		out = append(out, p...)
	}
	return out
}

// makeIndexKey creates a forward index key.
// Format: [value][separator][primary key]
func makeIndexKey(value, key string) []byte {
	return compound(value, key)
}

// indexPrefix returns the cursor seek prefix for all entries with the value.
func indexPrefix(value string) []byte {
	return append([]byte(value), bucketSep)
}

// parseIndexKey extracts the index value and primary key from a forward
// index key.
func parseIndexKey(data []byte) (value, key string) {
	if i := bytes.IndexByte(data, bucketSep); i >= 0 {
		return string(data[:i]), string(data[i+1:])
	}
	return string(data), ""
}
