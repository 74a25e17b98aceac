package cache

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/zeebo/xxh3"
)

// QueryKey builds the L3 cache key for a query: a normalized
// representation of the SQL text plus its parameters, hashed so
// formatting differences don't split cache entries. mediaItemID scopes
// the key so write invalidation ("video:{id}:*" under the query
// namespace) can find it.
func QueryKey(mediaItemID, sqlText string, args []any) string {
	var sb strings.Builder
	sb.WriteString(strings.ToLower(strings.Join(strings.Fields(sqlText), " ")))
	if len(args) > 0 {
		if encoded, err := json.Marshal(args); err == nil {
			sb.Write(encoded)
		} else {
			fmt.Fprintf(&sb, "%v", args)
		}
	}
	digest := xxh3.HashString(sb.String())
	// The video-scoped pattern is embedded so "video:{id}:*" sweeps in
	// the query namespace catch these keys.
	return Key(NamespaceQuery, NamespaceVideo, mediaItemID, fmt.Sprintf("%016x", digest))
}
