package indexes

import (
	"fmt"

	"github.com/ripkitten-co/lynx/internal/meta"
)

// CREATE INDEX CONCURRENTLY cannot run inside a transaction block, so session
// executors get the plain form.
func createIndex(concurrently bool) string {
	if concurrently {
		return "CREATE INDEX CONCURRENTLY IF NOT EXISTS"
	}
	return "CREATE INDEX IF NOT EXISTS"
}

func btreeDDL(collection, field string, concurrently bool) string {
	return fmt.Sprintf(
		"%s idx_lynx_%s_%s ON lynx_%s ((data->>'%s'))",
		createIndex(concurrently), collection, field, collection, field,
	)
}

func ginDDL(collection string, concurrently bool) string {
	return fmt.Sprintf(
		"%s idx_lynx_%s_data_gin ON lynx_%s USING GIN (data)",
		createIndex(concurrently), collection, collection,
	)
}

func IndexName(collection string, idx meta.IndexMeta) string {
	if idx.Type == meta.IndexGIN {
		return fmt.Sprintf("idx_lynx_%s_data_gin", collection)
	}
	return fmt.Sprintf("idx_lynx_%s_%s", collection, idx.FieldJSONKey)
}

// IndexDDL returns the statement creating idx on the collection table.
func IndexDDL(collection string, idx meta.IndexMeta, concurrently bool) string {
	if idx.Type == meta.IndexGIN {
		return ginDDL(collection, concurrently)
	}
	return btreeDDL(collection, idx.FieldJSONKey, concurrently)
}

func IndexDDLs(collection string, indexes []meta.IndexMeta, concurrently bool) []string {
	if len(indexes) == 0 {
		return nil
	}
	ddls := make([]string, 0, len(indexes))
	for _, idx := range indexes {
		ddls = append(ddls, IndexDDL(collection, idx, concurrently))
	}
	return ddls
}
