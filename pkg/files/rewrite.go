package files

import (
	"fmt"
	"strings"

	"github.com/cumulusfs/cumulus/pkg/index"
	"github.com/cumulusfs/cumulus/pkg/storage"
)

// rewritePrefix swaps oldPrefix for newPrefix at the start of path. The
// second return is false when path does not lie under oldPrefix; callers
// treat that as an index inconsistency.
func rewritePrefix(path, oldPrefix, newPrefix string) (string, bool) {
	if path == oldPrefix {
		return newPrefix, true
	}
	if !strings.HasPrefix(path, oldPrefix+"/") {
		return "", false
	}
	return newPrefix + path[len(oldPrefix):], true
}

// rewriteDescendants rewrites the storage paths of all entries from oldPrefix
// to newPrefix and saves them inside the transaction. Entries are processed
// in path order, so parents are rewritten before their children.
func rewriteDescendants(tx *index.Tx, entries []*index.FileEntry, oldPrefix, newPrefix string) error {
	for _, e := range entries {
		rewritten, ok := rewritePrefix(e.StoragePath, oldPrefix, newPrefix)
		if !ok {
			// Descendant listing is prefix-based, so this cannot happen
			// unless the index is corrupt. Fail the whole transaction.
			return fmt.Errorf("entry %s path %q lies outside subtree %q", e.ID, e.StoragePath, oldPrefix)
		}
		e.StoragePath = rewritten
		e.StoragePathHash = storage.PathHash(rewritten)
		if err := tx.SaveEntry(e); err != nil {
			return err
		}
	}
	return nil
}
