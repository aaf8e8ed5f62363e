package blockstore

import (
	"fmt"

	"forestfs/pkg/blockid"
	"forestfs/pkg/codec"
	"forestfs/pkg/ferrors"
	"forestfs/pkg/pickle"
)

// TreeNodeStore adapts a Store to pkg/btree's NodeStore contract: tree
// nodes are (de)serialized via pkg/pickle and persisted as ordinary
// blocks tagged with the tree's semantic type (Directory or FileBlock).
type TreeNodeStore struct {
	store *Store
}

// NewTreeNodeStore wraps store for use as a btree.NodeStore.
func NewTreeNodeStore(store *Store) *TreeNodeStore {
	return &TreeNodeStore{store: store}
}

// LoadTreeNode loads and decodes the tree-node block at id.
func (s *TreeNodeStore) LoadTreeNode(id blockid.ID, semanticType byte) (*pickle.TreeNodeContent, bool, error) {
	gotType, leafy, payload, err := s.store.GetBlockByID(id)
	if err != nil {
		return nil, false, err
	}
	if gotType != semanticType {
		return nil, false, fmt.Errorf("blockstore: %w: block %s has type %d, expected %d", ferrors.ErrCorruption, id, gotType, semanticType)
	}
	content, err := pickle.UnmarshalContent(payload)
	if err != nil {
		return nil, false, err
	}
	return content, leafy, nil
}

// StoreTreeNode encodes content and stores (or refers, if an identical
// block already exists) it under semanticType/leafy.
func (s *TreeNodeStore) StoreTreeNode(content *pickle.TreeNodeContent, semanticType byte, leafy bool) (blockid.ID, error) {
	payload, err := pickle.MarshalContent(content)
	if err != nil {
		return blockid.ID{}, err
	}
	return s.store.ReferOrStoreBlock(semanticType, leafy, payload)
}

// ReleaseTreeNode releases a tree-node block's refcount by one.
func (s *TreeNodeStore) ReleaseTreeNode(id blockid.ID) error {
	return s.store.ReleaseBlock(id)
}

// TreeDataRefs is the DataRefsFunc for Directory and FileBlock semantic
// types (spec §4.4's "data-references callback"): an internal tree
// node's payload references its children's block ids directly; a leafy
// node's embedded leaves carry their own content pointers (a
// directory-entry's file/sub-tree block, or nothing for a file-block
// entry's raw index/id pair), which pkg/forest and pkg/filedata manage
// explicitly via ReferBlock/ReleaseBlock at the point a leaf's content
// pointer actually changes — so a leafy node itself has no further
// block-store-tracked dependencies to cascade.
func TreeDataRefs(payload []byte, leafy bool) ([]blockid.ID, error) {
	if leafy {
		return nil, nil
	}
	content, err := pickle.UnmarshalContent(payload)
	if err != nil {
		return nil, err
	}
	refs := make([]blockid.ID, 0, len(content.Children))
	for _, c := range content.Children {
		refs = append(refs, c.ID())
	}
	return refs, nil
}

// RegisterTreeDataRefs wires TreeDataRefs in for both tree semantic
// types the forest uses (directories and file block-trees).
func RegisterTreeDataRefs(s *Store) {
	s.RegisterDataRefs(codec.TypeDirectory, TreeDataRefs)
	s.RegisterDataRefs(codec.TypeFileBlock, TreeDataRefs)
}
