package btree

import (
	"encoding/binary"
	"fmt"

	"github.com/pkkm/blockdb/internal/check"
)

// Node header: isLeaf (uint8) + nItems (uint16).
const nodeHeaderSize = 1 + 2

const (
	keySize   = 4
	valueSize = 8
	ptrSize   = 8
)

// geometry holds the node limits derived from the block size.
//
// maxItems is forced even (maxItems = 2*minItems) so that a split always
// leaves both halves with exactly minItems items.
type geometry struct {
	blockSize   uint64
	maxItems    int
	minItems    int
	maxChildren int
}

func geometryFor(opts Options) (geometry, error) {
	blockSize := opts.BlockSize
	if blockSize == 0 {
		blockSize = DefaultBlockSize
	}

	if blockSize < 0 {
		return geometry{}, fmt.Errorf("block size %d: %w", blockSize, ErrInvalidOptions)
	}

	// Besides the header, a node with n items stores n+1 child pointers,
	// hence the extra ptrSize off the top.
	maxPossible := (blockSize - nodeHeaderSize - ptrSize) / (keySize + valueSize + ptrSize)

	geo := geometry{
		blockSize: uint64(blockSize),
		minItems:  maxPossible / 2,
	}
	geo.maxItems = 2 * geo.minItems
	geo.maxChildren = geo.maxItems + 1

	if geo.maxItems < 2 {
		return geometry{}, fmt.Errorf("block size %d holds %d items per node, need at least 2: %w",
			blockSize, geo.maxItems, ErrInvalidOptions)
	}

	if superblockSize > blockSize {
		return geometry{}, fmt.Errorf("block size %d smaller than superblock: %w",
			blockSize, ErrInvalidOptions)
	}

	return geo, nil
}

// nodeSize returns the serialized size of a node. Always <= blockSize.
func (g geometry) nodeSize() int {
	return nodeHeaderSize + g.maxItems*(keySize+valueSize) + g.maxChildren*ptrSize
}

// item is a key/value pair stored in a node.
type item struct {
	key   Key
	value Value
}

// node is the in-memory form of one block of the tree.
//
// Nodes are plain data: any modification must be persisted explicitly with
// writeNode. items and children always have full capacity (maxItems and
// maxChildren); only the first nItems (and nItems+1 children, for internal
// nodes) are meaningful.
type node struct {
	isLeaf   bool
	nItems   int
	items    []item
	children []uint64
}

// newNode returns an empty leaf with all child slots nil.
func (t *Tree) newNode() *node {
	n := &node{
		isLeaf:   true,
		items:    make([]item, t.geo.maxItems),
		children: make([]uint64, t.geo.maxChildren),
	}

	for i := range n.children {
		n.children[i] = nilPtr
	}

	return n
}

// validNode reports whether the node satisfies the per-node invariants:
// item count within bounds, keys strictly ascending, and all reachable
// child pointers non-nil for internal nodes.
func (t *Tree) validNode(n *node, isRoot bool) bool {
	if n.nItems > t.geo.maxItems {
		return false
	}

	if !isRoot && n.nItems < t.geo.minItems {
		return false
	}

	if !n.isLeaf {
		for i := 0; i <= n.nItems; i++ {
			if n.children[i] == nilPtr {
				return false
			}
		}
	}

	for i := 1; i < n.nItems; i++ {
		if n.items[i-1].key >= n.items[i].key {
			return false
		}
	}

	return true
}

// readNode loads and validates the node stored at block ptr.
func (t *Tree) readNode(ptr uint64) (*node, error) {
	buf := make([]byte, t.geo.nodeSize())
	if err := t.file.ReadAt(buf, ptr*t.geo.blockSize); err != nil {
		return nil, err
	}

	n := &node{
		isLeaf:   buf[0] != 0,
		nItems:   int(binary.LittleEndian.Uint16(buf[1:])),
		items:    make([]item, t.geo.maxItems),
		children: make([]uint64, t.geo.maxChildren),
	}

	pos := nodeHeaderSize
	for i := range n.items {
		n.items[i].key = Key(binary.LittleEndian.Uint32(buf[pos:]))
		n.items[i].value = Value(binary.LittleEndian.Uint64(buf[pos+keySize:]))
		pos += keySize + valueSize
	}

	for i := range n.children {
		n.children[i] = binary.LittleEndian.Uint64(buf[pos:])
		pos += ptrSize
	}

	check.Assert(2, t.validNode(n, ptr == t.super.root), "invalid node read from block %d", ptr)

	return n, nil
}

// writeNode serializes the node into block ptr.
func (t *Tree) writeNode(n *node, ptr uint64) error {
	check.Assert(2, t.validNode(n, ptr == t.super.root), "writing invalid node to block %d", ptr)

	buf := make([]byte, t.geo.nodeSize())

	if n.isLeaf {
		buf[0] = 1
	}

	binary.LittleEndian.PutUint16(buf[1:], uint16(n.nItems))

	pos := nodeHeaderSize
	for i := range n.items {
		binary.LittleEndian.PutUint32(buf[pos:], uint32(n.items[i].key))
		binary.LittleEndian.PutUint64(buf[pos+keySize:], uint64(n.items[i].value))
		pos += keySize + valueSize
	}

	for i := range n.children {
		binary.LittleEndian.PutUint64(buf[pos:], n.children[i])
		pos += ptrSize
	}

	return t.file.WriteAt(buf, ptr*t.geo.blockSize)
}
