package btree

import (
	"slices"

	"github.com/pkkm/blockdb/internal/check"
)

// maxDepth bounds the insert path. Tree height is logarithmic in the
// number of items, so this is enough for any realistic file.
const maxDepth = 32

// pathEntry is one step of the path recorded during the down pass: the
// block index of a visited node and its in-memory snapshot. The up pass
// uses it to reach parents and siblings without re-reading them.
type pathEntry struct {
	ptr  uint64
	node *node
}

// Set associates value with key, inserting or overwriting.
func (t *Tree) Set(key Key, value Value) error {
	path := make([]pathEntry, maxDepth)

	return t.setDownPass(item{key: key, value: value}, path, t.super.root, 0)
}

// setDownPass descends to the node where newItem belongs, recording the
// path. An exact key match is overwritten in place; otherwise the up pass
// takes over at the leaf.
func (t *Tree) setDownPass(newItem item, path []pathEntry, ptr uint64, depth int) error {
	check.Assert(1, depth < maxDepth, "insert path deeper than %d", maxDepth)

	n, err := t.readNode(ptr)
	if err != nil {
		return err
	}

	path[depth] = pathEntry{ptr: ptr, node: n}

	// Index of the first key >= newItem.key, or nItems if there is none.
	i := 0
	for i < n.nItems && n.items[i].key < newItem.key {
		i++
	}

	if i < n.nItems && n.items[i].key == newItem.key {
		n.items[i].value = newItem.value

		return t.writeNode(n, ptr)
	}

	if !n.isLeaf {
		// keys[i-1] < newItem.key < keys[i], so newItem belongs in the
		// i-th child's subtree.
		return t.setDownPass(newItem, path, n.children[i], depth+1)
	}

	return t.setUpPass(newItem, nilPtr, i, path, depth)
}

// setUpPass inserts newItem at position iInNode of the node recorded at
// path[depth], recursing upward when the insert overflows. newRightChild
// is non-nil only when propagating a separator from a split below.
func (t *Tree) setUpPass(newItem item, newRightChild uint64, iInNode int, path []pathEntry, depth int) error {
	check.Assert(1, depth >= 0, "up pass below the root")

	ptr := path[depth].ptr
	n := path[depth].node

	check.Assert(1, iInNode <= n.nItems, "insert position %d past %d items", iInNode, n.nItems)
	check.Assert(1, (ptr == t.super.root) == (depth == 0), "path depth %d disagrees with root", depth)
	check.Assert(1, n.isLeaf == (newRightChild == nilPtr),
		"leaf %v with right child %d", n.isLeaf, newRightChild)

	// If there's free space in the node, just insert the item.
	if n.nItems < t.geo.maxItems {
		copy(n.items[iInNode+1:n.nItems+1], n.items[iInNode:n.nItems])
		n.items[iInNode] = newItem
		copy(n.children[iInNode+2:n.nItems+2], n.children[iInNode+1:n.nItems+1])
		n.children[iInNode+1] = newRightChild
		n.nItems++

		return t.writeNode(n, ptr)
	}

	// The node is full. If it's not the root, try to compensate (shed
	// items into a sibling through the parent's separator).

	parentPtr := nilPtr
	iNodeInParent := 0

	if ptr != t.super.root {
		parentPtr = path[depth-1].ptr
		parent := path[depth-1].node

		for iNodeInParent < t.geo.maxChildren && parent.children[iNodeInParent] != ptr {
			iNodeInParent++
		}

		// Defensive in case the tree is malformed.
		check.Assert(1, iNodeInParent < t.geo.maxChildren, "node %d not found in parent %d", ptr, parentPtr)

		ok, err := t.setTryCompensate(n, ptr, parent, parentPtr,
			newItem, newRightChild, iInNode, iNodeInParent)
		if err != nil || ok {
			return err
		}
	}

	// Can't compensate. Split the node: add a right sibling, keep the
	// first half here, and push the middle item up as a separator.

	sibling := t.newNode()
	sibling.isLeaf = n.isLeaf

	allItems := slices.Insert(slices.Clone(n.items), iInNode, newItem)

	n.nItems = t.geo.minItems
	copy(n.items, allItems[:n.nItems])
	separator := allItems[n.nItems]
	sibling.nItems = len(allItems) - n.nItems - 1
	copy(sibling.items, allItems[n.nItems+1:])

	allChildren := slices.Insert(slices.Clone(n.children), iInNode+1, newRightChild)

	copy(n.children, allChildren[:n.nItems+1])
	copy(sibling.children, allChildren[n.nItems+1:])

	if err := t.writeNode(n, ptr); err != nil {
		return err
	}

	siblingPtr, err := t.allocBlock()
	if err != nil {
		return err
	}

	if err := t.writeNode(sibling, siblingPtr); err != nil {
		return err
	}

	if parentPtr != nilPtr {
		return t.setUpPass(separator, siblingPtr, iNodeInParent, path, depth-1)
	}

	// We're splitting the root: grow a new one above it.
	newRoot := t.newNode()
	newRoot.isLeaf = false
	newRoot.nItems = 1
	newRoot.items[0] = separator
	newRoot.children[0] = ptr
	newRoot.children[1] = siblingPtr

	newRootPtr, err := t.allocBlock()
	if err != nil {
		return err
	}

	t.super.root = newRootPtr

	return t.writeNode(newRoot, newRootPtr)
}

// setTryCompensate redistributes the full node's items with an under-full
// sibling, if one exists. The left sibling is preferred. Returns false if
// both siblings are full.
func (t *Tree) setTryCompensate(n *node, ptr uint64, parent *node, parentPtr uint64,
	newItem item, newRightChild uint64, iInNode, iNodeInParent int) (bool, error) {
	if iNodeInParent > 0 { // Has a left sibling.
		leftPtr := parent.children[iNodeInParent-1]

		left, err := t.readNode(leftPtr)
		if err != nil {
			return false, err
		}

		if left.nItems < t.geo.maxItems {
			t.compensate(&parent.items[iNodeInParent-1], left, n,
				newItem, newRightChild, false, iInNode)

			if err := t.writeNode(parent, parentPtr); err != nil {
				return false, err
			}

			if err := t.writeNode(left, leftPtr); err != nil {
				return false, err
			}

			return true, t.writeNode(n, ptr)
		}
	}

	if iNodeInParent < parent.nItems { // Has a right sibling.
		rightPtr := parent.children[iNodeInParent+1]

		right, err := t.readNode(rightPtr)
		if err != nil {
			return false, err
		}

		if right.nItems < t.geo.maxItems {
			t.compensate(&parent.items[iNodeInParent], n, right,
				newItem, newRightChild, true, iInNode)

			if err := t.writeNode(parent, parentPtr); err != nil {
				return false, err
			}

			if err := t.writeNode(n, ptr); err != nil {
				return false, err
			}

			return true, t.writeNode(right, rightPtr)
		}
	}

	return false, nil
}

// compensate merges left's items, the separator, right's items and newItem
// (spliced in at its position) into one sequence, then redistributes it
// evenly between the two nodes with a new separator in the middle. Child
// pointers are merged and split along the same seam.
//
// newInLeft says which node iNew is relative to. The caller must write
// both nodes and the parent back afterwards.
func (t *Tree) compensate(separator *item, left, right *node,
	newItem item, newRightChild uint64, newInLeft bool, iNew int) {
	check.Assert(1, left.nItems < t.geo.maxItems || right.nItems < t.geo.maxItems,
		"compensating two full nodes")
	check.Assert(1, left.nItems == 0 || left.items[left.nItems-1].key < separator.key,
		"separator %d not above left node", separator.key)
	check.Assert(1, right.nItems == 0 || separator.key < right.items[0].key,
		"separator %d not below right node", separator.key)
	check.Assert(1, (left.isLeaf && right.isLeaf && newRightChild == nilPtr) ||
		(!left.isLeaf && !right.isLeaf && newRightChild != nilPtr),
		"leaf flags %v/%v with right child %d", left.isLeaf, right.isLeaf, newRightChild)

	// Collect the items of both nodes, the separator, and newItem into one
	// ordered sequence.

	iNewInAll := iNew
	if !newInLeft {
		iNewInAll = left.nItems + 1 + iNew
	}

	allItems := make([]item, 0, left.nItems+right.nItems+2)
	allItems = append(allItems, left.items[:left.nItems]...)
	allItems = append(allItems, *separator)
	allItems = append(allItems, right.items[:right.nItems]...)
	allItems = slices.Insert(allItems, iNewInAll, newItem)

	// Same for the children, splicing newRightChild just after newItem.

	iNewChildInAll := iNew + 1
	if !newInLeft {
		iNewChildInAll = left.nItems + 1 + iNew + 1
	}

	allChildren := make([]uint64, 0, left.nItems+right.nItems+3)
	allChildren = append(allChildren, left.children[:left.nItems+1]...)
	allChildren = append(allChildren, right.children[:right.nItems+1]...)
	allChildren = slices.Insert(allChildren, iNewChildInAll, newRightChild)

	// Divide the items between the left node, the separator slot in the
	// parent, and the right node.

	left.nItems = (len(allItems) - 1) / 2
	right.nItems = len(allItems) - 1 - left.nItems

	copy(left.items, allItems[:left.nItems])
	*separator = allItems[left.nItems]
	copy(right.items, allItems[left.nItems+1:])

	copy(left.children, allChildren[:left.nItems+1])
	copy(right.children, allChildren[left.nItems+1:])

	check.Assert(2, t.validNode(left, false) && t.validNode(right, false),
		"compensation produced an invalid node")
}
