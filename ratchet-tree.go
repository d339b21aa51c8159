package mls

import (
	"bytes"
	"fmt"

	syntax "github.com/cisco/go-tls-syntax"
)

///
/// Tree hash inputs
///

//	struct {
//	    uint32 node_index;
//	    optional<LeafNode> leaf_node;
//	} LeafNodeHashInput;
type leafNodeHashInput struct {
	NodeIndex NodeIndex
	LeafNode  *LeafNode `tls:"optional"`
}

//	struct {
//	    uint32 node_index;
//	    optional<ParentNode> parent_node;
//	    opaque left_hash<0..255>;
//	    opaque right_hash<0..255>;
//	} ParentNodeHashInput;
type parentNodeHashInput struct {
	NodeIndex  NodeIndex
	ParentNode *ParentNode `tls:"optional"`
	LeftHash   []byte      `tls:"head=1"`
	RightHash  []byte      `tls:"head=1"`
}

//	struct {
//	    HPKEPublicKey public_key;
//	    opaque parent_hash<0..255>;
//	    HPKEPublicKey original_child_resolution<0..2^32-1>;
//	} ParentHashInput;
type parentHashInput struct {
	PublicKey               HPKEPublicKey
	ParentHash              []byte          `tls:"head=1"`
	OriginalChildResolution []HPKEPublicKey `tls:"head=4"`
}

///
/// Read-only tree views
///

// nodeSource is a read view over a tree: the live tree or a diff on top of
// it.  Indices at or beyond the width read as blank.
type nodeSource interface {
	node(n NodeIndex) OptionalNode
	size() LeafCount
}

type nodeList []OptionalNode

func (nl nodeList) node(n NodeIndex) OptionalNode {
	if int(n) >= len(nl) {
		return OptionalNode{}
	}
	return nl[n]
}

func (nl nodeList) size() LeafCount {
	return leafWidth(NodeCount(len(nl)))
}

func containsLeaf(list []LeafIndex, l LeafIndex) bool {
	for _, v := range list {
		if v == l {
			return true
		}
	}
	return false
}

// resolve computes the resolution of a node, leaving out any leaf listed in
// exclude.  The result is in left-to-right order.
func resolve(src nodeSource, index NodeIndex, exclude []LeafIndex) []NodeIndex {
	n := src.node(index)

	if level(index) == 0 {
		if n.Blank() || containsLeaf(exclude, toLeafIndex(index)) {
			return []NodeIndex{}
		}
		return []NodeIndex{index}
	}

	// Resolution of non-blank is node + unmerged leaves
	if !n.Blank() {
		res := []NodeIndex{index}
		for _, u := range n.Node.Parent.UnmergedLeaves {
			if containsLeaf(exclude, u) {
				continue
			}
			res = append(res, toNodeIndex(u))
		}
		return res
	}

	// Resolution of blank intermediate node is concatenation of the resolutions
	// of the children
	l := resolve(src, left(index), exclude)
	r := resolve(src, right(index, src.size()), exclude)
	return append(l, r...)
}

func resolutionKeys(src nodeSource, index NodeIndex, exclude []LeafIndex) ([]HPKEPublicKey, error) {
	res := resolve(src, index, exclude)
	keys := make([]HPKEPublicKey, len(res))
	for i, n := range res {
		node := src.node(n)
		if node.Blank() {
			return nil, fmt.Errorf("mls.treesync: node %d: %w", n, ErrBlankUnmergedLeaf)
		}
		keys[i] = node.Node.PublicKey()
	}
	return keys, nil
}

func treeHash(suite CipherSuite, p Provider, src nodeSource) ([]byte, error) {
	if src.size() == 0 {
		return p.Hash(suite, []byte{})
	}
	return nodeHash(suite, p, src, root(src.size()))
}

func nodeHash(suite CipherSuite, p Provider, src nodeSource, index NodeIndex) ([]byte, error) {
	n := src.node(index)

	if level(index) == 0 {
		input := leafNodeHashInput{NodeIndex: index}
		if !n.Blank() {
			if n.Node.Type() != NodeTypeLeaf {
				return nil, fmt.Errorf("mls.treesync: parent at leaf position %d: %w", index, ErrMalformedTree)
			}
			input.LeafNode = n.Node.Leaf
		}

		data, err := syntax.Marshal(input)
		if err != nil {
			return nil, err
		}
		return p.Hash(suite, data)
	}

	lh, err := nodeHash(suite, p, src, left(index))
	if err != nil {
		return nil, err
	}

	rh, err := nodeHash(suite, p, src, right(index, src.size()))
	if err != nil {
		return nil, err
	}

	input := parentNodeHashInput{
		NodeIndex: index,
		LeftHash:  lh,
		RightHash: rh,
	}
	if !n.Blank() {
		if n.Node.Type() != NodeTypeParent {
			return nil, fmt.Errorf("mls.treesync: leaf at parent position %d: %w", index, ErrMalformedTree)
		}
		input.ParentNode = n.Node.Parent
	}

	data, err := syntax.Marshal(input)
	if err != nil {
		return nil, err
	}
	return p.Hash(suite, data)
}

// parentHash computes the hash a child of parentIndex commits to.  The
// sibling is the child not on the hashed path; its resolution is taken
// without the parent's unmerged leaves, so that it matches the resolution at
// the time the parent was set.
func parentHash(suite CipherSuite, p Provider, src nodeSource, parentIndex, siblingIndex NodeIndex) ([]byte, error) {
	n := src.node(parentIndex)
	if n.Blank() || n.Node.Type() != NodeTypeParent {
		return nil, libraryError("parent hash of non-parent node %d", parentIndex)
	}

	parentNode := n.Node.Parent
	keys, err := resolutionKeys(src, siblingIndex, parentNode.UnmergedLeaves)
	if err != nil {
		return nil, err
	}

	data, err := syntax.Marshal(parentHashInput{
		PublicKey:               parentNode.PublicKey,
		ParentHash:              parentNode.ParentHash,
		OriginalChildResolution: keys,
	})
	if err != nil {
		return nil, err
	}
	return p.Hash(suite, data)
}

// chainCandidates lists the non-blank nodes reachable from index through
// blank parents only.
func chainCandidates(src nodeSource, index NodeIndex) []NodeIndex {
	n := src.node(index)
	if !n.Blank() {
		return []NodeIndex{index}
	}

	if level(index) == 0 {
		return []NodeIndex{}
	}

	l := chainCandidates(src, left(index))
	r := chainCandidates(src, right(index, src.size()))
	return append(l, r...)
}

// verifyParentHashes checks that every non-blank parent node is covered by a
// descendant whose parent_hash matches.  The descendant must be reachable
// through blank nodes and must not be one of the parent's unmerged leaves.
func verifyParentHashes(suite CipherSuite, p Provider, src nodeSource) error {
	width := nodeWidth(src.size())
	for i := NodeIndex(1); NodeCount(i) < width; i += 2 {
		n := src.node(i)
		if n.Blank() {
			continue
		}

		parentNode := n.Node.Parent
		l := left(i)
		r := right(i, src.size())
		sides := [][2]NodeIndex{{l, r}, {r, l}}

		valid := false
		for _, side := range sides {
			child, sibling := side[0], side[1]
			h, err := parentHash(suite, p, src, i, sibling)
			if err != nil {
				return err
			}

			for _, d := range chainCandidates(src, child) {
				if level(d) == 0 && parentNode.hasUnmerged(toLeafIndex(d)) {
					continue
				}

				if bytes.Equal(src.node(d).parentHashValue(), h) {
					valid = true
					break
				}
			}

			if valid {
				break
			}
		}

		if !valid {
			return fmt.Errorf("mls.treesync: node %d: %w", i, ErrInvalidParentHash)
		}
	}

	return nil
}

// validateNodes checks a candidate node list before it becomes a live tree.
// Leaf signatures are checked for the leaves in verifyLeaves, or for every
// leaf when verifyLeaves is nil.
func validateNodes(suite CipherSuite, p Provider, nl nodeList, verifyLeaves map[LeafIndex]bool) error {
	if len(nl) > 0 && len(nl)%2 == 0 {
		return fmt.Errorf("mls.treesync: even node count %d: %w", len(nl), ErrMalformedTree)
	}

	size := nl.size()
	encKeys := map[string]LeafIndex{}
	sigKeys := map[string]LeafIndex{}
	for i, n := range nl {
		if n.Blank() {
			continue
		}

		if n.Node.Leaf == nil && n.Node.Parent == nil {
			return fmt.Errorf("mls.treesync: empty node at %d: %w", i, ErrMalformedTree)
		}

		index := NodeIndex(i)
		if level(index) == 0 {
			if n.Node.Type() != NodeTypeLeaf {
				return fmt.Errorf("mls.treesync: parent at leaf position %d: %w", i, ErrMalformedTree)
			}

			leaf := n.Node.Leaf
			li := toLeafIndex(index)
			if verifyLeaves == nil || verifyLeaves[li] {
				if !leaf.Verify() {
					return fmt.Errorf("mls.treesync: leaf %d signature: %w", li, ErrMalformedTree)
				}
			}

			enc := string(leaf.EncryptionKey.Data)
			if other, ok := encKeys[enc]; ok {
				return fmt.Errorf("mls.treesync: leaves %d and %d: %w", other, li, ErrDuplicateKeyPackage)
			}
			encKeys[enc] = li

			if pub := leaf.Credential.PublicKey(); pub != nil {
				sig := string(pub.Data)
				if other, ok := sigKeys[sig]; ok {
					return fmt.Errorf("mls.treesync: leaves %d and %d: %w", other, li, ErrDuplicateKeyPackage)
				}
				sigKeys[sig] = li
			}
			continue
		}

		if n.Node.Type() != NodeTypeParent {
			return fmt.Errorf("mls.treesync: leaf at parent position %d: %w", i, ErrMalformedTree)
		}

		seen := map[LeafIndex]bool{}
		for _, u := range n.Node.Parent.UnmergedLeaves {
			un := toNodeIndex(u)
			if LeafCount(u) >= size || !inSubtree(un, index) || seen[u] {
				return fmt.Errorf("mls.treesync: node %d unmerged leaf %d: %w", i, u, ErrMalformedTree)
			}
			seen[u] = true

			if nl.node(un).Blank() {
				return fmt.Errorf("mls.treesync: node %d unmerged leaf %d: %w", i, u, ErrBlankUnmergedLeaf)
			}
		}
	}

	return verifyParentHashes(suite, p, nl)
}

///
/// RatchetTree
///

// RatchetTree is the public state of a group's tree.  It only changes by
// merging a validated TreeSyncDiff.
type RatchetTree struct {
	Suite CipherSuite
	Nodes []OptionalNode

	provider   Provider
	generation uint64
}

func NewRatchetTree(suite CipherSuite, p Provider) *RatchetTree {
	return &RatchetTree{
		Suite:    suite,
		Nodes:    []OptionalNode{},
		provider: p,
	}
}

// NewRatchetTreeFromNodes builds a tree from nodes received out of band,
// such as in a Welcome, and validates it fully.
func NewRatchetTreeFromNodes(suite CipherSuite, p Provider, nodes []OptionalNode) (*RatchetTree, error) {
	nl := make(nodeList, len(nodes))
	for i, n := range nodes {
		nl[i] = n.Clone()
	}

	if err := validateNodes(suite, p, nl, nil); err != nil {
		return nil, err
	}

	return &RatchetTree{
		Suite:    suite,
		Nodes:    nl,
		provider: p,
	}, nil
}

type ratchetTreeNodes struct {
	Nodes []OptionalNode `tls:"head=4"`
}

func (t RatchetTree) MarshalTLS() ([]byte, error) {
	enc, err := syntax.Marshal(ratchetTreeNodes{Nodes: t.Nodes})
	if err != nil {
		return nil, fmt.Errorf("mls.ratchet-tree: Marshal failed: %v", err)
	}
	return enc, nil
}

// UnmarshalTLS only decodes the nodes.  Use NewRatchetTreeFromNodes to get
// a validated tree bound to a suite and provider.
func (t *RatchetTree) UnmarshalTLS(data []byte) (int, error) {
	var rtn ratchetTreeNodes
	read, err := syntax.Unmarshal(data, &rtn)
	if err != nil {
		return 0, fmt.Errorf("mls.ratchet-tree: Unmarshal failed: %v", err)
	}
	if n := len(rtn.Nodes); n > 0 && n%2 == 0 {
		return 0, fmt.Errorf("mls.ratchet-tree: even node count %d: %w", n, ErrMalformedTree)
	}
	t.Nodes = rtn.Nodes
	return read, nil
}

func (t *RatchetTree) node(n NodeIndex) OptionalNode {
	return nodeList(t.Nodes).node(n)
}

func (t *RatchetTree) size() LeafCount {
	return nodeList(t.Nodes).size()
}

func (t *RatchetTree) LeafCount() LeafCount {
	return t.size()
}

// LeafNode returns the leaf at index, or false if it is blank.
func (t *RatchetTree) LeafNode(index LeafIndex) (*LeafNode, bool) {
	n := t.node(toNodeIndex(index))
	if n.Blank() {
		return nil, false
	}
	return n.Node.Leaf, true
}

func (t *RatchetTree) TreeHash() ([]byte, error) {
	if t.provider == nil {
		return nil, libraryError("tree has no provider")
	}
	return treeHash(t.Suite, t.provider, t)
}

func (t *RatchetTree) VerifyParentHashes() error {
	if t.provider == nil {
		return libraryError("tree has no provider")
	}
	return verifyParentHashes(t.Suite, t.provider, t)
}

func (t *RatchetTree) FilteredResolution(index NodeIndex, exclude []LeafIndex) []NodeIndex {
	return resolve(t, index, exclude)
}

func (t *RatchetTree) Find(cred Credential) (LeafIndex, bool) {
	num := t.size()
	for i := LeafIndex(0); LeafCount(i) < num; i++ {
		n := t.node(toNodeIndex(i))
		if n.Blank() {
			continue
		}

		if n.Node.Leaf.Credential.Equals(cred) {
			return i, true
		}
	}

	return 0, false
}

func (t *RatchetTree) Equals(o *RatchetTree) bool {
	if t.Suite != o.Suite || len(t.Nodes) != len(o.Nodes) {
		return false
	}

	for i := range t.Nodes {
		if !t.Nodes[i].Equals(o.Nodes[i]) {
			return false
		}
	}
	return true
}

// ValidateAndMerge checks the tree the diff describes and installs it.  On
// any error the live tree is left untouched.  The diff cannot be used
// afterwards.
func (t *RatchetTree) ValidateAndMerge(d *TreeSyncDiff) error {
	if d.tree != t {
		return libraryError("diff belongs to a different tree")
	}
	if d.consumed {
		return libraryError("diff already merged")
	}
	if d.generation != t.generation {
		return libraryError("stale diff: tree generation %d, diff generation %d", t.generation, d.generation)
	}

	nl := d.materialize()
	if err := validateNodes(t.Suite, t.provider, nl, d.touchedLeaves()); err != nil {
		return err
	}

	if _, err := treeHash(t.Suite, t.provider, nl); err != nil {
		return err
	}

	t.Nodes = nl
	t.generation += 1
	d.consumed = true
	return nil
}
