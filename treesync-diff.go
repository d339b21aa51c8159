package mls

import (
	"bytes"
	"fmt"
)

//	struct {
//	    HPKEPublicKey public_key;
//	    HPKECiphertext encrypted_path_secret<0..2^32-1>;
//	} UpdatePathNode;
type UpdatePathNode struct {
	PublicKey           HPKEPublicKey
	EncryptedPathSecret []HPKECiphertext `tls:"head=4"`
}

//	struct {
//	    LeafNode leaf_node;
//	    UpdatePathNode nodes<0..2^32-1>;
//	} UpdatePath;
type UpdatePath struct {
	LeafNode LeafNode
	Nodes    []UpdatePathNode `tls:"head=4"`
}

// TreeSyncDiff is a pending change to a RatchetTree.  Only touched nodes are
// recorded; everything else is read through from the tree.  A diff is owned
// by one caller and is either merged with RatchetTree.ValidateAndMerge or
// dropped.
type TreeSyncDiff struct {
	tree         *RatchetTree
	generation   uint64
	width        NodeCount
	nodes        map[NodeIndex]OptionalNode
	commitSecret *CommitSecret
	consumed     bool
}

func (t *RatchetTree) NewDiff() *TreeSyncDiff {
	return &TreeSyncDiff{
		tree:       t,
		generation: t.generation,
		width:      NodeCount(len(t.Nodes)),
		nodes:      map[NodeIndex]OptionalNode{},
	}
}

func (d *TreeSyncDiff) node(n NodeIndex) OptionalNode {
	if NodeCount(n) >= d.width {
		return OptionalNode{}
	}

	if v, ok := d.nodes[n]; ok {
		return v
	}
	return d.tree.node(n)
}

func (d *TreeSyncDiff) size() LeafCount {
	return leafWidth(d.width)
}

func (d *TreeSyncDiff) setNode(n NodeIndex, v OptionalNode) {
	d.nodes[n] = v
}

func (d *TreeSyncDiff) LeafCount() LeafCount {
	return d.size()
}

func (d *TreeSyncDiff) checkLive() error {
	if d.consumed {
		return libraryError("diff already merged")
	}
	return nil
}

type diffSnapshot struct {
	width NodeCount
	nodes map[NodeIndex]OptionalNode
}

func (d *TreeSyncDiff) snapshot() diffSnapshot {
	nodes := make(map[NodeIndex]OptionalNode, len(d.nodes))
	for k, v := range d.nodes {
		nodes[k] = v
	}
	return diffSnapshot{width: d.width, nodes: nodes}
}

func (d *TreeSyncDiff) restore(s diffSnapshot) {
	d.width = s.width
	d.nodes = s.nodes
}

func (d *TreeSyncDiff) materialize() nodeList {
	nl := make(nodeList, d.width)
	for i := range nl {
		nl[i] = d.node(NodeIndex(i))
	}
	return nl
}

func (d *TreeSyncDiff) touchedLeaves() map[LeafIndex]bool {
	out := map[LeafIndex]bool{}
	for n := range d.nodes {
		if level(n) == 0 && NodeCount(n) < d.width {
			out[toLeafIndex(n)] = true
		}
	}
	return out
}

func (d *TreeSyncDiff) extend(index LeafIndex) {
	w := nodeWidth(LeafCount(index) + 1)
	if w > d.width {
		d.width = w
	}
}

// truncate drops blank leaves from the right edge of the tree.
func (d *TreeSyncDiff) truncate() {
	last := d.size()
	for last > 0 && d.node(toNodeIndex(LeafIndex(last-1))).Blank() {
		last -= 1
	}

	w := nodeWidth(last)
	for i := w; i < d.width; i++ {
		d.nodes[NodeIndex(i)] = OptionalNode{}
	}
	d.width = w
}

func (d *TreeSyncDiff) blankPath(n NodeIndex) {
	for _, v := range dirpath(n, d.size()) {
		d.setNode(v, OptionalNode{})
	}
}

// AddLeaf places leaf in the leftmost blank slot, extending the tree if
// there is none.
func (d *TreeSyncDiff) AddLeaf(leaf LeafNode) (LeafIndex, error) {
	index := LeafIndex(0)
	size := LeafIndex(d.size())
	for index < size && !d.node(toNodeIndex(index)).Blank() {
		index++
	}

	if err := d.MergeLeaf(index, leaf); err != nil {
		return 0, err
	}
	return index, nil
}

// MergeLeaf sets the leaf at index.  Replacing an existing leaf blanks its
// direct path.  Filling a blank slot adds the leaf to the unmerged list of
// every non-blank ancestor.
func (d *TreeSyncDiff) MergeLeaf(index LeafIndex, leaf LeafNode) error {
	if err := d.checkLive(); err != nil {
		return err
	}

	n := toNodeIndex(index)
	d.extend(index)

	update := !d.node(n).Blank()
	if update {
		d.blankPath(n)
	}

	d.setNode(n, newLeafNode(leaf.Clone()))
	if update {
		return nil
	}

	for _, v := range dirpath(n, d.size()) {
		curr := d.node(v)
		if curr.Blank() {
			continue
		}

		next := curr.Clone()
		next.Node.Parent.AddUnmerged(index)
		d.setNode(v, next)
	}
	return nil
}

// BlankLeaf removes the member at index: the leaf and its direct path are
// blanked and the tree is truncated.
func (d *TreeSyncDiff) BlankLeaf(index LeafIndex) error {
	if err := d.checkLive(); err != nil {
		return err
	}

	n := toNodeIndex(index)
	if d.node(n).Blank() {
		return libraryError("blanking blank leaf %d", index)
	}

	d.setNode(n, OptionalNode{})
	d.blankPath(n)
	d.truncate()
	return nil
}

func (d *TreeSyncDiff) FilteredResolution(index NodeIndex, exclude []LeafIndex) []NodeIndex {
	return resolve(d, index, exclude)
}

func (d *TreeSyncDiff) ResolutionKeys(index NodeIndex, exclude []LeafIndex) ([]HPKEPublicKey, error) {
	return resolutionKeys(d, index, exclude)
}

// ParentHash is the hash that child stores to commit to its parent.
func (d *TreeSyncDiff) ParentHash(parentIndex, child NodeIndex) ([]byte, error) {
	if parent(child, d.size()) != parentIndex || child == parentIndex {
		return nil, libraryError("node %d is not a child of %d", child, parentIndex)
	}
	return parentHash(d.tree.Suite, d.tree.provider, d, parentIndex, sibling(child, d.size()))
}

func (d *TreeSyncDiff) TreeHash() ([]byte, error) {
	return treeHash(d.tree.Suite, d.tree.provider, d)
}

func (d *TreeSyncDiff) VerifyParentHashes() error {
	return verifyParentHashes(d.tree.Suite, d.tree.provider, d)
}

// setPath installs fresh parent nodes on the direct path of index and chains
// their parent hashes down from the root.  It returns the parent hash the
// leaf has to carry.
func (d *TreeSyncDiff) setPath(index LeafIndex, path []UpdatePathNode) ([]byte, error) {
	n := toNodeIndex(index)
	size := d.size()
	dp := dirpath(n, size)
	if len(path) != len(dp) {
		return nil, fmt.Errorf("mls.treesync: %d path nodes, direct path %d: %w", len(path), len(dp), ErrPathLength)
	}

	for i, v := range dp {
		d.setNode(v, newParentNode(HPKEPublicKey{Data: dup(path[i].PublicKey.Data)}))
	}

	ph := []byte{}
	for i := len(dp) - 1; i >= 0; i-- {
		v := dp[i]
		next := d.node(v).Clone()
		next.Node.Parent.ParentHash = ph
		d.setNode(v, next)

		child := n
		if i > 0 {
			child = dp[i-1]
		}

		var err error
		ph, err = parentHash(d.tree.Suite, d.tree.provider, d, v, sibling(child, size))
		if err != nil {
			return nil, err
		}
	}

	return ph, nil
}

// ApplyPath installs a path received in a commit from the member at index.
// The leaf has to carry the parent hash the path produces.  On error the
// diff is unchanged.
func (d *TreeSyncDiff) ApplyPath(index LeafIndex, leaf LeafNode, path []UpdatePathNode) error {
	if err := d.checkLive(); err != nil {
		return err
	}

	n := toNodeIndex(index)
	if d.node(n).Blank() {
		return fmt.Errorf("mls.treesync: path from blank leaf %d: %w", index, ErrMalformedTree)
	}

	saved := d.snapshot()
	if err := d.applyPath(index, leaf, path); err != nil {
		d.restore(saved)
		return err
	}
	return nil
}

func (d *TreeSyncDiff) applyPath(index LeafIndex, leaf LeafNode, path []UpdatePathNode) error {
	expected, err := d.setPath(index, path)
	if err != nil {
		return err
	}

	claimed, found, err := leaf.ParentHash()
	if err != nil {
		return fmt.Errorf("mls.treesync: leaf parent hash: %v: %w", err, ErrMalformedTree)
	}
	if !found {
		return ErrMissingParentHash
	}
	if !bytes.Equal(claimed, expected) {
		return ErrParentHashMismatch
	}

	d.setNode(toNodeIndex(index), newLeafNode(leaf.Clone()))
	return nil
}

// Encap generates a new path for the member at index from leafSecret and
// encrypts each path secret to the copath resolution, leaving out the
// leaves in exclude.  The new leaf is re-signed with sigPriv.  The commit
// secret stays in the diff until TakeCommitSecret.
func (d *TreeSyncDiff) Encap(index LeafIndex, leafSecret *Secret, context []byte, sigPriv SignaturePrivateKey, exclude []LeafIndex) (*UpdatePath, *TreeKEMPrivateKey, error) {
	if err := d.checkLive(); err != nil {
		return nil, nil, err
	}

	n := toNodeIndex(index)
	curr := d.node(n)
	if curr.Blank() {
		return nil, nil, fmt.Errorf("mls.treesync: encap from leaf %d: %w", index, ErrMissingKeyPackage)
	}

	suite := d.tree.Suite
	p := d.tree.provider
	size := d.size()
	priv, err := NewTreeKEMPrivateKey(suite, p, size, index, leafSecret)
	if err != nil {
		return nil, nil, err
	}

	dp := dirpath(n, size)
	cp := copath(n, size)
	path := &UpdatePath{Nodes: make([]UpdatePathNode, len(dp))}
	for i, v := range dp {
		path.Nodes[i] = UpdatePathNode{
			PublicKey:           priv.PrivateKeys[v].PublicKey,
			EncryptedPathSecret: []HPKECiphertext{},
		}

		keys, err := resolutionKeys(d, cp[i], exclude)
		if err != nil {
			priv.Destroy()
			return nil, nil, err
		}

		for _, pub := range keys {
			ct, err := p.HPKESeal(suite, pub, context, priv.PathSecrets[v].value)
			if err != nil {
				priv.Destroy()
				return nil, nil, err
			}
			path.Nodes[i].EncryptedPathSecret = append(path.Nodes[i].EncryptedPathSecret, ct)
		}
	}

	saved := d.snapshot()
	fail := func(err error) (*UpdatePath, *TreeKEMPrivateKey, error) {
		d.restore(saved)
		priv.Destroy()
		return nil, nil, err
	}

	ph, err := d.setPath(index, path.Nodes)
	if err != nil {
		return fail(err)
	}

	leaf := curr.Node.Leaf.Clone()
	leaf.EncryptionKey = priv.PrivateKeys[n].PublicKey
	if err := leaf.SetParentHash(ph); err != nil {
		return fail(err)
	}
	if err := leaf.Sign(sigPriv); err != nil {
		return fail(err)
	}
	d.setNode(n, newLeafNode(leaf))
	path.LeafNode = leaf.Clone()

	commitSecret, err := priv.CommitSecret(p, size)
	if err != nil {
		return fail(err)
	}

	d.setCommitSecret(commitSecret)
	return path, priv, nil
}

// Decap processes a path sent by the member at sender.  It decrypts the
// path secret with one of priv's keys, checks that the derived public keys
// match the path, and applies the path.  The returned private key replaces
// priv; the commit secret stays in the diff until TakeCommitSecret.
func (d *TreeSyncDiff) Decap(priv *TreeKEMPrivateKey, sender LeafIndex, path UpdatePath, context []byte, exclude []LeafIndex) (*TreeKEMPrivateKey, error) {
	if err := d.checkLive(); err != nil {
		return nil, err
	}

	own := toNodeIndex(priv.Index)
	if d.node(own).Blank() {
		return nil, fmt.Errorf("mls.treesync: own leaf %d: %w", priv.Index, ErrMissingKeyPackage)
	}
	if priv.Index == sender {
		return nil, libraryError("decap of own path")
	}

	suite := d.tree.Suite
	p := d.tree.provider
	size := d.size()
	sn := toNodeIndex(sender)
	if d.node(sn).Blank() {
		return nil, fmt.Errorf("mls.treesync: path from blank leaf %d: %w", sender, ErrMalformedTree)
	}

	dp := dirpath(sn, size)
	cp := copath(sn, size)
	if len(path.Nodes) != len(dp) {
		return nil, fmt.Errorf("mls.treesync: %d path nodes, direct path %d: %w", len(path.Nodes), len(dp), ErrPathLength)
	}

	overlap := ancestor(priv.Index, sender)
	pos := -1
	for i, v := range dp {
		if v == overlap {
			pos = i
			break
		}
	}
	if pos < 0 {
		return nil, libraryError("common ancestor %d not on direct path of %d", overlap, sender)
	}

	res := resolve(d, cp[pos], exclude)
	cts := path.Nodes[pos].EncryptedPathSecret
	if len(cts) != len(res) {
		return nil, fmt.Errorf("mls.treesync: %d ciphertexts for resolution of %d: %w", len(cts), len(res), ErrMalformedTree)
	}

	var pathSecret *Secret
	for i, r := range res {
		nodePriv, ok := priv.PrivateKeys[r]
		if !ok {
			continue
		}

		pt, err := p.HPKEOpen(suite, nodePriv, context, cts[i])
		if err != nil {
			return nil, err
		}
		pathSecret = NewSecret(suite, ProtocolVersionMLS10, pt)
		zeroize(pt)
		break
	}
	if pathSecret == nil {
		return nil, ErrNoPrivateKeyFound
	}
	defer pathSecret.Destroy()

	next := priv.Clone()
	next.forget(append([]NodeIndex{sn}, dp...))
	if err := next.setPathSecrets(p, overlap, size, pathSecret); err != nil {
		next.Destroy()
		return nil, err
	}

	for i := pos; i < len(dp); i++ {
		if !next.PrivateKeys[dp[i]].PublicKey.Equals(path.Nodes[i].PublicKey) {
			next.Destroy()
			return nil, fmt.Errorf("mls.treesync: node %d: %w", dp[i], ErrPublicKeyMismatch)
		}
	}

	if err := d.ApplyPath(sender, path.LeafNode, path.Nodes); err != nil {
		next.Destroy()
		return nil, err
	}

	commitSecret, err := next.CommitSecret(p, size)
	if err != nil {
		next.Destroy()
		return nil, err
	}

	d.setCommitSecret(commitSecret)
	return next, nil
}

func (d *TreeSyncDiff) setCommitSecret(cs *CommitSecret) {
	if d.commitSecret != nil {
		d.commitSecret.Destroy()
	}
	d.commitSecret = cs
}

func (d *TreeSyncDiff) HasCommitSecret() bool {
	return d.commitSecret != nil
}

// TakeCommitSecret moves the commit secret out of the diff.  It can be
// taken once per Encap or Decap.
func (d *TreeSyncDiff) TakeCommitSecret() (*CommitSecret, error) {
	if d.commitSecret == nil {
		return nil, libraryError("no commit secret in diff")
	}

	cs := d.commitSecret
	d.commitSecret = nil
	return cs, nil
}
