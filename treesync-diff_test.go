package mls

import (
	"errors"
	"fmt"
	"testing"

	syntax "github.com/cisco/go-tls-syntax"
	"github.com/stretchr/testify/require"
)

type treeTestMember struct {
	sigPriv SignaturePrivateKey
	encPriv HPKEPrivateKey
	cred    Credential
	leaf    LeafNode
}

func newTreeTestMember(t *testing.T, suite CipherSuite, p Provider, name string) treeTestMember {
	sigPriv, err := Ed25519.Derive([]byte("sig " + name))
	require.Nil(t, err)

	encPriv, err := p.DeriveHPKEKeyPair(suite, []byte("enc "+name))
	require.Nil(t, err)

	cred := NewBasicCredential([]byte(name), Ed25519, sigPriv.PublicKey)
	leaf := NewLeafNode(*cred, encPriv.PublicKey)
	require.Nil(t, leaf.Sign(sigPriv))

	return treeTestMember{
		sigPriv: sigPriv,
		encPriv: encPriv,
		cred:    *cred,
		leaf:    leaf,
	}
}

// treeTestGroup holds one tree and one private key per member, as the
// members themselves would.
type treeTestGroup struct {
	suite   CipherSuite
	p       Provider
	members []treeTestMember
	trees   []*RatchetTree
	privs   []*TreeKEMPrivateKey
}

func newTreeTestGroup(t *testing.T, suite CipherSuite, size int) *treeTestGroup {
	g := &treeTestGroup{suite: suite, p: NewDefaultProvider()}
	for i := 0; i < size; i++ {
		g.members = append(g.members, newTreeTestMember(t, suite, g.p, fmt.Sprintf("member %d", i)))
	}

	for i := range g.members {
		tree := NewRatchetTree(suite, g.p)
		d := tree.NewDiff()
		for j, m := range g.members {
			index, err := d.AddLeaf(m.leaf)
			require.Nil(t, err)
			require.Equal(t, LeafIndex(j), index)
		}
		require.Nil(t, tree.ValidateAndMerge(d))

		priv, err := NewTreeKEMPrivateKeyForJoiner(suite, g.p, LeafIndex(i), tree.LeafCount(), g.members[i].encPriv, 0, nil)
		require.Nil(t, err)

		g.trees = append(g.trees, tree)
		g.privs = append(g.privs, priv)
	}

	return g
}

func (g *treeTestGroup) leafSecret() *Secret {
	return NewSecret(g.suite, ProtocolVersionMLS10, randomBytes(g.suite.Constants().SecretSize))
}

// add inserts a new member into every tree.  The new member's tree is
// built from the nodes of the first one, the way a joiner would.
func (g *treeTestGroup) add(t *testing.T, name string) LeafIndex {
	m := newTreeTestMember(t, g.suite, g.p, name)

	var index LeafIndex
	for i, tree := range g.trees {
		d := tree.NewDiff()
		li, err := d.AddLeaf(m.leaf)
		require.Nil(t, err)
		require.Nil(t, tree.ValidateAndMerge(d))
		if i > 0 {
			require.Equal(t, index, li)
		}
		index = li
	}

	tree, err := NewRatchetTreeFromNodes(g.suite, g.p, g.trees[0].Nodes)
	require.Nil(t, err)

	priv, err := NewTreeKEMPrivateKeyForJoiner(g.suite, g.p, index, tree.LeafCount(), m.encPriv, 0, nil)
	require.Nil(t, err)

	g.members = append(g.members, m)
	g.trees = append(g.trees, tree)
	g.privs = append(g.privs, priv)
	return index
}

// commit has sender encap a new path and every other member decap it.  All
// members have to agree on the commit secret and end with the same tree.
func (g *treeTestGroup) commit(t *testing.T, sender LeafIndex, context []byte) {
	d := g.trees[sender].NewDiff()
	path, priv, err := d.Encap(sender, g.leafSecret(), context, g.members[sender].sigPriv, nil)
	require.Nil(t, err)
	require.Len(t, path.Nodes, len(dirpath(toNodeIndex(sender), d.LeafCount())))

	commitSecret, err := d.TakeCommitSecret()
	require.Nil(t, err)
	require.Nil(t, g.trees[sender].ValidateAndMerge(d))
	g.privs[sender] = priv

	for i := range g.trees {
		if LeafIndex(i) == sender {
			continue
		}

		di := g.trees[i].NewDiff()
		next, err := di.Decap(g.privs[i], sender, *path, context, nil)
		require.Nil(t, err)

		cs, err := di.TakeCommitSecret()
		require.Nil(t, err)
		require.True(t, commitSecret.Equal(cs.Secret))

		require.Nil(t, g.trees[i].ValidateAndMerge(di))
		g.privs[i] = next
	}

	g.check(t)
}

func (g *treeTestGroup) check(t *testing.T) {
	treeHash, err := g.trees[0].TreeHash()
	require.Nil(t, err)

	for i, tree := range g.trees {
		require.True(t, tree.Equals(g.trees[0]))
		require.Nil(t, tree.VerifyParentHashes())
		require.True(t, g.privs[i].Consistent(tree))

		th, err := tree.TreeHash()
		require.Nil(t, err)
		require.Equal(t, treeHash, th)
	}
}

func treeBytes(t *testing.T, tree *RatchetTree) []byte {
	data, err := syntax.Marshal(tree)
	require.Nil(t, err)
	return data
}

func TestTreeKEMCommitAgreement(t *testing.T) {
	context := []byte("group context")
	for _, suite := range supportedSuites {
		t.Run(suite.String(), func(t *testing.T) {
			g := newTreeTestGroup(t, suite, 5)
			for i := range g.trees {
				g.commit(t, LeafIndex(i), context)
			}
		})
	}
}

func TestTreeKEMSingleMember(t *testing.T) {
	g := newTreeTestGroup(t, X25519_AES128GCM_SHA256_Ed25519, 1)
	g.commit(t, 0, []byte("alone"))

	leaf, ok := g.trees[0].LeafNode(0)
	require.True(t, ok)

	ph, found, err := leaf.ParentHash()
	require.Nil(t, err)
	require.True(t, found)
	require.Empty(t, ph)
}

func TestTreeKEMUnmergedLeaves(t *testing.T) {
	suite := X25519_AES128GCM_SHA256_Ed25519
	context := []byte("context")
	g := newTreeTestGroup(t, suite, 3)
	g.commit(t, 0, context)

	joiner := g.add(t, "joiner")
	require.Equal(t, LeafIndex(3), joiner)

	// The committer's path secret at the common ancestor lets the joiner
	// learn the keys above it.
	intersect, pathSecret, err := g.privs[0].PathSecret(joiner)
	require.Nil(t, err)
	require.Equal(t, NodeIndex(3), intersect)

	tree := g.trees[joiner]
	require.Equal(t, []LeafIndex{joiner}, tree.Nodes[3].Node.Parent.UnmergedLeaves)
	require.Equal(t, []NodeIndex{3, 6}, tree.FilteredResolution(3, nil))
	require.Equal(t, []NodeIndex{3}, tree.FilteredResolution(3, []LeafIndex{joiner}))

	withPath, err := NewTreeKEMPrivateKeyForJoiner(suite, g.p, joiner, tree.LeafCount(), g.members[joiner].encPriv, intersect, pathSecret)
	require.Nil(t, err)
	require.True(t, withPath.Consistent(tree))
	require.Contains(t, withPath.PrivateKeys, NodeIndex(3))

	g.check(t)
	g.commit(t, 1, context)
	require.Empty(t, g.trees[0].Nodes[3].Node.Parent.UnmergedLeaves)
	g.commit(t, joiner, context)
}

func TestTreeKEMExcludedMember(t *testing.T) {
	suite := P256_AES128GCM_SHA256_P256
	context := []byte("context")
	g := newTreeTestGroup(t, suite, 4)

	exclude := []LeafIndex{2}
	d := g.trees[0].NewDiff()
	path, _, err := d.Encap(0, g.leafSecret(), context, g.members[0].sigPriv, exclude)
	require.Nil(t, err)

	d2 := g.trees[2].NewDiff()
	_, err = d2.Decap(g.privs[2], 0, *path, context, exclude)
	require.True(t, errors.Is(err, ErrNoPrivateKeyFound))
	require.False(t, d2.HasCommitSecret())

	d3 := g.trees[3].NewDiff()
	_, err = d3.Decap(g.privs[3], 0, *path, context, exclude)
	require.Nil(t, err)
	require.True(t, d3.HasCommitSecret())
}

func TestDecapErrors(t *testing.T) {
	suite := X25519_AES128GCM_SHA256_Ed25519
	context := []byte("context")
	g := newTreeTestGroup(t, suite, 4)

	d := g.trees[0].NewDiff()
	path, _, err := d.Encap(0, g.leafSecret(), context, g.members[0].sigPriv, nil)
	require.Nil(t, err)

	decap := func(t *testing.T, path UpdatePath) error {
		di := g.trees[1].NewDiff()
		before, err := di.TreeHash()
		require.Nil(t, err)

		_, err = di.Decap(g.privs[1], 0, path, context, nil)

		after, herr := di.TreeHash()
		require.Nil(t, herr)
		require.Equal(t, before, after)
		require.False(t, di.HasCommitSecret())
		return err
	}

	t.Run("wrong public key", func(t *testing.T) {
		tampered := *path
		tampered.Nodes = append([]UpdatePathNode{}, path.Nodes...)
		last := len(tampered.Nodes) - 1
		tampered.Nodes[last].PublicKey = g.members[3].encPriv.PublicKey
		require.True(t, errors.Is(decap(t, tampered), ErrPublicKeyMismatch))
	})

	t.Run("ciphertext count", func(t *testing.T) {
		tampered := *path
		tampered.Nodes = make([]UpdatePathNode, len(path.Nodes))
		for i, n := range path.Nodes {
			tampered.Nodes[i] = UpdatePathNode{
				PublicKey:           n.PublicKey,
				EncryptedPathSecret: append(append([]HPKECiphertext{}, n.EncryptedPathSecret...), n.EncryptedPathSecret[0]),
			}
		}
		require.True(t, errors.Is(decap(t, tampered), ErrMalformedTree))
	})

	t.Run("path length", func(t *testing.T) {
		tampered := *path
		tampered.Nodes = path.Nodes[:len(path.Nodes)-1]
		require.True(t, errors.Is(decap(t, tampered), ErrPathLength))
	})

	t.Run("wrong context", func(t *testing.T) {
		di := g.trees[1].NewDiff()
		_, err := di.Decap(g.privs[1], 0, *path, []byte("other context"), nil)
		require.Error(t, err)
	})

	t.Run("missing own leaf", func(t *testing.T) {
		stranger := newTreeKEMPrivateKey(suite, 7)
		di := g.trees[1].NewDiff()
		_, err := di.Decap(stranger, 0, *path, context, nil)
		require.True(t, errors.Is(err, ErrMissingKeyPackage))
	})

	t.Run("own path", func(t *testing.T) {
		di := g.trees[0].NewDiff()
		_, err := di.Decap(g.privs[0], 0, *path, context, nil)
		require.True(t, errors.Is(err, ErrLibrary))
	})

	t.Run("encap from blank leaf", func(t *testing.T) {
		di := g.trees[0].NewDiff()
		_, _, err := di.Encap(6, g.leafSecret(), context, g.members[0].sigPriv, nil)
		require.True(t, errors.Is(err, ErrMissingKeyPackage))
	})
}

func TestApplyPathErrors(t *testing.T) {
	suite := X25519_CHACHA20POLY1305_SHA256_Ed25519
	context := []byte("context")
	g := newTreeTestGroup(t, suite, 5)

	d := g.trees[4].NewDiff()
	path, _, err := d.Encap(4, g.leafSecret(), context, g.members[4].sigPriv, nil)
	require.Nil(t, err)

	// A rejected path leaves the diff untouched, an accepted one changes it
	apply := func(leaf LeafNode, nodes []UpdatePathNode) error {
		di := g.trees[0].NewDiff()
		before, err := di.TreeHash()
		require.Nil(t, err)

		err = di.ApplyPath(4, leaf, nodes)

		after, herr := di.TreeHash()
		require.Nil(t, herr)
		if err != nil {
			require.Equal(t, before, after)
		} else {
			require.NotEqual(t, before, after)
		}
		return err
	}

	require.Nil(t, apply(path.LeafNode, path.Nodes))

	err = apply(path.LeafNode, append(path.Nodes, path.Nodes[0]))
	require.True(t, errors.Is(err, ErrPathLength))

	noHash := path.LeafNode.Clone()
	noHash.Extensions = NewExtensionList()
	err = apply(noHash, path.Nodes)
	require.True(t, errors.Is(err, ErrMissingParentHash))

	wrongHash := path.LeafNode.Clone()
	require.Nil(t, wrongHash.SetParentHash([]byte{0x01}))
	err = apply(wrongHash, path.Nodes)
	require.True(t, errors.Is(err, ErrParentHashMismatch))

	err = apply(path.LeafNode, path.Nodes)
	require.Nil(t, err)

	// A leaf that does not match its signature is caught at merge time
	unsigned := path.LeafNode.Clone()
	unsigned.Signature[0] ^= 0x01
	di := g.trees[0].NewDiff()
	require.Nil(t, di.ApplyPath(4, unsigned, path.Nodes))

	before := treeBytes(t, g.trees[0])
	err = g.trees[0].ValidateAndMerge(di)
	require.True(t, errors.Is(err, ErrMalformedTree))
	require.Equal(t, before, treeBytes(t, g.trees[0]))

	blank := g.trees[0].NewDiff()
	err = blank.ApplyPath(6, path.LeafNode, path.Nodes)
	require.True(t, errors.Is(err, ErrMalformedTree))
}

func TestValidateAndMergeDuplicates(t *testing.T) {
	suite := X25519_AES128GCM_SHA256_Ed25519
	g := newTreeTestGroup(t, suite, 4)
	tree := g.trees[0]
	before := treeBytes(t, tree)

	// Same leaf twice
	d := tree.NewDiff()
	_, err := d.AddLeaf(g.members[2].leaf)
	require.Nil(t, err)
	err = tree.ValidateAndMerge(d)
	require.True(t, errors.Is(err, ErrDuplicateKeyPackage))
	require.Equal(t, before, treeBytes(t, tree))

	// Same signature key, fresh encryption key
	encPriv, err := g.p.DeriveHPKEKeyPair(suite, []byte("fresh"))
	require.Nil(t, err)
	leaf := NewLeafNode(g.members[1].cred, encPriv.PublicKey)
	require.Nil(t, leaf.Sign(g.members[1].sigPriv))

	d = tree.NewDiff()
	_, err = d.AddLeaf(leaf)
	require.Nil(t, err)
	err = tree.ValidateAndMerge(d)
	require.True(t, errors.Is(err, ErrDuplicateKeyPackage))
	require.Equal(t, before, treeBytes(t, tree))

	// Duplicate inside a blanked slot on the left
	d = tree.NewDiff()
	require.Nil(t, d.BlankLeaf(0))
	require.Nil(t, d.MergeLeaf(0, g.members[3].leaf))
	err = tree.ValidateAndMerge(d)
	require.True(t, errors.Is(err, ErrDuplicateKeyPackage))
	require.Equal(t, before, treeBytes(t, tree))

	// The failed merges did not advance the tree
	fresh := newTreeTestMember(t, suite, g.p, "fresh")
	d = tree.NewDiff()
	index, err := d.AddLeaf(fresh.leaf)
	require.Nil(t, err)
	require.Equal(t, LeafIndex(4), index)
	require.Nil(t, tree.ValidateAndMerge(d))
}

func TestValidateAndMergeBadSignature(t *testing.T) {
	suite := X25519_AES128GCM_SHA256_Ed25519
	g := newTreeTestGroup(t, suite, 2)
	tree := g.trees[0]

	m := newTreeTestMember(t, suite, g.p, "forger")
	m.leaf.Signature[0] ^= 0x01

	d := tree.NewDiff()
	_, err := d.AddLeaf(m.leaf)
	require.Nil(t, err)
	err = tree.ValidateAndMerge(d)
	require.True(t, errors.Is(err, ErrMalformedTree))
	require.Equal(t, LeafCount(2), tree.LeafCount())
}

func TestDiffLifecycle(t *testing.T) {
	suite := X25519_AES128GCM_SHA256_Ed25519
	g := newTreeTestGroup(t, suite, 3)
	tree := g.trees[0]
	extra := newTreeTestMember(t, suite, g.p, "extra")

	d1 := tree.NewDiff()
	d2 := tree.NewDiff()
	_, err := d1.AddLeaf(extra.leaf)
	require.Nil(t, err)
	require.Nil(t, tree.ValidateAndMerge(d1))

	// Merged twice
	err = tree.ValidateAndMerge(d1)
	require.True(t, errors.Is(err, ErrLibrary))

	// Used after merge
	err = d1.MergeLeaf(0, extra.leaf)
	require.True(t, errors.Is(err, ErrLibrary))

	// Stale
	err = tree.ValidateAndMerge(d2)
	require.True(t, errors.Is(err, ErrLibrary))

	// Foreign
	err = g.trees[1].ValidateAndMerge(tree.NewDiff())
	require.True(t, errors.Is(err, ErrLibrary))

	// No commit secret without encap
	_, err = tree.NewDiff().TakeCommitSecret()
	require.True(t, errors.Is(err, ErrLibrary))
}

func TestBlankLeaf(t *testing.T) {
	suite := X25519_AES128GCM_SHA256_Ed25519
	g := newTreeTestGroup(t, suite, 4)
	tree := g.trees[0]

	d := tree.NewDiff()
	require.Nil(t, d.BlankLeaf(3))
	require.Equal(t, LeafCount(3), d.LeafCount())
	require.Nil(t, tree.ValidateAndMerge(d))
	require.Len(t, tree.Nodes, 5)

	_, found := tree.Find(g.members[3].cred)
	require.False(t, found)

	index, found := tree.Find(g.members[2].cred)
	require.True(t, found)
	require.Equal(t, LeafIndex(2), index)

	d = tree.NewDiff()
	require.Nil(t, d.BlankLeaf(1))
	require.Equal(t, LeafCount(3), d.LeafCount())

	err := d.BlankLeaf(1)
	require.True(t, errors.Is(err, ErrLibrary))
	require.Nil(t, tree.ValidateAndMerge(d))

	_, ok := tree.LeafNode(1)
	require.False(t, ok)

	// The leftmost blank is reused
	d = tree.NewDiff()
	index, err = d.AddLeaf(g.members[3].leaf)
	require.Nil(t, err)
	require.Equal(t, LeafIndex(1), index)
	require.Nil(t, tree.ValidateAndMerge(d))

	// Blanking everything leaves an empty tree
	d = tree.NewDiff()
	for _, i := range []LeafIndex{0, 1, 2} {
		require.Nil(t, d.BlankLeaf(i))
	}
	require.Equal(t, LeafCount(0), d.LeafCount())
	require.Nil(t, tree.ValidateAndMerge(d))
	require.Empty(t, tree.Nodes)
}

func TestBlankLeafTruncatesPath(t *testing.T) {
	suite := X25519_AES128GCM_SHA256_Ed25519
	context := []byte("context")
	g := newTreeTestGroup(t, suite, 5)
	g.commit(t, 4, context)

	tree := g.trees[0]
	require.False(t, tree.Nodes[7].Blank())

	d := tree.NewDiff()
	require.Nil(t, d.BlankLeaf(4))
	require.Nil(t, tree.ValidateAndMerge(d))
	require.Len(t, tree.Nodes, 7)
	require.True(t, tree.Nodes[3].Blank())
	require.Nil(t, tree.VerifyParentHashes())
}

func TestTreeHash(t *testing.T) {
	suite := X25519_AES128GCM_SHA256_Ed25519
	p := NewDefaultProvider()

	empty := NewRatchetTree(suite, p)
	th, err := empty.TreeHash()
	require.Nil(t, err)

	expected, err := p.Hash(suite, []byte{})
	require.Nil(t, err)
	require.Equal(t, expected, th)

	g := newTreeTestGroup(t, suite, 3)
	tree := g.trees[0]
	before, err := tree.TreeHash()
	require.Nil(t, err)

	d := tree.NewDiff()
	_, err = d.AddLeaf(newTreeTestMember(t, suite, p, "new").leaf)
	require.Nil(t, err)

	pending, err := d.TreeHash()
	require.Nil(t, err)
	require.NotEqual(t, before, pending)

	// The diff does not affect the tree until merged
	unchanged, err := tree.TreeHash()
	require.Nil(t, err)
	require.Equal(t, before, unchanged)

	require.Nil(t, tree.ValidateAndMerge(d))
	after, err := tree.TreeHash()
	require.Nil(t, err)
	require.Equal(t, pending, after)
}

func TestRatchetTreeMarshalUnmarshal(t *testing.T) {
	suite := X25519_AES128GCM_SHA256_Ed25519
	g := newTreeTestGroup(t, suite, 5)
	g.commit(t, 2, []byte("context"))
	g.add(t, "joiner")

	data := treeBytes(t, g.trees[0])

	var decoded RatchetTree
	_, err := syntax.Unmarshal(data, &decoded)
	require.Nil(t, err)

	// A decoded tree is not bound to a suite until it is validated
	_, err = decoded.TreeHash()
	require.True(t, errors.Is(err, ErrLibrary))
	require.True(t, errors.Is(decoded.VerifyParentHashes(), ErrLibrary))

	tree, err := NewRatchetTreeFromNodes(suite, g.p, decoded.Nodes)
	require.Nil(t, err)
	require.True(t, tree.Equals(g.trees[0]))

	even, err := syntax.Marshal(ratchetTreeNodes{Nodes: g.trees[0].Nodes[:len(g.trees[0].Nodes)-1]})
	require.Nil(t, err)
	_, err = syntax.Unmarshal(even, new(RatchetTree))
	require.True(t, errors.Is(err, ErrMalformedTree), "%v", err)
}

func TestNewRatchetTreeFromNodesErrors(t *testing.T) {
	suite := X25519_AES128GCM_SHA256_Ed25519
	g := newTreeTestGroup(t, suite, 3)
	g.commit(t, 0, []byte("context"))
	g.add(t, "joiner")

	// Leaves 0 and 1 sit under node 1, node 3 is the root with leaf 3
	// unmerged.
	original := g.trees[0].Nodes
	copyNodes := func() []OptionalNode {
		out := make([]OptionalNode, len(original))
		for i, n := range original {
			out[i] = n.Clone()
		}
		return out
	}

	_, err := NewRatchetTreeFromNodes(suite, g.p, copyNodes())
	require.Nil(t, err)

	cases := []struct {
		name    string
		corrupt func(nodes []OptionalNode) []OptionalNode
		err     error
	}{
		{"even node count", func(nodes []OptionalNode) []OptionalNode {
			return nodes[:len(nodes)-1]
		}, ErrMalformedTree},
		{"parent at leaf position", func(nodes []OptionalNode) []OptionalNode {
			nodes[2] = nodes[1]
			return nodes
		}, ErrMalformedTree},
		{"leaf at parent position", func(nodes []OptionalNode) []OptionalNode {
			nodes[1] = nodes[0]
			return nodes
		}, ErrMalformedTree},
		{"blank unmerged leaf", func(nodes []OptionalNode) []OptionalNode {
			nodes[6] = OptionalNode{}
			return nodes
		}, ErrBlankUnmergedLeaf},
		{"unmerged leaf outside subtree", func(nodes []OptionalNode) []OptionalNode {
			nodes[1].Node.Parent.AddUnmerged(3)
			return nodes
		}, ErrMalformedTree},
		{"duplicate unmerged leaf", func(nodes []OptionalNode) []OptionalNode {
			nodes[3].Node.Parent.AddUnmerged(3)
			return nodes
		}, ErrMalformedTree},
		{"corrupted parent hash", func(nodes []OptionalNode) []OptionalNode {
			nodes[1].Node.Parent.ParentHash[0] ^= 0x01
			return nodes
		}, ErrInvalidParentHash},
		{"corrupted public key", func(nodes []OptionalNode) []OptionalNode {
			nodes[3].Node.Parent.PublicKey = g.members[2].encPriv.PublicKey
			return nodes
		}, ErrInvalidParentHash},
		{"duplicate leaf", func(nodes []OptionalNode) []OptionalNode {
			nodes[6] = nodes[4]
			return nodes
		}, ErrDuplicateKeyPackage},
		{"empty parent node", func(nodes []OptionalNode) []OptionalNode {
			nodes[5] = OptionalNode{Node: &Node{}}
			return nodes
		}, ErrMalformedTree},
		{"empty leaf node", func(nodes []OptionalNode) []OptionalNode {
			nodes[2] = OptionalNode{Node: &Node{}}
			return nodes
		}, ErrMalformedTree},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := NewRatchetTreeFromNodes(suite, g.p, c.corrupt(copyNodes()))
			require.True(t, errors.Is(err, c.err), "%v", err)
		})
	}
}

func TestMergeCommit(t *testing.T) {
	suite := X25519_AES128GCM_SHA256_Ed25519
	g := newTreeTestGroup(t, suite, 3)

	treeHash, err := g.trees[0].TreeHash()
	require.Nil(t, err)
	gc, err := NewGroupContext([]byte("group"), 0, treeHash, []byte{}, NewExtensionList())
	require.Nil(t, err)
	context, err := gc.Serialize()
	require.Nil(t, err)

	initSecret, err := RandomInitSecret(suite, g.p)
	require.Nil(t, err)
	transcript := []byte("confirmed transcript")

	d := g.trees[0].NewDiff()
	path, _, err := d.Encap(0, g.leafSecret(), context, g.members[0].sigPriv, nil)
	require.Nil(t, err)

	next, secrets, err := MergeCommit(g.trees[0], d, gc, initSecret, nil, transcript)
	require.Nil(t, err)
	require.Equal(t, Epoch(1), next.Epoch)
	require.Equal(t, transcript, next.ConfirmedTranscriptHash)

	merged, err := g.trees[0].TreeHash()
	require.Nil(t, err)
	require.Equal(t, merged, next.TreeHash)

	for _, i := range []int{1, 2} {
		di := g.trees[i].NewDiff()
		_, err := di.Decap(g.privs[i], 0, *path, context, nil)
		require.Nil(t, err)

		nextI, secretsI, err := MergeCommit(g.trees[i], di, gc, initSecret, nil, transcript)
		require.Nil(t, err)
		require.True(t, next.Equals(*nextI))
		require.Equal(t, epochSecretValues(secrets), epochSecretValues(secretsI))
	}

	// A commit without a path folds in the zero commit secret
	d = g.trees[0].NewDiff()
	_, err = d.AddLeaf(newTreeTestMember(t, suite, g.p, "late").leaf)
	require.Nil(t, err)
	_, pathless, err := MergeCommit(g.trees[0], d, next, secrets.InitSecret, nil, transcript)
	require.Nil(t, err)
	require.NotEqual(t, secrets.EncryptionSecret.Bytes(), pathless.EncryptionSecret.Bytes())

	// A rejected diff keeps its commit secret
	stale := g.trees[0].NewDiff()
	_, _, err = stale.Encap(0, g.leafSecret(), context, g.members[0].sigPriv, nil)
	require.Nil(t, err)
	d = g.trees[0].NewDiff()
	require.Nil(t, d.BlankLeaf(3))
	require.Nil(t, g.trees[0].ValidateAndMerge(d))

	_, _, err = MergeCommit(g.trees[0], stale, next, secrets.InitSecret, nil, transcript)
	require.True(t, errors.Is(err, ErrLibrary))
	require.True(t, stale.HasCommitSecret())

	// A failed merge leaves the tree as it was
	before := treeBytes(t, g.trees[0])
	d = g.trees[0].NewDiff()
	_, err = d.AddLeaf(g.members[1].leaf)
	require.Nil(t, err)
	_, _, err = MergeCommit(g.trees[0], d, next, secrets.InitSecret, nil, transcript)
	require.True(t, errors.Is(err, ErrDuplicateKeyPackage))
	require.Equal(t, before, treeBytes(t, g.trees[0]))
}
