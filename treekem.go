package mls

import (
	"fmt"
)

// TreeKEMPrivateKey is one member's view of the secret half of the tree:
// the path secrets and private keys for the nodes it knows.
type TreeKEMPrivateKey struct {
	Suite       CipherSuite
	Index       LeafIndex
	PathSecrets map[NodeIndex]*Secret
	PrivateKeys map[NodeIndex]HPKEPrivateKey
}

func newTreeKEMPrivateKey(suite CipherSuite, index LeafIndex) *TreeKEMPrivateKey {
	return &TreeKEMPrivateKey{
		Suite:       suite,
		Index:       index,
		PathSecrets: map[NodeIndex]*Secret{},
		PrivateKeys: map[NodeIndex]HPKEPrivateKey{},
	}
}

// NewTreeKEMPrivateKey derives a full path from the leaf at index up to the
// root of a tree with size leaves.
func NewTreeKEMPrivateKey(suite CipherSuite, p Provider, size LeafCount, index LeafIndex, leafSecret *Secret) (*TreeKEMPrivateKey, error) {
	priv := newTreeKEMPrivateKey(suite, index)
	err := priv.setPathSecrets(p, toNodeIndex(index), size, leafSecret)
	if err != nil {
		return nil, err
	}

	return priv, nil
}

// NewTreeKEMPrivateKeyForJoiner builds the private state of a new member
// from its leaf key and, if the adder shared one, the path secret for the
// node where their paths intersect.
func NewTreeKEMPrivateKeyForJoiner(suite CipherSuite, p Provider, index LeafIndex, size LeafCount, leafPriv HPKEPrivateKey, intersect NodeIndex, pathSecret *Secret) (*TreeKEMPrivateKey, error) {
	priv := newTreeKEMPrivateKey(suite, index)
	priv.PrivateKeys[toNodeIndex(index)] = HPKEPrivateKey{
		Data:      dup(leafPriv.Data),
		PublicKey: HPKEPublicKey{Data: dup(leafPriv.PublicKey.Data)},
	}

	if pathSecret == nil {
		return priv, nil
	}

	err := priv.setPathSecrets(p, intersect, size, pathSecret)
	if err != nil {
		return nil, err
	}

	return priv, nil
}

func (priv TreeKEMPrivateKey) pathStep(p Provider, pathSecret *Secret) (*Secret, error) {
	return pathSecret.deriveSecret(p, "path")
}

func (priv *TreeKEMPrivateKey) setPathSecrets(p Provider, start NodeIndex, size LeafCount, secret *Secret) error {
	r := root(size)
	pathSecret := secret.Clone()
	for n := start; ; n = parent(n, size) {
		nodePriv, err := p.DeriveHPKEKeyPair(priv.Suite, pathSecret.value)
		if err != nil {
			pathSecret.Destroy()
			return err
		}

		priv.forget([]NodeIndex{n})
		priv.PathSecrets[n] = pathSecret
		priv.PrivateKeys[n] = nodePriv

		if n == r {
			break
		}

		pathSecret, err = priv.pathStep(p, pathSecret)
		if err != nil {
			return err
		}
	}

	return nil
}

// CommitSecret is derived from the root's path secret.
func (priv TreeKEMPrivateKey) CommitSecret(p Provider, size LeafCount) (*CommitSecret, error) {
	rootSecret, ok := priv.PathSecrets[root(size)]
	if !ok {
		return nil, libraryError("no path secret for root")
	}

	cs, err := priv.pathStep(p, rootSecret)
	if err != nil {
		return nil, err
	}
	return NewCommitSecret(cs), nil
}

// PathSecret returns the secret a new member at leaf to needs: the path
// secret at the lowest common ancestor.
func (priv TreeKEMPrivateKey) PathSecret(to LeafIndex) (NodeIndex, *Secret, error) {
	n := ancestor(priv.Index, to)
	secret, ok := priv.PathSecrets[n]
	if !ok {
		return 0, nil, fmt.Errorf("mls.treekem: path secret not found for node %d", n)
	}

	return n, secret.Clone(), nil
}

func (priv *TreeKEMPrivateKey) forget(nodes []NodeIndex) {
	for _, n := range nodes {
		if ps, ok := priv.PathSecrets[n]; ok {
			ps.Destroy()
			delete(priv.PathSecrets, n)
		}
		if k, ok := priv.PrivateKeys[n]; ok {
			k.destroy()
			delete(priv.PrivateKeys, n)
		}
	}
}

func (priv TreeKEMPrivateKey) Clone() *TreeKEMPrivateKey {
	next := newTreeKEMPrivateKey(priv.Suite, priv.Index)
	for n, ps := range priv.PathSecrets {
		next.PathSecrets[n] = ps.Clone()
	}
	for n, k := range priv.PrivateKeys {
		next.PrivateKeys[n] = HPKEPrivateKey{
			Data:      dup(k.Data),
			PublicKey: HPKEPublicKey{Data: dup(k.PublicKey.Data)},
		}
	}
	return next
}

func (priv *TreeKEMPrivateKey) Destroy() {
	for _, ps := range priv.PathSecrets {
		ps.Destroy()
	}
	for n := range priv.PrivateKeys {
		k := priv.PrivateKeys[n]
		k.destroy()
	}
}

// Consistent reports whether every private key matches the public key at
// the same position in the tree.
func (priv TreeKEMPrivateKey) Consistent(t *RatchetTree) bool {
	if priv.Suite != t.Suite {
		return false
	}

	for n, nodePriv := range priv.PrivateKeys {
		node := t.node(n)
		if node.Blank() {
			return false
		}

		if !nodePriv.PublicKey.Equals(node.Node.PublicKey()) {
			return false
		}
	}

	return true
}
