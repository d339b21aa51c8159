package mls

import (
	"bytes"
	"fmt"

	syntax "github.com/cisco/go-tls-syntax"
)

type NodeType uint8

const (
	NodeTypeLeaf   NodeType = 0x00
	NodeTypeParent NodeType = 0x01
)

func (nt NodeType) ValidForTLS() error {
	return validateEnum(nt, NodeTypeLeaf, NodeTypeParent)
}

///
/// LeafNode
///

//	struct {
//	    Credential credential;
//	    HPKEPublicKey encryption_key;
//	    Extension extensions<0..2^32-1>;
//	    opaque signature<0..2^16-1>;
//	} LeafNode;
type LeafNode struct {
	Credential    Credential
	EncryptionKey HPKEPublicKey
	Extensions    ExtensionList
	Signature     []byte `tls:"head=2"`
}

type leafNodeTBS struct {
	Credential    Credential
	EncryptionKey HPKEPublicKey
	Extensions    ExtensionList
}

func NewLeafNode(cred Credential, encryptionKey HPKEPublicKey) LeafNode {
	return LeafNode{
		Credential:    cred.Clone(),
		EncryptionKey: HPKEPublicKey{Data: dup(encryptionKey.Data)},
		Extensions:    NewExtensionList(),
	}
}

func (ln LeafNode) toBeSigned() ([]byte, error) {
	return syntax.Marshal(leafNodeTBS{
		Credential:    ln.Credential,
		EncryptionKey: ln.EncryptionKey,
		Extensions:    ln.Extensions,
	})
}

func (ln *LeafNode) Sign(priv SignaturePrivateKey) error {
	if ln.Credential.Type() != CredentialTypeBasic || !ln.Credential.PublicKey().Equals(priv.PublicKey) {
		return fmt.Errorf("mls.leaf-node: signing key does not match credential")
	}

	tbs, err := ln.toBeSigned()
	if err != nil {
		return err
	}

	ln.Signature, err = ln.Credential.Scheme().Sign(&priv, tbs)
	return err
}

func (ln LeafNode) Verify() bool {
	if ln.Credential.Type() != CredentialTypeBasic {
		return false
	}

	tbs, err := ln.toBeSigned()
	if err != nil {
		return false
	}

	return ln.Credential.Scheme().Verify(ln.Credential.PublicKey(), tbs, ln.Signature)
}

// ParentHash returns the value of the parent hash extension.  The second
// return value is false when the extension is absent.
func (ln LeafNode) ParentHash() ([]byte, bool, error) {
	var phe ParentHashExtension
	found, err := ln.Extensions.Find(&phe)
	if err != nil || !found {
		return nil, found, err
	}
	return phe.ParentHash, true, nil
}

func (ln *LeafNode) SetParentHash(parentHash []byte) error {
	return ln.Extensions.Add(ParentHashExtension{ParentHash: dup(parentHash)})
}

func (ln LeafNode) Clone() LeafNode {
	return LeafNode{
		Credential:    ln.Credential.Clone(),
		EncryptionKey: HPKEPublicKey{Data: dup(ln.EncryptionKey.Data)},
		Extensions:    ln.Extensions.Clone(),
		Signature:     dup(ln.Signature),
	}
}

func (ln LeafNode) Equals(o LeafNode) bool {
	lhs, errL := syntax.Marshal(ln)
	rhs, errR := syntax.Marshal(o)
	return errL == nil && errR == nil && bytes.Equal(lhs, rhs)
}

///
/// ParentNode
///

//	struct {
//	    HPKEPublicKey public_key;
//	    opaque parent_hash<0..255>;
//	    uint32 unmerged_leaves<0..2^32-1>;
//	} ParentNode;
type ParentNode struct {
	PublicKey      HPKEPublicKey
	ParentHash     []byte      `tls:"head=1"`
	UnmergedLeaves []LeafIndex `tls:"head=4"`
}

func (n ParentNode) Clone() ParentNode {
	next := ParentNode{
		PublicKey:      HPKEPublicKey{Data: dup(n.PublicKey.Data)},
		ParentHash:     dup(n.ParentHash),
		UnmergedLeaves: make([]LeafIndex, len(n.UnmergedLeaves)),
	}
	copy(next.UnmergedLeaves, n.UnmergedLeaves)
	return next
}

func (n *ParentNode) AddUnmerged(l LeafIndex) {
	n.UnmergedLeaves = append(n.UnmergedLeaves, l)
}

func (n ParentNode) hasUnmerged(l LeafIndex) bool {
	for _, u := range n.UnmergedLeaves {
		if u == l {
			return true
		}
	}
	return false
}

///
/// Node
///

type Node struct {
	Leaf   *LeafNode
	Parent *ParentNode
}

func (n Node) Type() NodeType {
	switch {
	case n.Leaf != nil:
		return NodeTypeLeaf
	case n.Parent != nil:
		return NodeTypeParent
	default:
		panic("Malformed node")
	}
}

func (n Node) PublicKey() HPKEPublicKey {
	switch n.Type() {
	case NodeTypeLeaf:
		return n.Leaf.EncryptionKey
	default:
		return n.Parent.PublicKey
	}
}

func (n Node) Clone() Node {
	switch {
	case n.Leaf != nil:
		leaf := n.Leaf.Clone()
		return Node{Leaf: &leaf}
	case n.Parent != nil:
		parent := n.Parent.Clone()
		return Node{Parent: &parent}
	default:
		return Node{}
	}
}

func (n Node) Equals(o Node) bool {
	lhs, errL := syntax.Marshal(n)
	rhs, errR := syntax.Marshal(o)
	return errL == nil && errR == nil && bytes.Equal(lhs, rhs)
}

func (n Node) MarshalTLS() ([]byte, error) {
	s := syntax.NewWriteStream()
	nodeType := n.Type()
	err := s.Write(nodeType)
	if err != nil {
		return nil, err
	}

	switch nodeType {
	case NodeTypeLeaf:
		err = s.Write(n.Leaf)
	case NodeTypeParent:
		err = s.Write(n.Parent)
	}
	if err != nil {
		return nil, err
	}

	return s.Data(), nil
}

func (n *Node) UnmarshalTLS(data []byte) (int, error) {
	s := syntax.NewReadStream(data)
	var nodeType NodeType
	_, err := s.Read(&nodeType)
	if err != nil {
		return 0, err
	}

	switch nodeType {
	case NodeTypeLeaf:
		n.Leaf = new(LeafNode)
		_, err = s.Read(n.Leaf)
	case NodeTypeParent:
		n.Parent = new(ParentNode)
		_, err = s.Read(n.Parent)
	default:
		err = fmt.Errorf("mls.node: NodeType not allowed")
	}
	if err != nil {
		return 0, err
	}

	return s.Position(), nil
}

///
/// OptionalNode
///

type OptionalNode struct {
	Node *Node `tls:"optional"`
}

func newLeafNode(leaf LeafNode) OptionalNode {
	return OptionalNode{Node: &Node{Leaf: &leaf}}
}

func newParentNode(pub HPKEPublicKey) OptionalNode {
	return OptionalNode{Node: &Node{Parent: &ParentNode{
		PublicKey:      pub,
		UnmergedLeaves: []LeafIndex{},
	}}}
}

func (n OptionalNode) Blank() bool {
	return n.Node == nil
}

func (n OptionalNode) Clone() OptionalNode {
	if n.Blank() {
		return OptionalNode{}
	}

	node := n.Node.Clone()
	return OptionalNode{Node: &node}
}

func (n OptionalNode) Equals(o OptionalNode) bool {
	switch {
	case n.Blank() != o.Blank():
		return false
	case n.Blank():
		return true
	default:
		return n.Node.Equals(*o.Node)
	}
}

// parentHashValue is the parent_hash a node carries: the field of a parent
// node or the extension of a leaf.
func (n OptionalNode) parentHashValue() []byte {
	if n.Blank() {
		return nil
	}

	switch n.Node.Type() {
	case NodeTypeLeaf:
		ph, _, err := n.Node.Leaf.ParentHash()
		if err != nil {
			return nil
		}
		return ph
	default:
		return n.Node.Parent.ParentHash
	}
}
