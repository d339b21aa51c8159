package mls

import (
	"bytes"
	"fmt"

	syntax "github.com/cisco/go-tls-syntax"
)

type Epoch uint64

//	struct {
//	    opaque group_id<0..255>;
//	    uint64 epoch;
//	    opaque tree_hash<0..255>;
//	    opaque confirmed_transcript_hash<0..255>;
//	    Extension extensions<0..2^32-1>;
//	} GroupContext;
type GroupContext struct {
	GroupID                 []byte `tls:"head=1"`
	Epoch                   Epoch
	TreeHash                []byte `tls:"head=1"`
	ConfirmedTranscriptHash []byte `tls:"head=1"`
	Extensions              ExtensionList
}

func NewGroupContext(groupID []byte, epoch Epoch, treeHash, confirmedTranscriptHash []byte, extensions ExtensionList) (*GroupContext, error) {
	if len(groupID) > 255 || len(treeHash) > 255 || len(confirmedTranscriptHash) > 255 {
		return nil, fmt.Errorf("mls.group-context: field exceeds 255 bytes")
	}

	return &GroupContext{
		GroupID:                 dup(groupID),
		Epoch:                   epoch,
		TreeHash:                dup(treeHash),
		ConfirmedTranscriptHash: dup(confirmedTranscriptHash),
		Extensions:              extensions.Clone(),
	}, nil
}

// Next builds the context of the following epoch.  The receiver is not
// modified.
func (gc GroupContext) Next(treeHash, confirmedTranscriptHash []byte) (*GroupContext, error) {
	return NewGroupContext(gc.GroupID, gc.Epoch+1, treeHash, confirmedTranscriptHash, gc.Extensions)
}

func (gc GroupContext) Serialize() ([]byte, error) {
	data, err := syntax.Marshal(gc)
	if err != nil {
		return nil, fmt.Errorf("mls.group-context: marshal: %w", err)
	}
	return data, nil
}

func (gc GroupContext) Equals(o GroupContext) bool {
	lhs, errL := gc.Serialize()
	rhs, errR := o.Serialize()
	return errL == nil && errR == nil && bytes.Equal(lhs, rhs)
}
