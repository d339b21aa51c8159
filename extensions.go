package mls

import (
	"fmt"

	syntax "github.com/cisco/go-tls-syntax"
)

type ExtensionType uint16

const (
	ExtensionTypeCapabilities ExtensionType = 0x0001
	ExtensionTypeLifetime     ExtensionType = 0x0002
	ExtensionTypeKeyID        ExtensionType = 0x0003
	ExtensionTypeParentHash   ExtensionType = 0x0004
	ExtensionTypeRatchetTree  ExtensionType = 0x0005
)

type ExtensionBody interface {
	Type() ExtensionType
}

type Extension struct {
	ExtensionType ExtensionType
	ExtensionData []byte `tls:"head=4"`
}

type ExtensionList struct {
	Entries []Extension `tls:"head=4"`
}

func NewExtensionList() ExtensionList {
	return ExtensionList{Entries: []Extension{}}
}

func (el ExtensionList) Clone() ExtensionList {
	out := ExtensionList{Entries: make([]Extension, len(el.Entries))}
	for i, ext := range el.Entries {
		out.Entries[i] = Extension{
			ExtensionType: ext.ExtensionType,
			ExtensionData: dup(ext.ExtensionData),
		}
	}
	return out
}

func (el *ExtensionList) Add(src ExtensionBody) error {
	data, err := syntax.Marshal(src)
	if err != nil {
		return err
	}

	// If one already exists with this type, replace it
	for i := range el.Entries {
		if el.Entries[i].ExtensionType == src.Type() {
			el.Entries[i].ExtensionData = data
			return nil
		}
	}

	// Otherwise append
	el.Entries = append(el.Entries, Extension{
		ExtensionType: src.Type(),
		ExtensionData: data,
	})
	return nil
}

func (el ExtensionList) Has(extType ExtensionType) bool {
	for _, ext := range el.Entries {
		if ext.ExtensionType == extType {
			return true
		}
	}
	return false
}

func (el ExtensionList) Find(dst ExtensionBody) (bool, error) {
	for _, ext := range el.Entries {
		if ext.ExtensionType == dst.Type() {
			read, err := syntax.Unmarshal(ext.ExtensionData, dst)
			if err != nil {
				return true, err
			}

			if read != len(ext.ExtensionData) {
				return true, fmt.Errorf("Extension failed to consume all data")
			}

			return true, nil
		}
	}
	return false, nil
}

//////////

type ParentHashExtension struct {
	ParentHash []byte `tls:"head=1"`
}

func (phe ParentHashExtension) Type() ExtensionType {
	return ExtensionTypeParentHash
}
