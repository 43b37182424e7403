package dataset

import (
	"github.com/backkem/thread-commissioner/pkg/meshcop"
)

// Commissioner Dataset presence bits.
const (
	BorderAgentLocatorBit uint16 = 1 << iota
	SessionIdBit
	SteeringDataBit
	AeSteeringDataBit
	NmkpSteeringDataBit
	JoinerUdpPortBit
	AeUdpPortBit
	NmkpUdpPortBit
)

// CommissionerDataset mirrors the network's Commissioner Dataset.
//
// BorderAgentLocator and SessionId are owned by the Leader: they are
// populated from petition replies and MGMT_COMMISSIONER_GET, and must never
// be sent back in a MGMT_COMMISSIONER_SET. ToSetTLVs enforces this.
type CommissionerDataset struct {
	BorderAgentLocator uint16
	SessionId          uint16
	SteeringData       []byte
	AeSteeringData     []byte
	NmkpSteeringData   []byte
	JoinerUdpPort      uint16
	AeUdpPort          uint16
	NmkpUdpPort        uint16

	PresentFlags uint16

	Unknown meshcop.List
}

// commField describes one Commissioner dataset field. The steering-data
// and UDP-port families carry replace semantics on the wire: a SET that
// omits them deletes them.
type commField struct {
	bit     uint16
	typ     meshcop.Type
	replace bool
	encode  func(d *CommissionerDataset) meshcop.TLV
	decode  func(d *CommissionerDataset, t meshcop.TLV) error
	copyTo  func(dst, src *CommissionerDataset)
}

func commUint16Field(bit uint16, typ meshcop.Type, replace bool, get func(*CommissionerDataset) *uint16) commField {
	return commField{
		bit: bit, typ: typ, replace: replace,
		encode: func(d *CommissionerDataset) meshcop.TLV {
			return meshcop.NewUint16(typ, *get(d))
		},
		decode: func(d *CommissionerDataset, t meshcop.TLV) error {
			v, err := t.Uint16()
			if err != nil {
				return err
			}
			*get(d) = v
			return nil
		},
		copyTo: func(dst, src *CommissionerDataset) { *get(dst) = *get(src) },
	}
}

func commBytesField(bit uint16, typ meshcop.Type, get func(*CommissionerDataset) *[]byte) commField {
	return commField{
		bit: bit, typ: typ, replace: true,
		encode: func(d *CommissionerDataset) meshcop.TLV {
			return meshcop.NewBytes(typ, *get(d))
		},
		decode: func(d *CommissionerDataset, t meshcop.TLV) error {
			*get(d) = append([]byte(nil), t.Value...)
			return nil
		},
		copyTo: func(dst, src *CommissionerDataset) { *get(dst) = *get(src) },
	}
}

var commFields = []commField{
	commUint16Field(BorderAgentLocatorBit, meshcop.TypeBorderAgentLocator, false,
		func(d *CommissionerDataset) *uint16 { return &d.BorderAgentLocator }),
	commUint16Field(SessionIdBit, meshcop.TypeCommissionerSessionId, false,
		func(d *CommissionerDataset) *uint16 { return &d.SessionId }),
	commBytesField(SteeringDataBit, meshcop.TypeSteeringData,
		func(d *CommissionerDataset) *[]byte { return &d.SteeringData }),
	commBytesField(AeSteeringDataBit, meshcop.TypeAeSteeringData,
		func(d *CommissionerDataset) *[]byte { return &d.AeSteeringData }),
	commBytesField(NmkpSteeringDataBit, meshcop.TypeNmkpSteeringData,
		func(d *CommissionerDataset) *[]byte { return &d.NmkpSteeringData }),
	commUint16Field(JoinerUdpPortBit, meshcop.TypeJoinerUdpPort, true,
		func(d *CommissionerDataset) *uint16 { return &d.JoinerUdpPort }),
	commUint16Field(AeUdpPortBit, meshcop.TypeAeUdpPort, true,
		func(d *CommissionerDataset) *uint16 { return &d.AeUdpPort }),
	commUint16Field(NmkpUdpPortBit, meshcop.TypeNmkpUdpPort, true,
		func(d *CommissionerDataset) *uint16 { return &d.NmkpUdpPort }),
}

// ToTLVs serializes every present field, including the Leader-owned ones.
// Used for local inspection and persistence, never for a SET.
func (d *CommissionerDataset) ToTLVs() meshcop.List {
	var list meshcop.List
	for _, f := range commFields {
		if d.PresentFlags&f.bit != 0 {
			list = append(list, f.encode(d))
		}
	}
	return list
}

// ToSetTLVs serializes the dataset for a MGMT_COMMISSIONER_SET. The
// Leader-owned SessionId and BorderAgentLocator are excluded regardless of
// their presence bits; the Leader is their only writer.
func (d *CommissionerDataset) ToSetTLVs() meshcop.List {
	var list meshcop.List
	for _, f := range commFields {
		if f.bit == SessionIdBit || f.bit == BorderAgentLocatorBit {
			continue
		}
		if d.PresentFlags&f.bit != 0 {
			list = append(list, f.encode(d))
		}
	}
	return list
}

// FromTLVs populates the dataset from a decoded TLV list.
func (d *CommissionerDataset) FromTLVs(list meshcop.List) error {
	return decodeByTable(list, func(t meshcop.TLV) (bool, error) {
		for _, f := range commFields {
			if f.typ == t.Type {
				if err := f.decode(d, t); err != nil {
					return false, err
				}
				d.PresentFlags |= f.bit
				return true, nil
			}
		}
		return false, nil
	}, &d.Unknown)
}

// MergeMode selects the Commissioner-dataset merge rule.
type MergeMode int

const (
	// MergeAdditive copies present fields only; fields absent in src are
	// left untouched in dst. Used when merging a MGMT_COMMISSIONER_GET
	// reply, which may be a partial view.
	MergeAdditive MergeMode = iota

	// MergeReplace additionally clears the replace-semantics fields
	// (steering data and joiner UDP port families) that are absent in
	// src, mirroring what the SET just did on the Leader.
	MergeReplace
)

// MergeCommissioner merges src into dst under the given mode.
func MergeCommissioner(dst, src *CommissionerDataset, mode MergeMode) {
	for _, f := range commFields {
		switch {
		case src.PresentFlags&f.bit != 0:
			f.copyTo(dst, src)
			dst.PresentFlags |= f.bit
		case mode == MergeReplace && f.replace:
			dst.PresentFlags &^= f.bit
		}
	}
}

// ClearLeaderOwned drops the presence bits of the Leader-owned fields.
func (d *CommissionerDataset) ClearLeaderOwned() {
	d.PresentFlags &^= SessionIdBit | BorderAgentLocatorBit
}
