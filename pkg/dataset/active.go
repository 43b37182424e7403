package dataset

import (
	"github.com/backkem/thread-commissioner/pkg/meshcop"
)

// Active Operational Dataset presence bits.
const (
	ActiveTimestampBit uint16 = 1 << iota
	ChannelBit
	ChannelMaskBit
	ExtendedPanIdBit
	MeshLocalPrefixBit
	NetworkMasterKeyBit
	NetworkNameBit
	PanIdBit
	PSKcBit
	SecurityPolicyBit
)

// ActiveOperationalDataset mirrors the network's Active Operational
// Dataset. Fields are valid only when the matching presence bit is set.
type ActiveOperationalDataset struct {
	ActiveTimestamp  Timestamp
	Channel          Channel
	ChannelMask      ChannelMask
	ExtendedPanId    []byte
	MeshLocalPrefix  []byte
	NetworkMasterKey []byte
	NetworkName      string
	PanId            uint16
	PSKc             []byte
	SecurityPolicy   SecurityPolicy

	PresentFlags uint16

	// Unknown holds TLVs preserved from decoding that this implementation
	// does not model. They are never re-emitted on a SET.
	Unknown meshcop.List
}

// activeField describes one Active dataset field for the table-driven
// serializer and merge engine.
type activeField struct {
	bit    uint16
	typ    meshcop.Type
	encode func(d *ActiveOperationalDataset) meshcop.TLV
	decode func(d *ActiveOperationalDataset, t meshcop.TLV) error
	copyTo func(dst, src *ActiveOperationalDataset)
}

var activeFields = []activeField{
	{
		bit: ActiveTimestampBit, typ: meshcop.TypeActiveTimestamp,
		encode: func(d *ActiveOperationalDataset) meshcop.TLV {
			return meshcop.NewUint64(meshcop.TypeActiveTimestamp, d.ActiveTimestamp.Encode())
		},
		decode: func(d *ActiveOperationalDataset, t meshcop.TLV) error {
			v, err := t.Uint64()
			if err != nil {
				return err
			}
			d.ActiveTimestamp = DecodeTimestamp(v)
			return nil
		},
		copyTo: func(dst, src *ActiveOperationalDataset) { dst.ActiveTimestamp = src.ActiveTimestamp },
	},
	{
		bit: ChannelBit, typ: meshcop.TypeChannel,
		encode: func(d *ActiveOperationalDataset) meshcop.TLV {
			return meshcop.NewBytes(meshcop.TypeChannel, d.Channel.encode())
		},
		decode: func(d *ActiveOperationalDataset, t meshcop.TLV) error {
			ch, err := decodeChannel(t.Value)
			if err != nil {
				return err
			}
			d.Channel = ch
			return nil
		},
		copyTo: func(dst, src *ActiveOperationalDataset) { dst.Channel = src.Channel },
	},
	{
		bit: ChannelMaskBit, typ: meshcop.TypeChannelMask,
		encode: func(d *ActiveOperationalDataset) meshcop.TLV {
			return meshcop.NewBytes(meshcop.TypeChannelMask, d.ChannelMask.Encode())
		},
		decode: func(d *ActiveOperationalDataset, t meshcop.TLV) error {
			mask, err := decodeChannelMask(t.Value)
			if err != nil {
				return err
			}
			d.ChannelMask = mask
			return nil
		},
		copyTo: func(dst, src *ActiveOperationalDataset) { dst.ChannelMask = src.ChannelMask },
	},
	{
		bit: ExtendedPanIdBit, typ: meshcop.TypeExtendedPanId,
		encode: func(d *ActiveOperationalDataset) meshcop.TLV {
			return meshcop.NewBytes(meshcop.TypeExtendedPanId, d.ExtendedPanId)
		},
		decode: func(d *ActiveOperationalDataset, t meshcop.TLV) error {
			d.ExtendedPanId = append([]byte(nil), t.Value...)
			return nil
		},
		copyTo: func(dst, src *ActiveOperationalDataset) { dst.ExtendedPanId = src.ExtendedPanId },
	},
	{
		bit: MeshLocalPrefixBit, typ: meshcop.TypeMeshLocalPrefix,
		encode: func(d *ActiveOperationalDataset) meshcop.TLV {
			return meshcop.NewBytes(meshcop.TypeMeshLocalPrefix, d.MeshLocalPrefix)
		},
		decode: func(d *ActiveOperationalDataset, t meshcop.TLV) error {
			d.MeshLocalPrefix = append([]byte(nil), t.Value...)
			return nil
		},
		copyTo: func(dst, src *ActiveOperationalDataset) { dst.MeshLocalPrefix = src.MeshLocalPrefix },
	},
	{
		bit: NetworkMasterKeyBit, typ: meshcop.TypeNetworkMasterKey,
		encode: func(d *ActiveOperationalDataset) meshcop.TLV {
			return meshcop.NewBytes(meshcop.TypeNetworkMasterKey, d.NetworkMasterKey)
		},
		decode: func(d *ActiveOperationalDataset, t meshcop.TLV) error {
			d.NetworkMasterKey = append([]byte(nil), t.Value...)
			return nil
		},
		copyTo: func(dst, src *ActiveOperationalDataset) { dst.NetworkMasterKey = src.NetworkMasterKey },
	},
	{
		bit: NetworkNameBit, typ: meshcop.TypeNetworkName,
		encode: func(d *ActiveOperationalDataset) meshcop.TLV {
			return meshcop.NewString(meshcop.TypeNetworkName, d.NetworkName)
		},
		decode: func(d *ActiveOperationalDataset, t meshcop.TLV) error {
			d.NetworkName = t.String()
			return nil
		},
		copyTo: func(dst, src *ActiveOperationalDataset) { dst.NetworkName = src.NetworkName },
	},
	{
		bit: PanIdBit, typ: meshcop.TypePanId,
		encode: func(d *ActiveOperationalDataset) meshcop.TLV {
			return meshcop.NewUint16(meshcop.TypePanId, d.PanId)
		},
		decode: func(d *ActiveOperationalDataset, t meshcop.TLV) error {
			v, err := t.Uint16()
			if err != nil {
				return err
			}
			d.PanId = v
			return nil
		},
		copyTo: func(dst, src *ActiveOperationalDataset) { dst.PanId = src.PanId },
	},
	{
		bit: PSKcBit, typ: meshcop.TypePSKc,
		encode: func(d *ActiveOperationalDataset) meshcop.TLV {
			return meshcop.NewBytes(meshcop.TypePSKc, d.PSKc)
		},
		decode: func(d *ActiveOperationalDataset, t meshcop.TLV) error {
			d.PSKc = append([]byte(nil), t.Value...)
			return nil
		},
		copyTo: func(dst, src *ActiveOperationalDataset) { dst.PSKc = src.PSKc },
	},
	{
		bit: SecurityPolicyBit, typ: meshcop.TypeSecurityPolicy,
		encode: func(d *ActiveOperationalDataset) meshcop.TLV {
			return meshcop.NewBytes(meshcop.TypeSecurityPolicy, d.SecurityPolicy.encode())
		},
		decode: func(d *ActiveOperationalDataset, t meshcop.TLV) error {
			policy, err := decodeSecurityPolicy(t.Value)
			if err != nil {
				return err
			}
			d.SecurityPolicy = policy
			return nil
		},
		copyTo: func(dst, src *ActiveOperationalDataset) { dst.SecurityPolicy = src.SecurityPolicy },
	},
}

// ToTLVs serializes the present fields in schema order.
func (d *ActiveOperationalDataset) ToTLVs() meshcop.List {
	var list meshcop.List
	for _, f := range activeFields {
		if d.PresentFlags&f.bit != 0 {
			list = append(list, f.encode(d))
		}
	}
	return list
}

// FromTLVs populates the dataset from a decoded TLV list, setting presence
// bits for recognized fields and preserving the rest in Unknown.
func (d *ActiveOperationalDataset) FromTLVs(list meshcop.List) error {
	return decodeByTable(list, func(t meshcop.TLV) (bool, error) {
		for _, f := range activeFields {
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

// MergeActive copies every field present in src into dst. Fields absent in
// src leave dst unchanged.
func MergeActive(dst, src *ActiveOperationalDataset) {
	for _, f := range activeFields {
		if src.PresentFlags&f.bit != 0 {
			f.copyTo(dst, src)
			dst.PresentFlags |= f.bit
		}
	}
}

// decodeByTable runs each TLV through decodeOne; unrecognized TLVs are
// preserved in unknown.
func decodeByTable(list meshcop.List, decodeOne func(meshcop.TLV) (bool, error), unknown *meshcop.List) error {
	for _, t := range list {
		known, err := decodeOne(t)
		if err != nil {
			return err
		}
		if !known {
			*unknown = append(*unknown, t)
		}
	}
	return nil
}
