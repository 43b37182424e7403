package dataset

import (
	"github.com/backkem/thread-commissioner/pkg/meshcop"
)

// BBR Dataset presence bits (CCM networks only).
const (
	TriHostnameBit uint16 = 1 << iota
	RegistrarHostnameBit
	RegistrarIpv6AddrBit
)

// BbrDataset mirrors the Backbone Border Router dataset of a CCM network.
type BbrDataset struct {
	TriHostname       string
	RegistrarHostname string
	RegistrarIpv6Addr string

	PresentFlags uint16

	Unknown meshcop.List
}

type bbrField struct {
	bit uint16
	typ meshcop.Type
	get func(d *BbrDataset) *string
}

var bbrFields = []bbrField{
	{TriHostnameBit, meshcop.TypeTriHostname, func(d *BbrDataset) *string { return &d.TriHostname }},
	{RegistrarHostnameBit, meshcop.TypeRegistrarHostname, func(d *BbrDataset) *string { return &d.RegistrarHostname }},
	{RegistrarIpv6AddrBit, meshcop.TypeRegistrarIpv6Address, func(d *BbrDataset) *string { return &d.RegistrarIpv6Addr }},
}

// ToTLVs serializes the present fields in schema order.
func (d *BbrDataset) ToTLVs() meshcop.List {
	var list meshcop.List
	for _, f := range bbrFields {
		if d.PresentFlags&f.bit != 0 {
			list = append(list, meshcop.NewString(f.typ, *f.get(d)))
		}
	}
	return list
}

// FromTLVs populates the dataset from a decoded TLV list.
func (d *BbrDataset) FromTLVs(list meshcop.List) error {
	return decodeByTable(list, func(t meshcop.TLV) (bool, error) {
		for _, f := range bbrFields {
			if f.typ == t.Type {
				*f.get(d) = t.String()
				d.PresentFlags |= f.bit
				return true, nil
			}
		}
		return false, nil
	}, &d.Unknown)
}

// MergeBbr copies every field present in src into dst. Fields absent in
// src leave dst unchanged.
func MergeBbr(dst, src *BbrDataset) {
	for _, f := range bbrFields {
		if src.PresentFlags&f.bit != 0 {
			*f.get(dst) = *f.get(src)
			dst.PresentFlags |= f.bit
		}
	}
}
