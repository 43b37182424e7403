package dataset

import (
	"github.com/backkem/thread-commissioner/pkg/meshcop"
)

// FullDatasetFlags requests every field of a dataset in a MGMT_*_GET.
const FullDatasetFlags uint16 = 0xFFFF

// ActiveGetTypes projects an Active dataset presence mask onto the TLV
// types to request in a MGMT_ACTIVE_GET. A full mask yields nil, which
// requests the whole dataset.
func ActiveGetTypes(flags uint16) []meshcop.Type {
	if flags == FullDatasetFlags {
		return nil
	}
	var types []meshcop.Type
	for _, f := range activeFields {
		if flags&f.bit != 0 {
			types = append(types, f.typ)
		}
	}
	return types
}

// PendingGetTypes projects a Pending dataset presence mask onto TLV types.
func PendingGetTypes(flags uint16) []meshcop.Type {
	if flags == FullDatasetFlags {
		return nil
	}
	types := ActiveGetTypes(flags)
	if flags&PendingTimestampBit != 0 {
		types = append(types, meshcop.TypePendingTimestamp)
	}
	if flags&DelayTimerBit != 0 {
		types = append(types, meshcop.TypeDelayTimer)
	}
	return types
}

// CommissionerGetTypes projects a Commissioner dataset presence mask onto
// TLV types.
func CommissionerGetTypes(flags uint16) []meshcop.Type {
	if flags == FullDatasetFlags {
		return nil
	}
	var types []meshcop.Type
	for _, f := range commFields {
		if flags&f.bit != 0 {
			types = append(types, f.typ)
		}
	}
	return types
}

// BbrGetTypes projects a BBR dataset presence mask onto TLV types.
func BbrGetTypes(flags uint16) []meshcop.Type {
	if flags == FullDatasetFlags {
		return nil
	}
	var types []meshcop.Type
	for _, f := range bbrFields {
		if flags&f.bit != 0 {
			types = append(types, f.typ)
		}
	}
	return types
}

// Filter returns a copy of the dataset restricted to the fields selected
// by mask.
func (d *ActiveOperationalDataset) Filter(mask uint16) ActiveOperationalDataset {
	out := *d
	out.PresentFlags &= mask
	return out
}

// Filter returns a copy of the dataset restricted to the fields selected
// by mask.
func (d *PendingOperationalDataset) Filter(mask uint16) PendingOperationalDataset {
	out := *d
	out.PresentFlags &= mask
	return out
}

// Filter returns a copy of the dataset restricted to the fields selected
// by mask.
func (d *CommissionerDataset) Filter(mask uint16) CommissionerDataset {
	out := *d
	out.PresentFlags &= mask
	return out
}

// Filter returns a copy of the dataset restricted to the fields selected
// by mask.
func (d *BbrDataset) Filter(mask uint16) BbrDataset {
	out := *d
	out.PresentFlags &= mask
	return out
}
