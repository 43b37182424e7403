package dataset

import (
	"github.com/backkem/thread-commissioner/pkg/meshcop"
)

// Pending Operational Dataset presence bits, continuing the Active bits.
const (
	PendingTimestampBit uint16 = 1 << (iota + 10)
	DelayTimerBit
)

// PendingOperationalDataset is the Active dataset plus the pending
// timestamp and the delay timer that schedules its promotion.
type PendingOperationalDataset struct {
	ActiveOperationalDataset

	PendingTimestamp Timestamp
	DelayTimer       uint32 // milliseconds
}

// ToTLVs serializes the present fields in schema order.
func (d *PendingOperationalDataset) ToTLVs() meshcop.List {
	list := d.ActiveOperationalDataset.ToTLVs()
	if d.PresentFlags&PendingTimestampBit != 0 {
		list = append(list, meshcop.NewUint64(meshcop.TypePendingTimestamp, d.PendingTimestamp.Encode()))
	}
	if d.PresentFlags&DelayTimerBit != 0 {
		list = append(list, meshcop.NewUint32(meshcop.TypeDelayTimer, d.DelayTimer))
	}
	return list
}

// FromTLVs populates the dataset from a decoded TLV list.
func (d *PendingOperationalDataset) FromTLVs(list meshcop.List) error {
	return decodeByTable(list, func(t meshcop.TLV) (bool, error) {
		switch t.Type {
		case meshcop.TypePendingTimestamp:
			v, err := t.Uint64()
			if err != nil {
				return false, err
			}
			d.PendingTimestamp = DecodeTimestamp(v)
			d.PresentFlags |= PendingTimestampBit
			return true, nil

		case meshcop.TypeDelayTimer:
			v, err := t.Uint32()
			if err != nil {
				return false, err
			}
			d.DelayTimer = v
			d.PresentFlags |= DelayTimerBit
			return true, nil
		}

		for _, f := range activeFields {
			if f.typ == t.Type {
				if err := f.decode(&d.ActiveOperationalDataset, t); err != nil {
					return false, err
				}
				d.PresentFlags |= f.bit
				return true, nil
			}
		}
		return false, nil
	}, &d.Unknown)
}

// MergePending copies every field present in src into dst. Fields absent
// in src leave dst unchanged.
func MergePending(dst, src *PendingOperationalDataset) {
	MergeActive(&dst.ActiveOperationalDataset, &src.ActiveOperationalDataset)
	if src.PresentFlags&PendingTimestampBit != 0 {
		dst.PendingTimestamp = src.PendingTimestamp
		dst.PresentFlags |= PendingTimestampBit
	}
	if src.PresentFlags&DelayTimerBit != 0 {
		dst.DelayTimer = src.DelayTimer
		dst.PresentFlags |= DelayTimerBit
	}
}
