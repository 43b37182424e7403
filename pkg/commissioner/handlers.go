package commissioner

import (
	"github.com/backkem/thread-commissioner/pkg/dataset"
)

// JoinerType distinguishes the three joining protocols steered by the
// Commissioner dataset.
type JoinerType int

// Joiner types.
const (
	// JoinerTypeMeshCoP is a Thread 1.1 joiner using the PSKd handshake.
	JoinerTypeMeshCoP JoinerType = iota

	// JoinerTypeAE is a CCM joiner performing Autonomous Enrollment.
	JoinerTypeAE

	// JoinerTypeNMKP is a CCM joiner performing Network Master Key
	// Provisioning.
	JoinerTypeNMKP
)

// String returns the joiner type name.
func (t JoinerType) String() string {
	switch t {
	case JoinerTypeMeshCoP:
		return "meshcop"
	case JoinerTypeAE:
		return "ae"
	case JoinerTypeNMKP:
		return "nmkp"
	default:
		return "unknown"
	}
}

// JoinerInfo describes an enabled joiner.
type JoinerInfo struct {
	Type            JoinerType
	Eui64           uint64
	PSKd            string
	ProvisioningUrl string
}

// CommissioningInfo carries the JOIN_FIN.req contents presented to the
// commissioning handler.
type CommissioningInfo struct {
	VendorName         string
	VendorModel        string
	VendorSwVersion    string
	VendorStackVersion []byte
	ProvisioningUrl    string
	VendorData         []byte
}

// EnergyReport is one responder's MGMT_ED_REPORT.ans aggregation.
type EnergyReport struct {
	ChannelMask dataset.ChannelMask
	EnergyList  []byte
}

// Handlers is the handler set supplied at construction. Every field is
// optional; nil fields select the documented default. All handlers run on
// the event loop and must not block.
type Handlers struct {
	// Commissioning decides whether a joiner presenting JOIN_FIN.req is
	// admitted. Default: accept all.
	Commissioning func(joiner *JoinerInfo, info *CommissioningInfo) bool

	// JoinerInfo resolves the joiner entry for an incoming session.
	// Default: the commissioner's own joiner table with wildcard
	// fallback.
	JoinerInfo func(t JoinerType, id JoinerId) *JoinerInfo

	// PanIdConflict fires on each MGMT_PANID_CONFLICT.ans.
	PanIdConflict func(peerAddr string, channelMask dataset.ChannelMask, panId uint16)

	// EnergyReport fires on each MGMT_ED_REPORT.ans.
	EnergyReport func(peerAddr string, report *EnergyReport)

	// DatasetChanged fires on MGMT_DATASET_CHANGED.ntf, after the
	// commissioner has enqueued its own re-pull of the operational
	// datasets.
	DatasetChanged func()
}
