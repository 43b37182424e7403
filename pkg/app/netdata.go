package app

import (
	"encoding/hex"
	"encoding/json"

	"github.com/backkem/thread-commissioner/pkg/commissioner"
	"github.com/backkem/thread-commissioner/pkg/dataset"
)

// NetworkData is the persisted JSON view of the four dataset mirrors.
// Absent fields are omitted; byte fields are hex-encoded.
type NetworkData struct {
	ActiveDataset  jsonActiveDataset  `json:"activeDataset"`
	PendingDataset jsonPendingDataset `json:"pendingDataset"`
	CommDataset    jsonCommDataset    `json:"commDataset"`
	BbrDataset     jsonBbrDataset     `json:"bbrDataset"`
}

type jsonChannel struct {
	Page   uint8  `json:"page"`
	Number uint16 `json:"number"`
}

type jsonSecurityPolicy struct {
	RotationTime uint16 `json:"rotationTime"`
	Flags        string `json:"flags"`
}

type jsonActiveDataset struct {
	ActiveTimestamp  *uint64             `json:"activeTimestamp,omitempty"`
	Channel          *jsonChannel        `json:"channel,omitempty"`
	ChannelMask      *string             `json:"channelMask,omitempty"`
	ExtendedPanId    *string             `json:"extendedPanId,omitempty"`
	MeshLocalPrefix  *string             `json:"meshLocalPrefix,omitempty"`
	NetworkMasterKey *string             `json:"networkMasterKey,omitempty"`
	NetworkName      *string             `json:"networkName,omitempty"`
	PanId            *uint16             `json:"panId,omitempty"`
	PSKc             *string             `json:"pskc,omitempty"`
	SecurityPolicy   *jsonSecurityPolicy `json:"securityPolicy,omitempty"`
}

type jsonPendingDataset struct {
	jsonActiveDataset
	PendingTimestamp *uint64 `json:"pendingTimestamp,omitempty"`
	DelayTimer       *uint32 `json:"delayTimer,omitempty"`
}

type jsonCommDataset struct {
	BorderAgentLocator *uint16 `json:"borderAgentLocator,omitempty"`
	SessionId          *uint16 `json:"sessionId,omitempty"`
	SteeringData       *string `json:"steeringData,omitempty"`
	AeSteeringData     *string `json:"aeSteeringData,omitempty"`
	NmkpSteeringData   *string `json:"nmkpSteeringData,omitempty"`
	JoinerUdpPort      *uint16 `json:"joinerUdpPort,omitempty"`
	AeUdpPort          *uint16 `json:"aeUdpPort,omitempty"`
	NmkpUdpPort        *uint16 `json:"nmkpUdpPort,omitempty"`
}

type jsonBbrDataset struct {
	TriHostname       *string `json:"triHostname,omitempty"`
	RegistrarHostname *string `json:"registrarHostname,omitempty"`
	RegistrarIpv6Addr *string `json:"registrarIpv6Addr,omitempty"`
}

func hexPtr(b []byte) *string {
	s := hex.EncodeToString(b)
	return &s
}

func activeToJson(d *dataset.ActiveOperationalDataset) jsonActiveDataset {
	var out jsonActiveDataset
	if d.PresentFlags&dataset.ActiveTimestampBit != 0 {
		v := d.ActiveTimestamp.Encode()
		out.ActiveTimestamp = &v
	}
	if d.PresentFlags&dataset.ChannelBit != 0 {
		out.Channel = &jsonChannel{Page: d.Channel.Page, Number: d.Channel.Number}
	}
	if d.PresentFlags&dataset.ChannelMaskBit != 0 {
		out.ChannelMask = hexPtr(d.ChannelMask.Encode())
	}
	if d.PresentFlags&dataset.ExtendedPanIdBit != 0 {
		out.ExtendedPanId = hexPtr(d.ExtendedPanId)
	}
	if d.PresentFlags&dataset.MeshLocalPrefixBit != 0 {
		out.MeshLocalPrefix = hexPtr(d.MeshLocalPrefix)
	}
	if d.PresentFlags&dataset.NetworkMasterKeyBit != 0 {
		out.NetworkMasterKey = hexPtr(d.NetworkMasterKey)
	}
	if d.PresentFlags&dataset.NetworkNameBit != 0 {
		v := d.NetworkName
		out.NetworkName = &v
	}
	if d.PresentFlags&dataset.PanIdBit != 0 {
		v := d.PanId
		out.PanId = &v
	}
	if d.PresentFlags&dataset.PSKcBit != 0 {
		out.PSKc = hexPtr(d.PSKc)
	}
	if d.PresentFlags&dataset.SecurityPolicyBit != 0 {
		out.SecurityPolicy = &jsonSecurityPolicy{
			RotationTime: d.SecurityPolicy.RotationTime,
			Flags:        hex.EncodeToString(d.SecurityPolicy.Flags),
		}
	}
	return out
}

func activeFromJson(in *jsonActiveDataset) (dataset.ActiveOperationalDataset, error) {
	var d dataset.ActiveOperationalDataset
	if in.ActiveTimestamp != nil {
		d.ActiveTimestamp = dataset.DecodeTimestamp(*in.ActiveTimestamp)
		d.PresentFlags |= dataset.ActiveTimestampBit
	}
	if in.Channel != nil {
		d.Channel = dataset.Channel{Page: in.Channel.Page, Number: in.Channel.Number}
		d.PresentFlags |= dataset.ChannelBit
	}
	if in.ChannelMask != nil {
		raw, err := hex.DecodeString(*in.ChannelMask)
		if err != nil {
			return d, badNetworkData("channelMask")
		}
		mask, err := dataset.DecodeChannelMaskValue(raw)
		if err != nil {
			return d, badNetworkData("channelMask")
		}
		d.ChannelMask = mask
		d.PresentFlags |= dataset.ChannelMaskBit
	}
	if in.ExtendedPanId != nil {
		v, err := hex.DecodeString(*in.ExtendedPanId)
		if err != nil {
			return d, badNetworkData("extendedPanId")
		}
		d.ExtendedPanId = v
		d.PresentFlags |= dataset.ExtendedPanIdBit
	}
	if in.MeshLocalPrefix != nil {
		v, err := hex.DecodeString(*in.MeshLocalPrefix)
		if err != nil {
			return d, badNetworkData("meshLocalPrefix")
		}
		d.MeshLocalPrefix = v
		d.PresentFlags |= dataset.MeshLocalPrefixBit
	}
	if in.NetworkMasterKey != nil {
		v, err := hex.DecodeString(*in.NetworkMasterKey)
		if err != nil {
			return d, badNetworkData("networkMasterKey")
		}
		d.NetworkMasterKey = v
		d.PresentFlags |= dataset.NetworkMasterKeyBit
	}
	if in.NetworkName != nil {
		d.NetworkName = *in.NetworkName
		d.PresentFlags |= dataset.NetworkNameBit
	}
	if in.PanId != nil {
		d.PanId = *in.PanId
		d.PresentFlags |= dataset.PanIdBit
	}
	if in.PSKc != nil {
		v, err := hex.DecodeString(*in.PSKc)
		if err != nil {
			return d, badNetworkData("pskc")
		}
		d.PSKc = v
		d.PresentFlags |= dataset.PSKcBit
	}
	if in.SecurityPolicy != nil {
		flags, err := hex.DecodeString(in.SecurityPolicy.Flags)
		if err != nil {
			return d, badNetworkData("securityPolicy")
		}
		d.SecurityPolicy = dataset.SecurityPolicy{
			RotationTime: in.SecurityPolicy.RotationTime,
			Flags:        flags,
		}
		d.PresentFlags |= dataset.SecurityPolicyBit
	}
	return d, nil
}

func badNetworkData(field string) error {
	return &commissioner.Error{Kind: commissioner.KindInvalidArgs,
		Message: "bad network data field " + field}
}

// BuildNetworkData snapshots the four datasets into the persisted form.
func BuildNetworkData(
	active dataset.ActiveOperationalDataset,
	pending dataset.PendingOperationalDataset,
	comm dataset.CommissionerDataset,
	bbr dataset.BbrDataset,
) NetworkData {
	nd := NetworkData{
		ActiveDataset: activeToJson(&active),
	}

	nd.PendingDataset.jsonActiveDataset = activeToJson(&pending.ActiveOperationalDataset)
	if pending.PresentFlags&dataset.PendingTimestampBit != 0 {
		v := pending.PendingTimestamp.Encode()
		nd.PendingDataset.PendingTimestamp = &v
	}
	if pending.PresentFlags&dataset.DelayTimerBit != 0 {
		v := pending.DelayTimer
		nd.PendingDataset.DelayTimer = &v
	}

	if comm.PresentFlags&dataset.BorderAgentLocatorBit != 0 {
		v := comm.BorderAgentLocator
		nd.CommDataset.BorderAgentLocator = &v
	}
	if comm.PresentFlags&dataset.SessionIdBit != 0 {
		v := comm.SessionId
		nd.CommDataset.SessionId = &v
	}
	if comm.PresentFlags&dataset.SteeringDataBit != 0 {
		nd.CommDataset.SteeringData = hexPtr(comm.SteeringData)
	}
	if comm.PresentFlags&dataset.AeSteeringDataBit != 0 {
		nd.CommDataset.AeSteeringData = hexPtr(comm.AeSteeringData)
	}
	if comm.PresentFlags&dataset.NmkpSteeringDataBit != 0 {
		nd.CommDataset.NmkpSteeringData = hexPtr(comm.NmkpSteeringData)
	}
	if comm.PresentFlags&dataset.JoinerUdpPortBit != 0 {
		v := comm.JoinerUdpPort
		nd.CommDataset.JoinerUdpPort = &v
	}
	if comm.PresentFlags&dataset.AeUdpPortBit != 0 {
		v := comm.AeUdpPort
		nd.CommDataset.AeUdpPort = &v
	}
	if comm.PresentFlags&dataset.NmkpUdpPortBit != 0 {
		v := comm.NmkpUdpPort
		nd.CommDataset.NmkpUdpPort = &v
	}

	if bbr.PresentFlags&dataset.TriHostnameBit != 0 {
		v := bbr.TriHostname
		nd.BbrDataset.TriHostname = &v
	}
	if bbr.PresentFlags&dataset.RegistrarHostnameBit != 0 {
		v := bbr.RegistrarHostname
		nd.BbrDataset.RegistrarHostname = &v
	}
	if bbr.PresentFlags&dataset.RegistrarIpv6AddrBit != 0 {
		v := bbr.RegistrarIpv6Addr
		nd.BbrDataset.RegistrarIpv6Addr = &v
	}
	return nd
}

// Datasets reconstructs the four datasets from the persisted form.
func (nd *NetworkData) Datasets() (
	dataset.ActiveOperationalDataset,
	dataset.PendingOperationalDataset,
	dataset.CommissionerDataset,
	dataset.BbrDataset,
	error,
) {
	var (
		pending dataset.PendingOperationalDataset
		comm    dataset.CommissionerDataset
		bbr     dataset.BbrDataset
	)

	active, err := activeFromJson(&nd.ActiveDataset)
	if err != nil {
		return active, pending, comm, bbr, err
	}

	pendingActive, err := activeFromJson(&nd.PendingDataset.jsonActiveDataset)
	if err != nil {
		return active, pending, comm, bbr, err
	}
	pending.ActiveOperationalDataset = pendingActive
	if nd.PendingDataset.PendingTimestamp != nil {
		pending.PendingTimestamp = dataset.DecodeTimestamp(*nd.PendingDataset.PendingTimestamp)
		pending.PresentFlags |= dataset.PendingTimestampBit
	}
	if nd.PendingDataset.DelayTimer != nil {
		pending.DelayTimer = *nd.PendingDataset.DelayTimer
		pending.PresentFlags |= dataset.DelayTimerBit
	}

	if nd.CommDataset.BorderAgentLocator != nil {
		comm.BorderAgentLocator = *nd.CommDataset.BorderAgentLocator
		comm.PresentFlags |= dataset.BorderAgentLocatorBit
	}
	if nd.CommDataset.SessionId != nil {
		comm.SessionId = *nd.CommDataset.SessionId
		comm.PresentFlags |= dataset.SessionIdBit
	}
	if nd.CommDataset.SteeringData != nil {
		v, err := hex.DecodeString(*nd.CommDataset.SteeringData)
		if err != nil {
			return active, pending, comm, bbr, badNetworkData("steeringData")
		}
		comm.SteeringData = v
		comm.PresentFlags |= dataset.SteeringDataBit
	}
	if nd.CommDataset.AeSteeringData != nil {
		v, err := hex.DecodeString(*nd.CommDataset.AeSteeringData)
		if err != nil {
			return active, pending, comm, bbr, badNetworkData("aeSteeringData")
		}
		comm.AeSteeringData = v
		comm.PresentFlags |= dataset.AeSteeringDataBit
	}
	if nd.CommDataset.NmkpSteeringData != nil {
		v, err := hex.DecodeString(*nd.CommDataset.NmkpSteeringData)
		if err != nil {
			return active, pending, comm, bbr, badNetworkData("nmkpSteeringData")
		}
		comm.NmkpSteeringData = v
		comm.PresentFlags |= dataset.NmkpSteeringDataBit
	}
	if nd.CommDataset.JoinerUdpPort != nil {
		comm.JoinerUdpPort = *nd.CommDataset.JoinerUdpPort
		comm.PresentFlags |= dataset.JoinerUdpPortBit
	}
	if nd.CommDataset.AeUdpPort != nil {
		comm.AeUdpPort = *nd.CommDataset.AeUdpPort
		comm.PresentFlags |= dataset.AeUdpPortBit
	}
	if nd.CommDataset.NmkpUdpPort != nil {
		comm.NmkpUdpPort = *nd.CommDataset.NmkpUdpPort
		comm.PresentFlags |= dataset.NmkpUdpPortBit
	}

	if nd.BbrDataset.TriHostname != nil {
		bbr.TriHostname = *nd.BbrDataset.TriHostname
		bbr.PresentFlags |= dataset.TriHostnameBit
	}
	if nd.BbrDataset.RegistrarHostname != nil {
		bbr.RegistrarHostname = *nd.BbrDataset.RegistrarHostname
		bbr.PresentFlags |= dataset.RegistrarHostnameBit
	}
	if nd.BbrDataset.RegistrarIpv6Addr != nil {
		bbr.RegistrarIpv6Addr = *nd.BbrDataset.RegistrarIpv6Addr
		bbr.PresentFlags |= dataset.RegistrarIpv6AddrBit
	}

	return active, pending, comm, bbr, nil
}

// Save writes the network data as indented JSON.
func (nd *NetworkData) Save(path string) error {
	data, err := json.MarshalIndent(nd, "", "    ")
	if err != nil {
		return &commissioner.Error{Kind: commissioner.KindInternal,
			Message: "encoding network data: " + err.Error()}
	}
	return WriteFile(path, append(data, '\n'))
}

// LoadNetworkData reads a previously saved network data file.
func LoadNetworkData(path string) (*NetworkData, error) {
	data, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	var nd NetworkData
	if err := json.Unmarshal(data, &nd); err != nil {
		return nil, &commissioner.Error{Kind: commissioner.KindInvalidArgs,
			Message: "bad network data file " + path + ": " + err.Error()}
	}
	return &nd, nil
}
