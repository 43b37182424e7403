// Package meshcop implements the MeshCoP TLV wire format used by the
// Thread Mesh Commissioning Protocol: the TLV codec itself, the TLV type
// registry, and the CoAP URI paths of the MeshCoP resources.
package meshcop

// Type identifies a MeshCoP TLV.
type Type uint8

// MeshCoP TLV types (Thread 1.2 numbering).
const (
	TypeChannel                 Type = 0
	TypePanId                   Type = 1
	TypeExtendedPanId           Type = 2
	TypeNetworkName             Type = 3
	TypePSKc                    Type = 4
	TypeNetworkMasterKey        Type = 5
	TypeNetworkKeySequence      Type = 6
	TypeMeshLocalPrefix         Type = 7
	TypeSteeringData            Type = 8
	TypeBorderAgentLocator      Type = 9
	TypeCommissionerId          Type = 10
	TypeCommissionerSessionId   Type = 11
	TypeSecurityPolicy          Type = 12
	TypeGet                     Type = 13
	TypeActiveTimestamp         Type = 14
	TypeCommissionerUdpPort     Type = 15
	TypeState                   Type = 16
	TypeJoinerDtlsEncapsulation Type = 17
	TypeJoinerUdpPort           Type = 18
	TypeJoinerIid               Type = 19
	TypeJoinerRouterLocator     Type = 20
	TypeJoinerRouterKek         Type = 21
	TypeProvisioningUrl         Type = 32
	TypeVendorName              Type = 33
	TypeVendorModel             Type = 34
	TypeVendorSwVersion         Type = 35
	TypeVendorData              Type = 36
	TypeVendorStackVersion      Type = 37
	TypeUdpEncapsulation        Type = 48
	TypeIpv6Address             Type = 49
	TypePendingTimestamp        Type = 51
	TypeDelayTimer              Type = 52
	TypeChannelMask             Type = 53
	TypeCount                   Type = 54
	TypePeriod                  Type = 55
	TypeScanDuration            Type = 56
	TypeEnergyList              Type = 57
	TypeDomainName              Type = 59
	TypeDomainPrefix            Type = 60
	TypeAeSteeringData          Type = 61
	TypeNmkpSteeringData        Type = 62
	TypeCommissionerToken       Type = 63
	TypeCommissionerSignature   Type = 64
	TypeAeUdpPort               Type = 65
	TypeNmkpUdpPort             Type = 66
	TypeTriHostname             Type = 67
	TypeRegistrarHostname       Type = 68
	TypeRegistrarIpv6Address    Type = 69
)

// Thread Network Layer TLV types, used on the /n/mr (MLR) resource.
const (
	TypeThreadStatus        Type = 4
	TypeThreadTimeout       Type = 11
	TypeThreadIpv6Addresses Type = 14
)

// State TLV values.
const (
	StateReject  = 0xFF // -1 as int8
	StatePending = 0x00
	StateAccept  = 0x01

	// StateResign is the LEAD_KA.req State value releasing the
	// commissioner role (State=0); StateAccept retains it.
	StateResign = 0x00
)

// CoAP URI paths of the MeshCoP resources.
const (
	UriPetition           = "/c/lp"
	UriKeepAlive          = "/c/la"
	UriCommissionerGet    = "/c/cg"
	UriCommissionerSet    = "/c/cs"
	UriActiveGet          = "/c/ag"
	UriActiveSet          = "/c/as"
	UriPendingGet         = "/c/pg"
	UriPendingSet         = "/c/ps"
	UriBbrGet             = "/c/bg"
	UriBbrSet             = "/c/bs"
	UriDatasetChanged     = "/c/dc"
	UriPanIdQuery         = "/c/uq"
	UriPanIdConflict      = "/c/ur"
	UriEnergyScan         = "/c/es"
	UriEnergyReport       = "/c/er"
	UriAnnounceBegin      = "/c/ab"
	UriRelayRx            = "/c/rx"
	UriRelayTx            = "/c/tx"
	UriJoinerFinalize     = "/c/jf"
	UriJoinerEntrust      = "/c/je"
	UriJoinerApp          = "/c/ja"
	UriMlr                = "/n/mr"
	UriTokenRequest       = "/c/tr"
	UriReenroll           = "/c/re"
	UriDomainReset        = "/c/rt"
	UriMigrate            = "/c/mg"
	UriSecurePendingSet   = "/c/sp"
	UriCommissionerPetUdp = "/c/ca"
)
