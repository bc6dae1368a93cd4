package classifier

// DSCP code points used by the lookup tables.
const (
	CS0  uint8 = 0
	CS1  uint8 = 8
	AF11 uint8 = 10
	AF12 uint8 = 12
	AF13 uint8 = 14
	CS2  uint8 = 16
	AF21 uint8 = 18
	AF22 uint8 = 20
	AF23 uint8 = 22
	CS3  uint8 = 24
	AF31 uint8 = 26
	AF32 uint8 = 28
	AF33 uint8 = 30
	CS4  uint8 = 32
	AF41 uint8 = 34
	AF42 uint8 = 36
	AF43 uint8 = 38
	CS5  uint8 = 40
	VA   uint8 = 44
	EF   uint8 = 46
	CS6  uint8 = 48
	CS7  uint8 = 56
)

// Slice groups. A group slice carries every code collapsed into it.
const (
	GroupBestEffort     = CS0
	GroupBackground     = CS1
	GroupBroadcastVideo = CS3
	GroupStreaming      = CS4
	GroupExpedited      = EF
	GroupNetworkControl = CS6
)

// Table is a fixed 64-entry lookup indexed by DSCP code. Codes out of range and
// codes without an entry resolve to 0 (best effort).
type Table [64]uint8

func (t *Table) Lookup(code uint8) uint8 {
	if int(code) >= len(t) {
		return 0
	}
	return t[code]
}

var groupTable = Table{
	CS0: GroupBestEffort,

	CS1: GroupBackground,
	CS2: GroupBestEffort,
	CS3: GroupBroadcastVideo,
	CS4: GroupStreaming,
	CS5: GroupBroadcastVideo,
	CS6: GroupNetworkControl,
	CS7: GroupNetworkControl,

	AF11: GroupBestEffort,
	AF12: GroupBestEffort,
	AF13: GroupBestEffort,
	AF21: GroupBestEffort,
	AF22: GroupBestEffort,
	AF23: GroupBestEffort,
	AF31: GroupBroadcastVideo,
	AF32: GroupBroadcastVideo,
	AF33: GroupBroadcastVideo,
	AF41: GroupStreaming,
	AF42: GroupStreaming,
	AF43: GroupStreaming,

	EF: GroupExpedited,
	VA: GroupExpedited,
}

var tosTable = Table{
	CS0: 0,

	CS1: 32,
	CS2: 64,
	CS3: 96,
	CS4: 128,
	CS5: 160,
	CS6: 192,
	CS7: 224,

	AF11: 40,
	AF12: 48,
	AF13: 56,
	AF21: 72,
	AF22: 80,
	AF23: 88,
	AF31: 104,
	AF32: 112,
	AF33: 120,
	AF41: 136,
	AF42: 144,
	AF43: 152,

	EF: 184,
	VA: 176,
}

// Group returns the slice group a code collapses into.
func Group(code uint8) uint8 { return groupTable.Lookup(code) }

// ToS returns the ToS byte packets of code are rewritten to.
func ToS(code uint8) uint8 { return tosTable.Lookup(code) }
