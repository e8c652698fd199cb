package device

// ProbeFn attempts to detect a particular piece of hardware, returning the
// Driver that handles it or nil if the hardware is not present.
type ProbeFn func() Driver

// DetectOrder controls the relative order in which probe functions run
// during hardware detection.
type DetectOrder uint8

// The list of supported detection order values, lowest runs first.
const (
	DetectOrderEarly DetectOrder = iota
	DetectOrderBeforeACPI
	DetectOrderACPI
	DetectOrderLast
)

// DriverInfo bundles a probe function together with the order it should run
// in relative to the other registered drivers.
type DriverInfo struct {
	Order DetectOrder
	Probe ProbeFn
}

// DriverInfoList implements sort.Interface, ordering entries by Order.
type DriverInfoList []*DriverInfo

func (l DriverInfoList) Len() int           { return len(l) }
func (l DriverInfoList) Less(i, j int) bool { return l[i].Order < l[j].Order }
func (l DriverInfoList) Swap(i, j int)      { l[i], l[j] = l[j], l[i] }

var registeredDrivers DriverInfoList

// RegisterDriver adds info to the list of drivers that DetectHardware will
// probe for. Packages that ship a driver call this from an init function.
func RegisterDriver(info *DriverInfo) {
	registeredDrivers = append(registeredDrivers, info)
}

// DriverList returns the list of currently registered drivers.
func DriverList() DriverInfoList {
	return registeredDrivers
}
