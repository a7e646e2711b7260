package status

import "sync"

var (
	vendorMu   sync.RWMutex
	vendorDesc = map[Code]string{
		VendorInternal:   "internal driver fault.\nThe operation was aborted and mapped to this code; see the driver log for details.",
		VendorRxOverflow: "receive queue overflow.\nAn arriving frame batch exceeded the configured receive queue limit and was rejected.",
		VendorClosed:     "component closed.\nThe driver or simulation was shut down while the operation was in progress.",
	}
)

// RegisterVendor adds or replaces the description of a vendor code. Codes in
// the standard range are ignored.
func RegisterVendor(c Code, description string) {
	if !c.IsVendor() {
		return
	}
	vendorMu.Lock()
	vendorDesc[c] = description
	vendorMu.Unlock()
}

// Describe returns a human-readable multi-line description of a vendor code,
// or an empty string for unknown or standard codes.
func Describe(c Code) string {
	if !c.IsVendor() {
		return ""
	}
	vendorMu.RLock()
	defer vendorMu.RUnlock()
	return vendorDesc[c]
}
