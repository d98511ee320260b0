package invoice

import (
	"fmt"
	"net/http"
	"strings"
)

// DeviceClass is the client context signal. Mobile sessions hand their
// extraction off through an access code; every other class shows the record
// directly.
type DeviceClass string

const (
	DeviceMobile  DeviceClass = "mobile"
	DeviceDesktop DeviceClass = "desktop"
)

// IssuesCodes reports whether extractions in this context produce an access code
func (d DeviceClass) IssuesCodes() bool {
	return d == DeviceMobile
}

// ParseDeviceClass parses "mobile" or "desktop", case-insensitively
func ParseDeviceClass(s string) (DeviceClass, error) {
	switch DeviceClass(strings.ToLower(strings.TrimSpace(s))) {
	case DeviceMobile:
		return DeviceMobile, nil
	case DeviceDesktop:
		return DeviceDesktop, nil
	}
	return "", fmt.Errorf("unknown device class %q", s)
}

// DeviceClassFromRequest resolves the device class of an HTTP client. An
// explicit value (form field, then X-Device-Class header) wins; otherwise
// the User-Agent decides. Browsers send the explicit value from the same
// viewport check they use for layout.
func DeviceClassFromRequest(r *http.Request, explicit string) DeviceClass {
	for _, candidate := range []string{explicit, r.Header.Get("X-Device-Class")} {
		if d, err := ParseDeviceClass(candidate); err == nil {
			return d
		}
	}
	ua := r.UserAgent()
	if strings.Contains(ua, "Mobi") || strings.Contains(ua, "Android") {
		return DeviceMobile
	}
	return DeviceDesktop
}
