package anomaly

import (
	"strings"

	"github.com/mssola/useragent"
)

const (
	classDesktop = "desktop"
	classMobile  = "mobile"
	classBot     = "bot"
)

// Fingerprint reduces a user agent to browser|os|device-class. Versions are
// dropped so that routine browser updates do not look like a new device.
func Fingerprint(userAgent string) string {
	ua := useragent.New(userAgent)

	browser, _ := ua.Browser()
	os := ua.OSInfo().Name

	class := classDesktop
	switch {
	case ua.Bot():
		class = classBot
	case ua.Mobile():
		class = classMobile
	}

	return strings.ToLower(orUnknown(browser) + "|" + orUnknown(os) + "|" + class)
}

func orUnknown(s string) string {
	if s = strings.TrimSpace(s); s == "" {
		return "unknown"
	}
	return s
}
