// Package device classifies user-agent strings into coarse device classes.
package device

import "strings"

type Class string

const (
	Mobile  Class = "mobile"
	Tablet  Class = "tablet"
	Desktop Class = "desktop"
	Bot     Class = "bot"
	Unknown Class = "unknown"
)

var tabletSignatures = []string{
	"ipad",
	"tablet",
	"kindle",
	"silk/",
	"playbook",
}

var mobileSignatures = []string{
	"iphone",
	"ipod",
	"android",
	"mobile",
	"windows phone",
	"blackberry",
	"opera mini",
	"webos",
}

var botSignatures = []string{
	"bot",
	"crawler",
	"spider",
	"slurp",
	"curl/",
	"wget/",
	"python-requests",
	"go-http-client",
	"headlesschrome",
	"facebookexternalhit",
}

var desktopSignatures = []string{
	"windows nt",
	"macintosh",
	"x11",
	"linux",
	"cros",
}

// Classify maps a user-agent string to a device class. Precedence is fixed:
// tablet, then mobile, then bot, then desktop. Android tablets advertise
// "android" without "mobile", which is why the tablet check runs first.
// Empty or unrecognizable input classifies as Unknown; the function never
// fails.
func Classify(userAgent string) Class {
	ua := strings.ToLower(strings.TrimSpace(userAgent))
	if ua == "" {
		return Unknown
	}

	if containsAny(ua, tabletSignatures) {
		return Tablet
	}
	if strings.Contains(ua, "android") && !strings.Contains(ua, "mobile") {
		return Tablet
	}
	if containsAny(ua, mobileSignatures) {
		return Mobile
	}
	if containsAny(ua, botSignatures) {
		return Bot
	}
	if containsAny(ua, desktopSignatures) {
		return Desktop
	}

	return Unknown
}

// ParseClass normalizes a stored device value, mapping anything
// unrecognized to Unknown.
func ParseClass(s string) Class {
	switch Class(s) {
	case Mobile, Tablet, Desktop, Bot:
		return Class(s)
	default:
		return Unknown
	}
}

func containsAny(s string, needles []string) bool {
	for _, needle := range needles {
		if strings.Contains(s, needle) {
			return true
		}
	}
	return false
}
