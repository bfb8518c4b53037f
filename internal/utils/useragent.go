package utils

import (
	"strings"

	ua "github.com/mssola/user_agent"
)

// ClientInfo is the parsed User-Agent attached to request logs
type ClientInfo struct {
	DeviceType string `json:"device_type"` // mobile, desktop, bot, unknown
	Platform   string `json:"platform"`    // android, ios, windows, mac, linux
	Browser    string `json:"browser"`
	IsBot      bool   `json:"is_bot"`
}

// ParseClient parses a User-Agent string. Mail link scanners show up as bots,
// which matters on the public offer token routes.
func ParseClient(userAgent string) ClientInfo {
	if userAgent == "" {
		return ClientInfo{DeviceType: "unknown", Platform: "unknown", Browser: "Unknown"}
	}

	parser := ua.New(userAgent)
	info := ClientInfo{
		IsBot:    parser.Bot(),
		Platform: getPlatform(parser),
		Browser:  getBrowser(parser),
	}

	switch {
	case info.IsBot:
		info.DeviceType = "bot"
	case parser.Mobile():
		info.DeviceType = "mobile"
	default:
		info.DeviceType = "desktop"
	}
	return info
}

func getBrowser(parser *ua.UserAgent) string {
	name, _ := parser.Browser()
	if name == "" {
		return "Unknown"
	}
	return name
}

var platforms = []struct{ match, platform string }{
	{"android", "android"},
	{"iphone os", "ios"},
	{"ios", "ios"},
	{"windows", "windows"},
	{"mac os x", "mac"},
	{"macos", "mac"},
	{"chrome os", "chromeos"},
	{"linux", "linux"},
}

func getPlatform(parser *ua.UserAgent) string {
	osName := strings.ToLower(parser.OSInfo().Name)
	for _, p := range platforms {
		if strings.Contains(osName, p.match) {
			return p.platform
		}
	}
	return "unknown"
}
