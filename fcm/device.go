package fcm

import (
	"strconv"
	"strings"

	"github.com/dimpart/tarsier"
)

// Values reported as platform and push channel for this transport.
const (
	PlatformAndroid = "Android"
	ChannelFirebase = "firebase"
)

// AndroidDeviceInfo is the device identity presented during GCM checkin and
// registration, and reported to the backend with the push token.
type AndroidDeviceInfo struct {
	// BuildFingerprint is the Android build fingerprint:
	// brand/product/device:version/build_id/build_number:user/release-keys
	BuildFingerprint string `yaml:"build_fingerprint"`

	// SDKVersion is the Android SDK version (e.g., 34 for Android 14)
	SDKVersion int `yaml:"sdk_version"`

	// GMSVersion is the Google Play Services version
	GMSVersion int `yaml:"gms_version"`

	// Device is the device codename (e.g., "shiba" for Pixel 8)
	Device string `yaml:"device"`

	Model         string `yaml:"model"`
	ChromeVersion string `yaml:"chrome_version"`
	Hardware      string `yaml:"hardware"`
	Brand         string `yaml:"brand"`
	Manufacturer  string `yaml:"manufacturer"`
	Product       string `yaml:"product"`
	Bootloader    string `yaml:"bootloader"`
	Radio         string `yaml:"radio"`

	// BuildTime is Build.TIME in seconds since the epoch.
	BuildTime int64 `yaml:"build_time"`
}

// DefaultAndroidDevice returns a Pixel 8 running Android 14, matching a
// Google factory image and a Play Services release of the same period.
func DefaultAndroidDevice() AndroidDeviceInfo {
	return AndroidDeviceInfo{
		BuildFingerprint: "google/shiba/shiba:14/AP2A.240805.005/12025142:user/release-keys",
		SDKVersion:       34,
		GMSVersion:       243530037,
		Device:           "shiba",
		Model:            "Pixel 8",
		Hardware:         "shiba",
		Brand:            "google",
		Manufacturer:     "Google",
		Product:          "shiba",
		Bootloader:       "ripcurrent-14.5-11928275",
		Radio:            "g5300q-240308-240320-B-11567293",
		BuildTime:        1720569600,
		ChromeVersion:    "127.0.6533.103",
	}
}

// SystemVersion returns the Android release, taken from the build
// fingerprint or derived from the SDK version.
func (d AndroidDeviceInfo) SystemVersion() string {
	if _, rest, ok := strings.Cut(d.BuildFingerprint, ":"); ok {
		if version, _, ok := strings.Cut(rest, "/"); ok && version != "" {
			return version
		}
	}
	if release, ok := androidReleases[d.SDKVersion]; ok {
		return release
	}
	if d.SDKVersion > 0 {
		return "SDK " + strconv.Itoa(d.SDKVersion)
	}
	return ""
}

var androidReleases = map[int]string{
	26: "8.0", 27: "8.1", 28: "9", 29: "10", 30: "11",
	31: "12", 32: "12L", 33: "13", 34: "14", 35: "15",
}

// DeviceInfo returns the metadata sent with token reports.
func (d AndroidDeviceInfo) DeviceInfo() tarsier.DeviceInfo {
	return tarsier.DeviceInfo{
		Platform:      PlatformAndroid,
		Channel:       ChannelFirebase,
		SystemVersion: d.SystemVersion(),
		SDKVersion:    d.SDKVersion,
		Manufacturer:  d.Manufacturer,
		Brand:         d.Brand,
		Model:         d.Model,
		Device:        d.Device,
		Product:       d.Product,
		Hardware:      d.Hardware,
	}
}
