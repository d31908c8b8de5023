package fcm

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// gcmCheckinURL and gcmRegisterURL are package-level vars so tests can override them.
var (
	gcmCheckinURL  = "https://android.clients.google.com/checkin"
	gcmRegisterURL = "https://android.clients.google.com/c2dm/register3"
)

// ErrAppNotConfigured is returned by registration when the App lacks a sender
// ID or package name.
var ErrAppNotConfigured = errors.New("fcm: app sender ID and package are required")

// App identifies the Android application a push token is issued for.
type App struct {
	// SenderID is the Firebase project sender ID.
	SenderID string `yaml:"sender_id"`
	// Package is the application package name; reports use it as topic.
	Package string `yaml:"package"`
	// CertSHA1 is the hex SHA1 of the APK signing certificate.
	CertSHA1 string `yaml:"cert_sha1"`
	// VersionCode is the application version code.
	VersionCode string `yaml:"version_code"`
}

func (a App) validate() error {
	if a.SenderID == "" || a.Package == "" {
		return ErrAppNotConfigured
	}
	return nil
}

// deviceIdentity is what checkin issues. It is persisted as Credentials.Raw
// and authenticates registration and the MCS login.
type deviceIdentity struct {
	AndroidID     uint64 `json:"androidId"`
	SecurityToken uint64 `json:"securityToken"`
}

func (id deviceIdentity) authorization() string {
	return "AidLogin " + strconv.FormatUint(id.AndroidID, 10) + ":" + strconv.FormatUint(id.SecurityToken, 10)
}

// postGCM posts body to endpoint and returns the response body of a 200.
func postGCM(ctx context.Context, hc *http.Client, endpoint string, body io.Reader, header http.Header) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncate(string(data), 200))
	}
	return data, nil
}

// checkinRequestFor describes device to the checkin service. A non-zero
// prev asks to renew that identity.
func checkinRequestFor(device AndroidDeviceInfo, prev deviceIdentity) *checkinRequest {
	req := &checkinRequest{
		Build: androidBuild{
			Fingerprint:        device.BuildFingerprint,
			Hardware:           device.Hardware,
			Brand:              device.Brand,
			Radio:              device.Radio,
			Bootloader:         device.Bootloader,
			ClientID:           "android-google",
			Time:               device.BuildTime,
			PackageVersionCode: int32(device.GMSVersion),
			Device:             device.Device,
			SDKVersion:         int32(device.SDKVersion),
			Model:              device.Model,
			Manufacturer:       device.Manufacturer,
			Product:            device.Product,
		},
		DeviceType: deviceTypeAndroidOS,
		Version:    3,
		Locale:     "en_US",
		TimeZone:   "UTC",
	}
	if prev.AndroidID != 0 {
		req.ID = int64(prev.AndroidID)
		req.SecurityToken = prev.SecurityToken
	}
	return req
}

// gcmCheckin obtains a device identity from the Android checkin service.
func gcmCheckin(ctx context.Context, hc *http.Client, prev deviceIdentity, device AndroidDeviceInfo) (deviceIdentity, error) {
	body, err := postGCM(ctx, hc, gcmCheckinURL,
		bytes.NewReader(checkinRequestFor(device, prev).marshal()),
		http.Header{"Content-Type": {"application/x-protobuf"}})
	if err != nil {
		return deviceIdentity{}, fmt.Errorf("gcm checkin: %w", err)
	}

	var resp checkinResponse
	if err := resp.unmarshal(body); err != nil {
		return deviceIdentity{}, fmt.Errorf("gcm checkin: decode response: %w", err)
	}
	if resp.AndroidID == 0 {
		return deviceIdentity{}, errors.New("gcm checkin: response carries no android ID")
	}
	return deviceIdentity{AndroidID: resp.AndroidID, SecurityToken: resp.SecurityToken}, nil
}

// newInstanceID returns a random 11-character hex instance ID.
func newInstanceID() (string, error) {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate instance ID: %w", err)
	}
	return hex.EncodeToString(b[:])[:11], nil
}

// registerForm is the register3 form for app on device. The certificate
// and version code are sent only when configured.
func registerForm(id deviceIdentity, device AndroidDeviceInfo, app App, instanceID string) url.Values {
	gmsv := strconv.Itoa(device.GMSVersion)
	form := url.Values{}
	form.Set("app", app.Package)
	form.Set("sender", app.SenderID)
	form.Set("device", strconv.FormatUint(id.AndroidID, 10))
	form.Set("gcm_ver", gmsv)
	form.Set("X-scope", "GCM")
	form.Set("X-appid", instanceID)
	form.Set("X-osv", strconv.Itoa(device.SDKVersion))
	form.Set("X-gmsv", gmsv)
	form.Set("X-cliv", "iid-"+device.ChromeVersion)
	if app.CertSHA1 != "" {
		form.Set("cert", app.CertSHA1)
	}
	if app.VersionCode != "" {
		form.Set("app_ver", app.VersionCode)
	}
	return form
}

// parseRegisterResponse reads "token=..." or "Error=..." bodies.
func parseRegisterResponse(body string) (string, error) {
	body = strings.TrimSpace(body)
	if token, ok := strings.CutPrefix(body, "token="); ok {
		return strings.TrimSpace(token), nil
	}
	if reason, ok := strings.CutPrefix(body, "Error="); ok {
		return "", fmt.Errorf("server error: %s", reason)
	}
	return "", fmt.Errorf("unexpected response: %s", truncate(body, 200))
}

// gcmRegister requests a push token for app from the register3 endpoint.
func gcmRegister(ctx context.Context, hc *http.Client, id deviceIdentity, device AndroidDeviceInfo, app App) (string, error) {
	instanceID, err := newInstanceID()
	if err != nil {
		return "", err
	}

	header := http.Header{}
	header.Set("Content-Type", "application/x-www-form-urlencoded")
	header.Set("Authorization", id.authorization())
	header.Set("User-Agent", fmt.Sprintf("Android-GCM/1.5 (%s %s)", device.Device, device.Model))
	header.Set("app", app.Package)

	form := registerForm(id, device, app, instanceID)
	body, err := postGCM(ctx, hc, gcmRegisterURL, strings.NewReader(form.Encode()), header)
	if err != nil {
		return "", fmt.Errorf("gcm register: %w", err)
	}
	token, err := parseRegisterResponse(string(body))
	if err != nil {
		return "", fmt.Errorf("gcm register: %w", err)
	}
	return token, nil
}
