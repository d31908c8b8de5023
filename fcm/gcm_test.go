package fcm

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testApp = App{
	SenderID:    "673228316052",
	Package:     "chat.dim.tarsier",
	CertSHA1:    "0123456789abcdef0123456789abcdef01234567",
	VersionCode: "10201",
}

// withURL points *target at url for the duration of the test.
func withURL(t *testing.T, target *string, url string) {
	t.Helper()
	orig := *target
	*target = url
	t.Cleanup(func() { *target = orig })
}

func checkinServer(t *testing.T, androidID, securityToken uint64, received *[]byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/x-protobuf", r.Header.Get("Content-Type"))
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		if received != nil {
			*received = body
		}
		resp := &checkinResponse{StatsOK: true, AndroidID: androidID, SecurityToken: securityToken}
		w.Header().Set("Content-Type", "application/x-protobuf")
		w.Write(resp.marshal())
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGCMCheckin(t *testing.T) {
	var receivedBody []byte
	srv := checkinServer(t, 123456789, 987654321, &receivedBody)
	withURL(t, &gcmCheckinURL, srv.URL)

	device := DefaultAndroidDevice()
	id, err := gcmCheckin(context.Background(), srv.Client(), deviceIdentity{}, device)
	require.NoError(t, err)
	assert.Equal(t, deviceIdentity{AndroidID: 123456789, SecurityToken: 987654321}, id)

	var req checkinRequest
	require.NoError(t, req.unmarshal(receivedBody))
	assert.Equal(t, int32(deviceTypeAndroidOS), req.DeviceType)
	assert.Equal(t, int32(3), req.Version)
	assert.Zero(t, req.ID)
	assert.Equal(t, "en_US", req.Locale)
	assert.Equal(t, "UTC", req.TimeZone)

	build := req.Build
	assert.Equal(t, device.BuildFingerprint, build.Fingerprint)
	assert.Equal(t, device.Hardware, build.Hardware)
	assert.Equal(t, device.Brand, build.Brand)
	assert.Equal(t, device.Device, build.Device)
	assert.Equal(t, device.Model, build.Model)
	assert.Equal(t, device.Manufacturer, build.Manufacturer)
	assert.Equal(t, device.Product, build.Product)
	assert.Equal(t, int32(device.SDKVersion), build.SDKVersion)
	assert.Equal(t, int32(device.GMSVersion), build.PackageVersionCode)
	assert.Equal(t, "android-google", build.ClientID)
}

func TestGCMCheckin_Recheckin(t *testing.T) {
	var receivedBody []byte
	srv := checkinServer(t, 111, 222, &receivedBody)
	withURL(t, &gcmCheckinURL, srv.URL)

	id, err := gcmCheckin(context.Background(), srv.Client(), deviceIdentity{AndroidID: 111, SecurityToken: 222}, DefaultAndroidDevice())
	require.NoError(t, err)
	assert.Equal(t, uint64(111), id.AndroidID)
	assert.Equal(t, uint64(222), id.SecurityToken)

	var req checkinRequest
	require.NoError(t, req.unmarshal(receivedBody))
	assert.Equal(t, int64(111), req.ID)
	assert.Equal(t, uint64(222), req.SecurityToken)
}

func TestGCMCheckin_Error(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("internal error"))
	}))
	defer srv.Close()
	withURL(t, &gcmCheckinURL, srv.URL)

	_, err := gcmCheckin(context.Background(), srv.Client(), deviceIdentity{}, DefaultAndroidDevice())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestGCMCheckin_NoAndroidID(t *testing.T) {
	srv := checkinServer(t, 0, 0, nil)
	withURL(t, &gcmCheckinURL, srv.URL)

	_, err := gcmCheckin(context.Background(), srv.Client(), deviceIdentity{}, DefaultAndroidDevice())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no android ID")
}

func TestGCMRegister(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "AidLogin 123:456", r.Header.Get("Authorization"))
		assert.Equal(t, testApp.Package, r.Header.Get("app"))
		assert.Contains(t, r.Header.Get("User-Agent"), "Android-GCM/1.5")

		require.NoError(t, r.ParseForm())
		assert.Equal(t, testApp.Package, r.PostForm.Get("app"))
		assert.Equal(t, testApp.SenderID, r.PostForm.Get("sender"))
		assert.Equal(t, "123", r.PostForm.Get("device"))
		assert.Equal(t, testApp.CertSHA1, r.PostForm.Get("cert"))
		assert.Equal(t, testApp.VersionCode, r.PostForm.Get("app_ver"))
		assert.NotEmpty(t, r.PostForm.Get("gcm_ver"))
		assert.Equal(t, "GCM", r.PostForm.Get("X-scope"))
		assert.NotEmpty(t, r.PostForm.Get("X-osv"))
		assert.NotEmpty(t, r.PostForm.Get("X-gmsv"))
		assert.NotEmpty(t, r.PostForm.Get("X-cliv"))
		assert.Regexp(t, "^[0-9a-f]{11}$", r.PostForm.Get("X-appid"))

		fmt.Fprint(w, "token=test-fcm-token-xyz \n")
	}))
	defer srv.Close()
	withURL(t, &gcmRegisterURL, srv.URL)

	token, err := gcmRegister(context.Background(), srv.Client(), deviceIdentity{AndroidID: 123, SecurityToken: 456}, DefaultAndroidDevice(), testApp)
	require.NoError(t, err)
	assert.Equal(t, "test-fcm-token-xyz", token)
}

func TestGCMRegister_OptionalFieldsOmitted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		_, hasCert := r.PostForm["cert"]
		_, hasVer := r.PostForm["app_ver"]
		assert.False(t, hasCert)
		assert.False(t, hasVer)
		fmt.Fprint(w, "token=t")
	}))
	defer srv.Close()
	withURL(t, &gcmRegisterURL, srv.URL)

	app := App{SenderID: "1", Package: "p"}
	token, err := gcmRegister(context.Background(), srv.Client(), deviceIdentity{AndroidID: 1, SecurityToken: 2}, DefaultAndroidDevice(), app)
	require.NoError(t, err)
	assert.Equal(t, "t", token)
}

func TestGCMRegister_Error(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "Error=PHONE_REGISTRATION_ERROR")
	}))
	defer srv.Close()
	withURL(t, &gcmRegisterURL, srv.URL)

	_, err := gcmRegister(context.Background(), srv.Client(), deviceIdentity{AndroidID: 123, SecurityToken: 456}, DefaultAndroidDevice(), testApp)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server error: PHONE_REGISTRATION_ERROR")
}

func TestGCMRegister_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("unavailable"))
	}))
	defer srv.Close()
	withURL(t, &gcmRegisterURL, srv.URL)

	_, err := gcmRegister(context.Background(), srv.Client(), deviceIdentity{AndroidID: 123, SecurityToken: 456}, DefaultAndroidDevice(), testApp)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestAppValidate(t *testing.T) {
	assert.NoError(t, testApp.validate())
	assert.ErrorIs(t, App{Package: "p"}.validate(), ErrAppNotConfigured)
	assert.ErrorIs(t, App{SenderID: "s"}.validate(), ErrAppNotConfigured)
}

func TestParseRegisterResponse(t *testing.T) {
	tests := []struct {
		body    string
		token   string
		wantErr string
	}{
		{body: "token=abc", token: "abc"},
		{body: "  token= abc \n", token: "abc"},
		{body: "Error=SERVICE_NOT_AVAILABLE", wantErr: "server error: SERVICE_NOT_AVAILABLE"},
		{body: "<html>", wantErr: "unexpected response"},
	}
	for _, tt := range tests {
		token, err := parseRegisterResponse(tt.body)
		if tt.wantErr != "" {
			require.Error(t, err, tt.body)
			assert.Contains(t, err.Error(), tt.wantErr)
			continue
		}
		require.NoError(t, err, tt.body)
		assert.Equal(t, tt.token, token)
	}
}

func TestDeviceIdentityAuthorization(t *testing.T) {
	assert.Equal(t, "AidLogin 123:456", deviceIdentity{AndroidID: 123, SecurityToken: 456}.authorization())
}
