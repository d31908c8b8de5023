package fcm

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// The MCS and checkin messages below are encoded field by field with
// protowire. Only the fields this client reads or writes are modelled;
// unknown fields are skipped on decode.

type wireMessage interface {
	marshal() []byte
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	return appendVarint(b, num, protowire.EncodeBool(v))
}

func appendFixed64(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, v)
}

// field is one decoded field: raw holds length-delimited payloads, v holds
// varint and fixed-width values.
type field struct {
	num protowire.Number
	typ protowire.Type
	raw []byte
	v   uint64
}

func (f field) string() string { return string(f.raw) }
func (f field) bool() bool     { return protowire.DecodeBool(f.v) }

func decodeFields(b []byte, fn func(field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.v, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			f.v, n = protowire.ConsumeFixed64(b)
		case protowire.Fixed32Type:
			var v32 uint32
			v32, n = protowire.ConsumeFixed32(b)
			f.v = uint64(v32)
		case protowire.BytesType:
			f.raw, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]

		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// MCS
// ---------------------------------------------------------------------------

const authServiceAndroidID = 2

type setting struct {
	Name  string
	Value string
}

type loginRequest struct {
	ID                    string
	Domain                string
	User                  string
	Resource              string
	AuthToken             string
	DeviceID              string
	LastRmqID             int64
	Settings              []setting
	ReceivedPersistentIDs []string
	AdaptiveHeartbeat     bool
	UseRmq2               bool
	AccountID             int64
	AuthService           int32
	NetworkType           int32
}

func (m *loginRequest) marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.ID)
	b = appendString(b, 2, m.Domain)
	b = appendString(b, 3, m.User)
	b = appendString(b, 4, m.Resource)
	b = appendString(b, 5, m.AuthToken)
	b = appendString(b, 6, m.DeviceID)
	b = appendVarint(b, 7, uint64(m.LastRmqID))
	for _, s := range m.Settings {
		var sb []byte
		sb = appendString(sb, 1, s.Name)
		sb = appendString(sb, 2, s.Value)
		b = appendBytes(b, 8, sb)
	}
	for _, id := range m.ReceivedPersistentIDs {
		b = appendString(b, 10, id)
	}
	b = appendBool(b, 12, m.AdaptiveHeartbeat)
	b = appendBool(b, 14, m.UseRmq2)
	b = appendVarint(b, 15, uint64(m.AccountID))
	b = appendVarint(b, 16, uint64(m.AuthService))
	b = appendVarint(b, 17, uint64(m.NetworkType))
	return b
}

func (m *loginRequest) unmarshal(b []byte) error {
	return decodeFields(b, func(f field) error {
		switch f.num {
		case 1:
			m.ID = f.string()
		case 2:
			m.Domain = f.string()
		case 3:
			m.User = f.string()
		case 4:
			m.Resource = f.string()
		case 5:
			m.AuthToken = f.string()
		case 6:
			m.DeviceID = f.string()
		case 7:
			m.LastRmqID = int64(f.v)
		case 8:
			var s setting
			err := decodeFields(f.raw, func(sf field) error {
				switch sf.num {
				case 1:
					s.Name = sf.string()
				case 2:
					s.Value = sf.string()
				}
				return nil
			})
			if err != nil {
				return fmt.Errorf("setting: %w", err)
			}
			m.Settings = append(m.Settings, s)
		case 10:
			m.ReceivedPersistentIDs = append(m.ReceivedPersistentIDs, f.string())
		case 12:
			m.AdaptiveHeartbeat = f.bool()
		case 14:
			m.UseRmq2 = f.bool()
		case 15:
			m.AccountID = int64(f.v)
		case 16:
			m.AuthService = int32(f.v)
		case 17:
			m.NetworkType = int32(f.v)
		}
		return nil
	})
}

type loginResponse struct {
	ID string
}

func (m *loginResponse) marshal() []byte {
	return appendString(nil, 1, m.ID)
}

func (m *loginResponse) unmarshal(b []byte) error {
	return decodeFields(b, func(f field) error {
		if f.num == 1 {
			m.ID = f.string()
		}
		return nil
	})
}

// heartbeat is the body of both HeartbeatPing and HeartbeatAck.
type heartbeat struct {
	StreamID             int32
	LastStreamIDReceived int32
}

func (m *heartbeat) marshal() []byte {
	var b []byte
	if m.StreamID != 0 {
		b = appendVarint(b, 1, uint64(m.StreamID))
	}
	if m.LastStreamIDReceived != 0 {
		b = appendVarint(b, 2, uint64(m.LastStreamIDReceived))
	}
	return b
}

func (m *heartbeat) unmarshal(b []byte) error {
	return decodeFields(b, func(f field) error {
		switch f.num {
		case 1:
			m.StreamID = int32(f.v)
		case 2:
			m.LastStreamIDReceived = int32(f.v)
		}
		return nil
	})
}

type iqStanza struct {
	RmqID int64
	Type  int32
	ID    string
	From  string
	To    string
}

func (m *iqStanza) marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(m.RmqID))
	b = appendVarint(b, 2, uint64(m.Type))
	b = appendString(b, 3, m.ID)
	b = appendString(b, 4, m.From)
	b = appendString(b, 5, m.To)
	return b
}

func (m *iqStanza) unmarshal(b []byte) error {
	return decodeFields(b, func(f field) error {
		switch f.num {
		case 1:
			m.RmqID = int64(f.v)
		case 2:
			m.Type = int32(f.v)
		case 3:
			m.ID = f.string()
		case 4:
			m.From = f.string()
		case 5:
			m.To = f.string()
		}
		return nil
	})
}

type streamErrorStanza struct {
	Type string
	Text string
}

func (m *streamErrorStanza) marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.Type)
	if m.Text != "" {
		b = appendString(b, 2, m.Text)
	}
	return b
}

func (m *streamErrorStanza) unmarshal(b []byte) error {
	return decodeFields(b, func(f field) error {
		switch f.num {
		case 1:
			m.Type = f.string()
		case 2:
			m.Text = f.string()
		}
		return nil
	})
}

type appData struct {
	Key   string
	Value string
}

type dataMessageStanza struct {
	ID           string
	From         string
	To           string
	Category     string
	Token        string
	AppData      []appData
	PersistentID string
	Sent         int64
	RawData      []byte
}

func (m *dataMessageStanza) marshal() []byte {
	var b []byte
	if m.ID != "" {
		b = appendString(b, 2, m.ID)
	}
	b = appendString(b, 3, m.From)
	if m.To != "" {
		b = appendString(b, 4, m.To)
	}
	b = appendString(b, 5, m.Category)
	if m.Token != "" {
		b = appendString(b, 6, m.Token)
	}
	for _, kv := range m.AppData {
		var kb []byte
		kb = appendString(kb, 1, kv.Key)
		kb = appendString(kb, 2, kv.Value)
		b = appendBytes(b, 7, kb)
	}
	if m.PersistentID != "" {
		b = appendString(b, 9, m.PersistentID)
	}
	if m.Sent != 0 {
		b = appendVarint(b, 18, uint64(m.Sent))
	}
	if len(m.RawData) > 0 {
		b = appendBytes(b, 21, m.RawData)
	}
	return b
}

func (m *dataMessageStanza) unmarshal(b []byte) error {
	return decodeFields(b, func(f field) error {
		switch f.num {
		case 2:
			m.ID = f.string()
		case 3:
			m.From = f.string()
		case 4:
			m.To = f.string()
		case 5:
			m.Category = f.string()
		case 6:
			m.Token = f.string()
		case 7:
			var kv appData
			err := decodeFields(f.raw, func(kf field) error {
				switch kf.num {
				case 1:
					kv.Key = kf.string()
				case 2:
					kv.Value = kf.string()
				}
				return nil
			})
			if err != nil {
				return fmt.Errorf("app_data: %w", err)
			}
			m.AppData = append(m.AppData, kv)
		case 9:
			m.PersistentID = f.string()
		case 18:
			m.Sent = int64(f.v)
		case 21:
			m.RawData = append([]byte(nil), f.raw...)
		}
		return nil
	})
}

// ---------------------------------------------------------------------------
// Checkin
// ---------------------------------------------------------------------------

const deviceTypeAndroidOS = 1

type androidBuild struct {
	Fingerprint        string
	Hardware           string
	Brand              string
	Radio              string
	Bootloader         string
	ClientID           string
	Time               int64
	PackageVersionCode int32
	Device             string
	SDKVersion         int32
	Model              string
	Manufacturer       string
	Product            string
	OtaInstalled       bool
}

func (m *androidBuild) marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.Fingerprint)
	b = appendString(b, 2, m.Hardware)
	b = appendString(b, 3, m.Brand)
	b = appendString(b, 4, m.Radio)
	b = appendString(b, 5, m.Bootloader)
	b = appendString(b, 6, m.ClientID)
	b = appendVarint(b, 7, uint64(m.Time))
	b = appendVarint(b, 8, uint64(m.PackageVersionCode))
	b = appendString(b, 9, m.Device)
	b = appendVarint(b, 10, uint64(m.SDKVersion))
	b = appendString(b, 11, m.Model)
	b = appendString(b, 12, m.Manufacturer)
	b = appendString(b, 13, m.Product)
	b = appendBool(b, 14, m.OtaInstalled)
	return b
}

func (m *androidBuild) unmarshal(b []byte) error {
	return decodeFields(b, func(f field) error {
		switch f.num {
		case 1:
			m.Fingerprint = f.string()
		case 2:
			m.Hardware = f.string()
		case 3:
			m.Brand = f.string()
		case 4:
			m.Radio = f.string()
		case 5:
			m.Bootloader = f.string()
		case 6:
			m.ClientID = f.string()
		case 7:
			m.Time = int64(f.v)
		case 8:
			m.PackageVersionCode = int32(f.v)
		case 9:
			m.Device = f.string()
		case 10:
			m.SDKVersion = int32(f.v)
		case 11:
			m.Model = f.string()
		case 12:
			m.Manufacturer = f.string()
		case 13:
			m.Product = f.string()
		case 14:
			m.OtaInstalled = f.bool()
		}
		return nil
	})
}

type checkinRequest struct {
	ID               int64
	Build            androidBuild
	DeviceType       int32
	Locale           string
	TimeZone         string
	SecurityToken    uint64
	Version          int32
	Fragment         int32
	UserSerialNumber int32
}

func (m *checkinRequest) marshal() []byte {
	var checkin []byte
	checkin = appendBytes(checkin, 1, m.Build.marshal())
	checkin = appendVarint(checkin, 12, uint64(m.DeviceType))

	var b []byte
	if m.ID != 0 {
		b = appendVarint(b, 2, uint64(m.ID))
	}
	b = appendBytes(b, 4, checkin)
	b = appendString(b, 6, m.Locale)
	b = appendString(b, 12, m.TimeZone)
	if m.SecurityToken != 0 {
		b = appendFixed64(b, 13, m.SecurityToken)
	}
	b = appendVarint(b, 14, uint64(m.Version))
	b = appendVarint(b, 20, uint64(m.Fragment))
	b = appendVarint(b, 22, uint64(m.UserSerialNumber))
	return b
}

func (m *checkinRequest) unmarshal(b []byte) error {
	return decodeFields(b, func(f field) error {
		switch f.num {
		case 2:
			m.ID = int64(f.v)
		case 4:
			return decodeFields(f.raw, func(cf field) error {
				switch cf.num {
				case 1:
					if err := m.Build.unmarshal(cf.raw); err != nil {
						return fmt.Errorf("build: %w", err)
					}
				case 12:
					m.DeviceType = int32(cf.v)
				}
				return nil
			})
		case 6:
			m.Locale = f.string()
		case 12:
			m.TimeZone = f.string()
		case 13:
			m.SecurityToken = f.v
		case 14:
			m.Version = int32(f.v)
		case 20:
			m.Fragment = int32(f.v)
		case 22:
			m.UserSerialNumber = int32(f.v)
		}
		return nil
	})
}

type checkinResponse struct {
	StatsOK       bool
	AndroidID     uint64
	SecurityToken uint64
}

func (m *checkinResponse) marshal() []byte {
	var b []byte
	b = appendBool(b, 1, m.StatsOK)
	b = appendFixed64(b, 7, m.AndroidID)
	b = appendFixed64(b, 8, m.SecurityToken)
	return b
}

func (m *checkinResponse) unmarshal(b []byte) error {
	return decodeFields(b, func(f field) error {
		switch f.num {
		case 1:
			m.StatsOK = f.bool()
		case 7:
			m.AndroidID = f.v
		case 8:
			m.SecurityToken = f.v
		}
		return nil
	})
}
