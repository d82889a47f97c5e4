package mesh

import (
	"errors"
	"testing"
)

func TestDecodeNodeInfo(t *testing.T) {
	t.Run("full announcement", func(t *testing.T) {
		info, err := DecodeNodeInfo([]byte(`{
			"shortName": "GW01",
			"longName": "Gateway One",
			"hwModel": "TBEAM",
			"firmware": "2.5.1"
		}`))
		if err != nil {
			t.Fatalf("DecodeNodeInfo() error = %v", err)
		}
		if info.ShortName != "GW01" || info.LongName != "Gateway One" {
			t.Errorf("names = %q/%q", info.ShortName, info.LongName)
		}
		if info.HWModel != "TBEAM" || info.Firmware != "2.5.1" {
			t.Errorf("hw/fw = %q/%q", info.HWModel, info.Firmware)
		}
	})

	t.Run("nameless announcement rejected", func(t *testing.T) {
		_, err := DecodeNodeInfo([]byte(`{"hwModel": "TBEAM"}`))
		if !errors.Is(err, ErrMalformedFrame) {
			t.Errorf("error = %v, want ErrMalformedFrame", err)
		}
	})

	t.Run("garbage rejected", func(t *testing.T) {
		_, err := DecodeNodeInfo([]byte{0xFF, 0x00})
		if !errors.Is(err, ErrMalformedFrame) {
			t.Errorf("error = %v, want ErrMalformedFrame", err)
		}
	})
}

func TestDecodePosition(t *testing.T) {
	pos, err := DecodePosition([]byte(`{"latitudeI": 377749000, "longitudeI": -1224194000, "altitude": 16}`))
	if err != nil {
		t.Fatalf("DecodePosition() error = %v", err)
	}
	if pos.Latitude() != 37.7749 {
		t.Errorf("Latitude() = %v, want 37.7749", pos.Latitude())
	}
	if pos.Longitude() != -122.4194 {
		t.Errorf("Longitude() = %v, want -122.4194", pos.Longitude())
	}
	if pos.Altitude != 16 {
		t.Errorf("Altitude = %d, want 16", pos.Altitude)
	}
}

func TestDecodeTelemetry(t *testing.T) {
	tel, err := DecodeTelemetry([]byte(`{"batteryLevel": 87, "channelUtilization": 12.5, "snr": -4.25}`))
	if err != nil {
		t.Fatalf("DecodeTelemetry() error = %v", err)
	}
	if tel.BatteryLevel == nil || *tel.BatteryLevel != 87 {
		t.Errorf("BatteryLevel = %v, want 87", tel.BatteryLevel)
	}
	if tel.ChannelUtilization == nil || *tel.ChannelUtilization != 12.5 {
		t.Errorf("ChannelUtilization = %v, want 12.5", tel.ChannelUtilization)
	}
	if tel.SNR == nil || *tel.SNR != -4.25 {
		t.Errorf("SNR = %v, want -4.25", tel.SNR)
	}
	if tel.Voltage != nil {
		t.Errorf("Voltage = %v, want nil", tel.Voltage)
	}
}
