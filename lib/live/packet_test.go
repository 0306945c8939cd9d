package live

import (
	"encoding/json"
	"testing"
)

func update(data UpdateData) ServerPacket {
	return NewBoardUpdate(nil, &data)
}

func TestFilter(t *testing.T) {
	colors := []Change{{Position: 5, Values: []uint32{7}}}
	stamps := []Change{{Position: 5, Values: []uint32{1234}}}
	mask := []Change{{Position: 0, Values: []uint32{1, 1}}}

	core := CapabilitySet(CapCore)
	all := CapabilitySet(CapCore | CapAuthentication | CapDataTimestamps | CapDataInitial | CapDataMask | CapInfo)

	t.Run("pixels-available needs authentication", func(t *testing.T) {
		p := NewPixelsAvailable(2, nil)
		if _, ok := Filter(p, core); ok {
			t.Errorf("pixels-available passed without the authentication capability")
		}
		if _, ok := Filter(p, all); !ok {
			t.Errorf("pixels-available dropped despite the authentication capability")
		}
	})

	t.Run("unnegotiated buffers are stripped", func(t *testing.T) {
		p, ok := Filter(update(UpdateData{Colors: colors, Timestamps: stamps, Mask: mask}), core)
		if !ok {
			t.Fatalf("update with color changes dropped for a core connection")
		}
		if p.Data == nil || len(p.Data.Colors) != 1 {
			t.Fatalf("filtered data = %+v, want the color changes kept", p.Data)
		}
		if p.Data.Timestamps != nil || p.Data.Mask != nil {
			t.Errorf("filtered data = %+v, want timestamps and mask stripped", p.Data)
		}
	})

	t.Run("filtering does not mutate the shared packet", func(t *testing.T) {
		original := update(UpdateData{Colors: colors, Timestamps: stamps})
		if _, ok := Filter(original, core); !ok {
			t.Fatalf("update dropped unexpectedly")
		}
		if original.Data.Timestamps == nil {
			t.Errorf("the broadcast packet lost its timestamps to a per-connection filter")
		}
	})

	t.Run("update with nothing negotiated is dropped", func(t *testing.T) {
		if _, ok := Filter(update(UpdateData{Mask: mask}), core); ok {
			t.Errorf("mask-only update passed for a core connection")
		}
	})

	t.Run("info needs the info capability", func(t *testing.T) {
		name := "plaza"
		p := NewBoardUpdate(&BoardInfo{Name: &name}, nil)

		if _, ok := Filter(p, core); ok {
			t.Errorf("info-only update passed without the info capability")
		}
		got, ok := Filter(p, core.With(CapInfo))
		if !ok || got.Info == nil || got.Info.Name == nil || *got.Info.Name != "plaza" {
			t.Errorf("filtered packet = (%+v, %v), want the info kept", got, ok)
		}
	})

	t.Run("ready passes any capability set", func(t *testing.T) {
		if _, ok := Filter(NewReady(), core); !ok {
			t.Errorf("ready packet dropped")
		}
	})
}

func TestServerPacketJSON(t *testing.T) {
	t.Run("board-update", func(t *testing.T) {
		p := update(UpdateData{Colors: []Change{{Position: 5, Values: []uint32{7}}}})
		raw, err := json.Marshal(p)
		if err != nil {
			t.Fatalf("marshal failed: %v", err)
		}
		want := `{"type":"board-update","data":{"colors":[{"position":5,"values":[7]}]}}`
		if string(raw) != want {
			t.Errorf("marshaled packet = %s, want %s", raw, want)
		}
	})

	t.Run("pixels-available zero count stays present", func(t *testing.T) {
		next := uint64(1700000000)
		raw, err := json.Marshal(NewPixelsAvailable(0, &next))
		if err != nil {
			t.Fatalf("marshal failed: %v", err)
		}
		want := `{"type":"pixels-available","count":0,"next":1700000000}`
		if string(raw) != want {
			t.Errorf("marshaled packet = %s, want %s", raw, want)
		}
	})

	t.Run("client authenticate", func(t *testing.T) {
		var p ClientPacket
		if err := json.Unmarshal([]byte(`{"type":"authenticate","token":"abc"}`), &p); err != nil {
			t.Fatalf("unmarshal failed: %v", err)
		}
		if p.Type != PacketAuthenticate || p.Token == nil || *p.Token != "abc" {
			t.Errorf("parsed packet = %+v, want an authenticate with token abc", p)
		}

		if err := json.Unmarshal([]byte(`{"type":"authenticate"}`), &p); err != nil {
			t.Fatalf("unmarshal failed: %v", err)
		}
		if p.Token != nil {
			t.Errorf("token = %q, want nil for an anonymous authenticate", *p.Token)
		}
	})
}

func TestParseCapabilities(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    CapabilitySet
		wantErr bool
	}{
		{
			name: "full set",
			raw:  "core,authentication,data.timestamps,data.initial,data.mask,info",
			want: CapabilitySet(CapCore | CapAuthentication | CapDataTimestamps | CapDataInitial | CapDataMask | CapInfo),
		},
		{
			name: "whitespace and empty entries",
			raw:  " core , ,info",
			want: CapabilitySet(CapCore | CapInfo),
		},
		{name: "missing core", raw: "info", wantErr: true},
		{name: "empty", raw: "", wantErr: true},
		{name: "unknown capability", raw: "core,telemetry", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCapabilities(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseCapabilities(%q) succeeded with %v, want an error", tt.raw, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseCapabilities(%q) failed: %v", tt.raw, err)
			}
			if got != tt.want {
				t.Errorf("ParseCapabilities(%q) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}
