package decode

import "xcom-meshd/internal/wire"

// ScalePosition converts scaled integer coordinates to degrees. ok is false
// when the result lies outside [-90,90] x [-180,180].
func ScalePosition(lat, lon int32, scale float64) (float64, float64, bool) {
	la := float64(lat) / scale
	lo := float64(lon) / scale
	if la < -90 || la > 90 || lo < -180 || lo > 180 {
		return 0, 0, false
	}
	return la, lo, true
}

// PLI is a TAK position report.
type PLI struct {
	Lat      float64
	Lon      float64
	Altitude int32
}

// ParsePLI decodes a PLI sub-message: sfixed32 lat (1), sfixed32 lon (2),
// varint altitude (3), all scaled by 1e7.
func ParsePLI(b []byte) *PLI {
	var lat, lon int32
	var alt int32
	err := wire.Fields(b, func(f wire.Field) error {
		switch {
		case f.Num == 1 && f.Type == wire.Fixed32Type:
			lat = f.Int32()
		case f.Num == 2 && f.Type == wire.Fixed32Type:
			lon = f.Int32()
		case f.Num == 3 && f.Type == wire.VarintType:
			alt = int32(f.Varint)
		}
		return nil
	})
	if err != nil {
		return nil
	}
	la, lo, ok := ScalePosition(lat, lon, 1e7)
	if !ok {
		return nil
	}
	return &PLI{Lat: la, Lon: lo, Altitude: alt}
}

// Contact is the TAK contact sub-message.
type Contact struct {
	Callsign       string
	DeviceCallsign string
}

func ParseContact(b []byte) *Contact {
	c := &Contact{}
	err := wire.Fields(b, func(f wire.Field) error {
		if f.Type != wire.BytesType {
			return nil
		}
		switch f.Num {
		case 1:
			c.Callsign = validText(f.Bytes)
		case 2:
			c.DeviceCallsign = validText(f.Bytes)
		}
		return nil
	})
	if err != nil {
		return nil
	}
	return c
}

// Status is the TAK status sub-message.
type Status struct {
	Battery uint32
}

func ParseStatus(b []byte) *Status {
	s := &Status{}
	err := wire.Fields(b, func(f wire.Field) error {
		if f.Num == 1 && f.Type == wire.VarintType {
			s.Battery = uint32(f.Varint)
		}
		return nil
	})
	if err != nil {
		return nil
	}
	return s
}

// TAKPacket groups the sub-messages of an ATAK plugin payload. Any of them
// may be nil.
type TAKPacket struct {
	Contact *Contact
	Status  *Status
	PLI     *PLI
}

func ParseTAKPacket(b []byte) *TAKPacket {
	p := &TAKPacket{}
	err := wire.Fields(b, func(f wire.Field) error {
		if f.Type != wire.BytesType {
			return nil
		}
		switch f.Num {
		case 2:
			p.Contact = ParseContact(f.Bytes)
		case 4:
			p.Status = ParseStatus(f.Bytes)
		case 5:
			p.PLI = ParsePLI(f.Bytes)
		}
		return nil
	})
	if err != nil {
		return nil
	}
	return p
}
