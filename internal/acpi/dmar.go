package acpi

import (
	"encoding/binary"
	"errors"
)

// DMAR flags.
const (
	dmarIntrRemap    = 1 << 0
	dmarX2APICOptOut = 1 << 1
)

// Remapping structure types.
const (
	structDRHD = 0
	structRMRR = 1
	structATSR = 2
)

const (
	drhdIncludeAll = 1 << 0
	atsrAllPorts   = 1 << 0

	dmarFixedLen  = 12
	drhdFixedLen  = 16
	atsrFixedLen  = 8
	scopeFixedLen = 6
)

var errTruncated = errors.New("acpi: DMAR structure truncated")

func buildDMARBody(d DMAR) []byte {
	body := make([]byte, dmarFixedLen)
	body[0] = d.HostAddressWidth - 1
	if d.InterruptRemapping {
		body[1] |= dmarIntrRemap
	}
	if d.X2APICOptOut {
		body[1] |= dmarX2APICOptOut
	}

	for _, u := range d.Units {
		start := len(body)
		body = binary.LittleEndian.AppendUint16(body, structDRHD)
		body = binary.LittleEndian.AppendUint16(body, 0) // length, patched below
		var flags uint8
		if u.IncludeAll {
			flags |= drhdIncludeAll
		}
		// Size 0: a single 4K register page.
		body = append(body, flags, 0)
		body = binary.LittleEndian.AppendUint16(body, u.Segment)
		body = binary.LittleEndian.AppendUint64(body, u.RegisterBase)
		for _, s := range u.Scopes {
			body = appendScope(body, s)
		}
		binary.LittleEndian.PutUint16(body[start+2:], uint16(len(body)-start))
	}

	for _, seg := range d.ATSSegments {
		body = binary.LittleEndian.AppendUint16(body, structATSR)
		body = binary.LittleEndian.AppendUint16(body, atsrFixedLen)
		body = append(body, atsrAllPorts, 0)
		body = binary.LittleEndian.AppendUint16(body, seg)
	}
	return body
}

func appendScope(body []byte, s DeviceScope) []byte {
	body = append(body, byte(s.Type), byte(scopeFixedLen+2*len(s.Path)), 0, 0, s.EnumerationID, s.StartBus)
	for _, p := range s.Path {
		body = append(body, p.Device, p.Function)
	}
	return body
}

// ParseDMAR decodes a complete DMAR table, header included. Structures of
// unknown type are skipped.
func ParseDMAR(table []byte) (DMAR, error) {
	if _, err := verifyTable(table, "DMAR"); err != nil {
		return DMAR{}, err
	}
	if len(table) < headerLen+dmarFixedLen {
		return DMAR{}, errTruncated
	}

	body := table[headerLen:]
	d := DMAR{
		HostAddressWidth:   body[0] + 1,
		InterruptRemapping: body[1]&dmarIntrRemap != 0,
		X2APICOptOut:       body[1]&dmarX2APICOptOut != 0,
	}

	for rest := body[dmarFixedLen:]; len(rest) > 0; {
		if len(rest) < 4 {
			return DMAR{}, errTruncated
		}
		typ := binary.LittleEndian.Uint16(rest)
		length := int(binary.LittleEndian.Uint16(rest[2:]))
		if length < 4 || length > len(rest) {
			return DMAR{}, errTruncated
		}
		s := rest[:length]
		rest = rest[length:]

		switch typ {
		case structDRHD:
			if length < drhdFixedLen {
				return DMAR{}, errTruncated
			}
			u := RemappingUnit{
				IncludeAll:   s[4]&drhdIncludeAll != 0,
				Segment:      binary.LittleEndian.Uint16(s[6:]),
				RegisterBase: binary.LittleEndian.Uint64(s[8:]),
			}
			scopes, err := parseScopes(s[drhdFixedLen:])
			if err != nil {
				return DMAR{}, err
			}
			u.Scopes = scopes
			d.Units = append(d.Units, u)
		case structATSR:
			if length < atsrFixedLen {
				return DMAR{}, errTruncated
			}
			if s[4]&atsrAllPorts != 0 {
				d.ATSSegments = append(d.ATSSegments, binary.LittleEndian.Uint16(s[6:]))
			}
		}
	}
	return d, nil
}

func parseScopes(b []byte) ([]DeviceScope, error) {
	var scopes []DeviceScope
	for len(b) > 0 {
		if len(b) < scopeFixedLen {
			return nil, errTruncated
		}
		length := int(b[1])
		if length < scopeFixedLen || length > len(b) || (length-scopeFixedLen)%2 != 0 {
			return nil, errTruncated
		}
		s := DeviceScope{Type: ScopeType(b[0]), EnumerationID: b[4], StartBus: b[5]}
		for p := b[scopeFixedLen:length]; len(p) > 0; p = p[2:] {
			s.Path = append(s.Path, PCIPath{Device: p[0], Function: p[1]})
		}
		scopes = append(scopes, s)
		b = b[length:]
	}
	return scopes, nil
}
