package input

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/apple-oss-distributions/ld64-go/types"
)

// ParseDylibInfo walks one mapped dylib's load commands to recover the
// identity and dependency edges LoadDylibGraph needs: its own LC_ID_DYLIB
// install name and version, every dylib it itself loads (LC_LOAD_DYLIB
// and its weak/lazy/upward/reexport variants), and its umbrella/
// allowable-clients restrictions. Mirrors internal/reader.Parse's load
// command walk, the object-file analogue of this same scan.
func ParseDylibInfo(data []byte, order binary.ByteOrder) (DylibInfo, error) {
	var info DylibInfo
	if len(data) < types.FileHeaderSize64 {
		return info, fmt.Errorf("input: dylib too small to contain a Mach-O header")
	}
	magic := order.Uint32(data[0:4])
	if types.Magic(magic) != types.Magic64 {
		return info, fmt.Errorf("input: unsupported or non-64-bit dylib magic 0x%x", magic)
	}

	var hdr types.FileHeader
	if err := binary.Read(bytes.NewReader(data[:types.FileHeaderSize64]), order, &hdr); err != nil {
		return info, fmt.Errorf("failed to read dylib header: %v", err)
	}

	cmdData := data[types.FileHeaderSize64:]
	off := 0
	for i := uint32(0); i < hdr.NCommands; i++ {
		if off+8 > len(cmdData) {
			return info, fmt.Errorf("input: truncated load command table")
		}
		cmd := types.LoadCmd(order.Uint32(cmdData[off:]))
		size := order.Uint32(cmdData[off+4:])
		if size < 8 || off+int(size) > len(cmdData) {
			return info, fmt.Errorf("input: load command %d overruns command table", i)
		}
		body := cmdData[off : off+int(size)]

		switch cmd {
		case types.LC_ID_DYLIB:
			name, current, compat, err := decodeDylibCommand(body, order)
			if err != nil {
				return info, err
			}
			info.InstallPath = name
			info.CurrentVersion = current
			info.CompatVersion = compat
		case types.LC_LOAD_DYLIB, types.LC_LOAD_WEAK_DYLIB, types.LC_LAZY_LOAD_DYLIB, types.LC_LOAD_UPWARD_DYLIB:
			name, _, _, err := decodeDylibCommand(body, order)
			if err != nil {
				return info, err
			}
			info.Dependents = append(info.Dependents, name)
		case types.LC_REEXPORT_DYLIB:
			name, _, _, err := decodeDylibCommand(body, order)
			if err != nil {
				return info, err
			}
			info.Dependents = append(info.Dependents, name)
			info.ReExports = append(info.ReExports, name)
		case types.LC_SUB_UMBRELLA, types.LC_SUB_FRAMEWORK:
			name, err := decodeSingleString(body, order)
			if err != nil {
				return info, err
			}
			info.ParentUmbrella = name
		case types.LC_SUB_CLIENT:
			name, err := decodeSingleString(body, order)
			if err != nil {
				return info, err
			}
			info.AllowableClients = append(info.AllowableClients, name)
		}
		off += int(size)
	}
	return info, nil
}

// decodeDylibCommand reads one dylib_command's trailing install-name
// string and version fields, the shape LC_ID_DYLIB/LC_LOAD_DYLIB and its
// weak/lazy/upward/reexport variants all share.
func decodeDylibCommand(body []byte, order binary.ByteOrder) (name string, current, compat uint32, err error) {
	if len(body) < 24 {
		return "", 0, 0, fmt.Errorf("input: dylib command too small")
	}
	nameOff := order.Uint32(body[8:12])
	current = order.Uint32(body[16:20])
	compat = order.Uint32(body[20:24])
	name, err = decodeCString(body, nameOff)
	return name, current, compat, err
}

// decodeSingleString reads the single offset-prefixed string payload
// LC_SUB_FRAMEWORK/LC_SUB_UMBRELLA/LC_SUB_CLIENT all share at byte 8.
func decodeSingleString(body []byte, order binary.ByteOrder) (string, error) {
	if len(body) < 12 {
		return "", fmt.Errorf("input: sub-command too small")
	}
	off := order.Uint32(body[8:12])
	return decodeCString(body, off)
}

func decodeCString(body []byte, off uint32) (string, error) {
	if int(off) >= len(body) {
		return "", fmt.Errorf("input: string offset out of range")
	}
	end := bytes.IndexByte(body[off:], 0)
	if end < 0 {
		return string(body[off:]), nil
	}
	return string(body[off : off+uint32(end)]), nil
}
