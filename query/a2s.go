package query

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	a2sInfoRequest   = 0x54 // 'T'
	a2sChallenge     = 0x41 // 'A'
	a2sInfoSource    = 0x49 // 'I'
	a2sInfoGoldSrc   = 0x6d // 'm'
	a2sSplitMarker   = 0xfe
	a2sMaxChallenges = 2
)

const (
	edfGamePort = 0x80
	edfSteamID  = 0x10
	edfSourceTV = 0x40
	edfKeywords = 0x20
	edfGameID   = 0x01
)

var a2sPayload = []byte("Source Engine Query\x00")

var errShortPacket = errors.New("a2s: short packet")

// A2S queries Source and GoldSrc servers with A2S_INFO.
type A2S struct{}

// Query sends A2S_INFO, answering up to two S2C_CHALLENGE replies.
func (A2S) Query(ctx context.Context, addr string) (Info, error) {
	conn, release, err := dialUDP(ctx, addr)
	if err != nil {
		return nil, err
	}
	defer release()

	request := buildA2SRequest(nil)
	for attempt := 0; ; attempt++ {
		reply, err := exchange(ctx, conn, request)
		if err != nil {
			return nil, err
		}
		challenge, info, err := parseA2SReply(reply)
		if err != nil {
			return nil, err
		}
		if info != nil {
			return info, nil
		}
		if attempt >= a2sMaxChallenges {
			return nil, errors.New("a2s: server kept issuing challenges")
		}
		request = buildA2SRequest(challenge)
	}
}

func buildA2SRequest(challenge []byte) []byte {
	req := make([]byte, 0, len(packetHeader)+1+len(a2sPayload)+len(challenge))
	req = append(req, packetHeader...)
	req = append(req, a2sInfoRequest)
	req = append(req, a2sPayload...)
	return append(req, challenge...)
}

// parseA2SReply returns either a challenge to echo back or a decoded record.
func parseA2SReply(packet []byte) ([]byte, Info, error) {
	if len(packet) < 5 {
		return nil, nil, errShortPacket
	}
	if packet[0] == a2sSplitMarker {
		return nil, nil, errors.New("a2s: split info responses are not supported")
	}
	if !bytes.Equal(packet[:4], packetHeader) {
		return nil, nil, fmt.Errorf("a2s: bad header % x", packet[:4])
	}
	body := &packetReader{buf: packet[5:]}
	switch packet[4] {
	case a2sChallenge:
		if len(body.buf) < 4 {
			return nil, nil, errShortPacket
		}
		return append([]byte(nil), body.buf[:4]...), nil, nil
	case a2sInfoSource:
		info, err := decodeSourceInfo(body)
		return nil, info, err
	case a2sInfoGoldSrc:
		info, err := decodeGoldSrcInfo(body)
		return nil, info, err
	default:
		return nil, nil, fmt.Errorf("a2s: unexpected reply type 0x%02x", packet[4])
	}
}

func decodeSourceInfo(r *packetReader) (Info, error) {
	info := Info{}
	info["protocol"] = strconv.Itoa(int(r.u8()))
	info["name"] = r.cstring()
	info["map"] = r.cstring()
	info["folder"] = r.cstring()
	info["game"] = r.cstring()
	info["appid"] = strconv.Itoa(int(r.uint16()))
	info["players"] = strconv.Itoa(int(r.u8()))
	info["max_players"] = strconv.Itoa(int(r.u8()))
	info["bots"] = strconv.Itoa(int(r.u8()))
	info["server_type"] = string(rune(r.u8()))
	info["environment"] = string(rune(r.u8()))
	info["visibility"] = strconv.Itoa(int(r.u8()))
	info["vac"] = strconv.Itoa(int(r.u8()))
	if r.err != nil {
		return nil, r.err
	}
	if r.remaining() == 0 {
		return info, nil
	}
	info["version"] = r.cstring()
	if r.remaining() == 0 {
		return info, r.err
	}
	edf := r.u8()
	if edf&edfGamePort != 0 {
		info["game_port"] = strconv.Itoa(int(r.uint16()))
	}
	if edf&edfSteamID != 0 {
		info["steam_id"] = strconv.FormatUint(r.uint64(), 10)
	}
	if edf&edfSourceTV != 0 {
		info["sourcetv_port"] = strconv.Itoa(int(r.uint16()))
		info["sourcetv_name"] = r.cstring()
	}
	if edf&edfKeywords != 0 {
		info["keywords"] = r.cstring()
	}
	if edf&edfGameID != 0 {
		info["game_id"] = strconv.FormatUint(r.uint64(), 10)
	}
	// Truncated extra data still leaves the mandatory fields usable.
	return info, nil
}

func decodeGoldSrcInfo(r *packetReader) (Info, error) {
	info := Info{}
	info["address"] = r.cstring()
	info["name"] = r.cstring()
	info["map"] = r.cstring()
	info["folder"] = r.cstring()
	info["game"] = r.cstring()
	info["players"] = strconv.Itoa(int(r.u8()))
	info["max_players"] = strconv.Itoa(int(r.u8()))
	info["protocol"] = strconv.Itoa(int(r.u8()))
	info["server_type"] = strings.ToLower(string(rune(r.u8())))
	info["environment"] = strings.ToLower(string(rune(r.u8())))
	info["visibility"] = strconv.Itoa(int(r.u8()))
	if r.err != nil {
		return nil, r.err
	}
	return info, nil
}

// packetReader decodes little-endian A2S fields; the first short read
// sticks in err and every later read returns zero values.
type packetReader struct {
	buf []byte
	off int
	err error
}

func (r *packetReader) remaining() int {
	return len(r.buf) - r.off
}

func (r *packetReader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if r.remaining() < n {
		r.err = errShortPacket
		return false
	}
	return true
}

func (r *packetReader) u8() byte {
	if !r.need(1) {
		return 0
	}
	b := r.buf[r.off]
	r.off++
	return b
}

func (r *packetReader) uint16() uint16 {
	if !r.need(2) {
		return 0
	}
	v := binary.LittleEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v
}

func (r *packetReader) uint64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v
}

func (r *packetReader) cstring() string {
	if r.err != nil {
		return ""
	}
	idx := bytes.IndexByte(r.buf[r.off:], 0)
	if idx < 0 {
		r.err = errShortPacket
		return ""
	}
	s := string(r.buf[r.off : r.off+idx])
	r.off += idx + 1
	return s
}
