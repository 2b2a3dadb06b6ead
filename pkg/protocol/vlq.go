// Package protocol implements the wire codec step events are framed with
// before being handed to pkg/transport: a VLQ integer encoding and a
// CRC16 trailer, the same shapes Klipper's msgproto.py uses for
// queue_step/set_next_step_dir.
package protocol

// EncodeUint32 appends v to out using the same variable-length quantity
// scheme as msgproto.py's PT_uint32.encode().
func EncodeUint32(out *[]byte, v int32) {
	uv := uint32(v)
	sv := int32(v)
	if sv >= 0xc000000 || sv < -0x4000000 {
		*out = append(*out, byte(((uv>>28)&0x7f)|0x80))
	}
	if sv >= 0x180000 || sv < -0x80000 {
		*out = append(*out, byte(((uv>>21)&0x7f)|0x80))
	}
	if sv >= 0x3000 || sv < -0x1000 {
		*out = append(*out, byte(((uv>>14)&0x7f)|0x80))
	}
	if sv >= 0x60 || sv < -0x20 {
		*out = append(*out, byte(((uv>>7)&0x7f)|0x80))
	}
	*out = append(*out, byte(uv&0x7f))
}

// DecodeUint32 decodes one VLQ integer starting at pos and returns the
// value along with the position just past it.
func DecodeUint32(buf []byte, pos int) (int32, int) {
	c := buf[pos]
	pos++
	v := int32(c & 0x7f)
	if (c & 0x60) == 0x60 {
		v |= -0x20
	}
	for (c & 0x80) != 0 {
		c = buf[pos]
		pos++
		v = (v << 7) | int32(c&0x7f)
	}
	return v, pos
}
