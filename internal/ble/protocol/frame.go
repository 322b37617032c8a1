package protocol

import "unicode/utf8"

// MaxFrameBytes bounds a response read from the peripheral. It is the
// largest value an ATT attribute may hold.
const MaxFrameBytes = 512

// EncodeRequest returns the UTF-8 request frame written at stage s.
func EncodeRequest(s Stage) []byte {
	return []byte(s.Request())
}

// DecodeResponse returns the response text. The content is not interpreted;
// valid is false when data is not UTF-8, which callers log but otherwise
// accept.
func DecodeResponse(data []byte) (text string, valid bool) {
	return string(data), utf8.Valid(data)
}
