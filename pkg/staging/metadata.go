package staging

import "encoding/binary"

// JPEG segment markers.
const (
	jpegSOI   = 0xD8 // start of image
	jpegSOS   = 0xDA // start of scan; entropy-coded data follows
	jpegAPP1  = 0xE1 // EXIF / XMP
	jpegAPP13 = 0xED // IPTC / Photoshop
)

// StripJPEGMetadata removes EXIF, XMP and IPTC segments (APP1/APP13) from a
// JPEG byte stream. Non-JPEG input is returned unchanged; the function never
// fails, a malformed stream is passed through as-is so encryption can still
// proceed.
func StripJPEGMetadata(data []byte) []byte {
	if len(data) < 4 || data[0] != 0xFF || data[1] != jpegSOI {
		return data
	}

	out := make([]byte, 0, len(data))
	out = append(out, data[0], data[1])

	i := 2
	for i+4 <= len(data) {
		if data[i] != 0xFF {
			// Lost segment sync; keep the remainder untouched.
			break
		}
		marker := data[i+1]
		if marker == jpegSOS {
			// Image data begins; nothing after this point is metadata we
			// strip.
			break
		}

		segLen := int(binary.BigEndian.Uint16(data[i+2 : i+4]))
		end := i + 2 + segLen
		if segLen < 2 || end > len(data) {
			break
		}

		if marker != jpegAPP1 && marker != jpegAPP13 {
			out = append(out, data[i:end]...)
		}
		i = end
	}

	out = append(out, data[i:]...)
	return out
}
