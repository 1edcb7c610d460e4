// ABOUTME: On-disk page header layout shared by every page kind
// ABOUTME: Plaintext fields read before any codec transform is reversed

package page

import "encoding/binary"

// Kind identifies what a page's body holds.
type Kind uint8

const (
	KindMeta Kind = iota + 1
	KindInternal
	KindLeaf
	KindOverflow
	KindFree
)

func (k Kind) String() string {
	switch k {
	case KindMeta:
		return "meta"
	case KindInternal:
		return "internal"
	case KindLeaf:
		return "leaf"
	case KindOverflow:
		return "overflow"
	case KindFree:
		return "free"
	default:
		return "unknown"
	}
}

const (
	// Magic identifies a Digby page. Meta pages carry the same magic;
	// a meta slot is told apart from a body page by its Kind.
	Magic uint32 = 0x44474259 // "DGBY"

	// FormatVersion is bumped whenever the header or codec pipeline
	// changes incompatibly.
	FormatVersion uint16 = 1

	// HeaderSize is the fixed plaintext header size in bytes.
	HeaderSize = 36

	// AEADTagSize is the AES-GCM authentication tag appended after
	// ciphertext when encryption is enabled.
	AEADTagSize = 16
)

const (
	FlagCompressed uint8 = 1 << 0
	FlagEncrypted  uint8 = 1 << 1
)

// Header is the plaintext header every page carries, laid out as:
//
//	magic(4) version(2) kind(1) flags(1) page_no(8) tree_version(8) payload_len(4) checksum(4) page_size(4)
//
// page_size records the codec page size the page was written under. It is
// read and compared before anything else in the payload is touched, so a
// file opened with a different page_size than it was created with is
// reported as a configuration mismatch rather than as corruption.
type Header struct {
	Magic       uint32
	Version     uint16
	Kind        Kind
	Flags       uint8
	PageNo      uint64
	TreeVersion uint64
	PayloadLen  uint32
	Checksum    uint32
	PageSize    uint32
}

// Encode writes the header into the first HeaderSize bytes of dst.
func (h Header) Encode(dst []byte) {
	_ = dst[HeaderSize-1]
	binary.LittleEndian.PutUint32(dst[0:4], h.Magic)
	binary.LittleEndian.PutUint16(dst[4:6], h.Version)
	dst[6] = byte(h.Kind)
	dst[7] = h.Flags
	binary.LittleEndian.PutUint64(dst[8:16], h.PageNo)
	binary.LittleEndian.PutUint64(dst[16:24], h.TreeVersion)
	binary.LittleEndian.PutUint32(dst[24:28], h.PayloadLen)
	binary.LittleEndian.PutUint32(dst[28:32], h.Checksum)
	binary.LittleEndian.PutUint32(dst[32:36], h.PageSize)
}

// DecodeHeader reads a header from the first HeaderSize bytes of src.
func DecodeHeader(src []byte) Header {
	_ = src[HeaderSize-1]
	return Header{
		Magic:       binary.LittleEndian.Uint32(src[0:4]),
		Version:     binary.LittleEndian.Uint16(src[4:6]),
		Kind:        Kind(src[6]),
		Flags:       src[7],
		PageNo:      binary.LittleEndian.Uint64(src[8:16]),
		TreeVersion: binary.LittleEndian.Uint64(src[16:24]),
		PayloadLen:  binary.LittleEndian.Uint32(src[24:28]),
		Checksum:    binary.LittleEndian.Uint32(src[28:32]),
		PageSize:    binary.LittleEndian.Uint32(src[32:36]),
	}
}

func (h Header) HasFlag(f uint8) bool { return h.Flags&f != 0 }
