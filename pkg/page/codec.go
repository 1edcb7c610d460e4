// ABOUTME: Page encode/decode pipeline: checksum, optional compression, optional AEAD
// ABOUTME: Mirrors the teacher's checksum-on-write discipline, generalized to a configurable page size

package page

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/pierrec/lz4/v4"
	"golang.org/x/crypto/hkdf"

	"github.com/markmckeown/digby/pkg/dberr"
)

// Compressor selects the overflow-page compressor. Compression is never
// applied to Internal, Leaf, or Meta pages — see spec §4.1 step 2.
type Compressor uint8

const (
	CompressorNone Compressor = iota
	CompressorLz4
)

// Codec encodes and decodes fixed-size pages. A Codec is immutable after
// construction and safe for concurrent use by readers (the store itself is
// single-writer, but Decode has no hidden state).
type Codec struct {
	pageSize   int
	compressor Compressor
	key        []byte // 16 bytes (AES-128) or nil if encryption is disabled
}

// NewCodec validates pageSize and the optional 16-byte AES-128 key and
// returns a ready-to-use Codec.
func NewCodec(pageSize int, compressor Compressor, key []byte) (*Codec, error) {
	switch pageSize {
	case 4096, 8192, 16384, 32768, 65536:
	default:
		return nil, fmt.Errorf("digby: page size %d not in {4096,8192,16384,32768,65536}: %w", pageSize, dberr.ErrFormat)
	}
	if key != nil && len(key) != 16 {
		return nil, fmt.Errorf("digby: encryption key must be 16 bytes, got %d: %w", len(key), dberr.ErrFormat)
	}
	return &Codec{pageSize: pageSize, compressor: compressor, key: key}, nil
}

// PageSize returns the configured page size P.
func (c *Codec) PageSize() int { return c.pageSize }

// Encrypted reports whether this codec authenticates pages with AES-GCM.
func (c *Codec) Encrypted() bool { return c.key != nil }

// BodyCapacity is the maximum number of payload bytes a single page can
// carry after the header and (if enabled) the AEAD tag are deducted. Node
// builders must keep their assembled body within this bound.
func (c *Codec) BodyCapacity() int {
	cap := c.pageSize - HeaderSize
	if c.Encrypted() {
		cap -= AEADTagSize
	}
	return cap
}

// Encode builds a full page-sized block for pageNo/kind/treeVersion
// carrying body. body must already fit within BodyCapacity for Internal,
// Leaf, Meta, and Free kinds; Overflow bodies are compressed first and are
// allowed to arrive oversized only if the compressed form fits.
func (c *Codec) Encode(pageNo uint64, kind Kind, treeVersion uint64, body []byte) ([]byte, error) {
	flags := uint8(0)
	payload := body

	if c.compressor == CompressorLz4 && kind == KindOverflow {
		compressed, err := lz4Compress(body)
		if err == nil && len(compressed)+4 < len(body) {
			payload = make([]byte, 4+len(compressed))
			binary.LittleEndian.PutUint32(payload, uint32(len(body)))
			copy(payload[4:], compressed)
			flags |= FlagCompressed
		}
	}

	capacity := c.BodyCapacity()
	if len(payload) > capacity {
		return nil, fmt.Errorf("digby: encoded payload %d exceeds page capacity %d for page %d", len(payload), capacity, pageNo)
	}

	padded := make([]byte, capacity)
	copy(padded, payload)

	hdr := Header{
		Magic:       Magic,
		Version:     FormatVersion,
		Kind:        kind,
		Flags:       flags,
		PageNo:      pageNo,
		TreeVersion: treeVersion,
		PayloadLen:  uint32(len(payload)),
		PageSize:    uint32(c.pageSize),
	}

	block := make([]byte, c.pageSize)

	if c.Encrypted() {
		hdr.Flags |= FlagEncrypted
		hdr.Checksum = 0
		hdr.Encode(block[:HeaderSize])

		aead, err := c.aead()
		if err != nil {
			return nil, err
		}
		nonce := c.nonce(pageNo, treeVersion)
		ciphertext := aead.Seal(nil, nonce, padded, block[:HeaderSize])
		copy(block[HeaderSize:], ciphertext)
		return block, nil
	}

	hdr.Checksum = 0
	hdr.Encode(block[:HeaderSize])
	hdr.Checksum = checksum32(block[:HeaderSize], padded)
	hdr.Encode(block[:HeaderSize])
	copy(block[HeaderSize:], padded)
	return block, nil
}

// Decode reverses Encode, cross-checking the header's page_no against the
// slot the block was read from. Integrity failures are always surfaced —
// Decode never substitutes a default or a sibling page.
func (c *Codec) Decode(pageNo uint64, block []byte) (kind Kind, treeVersion uint64, body []byte, err error) {
	if len(block) != c.pageSize {
		return 0, 0, nil, fmt.Errorf("digby: short page read for %d (%d bytes): %w", pageNo, len(block), dberr.ErrIo)
	}

	hdr := DecodeHeader(block[:HeaderSize])
	if hdr.Magic != Magic {
		return 0, 0, nil, fmt.Errorf("digby: bad magic on page %d: %w", pageNo, dberr.ErrFormat)
	}
	if hdr.Version != FormatVersion {
		return 0, 0, nil, fmt.Errorf("digby: unsupported page version %d on page %d: %w", hdr.Version, pageNo, dberr.ErrFormat)
	}
	if hdr.PageSize != uint32(c.pageSize) {
		return 0, 0, nil, fmt.Errorf("digby: page %d was written with page_size %d, opened with %d: %w", pageNo, hdr.PageSize, c.pageSize, dberr.ErrFormat)
	}
	if hdr.PageNo != pageNo {
		return 0, 0, nil, fmt.Errorf("digby: page %d header claims page_no %d: %w", pageNo, hdr.PageNo, dberr.ErrIntegrity)
	}

	var padded []byte
	if hdr.HasFlag(FlagEncrypted) {
		if !c.Encrypted() {
			return 0, 0, nil, fmt.Errorf("digby: page %d is encrypted but no key configured: %w", pageNo, dberr.ErrFormat)
		}
		aead, aerr := c.aead()
		if aerr != nil {
			return 0, 0, nil, aerr
		}
		nonce := c.nonce(pageNo, hdr.TreeVersion)
		aad := make([]byte, HeaderSize)
		copy(aad, block[:HeaderSize])
		zeroChecksum(aad)
		plain, oerr := aead.Open(nil, nonce, block[HeaderSize:], aad)
		if oerr != nil {
			return 0, 0, nil, fmt.Errorf("digby: AEAD verification failed on page %d: %w", pageNo, dberr.ErrIntegrity)
		}
		padded = plain
	} else {
		zeroed := make([]byte, HeaderSize)
		copy(zeroed, block[:HeaderSize])
		zeroChecksum(zeroed)
		got := checksum32(zeroed, block[HeaderSize:])
		if got != hdr.Checksum {
			return 0, 0, nil, fmt.Errorf("digby: checksum mismatch on page %d: %w", pageNo, dberr.ErrIntegrity)
		}
		padded = block[HeaderSize:]
	}

	if int(hdr.PayloadLen) > len(padded) {
		return 0, 0, nil, fmt.Errorf("digby: payload_len %d exceeds body on page %d: %w", hdr.PayloadLen, pageNo, dberr.ErrFormat)
	}
	payload := padded[:hdr.PayloadLen]

	if hdr.HasFlag(FlagCompressed) {
		if len(payload) < 4 {
			return 0, 0, nil, fmt.Errorf("digby: truncated compressed payload on page %d: %w", pageNo, dberr.ErrFormat)
		}
		origLen := binary.LittleEndian.Uint32(payload[:4])
		decompressed, derr := lz4Decompress(payload[4:], int(origLen))
		if derr != nil {
			return 0, 0, nil, fmt.Errorf("digby: lz4 decompress failed on page %d: %w", pageNo, dberr.ErrFormat)
		}
		payload = decompressed
	}

	out := make([]byte, len(payload))
	copy(out, payload)
	return hdr.Kind, hdr.TreeVersion, out, nil
}

func zeroChecksum(header []byte) {
	header[28], header[29], header[30], header[31] = 0, 0, 0, 0
}

func checksum32(header, body []byte) uint32 {
	h := xxhash.New()
	_, _ = h.Write(header)
	_, _ = h.Write(body)
	return uint32(h.Sum64())
}

func (c *Codec) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("digby: aes cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// nonce derives a 96-bit per-page nonce via HKDF over the store key, so the
// nonce is never reused for a given (page_no, tree_version) pair without
// storing it on disk.
func (c *Codec) nonce(pageNo, treeVersion uint64) []byte {
	info := make([]byte, len("digby-nonce")+16)
	n := copy(info, []byte("digby-nonce"))
	binary.BigEndian.PutUint64(info[n:], pageNo)
	binary.BigEndian.PutUint64(info[n+8:], treeVersion)

	r := hkdf.New(sha256.New, c.key, nil, info)
	nonce := make([]byte, 12)
	_, _ = r.Read(nonce)
	return nonce
}

func lz4Compress(src []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(src)))
	var compressor lz4.Compressor
	n, err := compressor.CompressBlock(src, dst)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// Incompressible: CompressBlock reports 0 when it could not
		// beat the raw size within dst's bound.
		return src, fmt.Errorf("digby: lz4 block incompressible")
	}
	return dst[:n], nil
}

func lz4Decompress(src []byte, origLen int) ([]byte, error) {
	dst := make([]byte, origLen)
	n, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		return nil, err
	}
	return dst[:n], nil
}
