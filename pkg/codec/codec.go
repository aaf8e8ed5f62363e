// Package codec implements the block codec pipeline: a chain of transforms
// between a logical (type byte, payload) pair and the bytes a block
// backend actually stores. Per spec §9 ("Dynamic dispatch"), the chain is
// expressed as composed values implementing one interface, not a class
// hierarchy — grounded on the teacher's pkg/tree/factory.go pattern of
// registering composed function values rather than subclassing.
//
// Pipeline, outermost (applied last on encode, stripped first on decode)
// to innermost: Confidential (optional AES-GCM seal) wraps Typed (type
// byte prefix) wraps CompressingTyped (optional LZ4 compression). The
// block id is derived from the typed, possibly-compressed bytes, before
// encryption — which is exactly why encryption's AAD can be the id: the
// id never depends on the ciphertext.
package codec

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
	"golang.org/x/crypto/pbkdf2"

	"forestfs/pkg/blockid"
	"forestfs/pkg/ferrors"
)

// Type bits, per spec §4.2/§6. The low nibble is the semantic type; the
// upper bits record structural/codec state.
const (
	TypeDirectory byte = 0x01
	TypeFileBlock byte = 0x02
	TypeFileData  byte = 0x03
	TypeWeakRef   byte = 0x04

	typeMask byte = 0x0F

	Leafy      byte = 0x10
	Compressed byte = 0x20
)

// SemanticType extracts the low-nibble semantic type from a full type byte.
func SemanticType(b byte) byte { return b & typeMask }

// IsLeafy reports whether the LEAFY bit is set.
func IsLeafy(b byte) bool { return b&Leafy != 0 }

// IsCompressed reports whether the COMPRESSED bit is set.
func IsCompressed(b byte) bool { return b&Compressed != 0 }

// Plain is the decoded (type, payload) pair the rest of the forest works
// with — i.e. everything above the codec pipeline.
type Plain struct {
	Type    byte
	Payload []byte
}

// Pipeline turns a Plain value into the bytes a backend stores (and
// derives the id those bytes are stored under), and back.
type Pipeline struct {
	compress bool
	aead     cipher.AEAD // nil when no encryption is configured
	blockKey []byte      // block_id_key: empty, or the master key
}

const (
	pbkdf2Iterations = 100000
	pbkdf2KeyLen     = 32
	aesGCMIVSize     = 16
	aesGCMTagSize    = 16
	magicLen         = 4
)

var confidentialMagic = [magicLen]byte{'f', 'h', 'f', '1'}

// DeriveMasterKey derives a 32-byte AES key from a password and 16-byte
// salt via PBKDF2-HMAC-SHA256 with 100000 iterations (spec §4.3).
func DeriveMasterKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, pbkdf2KeyLen, sha256.New)
}

// NewPipeline builds a codec pipeline. If masterKey is nil, the
// Confidential stage is skipped entirely and block_id_key is empty.
func NewPipeline(compress bool, masterKey []byte) (*Pipeline, error) {
	p := &Pipeline{compress: compress}
	if masterKey == nil {
		return p, nil
	}
	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, fmt.Errorf("codec: building AES cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, aesGCMIVSize)
	if err != nil {
		return nil, fmt.Errorf("codec: building AES-GCM: %w", err)
	}
	p.aead = aead
	p.blockKey = append([]byte(nil), masterKey...)
	return p, nil
}

// Encode turns a logical (type, payload) pair into the id it is addressed
// by and the bytes a backend should persist under that id.
func (p *Pipeline) Encode(semanticType byte, leafy bool, payload []byte) (blockid.ID, []byte, error) {
	typeByte := semanticType
	if leafy {
		typeByte |= Leafy
	}

	body := payload
	if p.compress {
		compressed, ok := compressLZ4(payload)
		if ok && len(compressed) < len(payload) {
			typeByte |= Compressed
			body = compressed
		}
	}

	typed := make([]byte, 0, 1+len(body))
	typed = append(typed, typeByte)
	typed = append(typed, body...)

	id := blockid.Derive(p.blockKey, typeByte, body)

	if p.aead == nil {
		return id, typed, nil
	}

	iv := make([]byte, aesGCMIVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return blockid.ID{}, nil, fmt.Errorf("codec: generating IV: %w", err)
	}
	sealed := p.aead.Seal(nil, iv, typed, id.Bytes())
	tag := sealed[len(sealed)-aesGCMTagSize:]
	ciphertext := sealed[:len(sealed)-aesGCMTagSize]

	out := make([]byte, 0, magicLen+aesGCMIVSize+aesGCMTagSize+len(ciphertext))
	out = append(out, confidentialMagic[:]...)
	out = append(out, iv...)
	out = append(out, tag...)
	out = append(out, ciphertext...)
	return id, out, nil
}

// Decode reverses Encode: given the id a block was stored under and its
// raw backend bytes, returns the logical (type, leafy, payload).
func (p *Pipeline) Decode(id blockid.ID, raw []byte) (semanticType byte, leafy bool, payload []byte, err error) {
	typed := raw
	if p.aead != nil {
		typed, err = p.openConfidential(id, raw)
		if err != nil {
			return 0, false, nil, err
		}
	}

	if len(typed) < 1 {
		return 0, false, nil, fmt.Errorf("codec: %w: empty block body", ferrors.ErrCorruption)
	}
	typeByte := typed[0]
	body := typed[1:]

	if IsCompressed(typeByte) {
		decompressed, err := decompressLZ4(body)
		if err != nil {
			return 0, false, nil, fmt.Errorf("codec: %w: %v", ferrors.ErrCorruption, err)
		}
		body = decompressed
	}

	return SemanticType(typeByte), IsLeafy(typeByte), body, nil
}

func (p *Pipeline) openConfidential(id blockid.ID, raw []byte) ([]byte, error) {
	if len(raw) < magicLen+aesGCMIVSize+aesGCMTagSize {
		return nil, fmt.Errorf("codec: %w: ciphertext too short", ferrors.ErrCorruption)
	}
	if !bytes.Equal(raw[:magicLen], confidentialMagic[:]) {
		return nil, fmt.Errorf("codec: %w: bad magic", ferrors.ErrCorruption)
	}
	iv := raw[magicLen : magicLen+aesGCMIVSize]
	tag := raw[magicLen+aesGCMIVSize : magicLen+aesGCMIVSize+aesGCMTagSize]
	ciphertext := raw[magicLen+aesGCMIVSize+aesGCMTagSize:]
	sealed := append(append([]byte(nil), ciphertext...), tag...)
	plaintext, err := p.aead.Open(nil, iv, sealed, id.Bytes())
	if err != nil {
		return nil, fmt.Errorf("codec: %w: AEAD open failed: %v", ferrors.ErrCorruption, err)
	}
	return plaintext, nil
}

func compressLZ4(in []byte) ([]byte, bool) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(in); err != nil {
		return nil, false
	}
	if err := w.Close(); err != nil {
		return nil, false
	}
	return buf.Bytes(), true
}

func decompressLZ4(in []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(in))
	return io.ReadAll(r)
}

// ErrBadPipeline names a misconfigured pipeline. No function in this
// package returns it: NewPipeline reports cipher setup failures as its
// own wrapped errors.
var ErrBadPipeline = errors.New("codec: misconfigured pipeline")
