package handshake

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"sync"

	"github.com/quic-dev/quix/internal/protocol"
)

var (
	retryAEAD     cipher.AEAD
	retryAEADOnce sync.Once
)

var retryNonce = [12]byte{0x46, 0x15, 0x99, 0xd3, 0x5d, 0x63, 0x2b, 0xf2, 0x23, 0x98, 0x25, 0xbb}

func initRetryAEAD() {
	key := [16]byte{0xbe, 0x0c, 0x69, 0x0b, 0x9f, 0x66, 0x57, 0x5a, 0x1d, 0x76, 0x6b, 0x54, 0xe3, 0x68, 0xc8, 0x4e}
	aes, err := aes.NewCipher(key[:])
	if err != nil {
		panic(fmt.Sprintf("error creating new AES cipher: %s", err))
	}
	aead, err := cipher.NewGCM(aes)
	if err != nil {
		panic(fmt.Sprintf("error creating new GCM: %s", err))
	}
	retryAEAD = aead
}

var retryBufPool = sync.Pool{
	New: func() any {
		return new(bytes.Buffer)
	},
}

// GetRetryIntegrityTag calculates the integrity tag on a Retry packet
func GetRetryIntegrityTag(retry []byte, origDestConnID protocol.ConnectionID, _ protocol.Version) *[16]byte {
	retryAEADOnce.Do(initRetryAEAD)

	buf := retryBufPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		retryBufPool.Put(buf)
	}()

	buf.WriteByte(uint8(origDestConnID.Len()))
	buf.Write(origDestConnID.Bytes())
	buf.Write(retry)

	var tag [16]byte
	sealed := retryAEAD.Seal(tag[:0], retryNonce[:], nil, buf.Bytes())
	if len(sealed) != 16 {
		panic(fmt.Sprintf("Retry integrity tag has invalid length: %d", len(sealed)))
	}
	return &tag
}
