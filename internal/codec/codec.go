// Package codec implements the fixed binary layouts of the payloads exchanged
// between two devices during a voucher transfer. The layouts do not depend on
// the transport that carries them (QR image or NFC frame).
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/iotaledger/hive.go/serializer/v2/marshalutil"
)

var (
	ErrMalformedPayload = errors.New("malformed payload")
)

const (
	// OfferVersion is the only offer layout understood by this codec.
	OfferVersion byte = 0x01

	VoucherIDSize   = 16
	ValueSize       = 4
	KeySize         = 32
	ShareSize       = 32
	NonceSize       = 12
	TagSize         = 16
	ChallengeSize   = 16
	TimestampSize   = 4
	SignatureSize   = 64
	StatusCodeSize  = 1
	NameLengthSize  = 1
	MaxIssuerName   = 255
	offerFixedSize  = 1 + VoucherIDSize + ValueSize + KeySize + NameLengthSize + ShareSize + NonceSize + TagSize + ChallengeSize + TimestampSize + SignatureSize
	AckSize         = VoucherIDSize + StatusCodeSize + KeySize + SignatureSize
	ackSignedLength = AckSize - SignatureSize
)

// OfferSize returns the encoded size of an offer carrying an issuer name of
// nameLen bytes.
func OfferSize(nameLen int) int {
	return offerFixedSize + nameLen
}

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformedPayload, fmt.Sprintf(format, args...))
}

func writeUint32BE(ms *marshalutil.MarshalUtil, v uint32) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	ms.WriteBytes(buf[:])
}

func readFixed(ms *marshalutil.MarshalUtil, dst []byte, field string) error {
	b, err := ms.ReadBytes(len(dst))
	if err != nil {
		return malformed("%s: need %d bytes at offset %d", field, len(dst), ms.ReadOffset())
	}
	copy(dst, b)

	return nil
}

func readUint32BE(ms *marshalutil.MarshalUtil, field string) (uint32, error) {
	var buf [4]byte
	if err := readFixed(ms, buf[:], field); err != nil {
		return 0, err
	}

	return binary.BigEndian.Uint32(buf[:]), nil
}

func readByte(ms *marshalutil.MarshalUtil, field string) (byte, error) {
	b, err := ms.ReadByte()
	if err != nil {
		return 0, malformed("%s: missing at offset %d", field, ms.ReadOffset())
	}

	return b, nil
}

func checkConsumed(ms *marshalutil.MarshalUtil, total int) error {
	if ms.ReadOffset() != total {
		return malformed("%d trailing bytes", total-ms.ReadOffset())
	}

	return nil
}
