package codec

import (
	"github.com/iotaledger/hive.go/serializer/v2/marshalutil"
)

// Ack status codes.
const (
	StatusRejected byte = 0x00
	StatusAccepted byte = 0x01
)

// Ack is the receiver to sender acknowledgment.
//
// Layout: [voucherId:16][statusCode:1][receiverId:32][signature:64]
type Ack struct {
	VoucherID   [VoucherIDSize]byte
	Status      byte
	ReceiverKey [KeySize]byte
	Signature   [SignatureSize]byte
}

// Accepted reports whether the receiver accepted the offer.
func (a *Ack) Accepted() bool {
	return a.Status == StatusAccepted
}

// SignedBytes returns every field that precedes the signature.
func (a *Ack) SignedBytes() []byte {
	ms := marshalutil.New(ackSignedLength)
	ms.WriteBytes(a.VoucherID[:])
	ms.WriteByte(a.Status)
	ms.WriteBytes(a.ReceiverKey[:])

	return ms.Bytes()
}

// EncodeAck serializes an acknowledgment.
func EncodeAck(a *Ack) ([]byte, error) {
	ms := marshalutil.New(AckSize)
	ms.WriteBytes(a.SignedBytes())
	ms.WriteBytes(a.Signature[:])

	return ms.Bytes(), nil
}

// DecodeAck parses an acknowledgment.
func DecodeAck(data []byte) (*Ack, error) {
	if len(data) != AckSize {
		return nil, malformed("ack is %d bytes, expected %d", len(data), AckSize)
	}

	ms := marshalutil.New(data)
	a := &Ack{}

	var err error
	if err = readFixed(ms, a.VoucherID[:], "voucherId"); err != nil {
		return nil, err
	}
	if a.Status, err = readByte(ms, "statusCode"); err != nil {
		return nil, err
	}
	if err = readFixed(ms, a.ReceiverKey[:], "receiverId"); err != nil {
		return nil, err
	}
	if err = readFixed(ms, a.Signature[:], "signature"); err != nil {
		return nil, err
	}

	if err := checkConsumed(ms, len(data)); err != nil {
		return nil, err
	}

	return a, nil
}
