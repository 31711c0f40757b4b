package codec

import (
	"unicode/utf8"

	"github.com/iotaledger/hive.go/serializer/v2/marshalutil"
)

// Offer is the sender to receiver payload proposing a transfer.
//
// Layout (version 0x01):
//
//	[version:1][voucherId:16][value:4 BE][issuerId:32][issuerNameLen:1][issuerName:var]
//	[encryptedShare:32][nonce:12][authTag:16][challenge:16][timestamp:4 BE][signature:64]
type Offer struct {
	Version        byte
	VoucherID      [VoucherIDSize]byte
	Value          uint32
	IssuerKey      [KeySize]byte
	IssuerName     string
	EncryptedShare [ShareSize]byte
	Nonce          [NonceSize]byte
	AuthTag        [TagSize]byte
	Challenge      [ChallengeSize]byte
	Timestamp      uint32
	Signature      [SignatureSize]byte
}

func (o *Offer) validate() error {
	if o.Version != OfferVersion {
		return malformed("unsupported offer version 0x%02x", o.Version)
	}
	if len(o.IssuerName) > MaxIssuerName {
		return malformed("issuer name is %d bytes, max %d", len(o.IssuerName), MaxIssuerName)
	}
	if !utf8.ValidString(o.IssuerName) {
		return malformed("issuer name is not valid UTF-8")
	}

	return nil
}

func (o *Offer) writeHeader(ms *marshalutil.MarshalUtil) {
	ms.WriteByte(o.Version)
	ms.WriteBytes(o.VoucherID[:])
	writeUint32BE(ms, o.Value)
	ms.WriteBytes(o.IssuerKey[:])
	ms.WriteByte(byte(len(o.IssuerName)))
	ms.WriteBytes([]byte(o.IssuerName))
}

func (o *Offer) writeSigned(ms *marshalutil.MarshalUtil) {
	o.writeHeader(ms)
	ms.WriteBytes(o.EncryptedShare[:])
	ms.WriteBytes(o.Nonce[:])
	ms.WriteBytes(o.AuthTag[:])
	ms.WriteBytes(o.Challenge[:])
	writeUint32BE(ms, o.Timestamp)
}

// HeaderBytes returns the identity part of the offer, from the version byte
// up to and including the issuer name. It is the associated data of the
// sealed share.
func (o *Offer) HeaderBytes() []byte {
	ms := marshalutil.New(1 + VoucherIDSize + ValueSize + KeySize + NameLengthSize + len(o.IssuerName))
	o.writeHeader(ms)

	return ms.Bytes()
}

// SignedBytes returns every field that precedes the signature.
func (o *Offer) SignedBytes() []byte {
	ms := marshalutil.New(OfferSize(len(o.IssuerName)) - SignatureSize)
	o.writeSigned(ms)

	return ms.Bytes()
}

// EncodeOffer serializes an offer.
func EncodeOffer(o *Offer) ([]byte, error) {
	if err := o.validate(); err != nil {
		return nil, err
	}

	ms := marshalutil.New(OfferSize(len(o.IssuerName)))
	o.writeSigned(ms)
	ms.WriteBytes(o.Signature[:])

	return ms.Bytes(), nil
}

// DecodeOffer parses an offer. Any short field, length prefix overrun,
// unknown version or trailing byte yields ErrMalformedPayload.
func DecodeOffer(data []byte) (*Offer, error) {
	if len(data) < offerFixedSize {
		return nil, malformed("offer is %d bytes, need at least %d", len(data), offerFixedSize)
	}

	ms := marshalutil.New(data)
	o := &Offer{}

	var err error
	if o.Version, err = readByte(ms, "version"); err != nil {
		return nil, err
	}
	if o.Version != OfferVersion {
		return nil, malformed("unsupported offer version 0x%02x", o.Version)
	}
	if err = readFixed(ms, o.VoucherID[:], "voucherId"); err != nil {
		return nil, err
	}
	if o.Value, err = readUint32BE(ms, "value"); err != nil {
		return nil, err
	}
	if err = readFixed(ms, o.IssuerKey[:], "issuerId"); err != nil {
		return nil, err
	}

	nameLen, err := readByte(ms, "issuerNameLen")
	if err != nil {
		return nil, err
	}
	if remaining := len(data) - ms.ReadOffset(); int(nameLen) > remaining {
		return nil, malformed("issuer name length %d overruns %d remaining bytes", nameLen, remaining)
	}
	name := make([]byte, nameLen)
	if err = readFixed(ms, name, "issuerName"); err != nil {
		return nil, err
	}
	if !utf8.Valid(name) {
		return nil, malformed("issuer name is not valid UTF-8")
	}
	o.IssuerName = string(name)

	if err = readFixed(ms, o.EncryptedShare[:], "encryptedShare"); err != nil {
		return nil, err
	}
	if err = readFixed(ms, o.Nonce[:], "nonce"); err != nil {
		return nil, err
	}
	if err = readFixed(ms, o.AuthTag[:], "authTag"); err != nil {
		return nil, err
	}
	if err = readFixed(ms, o.Challenge[:], "challenge"); err != nil {
		return nil, err
	}
	if o.Timestamp, err = readUint32BE(ms, "timestamp"); err != nil {
		return nil, err
	}
	if err = readFixed(ms, o.Signature[:], "signature"); err != nil {
		return nil, err
	}

	if err := checkConsumed(ms, len(data)); err != nil {
		return nil, err
	}

	return o, nil
}
