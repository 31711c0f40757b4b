package relay

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/troczen/wallet/v2/internal/crypto"
)

var (
	ErrInvalidEvent = errors.New("invalid relay event")
)

// Event kinds
const (
	// KindShareCache holds the market-encrypted cache share of a voucher.
	// It is replaceable per author and voucher.
	KindShareCache = 30303
	// KindTransfer records a completed voucher transfer.
	KindTransfer = 1111
)

// Tag names
const (
	TagVoucher   = "v"
	TagMarket    = "m"
	TagChallenge = "c"
	TagReplace   = "d"
)

// Event is a signed relay message.
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// NewEvent returns an unsigned event.
func NewEvent(kind int, createdAt time.Time, content string, tags ...[]string) *Event {
	if tags == nil {
		tags = [][]string{}
	}

	return &Event{
		CreatedAt: createdAt.Unix(),
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	}
}

// Serialize returns the canonical form the id is computed over.
func (e *Event) Serialize() []byte {
	tags := e.Tags
	if tags == nil {
		tags = [][]string{}
	}

	data, _ := json.Marshal([]interface{}{0, e.PubKey, e.CreatedAt, e.Kind, tags, e.Content})
	return data
}

// Digest returns the SHA-256 of the canonical form.
func (e *Event) Digest() [crypto.DigestSize]byte {
	return crypto.Digest(e.Serialize())
}

// Sign sets the author, id and signature.
func (e *Event) Sign(identity *crypto.Identity) error {
	e.PubKey = hex.EncodeToString(identity.PublicKey)

	digest := e.Digest()
	sig, err := crypto.Sign(digest[:], identity.PrivateKey)
	if err != nil {
		return fmt.Errorf("failed to sign event: %w", err)
	}

	e.ID = hex.EncodeToString(digest[:])
	e.Sig = hex.EncodeToString(sig)

	return nil
}

// Verify checks the id and the author signature.
func (e *Event) Verify() error {
	pub, err := hex.DecodeString(e.PubKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: bad pubkey", ErrInvalidEvent)
	}
	sig, err := hex.DecodeString(e.Sig)
	if err != nil {
		return fmt.Errorf("%w: bad signature encoding", ErrInvalidEvent)
	}

	digest := e.Digest()
	if e.ID != hex.EncodeToString(digest[:]) {
		return fmt.Errorf("%w: id mismatch", ErrInvalidEvent)
	}
	if !crypto.Verify(digest[:], sig, pub) {
		return fmt.Errorf("%w: signature verification failed", ErrInvalidEvent)
	}

	return nil
}

// Tag returns the first value of the named tag.
func (e *Event) Tag(name string) string {
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}

// Time returns the creation time.
func (e *Event) Time() time.Time {
	return time.Unix(e.CreatedAt, 0)
}

// replaceKey identifies the slot a replaceable event occupies.
func (e *Event) replaceKey() string {
	return strconv.Itoa(e.Kind) + ":" + e.PubKey + ":" + e.Tag(TagReplace)
}

func isReplaceable(kind int) bool {
	return kind >= 30000 && kind < 40000
}

// TransferEvent is the relay record of a voucher changing hands.
type TransferEvent struct {
	VoucherID   crypto.VoucherID
	Challenge   crypto.Challenge
	Market      string
	SenderKey   ed25519.PublicKey // empty when published by the receiver
	ReceiverKey ed25519.PublicKey
	Value       uint32
	Share       crypto.SealedShare
	CreatedAt   time.Time

	// set when read back from the relay
	EventID string
	Author  string
}

type transferContent struct {
	Challenge  crypto.Challenge `json:"challenge"`
	Sender     string           `json:"sender,omitempty"`
	Receiver   string           `json:"receiver"`
	Value      uint32           `json:"value"`
	Ciphertext string           `json:"ciphertext"`
	Nonce      string           `json:"nonce"`
	Tag        string           `json:"tag"`
}

// ToEvent builds the unsigned relay event.
func (t *TransferEvent) ToEvent() (*Event, error) {
	content, err := json.Marshal(&transferContent{
		Challenge:  t.Challenge,
		Sender:     hex.EncodeToString(t.SenderKey),
		Receiver:   hex.EncodeToString(t.ReceiverKey),
		Value:      t.Value,
		Ciphertext: hex.EncodeToString(t.Share.Ciphertext[:]),
		Nonce:      hex.EncodeToString(t.Share.Nonce[:]),
		Tag:        hex.EncodeToString(t.Share.Tag[:]),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode transfer event: %w", err)
	}

	createdAt := t.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	return NewEvent(KindTransfer, createdAt, string(content),
		[]string{TagVoucher, t.VoucherID.String()},
		[]string{TagMarket, t.Market},
		[]string{TagChallenge, t.Challenge.String()},
	), nil
}

// ParseTransferEvent decodes a transfer event read from the relay.
func ParseTransferEvent(e *Event) (*TransferEvent, error) {
	if e.Kind != KindTransfer {
		return nil, fmt.Errorf("%w: kind %d is not a transfer", ErrInvalidEvent, e.Kind)
	}

	id, err := crypto.ParseVoucherID(e.Tag(TagVoucher))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	var content transferContent
	if err := json.Unmarshal([]byte(e.Content), &content); err != nil {
		return nil, fmt.Errorf("%w: content: %v", ErrInvalidEvent, err)
	}

	t := &TransferEvent{
		VoucherID: id,
		Challenge: content.Challenge,
		Market:    e.Tag(TagMarket),
		Value:     content.Value,
		CreatedAt: e.Time(),
		EventID:   e.ID,
		Author:    e.PubKey,
	}

	if t.SenderKey, err = decodeHex(content.Sender, 0, ed25519.PublicKeySize); err != nil {
		return nil, err
	}
	if t.ReceiverKey, err = decodeHex(content.Receiver, ed25519.PublicKeySize); err != nil {
		return nil, err
	}

	fields := []struct {
		src string
		dst []byte
	}{
		{content.Ciphertext, t.Share.Ciphertext[:]},
		{content.Nonce, t.Share.Nonce[:]},
		{content.Tag, t.Share.Tag[:]},
	}
	for _, f := range fields {
		raw, err := decodeHex(f.src, len(f.dst))
		if err != nil {
			return nil, err
		}
		copy(f.dst, raw)
	}

	return t, nil
}

func decodeHex(s string, sizes ...int) ([]byte, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	for _, size := range sizes {
		if len(raw) == size {
			if size == 0 {
				return nil, nil
			}
			return raw, nil
		}
	}

	return nil, fmt.Errorf("%w: unexpected field size %d", ErrInvalidEvent, len(raw))
}
