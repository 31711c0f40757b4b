package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	priv, pub := newTestKey(t)
	digest := Digest([]byte("voucher"), []byte("challenge"))

	sig, err := Sign(digest[:], priv)
	require.NoError(t, err)
	require.Len(t, sig, SignatureSize)
	require.True(t, Verify(digest[:], sig, pub))
}

func TestVerifyRejectsSingleBitMutations(t *testing.T) {
	priv, pub := newTestKey(t)
	_, otherPub := newTestKey(t)
	digest := Digest([]byte("offer fields"))

	sig, err := Sign(digest[:], priv)
	require.NoError(t, err)

	for i := 0; i < len(digest)*8; i++ {
		mutated := digest
		mutated[i/8] ^= 1 << (i % 8)
		require.False(t, Verify(mutated[:], sig, pub), "digest bit %d", i)
	}

	for i := 0; i < len(sig)*8; i++ {
		mutated := append([]byte(nil), sig...)
		mutated[i/8] ^= 1 << (i % 8)
		require.False(t, Verify(digest[:], mutated, pub), "signature bit %d", i)
	}

	require.False(t, Verify(digest[:], sig, otherPub))
}

func TestSignRejectsRawMessage(t *testing.T) {
	priv, _ := newTestKey(t)

	_, err := Sign([]byte("not a digest"), priv)
	require.ErrorIs(t, err, ErrInvalidDigest)
}

func TestDeriveSigningKeypair(t *testing.T) {
	seed := make([]byte, SeedSize)
	for i := range seed {
		seed[i] = byte(i)
	}

	priv1, pub1, err := DeriveSigningKeypair(seed)
	require.NoError(t, err)
	priv2, pub2, err := DeriveSigningKeypair(seed)
	require.NoError(t, err)

	require.Equal(t, priv1, priv2)
	require.Equal(t, pub1, pub2)

	_, _, err = DeriveSigningKeypair(seed[:16])
	require.ErrorIs(t, err, ErrInvalidSeed)
}

func TestDeriveVoucherID(t *testing.T) {
	_, pub := newTestKey(t)
	_, issuer := newTestKey(t)

	id, err := DeriveVoucherID(pub, 1500, issuer, "Boulangerie")
	require.NoError(t, err)

	again, err := DeriveVoucherID(pub, 1500, issuer, "Boulangerie")
	require.NoError(t, err)
	require.Equal(t, id, again)

	parsed, err := ParseVoucherID(id.String())
	require.NoError(t, err)
	require.Equal(t, id, parsed)

	// every term changes the id
	for _, other := range []func() (VoucherID, error){
		func() (VoucherID, error) { return DeriveVoucherID(pub, 999999, issuer, "Boulangerie") },
		func() (VoucherID, error) { return DeriveVoucherID(pub, 1500, pub, "Boulangerie") },
		func() (VoucherID, error) { return DeriveVoucherID(pub, 1500, issuer, "Banque Centrale") },
		func() (VoucherID, error) { return DeriveVoucherID(issuer, 1500, issuer, "Boulangerie") },
	} {
		changed, err := other()
		require.NoError(t, err)
		require.NotEqual(t, id, changed)
	}

	_, err = DeriveVoucherID(pub[:31], 1500, issuer, "Boulangerie")
	require.ErrorIs(t, err, ErrInvalidPublicKey)

	_, err = DeriveVoucherID(pub, 1500, issuer[:16], "Boulangerie")
	require.ErrorIs(t, err, ErrInvalidPublicKey)

	_, err = ParseVoucherID("abcd")
	require.Error(t, err)
}
