package voucher

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/troczen/wallet/v2/internal/crypto"
)

// Rarity is a cosmetic tier derived from the voucher identity and its
// provenance depth.
type Rarity string

const (
	RarityCommon    Rarity = "common"
	RarityUncommon  Rarity = "uncommon"
	RarityRare      Rarity = "rare"
	RarityLegendary Rarity = "legendary"
)

// rarityTable lists tiers from rarest to most common with their base odds
// per ten thousand.
var rarityTable = []struct {
	tier Rarity
	odds uint32
}{
	{RarityLegendary, 10},
	{RarityRare, 200},
	{RarityUncommon, 1500},
}

// maxTransferBonus caps how much provenance depth improves the odds.
const maxTransferBonus = 10

// RarityOf derives the tier for a voucher id at a given transfer count. Each
// transfer adds 10% to the base odds, up to doubling them.
func RarityOf(id crypto.VoucherID, transferCount uint32) Rarity {
	var count [4]byte
	binary.BigEndian.PutUint32(count[:], transferCount)

	sum := sha256.Sum256(append(id[:], count[:]...))
	roll := binary.BigEndian.Uint32(sum[:4]) % 10000

	bonus := transferCount
	if bonus > maxTransferBonus {
		bonus = maxTransferBonus
	}

	var cumulative uint32
	for _, entry := range rarityTable {
		cumulative += entry.odds * (maxTransferBonus + bonus) / maxTransferBonus
		if roll < cumulative {
			return entry.tier
		}
	}

	return RarityCommon
}
