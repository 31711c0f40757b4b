package voucher

import (
	"encoding/json"

	"github.com/iotaledger/hive.go/kvstore"
	"github.com/iotaledger/hive.go/serializer/v2/marshalutil"
	"github.com/pkg/errors"

	"github.com/troczen/wallet/v2/internal/crypto"
)

var (
	ErrNotFound       = errors.New("voucher not found")
	ErrInvalidVoucher = errors.New("invalid voucher")
)

const (
	// Storage key prefixes
	StorePrefixVoucher    byte = 0
	StorePrefixAdminShare byte = 1
)

// Store is the persistent voucher store. Save must replace the whole record
// in one write so a transition is never observable half applied.
type Store interface {
	Get(id crypto.VoucherID) (*Voucher, error)
	Save(v *Voucher) error
	ListByStatus(status Status) ([]*Voucher, error)
}

// StorageManager persists vouchers in a kvstore realm
type StorageManager struct {
	store kvstore.KVStore
}

var _ Store = (*StorageManager)(nil)

// NewStorageManager creates a new storage manager
func NewStorageManager(store kvstore.KVStore) (*StorageManager, error) {
	walletStore, err := store.WithRealm([]byte{0xFF}) // wallet realm
	if err != nil {
		return nil, errors.Wrap(err, "failed to open wallet realm")
	}

	return &StorageManager{
		store: walletStore,
	}, nil
}

// Get retrieves a voucher
func (sm *StorageManager) Get(id crypto.VoucherID) (*Voucher, error) {
	value, err := sm.store.Get(sm.voucherKey(id))
	if err != nil {
		if errors.Is(err, kvstore.ErrKeyNotFound) {
			return nil, errors.Wrapf(ErrNotFound, "voucher %s", id)
		}
		return nil, errors.Wrapf(err, "failed to load voucher %s", id)
	}

	return sm.deserializeVoucher(value)
}

// Save stores the complete voucher record with a single Set.
func (sm *StorageManager) Save(v *Voucher) error {
	if !v.NeedsReview() {
		if err := v.Validate(); err != nil {
			return err
		}
	}

	value, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "failed to serialize voucher %s", v.ID)
	}

	if err := sm.store.Set(sm.voucherKey(v.ID), value); err != nil {
		return errors.Wrapf(err, "failed to store voucher %s", v.ID)
	}

	return nil
}

// Has reports whether a voucher is stored.
func (sm *StorageManager) Has(id crypto.VoucherID) (bool, error) {
	return sm.store.Has(sm.voucherKey(id))
}

// List lists all stored vouchers
func (sm *StorageManager) List() ([]*Voucher, error) {
	return sm.list(func(*Voucher) bool { return true })
}

// ListByStatus lists the vouchers with the given stored status. The derived
// StatusExpired matches active vouchers past their expiry.
func (sm *StorageManager) ListByStatus(status Status) ([]*Voucher, error) {
	if status == StatusExpired {
		now := timeNow()
		return sm.list(func(v *Voucher) bool { return v.EffectiveStatus(now) == StatusExpired })
	}

	return sm.list(func(v *Voucher) bool { return v.Status == status })
}

// ListFlagged lists vouchers awaiting manual review.
func (sm *StorageManager) ListFlagged() ([]*Voucher, error) {
	return sm.list(func(v *Voucher) bool { return v.NeedsReview() })
}

func (sm *StorageManager) list(match func(*Voucher) bool) ([]*Voucher, error) {
	var (
		vouchers []*Voucher
		innerErr error
	)

	prefix := []byte{StorePrefixVoucher}
	if err := sm.store.Iterate(prefix, func(key kvstore.Key, value kvstore.Value) bool {
		v, err := sm.deserializeVoucher(value)
		if err != nil {
			innerErr = err
			return false
		}
		if match(v) {
			vouchers = append(vouchers, v)
		}
		return true
	}); err != nil {
		return nil, errors.Wrap(err, "failed to iterate vouchers")
	}
	if innerErr != nil {
		return nil, innerErr
	}

	return vouchers, nil
}

// StoreAdminShare keeps the administrative share of an issued voucher. It is
// never transmitted.
func (sm *StorageManager) StoreAdminShare(id crypto.VoucherID, share []byte) error {
	if len(share) != crypto.ShareSize {
		return errors.Wrapf(crypto.ErrInvalidShare, "admin share for %s", id)
	}

	return errors.Wrapf(sm.store.Set(sm.adminShareKey(id), share), "failed to store admin share %s", id)
}

// AdminShare retrieves the administrative share of a voucher.
func (sm *StorageManager) AdminShare(id crypto.VoucherID) ([]byte, error) {
	value, err := sm.store.Get(sm.adminShareKey(id))
	if err != nil {
		if errors.Is(err, kvstore.ErrKeyNotFound) {
			return nil, errors.Wrapf(ErrNotFound, "admin share %s", id)
		}
		return nil, errors.Wrapf(err, "failed to load admin share %s", id)
	}

	return append([]byte(nil), value...), nil
}

// Flush persists pending writes of the underlying store.
func (sm *StorageManager) Flush() error {
	return sm.store.Flush()
}

// Helper methods

func (sm *StorageManager) voucherKey(id crypto.VoucherID) []byte {
	ms := marshalutil.New(1 + crypto.VoucherIDSize)
	ms.WriteByte(StorePrefixVoucher)
	ms.WriteBytes(id[:])
	return ms.Bytes()
}

func (sm *StorageManager) adminShareKey(id crypto.VoucherID) []byte {
	ms := marshalutil.New(1 + crypto.VoucherIDSize)
	ms.WriteByte(StorePrefixAdminShare)
	ms.WriteBytes(id[:])
	return ms.Bytes()
}

func (sm *StorageManager) deserializeVoucher(data []byte) (*Voucher, error) {
	var v Voucher
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, errors.Wrap(err, "failed to deserialize voucher")
	}
	return &v, nil
}
