package repositories

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/brwyatt/dffmpeg/internal/auth"
	"github.com/brwyatt/dffmpeg/internal/crypto"
	"github.com/brwyatt/dffmpeg/internal/db"
)

// LocalAdminID is the client id of the loopback-scoped administrative
// identity ensured at startup.
const LocalAdminID = "localadmin"

// defaultCIDRs is the open scope an identity gets when none is supplied.
var defaultCIDRs = db.StringList{"0.0.0.0/0", "::/0"}

// localAdminCIDRs restricts localadmin to loopback callers.
var localAdminCIDRs = db.StringList{"127.0.0.0/8", "::1/128"}

// gormIdentityRepository is the GORM implementation of IdentityRepository.
// All key wrap and unwrap happens here; the rest of the program only ever
// sees raw secrets when it asked for them.
type gormIdentityRepository struct {
	db   *gorm.DB
	keys *crypto.Manager
}

// NewIdentityRepository returns an IdentityRepository backed by the
// provided *gorm.DB, wrapping keys with the given ring.
func NewIdentityRepository(database *gorm.DB, keys *crypto.Manager) IdentityRepository {
	return &gormIdentityRepository{db: database, keys: keys}
}

func (r *gormIdentityRepository) unwrap(identity *db.Identity) error {
	keyID := ""
	if identity.KeyID != nil {
		keyID = *identity.KeyID
	}
	plain, err := r.keys.Decrypt(identity.HMACKey, keyID)
	if err != nil {
		return err
	}
	identity.HMACKey = plain
	return nil
}

// Get retrieves an identity by client id. Returns ErrNotFound if no record
// exists.
func (r *gormIdentityRepository) Get(ctx context.Context, clientID string, includeKey bool) (*db.Identity, error) {
	var identity db.Identity
	err := r.db.WithContext(ctx).First(&identity, "client_id = ?", clientID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("identities: get: %w", err)
	}

	if includeKey {
		if err := r.unwrap(&identity); err != nil {
			return nil, fmt.Errorf("identities: get %s: %w", clientID, err)
		}
	} else {
		identity.HMACKey = ""
	}
	return &identity, nil
}

// Upsert inserts or replaces an identity, wrapping the raw key under the
// active ring key.
func (r *gormIdentityRepository) Upsert(ctx context.Context, identity *db.Identity) error {
	if identity.HMACKey == "" {
		return fmt.Errorf("identities: upsert %s: hmac key is required", identity.ClientID)
	}

	row := *identity
	if row.AllowedCIDRs == nil {
		row.AllowedCIDRs = defaultCIDRs
	}
	if row.Role == "" {
		row.Role = db.RoleClient
	}

	wrapped, keyID, err := r.keys.EncryptActive(row.HMACKey)
	if err != nil {
		return fmt.Errorf("identities: upsert %s: %w", identity.ClientID, err)
	}
	row.HMACKey = wrapped
	if keyID == "" {
		row.KeyID = nil
	} else {
		row.KeyID = &keyID
	}

	err = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "client_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"role", "hmac_key", "key_id", "allowed_cidrs", "updated_at"}),
		}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("identities: upsert %s: %w", identity.ClientID, err)
	}
	return nil
}

// Delete removes an identity. Returns ErrNotFound if no record exists.
func (r *gormIdentityRepository) Delete(ctx context.Context, clientID string) error {
	result := r.db.WithContext(ctx).Delete(&db.Identity{}, "client_id = ?", clientID)
	if result.Error != nil {
		return fmt.Errorf("identities: delete %s: %w", clientID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns all identities ordered by client id.
func (r *gormIdentityRepository) List(ctx context.Context, includeKey bool) ([]db.Identity, error) {
	var identities []db.Identity
	if err := r.db.WithContext(ctx).Order("client_id ASC").Find(&identities).Error; err != nil {
		return nil, fmt.Errorf("identities: list: %w", err)
	}

	for i := range identities {
		if includeKey {
			if err := r.unwrap(&identities[i]); err != nil {
				return nil, fmt.Errorf("identities: list %s: %w", identities[i].ClientID, err)
			}
		} else {
			identities[i].HMACKey = ""
		}
	}
	return identities, nil
}

// Rewrap re-encrypts the stored key under keyID without changing the
// secret. An empty keyID strips the wrap, leaving the key in plaintext for
// ring retirement.
func (r *gormIdentityRepository) Rewrap(ctx context.Context, clientID, keyID string) error {
	identity, err := r.Get(ctx, clientID, true)
	if err != nil {
		return err
	}

	var stored string
	var storedKeyID *string
	if keyID == "" {
		stored = identity.HMACKey
	} else {
		stored, err = r.keys.Encrypt(identity.HMACKey, keyID)
		if err != nil {
			return fmt.Errorf("identities: rewrap %s: %w", clientID, err)
		}
		storedKeyID = &keyID
	}

	err = r.db.WithContext(ctx).
		Model(&db.Identity{}).
		Where("client_id = ?", clientID).
		Updates(map[string]interface{}{
			"hmac_key": stored,
			"key_id":   storedKeyID,
		}).Error
	if err != nil {
		return fmt.Errorf("identities: rewrap %s: %w", clientID, err)
	}
	return nil
}

// ListNotUsingKey returns up to limit client ids not wrapped under keyID,
// ordered by client id so successive rotation batches are deterministic.
func (r *gormIdentityRepository) ListNotUsingKey(ctx context.Context, keyID string, limit int) ([]string, error) {
	query := r.db.WithContext(ctx).
		Model(&db.Identity{}).
		Order("client_id ASC").
		Limit(limit)

	if keyID == "" {
		// Target is unwrapped storage: any wrapped row qualifies.
		query = query.Where("key_id IS NOT NULL AND key_id != ''")
	} else {
		query = query.Where("key_id != ? OR key_id IS NULL", keyID)
	}

	var clientIDs []string
	if err := query.Pluck("client_id", &clientIDs).Error; err != nil {
		return nil, fmt.Errorf("identities: list not using key: %w", err)
	}
	return clientIDs, nil
}

// EnsureLocalAdmin creates the localadmin identity if absent. The key is
// generated fresh and returned only from the creating call; it is never
// readable again except through an explicit admin key request.
func (r *gormIdentityRepository) EnsureLocalAdmin(ctx context.Context) (string, bool, error) {
	_, err := r.Get(ctx, LocalAdminID, false)
	if err == nil {
		return "", false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return "", false, err
	}

	key, err := auth.GenerateKey()
	if err != nil {
		return "", false, fmt.Errorf("identities: ensure localadmin: %w", err)
	}

	identity := &db.Identity{
		ClientID:     LocalAdminID,
		Role:         db.RoleAdmin,
		HMACKey:      key,
		AllowedCIDRs: localAdminCIDRs,
	}
	if err := r.Upsert(ctx, identity); err != nil {
		return "", false, err
	}
	return key, true, nil
}
