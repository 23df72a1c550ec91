package apikeys

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tryosschat/openchat-sub000/internal/streamjob"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type UserAPIKey struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	UserID    uint64    `gorm:"not null;uniqueIndex:uniq_user_provider_key,priority:1" json:"-"`
	Provider  string    `gorm:"type:varchar(32);not null;uniqueIndex:uniq_user_provider_key,priority:2" json:"provider"`
	Sealed    string    `gorm:"type:text;not null" json:"-"`
	Last4     string    `gorm:"type:varchar(4)" json:"last4"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (UserAPIKey) TableName() string { return "user_api_keys" }

// Resolver picks the key a job calls its provider with: the platform key
// for subsidized jobs, otherwise the user's own stored key.
type Resolver struct {
	db       *gorm.DB
	box      *Box
	platform map[string]string
	keyless  map[string]bool
}

// NewResolver takes platform keys by provider name. Providers listed in
// keyless run without any key.
func NewResolver(db *gorm.DB, box *Box, platform map[string]string, keyless ...string) *Resolver {
	r := &Resolver{db: db, box: box, platform: map[string]string{}, keyless: map[string]bool{}}
	for name, key := range platform {
		r.platform[normalize(name)] = key
	}
	for _, name := range keyless {
		r.keyless[normalize(name)] = true
	}
	return r
}

func normalize(name string) string { return strings.ToLower(strings.TrimSpace(name)) }

func (r *Resolver) ResolveKey(ctx context.Context, userID uint64, provider string, subsidized bool) (string, error) {
	p := normalize(provider)
	if r.keyless[p] {
		return "", nil
	}
	if subsidized {
		if key := r.platform[p]; key != "" {
			return key, nil
		}
		return "", streamjob.ErrNoCredential
	}

	var row UserAPIKey
	err := r.db.WithContext(ctx).Where("user_id = ? AND provider = ?", userID, p).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", streamjob.ErrNoCredential
	}
	if err != nil {
		return "", fmt.Errorf("load api key: %w", err)
	}
	key, err := r.box.Open(row.Sealed)
	if err != nil {
		return "", fmt.Errorf("open api key: %w", err)
	}
	return key, nil
}

// Save stores or replaces the user's key for provider.
func (r *Resolver) Save(ctx context.Context, userID uint64, provider, key string) (*UserAPIKey, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, errors.New("empty api key")
	}
	sealed, err := r.box.Seal(key)
	if err != nil {
		return nil, err
	}
	last4 := key
	if len(last4) > 4 {
		last4 = last4[len(last4)-4:]
	}
	row := &UserAPIKey{UserID: userID, Provider: normalize(provider), Sealed: sealed, Last4: last4}
	err = r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "provider"}},
		DoUpdates: clause.AssignmentColumns([]string{"sealed", "last4", "updated_at"}),
	}).Create(row).Error
	if err != nil {
		return nil, err
	}
	return row, nil
}

func (r *Resolver) List(ctx context.Context, userID uint64) ([]UserAPIKey, error) {
	var rows []UserAPIKey
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("provider").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *Resolver) Delete(ctx context.Context, userID uint64, provider string) error {
	return r.db.WithContext(ctx).
		Where("user_id = ? AND provider = ?", userID, normalize(provider)).
		Delete(&UserAPIKey{}).Error
}
