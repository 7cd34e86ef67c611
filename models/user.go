package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mmdatafocus/recoveries_backend/config"
	"github.com/mmdatafocus/recoveries_backend/utils"
	"gorm.io/gorm"
)

// User is a row of the identity directory.
type User struct {
	ID          int    `gorm:"column:id;primaryKey" json:"id"`
	Email       string `gorm:"column:email;size:191;not null;uniqueIndex" json:"email"`
	DisplayName string `gorm:"column:displayName;size:191" json:"displayName"`
	FirstName   string `gorm:"column:firstName;size:100" json:"firstName"`
	LastName    string `gorm:"column:lastName;size:100" json:"lastName"`
	Branch      string `gorm:"column:branch;size:100" json:"branch"`
	Department  string `gorm:"column:department;size:100" json:"department"`
	// comma separated
	Roles    string `gorm:"column:roles;size:255" json:"roles"`
	IsActive *bool  `gorm:"column:isActive;not null;default:true" json:"isActive"`
}

func (User) TableName() string { return "Users" }

type NewUser struct {
	Email       string   `json:"email" validate:"required,email"`
	DisplayName string   `json:"displayName"`
	FirstName   string   `json:"firstName"`
	LastName    string   `json:"lastName"`
	Branch      string   `json:"branch"`
	Department  string   `json:"department"`
	Roles       []string `json:"roles" validate:"required,min=1"`
	IsActive    *bool    `json:"isActive"`
}

// Actor is the resolved identity a manager operation runs as.
type Actor struct {
	Email       string   `json:"email"`
	DisplayName string   `json:"displayName"`
	Roles       []string `json:"roles"`
	Branch      string   `json:"branch"`
	Department  string   `json:"department"`
	FirstName   string   `json:"firstName"`
	LastName    string   `json:"lastName"`
}

// HasRole reports whether the actor holds any of roles.
func (a Actor) HasRole(roles ...string) bool {
	for _, held := range a.Roles {
		for _, r := range roles {
			if held == r {
				return true
			}
		}
	}
	return false
}

// AuditName is the name written to audit entries.
func (a Actor) AuditName() string {
	if a.DisplayName != "" {
		return a.DisplayName
	}
	return a.Email
}

func (u User) Actor() Actor {
	var roles []string
	for _, r := range strings.Split(u.Roles, ",") {
		if r = strings.TrimSpace(r); r != "" {
			roles = append(roles, r)
		}
	}
	return Actor{
		Email:       u.Email,
		DisplayName: u.DisplayName,
		Roles:       roles,
		Branch:      u.Branch,
		Department:  u.Department,
		FirstName:   u.FirstName,
		LastName:    u.LastName,
	}
}

// IdentityProvider resolves a login email to the actor it stands for.
type IdentityProvider interface {
	GetByEmail(ctx context.Context, email string) (*Actor, error)
}

// UserDirectory is the IdentityProvider backed by the Users table.
type UserDirectory struct {
	db *gorm.DB
}

func NewUserDirectory(db *gorm.DB) *UserDirectory {
	return &UserDirectory{db: db}
}

// GetByEmail fails with ErrorUnauthorized for unknown or inactive users.
func (d *UserDirectory) GetByEmail(ctx context.Context, email string) (*Actor, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, utils.ErrorUnauthorized
	}
	var users []User
	if err := d.db.WithContext(ctx).Where("LOWER(email) = ?", strings.ToLower(email)).Find(&users).Error; err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, utils.ErrorUnauthorized
	}
	u := users[0]
	if u.IsActive != nil && !*u.IsActive {
		return nil, utils.ErrorUnauthorized
	}
	actor := u.Actor()
	return &actor, nil
}

// Upsert creates or overwrites the directory entry for input.Email.
func (d *UserDirectory) Upsert(ctx context.Context, input *NewUser) (*User, error) {
	if err := utils.ValidateStruct(input); err != nil {
		return nil, err
	}
	isActive := input.IsActive
	if isActive == nil {
		isActive = utils.NewTrue()
	}
	user := User{
		Email:       strings.TrimSpace(input.Email),
		DisplayName: input.DisplayName,
		FirstName:   input.FirstName,
		LastName:    input.LastName,
		Branch:      input.Branch,
		Department:  input.Department,
		Roles:       strings.Join(input.Roles, ","),
		IsActive:    isActive,
	}
	if user.DisplayName == "" {
		user.DisplayName = user.Email
	}

	db := d.db.WithContext(ctx)
	var existing []User
	if err := db.Where("LOWER(email) = ?", strings.ToLower(user.Email)).Find(&existing).Error; err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		user.ID = existing[0].ID
	}
	if err := db.Save(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

// CachedIdentityProvider memoises lookups in redis. Only read paths use it;
// mutating operations resolve through the directory every time.
type CachedIdentityProvider struct {
	next  IdentityProvider
	cache *config.RedisStore
	ttl   time.Duration
}

func NewCachedIdentityProvider(next IdentityProvider, cache *config.RedisStore, ttl time.Duration) *CachedIdentityProvider {
	return &CachedIdentityProvider{next: next, cache: cache, ttl: ttl}
}

func actorCacheKey(email string) string {
	return "Actor:" + strings.ToLower(strings.TrimSpace(email))
}

func (p *CachedIdentityProvider) GetByEmail(ctx context.Context, email string) (*Actor, error) {
	var cached Actor
	found, err := p.cache.GetObject(ctx, actorCacheKey(email), &cached)
	if err != nil {
		config.LogError(config.GetLogger(), "CachedIdentityProvider", "GetByEmail", "reading cache", email, err)
	}
	if found {
		return &cached, nil
	}
	actor, err := p.next.GetByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if err := p.cache.SetObject(ctx, actorCacheKey(email), actor, p.ttl); err != nil {
		config.LogError(config.GetLogger(), "CachedIdentityProvider", "GetByEmail", "writing cache", email, err)
	}
	return actor, nil
}

// Forget drops a cached actor, e.g. after a role change.
func (p *CachedIdentityProvider) Forget(ctx context.Context, email string) error {
	return p.cache.RemoveKey(ctx, actorCacheKey(email))
}

// resolveActor re-reads the requester from the identity provider.
func resolveActor(ctx context.Context, identity IdentityProvider, requester Actor) (*Actor, error) {
	if identity == nil {
		return nil, errors.New("identity provider is not configured")
	}
	actor, err := identity.GetByEmail(ctx, requester.Email)
	if err != nil {
		if errors.Is(err, utils.ErrorUnauthorized) {
			return nil, err
		}
		return nil, fmt.Errorf("resolving %s: %w", requester.Email, err)
	}
	return actor, nil
}
