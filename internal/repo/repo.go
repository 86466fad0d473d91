package repo

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

// ErrNotFound 统一包装 gorm 的记录不存在错误，上层不需要依赖 gorm。
var ErrNotFound = errors.New("record not found")

// Scope 是 gorm 风格的查询谓词，调用方组合 Where/Order/Preload 等构造查询。
type Scope func(*gorm.DB) *gorm.DB

// Repository 是服务层依赖的通用持久化能力接口。
type Repository interface {
	GetOne(ctx context.Context, dest any, scopes ...Scope) error
	GetMany(ctx context.Context, dest any, scopes ...Scope) error
	Create(ctx context.Context, value any) error
	Update(ctx context.Context, model any, fields map[string]any, scopes ...Scope) (int64, error)
	Delete(ctx context.Context, model any, scopes ...Scope) (int64, error)
	Exists(ctx context.Context, model any, scopes ...Scope) (bool, error)
	Transaction(ctx context.Context, fn func(tx Repository) error) error
}

func Where(query any, args ...any) Scope {
	return func(db *gorm.DB) *gorm.DB { return db.Where(query, args...) }
}

func Order(value any) Scope {
	return func(db *gorm.DB) *gorm.DB { return db.Order(value) }
}

func Limit(n int) Scope {
	return func(db *gorm.DB) *gorm.DB { return db.Limit(n) }
}

func Preload(query string, args ...any) Scope {
	return func(db *gorm.DB) *gorm.DB { return db.Preload(query, args...) }
}

func Select(columns ...string) Scope {
	return func(db *gorm.DB) *gorm.DB { return db.Select(columns) }
}

// Gorm 是 Repository 的 gorm 实现。
type Gorm struct {
	db *gorm.DB
}

func NewGorm(db *gorm.DB) *Gorm {
	return &Gorm{db: db}
}

func (r *Gorm) scoped(ctx context.Context, scopes []Scope) *gorm.DB {
	q := r.db.WithContext(ctx)
	for _, s := range scopes {
		q = s(q)
	}
	return q
}

func (r *Gorm) GetOne(ctx context.Context, dest any, scopes ...Scope) error {
	err := r.scoped(ctx, scopes).First(dest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func (r *Gorm) GetMany(ctx context.Context, dest any, scopes ...Scope) error {
	return r.scoped(ctx, scopes).Find(dest).Error
}

func (r *Gorm) Create(ctx context.Context, value any) error {
	return r.db.WithContext(ctx).Create(value).Error
}

func (r *Gorm) Update(ctx context.Context, model any, fields map[string]any, scopes ...Scope) (int64, error) {
	res := r.scoped(ctx, scopes).Model(model).Updates(fields)
	return res.RowsAffected, res.Error
}

func (r *Gorm) Delete(ctx context.Context, model any, scopes ...Scope) (int64, error) {
	res := r.scoped(ctx, scopes).Delete(model)
	return res.RowsAffected, res.Error
}

func (r *Gorm) Exists(ctx context.Context, model any, scopes ...Scope) (bool, error) {
	var count int64
	err := r.scoped(ctx, scopes).Model(model).Count(&count).Error
	return count > 0, err
}

func (r *Gorm) Transaction(ctx context.Context, fn func(tx Repository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewGorm(tx))
	})
}
