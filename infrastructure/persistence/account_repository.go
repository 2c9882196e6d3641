package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"crosspost/domain/model"
	"crosspost/domain/repository"
	"crosspost/infrastructure/configuration"

	"github.com/google/uuid"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// NewAccountDB opens the gorm connection for the account store using the
// configured dialect.
func NewAccountDB(cfg configuration.Database) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.AccountDialect {
	case "mysql":
		m := cfg.MySql
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC", m.User, m.Password, m.Host, m.Port, m.Name)
		dialector = mysql.Open(dsn)
	case "postgres", "":
		dialector = postgres.Open(PostgresDSN(cfg.Psql))
	default:
		return nil, fmt.Errorf("unsupported account dialect %q", cfg.AccountDialect)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&model.Account{}); err != nil {
		return nil, fmt.Errorf("migrate accounts: %w", err)
	}
	return db, nil
}

// AccountRepository stores linked accounts through gorm.
type AccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) *AccountRepository { return &AccountRepository{db: db} }

// Upsert keys on (destination, external_user_id). Re-linking an account
// refreshes its display name and status but keeps its id and owner.
func (r *AccountRepository) Upsert(ctx context.Context, a *model.Account) error {
	now := time.Now().UTC()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.CreatedAt, a.UpdatedAt = now, now
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "destination"}, {Name: "external_user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"display_name", "status", "updated_at"}),
	}).Create(a).Error
	if err != nil {
		return err
	}
	var stored model.Account
	if err := r.db.WithContext(ctx).
		Where("destination = ? AND external_user_id = ?", a.Destination, a.ExternalUserID).
		First(&stored).Error; err != nil {
		return err
	}
	*a = stored
	return nil
}

func (r *AccountRepository) Get(ctx context.Context, id string) (*model.Account, error) {
	var a model.Account
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&a).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

func (r *AccountRepository) ListByOwner(ctx context.Context, ownerID string) ([]*model.Account, error) {
	var list []*model.Account
	if err := r.db.WithContext(ctx).Where("owner_id = ?", ownerID).Order("created_at ASC").Find(&list).Error; err != nil {
		return nil, err
	}
	return list, nil
}

func (r *AccountRepository) UpdateStatus(ctx context.Context, id string, status model.AccountStatus) error {
	res := r.db.WithContext(ctx).Model(&model.Account{}).Where("id = ?", id).
		Updates(map[string]interface{}{"status": status, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return repository.ErrNotFound
	}
	return nil
}

var _ repository.IAccount = (*AccountRepository)(nil)
