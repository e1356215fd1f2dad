package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"shelfscan/pkg/domain"
)

const migrateLockID int64 = 52415241

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations under an advisory lock
// so concurrent replicas do not race on schema changes.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&UserModel{}, &ScanModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(`
			DO $$
			BEGIN
				DELETE FROM scan_models s
				WHERE NOT EXISTS (SELECT 1 FROM user_models u WHERE u.id = s.user_id);
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'scan_models'
					AND constraint_name = 'scan_models_user_id_fkey'
				) THEN
					ALTER TABLE scan_models
					ADD CONSTRAINT scan_models_user_id_fkey
					FOREIGN KEY (user_id) REFERENCES user_models(id);
				END IF;
			END $$;
		`).Error; err != nil {
			return fmt.Errorf("ensure scan foreign key: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// CreateUser inserts a new user; the unique index on username rejects
// duplicates at commit time.
func (s *GormStore) CreateUser(u domain.User) (domain.User, error) {
	model := userToModel(u)
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	if err := s.db.Create(&model).Error; err != nil {
		return domain.User{}, err
	}
	return userFromModel(model), nil
}

// HasUsername checks if a username is already registered.
func (s *GormStore) HasUsername(username string) (bool, error) {
	var count int64
	if err := s.db.Model(&UserModel{}).Where("username = ?", username).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetUserByUsername looks up a user by username.
func (s *GormStore) GetUserByUsername(username string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.Where("username = ?", username).First(&model).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(id uint) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// SaveScan persists a completed scan and returns it with its assigned id.
func (s *GormStore) SaveScan(scan domain.Scan) (domain.Scan, error) {
	model, err := scanToModel(scan)
	if err != nil {
		return domain.Scan{}, err
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	if err := s.db.Create(&model).Error; err != nil {
		return domain.Scan{}, err
	}
	return scanFromModel(model)
}

// ListScansByUser returns the user's scans, newest first.
func (s *GormStore) ListScansByUser(userID uint) ([]domain.Scan, error) {
	var models []ScanModel
	if err := s.db.Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	scans := make([]domain.Scan, 0, len(models))
	for _, model := range models {
		scan, err := scanFromModel(model)
		if err != nil {
			return nil, err
		}
		scans = append(scans, scan)
	}
	return scans, nil
}

// DeleteScans removes the given ids owned by userID. Ids that do not exist or
// belong to another user are skipped without error.
func (s *GormStore) DeleteScans(userID uint, ids []uint) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := s.db.Where("user_id = ? AND id IN ?", userID, ids).Delete(&ScanModel{})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:           u.ID,
		Username:     u.Username,
		PasswordHash: u.PasswordHash,
		CreatedAt:    u.CreatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:           m.ID,
		Username:     m.Username,
		PasswordHash: m.PasswordHash,
		CreatedAt:    m.CreatedAt,
	}
}

func scanToModel(s domain.Scan) (ScanModel, error) {
	paths, err := json.Marshal(s.ImagePaths)
	if err != nil {
		return ScanModel{}, fmt.Errorf("marshal image paths: %w", err)
	}
	records, err := json.Marshal(s.Records)
	if err != nil {
		return ScanModel{}, fmt.Errorf("marshal records: %w", err)
	}
	return ScanModel{
		ID:         s.ID,
		UserID:     s.UserID,
		CreatedAt:  s.CreatedAt,
		ImagePaths: datatypes.JSON(paths),
		Records:    datatypes.JSON(records),
	}, nil
}

func scanFromModel(m ScanModel) (domain.Scan, error) {
	scan := domain.Scan{
		ID:        m.ID,
		UserID:    m.UserID,
		CreatedAt: m.CreatedAt,
	}
	if len(m.ImagePaths) > 0 {
		if err := json.Unmarshal(m.ImagePaths, &scan.ImagePaths); err != nil {
			return domain.Scan{}, fmt.Errorf("unmarshal image paths: %w", err)
		}
	}
	if len(m.Records) > 0 {
		if err := json.Unmarshal(m.Records, &scan.Records); err != nil {
			return domain.Scan{}, fmt.Errorf("unmarshal records: %w", err)
		}
	}
	return scan, nil
}
