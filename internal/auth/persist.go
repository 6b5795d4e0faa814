package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

const (
	keyApprovedTokens  = "approved_tokens"
	keyPendingRequests = "pending_requests"
	backupFileName     = "auth_tokens_backup.json"
)

// kvRecord is one row of the small-record keyed store.
type kvRecord struct {
	Key   string `gorm:"primaryKey;column:key"`
	Value string `gorm:"column:value"`
}

func (kvRecord) TableName() string { return "kv_records" }

// SQLitePersister backs the token store with a sqlite keyed store as the
// primary and a flat JSON file as a defensive backup for approved tokens.
type SQLitePersister struct {
	db         *gorm.DB
	backupPath string
}

// OpenSQLite opens (creating if needed) the keyed store under dataDir.
func OpenSQLite(dataDir string) (*SQLitePersister, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("auth data dir: %w", err)
	}
	db, err := gorm.Open(sqlite.Open(filepath.Join(dataDir, "authstore.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open auth store: %w", err)
	}
	if err := db.AutoMigrate(&kvRecord{}); err != nil {
		return nil, fmt.Errorf("migrate auth store: %w", err)
	}
	return &SQLitePersister{
		db:         db,
		backupPath: filepath.Join(dataDir, backupFileName),
	}, nil
}

// SaveApproved writes the caller->token map to the primary key and mirrors it
// to the backup file.
func (p *SQLitePersister) SaveApproved(approved map[string]string) error {
	b, err := json.Marshal(approved)
	if err != nil {
		return err
	}
	if err := p.put(keyApprovedTokens, string(b)); err != nil {
		return err
	}
	// Mirror to the flat backup; a failed mirror is still an error worth
	// logging but the primary already holds the data.
	return os.WriteFile(p.backupPath, b, 0o600)
}

// SavePending writes the pending caller set. Loss of pending is acceptable,
// so there is no backup mirror.
func (p *SQLitePersister) SavePending(pending []string) error {
	b, err := json.Marshal(pending)
	if err != nil {
		return err
	}
	return p.put(keyPendingRequests, string(b))
}

// Load reads approved tokens from the primary, falling back to the backup
// file when the primary is empty or unparsable. Pending comes from the
// primary only.
func (p *SQLitePersister) Load() (map[string]string, []string, error) {
	approved := map[string]string{}
	if raw, ok := p.get(keyApprovedTokens); ok {
		if err := json.Unmarshal([]byte(raw), &approved); err != nil {
			approved = map[string]string{}
		}
	}
	if len(approved) == 0 {
		if b, err := os.ReadFile(p.backupPath); err == nil {
			_ = json.Unmarshal(b, &approved)
		}
	}
	var pending []string
	if raw, ok := p.get(keyPendingRequests); ok {
		_ = json.Unmarshal([]byte(raw), &pending)
	}
	return approved, pending, nil
}

// Close closes the underlying database handle.
func (p *SQLitePersister) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (p *SQLitePersister) put(key, value string) error {
	rec := kvRecord{Key: key, Value: value}
	return p.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error
}

func (p *SQLitePersister) get(key string) (string, bool) {
	var rec kvRecord
	if err := p.db.First(&rec, "key = ?", key).Error; err != nil {
		return "", false
	}
	return rec.Value, true
}
