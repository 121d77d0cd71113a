package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// GormRepository persists records in PostgreSQL through gorm
type GormRepository struct {
	db *gorm.DB
}

// OpenPostgres connects to PostgreSQL and migrates the schema
func OpenPostgres(dsn string, debug bool) (*GormRepository, error) {
	level := gormlogger.Warn
	if debug {
		level = gormlogger.Info
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(level),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to database")
	}

	repo := NewGormRepository(db)
	if err := repo.Migrate(); err != nil {
		return nil, err
	}
	return repo, nil
}

// NewGormRepository wraps an open gorm handle
func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

// Migrate creates or updates the schema of every record type
func (r *GormRepository) Migrate() error {
	return errors.Wrap(r.db.AutoMigrate(&Bot{}, &Command{}, &PluginSource{}, &ScheduledMessage{}), "failed to auto migrate")
}

// Close releases the underlying connection pool
func (r *GormRepository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (r *GormRepository) FindBot(ctx context.Context, id int64) (*Bot, error) {
	var bot Bot
	if err := r.db.WithContext(ctx).First(&bot, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, botNotFound(id)
		}
		return nil, errors.Wrapf(err, "find bot %d", id)
	}
	return &bot, nil
}

func (r *GormRepository) SaveBot(ctx context.Context, bot *Bot) error {
	return errors.Wrapf(r.db.WithContext(ctx).Save(bot).Error, "save bot %d", bot.ID)
}

func (r *GormRepository) ListBots(ctx context.Context) ([]Bot, error) {
	var bots []Bot
	if err := r.db.WithContext(ctx).Order("id").Find(&bots).Error; err != nil {
		return nil, errors.Wrap(err, "list bots")
	}
	return bots, nil
}

func (r *GormRepository) FindCommands(ctx context.Context, botID int64) ([]Command, error) {
	var cmds []Command
	err := r.db.WithContext(ctx).
		Where("bot_id = ?", botID).
		Order("id").
		Find(&cmds).Error
	if err != nil {
		return nil, errors.Wrapf(err, "find commands of bot %d", botID)
	}
	return cmds, nil
}

func (r *GormRepository) SaveCommand(ctx context.Context, cmd *Command) error {
	return errors.Wrapf(r.db.WithContext(ctx).Save(cmd).Error, "save command %q", cmd.Name)
}

func (r *GormRepository) FindPluginSource(ctx context.Context, name string) (*PluginSource, error) {
	var src PluginSource
	if err := r.db.WithContext(ctx).Where("name = ?", name).First(&src).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pluginNotFound(name)
		}
		return nil, errors.Wrapf(err, "find plugin %q", name)
	}
	return &src, nil
}

func (r *GormRepository) SavePluginSource(ctx context.Context, src *PluginSource) error {
	return errors.Wrapf(r.db.WithContext(ctx).Save(src).Error, "save plugin %q", src.Name)
}

func (r *GormRepository) ListPluginSources(ctx context.Context) ([]PluginSource, error) {
	var out []PluginSource
	if err := r.db.WithContext(ctx).Order("name").Find(&out).Error; err != nil {
		return nil, errors.Wrap(err, "list plugins")
	}
	return out, nil
}

func (r *GormRepository) FindDueScheduledMessages(ctx context.Context, now time.Time) ([]ScheduledMessage, error) {
	var out []ScheduledMessage
	err := r.db.WithContext(ctx).
		Where("sent = ? AND status = ? AND scheduled_at <= ?", false, MessagePending, now).
		Order("scheduled_at, id").
		Find(&out).Error
	if err != nil {
		return nil, errors.Wrap(err, "find due scheduled messages")
	}
	return out, nil
}

func (r *GormRepository) FindScheduledMessage(ctx context.Context, id int64) (*ScheduledMessage, error) {
	var msg ScheduledMessage
	if err := r.db.WithContext(ctx).First(&msg, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, messageNotFound(id)
		}
		return nil, errors.Wrapf(err, "find scheduled message %d", id)
	}
	return &msg, nil
}

func (r *GormRepository) SaveScheduledMessage(ctx context.Context, msg *ScheduledMessage) error {
	return errors.Wrapf(r.db.WithContext(ctx).Save(msg).Error, "save scheduled message %d", msg.ID)
}

func (r *GormRepository) UpdateScheduledMessageIf(ctx context.Context, msg *ScheduledMessage, expect MessageStatus) (bool, error) {
	msg.UpdatedAt = time.Now()
	res := r.db.WithContext(ctx).
		Model(&ScheduledMessage{}).
		Where("id = ? AND status = ?", msg.ID, expect).
		Updates(map[string]interface{}{
			"scheduled_at":  msg.ScheduledAt,
			"sent":          msg.Sent,
			"status":        msg.Status,
			"failure_count": msg.FailureCount,
			"last_error":    msg.LastError,
			"last_sent_at":  msg.LastSentAt,
			"retry_at":      msg.RetryAt,
			"updated_at":    msg.UpdatedAt,
		})
	if res.Error != nil {
		return false, errors.Wrapf(res.Error, "update scheduled message %d", msg.ID)
	}
	return res.RowsAffected == 1, nil
}

func (r *GormRepository) ListScheduledMessages(ctx context.Context, botID int64) ([]ScheduledMessage, error) {
	var out []ScheduledMessage
	err := r.db.WithContext(ctx).
		Where("bot_id = ?", botID).
		Order("scheduled_at, id").
		Find(&out).Error
	if err != nil {
		return nil, errors.Wrapf(err, "list scheduled messages of bot %d", botID)
	}
	return out, nil
}
