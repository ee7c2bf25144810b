package store

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"partyquiz/internal/game"
)

// QuestionRecord is a question assigned to a session, ordered by Position.
type QuestionRecord struct {
	ID           uint     `gorm:"primaryKey"`
	QuestionID   string   `gorm:"index;not null"`
	SessionCode  string   `gorm:"index;not null"`
	Position     int      `gorm:"not null"`
	Text         string   `gorm:"not null"`
	Difficulty   string   `gorm:"not null"`
	Options      []string `gorm:"serializer:json"`
	CorrectIndex int
	CorrectText  string
}

type ScoreRecord struct {
	ID          uint   `gorm:"primaryKey"`
	SessionCode string `gorm:"uniqueIndex:idx_session_player;not null"`
	PlayerID    string `gorm:"uniqueIndex:idx_session_player;not null"`
	Score       int    `gorm:"not null;default:0"`
	UpdatedAt   time.Time
}

type SessionArchive struct {
	ID             uint           `gorm:"primaryKey"`
	SessionCode    string         `gorm:"index;not null"`
	Phase          string         `gorm:"not null"`
	Scores         map[string]int `gorm:"serializer:json"`
	QuestionsAsked int
	EndedAt        time.Time
	CreatedAt      time.Time
}

type Postgres struct {
	db  *gorm.DB
	log *zap.Logger
}

// Open connects and migrates the schema.
func Open(dsn string, log *zap.Logger) (*Postgres, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.AutoMigrate(&QuestionRecord{}, &ScoreRecord{}, &SessionArchive{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Info("database connected")
	return &Postgres{db: db, log: log}, nil
}

func (p *Postgres) LoadQuestions(ctx context.Context, code string) ([]game.Question, error) {
	var records []QuestionRecord
	err := p.db.WithContext(ctx).
		Where("session_code = ?", code).
		Order("position asc").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("load questions for %s: %w", code, err)
	}
	out := make([]game.Question, 0, len(records))
	for _, rec := range records {
		out = append(out, game.Question{
			ID:           rec.QuestionID,
			Text:         rec.Text,
			Difficulty:   game.Difficulty(rec.Difficulty),
			Options:      rec.Options,
			CorrectIndex: rec.CorrectIndex,
			CorrectText:  rec.CorrectText,
		})
	}
	return out, nil
}

func (p *Postgres) SaveScore(ctx context.Context, code, playerID string, delta int) error {
	rec := ScoreRecord{SessionCode: code, PlayerID: playerID, Score: delta}
	err := p.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_code"}, {Name: "player_id"}},
			DoUpdates: clause.Assignments(map[string]any{"score": gorm.Expr("score_records.score + ?", delta)}),
		}).
		Create(&rec).Error
	if err != nil {
		return fmt.Errorf("save score for %s/%s: %w", code, playerID, err)
	}
	return nil
}

func (p *Postgres) ArchiveSession(ctx context.Context, code string, final FinalState) error {
	arch := SessionArchive{
		SessionCode:    code,
		Phase:          string(final.Phase),
		Scores:         final.Scores,
		QuestionsAsked: final.QuestionsAsked,
		EndedAt:        final.EndedAt,
	}
	if err := p.db.WithContext(ctx).Create(&arch).Error; err != nil {
		return fmt.Errorf("archive session %s: %w", code, err)
	}
	return nil
}
