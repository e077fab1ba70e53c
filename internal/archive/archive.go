// Package archive persists session history to Postgres so past games can be
// listed and rejoined. It is write-behind: live state lives in the store and
// a lost archive row never affects a running session.
package archive

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Session struct {
	ID        uint   `gorm:"primaryKey"`
	Code      string `gorm:"uniqueIndex;size:6"`
	Name      string
	Referee   string
	CreatedAt time.Time
	ClosedAt  *time.Time
}

type Participant struct {
	ID        uint   `gorm:"primaryKey"`
	SessionID uint   `gorm:"index"`
	UserID    string `gorm:"index"`
	Name      string
	Role      string
	JoinedAt  time.Time
}

type Message struct {
	ID        uint `gorm:"primaryKey"`
	SessionID uint `gorm:"index"`
	Sender    string
	Text      string
	Type      string
	SentAt    time.Time
}

type Archive struct {
	db *gorm.DB
}

// Open connects to Postgres and migrates the schema.
func Open(dsn string) (*Archive, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("archive open: %w", err)
	}
	if err := db.AutoMigrate(&Session{}, &Participant{}, &Message{}); err != nil {
		return nil, fmt.Errorf("archive migrate: %w", err)
	}
	return &Archive{db: db}, nil
}

// RecordSession stores a newly created session.
func (a *Archive) RecordSession(code, name, referee string) error {
	s := Session{Code: code, Name: name, Referee: referee, CreatedAt: time.Now()}
	if err := a.db.Create(&s).Error; err != nil {
		return fmt.Errorf("archive session: %w", err)
	}
	return nil
}

// RecordJoin notes a participant joining the session with the given code.
func (a *Archive) RecordJoin(code, userID, name, role string) error {
	var s Session
	if err := a.db.Where("code = ?", code).First(&s).Error; err != nil {
		return fmt.Errorf("archive join lookup: %w", err)
	}
	p := Participant{SessionID: s.ID, UserID: userID, Name: name, Role: role, JoinedAt: time.Now()}
	if err := a.db.Create(&p).Error; err != nil {
		return fmt.Errorf("archive join: %w", err)
	}
	return nil
}

// RecordMessage appends one chat message to the session's transcript.
func (a *Archive) RecordMessage(code, sender, text, msgType string, sentAt time.Time) error {
	var s Session
	if err := a.db.Where("code = ?", code).First(&s).Error; err != nil {
		return fmt.Errorf("archive message lookup: %w", err)
	}
	m := Message{SessionID: s.ID, Sender: sender, Text: text, Type: msgType, SentAt: sentAt}
	if err := a.db.Create(&m).Error; err != nil {
		return fmt.Errorf("archive message: %w", err)
	}
	return nil
}

// RecordClose stamps the session as finished.
func (a *Archive) RecordClose(code string) error {
	now := time.Now()
	return a.db.Model(&Session{}).Where("code = ?", code).Update("closed_at", &now).Error
}

// RecentSessions lists the most recently created sessions, newest first.
func (a *Archive) RecentSessions(limit int) ([]Session, error) {
	var out []Session
	err := a.db.Order("created_at desc").Limit(limit).Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("archive recent: %w", err)
	}
	return out, nil
}

// RecentSessionsFor lists the sessions a user has participated in, newest
// first.
func (a *Archive) RecentSessionsFor(userID string, limit int) ([]Session, error) {
	var out []Session
	err := a.db.
		Joins("JOIN participants ON participants.session_id = sessions.id").
		Where("participants.user_id = ?", userID).
		Order("sessions.created_at desc").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("archive recent for user: %w", err)
	}
	return out, nil
}
