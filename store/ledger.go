// Package store persists the history of producer connections.
package store

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"camfeed/receiver"
)

// SessionRecord is one producer connection as stored in the database.
type SessionRecord struct {
	gorm.Model

	SessionID  string `gorm:"uniqueIndex;size:36"`
	RemoteAddr string
	SourceID   string

	StartedAt time.Time
	EndedAt   *time.Time

	Frames uint64
	Bytes  uint64

	CloseReason  string
	CloseMessage string
}

func recordFromSession(s receiver.Session) *SessionRecord {
	r := &SessionRecord{
		SessionID:   s.ID.String(),
		RemoteAddr:  s.RemoteAddr,
		SourceID:    s.SourceID,
		StartedAt:   s.StartedAt,
		Frames:      s.Frames,
		Bytes:       s.Bytes,
		CloseReason: string(s.Reason),
	}
	if !s.EndedAt.IsZero() {
		t := s.EndedAt
		r.EndedAt = &t
	}
	if s.Err != nil {
		r.CloseMessage = s.Err.Error()
	}
	return r
}

// OpenMySQL connects to the database named by dsn.
func OpenMySQL(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}
	return db, nil
}

// OpenSQLite opens (creating if needed) a database file at path.
func OpenSQLite(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database %v: %v", path, err)
	}
	return db, nil
}

type event struct {
	ended   bool
	session receiver.Session
}

// Ledger records sessions reported by the receiver. Writes happen on a
// background goroutine and are dropped when the backlog is full.
type Ledger struct {
	db *gorm.DB

	c     chan event
	close chan chan bool
}

func NewLedger(db *gorm.DB) (*Ledger, error) {
	if err := db.AutoMigrate(&SessionRecord{}); err != nil {
		return nil, err
	}
	l := newLedger(db, 64)
	go l.loop()
	return l, nil
}

func newLedger(db *gorm.DB, backlog int) *Ledger {
	return &Ledger{
		db:    db,
		c:     make(chan event, backlog),
		close: make(chan chan bool),
	}
}

func (l *Ledger) loop() {
	for {
		select {
		case cc := <-l.close:
			// Drain what was already queued.
		drain:
			for {
				select {
				case e := <-l.c:
					l.write(e)
				default:
					break drain
				}
			}
			cc <- true
			return
		case e := <-l.c:
			l.write(e)
		}
	}
}

func (l *Ledger) write(e event) {
	r := recordFromSession(e.session)
	var err error
	if !e.ended {
		err = l.db.Create(r).Error
	} else {
		err = l.db.Model(&SessionRecord{}).
			Where("session_id = ?", r.SessionID).
			Updates(map[string]interface{}{
				"source_id":     r.SourceID,
				"ended_at":      r.EndedAt,
				"frames":        r.Frames,
				"bytes":         r.Bytes,
				"close_reason":  r.CloseReason,
				"close_message": r.CloseMessage,
			}).Error
	}
	if err != nil {
		log.Errorf("Failed to record session %v: %v", r.SessionID, err)
	}
}

func (l *Ledger) enqueue(e event) {
	select {
	case l.c <- e:
	default:
		log.Warnf("Session ledger backlog full, dropping record for %v", e.session.ID)
	}
}

// SessionStarted implements receiver.SessionListener.
func (l *Ledger) SessionStarted(s receiver.Session) {
	l.enqueue(event{session: s})
}

// SessionEnded implements receiver.SessionListener.
func (l *Ledger) SessionEnded(s receiver.Session) {
	l.enqueue(event{ended: true, session: s})
}

// Recent returns up to limit sessions, newest first.
func (l *Ledger) Recent(limit int) ([]*SessionRecord, error) {
	var rs []*SessionRecord
	if err := l.db.Order("started_at desc").Limit(limit).Find(&rs).Error; err != nil {
		return nil, err
	}
	return rs, nil
}

// Close flushes queued records and stops the writer.
func (l *Ledger) Close() {
	c := make(chan bool)
	l.close <- c
	<-c
}
