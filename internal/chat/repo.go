package chat

import (
	"context"
	"errors"
	"log"
	"strings"

	"github.com/mdekabs/diagnosy/internal/common"
	"github.com/mdekabs/diagnosy/internal/cryptobox"
	"gorm.io/gorm"
)

var (
	ErrInvalidRole  = errors.New("chat: invalid role")
	ErrEmptyContent = errors.New("chat: empty content")
	ErrChatFull     = errors.New("chat: message cap reached")
)

type Repo struct {
	db  *gorm.DB
	box *cryptobox.Box
}

func NewRepo(db *gorm.DB, box *cryptobox.Box) *Repo {
	return &Repo{db: db, box: box}
}

// FindOrCreate returns the user's chat, creating it lazily. The second
// return reports whether a new chat was created.
func (r *Repo) FindOrCreate(ctx context.Context, userID uint64) (*Chat, bool, error) {
	var c Chat
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&c).Error
	if err == nil {
		return &c, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}

	id, err := common.NewULID()
	if err != nil {
		return nil, false, err
	}
	c = Chat{ID: id, UserID: userID}
	if err := r.db.WithContext(ctx).Create(&c).Error; err != nil {
		// a concurrent request may have created it first
		var existing Chat
		if ferr := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&existing).Error; ferr == nil {
			return &existing, false, nil
		}
		return nil, false, err
	}
	return &c, true, nil
}

func (r *Repo) ByUser(ctx context.Context, userID uint64) (*Chat, error) {
	var c Chat
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// Append validates, encrypts and stores one turn. The per-chat cap is
// enforced here.
func (r *Repo) Append(ctx context.Context, chatID, role, content string) (*Message, error) {
	if role != RoleUser && role != RoleAssistant {
		return nil, ErrInvalidRole
	}
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyContent
	}

	var count int64
	if err := r.db.WithContext(ctx).Model(&Message{}).Where("chat_id = ?", chatID).Count(&count).Error; err != nil {
		return nil, err
	}
	if count >= MaxMessagesPerChat {
		return nil, ErrChatFull
	}

	sealed, err := r.box.Encrypt(content)
	if err != nil {
		return nil, err
	}
	m := &Message{ChatID: chatID, Role: role, Content: sealed}
	if err := r.db.WithContext(ctx).Create(m).Error; err != nil {
		return nil, err
	}
	return m, nil
}

// RecentTurns returns the most recent messages in chronological order,
// decrypted, for context assembly.
func (r *Repo) RecentTurns(ctx context.Context, chatID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	var desc []Message
	if err := r.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("id DESC").
		Limit(limit).
		Find(&desc).Error; err != nil {
		return nil, err
	}

	// reverse to ASC (oldest -> newest)
	out := make([]Message, 0, len(desc))
	for i := len(desc) - 1; i >= 0; i-- {
		m := desc[i]
		m.Content = r.open(m)
		out = append(out, m)
	}
	return out, nil
}

// History returns one page of the user's messages newest-first plus the
// total count. A user without a chat gets an empty page.
func (r *Repo) History(ctx context.Context, userID uint64, page, limit int) ([]Message, int64, error) {
	c, err := r.ByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return []Message{}, 0, nil
		}
		return nil, 0, err
	}

	var total int64
	if err := r.db.WithContext(ctx).Model(&Message{}).Where("chat_id = ?", c.ID).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var msgs []Message
	if err := r.db.WithContext(ctx).
		Where("chat_id = ?", c.ID).
		Order("id DESC").
		Limit(limit).
		Offset((page - 1) * limit).
		Find(&msgs).Error; err != nil {
		return nil, 0, err
	}
	for i := range msgs {
		msgs[i].Content = r.open(msgs[i])
	}
	return msgs, total, nil
}

func (r *Repo) SetDisclaimerShown(ctx context.Context, chatID string) error {
	return r.db.WithContext(ctx).Model(&Chat{}).
		Where("id = ?", chatID).
		Update("disclaimer_shown", true).Error
}

// Clear deletes all messages and resets the disclaimer flag; the chat row
// survives.
func (r *Repo) Clear(ctx context.Context, chatID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("chat_id = ?", chatID).Delete(&Message{}).Error; err != nil {
			return err
		}
		return tx.Model(&Chat{}).Where("id = ?", chatID).Update("disclaimer_shown", false).Error
	})
}

// End removes the user's chat and every message in one transaction.
func (r *Repo) End(ctx context.Context, userID uint64) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var c Chat
		if err := tx.Where("user_id = ?", userID).First(&c).Error; err != nil {
			return err
		}
		if err := tx.Where("chat_id = ?", c.ID).Delete(&Message{}).Error; err != nil {
			return err
		}
		return tx.Delete(&c).Error
	})
}

// open decrypts a stored turn. A corrupt row degrades to empty content so
// one bad message never breaks a whole page.
func (r *Repo) open(m Message) string {
	plain, err := r.box.Decrypt(m.Content)
	if err != nil {
		log.Printf("chat decrypt failed msg=%d chat=%s err=%v", m.ID, m.ChatID, err)
		return ""
	}
	return plain
}
