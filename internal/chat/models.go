package chat

import "time"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// MaxMessagesPerChat bounds transcript growth per conversation.
const MaxMessagesPerChat = 10000

// Chat is the single conversation container a user owns. It is created
// lazily on the first finalized exchange and removed only by an explicit
// end-session action.
type Chat struct {
	ID              string    `gorm:"type:varchar(26);primaryKey" json:"chat_id"`
	UserID          uint64    `gorm:"uniqueIndex;not null" json:"-"`
	DisclaimerShown bool      `gorm:"not null;default:false" json:"-"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (Chat) TableName() string { return "chats" }

// Message is one turn. Content holds the encryption envelope at rest; the
// repo decrypts on every read so callers never see ciphertext.
type Message struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	ChatID    string    `gorm:"type:varchar(26);index;not null" json:"-"`
	Role      string    `gorm:"type:varchar(16);not null" json:"role"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	CreatedAt time.Time `json:"timestamp"`
}

func (Message) TableName() string { return "chat_messages" }
