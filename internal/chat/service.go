package chat

import (
	"context"
	"errors"

	"github.com/mdekabs/diagnosy/internal/safety"
	"gorm.io/gorm"
)

type Service struct {
	repo              *Repo
	contextWindowSize int
}

func NewService(repo *Repo, contextWindowSize int) *Service {
	if contextWindowSize <= 0 || contextWindowSize > 100 {
		contextWindowSize = 20
	}
	return &Service{repo: repo, contextWindowSize: contextWindowSize}
}

// Final is the durable outcome of one exchange.
type Final struct {
	ChatID       string
	Advice       string
	IsCrisis     bool
	IsDisclaimer bool
	Fresh        bool
}

// Finalize commits one finished exchange: it substitutes the crisis response
// when needed, appends the disclaimer exactly once per chat, then persists
// the user turn followed by the assistant turn.
func (s *Service) Finalize(ctx context.Context, userID uint64, input, answer string, crisis bool) (*Final, error) {
	if !crisis && safety.IsCrisisText(answer) {
		crisis = true
	}
	if crisis {
		answer = safety.CrisisResponse
	}

	c, created, err := s.repo.FindOrCreate(ctx, userID)
	if err != nil {
		return nil, err
	}

	disclaimer := false
	if !c.DisclaimerShown {
		answer += safety.Disclaimer
		if err := s.repo.SetDisclaimerShown(ctx, c.ID); err != nil {
			return nil, err
		}
		disclaimer = true
	}

	if _, err := s.repo.Append(ctx, c.ID, RoleUser, input); err != nil {
		return nil, err
	}
	if _, err := s.repo.Append(ctx, c.ID, RoleAssistant, answer); err != nil {
		return nil, err
	}

	return &Final{
		ChatID:       c.ID,
		Advice:       answer,
		IsCrisis:     crisis,
		IsDisclaimer: disclaimer,
		Fresh:        created,
	}, nil
}

func (s *Service) History(ctx context.Context, userID uint64, page, limit int) ([]Message, int64, error) {
	return s.repo.History(ctx, userID, page, limit)
}

// ClearMessages empties the user's chat. A user without a chat is a no-op.
func (s *Service) ClearMessages(ctx context.Context, userID uint64) error {
	c, err := s.repo.ByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	return s.repo.Clear(ctx, c.ID)
}

// EndChat deletes the chat and its messages. gorm.ErrRecordNotFound surfaces
// when there is nothing to delete.
func (s *Service) EndChat(ctx context.Context, userID uint64) error {
	return s.repo.End(ctx, userID)
}
