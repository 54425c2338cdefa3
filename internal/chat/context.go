package chat

import (
	"context"
	"errors"
	"strings"

	"github.com/mdekabs/diagnosy/internal/ai"
	"gorm.io/gorm"
)

// IntakeInstructions frames the very first turn of a conversation so the
// model answers as a symptom-guidance assistant rather than a generic chat
// model.
const IntakeInstructions = "You are a Symptom and Diagnosis Guidance bot. " +
	"You provide preliminary medical diagnoses and advice to patients based on their symptoms " +
	"and help them schedule an appointment with a medical professional."

func wrapIntake(input string) string {
	return IntakeInstructions + "\n\nPatient message: " + input
}

// BuildTurns assembles the provider payload for one request. A fresh
// conversation is a single instruction-wrapped user turn; a continued one is
// the trailing window of stored turns plus the new message. The bool reports
// whether the fresh path was taken.
func (s *Service) BuildTurns(ctx context.Context, userID uint64, input string, continued bool) ([]ai.Message, bool, error) {
	if !continued {
		return []ai.Message{{Role: RoleUser, Content: wrapIntake(input)}}, true, nil
	}

	c, err := s.repo.ByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return []ai.Message{{Role: RoleUser, Content: wrapIntake(input)}}, true, nil
		}
		return nil, false, err
	}

	history, err := s.repo.RecentTurns(ctx, c.ID, s.contextWindowSize)
	if err != nil {
		return nil, false, err
	}
	if len(history) == 0 {
		return []ai.Message{{Role: RoleUser, Content: wrapIntake(input)}}, true, nil
	}

	turns := make([]ai.Message, 0, len(history)+1)
	for _, m := range history {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		turns = append(turns, ai.Message{Role: m.Role, Content: m.Content})
	}
	turns = append(turns, ai.Message{Role: RoleUser, Content: input})
	return turns, false, nil
}
