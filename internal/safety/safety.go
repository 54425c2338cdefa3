// Package safety gates user input before it reaches the generation backend.
package safety

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/mdekabs/diagnosy/internal/ai"
)

var (
	ErrEmptyMessage = errors.New("safety: empty message")
	ErrBlockedTopic = errors.New("safety: blocked topic")
)

// CrisisResponse is the fixed reply substituted whenever crisis language is
// detected. It is never generated by the model.
const CrisisResponse = "It sounds like you are going through a very difficult time right now. " +
	"Please reach out for help immediately: call or text 988 (the Suicide and Crisis Lifeline) " +
	"or contact your local emergency services. You do not have to face this alone; trained " +
	"counselors are available around the clock and want to support you."

// Disclaimer is appended to the first assistant reply of every chat.
const Disclaimer = "\n\nPlease note: I am an AI assistant, not a medical professional. " +
	"This guidance is preliminary and for informational purposes only. Always consult a " +
	"qualified healthcare provider for an accurate diagnosis and treatment."

// classifyPrompt asks the backend for a one-word verdict on a first message.
const classifyPrompt = "You screen messages for a symptom and diagnosis guidance service. " +
	"Reply with exactly one word. OFF_TOPIC if the message is unrelated to health, symptoms, " +
	"medication, or medical care. CRISIS if the message suggests self-harm, suicide risk, or a " +
	"life-threatening emergency. SAFE otherwise.\n\nMessage: %s"

var blockedTopics = []string{
	"tell me a joke",
	"write me a poem",
	"write a poem",
	"sports scores",
	"stock market",
	"lottery numbers",
	"celebrity gossip",
	"movie recommendation",
	"song lyrics",
	"homework answer",
}

var crisisPatterns = []string{
	"kill myself",
	"killing myself",
	"end my life",
	"ending my life",
	"suicide",
	"suicidal",
	"self harm",
	"self-harm",
	"hurt myself",
	"hurting myself",
	"want to die",
	"don't want to live",
	"do not want to live",
	"no reason to live",
}

type Result struct {
	Crisis bool
}

// IsCrisisText reports whether text matches any crisis pattern.
func IsCrisisText(text string) bool {
	lower := strings.ToLower(text)
	for _, p := range crisisPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// Precheck applies the fixed input rules: empty input is rejected, crisis
// language is flagged, blocked topics are rejected. Crisis outranks the
// blocked-topic check so that a message matching both still gets the crisis
// response.
func Precheck(input string) (Result, error) {
	if strings.TrimSpace(input) == "" {
		return Result{}, ErrEmptyMessage
	}
	if IsCrisisText(input) {
		return Result{Crisis: true}, nil
	}
	lower := strings.ToLower(input)
	for _, topic := range blockedTopics {
		if strings.Contains(lower, topic) {
			return Result{}, ErrBlockedTopic
		}
	}
	return Result{}, nil
}

// Classify asks the backend whether a first message is OFF_TOPIC, CRISIS or
// SAFE. Backend failures and unrecognized verdicts are treated as SAFE so a
// classifier outage never blocks chat.
func Classify(ctx context.Context, provider ai.Provider, input string) (Result, error) {
	out, err := provider.Chat(ctx, []ai.Message{
		{Role: "user", Content: fmt.Sprintf(classifyPrompt, input)},
	})
	if err != nil {
		log.Printf("safety classify failed, treating as safe: %v", err)
		return Result{}, nil
	}

	verdict := strings.ToUpper(strings.TrimSpace(out))
	switch {
	case strings.HasPrefix(verdict, "OFF_TOPIC"):
		return Result{}, ErrBlockedTopic
	case strings.HasPrefix(verdict, "CRISIS"):
		return Result{Crisis: true}, nil
	default:
		return Result{}, nil
	}
}
