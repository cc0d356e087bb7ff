package natsbroker

import (
	"log"

	"chatbroker/internal/types"
)

// DeadLetterSink publishes exhausted envelopes to the broker's
// dead-letter subject (Subjects.DeadLetter) for offline inspection or
// replay, alongside the teacher's log-and-alert behavior. It implements
// lanes.DeadLetterSink without importing internal/lanes, since the
// interface there is satisfied structurally.
type DeadLetterSink struct {
	Client *Client
	Logger *log.Logger
}

// DeadLetter logs the drop and best-effort publishes it to NATS; a
// publish failure here never blocks the lane, it only gets logged.
func (s *DeadLetterSink) DeadLetter(env types.Envelope, cause error) {
	s.Logger.Printf("[DEAD-LETTER] messageId=%s chatId=%s retryCount=%d cause=%v",
		env.MessageID, env.ChatID, env.RetryCount, cause)

	if err := s.Client.PublishJSON(SubjectBuilder.DeadLetter(), env); err != nil {
		s.Logger.Printf("dead-letter publish failed for messageId=%s: %v", env.MessageID, err)
	}
}
