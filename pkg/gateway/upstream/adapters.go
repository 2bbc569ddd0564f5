package upstream

import (
	"sync"

	"google.golang.org/genai"
)

// GenAISession adapts *genai.Session to Session.
type GenAISession struct {
	sess      *genai.Session
	closeOnce sync.Once
	closeErr  error
}

func (s *GenAISession) SendTurn(parts []*genai.Part) error {
	return s.sess.SendClientContent(genai.LiveClientContentInput{
		Turns: []*genai.Content{{Role: "user", Parts: parts}},
	})
}

func (s *GenAISession) Receive() (*genai.LiveServerMessage, error) {
	return s.sess.Receive()
}

func (s *GenAISession) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.sess.Close()
	})
	return s.closeErr
}

// TextPart builds a text turn part.
func TextPart(text string) *genai.Part {
	return &genai.Part{Text: text}
}

func BlobPart(mimeType string, data []byte) *genai.Part {
	return &genai.Part{InlineData: &genai.Blob{MIMEType: mimeType, Data: data}}
}
