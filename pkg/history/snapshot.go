package history

// Snapshot is a point-in-time copy of one conversation. A pipeline run reads
// only from its snapshot so concurrent appends never change what it sees.
type Snapshot struct {
	ConversationID string
	Messages       []Message
	RepeatRun      int
}

func (s Snapshot) Get(messageID string) (Message, bool) {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].ID == messageID {
			return s.Messages[i], true
		}
	}
	return Message{}, false
}

func (s Snapshot) Contains(messageID string) bool {
	_, ok := s.Get(messageID)
	return ok
}

func (s Snapshot) ResolveReplyTarget(msg Message) (Message, bool) {
	if msg.ReplyTo == "" {
		return Message{}, false
	}
	return s.Get(msg.ReplyTo)
}

// Index returns the position of the message or -1.
func (s Snapshot) Index(messageID string) int {
	for i := range s.Messages {
		if s.Messages[i].ID == messageID {
			return i
		}
	}
	return -1
}

// Last returns the newest message.
func (s Snapshot) Last() (Message, bool) {
	if len(s.Messages) == 0 {
		return Message{}, false
	}
	return s.Messages[len(s.Messages)-1], true
}
