package providers

import "context"

// Capabilities name what a route is used for.
const (
	CapabilityChat       = "chat"
	CapabilityPreprocess = "preprocess"
	CapabilityVision     = "vision"
	CapabilityImage      = "image"
	CapabilitySearch     = "search"
	CapabilityThink      = "think"
)

var knownCapabilities = []string{
	CapabilityChat,
	CapabilityPreprocess,
	CapabilityVision,
	CapabilityImage,
	CapabilitySearch,
	CapabilityThink,
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string       `json:"role"`
	Content string       `json:"content"`
	Images  []ImageInput `json:"-"`
}

type ImageInput struct {
	MIME string
	Data []byte
}

// Endpoint is a built client for one configured endpoint.
type Endpoint interface {
	Name() string
	Kind() string
}

// ChatEndpoint generates text from messages. Vision requests attach images
// to a message.
type ChatEndpoint interface {
	Endpoint
	Chat(ctx context.Context, model string, messages []Message) (string, error)
}

// ImageEndpoint synthesizes an image and returns a URL. Inline results are
// returned as data: URLs.
type ImageEndpoint interface {
	Endpoint
	GenerateImage(ctx context.Context, model, prompt string) (string, error)
}

// SearchEndpoint answers a web search query with a plain-text digest.
type SearchEndpoint interface {
	Endpoint
	Search(ctx context.Context, query string, count int) (string, error)
}
