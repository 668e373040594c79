package agent

import (
	"fmt"
	"os"
	"strings"

	"github.com/dotsetgreg/dotchat/pkg/config"
)

// Prompts are the guidance texts sent ahead of the conversation context.
type Prompts struct {
	Preprocess string
	Chat       string
	Think      string
}

const defaultPreprocessPrompt = `You watch a group conversation and decide whether you should reply to the newest message.

Answer with a single JSON object and nothing else:
{
  "desire": <integer 0-20, how much you want to reply>,
  "reason": "<one short sentence>",
  "search": ["<web search query>", ...],
  "images": {"<image number>": "<what to look for in that image>"},
  "think": <true if answering needs careful step-by-step reasoning>,
  "keywords": ["<watched keyword the message touches>", ...]
}

Guidelines:
- Reply eagerly when someone speaks to you directly, asks you something or mentions you.
- Stay quiet when people are talking among themselves and you have nothing useful to add.
- Stay quiet on repeated jokes, stickers, greetings between others and bare reactions.
- Only list search queries when up-to-date or factual information you lack is needed. Use an empty list otherwise.
- Only list images (by the number in "[image #N]") when their content matters for your reply.
- Keep "think" false unless the question involves math, logic, code or multi-step planning.`

const defaultChatPrompt = `You are a member of a group conversation. Reply the way a friendly, well-informed participant would.

Answer with a JSON array and nothing else. Each element is one message you send, in order:
- a plain string is a text message;
- {"type": "text", "content": "..."} is also a text message;
- {"type": "image", "content": "<description of a picture to generate>"};
- {"type": "file", "filename": "<name>", "content": "<file text>"} sends a text file;
- {"type": "template", "content": "<text with {expressions}>"} is a text message whose {expressions} are evaluated when sent.

Template expressions may use these namespaces only: time (time.time(), time.strftime("%H:%M")), math (math.sqrt(2), math.pi, math.floor(x)), re (re.sub(pattern, repl, s), re.findall(pattern, s)), random (random.randint(1, 6), random.choice(["a", "b"])), datetime (datetime.now("%Y-%m-%d %H:%M"), datetime.weekday(), datetime.days_until(12, 25)). Use {{ and }} for literal braces and "a ? b : c" for conditions. Use templates for exact arithmetic, dates and dice rolls instead of guessing.

Guidelines:
- Keep messages short and conversational. Split a long answer into a few messages.
- Do not repeat what was already said. Do not introduce yourself.
- Use the image descriptions and reference information you are given when they help, without quoting them verbatim.
- Write in the language the conversation uses.`

const defaultThinkPrompt = `Think carefully, step by step, about how to answer the newest message in this conversation. Write out your reasoning and conclude with the answer you would give. This text is private notes and will not be shown to anyone.`

// DefaultPrompts returns the built-in guidance.
func DefaultPrompts() *Prompts {
	return &Prompts{
		Preprocess: defaultPreprocessPrompt,
		Chat:       defaultChatPrompt,
		Think:      defaultThinkPrompt,
	}
}

// LoadPrompts starts from the built-in guidance and replaces each text
// whose override file is configured.
func LoadPrompts(cfg config.PromptsConfig) (*Prompts, error) {
	p := DefaultPrompts()
	overrides := []struct {
		path string
		dst  *string
	}{
		{cfg.PreprocessFile, &p.Preprocess},
		{cfg.ChatFile, &p.Chat},
		{cfg.ThinkFile, &p.Think},
	}
	for _, o := range overrides {
		if strings.TrimSpace(o.path) == "" {
			continue
		}
		data, err := os.ReadFile(config.ExpandHome(o.path))
		if err != nil {
			return nil, fmt.Errorf("read prompt file: %w", err)
		}
		text := strings.TrimSpace(string(data))
		if text == "" {
			return nil, fmt.Errorf("prompt file %s is empty", o.path)
		}
		*o.dst = text
	}
	return p, nil
}
