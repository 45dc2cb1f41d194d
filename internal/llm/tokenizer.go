package llm

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// The cl100k codec is loaded on first use. Neither backend publishes its
// own vocabulary, so counts are estimates for the context budget only.
var (
	cl100k     tokenizer.Codec
	cl100kErr  error
	cl100kOnce sync.Once
)

func loadCodec() (tokenizer.Codec, error) {
	cl100kOnce.Do(func() {
		cl100k, cl100kErr = tokenizer.Get(tokenizer.Cl100kBase)
	})
	return cl100k, cl100kErr
}

// CountTokens encodes text and returns how many tokens it takes.
func CountTokens(text string) (int, error) {
	codec, err := loadCodec()
	if err != nil {
		return 0, err
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// ApproxTokens is CountTokens for reports: when the codec cannot load it
// falls back to four characters per token.
func ApproxTokens(text string) int {
	if n, err := CountTokens(text); err == nil {
		return n
	}
	return (len(text) + 3) / 4
}
