package schemas

import "context"

// BrowserDriver is the engine's view of a live browser session. Every method
// honors context cancellation; implementations translate their transport
// errors into the ErrorCode taxonomy via their own classification.
type BrowserDriver interface {
	Navigate(ctx context.Context, url string) error
	Click(ctx context.Context, selector string) error
	Type(ctx context.Context, selector, text string) error
	Select(ctx context.Context, selector, value string) error
	Scroll(ctx context.Context, direction string, amount int) error

	// Exists reports whether the selector currently matches an element.
	Exists(ctx context.Context, selector string) (bool, error)
	// TextContent returns the visible text of the first matching element.
	TextContent(ctx context.Context, selector string) (string, error)

	// Observe snapshots the page's URL, title and DOM summary.
	Observe(ctx context.Context) (*PageObservation, error)
	// Screenshot captures the viewport as PNG bytes.
	Screenshot(ctx context.Context) ([]byte, error)

	Close(ctx context.Context) error
}

// GenerationRequest is a single prompt to the language model.
type GenerationRequest struct {
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
}

// LLMClient generates text from a prompt. Implementations return
// ErrRateLimited or ErrServiceUnavailable (possibly wrapped) when the
// provider cannot serve the request.
type LLMClient interface {
	Generate(ctx context.Context, req GenerationRequest) (string, error)
}
