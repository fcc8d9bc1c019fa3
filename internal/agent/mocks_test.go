package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/helmsman-ai/helmsman/api/schemas"
	"github.com/helmsman-ai/helmsman/internal/browser/session"
)

// scriptedLLM returns canned responses in order and records every prompt it
// received. An entry with a non-nil err fails that call instead.
type scriptedLLM struct {
	mu      sync.Mutex
	script  []scriptedReply
	prompts []string
	systems []string
}

type scriptedReply struct {
	text string
	err  error
}

func (s *scriptedLLM) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, req.Prompt)
	s.systems = append(s.systems, req.System)
	if len(s.script) == 0 {
		return "", fmt.Errorf("scriptedLLM: no replies left (call %d)", len(s.prompts))
	}
	reply := s.script[0]
	s.script = s.script[1:]
	if reply.err != nil {
		return "", reply.err
	}
	return reply.text, nil
}

func (s *scriptedLLM) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prompts)
}

func (s *scriptedLLM) prompt(i int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prompts[i]
}

func (s *scriptedLLM) system(i int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.systems[i]
}

// fakeDriver is an in-memory BrowserDriver. Successful actions mutate the
// fake page state so default effect predicates pass; scripted errors are
// consumed one per attempt.
type fakeDriver struct {
	mu sync.Mutex

	url     string
	title   string
	summary string
	rev     int

	calls []string

	// Per-kind error scripts, consumed front to back. An empty script means
	// the action always succeeds.
	navigateErrs []error
	clickErrs    []error
	typeErrs     []error

	exists map[string]bool
	texts  map[string]string

	observes int

	// blockNavigate, when set, makes Navigate wait for ctx cancellation.
	blockNavigate bool
	navStarted    chan struct{}

	// frozen, when set, stops successful actions from mutating the fake
	// page, so change-based predicates never hold.
	frozen bool
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		url:        "about:blank",
		summary:    "blank",
		exists:     make(map[string]bool),
		texts:      make(map[string]string),
		navStarted: make(chan struct{}, 8),
	}
}

func (f *fakeDriver) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeDriver) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeDriver) mutate(url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.frozen {
		return
	}
	if url != "" {
		f.url = url
	}
	f.rev++
	f.summary = fmt.Sprintf("page rev %d", f.rev)
}

func popErr(script *[]error) error {
	if len(*script) == 0 {
		return nil
	}
	err := (*script)[0]
	*script = (*script)[1:]
	return err
}

func (f *fakeDriver) Navigate(ctx context.Context, url string) error {
	f.record("navigate:" + url)
	f.mu.Lock()
	block := f.blockNavigate
	err := popErr(&f.navigateErrs)
	f.mu.Unlock()

	if block {
		f.navStarted <- struct{}{}
		<-ctx.Done()
		return context.Cause(ctx)
	}
	if err != nil {
		return err
	}
	f.mutate(url)
	return nil
}

func (f *fakeDriver) Click(ctx context.Context, selector string) error {
	f.record("click:" + selector)
	f.mu.Lock()
	err := popErr(&f.clickErrs)
	f.mu.Unlock()
	if err != nil {
		return err
	}
	f.mutate("")
	return nil
}

func (f *fakeDriver) Type(ctx context.Context, selector, text string) error {
	f.record(fmt.Sprintf("type:%s:%s", selector, text))
	f.mu.Lock()
	err := popErr(&f.typeErrs)
	f.mu.Unlock()
	if err != nil {
		return err
	}
	f.mutate("")
	return nil
}

func (f *fakeDriver) Select(ctx context.Context, selector, value string) error {
	f.record(fmt.Sprintf("select:%s:%s", selector, value))
	f.mutate("")
	return nil
}

func (f *fakeDriver) Scroll(ctx context.Context, direction string, amount int) error {
	f.record(fmt.Sprintf("scroll:%s:%d", direction, amount))
	return nil
}

func (f *fakeDriver) Exists(ctx context.Context, selector string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exists[selector], nil
}

func (f *fakeDriver) TextContent(ctx context.Context, selector string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.texts[selector], nil
}

func (f *fakeDriver) Observe(ctx context.Context) (*schemas.PageObservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observes++
	return &schemas.PageObservation{URL: f.url, Title: f.title, DOMSummary: f.summary}, nil
}

func (f *fakeDriver) observeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.observes
}

func (f *fakeDriver) Screenshot(ctx context.Context) ([]byte, error) {
	f.record("screenshot")
	return []byte{0x89, 'P', 'N', 'G'}, nil
}

func (f *fakeDriver) Close(ctx context.Context) error { return nil }

// notFoundErr builds a classified element-not-found failure.
func notFoundErr(selector string) error {
	return &session.DriverError{
		Op:     "click",
		Target: selector,
		Code:   schemas.CodeElementNotFound,
		Err:    fmt.Errorf("could not find node %q", selector),
	}
}
