package paginate

import (
	"context"

	"github.com/JakeFAU/fdd-retriever/internal/browser"
)

// Trigger is a continuation control located on the page.
type Trigger struct {
	Selector string
	State    browser.ElementState
}

// TriggerFinder locates a continuation control.
type TriggerFinder interface {
	FindTrigger(ctx context.Context, page browser.Page) (Trigger, bool, error)
}

// SelectorFinder probes a single CSS selector.
type SelectorFinder string

// FindTrigger implements TriggerFinder.
func (s SelectorFinder) FindTrigger(ctx context.Context, page browser.Page) (Trigger, bool, error) {
	state, err := page.Probe(ctx, string(s))
	if err != nil {
		return Trigger{}, false, err
	}
	if !state.Found {
		return Trigger{}, false, nil
	}
	return Trigger{Selector: string(s), State: state}, true, nil
}

// FirstMatch tries finders in order and returns the first that finds an element.
type FirstMatch []TriggerFinder

// FindTrigger implements TriggerFinder. Probe errors are skipped; the last one is
// returned only if no finder matched.
func (f FirstMatch) FindTrigger(ctx context.Context, page browser.Page) (Trigger, bool, error) {
	var lastErr error
	for _, finder := range f {
		if err := ctx.Err(); err != nil {
			return Trigger{}, false, err
		}
		trig, ok, err := finder.FindTrigger(ctx, page)
		if err != nil {
			lastErr = err
			continue
		}
		if ok {
			return trig, true, nil
		}
	}
	return Trigger{}, false, lastErr
}

// Selectors builds a FirstMatch from an ordered list of CSS selectors.
func Selectors(selectors ...string) FirstMatch {
	out := make(FirstMatch, 0, len(selectors))
	for _, s := range selectors {
		if s != "" {
			out = append(out, SelectorFinder(s))
		}
	}
	return out
}
