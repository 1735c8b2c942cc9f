package alert

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Prompt asks for decisions on a terminal. Alerts are shown one at a time.
// Input typed while no alert is on screen is thrown away.
type Prompt struct {
	out io.Writer

	// turn is held by the Decide call whose alert is on screen
	turn chan struct{}

	mu      sync.Mutex
	showing uint64
	nextID  uint64

	lines   chan promptLine
	ignored atomic.Int64
}

// promptLine is one line of input tagged with the alert shown when it was
// entered
type promptLine struct {
	text    string
	alertID uint64
}

// NewPrompt creates a terminal decider reading answers from in. Reading
// starts immediately.
func NewPrompt(in io.Reader, out io.Writer) *Prompt {
	p := &Prompt{
		out:   out,
		turn:  make(chan struct{}, 1),
		lines: make(chan promptLine),
	}
	go p.readLines(in)
	return p
}

// Decide prints the alert and waits for "cut" or "ignore". There is no
// dismiss option; an answer is required unless ctx ends or input closes.
// An alert whose ctx ends while it waits for its turn is never shown.
func (p *Prompt) Decide(ctx context.Context, a Alert) (Choice, error) {
	select {
	case p.turn <- struct{}{}:
	case <-ctx.Done():
		return ChoiceIgnore, ctx.Err()
	}
	defer func() { <-p.turn }()

	if err := ctx.Err(); err != nil {
		return ChoiceIgnore, err
	}

	id := p.begin()
	defer p.end()

	p.show(a)
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(p.out, "(alert dismissed)")
			return ChoiceIgnore, ctx.Err()
		case line, ok := <-p.lines:
			if !ok {
				return ChoiceIgnore, io.EOF
			}
			if line.alertID != id {
				continue
			}
			choice, err := ParseChoice(line.text)
			if err != nil {
				fmt.Fprintf(p.out, "%v\n[c] %s  [i] %s > ", err, ChoiceCutCall.Label(), ChoiceIgnore.Label())
				continue
			}
			return choice, nil
		}
	}
}

func (p *Prompt) begin() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	p.showing = p.nextID
	return p.showing
}

func (p *Prompt) end() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.showing = 0
}

func (p *Prompt) current() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.showing
}

func (p *Prompt) show(a Alert) {
	fmt.Fprintf(p.out, "\n*** %s ***\n%s\n", a.Title, a.Message)
	if a.ScamProbability != nil {
		fmt.Fprintf(p.out, "Scam probability: %.0f%%\n", *a.ScamProbability*100)
	}
	if a.Stale {
		fmt.Fprintln(p.out, "(the recording that produced this alert has already ended)")
	}
	fmt.Fprintf(p.out, "[c] %s  [i] %s > ", ChoiceCutCall.Label(), ChoiceIgnore.Label())
}

// readLines forwards answers to the alert on screen. A line entered for an
// alert that has since closed is discarded by the next Decide.
func (p *Prompt) readLines(in io.Reader) {
	defer close(p.lines)
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		id := p.current()
		if id == 0 {
			p.ignored.Add(1)
			slog.Debug("Ignoring input, no alert is shown")
			continue
		}
		p.lines <- promptLine{text: scanner.Text(), alertID: id}
	}
}
