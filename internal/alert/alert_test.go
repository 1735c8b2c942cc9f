package alert

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseChoice(t *testing.T) {
	tests := []struct {
		in      string
		want    Choice
		wantErr bool
	}{
		{"cut", ChoiceCutCall, false},
		{" Cut Call ", ChoiceCutCall, false},
		{"C", ChoiceCutCall, false},
		{"ignore", ChoiceIgnore, false},
		{"i", ChoiceIgnore, false},
		{"", "", true},
		{"hang up", "", true},
	}
	for _, tt := range tests {
		got, err := ParseChoice(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		assert.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestNew(t *testing.T) {
	a := New("abc", 3)
	b := New("abc", 3)

	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, "Warning: Scam Detected", a.Title)
	assert.Equal(t, "This call is identified as a scam. We recommend cutting the call immediately.", a.Message)
	assert.Equal(t, "abc", a.CallID)
	assert.Equal(t, 3, a.Segment)
	assert.Equal(t, "Cut Call", ChoiceCutCall.Label())
	assert.Equal(t, "Ignore", ChoiceIgnore.Label())
}

func TestDeciderFunc(t *testing.T) {
	var d Decider = DeciderFunc(func(ctx context.Context, a Alert) (Choice, error) {
		return ChoiceCutCall, nil
	})
	c, err := d.Decide(context.Background(), New("x", 0))
	require.NoError(t, err)
	assert.Equal(t, ChoiceCutCall, c)
}

// terminal feeds answers to a Prompt once its prompts have been printed
type terminal struct {
	w   *io.PipeWriter
	mu  sync.Mutex
	out strings.Builder
}

func newTerminal(t *testing.T) (*Prompt, *terminal) {
	t.Helper()
	r, w := io.Pipe()
	t.Cleanup(func() { w.Close() })
	term := &terminal{w: w}
	return NewPrompt(r, term), term
}

func (term *terminal) Write(p []byte) (int, error) {
	term.mu.Lock()
	defer term.mu.Unlock()
	return term.out.Write(p)
}

func (term *terminal) String() string {
	term.mu.Lock()
	defer term.mu.Unlock()
	return term.out.String()
}

// answer waits until the n-th prompt is on screen, then types line
func (term *terminal) answer(t *testing.T, n int, line string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return strings.Count(term.String(), "> ") >= n
	}, 5*time.Second, time.Millisecond)
	_, err := io.WriteString(term.w, line+"\n")
	require.NoError(t, err)
}

type decision struct {
	choice Choice
	err    error
}

func decideAsync(ctx context.Context, p *Prompt, a Alert) <-chan decision {
	ch := make(chan decision, 1)
	go func() {
		c, err := p.Decide(ctx, a)
		ch <- decision{c, err}
	}()
	return ch
}

func TestPrompt_Cut(t *testing.T) {
	p, term := newTerminal(t)

	prob := 0.93
	a := New("abc", 0)
	a.ScamProbability = &prob

	res := decideAsync(context.Background(), p, a)
	term.answer(t, 1, "maybe")
	term.answer(t, 2, "cut")

	d := <-res
	require.NoError(t, d.err)
	assert.Equal(t, ChoiceCutCall, d.choice)

	s := term.String()
	assert.Contains(t, s, Title)
	assert.Contains(t, s, Message)
	assert.Contains(t, s, "93%")
	assert.Contains(t, s, "invalid choice")
}

func TestPrompt_SequentialAlerts(t *testing.T) {
	p, term := newTerminal(t)

	res := decideAsync(context.Background(), p, New("abc", 0))
	term.answer(t, 1, "i")
	d1 := <-res
	require.NoError(t, d1.err)

	res = decideAsync(context.Background(), p, New("abc", 1))
	term.answer(t, 2, "c")
	d2 := <-res
	require.NoError(t, d2.err)

	assert.Equal(t, ChoiceIgnore, d1.choice)
	assert.Equal(t, ChoiceCutCall, d2.choice)
}

func TestPrompt_InputBetweenAlertsIsIgnored(t *testing.T) {
	p, term := newTerminal(t)

	_, err := io.WriteString(term.w, "c\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return p.ignored.Load() == 1 }, 5*time.Second, time.Millisecond)

	res := decideAsync(context.Background(), p, New("abc", 0))
	term.answer(t, 1, "i")

	d := <-res
	require.NoError(t, d.err)
	assert.Equal(t, ChoiceIgnore, d.choice, "a stray line must not answer the next alert")
}

func TestPrompt_WaitingAlertNotShownAfterContextEnds(t *testing.T) {
	p, term := newTerminal(t)

	first := decideAsync(context.Background(), p, New("abc", 0))
	require.Eventually(t, func() bool { return strings.Contains(term.String(), "> ") }, 5*time.Second, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	second := decideAsync(ctx, p, New("abc", 1))
	cancel()

	d := <-second
	assert.ErrorIs(t, d.err, context.Canceled)
	assert.Equal(t, ChoiceIgnore, d.choice)

	term.answer(t, 1, "c")
	d = <-first
	require.NoError(t, d.err)
	assert.Equal(t, ChoiceCutCall, d.choice)
	assert.Equal(t, 1, strings.Count(term.String(), Title))
}

func TestPrompt_EOF(t *testing.T) {
	p := NewPrompt(strings.NewReader(""), io.Discard)
	c, err := p.Decide(context.Background(), New("abc", 0))
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, ChoiceIgnore, c)
}

func TestPrompt_ContextEnds(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	p := NewPrompt(r, io.Discard)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	c, err := p.Decide(ctx, New("abc", 0))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, ChoiceIgnore, c)
}

func TestQueue_Resolve(t *testing.T) {
	q := NewQueue()
	a := New("abc", 0)

	var (
		wg     sync.WaitGroup
		choice Choice
		err    error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		choice, err = q.Decide(context.Background(), a)
	}()

	require.Eventually(t, func() bool { return q.Len() == 1 }, time.Second, time.Millisecond)
	pending := q.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, a.ID, pending[0].ID)

	require.NoError(t, q.Resolve(a.ID, ChoiceCutCall))
	wg.Wait()

	assert.NoError(t, err)
	assert.Equal(t, ChoiceCutCall, choice)
	assert.Equal(t, 0, q.Len())
	assert.ErrorIs(t, q.Resolve(a.ID, ChoiceIgnore), ErrUnknownAlert)
}

func TestQueue_UnknownAlert(t *testing.T) {
	q := NewQueue()
	assert.ErrorIs(t, q.Resolve("nope", ChoiceCutCall), ErrUnknownAlert)
}

func TestQueue_ContextEndsRemovesAlert(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := q.Decide(ctx, New("abc", 0))
		done <- err
	}()

	require.Eventually(t, func() bool { return q.Len() == 1 }, time.Second, time.Millisecond)
	cancel()

	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, 0, q.Len())
}

func TestQueue_PendingOrder(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := New("abc", 0)
	second := New("abc", 1)
	second.RaisedAt = first.RaisedAt.Add(time.Second)

	go q.Decide(ctx, second)
	go q.Decide(ctx, first)

	require.Eventually(t, func() bool { return q.Len() == 2 }, time.Second, time.Millisecond)
	pending := q.Pending()
	assert.Equal(t, first.ID, pending[0].ID)
	assert.Equal(t, second.ID, pending[1].ID)
}
