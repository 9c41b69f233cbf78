package console

import (
	"bufio"
	"io"
	"unicode"
)

const keyBuffer = 16

// Keyboard reads operator input in the background. Poll never blocks.
// Keys typed faster than they are polled beyond the buffer are dropped.
type Keyboard struct {
	keys chan rune
	done chan struct{}
}

// NewKeyboard starts reading runes from r until it returns an error or EOF.
// Whitespace is ignored, so line-buffered terminals work as well as raw
// ones.
func NewKeyboard(r io.Reader) *Keyboard {
	k := &Keyboard{
		keys: make(chan rune, keyBuffer),
		done: make(chan struct{}),
	}
	go k.read(bufio.NewReader(r))
	return k
}

func (k *Keyboard) read(r *bufio.Reader) {
	defer close(k.done)
	for {
		ch, _, err := r.ReadRune()
		if err != nil {
			return
		}
		if unicode.IsSpace(ch) || ch == unicode.ReplacementChar {
			continue
		}
		select {
		case k.keys <- ch:
		default:
		}
	}
}

// Poll returns the next pending key, if any.
func (k *Keyboard) Poll() (rune, bool) {
	select {
	case ch := <-k.keys:
		return ch, true
	default:
		return 0, false
	}
}

// Done is closed once the input reader is exhausted.
func (k *Keyboard) Done() <-chan struct{} {
	return k.done
}
