package engine

import (
	"strings"
	"sync"
	"unicode"
)

// EOSPiece is the reserved piece marking end of stream; it always maps to
// vocab id 0.
const EOSPiece = "<eos>"

// Vocab is a process-local bidirectional map between token pieces and
// dense integer ids, grown lazily as the runtime emits pieces. The
// scheduler core only ever sees the ids.
type Vocab struct {
	mu     sync.RWMutex
	ids    map[string]int
	pieces []string
}

// NewVocab returns a vocab with the EOS piece pre-registered as id 0.
func NewVocab() *Vocab {
	v := &Vocab{ids: make(map[string]int)}
	v.ID(EOSPiece)
	return v
}

// ID returns the id for piece, assigning the next dense id on first sight.
func (v *Vocab) ID(piece string) int {
	v.mu.RLock()
	id, ok := v.ids[piece]
	v.mu.RUnlock()
	if ok {
		return id
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if id, ok := v.ids[piece]; ok {
		return id
	}
	id = len(v.pieces)
	v.ids[piece] = id
	v.pieces = append(v.pieces, piece)
	return id
}

// Piece returns the string for id.
func (v *Vocab) Piece(id int) (string, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if id < 0 || id >= len(v.pieces) {
		return "", false
	}
	return v.pieces[id], true
}

// Len returns the number of known pieces.
func (v *Vocab) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.pieces)
}

// Encode splits text into pieces and maps each through the vocab.
func (v *Vocab) Encode(text string) []int {
	pieces := SplitPieces(text)
	ids := make([]int, len(pieces))
	for i, p := range pieces {
		ids[i] = v.ID(p)
	}
	return ids
}

// Decode concatenates the pieces for ids, skipping EOS and unknown ids.
func (v *Vocab) Decode(ids []int) string {
	var sb strings.Builder
	for _, id := range ids {
		if id == 0 {
			continue
		}
		if p, ok := v.Piece(id); ok {
			sb.WriteString(p)
		}
	}
	return sb.String()
}

// SplitPieces cuts text at whitespace→non-whitespace boundaries so each
// piece keeps its leading whitespace and concatenation round-trips the
// original text exactly.
func SplitPieces(text string) []string {
	if text == "" {
		return nil
	}
	var pieces []string
	start := 0
	prevSpace := false
	for i, r := range text {
		if i > 0 && prevSpace && !unicode.IsSpace(r) {
			pieces = append(pieces, text[start:i])
			start = i
		}
		prevSpace = unicode.IsSpace(r)
	}
	pieces = append(pieces, text[start:])
	return pieces
}
