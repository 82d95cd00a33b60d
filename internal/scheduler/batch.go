package scheduler

// Batch is one scheduling tick's selection: requests entering prefill and
// requests continuing decode. Prefill cost is the full prompt; each decode
// continuation costs one token.
type Batch struct {
	Prefill []*Request
	Decode  []*Request
}

// Empty reports whether the batch contains no work.
func (b Batch) Empty() bool {
	return len(b.Prefill) == 0 && len(b.Decode) == 0
}

// Size returns the number of requests in the batch.
func (b Batch) Size() int {
	return len(b.Prefill) + len(b.Decode)
}

// TotalTokens returns the token work committed to this batch.
func (b Batch) TotalTokens() int {
	n := len(b.Decode)
	for _, r := range b.Prefill {
		n += r.NumPromptTokens()
	}
	return n
}
