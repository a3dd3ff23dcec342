package changes

// Apply returns text with spec applied. Positions count characters (runes)
// and are clamped into range, so Apply never panics.
func Apply(text string, spec Spec) string {
	if spec == nil {
		return text
	}
	return string(spec.apply([]rune(text)))
}

// ApplyAll folds specs over text left to right.
func ApplyAll(text string, specs ...Spec) string {
	buf := []rune(text)
	for _, spec := range specs {
		if spec != nil {
			buf = spec.apply(buf)
		}
	}
	return string(buf)
}

func (s Insert) apply(buf []rune) []rune {
	return insertAt(buf, s.Pos, s.Text)
}

func (s Retain) apply(buf []rune) []rune {
	return buf[:clamp(s.Count, len(buf))]
}

func (s Edit) apply(buf []rune) []rune {
	switch op := s.Op.(type) {
	case InsertText:
		return insertAt(buf, s.RetainBefore, op.Text)
	case DeleteOne:
		start := s.RetainBefore
		if start < 0 || start >= len(buf) {
			return buf
		}
		return append(buf[:start:start], buf[start+1:]...)
	default:
		return buf
	}
}

func insertAt(buf []rune, pos int, text string) []rune {
	if text == "" {
		return buf
	}
	pos = clamp(pos, len(buf))
	ins := []rune(text)

	out := make([]rune, 0, len(buf)+len(ins))
	out = append(out, buf[:pos]...)
	out = append(out, ins...)
	return append(out, buf[pos:]...)
}

func clamp(i, n int) int {
	if i < 0 {
		return 0
	}
	if i > n {
		return n
	}
	return i
}
