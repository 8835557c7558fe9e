package upload

// progress turns per-item byte counts into a batch percentage that never
// goes backwards and stays at or below 99 until finish.
type progress struct {
	total int
	last  int
	emit  func(int)
}

func newProgress(total int, emit func(int)) *progress {
	if emit == nil {
		emit = func(int) {}
	}
	return &progress{total: total, emit: emit}
}

func (p *progress) start() {
	p.last = 0
	p.emit(0)
}

// report records completed items plus the fraction of the current one.
func (p *progress) report(completed int, fraction float64) {
	if p.total == 0 {
		return
	}
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	v := int((float64(completed) + fraction) / float64(p.total) * 100)
	if v > 99 {
		v = 99
	}
	if v > p.last {
		p.last = v
		p.emit(v)
	}
}

func (p *progress) finish() {
	p.last = 100
	p.emit(100)
}
