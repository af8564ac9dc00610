package twophase

type pendingEntry[TXN any] struct {
	checkpointID int64
	txn          TXN
}

// pendingCommits is the insertion-ordered checkpoint ID -> transaction map.
// Snapshots only ever append increasing IDs, so insertion order and
// checkpoint order are the same.
type pendingCommits[TXN any] struct {
	entries []pendingEntry[TXN]
}

func (p *pendingCommits[TXN]) len() int {
	return len(p.entries)
}

func (p *pendingCommits[TXN]) lastID() (int64, bool) {
	if len(p.entries) == 0 {
		return 0, false
	}
	return p.entries[len(p.entries)-1].checkpointID, true
}

func (p *pendingCommits[TXN]) put(checkpointID int64, txn TXN) {
	p.entries = append(p.entries, pendingEntry[TXN]{checkpointID: checkpointID, txn: txn})
}

// commitUpTo calls fn on every entry with an ID <= checkpointID, in order,
// dropping each entry once fn returns nil. It stops at the first error and
// leaves the failed entry in place.
func (p *pendingCommits[TXN]) commitUpTo(checkpointID int64, fn func(id int64, txn TXN) error) error {
	kept := p.entries[:0]
	var err error
	for i, e := range p.entries {
		if err != nil {
			kept = append(kept, p.entries[i:]...)
			break
		}
		if e.checkpointID > checkpointID {
			kept = append(kept, e)
			continue
		}
		if err = fn(e.checkpointID, e.txn); err != nil {
			kept = append(kept, e)
		}
	}
	clear(p.entries[len(kept):])
	p.entries = kept
	return err
}

func (p *pendingCommits[TXN]) ids() []int64 {
	out := make([]int64, len(p.entries))
	for i, e := range p.entries {
		out[i] = e.checkpointID
	}
	return out
}

func (p *pendingCommits[TXN]) values() []TXN {
	out := make([]TXN, len(p.entries))
	for i, e := range p.entries {
		out[i] = e.txn
	}
	return out
}

func (p *pendingCommits[TXN]) reset() {
	clear(p.entries)
	p.entries = p.entries[:0]
}
