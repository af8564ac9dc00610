package state

// Memory is a ListState that lives in process memory. Restarts are simulated
// by capturing a Handle and building a new Memory from it.
type Memory struct {
	records [][]byte
}

func NewMemory() *Memory {
	return &Memory{}
}

// NewMemoryFrom returns a Memory pre-populated with the handle's records.
func NewMemoryFrom(h Handle) *Memory {
	return &Memory{records: h.Records()}
}

func (m *Memory) Add(value []byte) error {
	m.records = append(m.records, append([]byte(nil), value...))
	return nil
}

func (m *Memory) Clear() error {
	m.records = nil
	return nil
}

func (m *Memory) Get() ([][]byte, error) {
	return cloneAll(m.records), nil
}

func (m *Memory) Update(values [][]byte) error {
	m.records = cloneAll(values)
	return nil
}

var _ ListState = (*Memory)(nil)
