package timeline

// NoIdMap maps unit positions to stable unit ids. Ids survive the removal or
// reordering of other units, positions don't, so anything stored or sent over
// the network refers to units by id.
type NoIdMap struct {
	ids []int32
}

func NewNoIdMap(ids ...int32) *NoIdMap {
	return &NoIdMap{ids: append([]int32{}, ids...)}
}

func (m *NoIdMap) NumUnits() int {
	return len(m.ids)
}

// NoToId returns the id of the unit at position no. no must be less than
// NumUnits.
func (m *NoIdMap) NoToId(no int) int32 {
	return m.ids[no]
}

func (m *NoIdMap) IdToNo(id int32) (int, bool) {
	for no, v := range m.ids {
		if v == id {
			return no, true
		}
	}
	return 0, false
}

func (m *NoIdMap) Ids() []int32 {
	return append([]int32{}, m.ids...)
}

// Add appends a unit with the given id and returns its position.
func (m *NoIdMap) Add(id int32) int {
	m.ids = append(m.ids, id)
	return len(m.ids) - 1
}

func (m *NoIdMap) Remove(no int) {
	if no < 0 || no >= len(m.ids) {
		return
	}
	m.ids = append(m.ids[:no], m.ids[no+1:]...)
}

// UnitMap is the read side of NoIdMap, for callers that only translate.
type UnitMap interface {
	NumUnits() int
	NoToId(no int) int32
	IdToNo(id int32) (int, bool)
}
