// Package types provides the danmaku and repertoire models shared by the hub,
// the stores and the wire codecs.
package types

import "time"

// Danmaku is an audience submission that has been persisted.
type Danmaku struct {
	ID      uint32
	Content string
	Color   uint32 // packed 0xRRGGBB
	Time    time.Time
}

// TimeMillis returns the submission instant in Unix milliseconds.
func (d Danmaku) TimeMillis() uint64 {
	return uint64(d.Time.UnixMilli())
}

// Program is a single entry of the running schedule.
type Program struct {
	ID        uint32 `json:"id"`
	Name      string `json:"name"`
	Performer string `json:"performer"`
	Time      string `json:"time"` // display label, not parsed
}

// Repertoire is the program schedule with a pointer to the active entry.
type Repertoire struct {
	Programs []Program `json:"programs"`
	Current  uint32    `json:"current"`
}

// Clone returns a deep copy so cached values never alias caller slices.
func (r Repertoire) Clone() Repertoire {
	out := Repertoire{Current: r.Current}
	if r.Programs != nil {
		out.Programs = make([]Program, len(r.Programs))
		copy(out.Programs, r.Programs)
	}
	return out
}
