package timeline

import "strconv"

type Kind uint8

const (
	KindNull Kind = iota
	KindOn
	KindKey
	KindPanVolume
	KindVelocity
	KindVolume
	KindPortament
	KindBeatClock
	KindBeatTempo
	KindBeatNum
	KindRepeat
	KindLast
	KindVoiceNo
	KindGroupNo
	KindTuning
	KindPanTime
	NumKinds
)

var kindNames = [...]string{
	"NULL", "ON", "KEY", "PAN_VOL", "VEL", "VOL", "PORTA", "BEATCLOCK",
	"BEATTEMPO", "BEATNUM", "REPEAT", "LAST", "VOICE", "GROUP", "TUNING", "PAN_TIME",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return strconv.Itoa(int(k))
}

// IsTail reports whether events of this kind span a duration of Value ticks
// rather than holding a value until the next event of the same kind.
func (k Kind) IsTail() bool {
	return k == KindOn || k == KindPortament
}

func (k Kind) Valid() bool {
	return k < NumKinds
}

// Interval is the half-open clock range [Start, End).
type Interval struct {
	Start int32
	End   int32
}

func (i Interval) Length() int32 {
	return i.End - i.Start
}

func (i Interval) Contains(clock int32) bool {
	return clock >= i.Start && clock < i.End
}
