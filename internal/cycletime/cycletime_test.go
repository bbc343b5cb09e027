package cycletime

import "testing"

func TestFields(t *testing.T) {
	// sec=5, cycle=100, offset=7: (5<<25)|(100<<12)|7
	raw := uint32(5<<25 | 100<<12 | 7)
	sec, cycle, offset := Fields(raw)
	if sec != 5 || cycle != 100 || offset != 7 {
		t.Fatalf("Fields(%#x) = (%d,%d,%d), want (5,100,7)", raw, sec, cycle, offset)
	}
}

func TestParseTstamp(t *testing.T) {
	tstamp := uint32(5<<13 | 1234)
	secLow, cycle := ParseTstamp(tstamp)
	if secLow != 5 || cycle != 1234 {
		t.Fatalf("ParseTstamp(%#x) = (%d,%d), want (5,1234)", tstamp, secLow, cycle)
	}
}

func TestComputeTstamp(t *testing.T) {
	cases := []struct {
		name       string
		cycleTimer uint32
		tstamp     uint32
		wantSec    uint32
		wantCycle  uint32
	}{
		{
			name:       "tstamp sec-low ahead of current, no wraparound",
			cycleTimer: 10 << 25,
			tstamp:     5<<13 | 1234,
			wantSec:    13,
			wantCycle:  1234,
		},
		{
			name:       "tstamp sec-low behind current, rounds up a full OHCI period",
			cycleTimer: 6 << 25,
			tstamp:     2<<13 | 500,
			wantSec:    10,
			wantCycle:  500,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			sec, cycle := ComputeTstamp(c.cycleTimer, c.tstamp)
			if sec != c.wantSec || cycle != c.wantCycle {
				t.Fatalf("ComputeTstamp(%#x, %#x) = (%d,%d), want (%d,%d)",
					c.cycleTimer, c.tstamp, sec, cycle, c.wantSec, c.wantCycle)
			}
		})
	}
}
