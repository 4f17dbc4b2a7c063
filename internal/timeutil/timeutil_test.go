package timeutil

import "testing"

func TestMicroTimeAddSub(t *testing.T) {
	a := MicroTime{Sec: 1, Usec: 900_000}
	b := MicroTime{Sec: 0, Usec: 200_000}
	sum := a.Add(b)
	if sum.Sec != 2 || sum.Usec != 100_000 {
		t.Fatalf("Add: got %+v", sum)
	}
	back := sum.Sub(b)
	if back != a {
		t.Fatalf("Sub: got %+v, want %+v", back, a)
	}
}

func TestMicroTimeCheckedSubUnderflow(t *testing.T) {
	a := MicroTime{Sec: 0, Usec: 100}
	b := MicroTime{Sec: 0, Usec: 200}
	if _, ok := a.CheckedSub(b); ok {
		t.Fatal("expected underflow to be rejected")
	}
}

func TestMicroTimeRoundTrip(t *testing.T) {
	for _, usec := range []uint64{0, 999, 1_000_000, 123_456_789} {
		mt := FromUsec(usec)
		if mt.ToUsec() != usec {
			t.Fatalf("round trip %d -> %+v -> %d", usec, mt, mt.ToUsec())
		}
	}
}

func TestNanoTimeToNsec(t *testing.T) {
	nt := NanoTime{Sec: 2, Nsec: 500}
	if got, want := nt.ToNsec(), uint64(2_000_000_500); got != want {
		t.Fatalf("got %d want %d", got, want)
	}
}
