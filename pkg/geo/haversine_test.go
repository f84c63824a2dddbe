package geo

import "testing"

func TestHaversineMeters(t *testing.T) {
	cases := []struct {
		name                   string
		lat1, lng1, lat2, lng2 float64
		wantMin, wantMax       float64
	}{
		{"same point", -17.0523, 36.8714, -17.0523, 36.8714, 0, 0.001},
		{"happy path ~2m", -17.0523, 36.8714, -17.05231, 36.87138, 0, 3},
		{"outside tolerance ~95m", -17.0523, 36.8714, -17.0530, 36.8720, 80, 110},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := HaversineMeters(c.lat1, c.lng1, c.lat2, c.lng2)
			if got < c.wantMin || got > c.wantMax {
				t.Fatalf("HaversineMeters() = %v, want within [%v, %v]", got, c.wantMin, c.wantMax)
			}
		})
	}
}

func TestHaversineKM(t *testing.T) {
	// One degree of latitude is approximately 111km.
	got := HaversineKM(0, 0, 1, 0)
	if got < 110 || got > 112 {
		t.Fatalf("HaversineKM() = %v, want ~111", got)
	}
}
