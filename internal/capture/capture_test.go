package capture

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/trn.replay/internal/trn"
)

func pairAt(seq int64, ts float64) trn.Pair {
	return trn.Pair{
		Seq:        seq,
		Time:       ts,
		Anchor:     trn.SourceTRN,
		Pose:       trn.Pose{Time: ts, North: 10 * ts, East: 3, Depth: 200, Psi: 0.5},
		Meas:       trn.Meas{Time: ts, DataType: trn.SensorDVL, Ping: seq, NumBeams: 2, Ranges: []float64{60, 61}, Valid: []bool{true, false}},
		DVLMatched: true,
		DVLDt:      0.125,
	}
}

func writeCapture(t *testing.T, path string, pairs ...trn.Pair) {
	t.Helper()
	w, err := Create(path)
	require.NoError(t, err)
	for _, p := range pairs {
		require.NoError(t, w.WritePair(p))
	}
	assert.EqualValues(t, len(pairs), w.Count())
	require.NoError(t, w.Close())
}

func TestCaptureRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.trncap")
	want := []trn.Pair{pairAt(0, 100), pairAt(1, 101), pairAt(2, 102)}
	writeCapture(t, path, want...)

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()
	got, err := r.ReadAll()
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("pairs mismatch (-want +got):\n%s", diff)
	}
}

func TestReaderRejectsDamage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.trncap")
	writeCapture(t, path, pairAt(0, 1))
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	_, err = NewReader(bytes.NewReader([]byte("NOTACAPTURE")))
	assert.Error(t, err)

	flipped := append([]byte(nil), data...)
	flipped[len(flipped)-6] ^= 0xff
	r, err := NewReader(bytes.NewReader(flipped))
	require.NoError(t, err)
	_, err = r.Next()
	assert.ErrorContains(t, err, "checksum")

	r, err = NewReader(bytes.NewReader(data[:len(data)-2]))
	require.NoError(t, err)
	_, err = r.Next()
	assert.Error(t, err)
}

func TestCompare(t *testing.T) {
	dir := t.TempDir()
	base := []trn.Pair{pairAt(0, 1), pairAt(1, 2), pairAt(2, 3)}

	changed := append([]trn.Pair(nil), base...)
	changed[1].Pose.North += 0.5

	tiny := append([]trn.Pair(nil), base...)
	tiny[2].Pose.East += 1e-9

	tests := []struct {
		name      string
		got       []trn.Pair
		tol       float64
		wantIndex int64
		wantText  string
	}{
		{"identical", base, 0, -1, ""},
		{"changed pose", changed, 0, 1, "North"},
		{"within tolerance", tiny, 1e-6, -1, ""},
		{"shorter", base[:2], 0, 2, "ended before"},
		{"longer", append(append([]trn.Pair(nil), base...), pairAt(3, 4)), 0, 3, "extra pair"},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := filepath.Join(dir, "a.trncap")
			b := filepath.Join(dir, "b"+string(rune('0'+i))+".trncap")
			writeCapture(t, a, base...)
			writeCapture(t, b, tt.got...)

			ra, err := Open(a)
			require.NoError(t, err)
			defer ra.Close()
			rb, err := Open(b)
			require.NoError(t, err)
			defer rb.Close()

			div, _, err := Compare(ra, rb, tt.tol)
			require.NoError(t, err)
			if tt.wantIndex < 0 {
				assert.Nil(t, div)
				return
			}
			require.NotNil(t, div)
			assert.Equal(t, tt.wantIndex, div.Index)
			assert.True(t, strings.Contains(div.String(), tt.wantText), div.String())
		})
	}
}
