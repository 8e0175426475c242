package capture

import (
	"errors"
	"fmt"
	"io"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/banshee-data/trn.replay/internal/trn"
)

// Divergence describes the first pair at which two captures differ.
type Divergence struct {
	Index int64
	// Want and Got are nil when the respective capture ended early.
	Want *trn.Pair
	Got  *trn.Pair
	Diff string
}

func (d *Divergence) String() string {
	switch {
	case d.Want == nil:
		return fmt.Sprintf("pair %d: extra pair at %.3f in second capture", d.Index, d.Got.Time)
	case d.Got == nil:
		return fmt.Sprintf("pair %d: second capture ended before %.3f", d.Index, d.Want.Time)
	}
	return fmt.Sprintf("pair %d at %.3f differs (-want +got):\n%s", d.Index, d.Want.Time, d.Diff)
}

// Compare reads both captures to the end and returns the first divergence,
// or nil when they hold the same pairs. Floating-point fields are compared
// within tol; zero means exact.
func Compare(want, got *Reader, tol float64) (*Divergence, int64, error) {
	opts := []cmp.Option{cmpopts.EquateEmpty()}
	if tol > 0 {
		opts = append(opts, cmpopts.EquateApprox(0, tol))
	}

	var n int64
	for {
		w, werr := want.Next()
		g, gerr := got.Next()
		wEOF, gEOF := errors.Is(werr, io.EOF), errors.Is(gerr, io.EOF)
		if werr != nil && !wEOF {
			return nil, n, fmt.Errorf("first capture: %w", werr)
		}
		if gerr != nil && !gEOF {
			return nil, n, fmt.Errorf("second capture: %w", gerr)
		}
		switch {
		case wEOF && gEOF:
			return nil, n, nil
		case wEOF:
			return &Divergence{Index: n, Got: &g}, n, nil
		case gEOF:
			return &Divergence{Index: n, Want: &w}, n, nil
		}
		if diff := cmp.Diff(w, g, opts...); diff != "" {
			return &Divergence{Index: n, Want: &w, Got: &g, Diff: diff}, n, nil
		}
		n++
	}
}
