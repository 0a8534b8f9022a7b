package hub

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Severity
	}{
		{"nil", nil, SeverityNone},
		{"already", fmt.Errorf("checkpoint: %w", ErrAlreadyPerformed), SeverityNone},
		{"invariant", Invariantf("spendings decreased"), SeverityLocal},
		{"external", Unavailable("eth_blockNumber", errors.New("dial tcp: refused")), SeverityAlert},
		{"prior", PriorStatef("allotment missing"), SeverityAlert},
		{"unknown", errors.New("boom"), SeverityAlert},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestUnavailableNil(t *testing.T) {
	require.NoError(t, Unavailable("op", nil))
}
