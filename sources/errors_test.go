package sources

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsQueryTooLargeError(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("connection reset by peer"), false},
		{errors.New("query returned more than 10000 results"), true},
		{errors.New("RESULT SIZE EXCEEDED the limit"), true},
		{fmt.Errorf("wrapped: %w", errors.New("block range is too wide")), true},
		{errors.New("query exceeds limit of 5000"), true},
		{errors.New("too many results in query"), true},
		{errors.New("query timeout exceeded"), true},
	}
	for _, c := range cases {
		require.Equal(t, c.want, isQueryTooLargeError(c.err), "err=%v", c.err)
	}
}
