package poolerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrappersPreserveCause(t *testing.T) {
	cause := errors.New("boom")

	cases := []error{
		Transient("dial", cause),
		Protocol("parse", cause),
		Persistence("insert", cause),
		RuleSource("fetch", cause),
		Invariant("height", cause),
		Fatal("boot", cause),
	}

	for _, err := range cases {
		require.ErrorIs(t, err, cause)
	}
}

func TestWrappersNilIsNil(t *testing.T) {
	require.NoError(t, Transient("op", nil))
	require.NoError(t, Protocol("op", nil))
	require.NoError(t, Persistence("op", nil))
	require.NoError(t, RuleSource("op", nil))
	require.NoError(t, Invariant("op", nil))
	require.NoError(t, Fatal("op", nil))
}

func TestErrorsAsClassifies(t *testing.T) {
	err := Transient("dial", errors.New("refused"))

	var te *TransientIOError
	require.True(t, errors.As(err, &te))

	var pe *ProtocolError
	require.False(t, errors.As(err, &pe))
}
