package zerobrew

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorTypes_UnwrapChains(t *testing.T) {
	inner := errors.New("disk full")

	decodeErr := &ApiDecodeError{Name: "jq", Err: inner}
	require.ErrorIs(t, decodeErr, inner)

	storeErr := &StoreCorruptionError{Message: "unpacking", Err: inner}
	require.ErrorIs(t, storeErr, inner)

	dbErr := &DbError{Op: "commit", Err: inner}
	require.ErrorIs(t, dbErr, inner)
}

func TestErrorTypes_MessagesAreInformative(t *testing.T) {
	require.Contains(t, (&MissingFormulaError{Name: "jq"}).Error(), "jq")
	require.Contains(t, (&UnsupportedBottleError{Name: "jq"}).Error(), "jq")
	require.Contains(t, (&NotInstalledError{Name: "jq"}).Error(), "jq")
	require.Contains(t, (&ChecksumMismatchError{Expected: "a", Actual: "b"}).Error(), "a")
	require.Contains(t, (&CircularDependencyError{Cycle: []string{"a", "b", "a"}}).Error(), "a")
}
