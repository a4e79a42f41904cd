package attest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuoteVerifyRoundTrip(t *testing.T) {
	t.Parallel()

	a, err := NewDevAttestor([]byte("enclave-v1"))
	require.NoError(t, err)

	q, err := a.Quote([]byte("summary-digest"))
	require.NoError(t, err)
	require.NoError(t, a.Verify(q))
}

func TestVerifyRejectsTampering(t *testing.T) {
	t.Parallel()

	a, err := NewDevAttestor([]byte("enclave-v1"))
	require.NoError(t, err)
	q, err := a.Quote([]byte("summary-digest"))
	require.NoError(t, err)

	tampered := q
	tampered.ReportData = []byte("forged")
	assert.ErrorIs(t, a.Verify(tampered), ErrRejected)

	empty := q
	empty.Signature = nil
	assert.ErrorIs(t, a.Verify(empty), ErrRejected)
}

func TestVerifyRejectsUntrustedMeasurement(t *testing.T) {
	t.Parallel()

	a, err := NewDevAttestor([]byte("enclave-v1"))
	require.NoError(t, err)
	b, err := NewDevAttestor([]byte("enclave-v2"))
	require.NoError(t, err)

	q, err := b.Quote([]byte("report"))
	require.NoError(t, err)
	assert.ErrorIs(t, a.Verify(q), ErrRejected)

	// A peer attestor that trusts v2 accepts the same quote.
	c, err := NewDevAttestor([]byte("enclave-v1"), []byte("enclave-v2"))
	require.NoError(t, err)
	assert.NoError(t, c.Verify(q))
}
