package payment

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnimplemented(t *testing.T) {
	var p Provider = Unimplemented{}

	assert.Equal(t, Capabilities{}, p.Capabilities())

	_, err := p.CreateCheckoutSession(context.Background(), CheckoutSessionRequest{})
	require.ErrorIs(t, err, ErrNotImplemented)

	_, err = p.CreateInvoice(context.Background(), InvoiceRequest{})
	require.ErrorIs(t, err, ErrNotImplemented)
}
