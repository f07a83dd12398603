package matching

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/baltic-freight/tms/internal/invoices"
)

func TestExtractTokens(t *testing.T) {
	tokens := ExtractTokens("Re: invoice sf2025-0007 / order 2025-041, ref AB")
	require.Equal(t, []string{"INVOICE", "SF2025-0007", "SF2025", "0007", "ORDER", "2025-041", "2025", "041", "REF"}, tokens)
}

func TestExtractTokensIdempotentAndCaseInsensitive(t *testing.T) {
	inputs := []string{
		"Mok. uz SF2025-0007 UAB Alfa",
		"invoice log0000123 / pi2024-0099",
		"ąčę žš 12-ab/cd-345",
		"",
		"a-b-c x/y/z",
	}
	for _, in := range inputs {
		require.Equal(t, ExtractTokens(in), ExtractTokens(upper(in)), in)
		require.Equal(t, ExtractTokens(upper(in)), ExtractTokens(upper(upper(in))), in)
	}
}

func TestExtractTokensDropsShortCandidates(t *testing.T) {
	require.Empty(t, ExtractTokens("a1 b2 -- //"))
	require.Equal(t, []string{"AB-1"}, ExtractTokens("ab-1"))
}

func TestMatches(t *testing.T) {
	require.True(t, Matches("sf2025-0007", "SF2025-0007"))
	require.True(t, Matches("0007", "SF2025-0007"))
	require.False(t, Matches("0008", "SF2025-0007"))
	require.False(t, Matches("", "SF2025-0007"))
}

func TestMatchInvoices(t *testing.T) {
	candidates := []invoices.Invoice{
		{Ref: invoices.SalesRef(1), Number: "LOG0000123"},
		{Ref: invoices.PurchaseRef(2), ReceivedNumber: "PI2024-0099"},
		{Ref: invoices.SalesRef(3), Number: "LOG0000999"},
	}
	matches := MatchInvoices("Attached: log0000123 and supplier PI2024-0099", candidates)
	require.Len(t, matches, 2)
	require.Equal(t, "sales:1", matches[0].Ref)
	require.Equal(t, []string{"LOG0000123"}, matches[0].Tokens)
	require.Equal(t, "PI2024-0099", matches[1].Number)

	require.Nil(t, MatchInvoices("nothing", nil))
}
