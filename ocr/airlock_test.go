package ocr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStripFences(t *testing.T) {
	var cases = []struct{ in, out string }{
		{`{"amount": 1}`, `{"amount": 1}`},
		{"```json\n{\"amount\": 1}\n```", `{"amount": 1}`},
		{"```\n{\"amount\": 1}\n```", `{"amount": 1}`},
		{"  ```json\n{\"amount\": 1}\n```  ", `{"amount": 1}`},
		{"```{\"amount\": 1}```", `{"amount": 1}`},
	}
	for _, tc := range cases {
		require.Equal(t, tc.out, StripFences(tc.in))
	}
}

func TestAirlockAcceptsValidOutput(t *testing.T) {
	var text = "```json\n" +
		`{"amount": 1200, "type": "expense", "date": "2026-01-10",
		  "merchant": "Lawson", "category": "groceries", "description": "snacks"}` +
		"\n```"
	var extraction, ok, problems = Airlock(text)
	require.True(t, ok)
	require.Empty(t, problems)
	require.Equal(t, int64(1200), extraction.Amount)
	require.Equal(t, "Lawson", extraction.Merchant)
}

func TestAirlockRejectsMalformedJSON(t *testing.T) {
	var _, ok, problems = Airlock("the receipt shows a purchase of 1200 yen")
	require.False(t, ok)
	require.Len(t, problems, 1)
	require.Contains(t, problems[0], "not valid JSON")
}

func TestAirlockCollectsAllViolations(t *testing.T) {
	var text = `{"amount": -5, "type": "refund", "date": "Jan 10",
		"merchant": "", "category": "snacks", "description": ""}`
	var _, ok, problems = Airlock(text)
	require.False(t, ok)
	// Every violation is reported, not just the first.
	require.Len(t, problems, 5)
}
