package validation

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricName_Valid(t *testing.T) {
	names := []string{
		"a",
		"_",
		"payment_process",
		"Task_2",
		"_private",
		strings.Repeat("x", MaxMetricNameLength),
	}
	for _, name := range names {
		got, err := MetricName(name)
		require.NoError(t, err, name)
		assert.Equal(t, name, got)
	}
}

func TestMetricName_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
		rule  string
	}{
		{"empty", "", RuleEmpty},
		{"too long", strings.Repeat("x", MaxMetricNameLength+1), RuleTooLong},
		{"leading digit", "123bad", RuleFirstChar},
		{"leading dash", "-metric", RuleFirstChar},
		{"dash inside", "bad-name", RuleCharset},
		{"space", "bad name", RuleCharset},
		{"dot", "a.b", RuleCharset},
		{"unicode", "naïve", RuleCharset},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MetricName(tt.input)
			require.Error(t, err)
			assert.Empty(t, got)
			assert.True(t, errors.Is(err, ErrInvalidName))

			var invalid *InvalidNameError
			require.True(t, errors.As(err, &invalid))
			assert.Equal(t, tt.input, invalid.Value)
			assert.Equal(t, tt.rule, invalid.Rule)
		})
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"payments", "payments"},
		{"../../etc/passwd", "passwd"},
		{"/var/log/app", "app"},
		{`..\..\windows\system32`, "system32"},
		{"dir/", "dir"},
		{"with space", "with_space"},
		{"a:b*c?", "a_b_c_"},
		{"keep-dash.and_dot", "keep-dash.and_dot"},
		{"", DefaultFilename},
		{"/", DefaultFilename},
		{"..", DefaultFilename},
		{"foo/..", DefaultFilename},
		{".", DefaultFilename},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeFilename(tt.input))
		})
	}
}

func TestSanitizeFilename_NeverEscapes(t *testing.T) {
	inputs := []string{
		"", "a", "../x", `\\server\share`, "日本語", "a/b\\c", "....", "./././",
		"\x00null", "tab\tname", "semi;colon",
	}
	for _, in := range inputs {
		out := SanitizeFilename(in)
		assert.NotEmpty(t, out, in)
		assert.NotContains(t, out, "/", in)
		assert.NotContains(t, out, `\`, in)
	}
}
