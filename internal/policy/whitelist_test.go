package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsServiceAllowed(t *testing.T) {
	cases := []struct {
		whitelist []string
		service   string
		want      bool
	}{
		{nil, "anything", true},
		{[]string{}, "anything", true},
		{[]string{"api.openai.com"}, "api.openai.com", true},
		{[]string{"api.openai.com"}, "API.OpenAI.com", true},
		{[]string{"openai.com"}, "api.openai.com", true},    // whitelist внутри сервиса
		{[]string{"api.openai.com"}, "openai", true},        // сервис внутри whitelist
		{[]string{"api.openai.com"}, "malicious.xyz", false},
		{[]string{"stripe.com", "anthropic.com"}, "api.anthropic.com", true},
		{[]string{"stripe.com", "anthropic.com"}, "paypal.com", false},
		{[]string{""}, "malicious.xyz", false},
		{[]string{" ", "stripe.com"}, "paypal.com", false},
		{[]string{" stripe.com "}, "api.stripe.com", true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, IsServiceAllowed(tc.whitelist, tc.service), "whitelist=%v service=%q", tc.whitelist, tc.service)
	}
}
