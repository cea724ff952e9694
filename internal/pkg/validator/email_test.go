package validator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateEmail(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "normalises case and space", input: "  New@Example.COM ", want: "new@example.com"},
		{name: "plain", input: "a@b.io", want: "a@b.io"},
		{name: "empty", input: "   ", wantErr: true},
		{name: "missing at", input: "example.com", wantErr: true},
		{name: "missing domain", input: "user@", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidateEmail(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidEmail)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLocalPart(t *testing.T) {
	assert.Equal(t, "new", LocalPart("new@example.com"))
	assert.Equal(t, "noatsign", LocalPart("noatsign"))
}

func TestIsAbsoluteURL(t *testing.T) {
	assert.True(t, IsAbsoluteURL("https://hooks.example.com/in"))
	assert.True(t, IsAbsoluteURL("http://localhost:9000/hook"))
	assert.False(t, IsAbsoluteURL("not a url"))
	assert.False(t, IsAbsoluteURL("/relative/path"))
	assert.False(t, IsAbsoluteURL("ftp://files.example.com"))
	assert.False(t, IsAbsoluteURL(""))
}
