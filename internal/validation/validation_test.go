package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xtxerr/collector/internal/errors"
)

func TestValidateCategory(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"simple", "CounterEvent", false},
		{"with hyphen", "page-view", false},
		{"with underscore", "page_view", false},
		{"with dot", "app.login", false},
		{"unicode letters", "Ereignis_ä", false},
		{"empty", "", true},
		{"dot", ".", true},
		{"dotdot", "..", true},
		{"hidden", ".hidden", true},
		{"traversal", "a..b", true},
		{"slash", "a/b", true},
		{"backslash", "a\\b", true},
		{"space", "page view", true},
		{"control char", "a\x00b", true},
		{"too long", strings.Repeat("a", 201), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCategory(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, errors.ErrInvalidArgument)
				assert.True(t, errors.IsUserError(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateChannel(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"simple", "news", false},
		{"spaces and slashes", "team a/updates", false},
		{"leading dot", ".internal", false},
		{"empty", "", true},
		{"newline", "a\nb", true},
		{"invalid utf8", "a\xffb", true},
		{"too long", strings.Repeat("x", 256), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateChannel(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, errors.ErrInvalidArgument)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateName_MessageNamesKind(t *testing.T) {
	err := ValidateName("a/b", CategoryRules())
	assert.ErrorContains(t, err, `category "a/b"`)
	assert.ErrorContains(t, err, "path separator at position 1")
}
