package model

import "testing"

func TestParseProvider(t *testing.T) {
	tests := []struct {
		in     string
		want   Provider
		wantOK bool
	}{
		{"google", ProviderGoogle, true},
		{"Microsoft", ProviderMicrosoft, true},
		{" facebook ", ProviderFacebook, true},
		{"github", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseProvider(tt.in)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("ParseProvider(%q) = (%q, %v), want (%q, %v)", tt.in, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestNormalizeEmail_IsCaseInsensitive(t *testing.T) {
	if got := NormalizeEmail("  A@Example.COM "); got != "a@example.com" {
		t.Errorf("NormalizeEmail() = %q, want %q", got, "a@example.com")
	}
}

func TestAPIError_ErrorIncludesCode(t *testing.T) {
	err := NewCodeMismatchError()
	if got := err.Error(); got != "[CODE_MISMATCH] 確認コードが正しくありません。" {
		t.Errorf("Error() = %q", got)
	}
}
