// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewTheme_NonTerminalIsPlain(t *testing.T) {
	var buf bytes.Buffer
	theme := NewTheme(&buf)
	if theme.Styled() {
		t.Fatal("expected a plain theme for a buffer")
	}
	if got := theme.Title.Render("scan"); got != "scan" {
		t.Errorf("Title.Render = %q, want %q", got, "scan")
	}
}

func TestIsTerminal_Buffer(t *testing.T) {
	if IsTerminal(&bytes.Buffer{}) {
		t.Error("a buffer is not a terminal")
	}
}

func TestIcon_Render_Plain(t *testing.T) {
	theme := PlainTheme()
	for _, icon := range []Icon{IconSuccess, IconWarning, IconError, IconArrow} {
		if got := icon.Render(theme); got != string(icon) {
			t.Errorf("Render(%q) = %q", icon, got)
		}
	}
}

func TestProgressBar(t *testing.T) {
	theme := PlainTheme()

	tests := []struct {
		name           string
		current, total int
		wantFilled     int
	}{
		{"empty", 0, 10, 0},
		{"half", 5, 10, 5},
		{"full", 10, 10, 10},
		{"overflow clamps", 15, 10, 10},
		{"negative clamps", -3, 10, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bar := ProgressBar(theme, tt.current, tt.total, 10)
			if got := strings.Count(bar, "█"); got != tt.wantFilled {
				t.Errorf("filled = %d, want %d", got, tt.wantFilled)
			}
			if got := strings.Count(bar, "░"); got != 10-tt.wantFilled {
				t.Errorf("empty = %d, want %d", got, 10-tt.wantFilled)
			}
		})
	}

	if ProgressBar(theme, 1, 0, 10) != "" {
		t.Error("zero total should render nothing")
	}
}
