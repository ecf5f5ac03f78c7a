package cmd

import (
	"slices"
	"sort"
	"strings"
	"testing"

	"github.com/openWB/PiShrink/internal/config"
)

func TestConfigValueCompletion(t *testing.T) {
	for _, key := range config.Keys {
		for _, v := range configValueCompletion(key) {
			if err := config.ValidateValue(key, v); err != nil {
				t.Errorf("suggested %s=%q is rejected: %v", key, v, err)
			}
		}
	}
	if got := configValueCompletion("update_check"); !slices.Equal(got, []string{"true", "false"}) {
		t.Errorf("update_check completions = %v", got)
	}
	if got := configValueCompletion("nope"); got != nil {
		t.Errorf("unknown key completions = %v", got)
	}
}

func TestGetConfigEnvVars(t *testing.T) {
	vars := getConfigEnvVars()
	expected := make([]string, 0, len(config.Keys))
	for _, key := range config.Keys {
		env := "PISHRINK_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		expected = append(expected, env)
	}
	sort.Strings(expected)

	if len(vars) != len(expected) {
		t.Fatalf("got %d vars, expected %d", len(vars), len(expected))
	}
	for i, v := range vars {
		if v != expected[i] {
			t.Errorf("env var[%d] = %q, want %q", i, v, expected[i])
		}
	}
}
