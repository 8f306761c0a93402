package main

import "testing"

func TestEnvOrFlag(t *testing.T) {
	t.Run("returns env when set", func(t *testing.T) {
		t.Setenv("TEST_ENV_OR_FLAG", "from-env")
		flagVal := "from-flag"
		if got := envOrFlag("TEST_ENV_OR_FLAG", &flagVal); got != "from-env" {
			t.Errorf("envOrFlag = %q, want %q", got, "from-env")
		}
	})

	t.Run("returns flag when env not set", func(t *testing.T) {
		flagVal := "from-flag"
		if got := envOrFlag("UNSET_ENV_VAR_XYZ", &flagVal); got != "from-flag" {
			t.Errorf("envOrFlag = %q, want %q", got, "from-flag")
		}
	})

	t.Run("returns empty when both unset", func(t *testing.T) {
		if got := envOrFlag("UNSET_ENV_VAR_XYZ", nil); got != "" {
			t.Errorf("envOrFlag = %q, want empty", got)
		}
	})
}

func TestApplyEnvOverrides(t *testing.T) {
	origConfig := *configFile
	origAddr := *addr
	t.Cleanup(func() {
		*configFile = origConfig
		*addr = origAddr
	})

	t.Run("MEMBERSHIP_CONFIG sets config flag", func(t *testing.T) {
		*configFile = ""
		t.Setenv("MEMBERSHIP_CONFIG", "/etc/membership/test.yaml")
		applyEnvOverrides()
		if *configFile != "/etc/membership/test.yaml" {
			t.Errorf("configFile = %q, want %q", *configFile, "/etc/membership/test.yaml")
		}
	})

	t.Run("explicit flag wins over MEMBERSHIP_ADDR", func(t *testing.T) {
		*addr = ":9999"
		t.Setenv("MEMBERSHIP_ADDR", ":7070")
		applyEnvOverrides()
		if *addr != ":9999" {
			t.Errorf("addr = %q, want %q", *addr, ":9999")
		}
	})
}
