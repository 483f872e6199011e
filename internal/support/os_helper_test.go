package support

import (
	"reflect"
	"testing"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("DNSWARDEN_TEST_ENV", "value")
	if got := GetEnv("DNSWARDEN_TEST_ENV", "fallback"); got != "value" {
		t.Fatalf("GetEnv returned %s, want value", got)
	}

	if got := GetEnv("DNSWARDEN_TEST_ENV_MISSING", "fallback"); got != "fallback" {
		t.Fatalf("GetEnv returned %s, want fallback", got)
	}
}

func TestGetEnvInt(t *testing.T) {
	t.Setenv("DNSWARDEN_TEST_INT", " 42 ")
	if got := GetEnvInt("DNSWARDEN_TEST_INT", 7); got != 42 {
		t.Fatalf("GetEnvInt returned %d, want 42", got)
	}

	t.Setenv("DNSWARDEN_TEST_INT_BAD", "forty")
	if got := GetEnvInt("DNSWARDEN_TEST_INT_BAD", 7); got != 7 {
		t.Fatalf("GetEnvInt with invalid value returned %d, want 7", got)
	}
}

func TestSplitList(t *testing.T) {
	got := SplitList(" 1.1.1.1, ,8.8.8.8 ,")
	want := []string{"1.1.1.1", "8.8.8.8"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("SplitList = %v, want %v", got, want)
	}

	if got := SplitList("   "); got != nil {
		t.Fatalf("SplitList of blank = %v, want nil", got)
	}
}
