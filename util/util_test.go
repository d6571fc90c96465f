package util_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/andes-obs/andesctl/util"
)

func ExampleAllElementsNumbers() {
	fmt.Println(util.AllElementsNumbers("1.25"))
	fmt.Println(util.AllElementsNumbers("25ms"))
	// Output:
	// true
	// false
}

func TestAllElementsNumbers(t *testing.T) {
	good := []string{"1", "123", "0.5", "10.25"}
	for _, s := range good {
		if !util.AllElementsNumbers(s) {
			t.Errorf("expected %s to be only numbers", s)
		}
	}
	bad := []string{"25ms", "1e6", "abc", "-1"}
	for _, s := range bad {
		if util.AllElementsNumbers(s) {
			t.Errorf("expected %s to not be only numbers", s)
		}
	}
}

func TestUniqueString(t *testing.T) {
	inp := []string{"a", "b", "c", "a"}
	expected := []string{"a", "b", "c"}
	output := util.UniqueString(inp)
	for i := 0; i < len(output); i++ {
		if output[i] != expected[i] {
			t.Errorf("expected %s got %s", expected[i], output[i])
		}
	}
}

func TestIntSliceToCSV(t *testing.T) {
	inp := []int{1, 2, 3}
	expected := "1,2,3"
	out := util.IntSliceToCSV(inp)
	if expected != out {
		t.Errorf("expected %s got %s", expected, out)
	}
}

func TestClampHigh(t *testing.T) {
	var (
		low   = 0.
		high  = 10.
		input = 20.
	)
	clamped := util.Clamp(input, low, high)
	if clamped == input {
		t.Errorf("expected out of range value %f to be clipped to %f < x < %f, got %f", input, low, high, clamped)
	}
}

func TestClampLow(t *testing.T) {
	var (
		low   = 0.
		high  = 10.
		input = -1.
	)
	clamped := util.Clamp(input, low, high)
	if clamped == input {
		t.Errorf("expected out of range value %f to be clipped to %f < x < %f, got %f", input, low, high, clamped)
	}
}

func TestSecsToDuration(t *testing.T) {
	var dur time.Duration = 123456789
	secs := dur.Seconds()
	out := util.SecsToDuration(secs)
	if out != dur {
		t.Errorf("expected SecsToDuration to round trip, output %v != expected %v", out, dur)
	}
}
