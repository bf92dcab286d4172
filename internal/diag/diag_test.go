package diag

import (
	"errors"
	"strings"
	"testing"
)

var errSample = errors.New("sample")

func TestDiagsAccumulate(t *testing.T) {
	var d Diags
	if d.Err() != nil {
		t.Fatal("empty Diags should have nil Err")
	}
	d.Add(0x10, KindPlaceholder, "not mapped")
	d.Addf(0x20, KindFunction, "edge to 0x%x", 0x30)
	d.AddErr(0x40, KindDataBlock, errSample)

	if d.Len() != 3 {
		t.Fatalf("Len = %d, want 3", d.Len())
	}
	if got := d.ByKind(KindFunction); len(got) != 1 || got[0].Msg != "edge to 0x30" {
		t.Errorf("ByKind(function) = %v", got)
	}
	err := d.Err()
	if !errors.Is(err, errSample) {
		t.Errorf("Err() = %v, want wrapping errSample", err)
	}
	if !strings.Contains(err.Error(), "[placeholder] 0x10: not mapped") {
		t.Errorf("Err() text missing placeholder diag: %v", err)
	}
}
