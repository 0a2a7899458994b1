package capabilities

import "testing"

func TestClassifyMethodSafeAndDangerous(t *testing.T) {
	if got := ClassifyMethod("invoice.list"); got != MethodSafe {
		t.Errorf("invoice.list = %v, want MethodSafe", got)
	}
	if got := ClassifyMethod("user.admin"); got != MethodDangerous {
		t.Errorf("user.admin = %v, want MethodDangerous", got)
	}
	if got := ClassifyMethod("something.unheard_of"); got != MethodUnknown {
		t.Errorf("unlisted method = %v, want MethodUnknown", got)
	}
}

func TestIsListMethod(t *testing.T) {
	if !IsListMethod("invoice.list") {
		t.Error("invoice.list should be a list method")
	}
	if IsListMethod("invoice.get") {
		t.Error("invoice.get should not be a list method")
	}
}
