package systemd

import (
	"errors"
	"testing"

	systemdDbus "github.com/coreos/go-systemd/v22/dbus"
	dbus "github.com/godbus/dbus/v5"
	"github.com/simple_nsexec/libcontainer/configs"
)

func TestExpandSlice(t *testing.T) {
	tests := []struct {
		input    string
		expected string
		fail     bool
	}{
		{input: "-.slice", expected: "/"},
		{input: "system.slice", expected: "/system.slice"},
		{input: "test-a-b.slice", expected: "/test.slice/test-a.slice/test-a-b.slice"},
		{input: "system", fail: true},
		{input: "test--a.slice", fail: true},
		{input: "-test.slice", fail: true},
		{input: "a/b.slice", fail: true},
	}
	for _, tt := range tests {
		got, err := ExpandSlice(tt.input)
		if tt.fail {
			if err == nil {
				t.Errorf("%s: expected an error, got %q", tt.input, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: %v", tt.input, err)
			continue
		}
		if got != tt.expected {
			t.Errorf("%s: Got: %v, but expected: %v", tt.input, got, tt.expected)
		}
	}
}

func TestGetUnitName(t *testing.T) {
	tests := []struct {
		cg       configs.Cgroup
		expected string
	}{
		{cg: configs.Cgroup{ScopePrefix: "nsexec", Name: "ctr"}, expected: "nsexec-ctr.scope"},
		{cg: configs.Cgroup{ScopePrefix: "nsexec", Name: "ctr.slice"}, expected: "ctr.slice"},
	}
	for _, tt := range tests {
		if got := getUnitName(&tt.cg); got != tt.expected {
			t.Errorf("Got: %v, but expected: %v", got, tt.expected)
		}
	}
}

func TestUnitProperties(t *testing.T) {
	c := &configs.Cgroup{ScopePrefix: "nsexec", Name: "ctr", SystemdProps: []systemdDbus.Property{newProp("CollectMode", "inactive-or-failed")}}
	props := unitProperties(c, getUnitName(c), 42)
	names := map[string]dbus.Variant{}
	for _, p := range props {
		names[p.Name] = p.Value
	}
	for _, name := range []string{"Description", "Slice", "Delegate", "PIDs", "DefaultDependencies", "CollectMode"} {
		if _, ok := names[name]; !ok {
			t.Errorf("property %s missing in %v", name, props)
		}
	}
	if got := names["Slice"].Value(); got != defaultSlice {
		t.Errorf("Got: %v, but expected: %v", got, defaultSlice)
	}
	if _, ok := names["Wants"]; ok {
		t.Error("a scope must not want its slice")
	}

	slice := &configs.Cgroup{Name: "ctr.slice", Parent: "machine.slice"}
	props = unitProperties(slice, getUnitName(slice), -1)
	for _, p := range props {
		switch p.Name {
		case "Slice", "Delegate", "PIDs":
			t.Errorf("unexpected property %s for a slice", p.Name)
		}
	}
}

func TestIsUnitErrors(t *testing.T) {
	exists := dbus.Error{Name: "org.freedesktop.systemd1.UnitExists"}
	if !isUnitExists(exists) {
		t.Error("Got: false, but expected: true")
	}
	notFound := dbus.Error{Name: "org.freedesktop.systemd1.NoSuchUnit"}
	if !isUnitNotFound(notFound) || isUnitExists(notFound) {
		t.Error("NoSuchUnit misclassified")
	}
	if isUnitExists(errors.New("org.freedesktop.systemd1.UnitExists")) {
		t.Error("a plain error is not a dbus error")
	}
}

func TestIsRunningSystemd(t *testing.T) {
	// Only checks it is stable between calls, the host may not run systemd.
	if IsRunningSystemd() != IsRunningSystemd() {
		t.Error("IsRunningSystemd is not stable")
	}
}
