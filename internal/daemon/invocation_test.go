package daemon

import (
	"reflect"
	"testing"
)

func TestParseInvocationBasicCompile(t *testing.T) {
	inv, err := parseInvocation("/proj", []string{
		"g++", "-Wall", "-c", "-O2",
		"-I", "include", "-Iother", "-iquote", "q", "-isystem", "/usr/include",
		"-DNDEBUG", "-D", "FEATURE=2", "-UOLD",
		"src/a.cpp", "-o", "out/a.o",
	})
	if err != nil {
		t.Fatal(err)
	}

	if inv.cxxName != "g++" {
		t.Errorf("cxxName = %q", inv.cxxName)
	}
	if inv.cppInFile != "/proj/src/a.cpp" {
		t.Errorf("cppInFile = %q", inv.cppInFile)
	}
	if inv.objOutFile != "/proj/out/a.o" {
		t.Errorf("objOutFile = %q", inv.objOutFile)
	}
	if !reflect.DeepEqual(inv.dirs.I, []string{"/proj/include", "/proj/other"}) {
		t.Errorf("I dirs = %v", inv.dirs.I)
	}
	if !reflect.DeepEqual(inv.dirs.Iquote, []string{"/proj/q"}) {
		t.Errorf("iquote dirs = %v", inv.dirs.Iquote)
	}
	if !reflect.DeepEqual(inv.dirs.Isystem, []string{"/usr/include"}) {
		t.Errorf("isystem dirs = %v", inv.dirs.Isystem)
	}
	if !reflect.DeepEqual(inv.defines, []string{"NDEBUG", "FEATURE=2"}) {
		t.Errorf("defines = %v", inv.defines)
	}
	if !reflect.DeepEqual(inv.undefines, []string{"OLD"}) {
		t.Errorf("undefines = %v", inv.undefines)
	}
	// -D/-U stay on the pass-through command line for the compiler itself
	want := []string{"-Wall", "-c", "-O2", "-DNDEBUG", "-D", "FEATURE=2", "-UOLD"}
	if !reflect.DeepEqual(inv.cxxArgs, want) {
		t.Errorf("cxxArgs = %v, want %v", inv.cxxArgs, want)
	}
}

func TestParseInvocationHeaderMapAndFramework(t *testing.T) {
	inv, err := parseInvocation("/proj", []string{
		"clang++", "-c", "-Imaps/project.hmap", "-F", "/Library/Frameworks", "-F/opt/fw",
		"a.cc", "-o", "a.o",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(inv.dirs.HMaps, []string{"/proj/maps/project.hmap"}) {
		t.Errorf("hmaps = %v", inv.dirs.HMaps)
	}
	if !reflect.DeepEqual(inv.dirs.Framework, []string{"/Library/Frameworks", "/opt/fw"}) {
		t.Errorf("framework dirs = %v", inv.dirs.Framework)
	}
	if len(inv.dirs.I) != 0 {
		t.Errorf("a .hmap must not land among -I dirs: %v", inv.dirs.I)
	}
}

func TestParseInvocationPchCreation(t *testing.T) {
	inv, err := parseInvocation("/proj", []string{"g++", "-c", "all-headers.h"})
	if err != nil {
		t.Fatal(err)
	}
	if inv.pchInFile != "/proj/all-headers.h" {
		t.Errorf("pchInFile = %q", inv.pchInFile)
	}
	if inv.objOutFile != "/proj/all-headers.h.gch" {
		t.Errorf("objOutFile = %q", inv.objOutFile)
	}
}

func TestParseInvocationRejectsUnsupported(t *testing.T) {
	cases := [][]string{
		{},
		{"g++", "-c", "-o", "a.o"},                      // no input
		{"g++", "-c", "a.cpp", "b.cpp", "-o", "a.o"},    // two inputs
		{"g++", "-c", "a.cpp"},                          // no output
	}
	for _, argv := range cases {
		if _, err := parseInvocation("/proj", argv); err == nil {
			t.Errorf("expected %v to be rejected", argv)
		}
	}
}
