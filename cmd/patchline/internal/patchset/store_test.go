// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package patchset

import (
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "patchset.yaml"))
}

func TestStore_LoadMissing(t *testing.T) {
	st := testStore(t)
	specs, err := st.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(specs) != 0 {
		t.Errorf("expected empty set, got %d entries", len(specs))
	}
}

func TestStore_AppendAndLoad_PreservesOrder(t *testing.T) {
	st := testStore(t)

	entries := []Spec{
		{ID: "1001", Kind: KindProcedural, Procedure: "fix-ports.sh"},
		{ID: "1002", Kind: KindDiff, DiffLocator: "patches/1002.diff"},
		{ID: "1003", Kind: KindDiff, DiffLocator: "patches/1003.diff"},
	}
	for _, e := range entries {
		if err := st.Append(e); err != nil {
			t.Fatalf("Append(%s) failed: %v", e.ID, err)
		}
	}

	specs, err := st.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(specs) != 3 {
		t.Fatalf("got %d entries, want 3", len(specs))
	}
	for i, want := range []string{"1001", "1002", "1003"} {
		if specs[i].ID != want {
			t.Errorf("entry %d = %s, want %s", i, specs[i].ID, want)
		}
	}
}

func TestStore_AppendDuplicate(t *testing.T) {
	st := testStore(t)
	spec := Spec{ID: "1001", Kind: KindDiff, DiffLocator: "x.diff"}
	if err := st.Append(spec); err != nil {
		t.Fatalf("first Append failed: %v", err)
	}
	if err := st.Append(spec); err == nil {
		t.Error("duplicate Append should fail")
	}
}

func TestStore_Retire_KeepsHistory(t *testing.T) {
	st := testStore(t)
	if err := st.Append(Spec{ID: "1001", Kind: KindDiff, DiffLocator: "x.diff"}); err != nil {
		t.Fatal(err)
	}
	if err := st.Append(Spec{ID: "1002", Kind: KindDiff, DiffLocator: "y.diff"}); err != nil {
		t.Fatal(err)
	}

	if err := st.Retire([]string{"1001"}, "absorbed upstream in v2.1"); err != nil {
		t.Fatalf("Retire failed: %v", err)
	}

	specs, err := st.Load()
	if err != nil {
		t.Fatal(err)
	}
	// Retirement is a state, not a removal.
	if len(specs) != 2 {
		t.Fatalf("got %d entries after retire, want 2", len(specs))
	}
	if !specs[0].Retired || specs[0].RetiredReason != "absorbed upstream in v2.1" {
		t.Errorf("entry 1001 not retired correctly: %+v", specs[0])
	}
	if specs[1].Retired {
		t.Error("entry 1002 should remain active")
	}

	active := ActivePatches(specs)
	if len(active) != 1 || active[0].ID != "1002" {
		t.Errorf("ActivePatches = %+v, want [1002]", active)
	}
}

func TestStore_RetireUnknown(t *testing.T) {
	st := testStore(t)
	if err := st.Retire([]string{"nope"}, "test"); err == nil {
		t.Error("retiring unknown patch should fail")
	}
}

func TestStore_RecentAutoAdmitted(t *testing.T) {
	st := testStore(t)
	cut := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	entries := []Spec{
		{ID: "old-manual", Kind: KindDiff, DiffLocator: "a.diff", AddedAt: cut.Add(-time.Hour)},
		{ID: "old-auto", Kind: KindDiff, DiffLocator: "b.diff", AutoAdmitted: true, AddedAt: cut.Add(-time.Hour)},
		{ID: "new-auto", Kind: KindDiff, DiffLocator: "c.diff", AutoAdmitted: true, AddedAt: cut.Add(time.Hour)},
		{ID: "new-manual", Kind: KindDiff, DiffLocator: "d.diff", AddedAt: cut.Add(time.Hour)},
		{ID: "new-auto-retired", Kind: KindDiff, DiffLocator: "e.diff", AutoAdmitted: true, Retired: true, AddedAt: cut.Add(time.Hour)},
	}
	if err := st.Save(entries); err != nil {
		t.Fatal(err)
	}

	ids, err := st.RecentAutoAdmitted(cut)
	if err != nil {
		t.Fatalf("RecentAutoAdmitted failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != "new-auto" {
		t.Errorf("ids = %v, want [new-auto]", ids)
	}
}

func TestSpec_Validate(t *testing.T) {
	cases := []struct {
		name    string
		spec    Spec
		wantErr bool
	}{
		{"valid diff", Spec{ID: "1", Kind: KindDiff, DiffLocator: "x.diff"}, false},
		{"valid procedural", Spec{ID: "2", Kind: KindProcedural, Procedure: "fix.sh"}, false},
		{"missing id", Spec{Kind: KindDiff, DiffLocator: "x.diff"}, true},
		{"diff without locator", Spec{ID: "3", Kind: KindDiff}, true},
		{"procedural without procedure", Spec{ID: "4", Kind: KindProcedural}, true},
		{"unknown kind", Spec{ID: "5", Kind: "magic"}, true},
		{"bad risk", Spec{ID: "6", Kind: KindDiff, DiffLocator: "x.diff", Risk: "extreme"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.spec.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestMarker_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "version-marker.yaml")

	if m, err := LoadMarker(path); err != nil || m != nil {
		t.Fatalf("missing marker should be (nil, nil), got (%v, %v)", m, err)
	}

	want := Marker{
		Version:      "v2.4.0",
		PatchSetHash: HashSpecs([]Spec{{ID: "1", Kind: KindDiff}}),
		StableAt:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := SaveMarker(path, want); err != nil {
		t.Fatalf("SaveMarker failed: %v", err)
	}

	got, err := LoadMarker(path)
	if err != nil {
		t.Fatalf("LoadMarker failed: %v", err)
	}
	if got == nil || *got != want {
		t.Errorf("marker round trip = %+v, want %+v", got, want)
	}
}

func TestHashSpecs_SensitiveToRetirement(t *testing.T) {
	specs := []Spec{{ID: "1", Kind: KindDiff}, {ID: "2", Kind: KindDiff}}
	before := HashSpecs(specs)
	specs[1].Retired = true
	after := HashSpecs(specs)
	if before == after {
		t.Error("hash should change when a patch is retired")
	}
}
